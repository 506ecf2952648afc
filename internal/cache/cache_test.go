package cache

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/dbpool/pkg/cachekey"
)

func TestPerpetualPutGetRemove(t *testing.T) {
	c := NewPerpetual("users")
	assert.Equal(t, "users", c.ID())

	key := cachekey.New("findUser", 42)
	_, ok, err := c.Get(key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(key, "row-42"))
	assert.Equal(t, 1, c.Size())

	// An equal key built independently must hit.
	v, ok, err := c.Get(cachekey.New("findUser", 42))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "row-42", v)

	// A different key must not.
	_, ok, err = c.Get(cachekey.New("findUser", 43))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Remove(key))
	assert.Equal(t, 0, c.Size())
	_, ok, _ = c.Get(key)
	assert.False(t, ok)
}

func TestPerpetualPutReplaces(t *testing.T) {
	c := NewPerpetual("replace")
	key := cachekey.New("k")
	require.NoError(t, c.Put(key, 1))
	require.NoError(t, c.Put(cachekey.New("k"), 2))
	assert.Equal(t, 1, c.Size())

	v, ok, err := c.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestPerpetualClear(t *testing.T) {
	c := NewPerpetual("clear")
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Put(cachekey.New("k", i), i))
	}
	require.Equal(t, 10, c.Size())
	require.NoError(t, c.Clear())
	assert.Equal(t, 0, c.Size())
}

func TestPerpetualNullKeyNeverHits(t *testing.T) {
	c := NewPerpetual("null")
	require.NoError(t, c.Put(cachekey.Null(), "v"))
	_, ok, err := c.Get(cachekey.Null())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBlockingHitReleasesImmediately(t *testing.T) {
	c := NewBlocking(NewPerpetual("b1"), time.Second)
	key := cachekey.New("k")

	// Miss: lock is now held by this caller; Put releases it.
	_, ok, err := c.Get(key)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, c.Put(key, "v"))

	// Hits do not accumulate lock state.
	for i := 0; i < 3; i++ {
		v, ok, err := c.Get(key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "v", v)
	}
}

func TestBlockingCollapsesConcurrentMisses(t *testing.T) {
	c := NewBlocking(NewPerpetual("b2"), 5*time.Second)
	key := cachekey.New("k")

	// First caller misses and holds the key lock.
	_, ok, err := c.Get(key)
	require.NoError(t, err)
	require.False(t, ok)

	hits := make(chan any, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, ok, err := c.Get(cachekey.New("k"))
			if err == nil && ok {
				hits <- v
			}
		}()
	}

	// Everyone behind the key is blocked until the loader stores the value.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c.Put(key, "loaded"))

	wg.Wait()
	close(hits)
	count := 0
	for v := range hits {
		assert.Equal(t, "loaded", v)
		count++
	}
	assert.Equal(t, 4, count, "all waiters should observe the loaded value")
}

func TestBlockingLockTimeout(t *testing.T) {
	c := NewBlocking(NewPerpetual("b3"), 50*time.Millisecond)
	key := cachekey.New("k")

	_, ok, err := c.Get(key)
	require.NoError(t, err)
	require.False(t, ok)

	// The lock is held by the (never-finishing) loader above.
	_, _, err = c.Get(cachekey.New("k"))
	assert.ErrorIs(t, err, ErrLockTimeout)

	// Remove gives up the lock and unblocks the key.
	require.NoError(t, c.Remove(key))
	_, ok, err = c.Get(key)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, c.Remove(key))
}

// TestRedisCache runs only when DBPOOL_TEST_REDIS points at a live instance.
func TestRedisCache(t *testing.T) {
	addr := os.Getenv("DBPOOL_TEST_REDIS")
	if addr == "" {
		t.Skip("DBPOOL_TEST_REDIS not set")
	}

	c, err := NewRedis("itest", RedisOptions{Addr: addr, TTL: time.Minute})
	require.NoError(t, err)
	defer c.CloseClient()
	defer c.Clear()

	key := cachekey.New("findUser", 42)
	require.NoError(t, c.Put(key, map[string]any{"id": float64(42)}))

	v, ok, err := c.Get(cachekey.New("findUser", 42))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"id": float64(42)}, v)

	assert.GreaterOrEqual(t, c.Size(), 1)

	require.NoError(t, c.Remove(key))
	_, ok, err = c.Get(key)
	require.NoError(t, err)
	assert.False(t, ok)
}
