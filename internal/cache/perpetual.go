package cache

import (
	"sync"

	"github.com/joao-brasil/dbpool/internal/metrics"
	"github.com/joao-brasil/dbpool/pkg/cachekey"
)

// Perpetual is the plain in-memory store: entries live until removed or
// cleared. Entries are bucketed by key hash and matched by exact key
// equality, so colliding keys never alias each other.
type Perpetual struct {
	id string

	mu      sync.RWMutex
	buckets map[uint64][]entry
	size    int
}

type entry struct {
	key   *cachekey.Key
	value any
}

// NewPerpetual creates an empty store with the given id.
func NewPerpetual(id string) *Perpetual {
	return &Perpetual{
		id:      id,
		buckets: make(map[uint64][]entry),
	}
}

func (c *Perpetual) ID() string {
	return c.id
}

func (c *Perpetual) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

func (c *Perpetual) Put(key *cachekey.Key, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := key.Hash()
	bucket := c.buckets[h]
	for i := range bucket {
		if bucket[i].key.Equals(key) {
			bucket[i].value = value
			return nil
		}
	}
	c.buckets[h] = append(bucket, entry{key: key, value: value})
	c.size++
	metrics.CacheSize.WithLabelValues(c.id).Set(float64(c.size))
	return nil
}

func (c *Perpetual) Get(key *cachekey.Key) (any, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.buckets[key.Hash()] {
		if e.key.Equals(key) {
			metrics.CacheOperationsTotal.WithLabelValues(c.id, "hit").Inc()
			return e.value, true, nil
		}
	}
	metrics.CacheOperationsTotal.WithLabelValues(c.id, "miss").Inc()
	return nil, false, nil
}

func (c *Perpetual) Remove(key *cachekey.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := key.Hash()
	bucket := c.buckets[h]
	for i := range bucket {
		if bucket[i].key.Equals(key) {
			c.buckets[h] = append(bucket[:i], bucket[i+1:]...)
			if len(c.buckets[h]) == 0 {
				delete(c.buckets, h)
			}
			c.size--
			metrics.CacheSize.WithLabelValues(c.id).Set(float64(c.size))
			return nil
		}
	}
	return nil
}

func (c *Perpetual) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets = make(map[uint64][]entry)
	c.size = 0
	metrics.CacheSize.WithLabelValues(c.id).Set(0)
	return nil
}
