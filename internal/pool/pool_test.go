package pool

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/dbpool/internal/driver"
)

// fakeConn is an in-memory driver.Conn so the acquire/release protocol can be
// exercised without a database.
type fakeConn struct {
	id uint64

	mu          sync.Mutex
	closed      bool
	autoCommit  bool
	rollbackErr error
	rollbacks   int
	queryErr    error
	queries     []string
}

func (c *fakeConn) ID() uint64 { return c.id }

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) AutoCommit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoCommit
}

func (c *fakeConn) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbacks++
	// A failed rollback aborts the transaction anyway, so the next rollback
	// finds nothing to do; model the error as one-shot.
	err := c.rollbackErr
	c.rollbackErr = nil
	return err
}

func (c *fakeConn) Commit() error { return nil }

func (c *fakeConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, driver.ErrClosed
	}
	c.queries = append(c.queries, query)
	return nil, c.queryErr
}

func (c *fakeConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, driver.ErrClosed
	}
	c.queries = append(c.queries, query)
	if c.queryErr != nil {
		return nil, c.queryErr
	}
	return nil, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) setQueryErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queryErr = err
}

func (c *fakeConn) setRollbackErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbackErr = err
}

func (c *fakeConn) queryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queries)
}

// fakeFactory implements driver.Factory over fakeConns.
type fakeFactory struct {
	mu         sync.Mutex
	url        string
	user       string
	password   string
	autoCommit bool
	isolation  sql.IsolationLevel
	properties map[string]string
	nextID     atomic.Uint64
	opened     []*fakeConn
	openErr    error

	// prepare customizes each connection before it is handed out.
	prepare func(*fakeConn)
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		url:        "sqlserver://db:1433?database=test",
		user:       "sa",
		password:   "secret",
		autoCommit: true,
	}
}

func (f *fakeFactory) Open(ctx context.Context) (driver.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	c := &fakeConn{id: f.nextID.Add(1), autoCommit: f.autoCommit}
	if f.prepare != nil {
		f.prepare(c)
	}
	f.opened = append(f.opened, c)
	return c, nil
}

func (f *fakeFactory) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

func (f *fakeFactory) User() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.user
}

func (f *fakeFactory) Password() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.password
}

func (f *fakeFactory) DefaultAutoCommit() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.autoCommit
}

func (f *fakeFactory) SetURL(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.url = url
}

func (f *fakeFactory) SetUser(user string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user = user
}

func (f *fakeFactory) SetPassword(password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.password = password
}

func (f *fakeFactory) SetDefaultAutoCommit(autoCommit bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoCommit = autoCommit
}

func (f *fakeFactory) DefaultIsolation() sql.IsolationLevel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isolation
}

func (f *fakeFactory) SetDefaultIsolation(level sql.IsolationLevel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.isolation = level
}

func (f *fakeFactory) DriverProperties() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.properties
}

func (f *fakeFactory) SetDriverProperties(props map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.properties = props
}

func (f *fakeFactory) openedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

func (f *fakeFactory) openedConn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened[i]
}

func TestAcquireReusesIdleConnection(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Options{Name: "t-reuse", MaxActive: 2, MaxIdle: 2})
	defer p.Close()

	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	s := p.State()
	assert.Equal(t, 1, s.ActiveConnections)
	assert.Equal(t, 0, s.IdleConnections)

	firstID := c1.RealID()
	require.NoError(t, c1.Close())

	s = p.State()
	assert.Equal(t, 0, s.ActiveConnections)
	assert.Equal(t, 1, s.IdleConnections)

	// The released handle is dead even though the physical lives on.
	assert.False(t, c1.Valid())
	_, err = c1.ExecContext(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrInvalidConnection)

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, firstID, c2.RealID(), "second acquire should reuse the same physical connection")
	assert.Equal(t, 1, f.openedCount())
}

func TestAcquireWaitsForRelease(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Options{Name: "t-wait", MaxActive: 2, MaxIdle: 2})
	defer p.Close()

	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, c1.RealID(), c2.RealID())

	got := make(chan *PooledConn, 1)
	go func() {
		c3, err := p.Acquire(ctx)
		if err == nil {
			got <- c3
		}
		close(got)
	}()

	// Give the waiter time to block, then free a connection.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c1.Close())

	select {
	case c3, ok := <-got:
		require.True(t, ok, "third acquire failed")
		assert.Equal(t, c1.RealID(), c3.RealID())
	case <-time.After(2 * time.Second):
		t.Fatal("third acquire did not complete after release")
	}

	s := p.State()
	assert.Equal(t, uint64(1), s.HadToWaitCount)
	assert.Greater(t, s.AccumulatedWaitTime, time.Duration(0))
	require.NoError(t, c2.Close())
}

func TestOverdueReclaim(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Options{Name: "t-reclaim", MaxActive: 1, MaxCheckoutTime: 100 * time.Millisecond})
	defer p.Close()

	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, c1.RealID(), c2.RealID(), "reclaim should reuse the overdue physical connection")
	assert.Equal(t, 1, f.openedCount())

	s := p.State()
	assert.Equal(t, uint64(1), s.ClaimedOverdueConnectionCount)
	assert.Greater(t, s.AccumulatedCheckoutTimeOfOverdueConnections, 100*time.Millisecond)

	// The victim's handle is dead; its close is absorbed without disturbing
	// the new owner.
	_, err = c1.ExecContext(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrInvalidConnection)
	require.NoError(t, c1.Close())

	s = p.State()
	assert.Equal(t, 1, s.ActiveConnections)
	assert.Equal(t, 0, s.IdleConnections)
	assert.Equal(t, uint64(1), s.BadConnectionCount)
	assert.True(t, c2.Valid())
}

func TestForceCloseAllOnSetURL(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Options{Name: "t-force", MaxActive: 5, MaxIdle: 5})
	defer p.Close()

	ctx := context.Background()

	var conns []*PooledConn
	for i := 0; i < 5; i++ {
		c, err := p.Acquire(ctx)
		require.NoError(t, err)
		conns = append(conns, c)
	}
	for i := 2; i < 5; i++ {
		require.NoError(t, conns[i].Close())
	}

	s := p.State()
	require.Equal(t, 2, s.ActiveConnections)
	require.Equal(t, 3, s.IdleConnections)

	before := p.ExpectedTypeCode()
	p.SetURL("sqlserver://elsewhere:1433?database=test")
	assert.NotEqual(t, before, p.ExpectedTypeCode())

	s = p.State()
	assert.Equal(t, 0, s.ActiveConnections)
	assert.Equal(t, 0, s.IdleConnections)

	// Every physical connection is gone, and every handle is dead.
	for i := 0; i < 5; i++ {
		assert.True(t, f.openedConn(i).IsClosed())
	}
	for _, c := range conns {
		assert.False(t, c.Valid())
	}

	// The still-held handles drop on close: stale typeCode plus invalidation
	// keep them out of the idle list.
	require.NoError(t, conns[0].Close())
	require.NoError(t, conns[1].Close())
	s = p.State()
	assert.Equal(t, 0, s.IdleConnections)
}

func TestPingGating(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Options{
		Name:           "t-ping",
		MaxActive:      2,
		MaxIdle:        2,
		PingEnabled:    true,
		PingQuery:      "SELECT 1",
		PingNotUsedFor: time.Second,
	})
	defer p.Close()

	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	phys := f.openedConn(0)
	assert.Equal(t, 0, phys.queryCount(), "fresh connection should not be probed")
	require.NoError(t, c1.Close())

	// Recently used: probe skipped.
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, phys.queryCount())
	require.NoError(t, c2.Close())

	// Backdate the idle handle past the threshold: probe issued.
	p.mu.Lock()
	require.Len(t, p.idle, 1)
	p.idle[0].lastUsedAt = time.Now().Add(-2 * time.Second)
	p.mu.Unlock()

	c3, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, phys.queryCount(), "stale connection should be probed")
	require.NoError(t, c3.Close())

	// A failing probe drops the connection and acquires a fresh physical.
	p.mu.Lock()
	require.Len(t, p.idle, 1)
	p.idle[0].lastUsedAt = time.Now().Add(-2 * time.Second)
	p.mu.Unlock()
	phys.setQueryErr(errors.New("broken pipe"))

	c4, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, c1.RealID(), c4.RealID())
	assert.True(t, phys.IsClosed(), "failed probe should close the physical connection")
	assert.Equal(t, uint64(1), p.State().BadConnectionCount)
	assert.Equal(t, 2, f.openedCount())
}

func TestAcquireExhaustsBadTolerance(t *testing.T) {
	f := newFakeFactory()
	f.prepare = func(c *fakeConn) { c.closed = true } // every open is dead on arrival
	p := New(f, Options{Name: "t-bad", MaxActive: 5, MaxIdle: 1, LocalBadTolerance: 1})
	defer p.Close()

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrNoGoodConnection)

	// maxIdle + tolerance + 1 attempts before giving up.
	assert.Equal(t, 3, f.openedCount())
	assert.Equal(t, uint64(3), p.State().BadConnectionCount)
}

func TestAcquireContextCancellation(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Options{Name: "t-cancel", MaxActive: 1, TimeToWait: 10 * time.Second})
	defer p.Close()

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer c1.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second, "cancellation must not wait out TimeToWait")
	assert.Equal(t, uint64(1), p.State().HadToWaitCount)
}

func TestReleaseDropsWhenIdleFull(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Options{Name: "t-drop", MaxActive: 3, MaxIdle: 1})
	defer p.Close()

	ctx := context.Background()
	var conns []*PooledConn
	for i := 0; i < 3; i++ {
		c, err := p.Acquire(ctx)
		require.NoError(t, err)
		conns = append(conns, c)
	}
	for _, c := range conns {
		require.NoError(t, c.Close())
	}

	s := p.State()
	assert.Equal(t, 1, s.IdleConnections)

	closed := 0
	for i := 0; i < 3; i++ {
		if f.openedConn(i).IsClosed() {
			closed++
		}
	}
	assert.Equal(t, 2, closed, "connections over the idle cap are really closed")
}

func TestDiscardUnrollbackableReclaim(t *testing.T) {
	f := newFakeFactory()
	f.autoCommit = false
	p := New(f, Options{
		Name:                  "t-unrollbackable",
		MaxActive:             1,
		MaxCheckoutTime:       50 * time.Millisecond,
		DiscardUnrollbackable: true,
	})
	defer p.Close()

	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	phys := f.openedConn(0)
	phys.setRollbackErr(errors.New("deadlock victim"))

	time.Sleep(100 * time.Millisecond)

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, c1.RealID(), c2.RealID(), "unrollbackable physical must not be reused")
	assert.True(t, phys.IsClosed())
	assert.Equal(t, uint64(1), p.State().ClaimedOverdueConnectionCount)
	assert.Equal(t, 2, f.openedCount())
}

func TestReclaimRollsBackAndReusesByDefault(t *testing.T) {
	f := newFakeFactory()
	f.autoCommit = false
	p := New(f, Options{Name: "t-rollback-reuse", MaxActive: 1, MaxCheckoutTime: 50 * time.Millisecond})
	defer p.Close()

	ctx := context.Background()
	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	phys := f.openedConn(0)
	phys.setRollbackErr(errors.New("deadlock victim"))

	time.Sleep(100 * time.Millisecond)

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, c1.RealID(), c2.RealID(), "default policy reuses the physical even after a failed rollback")
	assert.False(t, phys.IsClosed())
}

func TestPoolCloseWakesWaiters(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Options{Name: "t-close", MaxActive: 1, TimeToWait: 10 * time.Second})

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	_ = c1

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	p.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not observe pool shutdown")
	}

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestConcurrentAcquireReleaseInvariants(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Options{
		Name:            "t-hammer",
		MaxActive:       4,
		MaxIdle:         2,
		MaxCheckoutTime: 10 * time.Second,
		TimeToWait:      5 * time.Second,
	})
	defer p.Close()

	const goroutines = 16
	const iterations = 50

	stopSampling := make(chan struct{})
	var capViolation atomic.Bool
	go func() {
		for {
			select {
			case <-stopSampling:
				return
			default:
			}
			s := p.State()
			if s.ActiveConnections > 4 || s.IdleConnections > 2 {
				capViolation.Store(true)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				c, err := p.Acquire(context.Background())
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				time.Sleep(time.Millisecond)
				c.Close()
			}
		}()
	}
	wg.Wait()
	close(stopSampling)

	assert.False(t, capViolation.Load(), "active/idle caps were exceeded")

	s := p.State()
	assert.Equal(t, uint64(goroutines*iterations), s.RequestCount)
	assert.Equal(t, 0, s.ActiveConnections)
	assert.LessOrEqual(t, s.IdleConnections, 2)
	assert.LessOrEqual(t, s.HadToWaitCount, s.RequestCount)

	// Exclusivity: the idle list must not alias a physical connection twice.
	p.mu.Lock()
	seen := make(map[uint64]bool)
	for _, c := range p.idle {
		assert.False(t, seen[c.hash], "physical connection %d appears twice in idle", c.hash)
		seen[c.hash] = true
	}
	p.mu.Unlock()
}

func TestDoubleCloseIsAbsorbed(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Options{Name: "t-doubleclose", MaxActive: 2, MaxIdle: 2})
	defer p.Close()

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	before := p.State()
	require.NoError(t, c.Close())
	after := p.State()

	assert.Equal(t, before.IdleConnections, after.IdleConnections)
	assert.Equal(t, before.ActiveConnections, after.ActiveConnections)
	assert.Equal(t, before.BadConnectionCount+1, after.BadConnectionCount)
}

func TestAcquireAsChangesFingerprint(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Options{Name: "t-as", MaxActive: 2, MaxIdle: 2})
	defer p.Close()

	c, err := p.AcquireAs(context.Background(), "reporting", "other-secret")
	require.NoError(t, err)

	// A handle checked out under foreign credentials carries a fingerprint
	// that differs from the pool's expected one, so it drops on release.
	assert.NotEqual(t, p.ExpectedTypeCode(), c.typeCode)
	require.NoError(t, c.Close())
	s := p.State()
	assert.Equal(t, 0, s.IdleConnections)
	assert.True(t, f.openedConn(0).IsClosed())
}

func TestIsolationAndDriverPropertySettersDrainPool(t *testing.T) {
	f := newFakeFactory()
	p := New(f, Options{Name: "t-isolation", MaxActive: 2, MaxIdle: 2})
	defer p.Close()

	ctx := context.Background()

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.Equal(t, 1, p.State().IdleConnections)

	p.SetDefaultIsolation(sql.LevelSerializable)
	assert.Equal(t, 0, p.State().IdleConnections)
	assert.True(t, f.openedConn(0).IsClosed())
	assert.Equal(t, sql.LevelSerializable, f.DefaultIsolation())

	c, err = p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.Equal(t, 1, p.State().IdleConnections)

	p.SetDriverProperties(map[string]string{"encrypt": "true"})
	assert.Equal(t, 0, p.State().IdleConnections)
	assert.True(t, f.openedConn(1).IsClosed())
	assert.Equal(t, map[string]string{"encrypt": "true"}, f.DriverProperties())
}

func TestCandidateRollbackFailureAbortsAcquire(t *testing.T) {
	f := newFakeFactory()
	f.autoCommit = false
	f.prepare = func(c *fakeConn) { c.rollbackErr = errors.New("severed connection") }
	p := New(f, Options{Name: "t-rollbackfail", MaxActive: 2})
	defer p.Close()

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rolling back candidate")
	assert.Contains(t, err.Error(), "severed connection")

	// No retry loop: the failure surfaced on the first candidate, and the
	// physical connection was closed on the way out.
	assert.Equal(t, 1, f.openedCount())
	assert.True(t, f.openedConn(0).IsClosed())
	s := p.State()
	assert.Equal(t, 0, s.ActiveConnections)
	assert.Equal(t, uint64(0), s.RequestCount)
}

func TestProviderOpenFailurePropagates(t *testing.T) {
	f := newFakeFactory()
	f.openErr = errors.New("login failed for user")
	p := New(f, Options{Name: "t-openfail", MaxActive: 2})
	defer p.Close()

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login failed")
}
