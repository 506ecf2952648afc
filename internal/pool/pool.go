package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/joao-brasil/dbpool/internal/driver"
	"github.com/joao-brasil/dbpool/internal/metrics"
)

var (
	// ErrNoGoodConnection is returned when an acquire burns through its
	// bad-connection tolerance without finding a usable connection.
	ErrNoGoodConnection = errors.New("pool: could not get a good connection to the database")

	// ErrInvalidConnection is returned by operations on a handle that has
	// been invalidated (released, reclaimed or force-closed).
	ErrInvalidConnection = errors.New("pool: connection is invalid")

	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("pool: pool is closed")
)

// Options configure a Pool. Zero fields fall back to the defaults noted on
// each field.
type Options struct {
	// Name labels the pool in logs and metrics. Default "default".
	Name string

	// MaxActive caps concurrently checked-out connections. Default 10.
	MaxActive int

	// MaxIdle caps retained idle connections. Default 5.
	MaxIdle int

	// MaxCheckoutTime is how long an active connection may be held before it
	// becomes reclaimable by another acquire. Default 20s.
	MaxCheckoutTime time.Duration

	// TimeToWait bounds each individual wait for a released connection; a
	// timed-out waiter simply re-evaluates the pool. Default 20s.
	TimeToWait time.Duration

	// LocalBadTolerance is the number of extra bad connections a single
	// acquire may see beyond MaxIdle before failing. Default 3.
	LocalBadTolerance int

	// PingQuery is the statement used to probe liveness. The default is a
	// sentinel that fails loudly if pinging is enabled without a real query.
	PingQuery string

	// PingEnabled turns the liveness probe on. Default off.
	PingEnabled bool

	// PingNotUsedFor gates the probe: connections used within this window are
	// assumed alive. Negative disables probing entirely. Default 0 (probe
	// whenever enabled).
	PingNotUsedFor time.Duration

	// DiscardUnrollbackable closes a reclaimed connection whose rollback
	// failed instead of reusing it. Default false: reuse, on the theory that
	// the next caller begins a fresh transaction anyway.
	DiscardUnrollbackable bool
}

func (o *Options) applyDefaults() {
	if o.Name == "" {
		o.Name = "default"
	}
	if o.MaxActive <= 0 {
		o.MaxActive = 10
	}
	if o.MaxIdle <= 0 {
		o.MaxIdle = 5
	}
	if o.MaxCheckoutTime <= 0 {
		o.MaxCheckoutTime = 20 * time.Second
	}
	if o.TimeToWait <= 0 {
		o.TimeToWait = 20 * time.Second
	}
	if o.LocalBadTolerance <= 0 {
		o.LocalBadTolerance = 3
	}
	if o.PingQuery == "" {
		o.PingQuery = "NO PING QUERY SET"
	}
}

// Pool is a synchronous, thread-safe connection pool. All mutable state is
// guarded by mu; there are no background goroutines, work happens only on
// caller goroutines.
//
// Leaking a Pool leaks its physical connections: call Close when done.
type Pool struct {
	factory driver.Factory

	mu sync.Mutex

	// released is the wait channel: closed and replaced whenever a connection
	// re-enters the idle list, waking every waiter to re-run the full acquire
	// decision tree. The notify-all discipline matters because a woken waiter
	// may take the grow or reclaim branch, not necessarily the new idle entry.
	released chan struct{}

	opts   Options
	closed bool

	// idle is FIFO: take from the front, append returns to the back.
	idle []*PooledConn
	// active is FIFO by checkout order; active[0] is the oldest and the only
	// reclaim candidate.
	active []*PooledConn

	expectedTypeCode uint64

	requestCount                  uint64
	hadToWaitCount                uint64
	badConnectionCount            uint64
	claimedOverdueConnectionCount uint64
	accumulatedRequestTime        time.Duration
	accumulatedWaitTime           time.Duration
	accumulatedCheckoutTime       time.Duration
	accumulatedOverdueCheckout    time.Duration
}

// New creates a pool over the given factory.
func New(factory driver.Factory, opts Options) *Pool {
	opts.applyDefaults()
	p := &Pool{
		factory:  factory,
		released: make(chan struct{}),
		opts:     opts,
	}
	p.expectedTypeCode = typeCode(factory.URL(), factory.User(), factory.Password())
	metrics.ConnectionsMax.WithLabelValues(opts.Name).Set(float64(opts.MaxActive))
	p.updateGauges()
	return p
}

// Acquire checks out a connection using the factory's own credentials.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	return p.acquire(ctx, p.factory.User(), p.factory.Password())
}

// AcquireAs checks out a connection with the given credentials participating
// in the handle's fingerprint. They do not authenticate separately from the
// factory.
func (p *Pool) AcquireAs(ctx context.Context, user, password string) (*PooledConn, error) {
	return p.acquire(ctx, user, password)
}

func (p *Pool) acquire(ctx context.Context, user, password string) (*PooledConn, error) {
	start := time.Now()
	countedWait := false
	localBad := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("pool: acquire abandoned: %w", err)
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		var conn *PooledConn
		switch {
		case len(p.idle) > 0:
			conn = p.idle[0]
			p.idle = p.idle[1:]
			p.debugf("checked out connection %d from pool", conn.hash)

		case len(p.active) < p.opts.MaxActive:
			// The factory is invoked under the pool mutex: simpler reasoning
			// at the cost of serializing opens.
			real, err := p.factory.Open(ctx)
			if err != nil {
				p.mu.Unlock()
				return nil, fmt.Errorf("pool: opening connection: %w", err)
			}
			conn = newPooledConn(p, real)
			p.debugf("created connection %d", conn.hash)

		default:
			oldest := p.active[0]
			if overdue := oldest.checkoutDuration(); overdue > p.opts.MaxCheckoutTime {
				conn = p.reclaimLocked(oldest, overdue)
				if conn == nil {
					// Rollback failed and the pool is configured to discard;
					// re-run the decision tree, the grow branch is open now.
					p.mu.Unlock()
					continue
				}
			} else {
				if !countedWait {
					p.hadToWaitCount++
					countedWait = true
					metrics.HadToWaitTotal.WithLabelValues(p.opts.Name).Inc()
				}
				p.debugf("waiting as long as %s for connection", p.opts.TimeToWait)
				wait := p.released
				p.mu.Unlock()

				waitStart := time.Now()
				timer := time.NewTimer(p.opts.TimeToWait)
				select {
				case <-wait:
					timer.Stop()
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					p.recordWait(time.Since(waitStart))
					return nil, fmt.Errorf("pool: acquire abandoned: %w", ctx.Err())
				}
				p.recordWait(time.Since(waitStart))
				continue
			}
		}

		// Validate the candidate. The probe may do I/O; it runs under the
		// mutex so it cannot race a concurrent forceCloseAll.
		if p.pingLocked(conn) {
			if !conn.real.AutoCommit() {
				// Unlike the reclaim-branch rollback, a failure here aborts
				// the whole acquire and surfaces to the caller.
				if err := conn.real.Rollback(); err != nil {
					conn.invalidate()
					if cerr := conn.real.Close(); cerr != nil {
						p.debugf("closing connection %d after failed rollback: %v", conn.hash, cerr)
					}
					p.mu.Unlock()
					return nil, fmt.Errorf("pool: rolling back candidate connection %d: %w", conn.hash, err)
				}
			}
			now := time.Now()
			conn.typeCode = typeCode(p.factory.URL(), user, password)
			conn.checkedOutAt = now
			conn.lastUsedAt = now
			p.active = append(p.active, conn)
			p.requestCount++
			p.accumulatedRequestTime += time.Since(start)
			metrics.RequestsTotal.WithLabelValues(p.opts.Name).Inc()
			metrics.RequestDuration.WithLabelValues(p.opts.Name).Observe(time.Since(start).Seconds())
			p.updateGauges()
			p.mu.Unlock()
			return conn, nil
		}

		p.debugf("a bad connection (%d) was returned from the pool, getting another connection", conn.hash)
		conn.invalidate()
		p.badConnectionCount++
		metrics.BadConnectionsTotal.WithLabelValues(p.opts.Name).Inc()
		localBad++
		if exceeded, err := p.badToleranceLocked(localBad); exceeded {
			p.mu.Unlock()
			return nil, err
		}
		p.mu.Unlock()
	}
}

// reclaimLocked forcibly reuses the physical connection of the oldest active
// handle. Returns the replacement handle, or nil when the connection was
// discarded because its rollback failed and DiscardUnrollbackable is set.
func (p *Pool) reclaimLocked(oldest *PooledConn, overdue time.Duration) *PooledConn {
	p.claimedOverdueConnectionCount++
	p.accumulatedOverdueCheckout += overdue
	p.accumulatedCheckoutTime += overdue
	p.active = p.active[1:]
	metrics.ClaimedOverdueTotal.WithLabelValues(p.opts.Name).Inc()
	metrics.CheckoutDuration.WithLabelValues(p.opts.Name).Observe(overdue.Seconds())

	rollbackFailed := false
	if !oldest.real.AutoCommit() {
		if err := oldest.real.Rollback(); err != nil {
			// The incoming caller starts a new transaction, so a failed
			// rollback is survivable unless configured otherwise.
			p.debugf("bad connection %d: could not roll back: %v", oldest.hash, err)
			rollbackFailed = true
		}
	}
	if rollbackFailed && p.opts.DiscardUnrollbackable {
		oldest.invalidate()
		if err := oldest.real.Close(); err != nil {
			p.debugf("closing unrollbackable connection %d: %v", oldest.hash, err)
		}
		p.updateGauges()
		return nil
	}

	conn := newPooledConn(p, oldest.real)
	conn.createdAt = oldest.createdAt
	conn.lastUsedAt = oldest.lastUsedAt
	oldest.invalidate()
	p.debugf("claimed overdue connection %d", conn.hash)
	return conn
}

func (p *Pool) badToleranceLocked(localBad int) (bool, error) {
	if localBad > p.opts.MaxIdle+p.opts.LocalBadTolerance {
		p.debugf("could not get a good connection to the database")
		return true, ErrNoGoodConnection
	}
	return false, nil
}

func (p *Pool) recordWait(d time.Duration) {
	p.mu.Lock()
	p.accumulatedWaitTime += d
	p.mu.Unlock()
	metrics.WaitDuration.WithLabelValues(p.opts.Name).Observe(d.Seconds())
}

// release is invoked by PooledConn.Close. It never reports failure to the
// caller; physical cleanup errors are logged and swallowed.
func (p *Pool) release(conn *PooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.removeActiveLocked(conn)

	if !conn.Valid() {
		p.debugf("a bad connection (%d) attempted to return to the pool, discarding connection", conn.hash)
		p.badConnectionCount++
		metrics.BadConnectionsTotal.WithLabelValues(p.opts.Name).Inc()
		return
	}

	checkout := conn.checkoutDuration()
	p.accumulatedCheckoutTime += checkout
	metrics.CheckoutDuration.WithLabelValues(p.opts.Name).Observe(checkout.Seconds())

	recycle := len(p.idle) < p.opts.MaxIdle && conn.typeCode == p.expectedTypeCode
	if recycle && !conn.real.AutoCommit() {
		if err := conn.real.Rollback(); err != nil {
			p.debugf("rollback on release of connection %d failed, dropping: %v", conn.hash, err)
			recycle = false
		}
	}

	if recycle {
		fresh := newPooledConn(p, conn.real)
		fresh.createdAt = conn.createdAt
		fresh.lastUsedAt = conn.lastUsedAt
		p.idle = append(p.idle, fresh)
		conn.invalidate()
		p.debugf("returned connection %d to pool", fresh.hash)
		p.notifyAllLocked()
	} else {
		if !conn.real.AutoCommit() {
			if err := conn.real.Rollback(); err != nil {
				p.debugf("rollback on drop of connection %d failed: %v", conn.hash, err)
			}
		}
		if err := conn.real.Close(); err != nil {
			p.debugf("closing connection %d: %v", conn.hash, err)
		}
		conn.invalidate()
		p.debugf("closed connection %d", conn.hash)
	}
	p.updateGauges()
}

// ForceCloseAll invalidates every handle and closes every physical
// connection, then recomputes the expected fingerprint. Any handle still held
// by a caller is forfeit: its operations fail from here on and its release is
// dropped on the floor.
func (p *Pool) ForceCloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forceCloseAllLocked()
}

func (p *Pool) forceCloseAllLocked() {
	p.expectedTypeCode = typeCode(p.factory.URL(), p.factory.User(), p.factory.Password())
	for i := len(p.active) - 1; i >= 0; i-- {
		conn := p.active[i]
		p.active = p.active[:i]
		p.closePhysicalLocked(conn)
	}
	for i := len(p.idle) - 1; i >= 0; i-- {
		conn := p.idle[i]
		p.idle = p.idle[:i]
		p.closePhysicalLocked(conn)
	}
	p.updateGauges()
	p.debugf("forcefully closed/removed all connections")
}

func (p *Pool) closePhysicalLocked(conn *PooledConn) {
	conn.invalidate()
	if !conn.real.AutoCommit() {
		if err := conn.real.Rollback(); err != nil {
			p.debugf("rollback during force close of %d: %v", conn.hash, err)
		}
	}
	if err := conn.real.Close(); err != nil {
		p.debugf("close during force close of %d: %v", conn.hash, err)
	}
}

// Close shuts the pool down: all connections are force-closed and further
// acquires fail with ErrPoolClosed. Waiters are woken so they observe the
// shutdown instead of sleeping out their timeout.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.forceCloseAllLocked()
	p.notifyAllLocked()
	log.Printf("[pool] %s: closed", p.opts.Name)
}

// notifyAllLocked wakes every waiter by closing the current wait channel and
// installing a fresh one.
func (p *Pool) notifyAllLocked() {
	close(p.released)
	p.released = make(chan struct{})
}

func (p *Pool) removeActiveLocked(conn *PooledConn) {
	for i, c := range p.active {
		if c == conn {
			p.active = append(p.active[:i], p.active[i+1:]...)
			return
		}
	}
}

func (p *Pool) updateGauges() {
	metrics.ConnectionsActive.WithLabelValues(p.opts.Name).Set(float64(len(p.active)))
	metrics.ConnectionsIdle.WithLabelValues(p.opts.Name).Set(float64(len(p.idle)))
}

func (p *Pool) debugf(format string, args ...any) {
	if debugLog {
		log.Printf("[pool] "+p.opts.Name+": "+format, args...)
	}
}

var debugLog bool

// SetDebugLogging toggles per-connection lifecycle logging.
func SetDebugLogging(enabled bool) {
	debugLog = enabled
}
