// Package pool provides a synchronous, thread-safe connection pool over a
// driver.Factory. Callers acquire a *PooledConn, use it like a connection and
// Close it; Close returns the physical connection to the pool instead of
// tearing it down. All pool state lives behind one mutex.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/joao-brasil/dbpool/internal/driver"
)

// PooledConn is the handle given to callers. It forwards operations to the
// physical connection after a validity check and intercepts Close to release
// back into the pool.
//
// A handle is bound to its physical connection for one checkout only: when
// the connection re-enters the pool, a fresh handle wraps it and this one is
// invalidated for good. Timestamps are written by the pool before the handle
// is handed out and are not touched again while it is checked out.
type PooledConn struct {
	pool *Pool
	real driver.Conn

	// hash is fixed at construction from the physical connection's id, so
	// maps indexed by handles stay consistent after invalidation.
	hash uint64

	typeCode     uint64
	createdAt    time.Time
	lastUsedAt   time.Time
	checkedOutAt time.Time

	valid atomic.Bool
}

func newPooledConn(p *Pool, real driver.Conn) *PooledConn {
	now := time.Now()
	c := &PooledConn{
		pool:       p,
		real:       real,
		hash:       real.ID(),
		createdAt:  now,
		lastUsedAt: now,
	}
	c.valid.Store(true)
	return c
}

// Valid reports whether the handle is still usable. Once false, never true
// again.
func (c *PooledConn) Valid() bool {
	return c.valid.Load()
}

func (c *PooledConn) invalidate() {
	c.valid.Store(false)
}

func (c *PooledConn) checkValid() error {
	if !c.valid.Load() {
		return fmt.Errorf("%w (connection %d)", ErrInvalidConnection, c.hash)
	}
	return nil
}

// Close returns the connection to the pool. It never reports an error: the
// pool is best-effort about physical cleanup, and a second Close on an
// already-released handle is absorbed by the invalidated state.
func (c *PooledConn) Close() error {
	c.pool.release(c)
	return nil
}

// ExecContext forwards to the physical connection.
func (c *PooledConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := c.checkValid(); err != nil {
		return nil, err
	}
	return c.real.ExecContext(ctx, query, args...)
}

// QueryContext forwards to the physical connection.
func (c *PooledConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := c.checkValid(); err != nil {
		return nil, err
	}
	return c.real.QueryContext(ctx, query, args...)
}

// Rollback forwards to the physical connection.
func (c *PooledConn) Rollback() error {
	if err := c.checkValid(); err != nil {
		return err
	}
	return c.real.Rollback()
}

// Commit forwards to the physical connection.
func (c *PooledConn) Commit() error {
	if err := c.checkValid(); err != nil {
		return err
	}
	return c.real.Commit()
}

// AutoCommit forwards to the physical connection.
func (c *PooledConn) AutoCommit() (bool, error) {
	if err := c.checkValid(); err != nil {
		return false, err
	}
	return c.real.AutoCommit(), nil
}

// Raw unwraps the handle to the physical connection. Operations on the raw
// connection bypass the pool's validity checks.
func (c *PooledConn) Raw() driver.Conn {
	return c.real
}

// RealID returns the physical connection's id. Two handles are the "same
// connection" iff their RealIDs match, whatever their validity.
func (c *PooledConn) RealID() uint64 {
	return c.hash
}

// CreatedAt returns when the physical connection was first opened.
func (c *PooledConn) CreatedAt() time.Time {
	return c.createdAt
}

// LastUsedAt returns when the connection was last checked out (or opened, if
// it never was). Returning it to the pool does not change it.
func (c *PooledConn) LastUsedAt() time.Time {
	return c.lastUsedAt
}

// String identifies the handle without touching the physical connection.
func (c *PooledConn) String() string {
	return fmt.Sprintf("pooled connection %d (valid=%v)", c.hash, c.valid.Load())
}

func (c *PooledConn) checkoutDuration() time.Duration {
	return time.Since(c.checkedOutAt)
}

func (c *PooledConn) idleDuration() time.Duration {
	return time.Since(c.lastUsedAt)
}
