package cache

import (
	"sync"
	"time"

	"github.com/joao-brasil/dbpool/pkg/cachekey"
)

// Blocking decorates a Cache with a per-key lock so that only one caller at a
// time computes a missing entry: a Get that misses keeps the key's lock and
// everyone else blocks until the loader Puts the value (or Removes the key to
// give up). The caller protocol is strict: after a miss, Put or Remove the
// same key exactly once.
//
// Locks are token channels rather than mutexes: the goroutine that releases
// is not always the one that acquired.
type Blocking struct {
	delegate Cache

	// timeout bounds each lock acquisition; zero means wait forever.
	timeout time.Duration

	mu    sync.Mutex
	locks map[uint64][]*keyLock
}

type keyLock struct {
	key   *cachekey.Key
	token chan struct{} // capacity 1; holding the token holds the lock
}

// NewBlocking wraps delegate. timeout bounds each per-key lock wait; zero
// waits indefinitely.
func NewBlocking(delegate Cache, timeout time.Duration) *Blocking {
	return &Blocking{
		delegate: delegate,
		timeout:  timeout,
		locks:    make(map[uint64][]*keyLock),
	}
}

func (c *Blocking) ID() string {
	return c.delegate.ID()
}

func (c *Blocking) Size() int {
	return c.delegate.Size()
}

// Get acquires the key's lock, then consults the delegate. On a hit the lock
// is released immediately; on a miss it stays held until Put or Remove.
func (c *Blocking) Get(key *cachekey.Key) (any, bool, error) {
	if err := c.acquireLock(key); err != nil {
		return nil, false, err
	}
	value, ok, err := c.delegate.Get(key)
	if err != nil {
		c.releaseLock(key)
		return nil, false, err
	}
	if ok {
		c.releaseLock(key)
	}
	return value, ok, nil
}

// Put stores the value and releases the key's lock.
func (c *Blocking) Put(key *cachekey.Key, value any) error {
	defer c.releaseLock(key)
	return c.delegate.Put(key, value)
}

// Remove releases the key's lock without storing anything. It does not evict
// from the delegate; it exists so a loader that failed can unblock waiters.
func (c *Blocking) Remove(key *cachekey.Key) error {
	c.releaseLock(key)
	return nil
}

func (c *Blocking) Clear() error {
	return c.delegate.Clear()
}

func (c *Blocking) lockFor(key *cachekey.Key) *keyLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := key.Hash()
	for _, l := range c.locks[h] {
		if l.key.Equals(key) {
			return l
		}
	}
	l := &keyLock{key: key.Clone(), token: make(chan struct{}, 1)}
	c.locks[h] = append(c.locks[h], l)
	return l
}

func (c *Blocking) acquireLock(key *cachekey.Key) error {
	l := c.lockFor(key)
	if c.timeout <= 0 {
		l.token <- struct{}{}
		return nil
	}
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case l.token <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrLockTimeout
	}
}

func (c *Blocking) releaseLock(key *cachekey.Key) {
	l := c.lockFor(key)
	select {
	case <-l.token:
	default:
		// Releasing an unheld lock is a protocol violation by the caller;
		// absorbing it beats deadlocking everyone behind the key.
	}
}
