// Package cache provides the query-result cache layer keyed by
// cachekey.Key: an in-memory perpetual store, a Redis-backed store, and a
// blocking decorator that collapses concurrent misses for the same key into
// one database hit.
package cache

import (
	"errors"

	"github.com/joao-brasil/dbpool/pkg/cachekey"
)

// ErrLockTimeout is returned by the blocking decorator when a per-key lock
// could not be acquired within its timeout.
var ErrLockTimeout = errors.New("cache: timed out waiting for key lock")

// Cache is the store contract. Implementations are safe for concurrent use.
type Cache interface {
	// ID names the cache in logs, metrics and remote key namespaces.
	ID() string

	// Size reports the number of entries, best effort for remote stores.
	Size() int

	Put(key *cachekey.Key, value any) error
	Get(key *cachekey.Key) (any, bool, error)
	Remove(key *cachekey.Key) error
	Clear() error
}
