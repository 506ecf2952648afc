// Package cachekey builds compound, order-sensitive cache keys.
// A query result is never identified by its SQL text alone: the statement id,
// pagination bounds and every bound parameter all influence which cached entry
// may be reused. Key folds an arbitrary sequence of components into a running
// hash, checksum and count, and keeps the components themselves so equality
// stays exact even when hashes collide.
package cachekey

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	multiplier = 37
	initial    = 17
)

// Key is a compound cache key. The zero value is not usable; construct with
// New. A Key is mutable while it is being built and must not be updated after
// it has been handed to a cache.
type Key struct {
	hash       uint64
	checksum   uint64
	count      int
	components []any
	null       bool
}

// New returns a Key seeded with the given components, in order.
func New(components ...any) *Key {
	k := &Key{hash: initial}
	k.UpdateAll(components)
	return k
}

// Null returns the sentinel key. It never equals any key, itself included,
// so a lookup keyed by it can never produce a cache hit.
func Null() *Key {
	return &Key{hash: initial, null: true}
}

// Update appends one component and folds its hash into the running scalars.
func (k *Key) Update(component any) {
	base := componentHash(component)
	k.count++
	k.checksum += base
	k.hash = multiplier*k.hash + base*uint64(k.count)
	k.components = append(k.components, component)
}

// UpdateAll appends every component in order.
func (k *Key) UpdateAll(components []any) {
	for _, c := range components {
		k.Update(c)
	}
}

// Count reports how many components have been folded in.
func (k *Key) Count() int {
	return k.count
}

// Hash returns the accumulated hash value.
func (k *Key) Hash() uint64 {
	return k.hash
}

// Equals reports whether both keys were built from pairwise-equal components
// in the same order. Hash, checksum and count mismatches short-circuit; the
// component walk makes the answer exact under hash collisions. The null
// sentinel equals nothing, itself included.
func (k *Key) Equals(other *Key) bool {
	if k.null || other == nil || other.null {
		return false
	}
	if k == other {
		return true
	}
	if k.hash != other.hash || k.checksum != other.checksum || k.count != other.count {
		return false
	}
	for i := range k.components {
		if !componentEqual(k.components[i], other.components[i]) {
			return false
		}
	}
	return true
}

// Clone returns an independent copy that can keep being updated.
func (k *Key) Clone() *Key {
	dup := *k
	dup.components = append([]any(nil), k.components...)
	return &dup
}

// String renders "<hash>:<checksum>:<c0>:<c1>:...".
func (k *Key) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d:%d", k.hash, k.checksum)
	for _, c := range k.components {
		b.WriteByte(':')
		b.WriteString(renderComponent(c))
	}
	return b.String()
}

// componentHash hashes one component by value. nil hashes to 1. Slices and
// arrays fold element hashes order-sensitively; everything else hashes its
// rendered value together with its dynamic type, so 1 and "1" stay distinct.
func componentHash(component any) uint64 {
	if component == nil {
		return 1
	}
	v := reflect.ValueOf(component)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		h := uint64(initial)
		for i := 0; i < v.Len(); i++ {
			h = 31*h + componentHash(v.Index(i).Interface())
		}
		return h
	}
	return xxhash.Sum64String(fmt.Sprintf("%T\x00%v", component, component))
}

func componentEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func renderComponent(component any) string {
	if component == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%v", component)
}
