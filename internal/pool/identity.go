package pool

import "github.com/cespare/xxhash/v2"

// typeCode fingerprints a pool configuration. Handles carry the fingerprint
// they were checked out under; after any identity mutation the recomputed
// expected code stops stale handles from being recycled into the idle list.
// Stability is only needed within one process run.
func typeCode(url, user, password string) uint64 {
	d := xxhash.New()
	d.WriteString(url)
	d.WriteString(user)
	d.WriteString(password)
	return d.Sum64()
}
