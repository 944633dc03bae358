// Package lock provides lease-based distributed mutual exclusion over a
// shared key-value store. A lock is an atomic create-if-absent row with a
// TTL and a monotonic fencing token; renewal and release are ownership
// gated so a caller can never mutate a lease it does not hold.
package lock

import "time"

// Lock represents one live lease row in the shared store.
type Lock struct {
	// Key uniquely identifies the protected resource.
	Key string `json:"key"`

	// OwnerID is the instance currently holding the lease. Every mutation
	// of the row is gated on this value, never on key presence alone.
	OwnerID string `json:"owner_id"`

	// FencingToken increases monotonically across acquisitions of the
	// same key. A protected resource rejects writers carrying a token
	// older than the newest one it has seen, which is what makes the lock
	// safe across arbitrarily slow holders.
	FencingToken int64 `json:"fencing_token"`

	AcquiredAt time.Time     `json:"acquired_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	TTL        time.Duration `json:"ttl"`
}

// Expired reports whether the lease has passed its deadline at the given
// instant.
func (l *Lock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}
