package lock

import (
	"context"
	"time"
)

// Store defines the persistence contract for lease rows. Implementations
// must make Acquire a single atomic create-if-absent operation and Renew a
// single atomic update-if-owner operation; a check-then-act sequence is not
// an acceptable substitute, because two instances racing the same key must
// never both succeed.
type Store interface {
	// Acquire creates the lease if no live lease exists for key, returning
	// the new Lock with a fresh fencing token. If the caller already holds
	// the lease, the TTL is extended and the existing token returned
	// (re-acquisition is renewal, not a new term). If another owner holds
	// a live lease, Acquire returns coord.ErrLockHeld.
	Acquire(ctx context.Context, key, ownerID string, ttl time.Duration) (*Lock, error)

	// Renew extends the lease iff ownerID currently holds it. Returns
	// false when the caller is not the owner or the lease already expired;
	// callers must treat false as "lost the lock" and abort.
	Renew(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error)

	// Release deletes the lease iff ownerID holds it (compare-and-delete).
	// Returns false as a no-op when the caller is not the owner.
	Release(ctx context.Context, key, ownerID string) (bool, error)

	// Get returns the live lease for key, or coord.ErrLockNotFound when
	// absent or expired.
	Get(ctx context.Context, key string) (*Lock, error)

	// List returns all live (non-expired) leases.
	List(ctx context.Context) ([]*Lock, error)

	// DeleteExpired removes leases whose TTL elapsed without release and
	// returns how many were swept.
	DeleteExpired(ctx context.Context) (int64, error)

	// Ping probes store reachability.
	Ping(ctx context.Context) error
}
