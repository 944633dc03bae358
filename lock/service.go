package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/zral/coord"
)

// Service wraps a Store with logging and fail-closed semantics: when the
// coordination substrate itself is unreachable, every call answers as if
// the lock were not held. Missed work is preferred over duplicate work.
type Service struct {
	store  Store
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a lock Service over the given store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire attempts to take the lease for key. It returns the Lock on
// success, coord.ErrLockHeld when another owner holds it, and
// coord.ErrStoreUnavailable (fail closed) on store errors.
func (s *Service) Acquire(ctx context.Context, key, ownerID string, ttl time.Duration) (*Lock, error) {
	l, err := s.store.Acquire(ctx, key, ownerID, ttl)
	if err != nil {
		if errors.Is(err, coord.ErrLockHeld) {
			return nil, coord.ErrLockHeld
		}
		s.logger.Warn("lock acquire failed, treating as not held",
			slog.String("key", key),
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()),
		)
		return nil, errors.Join(coord.ErrStoreUnavailable, err)
	}

	s.logger.Debug("lock acquired",
		slog.String("key", key),
		slog.String("owner_id", ownerID),
		slog.Int64("fencing_token", l.FencingToken),
		slog.Duration("ttl", ttl),
	)
	return l, nil
}

// Renew extends the lease iff ownerID still holds it. Store errors are
// reported as a failed renewal: the caller must abort its protected
// operation either way.
func (s *Service) Renew(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	ok, err := s.store.Renew(ctx, key, ownerID, ttl)
	if err != nil {
		s.logger.Warn("lock renew failed, treating as lost",
			slog.String("key", key),
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()),
		)
		return false, errors.Join(coord.ErrStoreUnavailable, err)
	}
	return ok, nil
}

// Release deletes the lease iff ownerID holds it. Releasing early reclaims
// the key faster than waiting out the TTL; a false return is a harmless
// no-op gated on ownership.
func (s *Service) Release(ctx context.Context, key, ownerID string) (bool, error) {
	ok, err := s.store.Release(ctx, key, ownerID)
	if err != nil {
		s.logger.Warn("lock release failed",
			slog.String("key", key),
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()),
		)
		return false, errors.Join(coord.ErrStoreUnavailable, err)
	}
	if ok {
		s.logger.Debug("lock released",
			slog.String("key", key),
			slog.String("owner_id", ownerID),
		)
	}
	return ok, nil
}

// Validate re-checks that ownerID still holds key with the given fencing
// token. Critical sections call this before each side-effecting step, not
// just before starting: holding a lease at the start of a slow operation
// does not guarantee holding it at the end.
func (s *Service) Validate(ctx context.Context, key, ownerID string, token int64) (bool, error) {
	l, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, coord.ErrLockNotFound) {
			return false, nil
		}
		return false, errors.Join(coord.ErrStoreUnavailable, err)
	}
	return l.OwnerID == ownerID && l.FencingToken == token, nil
}

// ListActive returns all live leases for the observability surface.
func (s *Service) ListActive(ctx context.Context) ([]*Lock, error) {
	return s.store.List(ctx)
}

// CleanupExpired sweeps leases whose holder crashed without releasing and
// returns the number removed.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpired(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired locks swept", slog.Int64("count", n))
	}
	return n, nil
}

// HealthCheck probes store reachability.
func (s *Service) HealthCheck(ctx context.Context) bool {
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("lock store unreachable", slog.String("error", err.Error()))
		return false
	}
	return true
}
