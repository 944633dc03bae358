package middleware

import (
	"context"
	"time"

	"github.com/zral/coord/job"
)

// Timeout returns middleware that enforces a per-attempt deadline. The
// deadline is deliberately shorter than the dedup lock TTL protecting the
// attempt, so a lock is never held past the operation's own deadline.
// A zero duration disables the bound.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *job.Job, next Handler) error {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
