package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/zral/coord/id"
)

// CounterStore is the atomic increment-with-expiry contract backing the
// sliding windows. Counters are visible cluster-wide so the per-minute
// budget holds across instances, not per process.
type CounterStore interface {
	// IncrWindow atomically increments the counter for the subscriber's
	// window starting at windowStart and returns the new count. The
	// counter must expire on its own after expiry so abandoned windows
	// are not swept manually.
	IncrWindow(ctx context.Context, subscriberID id.SubscriberID, windowStart time.Time, expiry time.Duration) (int64, error)

	// GetWindow returns the current count for the window, zero when the
	// counter does not exist.
	GetWindow(ctx context.Context, subscriberID id.SubscriberID, windowStart time.Time) (int64, error)
}

// Decision is the outcome of an admission check.
type Decision struct {
	// Admitted is true when the attempt may proceed now.
	Admitted bool

	// ResumeAt is the start of the next window when the attempt was
	// deferred. Zero when admitted.
	ResumeAt time.Time
}

// Engine performs admission checks against a CounterStore. One Engine is
// shared by both pipelines; the policy travels with each call.
type Engine struct {
	counters CounterStore
	clock    Clock
	logger   *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock injects a clock, used by tests to pin window boundaries.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates an admission Engine over the given counter store.
func NewEngine(counters CounterStore, opts ...EngineOption) *Engine {
	e := &Engine{
		counters: counters,
		clock:    SystemClock{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Admit checks the subscriber's sliding-window budget. The attempt is
// admitted iff the window count after increment stays within
// MaxPerMinute; otherwise it is deferred to the start of the next window —
// deferral is not a failure and is counted separately in statistics.
func (e *Engine) Admit(ctx context.Context, subscriberID id.SubscriberID, policy Policy) (Decision, error) {
	if policy.MaxPerMinute <= 0 {
		return Decision{Admitted: true}, nil
	}

	now := e.clock.Now()
	windowStart := now.Truncate(Window)

	// Expiry covers the current window plus one more so a read racing the
	// boundary still sees the old counter rather than a phantom zero.
	count, err := e.counters.IncrWindow(ctx, subscriberID, windowStart, 2*Window)
	if err != nil {
		return Decision{}, err
	}

	if count <= int64(policy.MaxPerMinute) {
		return Decision{Admitted: true}, nil
	}

	resumeAt := windowStart.Add(Window)
	e.logger.Debug("attempt deferred by rate limit",
		slog.String("subscriber_id", subscriberID.String()),
		slog.Int64("window_count", count),
		slog.Int("max_per_minute", policy.MaxPerMinute),
		slog.Time("resume_at", resumeAt),
	)
	return Decision{Admitted: false, ResumeAt: resumeAt}, nil
}

// NextAttempt computes the schedule for a job that just failed attempt n
// (0-indexed). It returns the backoff delay and dead=true when the retry
// budget is exhausted and the job must transition to Dead instead.
func (e *Engine) NextAttempt(attempt int, policy Policy) (delay time.Duration, dead bool) {
	if policy.Exhausted(attempt) {
		return 0, true
	}
	return policy.Delay(attempt), false
}

// Clock returns the engine's clock so pipelines share one time source.
func (e *Engine) Clock() Clock { return e.clock }
