// Package worker provides the attempt execution engine — an Executor that
// runs one job attempt through middleware, the admission check, and the
// retry state machine, and a Pool that manages concurrent worker
// goroutines polling for due jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zral/coord/dlq"
	"github.com/zral/coord/id"
	"github.com/zral/coord/job"
	"github.com/zral/coord/middleware"
	"github.com/zral/coord/retry"
)

// Handler performs one attempt of a job; the webhook and script pipelines
// each register one per queue.
type Handler func(ctx context.Context, j *job.Job) error

// PolicyFunc resolves the rate-limit/retry policy for a subscriber.
// Pipelines provide a closure over the subscriber cache.
type PolicyFunc func(ctx context.Context, subscriberID id.SubscriberID) retry.Policy

// nonRetryable marks configuration failures that must go straight to
// Failed with no retry and no dead-letter entry.
type nonRetryable struct{ err error }

func (n *nonRetryable) Error() string { return n.err.Error() }
func (n *nonRetryable) Unwrap() error { return n.err }

// NonRetryable wraps err so the executor fails the job immediately
// instead of retrying. Use for subscriber misconfiguration discovered
// mid-flight; transient failures stay plain errors.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryable{err: err}
}

// IsNonRetryable reports whether err (or anything it wraps) was marked
// with NonRetryable.
func IsNonRetryable(err error) bool {
	var n *nonRetryable
	return errors.As(err, &n)
}

// Executor runs a single job attempt and advances the job state machine:
// admission deferral, success, retry with backoff, or dead-letter.
type Executor struct {
	handlers map[string]Handler
	counters map[string]*counters
	store    job.Store
	dlq      *dlq.Service
	engine   *retry.Engine
	policy   PolicyFunc
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	store job.Store,
	dlqService *dlq.Service,
	engine *retry.Engine,
	policy PolicyFunc,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		handlers: make(map[string]Handler),
		counters: make(map[string]*counters),
		store:    store,
		dlq:      dlqService,
		engine:   engine,
		policy:   policy,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// RegisterHandler binds the attempt handler for one pipeline queue.
// Call once per queue at wiring time, before the pool starts.
func (e *Executor) RegisterHandler(queue string, h Handler) {
	e.handlers[queue] = h
	e.counters[queue] = &counters{}
}

// Execute runs one attempt of a dequeued job.
//
// Order matters: the admission check runs before the handler so a
// rate-limited job is deferred to the next window without consuming
// retry budget. Only a real attempt can fail.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	handler, ok := e.handlers[j.Queue]
	if !ok {
		return fmt.Errorf("no handler registered for queue %q", j.Queue)
	}

	policy := e.policy(ctx, j.SubscriberID)

	// Admission gates a job's entry into the window, not every attempt:
	// the per-minute budget counts jobs admitted, and an admitted job's
	// retries run on backoff alone. Only first attempts are checked.
	if j.Attempt == 0 {
		decision, err := e.engine.Admit(ctx, j.SubscriberID, policy)
		if err != nil {
			// Counter store unreachable: defer briefly rather than guess
			// at the budget.
			e.logger.Warn("admission check failed, deferring",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			return e.defer_(ctx, j, e.engine.Clock().Now().Add(5*time.Second))
		}
		if !decision.Admitted {
			return e.defer_(ctx, j, decision.ResumeAt)
		}
	}

	terminal := func(ctx context.Context) error {
		return handler(ctx, j)
	}

	attemptErr := e.mw(ctx, j, terminal)
	now := time.Now().UTC()
	j.UpdatedAt = now

	if attemptErr == nil {
		return e.succeed(ctx, j, now)
	}
	if IsNonRetryable(attemptErr) {
		return e.failPermanently(ctx, j, attemptErr, now)
	}
	return e.handleFailure(ctx, j, policy, attemptErr, now)
}

// defer_ reschedules a rate-limited job to resumeAt. Deferral is not a
// failure: the attempt counter is untouched.
func (e *Executor) defer_(ctx context.Context, j *job.Job, resumeAt time.Time) error {
	j.State = job.StateRetrying
	j.NextAttemptAt = resumeAt
	j.Deferrals++
	e.count(j.Queue).rateLimited.Add(1)

	if err := e.store.UpdateJob(ctx, j); err != nil {
		e.logger.Error("failed to defer rate-limited job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.logger.Debug("job deferred to next window",
		slog.String("job_id", j.ID.String()),
		slog.String("subscriber_id", j.SubscriberID.String()),
		slog.Time("resume_at", resumeAt),
	)
	return nil
}

// succeed marks the job Succeeded and clears its error.
func (e *Executor) succeed(ctx context.Context, j *job.Job, now time.Time) error {
	j.State = job.StateSucceeded
	j.LastError = ""
	j.FinishedAt = &now
	e.count(j.Queue).succeeded.Add(1)

	if err := e.store.UpdateJob(ctx, j); err != nil {
		e.logger.Error("failed to update job after success",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// failPermanently handles non-retryable configuration failures: straight
// to Failed, no dead-letter entry since the job was never truly admitted.
func (e *Executor) failPermanently(ctx context.Context, j *job.Job, attemptErr error, now time.Time) error {
	j.State = job.StateFailed
	j.LastError = attemptErr.Error()
	j.FinishedAt = &now
	e.count(j.Queue).failed.Add(1)

	if err := e.store.UpdateJob(ctx, j); err != nil {
		e.logger.Error("failed to update misconfigured job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.logger.Warn("job failed on subscriber misconfiguration",
		slog.String("job_id", j.ID.String()),
		slog.String("subscriber_id", j.SubscriberID.String()),
		slog.String("error", attemptErr.Error()),
	)
	return attemptErr
}

// handleFailure schedules a retry with backoff or dead-letters the job
// once the budget is spent.
func (e *Executor) handleFailure(ctx context.Context, j *job.Job, policy retry.Policy, attemptErr error, now time.Time) error {
	j.LastError = attemptErr.Error()

	delay, dead := e.engine.NextAttempt(j.Attempt, policy)
	if dead {
		return e.sendToDLQ(ctx, j, policy, attemptErr, now)
	}

	j.Attempt++
	j.State = job.StateRetrying
	j.NextAttemptAt = now.Add(delay)

	if err := e.store.UpdateJob(ctx, j); err != nil {
		e.logger.Error("failed to update job for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.Int("attempt", j.Attempt),
		slog.Int("max_retries", policy.MaxRetries),
		slog.Duration("delay", delay),
	)
	return attemptErr
}

// sendToDLQ marks the job Dead and pushes it to the dead letter queue.
func (e *Executor) sendToDLQ(ctx context.Context, j *job.Job, policy retry.Policy, attemptErr error, now time.Time) error {
	j.State = job.StateDead
	j.FinishedAt = &now
	e.count(j.Queue).dead.Add(1)

	if err := e.store.UpdateJob(ctx, j); err != nil {
		e.logger.Error("failed to update job as dead",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	if e.dlq != nil {
		if dlqErr := e.dlq.Push(ctx, j, policy.MaxRetries, attemptErr); dlqErr != nil {
			e.logger.Error("failed to push job to DLQ",
				slog.String("job_id", j.ID.String()),
				slog.String("error", dlqErr.Error()),
			)
		}
	}

	e.logger.Warn("job dead after exhausting retries",
		slog.String("job_id", j.ID.String()),
		slog.String("subscriber_id", j.SubscriberID.String()),
		slog.Int("attempts", j.Attempt+1),
		slog.String("error", attemptErr.Error()),
	)
	return attemptErr
}
