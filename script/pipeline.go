package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zral/coord"
	"github.com/zral/coord/id"
	"github.com/zral/coord/job"
	"github.com/zral/coord/lock"
	"github.com/zral/coord/subscriber"
	"github.com/zral/coord/worker"
)

// Input is the execution context bound as `event` inside the script. One
// of Event or Schedule is set, depending on what fired the run.
type Input struct {
	Timestamp  time.Time            `json:"timestamp"`
	Event      subscriber.EventType `json:"event,omitempty"`
	Collection string               `json:"collection,omitempty"`
	TriggerID  id.TriggerID         `json:"trigger_id"`
	Data       map[string]any       `json:"data,omitempty"`

	// Schedule names the cron entry for schedule-fired runs.
	Schedule string `json:"schedule,omitempty"`
}

// Marshal encodes the input as the job payload.
func (in *Input) Marshal() ([]byte, error) {
	return json.Marshal(in)
}

// asMap re-encodes the input as the plain object the runtime binds.
func (in *Input) asMap() (map[string]any, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// StatsSource reports process-local attempt outcomes for one queue. The
// worker Executor implements it.
type StatsSource interface {
	Snapshot(queue string) worker.Snapshot
}

// Stats combines process-local execution outcomes with cluster-wide
// queue depth from the job store.
type Stats struct {
	Executed    int64 `json:"executed"`
	Failed      int64 `json:"failed"`
	RateLimited int64 `json:"rate_limited"`
	Dead        int64 `json:"dead"`
	QueueDepth  int64 `json:"queue_depth"`
}

// Pipeline enqueues and executes script jobs.
type Pipeline struct {
	jobs    job.Store
	locks   *lock.Service
	subs    *subscriber.Cache
	sandbox *Sandbox
	stats   StatsSource
	ownerID string
	lockTTL time.Duration
	logger  *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger for the pipeline.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithDedupTTL sets the dedup lock lease. Must exceed the execution
// timeout.
func WithDedupTTL(d time.Duration) Option {
	return func(p *Pipeline) { p.lockTTL = d }
}

// WithStatsSource wires the worker executor's outcome counters into
// Stats.
func WithStatsSource(s StatsSource) Option {
	return func(p *Pipeline) { p.stats = s }
}

// NewPipeline creates the script execution pipeline. ownerID identifies
// this instance in dedup lock ownership.
func NewPipeline(jobs job.Store, locks *lock.Service, subs *subscriber.Cache, sandbox *Sandbox, ownerID string, opts ...Option) *Pipeline {
	p := &Pipeline{
		jobs:    jobs,
		locks:   locks,
		subs:    subs,
		sandbox: sandbox,
		ownerID: ownerID,
		lockTTL: 30 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func dedupKey(triggerID id.TriggerID, subscriberID id.SubscriberID) string {
	return "dedup:script:" + triggerID.String() + ":" + subscriberID.String()
}

// ── enqueue side ──

// Enqueue creates one pending execution job, guarded by the dedup lock.
// A nil job with nil error means another instance already enqueued this
// execution.
func (p *Pipeline) Enqueue(ctx context.Context, sub *subscriber.Subscriber, input *Input) (*job.Job, error) {
	key := dedupKey(input.TriggerID, sub.ID)
	if _, err := p.locks.Acquire(ctx, key, p.ownerID, p.lockTTL); err != nil {
		if errors.Is(err, coord.ErrLockHeld) {
			p.logger.Debug("duplicate script trigger suppressed",
				slog.String("trigger_id", input.TriggerID.String()),
				slog.String("subscriber_id", sub.ID.String()),
			)
			return nil, nil
		}
		return nil, err
	}

	payload, err := input.Marshal()
	if err != nil {
		return nil, err
	}

	j := job.New(job.QueueScript, sub.ID, input.TriggerID, payload)
	if err := p.jobs.EnqueueJob(ctx, j); err != nil {
		return nil, err
	}

	p.logger.Debug("script execution enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("subscriber_id", sub.ID.String()),
	)
	return j, nil
}

// ── execution side ──

// Handler returns the per-attempt execution function for the worker pool.
func (p *Pipeline) Handler() worker.Handler {
	return p.run
}

// run performs one sandboxed execution attempt. Script code is re-read
// from the cache on every attempt so an edit takes effect mid-retry.
func (p *Pipeline) run(ctx context.Context, j *job.Job) error {
	var input Input
	if err := json.Unmarshal(j.Payload, &input); err != nil {
		return worker.NonRetryable(fmt.Errorf("corrupt execution payload: %w", err))
	}

	sub, err := p.subs.Get(ctx, j.SubscriberID)
	if err != nil {
		if errors.Is(err, coord.ErrSubscriberNotFound) {
			return worker.NonRetryable(err)
		}
		return err
	}
	if !sub.Enabled {
		return worker.NonRetryable(coord.ErrSubscriberOff)
	}

	bound, err := input.asMap()
	if err != nil {
		return worker.NonRetryable(err)
	}

	err = p.sandbox.Run(ctx, sub.Name, sub.Code, bound)
	if err != nil {
		if errors.Is(err, coord.ErrScriptSyntax) {
			// Broken code cannot succeed on retry; only an edit fixes it.
			return worker.NonRetryable(err)
		}
		// Timeouts and runtime throws are retryable: they may be a slow
		// dependency or a transient state, and the budget bounds them.
		return err
	}

	p.logger.Debug("script executed",
		slog.String("job_id", j.ID.String()),
		slog.String("subscriber_id", sub.ID.String()),
	)
	return nil
}

// ── introspection ──

// Stats returns execution outcome counters and the current queue depth.
func (p *Pipeline) Stats(ctx context.Context) (*Stats, error) {
	depth := int64(0)
	for _, state := range []job.State{job.StatePending, job.StateActive, job.StateRetrying} {
		n, err := p.jobs.CountJobs(ctx, job.CountOpts{Queue: job.QueueScript, State: state})
		if err != nil {
			return nil, err
		}
		depth += n
	}

	stats := &Stats{QueueDepth: depth}
	if p.stats != nil {
		snap := p.stats.Snapshot(job.QueueScript)
		stats.Executed = snap.Succeeded
		stats.Failed = snap.Failed
		stats.RateLimited = snap.RateLimited
		stats.Dead = snap.Dead
	}
	return stats, nil
}

// HealthCheck reports whether the pipeline's stores are reachable.
func (p *Pipeline) HealthCheck(ctx context.Context) bool {
	if !p.locks.HealthCheck(ctx) {
		return false
	}
	_, err := p.jobs.CountJobs(ctx, job.CountOpts{Queue: job.QueueScript})
	return err == nil
}
