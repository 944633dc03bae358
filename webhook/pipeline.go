package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/zral/coord"
	"github.com/zral/coord/id"
	"github.com/zral/coord/job"
	"github.com/zral/coord/lock"
	"github.com/zral/coord/subscriber"
	"github.com/zral/coord/worker"
)

// StatsSource reports process-local attempt outcomes for one queue. The
// worker Executor implements it.
type StatsSource interface {
	Snapshot(queue string) worker.Snapshot
}

// Stats combines process-local delivery outcomes with cluster-wide queue
// depth from the job store.
type Stats struct {
	Delivered   int64 `json:"delivered"`
	Failed      int64 `json:"failed"`
	RateLimited int64 `json:"rate_limited"`
	Dead        int64 `json:"dead"`
	QueueDepth  int64 `json:"queue_depth"`
}

// Pipeline enqueues and delivers webhook jobs. Enqueue runs on the
// instance that observed the trigger; delivery runs on whichever
// instance's worker pool dequeues the job.
type Pipeline struct {
	jobs    job.Store
	locks   *lock.Service
	subs    *subscriber.Cache
	stats   StatsSource
	client  *http.Client
	ownerID string
	timeout time.Duration
	lockTTL time.Duration
	logger  *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger for the pipeline.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithHTTPClient overrides the delivery HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Pipeline) { p.client = client }
}

// WithDeliveryTimeout bounds one delivery attempt.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

// WithDedupTTL sets the dedup lock lease. Must exceed the delivery
// timeout so a duplicate trigger cannot re-enqueue while the first
// delivery is still possible in flight.
func WithDedupTTL(d time.Duration) Option {
	return func(p *Pipeline) { p.lockTTL = d }
}

// WithStatsSource wires the worker executor's outcome counters into
// Stats.
func WithStatsSource(s StatsSource) Option {
	return func(p *Pipeline) { p.stats = s }
}

// NewPipeline creates the webhook delivery pipeline. ownerID identifies
// this instance in dedup lock ownership.
func NewPipeline(jobs job.Store, locks *lock.Service, subs *subscriber.Cache, ownerID string, opts ...Option) *Pipeline {
	p := &Pipeline{
		jobs:    jobs,
		locks:   locks,
		subs:    subs,
		ownerID: ownerID,
		client:  &http.Client{},
		timeout: 10 * time.Second,
		lockTTL: 30 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// dedupKey is cluster-unique per (trigger, subscriber) pair: every
// instance observing the same mutation computes the same key, so exactly
// one enqueue wins.
func dedupKey(triggerID id.TriggerID, subscriberID id.SubscriberID) string {
	return "dedup:webhook:" + triggerID.String() + ":" + subscriberID.String()
}

// ── enqueue side ──

// Enqueue creates one pending delivery job for the subscriber, guarded by
// the dedup lock. Losing the lock race means another instance already
// enqueued this delivery; the returned job is nil and that is not an
// error.
func (p *Pipeline) Enqueue(ctx context.Context, sub *subscriber.Subscriber, env *Envelope) (*job.Job, error) {
	key := dedupKey(env.TriggerID, sub.ID)
	if _, err := p.locks.Acquire(ctx, key, p.ownerID, p.lockTTL); err != nil {
		if errors.Is(err, coord.ErrLockHeld) {
			p.logger.Debug("duplicate webhook trigger suppressed",
				slog.String("trigger_id", env.TriggerID.String()),
				slog.String("subscriber_id", sub.ID.String()),
			)
			return nil, nil
		}
		// Fail closed: without the lock we cannot rule out a duplicate.
		return nil, err
	}

	payload, err := env.Marshal()
	if err != nil {
		return nil, err
	}

	j := job.New(job.QueueWebhook, sub.ID, env.TriggerID, payload)
	if err := p.jobs.EnqueueJob(ctx, j); err != nil {
		return nil, err
	}

	p.logger.Debug("webhook delivery enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("subscriber_id", sub.ID.String()),
		slog.String("collection", env.Collection),
	)
	return j, nil
}

// ── delivery side ──

// Handler returns the per-attempt delivery function for the worker pool.
func (p *Pipeline) Handler() worker.Handler {
	return p.deliver
}

// deliver performs one HTTP POST attempt. Subscriber configuration is
// re-read from the cache on every attempt so a disable or URL fix takes
// effect mid-retry.
func (p *Pipeline) deliver(ctx context.Context, j *job.Job) error {
	env, err := UnmarshalEnvelope(j.Payload)
	if err != nil {
		return worker.NonRetryable(fmt.Errorf("corrupt delivery payload: %w", err))
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
	if !sub.ValidURL() {
		return worker.NonRetryable(fmt.Errorf("%w: %q", coord.ErrInvalidTargetURL, sub.URL))
	}

	body, err := env.Redacted(sub.ExcludeFields).Marshal()
	if err != nil {
		return worker.NonRetryable(err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return worker.NonRetryable(fmt.Errorf("%w: %v", coord.ErrInvalidTargetURL, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trigger-ID", env.TriggerID.String())
	req.Header.Set("X-Delivery-ID", j.ID.String())
	req.Header.Set("X-Delivery-Attempt", fmt.Sprintf("%d", j.Attempt))

	resp, err := p.client.Do(req)
	if err != nil {
		// Network failures and timeouts are retryable.
		return fmt.Errorf("webhook delivery to %s: %w", sub.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook delivery to %s: status %d", sub.URL, resp.StatusCode)
	}

	p.logger.Debug("webhook delivered",
		slog.String("job_id", j.ID.String()),
		slog.String("subscriber_id", sub.ID.String()),
		slog.Int("status", resp.StatusCode),
	)
	return nil
}

// ── introspection ──

// Stats returns delivery outcome counters and the current queue depth.
func (p *Pipeline) Stats(ctx context.Context) (*Stats, error) {
	depth := int64(0)
	for _, state := range []job.State{job.StatePending, job.StateActive, job.StateRetrying} {
		n, err := p.jobs.CountJobs(ctx, job.CountOpts{Queue: job.QueueWebhook, State: state})
		if err != nil {
			return nil, err
		}
		depth += n
	}

	stats := &Stats{QueueDepth: depth}
	if p.stats != nil {
		snap := p.stats.Snapshot(job.QueueWebhook)
		stats.Delivered = snap.Succeeded
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
	_, err := p.jobs.CountJobs(ctx, job.CountOpts{Queue: job.QueueWebhook})
	return err == nil
}
