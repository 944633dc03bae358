package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/zral/coord"
	"github.com/zral/coord/dlq"
	"github.com/zral/coord/election"
	"github.com/zral/coord/id"
	"github.com/zral/coord/job"
	"github.com/zral/coord/lock"
	mw "github.com/zral/coord/middleware"
	"github.com/zral/coord/observability"
	"github.com/zral/coord/retry"
	"github.com/zral/coord/schedule"
	"github.com/zral/coord/script"
	"github.com/zral/coord/store"
	"github.com/zral/coord/subscriber"
	"github.com/zral/coord/webhook"
	"github.com/zral/coord/worker"
)

// leaderRole is the single election role: the leader runs the cron
// scheduler and the lock janitor.
const leaderRole = "coord"

// leaderSource adapts the elector to observability.LeadershipSource.
type leaderSource struct{ e *election.Elector }

func (s leaderSource) IsLeader() bool { return s.e.Status().IsLeader }

// Engine is one cluster instance of the coordination layer.
type Engine struct {
	cfg        coord.Config
	instanceID id.InstanceID
	logger     *slog.Logger

	kv      store.KVStore
	durable store.DurableStore

	locks    *lock.Service
	elector  *election.Elector
	retries  *retry.Engine
	subs     *subscriber.Cache
	dlq      *dlq.Service
	sandbox  *script.Sandbox
	webhooks *webhook.Pipeline
	scripts  *script.Pipeline
	executor *worker.Executor
	pool     *worker.Pool
	sched    *schedule.Scheduler
	metrics  *observability.Metrics

	// Build-time knobs.
	mws            []mw.Middleware
	limits         []worker.LimitConfig
	scriptBaseURL  string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	janitorStop chan struct{}
	stopped     sync.Once
	wg          sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger shared by all subsystems.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMiddleware appends middleware to the attempt chain, after the
// default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m) }
}

// WithQueueLimits registers per-queue pacing and concurrency caps for
// the worker pool. Queues not listed run unthrottled.
func WithQueueLimits(limits ...worker.LimitConfig) Option {
	return func(e *Engine) { e.limits = append(e.limits, limits...) }
}

// WithScriptBaseURL scopes the script sandbox's $http capability.
// Scripts address resources by relative path under this URL only.
func WithScriptBaseURL(url string) Option {
	return func(e *Engine) { e.scriptBaseURL = url }
}

// WithTracerProvider sets a custom OTel TracerProvider. If not set, the
// global one is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. If not set, the
// global one is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// New wires an Engine over the two substrates. The same kv and durable
// stores must be shared by every instance of one cluster.
func New(cfg coord.Config, kv store.KVStore, durable store.DurableStore, opts ...Option) (*Engine, error) {
	if kv == nil || durable == nil {
		return nil, coord.ErrNoStore
	}
	// A zero interval would feed time.NewTicker in the elector, the
	// scheduler and the janitor, which panics at Start.
	cfg = cfg.WithDefaults()

	e := &Engine{
		cfg:         cfg,
		instanceID:  id.NewInstanceID(),
		logger:      slog.Default(),
		kv:          kv,
		durable:     durable,
		janitorStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	logger := e.logger.With(slog.String("instance_id", e.instanceID.String()))
	e.logger = logger

	e.locks = lock.NewService(kv, lock.WithLogger(logger))
	e.elector = election.New(leaderRole, e.instanceID.String(), e.locks,
		election.WithLeaseTTL(cfg.LeaderTTL),
		election.WithLogger(logger),
		// e.metrics is assigned below, before Start can run a tick.
		election.WithTransitionFunc(func(s election.State) {
			e.metrics.ElectionTransition(context.Background(), string(s))
		}),
	)
	e.retries = retry.NewEngine(kv, retry.WithLogger(logger))
	e.subs = subscriber.NewCache(durable, cfg.SubscriberCacheTTL)
	e.dlq = dlq.NewService(durable, durable)
	e.sandbox = script.NewSandbox(e.scriptBaseURL,
		script.WithExecutionTimeout(cfg.ScriptTimeout),
		script.WithSandboxLogger(logger),
	)

	// Metrics and tracing ride the configured providers, or the globals.
	var tracingMw mw.Middleware
	if e.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(e.tracerProvider.Tracer("github.com/zral/coord"))
	} else {
		tracingMw = mw.Tracing()
	}
	var metricsMw mw.Middleware
	if e.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(e.meterProvider.Meter("github.com/zral/coord"))
		e.metrics = observability.NewWithMeter(e.meterProvider.Meter("github.com/zral/coord/observability"))
	} else {
		metricsMw = mw.Metrics()
		e.metrics = observability.New()
	}
	if err := e.metrics.ObserveLeadership(leaderSource{e.elector}); err != nil {
		logger.Warn("failed to register leadership gauge", slog.String("error", err.Error()))
	}

	// Attempt chain: recover → tracing → metrics → logging → timeout.
	// The outer timeout is a backstop; each handler bounds its own work
	// more tightly.
	outer := 2 * maxDuration(cfg.DeliveryTimeout, cfg.ScriptTimeout)
	allMws := append([]mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(outer),
	}, e.mws...)

	policy := func(ctx context.Context, subscriberID id.SubscriberID) retry.Policy {
		sub, err := e.subs.Get(ctx, subscriberID)
		if err != nil {
			return retry.DefaultPolicy()
		}
		return sub.Policy()
	}
	e.executor = worker.NewExecutor(durable, e.dlq, e.retries, policy, logger, allMws...)

	e.webhooks = webhook.NewPipeline(durable, e.locks, e.subs, e.instanceID.String(),
		webhook.WithLogger(logger),
		webhook.WithDeliveryTimeout(cfg.DeliveryTimeout),
		webhook.WithDedupTTL(cfg.LockTTL),
		webhook.WithStatsSource(e.executor),
	)
	e.scripts = script.NewPipeline(durable, e.locks, e.subs, e.sandbox, e.instanceID.String(),
		script.WithLogger(logger),
		script.WithDedupTTL(cfg.LockTTL),
		script.WithStatsSource(e.executor),
	)
	e.executor.RegisterHandler(job.QueueWebhook, e.webhooks.Handler())
	e.executor.RegisterHandler(job.QueueScript, e.scripts.Handler())

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(cfg.Concurrency),
		worker.WithPollInterval(cfg.PollInterval),
	}
	if len(e.limits) > 0 {
		poolOpts = append(poolOpts, worker.WithLimiter(worker.NewLimiter(e.limits...)))
	}
	e.pool = worker.NewPool(durable, e.executor, logger, poolOpts...)

	e.sched = schedule.New(durable, e.elector, e.enqueueScheduled,
		schedule.WithTickInterval(cfg.TickInterval),
		schedule.WithLogger(logger),
	)

	return e, nil
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// ── lifecycle ──

// Start begins coordination: leadership campaigning, job processing, the
// cron tick loop, and the leader-only lock janitor.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.elector.Start(ctx); err != nil {
		return fmt.Errorf("start elector: %w", err)
	}
	if err := e.pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	if err := e.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	e.wg.Add(1)
	go e.janitorLoop()

	e.logger.Info("engine started",
		slog.Int("concurrency", e.cfg.Concurrency),
		slog.Duration("leader_ttl", e.cfg.LeaderTTL),
	)
	return nil
}

// Stop shuts the instance down gracefully: no new dequeues, in-flight
// attempts get the shutdown timeout to finish, leadership is resigned so
// a peer can take over without waiting out the lease.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopped.Do(func() { close(e.janitorStop) })

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
		defer cancel()
	}

	if err := e.sched.Stop(ctx); err != nil {
		e.logger.Error("scheduler stop error", slog.String("error", err.Error()))
	}
	if err := e.pool.Stop(ctx); err != nil {
		e.logger.Error("worker pool stop error", slog.String("error", err.Error()))
	}
	if err := e.elector.Stop(ctx); err != nil {
		e.logger.Error("elector stop error", slog.String("error", err.Error()))
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.logger.Info("engine stopped")
	return nil
}

// janitorLoop sweeps expired lock leases. Leader-only: one sweeper per
// cluster is enough and keeps the sweep from stampeding the store.
func (e *Engine) janitorLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.janitorStop:
			return
		case <-ticker.C:
			if !e.elector.Status().IsLeader {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			swept, err := e.locks.CleanupExpired(ctx)
			cancel()
			if err != nil {
				e.logger.Warn("lock janitor sweep failed", slog.String("error", err.Error()))
				continue
			}
			e.metrics.LocksSwept(context.Background(), swept)
		}
	}
}

// ── trigger ingestion ──

// DataEvent is one observed data mutation. TriggerID is the mutation's
// cluster-wide identity: instances watching a shared change stream must
// pass the same trigger ID for the same mutation, because the dedup lock
// is keyed on it. A nil TriggerID gets a fresh one, which is only safe
// when a single instance observes the source.
type DataEvent struct {
	TriggerID  id.TriggerID         `json:"trigger_id"`
	Collection string               `json:"collection"`
	Type       subscriber.EventType `json:"type"`
	Doc        map[string]any       `json:"doc"`
}

// OnDataEvent ingests one data mutation and fans it out to every enabled
// matching subscriber. It returns the trigger ID once all matching jobs
// are enqueued; delivery and execution happen asynchronously on the
// worker pools.
func (e *Engine) OnDataEvent(ctx context.Context, ev DataEvent) (id.TriggerID, error) {
	triggerID := ev.TriggerID
	if triggerID.IsNil() {
		triggerID = id.NewTriggerID()
	}
	e.metrics.TriggerIngested(ctx, ev.Collection, string(ev.Type))

	matched, err := e.subs.Matching(ctx, ev.Collection, ev.Type)
	if err != nil {
		return id.Nil, fmt.Errorf("match subscribers: %w", err)
	}

	for _, sub := range matched {
		if sub.FilterExpr != "" {
			ok, ferr := e.sandbox.EvalFilter(ctx, sub.FilterExpr, ev.Doc)
			if ferr != nil {
				// A broken filter must not block the rest of the fan-out.
				e.logger.Warn("filter expression failed, skipping subscriber",
					slog.String("subscriber_id", sub.ID.String()),
					slog.String("error", ferr.Error()),
				)
				continue
			}
			if !ok {
				continue
			}
		}
		e.metrics.SubscriberMatched(ctx, string(sub.Kind))

		switch sub.Kind {
		case subscriber.KindWebhook:
			env := webhook.NewEnvelope(triggerID, ev.Collection, ev.Type, ev.Doc)
			j, werr := e.webhooks.Enqueue(ctx, sub, env)
			e.recordEnqueue(ctx, job.QueueWebhook, j, werr, sub.ID)
		case subscriber.KindScript:
			input := &script.Input{
				Timestamp:  time.Now().UTC(),
				Event:      ev.Type,
				Collection: ev.Collection,
				TriggerID:  triggerID,
				Data:       ev.Doc,
			}
			j, serr := e.scripts.Enqueue(ctx, sub, input)
			e.recordEnqueue(ctx, job.QueueScript, j, serr, sub.ID)
		}
	}

	return triggerID, nil
}

func (e *Engine) recordEnqueue(ctx context.Context, queue string, j *job.Job, err error, subscriberID id.SubscriberID) {
	switch {
	case err != nil:
		e.logger.Error("enqueue failed",
			slog.String("queue", queue),
			slog.String("subscriber_id", subscriberID.String()),
			slog.String("error", err.Error()),
		)
	case j == nil:
		e.metrics.DuplicateSuppressed(ctx, queue)
	default:
		e.metrics.JobEnqueued(ctx, queue)
	}
}

// enqueueScheduled is the scheduler's fire callback: it resolves the
// entry's script subscriber and enqueues one execution job with a fresh
// trigger identity.
func (e *Engine) enqueueScheduled(ctx context.Context, entry *schedule.Entry) error {
	sub, err := e.subs.Get(ctx, entry.SubscriberID)
	if err != nil {
		return fmt.Errorf("resolve schedule subscriber: %w", err)
	}
	if !sub.Enabled {
		return coord.ErrSubscriberOff
	}

	var data map[string]any
	if len(entry.Payload) > 0 {
		if err := json.Unmarshal(entry.Payload, &data); err != nil {
			return fmt.Errorf("decode schedule payload: %w", err)
		}
	}

	input := &script.Input{
		Timestamp: time.Now().UTC(),
		TriggerID: id.NewTriggerID(),
		Schedule:  entry.Name,
		Data:      data,
	}
	j, err := e.scripts.Enqueue(ctx, sub, input)
	if err != nil {
		return err
	}
	e.recordEnqueue(ctx, job.QueueScript, j, nil, sub.ID)
	e.metrics.ScheduleFired(ctx, entry.Name)
	return nil
}

// ── validation ──

// ValidateSubscriber checks a subscriber's configuration synchronously so
// broken registrations are rejected at acceptance time instead of failing
// every triggered job.
func (e *Engine) ValidateSubscriber(sub *subscriber.Subscriber) error {
	switch sub.Kind {
	case subscriber.KindWebhook:
		if !sub.ValidURL() {
			return fmt.Errorf("%w: %q", coord.ErrInvalidTargetURL, sub.URL)
		}
	case subscriber.KindScript:
		if err := script.CheckSyntax(sub.Code); err != nil {
			return err
		}
		if sub.CronExpr != "" {
			if _, err := schedule.Parse(sub.CronExpr); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown subscriber kind %q", sub.Kind)
	}
	return nil
}

// ── admin surface ──

// Status is a point-in-time view of this instance.
type Status struct {
	InstanceID id.InstanceID   `json:"instance_id"`
	Leadership election.Status `json:"leadership"`
	Webhooks   *webhook.Stats  `json:"webhooks,omitempty"`
	Scripts    *script.Stats   `json:"scripts,omitempty"`
	DeadTotal  int64           `json:"dead_total"`
}

// Status reports instance identity, leadership, and pipeline statistics.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	whStats, err := e.webhooks.Stats(ctx)
	if err != nil {
		return nil, err
	}
	scStats, err := e.scripts.Stats(ctx)
	if err != nil {
		return nil, err
	}
	deadTotal, err := e.dlq.DLQStore().CountDLQ(ctx, "")
	if err != nil {
		return nil, err
	}
	return &Status{
		InstanceID: e.instanceID,
		Leadership: e.elector.Status(),
		Webhooks:   whStats,
		Scripts:    scStats,
		DeadTotal:  deadTotal,
	}, nil
}

// LeadershipStatus returns this instance's local election view.
func (e *Engine) LeadershipStatus() election.Status { return e.elector.Status() }

// CurrentLeader reads the authoritative leader identity from the store.
func (e *Engine) CurrentLeader(ctx context.Context) (string, error) {
	return e.elector.CurrentLeader(ctx)
}

// ForceElection releases the observed leader's lease and immediately
// re-races for it. Administrative operation.
func (e *Engine) ForceElection(ctx context.Context) (bool, error) {
	return e.elector.ForceElection(ctx)
}

// Resign gives up leadership if held.
func (e *Engine) Resign(ctx context.Context) error {
	return e.elector.Resign(ctx)
}

// ListLocks returns all live lock leases.
func (e *Engine) ListLocks(ctx context.Context) ([]*lock.Lock, error) {
	return e.locks.ListActive(ctx)
}

// CleanupLocks sweeps expired leases on demand, regardless of leadership.
func (e *Engine) CleanupLocks(ctx context.Context) (int64, error) {
	swept, err := e.locks.CleanupExpired(ctx)
	if err != nil {
		return 0, err
	}
	e.metrics.LocksSwept(ctx, swept)
	return swept, nil
}

// WebhookStats returns delivery pipeline statistics.
func (e *Engine) WebhookStats(ctx context.Context) (*webhook.Stats, error) {
	return e.webhooks.Stats(ctx)
}

// ScriptStats returns execution pipeline statistics.
func (e *Engine) ScriptStats(ctx context.Context) (*script.Stats, error) {
	return e.scripts.Stats(ctx)
}

// Health reports substrate reachability and local leadership.
type Health struct {
	KVStore      bool `json:"kv_store"`
	DurableStore bool `json:"durable_store"`
	IsLeader     bool `json:"is_leader"`
}

// Healthy reports whether both substrates answered.
func (h Health) Healthy() bool { return h.KVStore && h.DurableStore }

// HealthCheck probes both substrates.
func (e *Engine) HealthCheck(ctx context.Context) Health {
	return Health{
		KVStore:      e.kv.Ping(ctx) == nil,
		DurableStore: e.durable.Ping(ctx) == nil,
		IsLeader:     e.elector.Status().IsLeader,
	}
}

// ── accessors ──

// InstanceID returns this instance's identity.
func (e *Engine) InstanceID() id.InstanceID { return e.instanceID }

// Locks returns the lock service for protected-resource callers that
// need Acquire/Validate/Release directly.
func (e *Engine) Locks() *lock.Service { return e.locks }

// DLQ returns the dead letter service for replay and inspection.
func (e *Engine) DLQ() *dlq.Service { return e.dlq }

// Scheduler returns the cron scheduler for entry management.
func (e *Engine) Scheduler() *schedule.Scheduler { return e.sched }

// Subscribers returns the read-through subscriber cache.
func (e *Engine) Subscribers() *subscriber.Cache { return e.subs }
