// Package observability records coordination-level metrics via OpenTelemetry:
// trigger ingestion and fan-out, dedup suppressions, schedule fires, lock
// sweeps, and a leadership gauge. Per-attempt job metrics live in the
// metrics middleware; this package covers everything that happens before a
// job reaches the worker pool.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for coord metrics.
const meterName = "github.com/zral/coord"

// LeadershipSource reports whether this instance currently leads; wired
// into the leadership gauge as an asynchronous callback.
type LeadershipSource interface {
	IsLeader() bool
}

// Metrics holds the coordination-level instruments. Safe for concurrent
// use; with no MeterProvider configured all instruments are noops.
type Metrics struct {
	meter metric.Meter

	triggers  metric.Int64Counter
	matched   metric.Int64Counter
	enqueued  metric.Int64Counter
	deduped   metric.Int64Counter
	fired     metric.Int64Counter
	swept     metric.Int64Counter
	elections metric.Int64Counter
}

// New creates Metrics on the global MeterProvider.
func New() *Metrics {
	return NewWithMeter(otel.Meter(meterName))
}

// NewWithMeter creates Metrics on the provided meter. This variant allows
// injecting a specific MeterProvider for testing.
func NewWithMeter(meter metric.Meter) *Metrics {
	m := &Metrics{meter: meter}

	// On error the OTel API returns noop instruments, so construction
	// never fails.
	m.triggers, _ = meter.Int64Counter(
		"coord.trigger.ingested",
		metric.WithDescription("Data mutation triggers ingested"),
		metric.WithUnit("{trigger}"),
	)
	m.matched, _ = meter.Int64Counter(
		"coord.trigger.matched",
		metric.WithDescription("Subscriber matches across all triggers"),
		metric.WithUnit("{match}"),
	)
	m.enqueued, _ = meter.Int64Counter(
		"coord.job.enqueued",
		metric.WithDescription("Jobs enqueued to the pipelines"),
		metric.WithUnit("{job}"),
	)
	m.deduped, _ = meter.Int64Counter(
		"coord.trigger.deduplicated",
		metric.WithDescription("Triggers suppressed by the dedup lock"),
		metric.WithUnit("{trigger}"),
	)
	m.fired, _ = meter.Int64Counter(
		"coord.schedule.fired",
		metric.WithDescription("Cron schedule fires on the leader"),
		metric.WithUnit("{fire}"),
	)
	m.swept, _ = meter.Int64Counter(
		"coord.lock.swept",
		metric.WithDescription("Expired lock leases removed by the janitor"),
		metric.WithUnit("{lock}"),
	)
	m.elections, _ = meter.Int64Counter(
		"coord.election.transitions",
		metric.WithDescription("Leadership transitions observed locally"),
		metric.WithUnit("{transition}"),
	)
	return m
}

// TriggerIngested records one observed data mutation.
func (m *Metrics) TriggerIngested(ctx context.Context, collection, event string) {
	m.triggers.Add(ctx, 1, metric.WithAttributes(
		attribute.String("collection", collection),
		attribute.String("event", event),
	))
}

// SubscriberMatched records one subscriber match during fan-out.
func (m *Metrics) SubscriberMatched(ctx context.Context, kind string) {
	m.matched.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// JobEnqueued records one job admitted into a pipeline queue.
func (m *Metrics) JobEnqueued(ctx context.Context, queue string) {
	m.enqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// DuplicateSuppressed records one trigger dropped by the dedup lock.
func (m *Metrics) DuplicateSuppressed(ctx context.Context, queue string) {
	m.deduped.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// ScheduleFired records one cron fire.
func (m *Metrics) ScheduleFired(ctx context.Context, name string) {
	m.fired.Add(ctx, 1, metric.WithAttributes(attribute.String("schedule", name)))
}

// LocksSwept records expired leases removed by the janitor.
func (m *Metrics) LocksSwept(ctx context.Context, n int64) {
	if n > 0 {
		m.swept.Add(ctx, n)
	}
}

// ElectionTransition records a local leadership state change.
func (m *Metrics) ElectionTransition(ctx context.Context, to string) {
	m.elections.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to)))
}

// ObserveLeadership registers an asynchronous gauge reporting whether
// this instance leads (1) or follows (0) at collection time.
func (m *Metrics) ObserveLeadership(source LeadershipSource) error {
	gauge, err := m.meter.Int64ObservableGauge(
		"coord.leader.state",
		metric.WithDescription("1 while this instance holds leadership"),
	)
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		v := int64(0)
		if source.IsLeader() {
			v = 1
		}
		o.ObserveInt64(gauge, v)
		return nil
	}, gauge)
	return err
}
