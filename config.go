package coord

import "time"

// Config holds cluster-level configuration shared by the coordination
// subsystems. Per-subscriber rate limits and retry budgets live on the
// subscriber itself, not here.
type Config struct {
	// Concurrency is the maximum number of jobs each pipeline processes
	// concurrently on this instance.
	Concurrency int

	// PollInterval is how often workers poll for due jobs.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// LockTTL is the lease duration for per-trigger dedup locks. It must
	// be safely longer than the expected delivery or execution time so a
	// crashed holder cannot block a trigger forever.
	LockTTL time.Duration

	// LeaderTTL is the lease duration for role leadership. Renewal runs
	// at a third of this so a single transient store hiccup does not
	// cause flapping.
	LeaderTTL time.Duration

	// DeliveryTimeout bounds one outbound webhook HTTP call.
	DeliveryTimeout time.Duration

	// ScriptTimeout bounds one sandboxed script run (hard wall clock).
	ScriptTimeout time.Duration

	// TickInterval is how often the cron scheduler evaluates due entries.
	TickInterval time.Duration

	// JanitorInterval is how often the expired-lock sweep runs.
	JanitorInterval time.Duration

	// SubscriberCacheTTL bounds staleness of the read-through subscriber
	// cache.
	SubscriberCacheTTL time.Duration
}

// WithDefaults returns a copy with zero-valued fields filled in from
// DefaultConfig. Constructors call this so a partially specified Config
// can never hand a zero interval to a ticker or a zero timeout to a
// client.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.LeaderTTL <= 0 {
		c.LeaderTTL = d.LeaderTTL
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = d.DeliveryTimeout
	}
	if c.ScriptTimeout <= 0 {
		c.ScriptTimeout = d.ScriptTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = d.JanitorInterval
	}
	if c.SubscriberCacheTTL <= 0 {
		c.SubscriberCacheTTL = d.SubscriberCacheTTL
	}
	return c
}

// DefaultConfig returns a Config with sensible defaults.
//
// Delivery and script timeouts are deliberately shorter than LockTTL so a
// dedup lock is never held past the protected operation's own deadline.
func DefaultConfig() Config {
	return Config{
		Concurrency:        10,
		PollInterval:       1 * time.Second,
		ShutdownTimeout:    30 * time.Second,
		LockTTL:            30 * time.Second,
		LeaderTTL:          15 * time.Second,
		DeliveryTimeout:    10 * time.Second,
		ScriptTimeout:      10 * time.Second,
		TickInterval:       1 * time.Second,
		JanitorInterval:    1 * time.Minute,
		SubscriberCacheTTL: 30 * time.Second,
	}
}
