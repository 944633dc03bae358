package worker

import (
	"sync"

	"golang.org/x/time/rate"
)

// LimitConfig defines local (per-instance) pacing for one queue. This is
// distinct from the cluster-wide per-subscriber window enforced by the
// retry engine: the limiter only smooths this instance's dequeue rate.
type LimitConfig struct {
	// Queue is the queue identifier (must match the job.Queue field).
	Queue string

	// MaxConcurrency limits how many jobs from this queue may run
	// simultaneously on this instance. Zero means no queue-specific
	// limit (pool-wide concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained dequeues per second. Zero
	// disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// queueState tracks runtime state for a single queue.
type queueState struct {
	config  LimitConfig
	limiter *rate.Limiter
	active  int
}

// Limiter paces job pickup per queue. It is safe for concurrent use.
type Limiter struct {
	mu     sync.Mutex
	queues map[string]*queueState
}

// NewLimiter creates a Limiter with the given queue configurations.
// Queues not listed here have no limits.
func NewLimiter(configs ...LimitConfig) *Limiter {
	l := &Limiter{
		queues: make(map[string]*queueState, len(configs)),
	}
	for _, cfg := range configs {
		l.queues[cfg.Queue] = newQueueState(cfg)
	}
	return l
}

func newQueueState(cfg LimitConfig) *queueState {
	qs := &queueState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		qs.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return qs
}

// Acquire checks pacing and concurrency for the given queue. If the job
// may proceed it increments the active counter and returns true. The
// caller MUST call Release when the job completes.
func (l *Limiter) Acquire(queue string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	qs := l.queues[queue]
	if qs == nil {
		return true
	}
	if qs.limiter != nil && !qs.limiter.Allow() {
		return false
	}
	if qs.config.MaxConcurrency > 0 && qs.active >= qs.config.MaxConcurrency {
		return false
	}
	qs.active++
	return true
}

// Release decrements the active job count for the queue.
func (l *Limiter) Release(queue string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if qs := l.queues[queue]; qs != nil && qs.active > 0 {
		qs.active--
	}
}

// ActiveCount returns the current number of active jobs for a queue.
func (l *Limiter) ActiveCount(queue string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if qs := l.queues[queue]; qs != nil {
		return qs.active
	}
	return 0
}
