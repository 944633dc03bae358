// Package retry provides the rate-limited retry engine shared by the
// webhook and script pipelines: per-subscriber sliding-window admission
// control plus bounded exponential backoff. Delay computation is a pure
// function of attempt state so retry scheduling is deterministic and
// testable without real clocks.
package retry

import "time"

// Window is the fixed admission window length. Counters reset strictly at
// window boundaries, not per event, keeping the admission check O(1).
const Window = time.Minute

// Policy parameterizes admission and retries for one subscriber.
type Policy struct {
	// MaxPerMinute is the admission budget per sliding window.
	MaxPerMinute int `json:"max_per_minute" bson:"max_per_minute"`

	// MaxRetries is the retry budget after the first attempt. Zero means
	// exactly one attempt, no retries.
	MaxRetries int `json:"max_retries" bson:"max_retries"`

	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration `json:"base_delay" bson:"base_delay"`

	// MaxDelay clamps the backoff so worst-case retry latency is bounded.
	MaxDelay time.Duration `json:"max_delay" bson:"max_delay"`
}

// DefaultPolicy returns the policy applied to subscribers that configure
// no explicit limits.
func DefaultPolicy() Policy {
	return Policy{
		MaxPerMinute: 60,
		MaxRetries:   3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     1 * time.Minute,
	}
}

// Delay returns the backoff before retrying after failed attempt n
// (0-indexed: attempt 0 is the first try). Delay = min(BaseDelay * 2^n,
// MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for range attempt {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether a job that just failed attempt n (0-indexed)
// has spent its retry budget. MaxRetries = R allows exactly R+1 total
// attempts.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxRetries
}
