package worker

import "sync/atomic"

// counters accumulates attempt outcomes for one queue. Process-local;
// durable cluster-wide numbers come from the job store.
type counters struct {
	succeeded   atomic.Int64
	failed      atomic.Int64
	rateLimited atomic.Int64
	dead        atomic.Int64
}

// Snapshot is a point-in-time read of one queue's outcome counters since
// process start.
type Snapshot struct {
	Succeeded   int64 `json:"succeeded"`
	Failed      int64 `json:"failed"`
	RateLimited int64 `json:"rate_limited"`
	Dead        int64 `json:"dead"`
}

func (c *counters) snapshot() Snapshot {
	return Snapshot{
		Succeeded:   c.succeeded.Load(),
		Failed:      c.failed.Load(),
		RateLimited: c.rateLimited.Load(),
		Dead:        c.dead.Load(),
	}
}

// Snapshot returns outcome counters for the given queue. Unregistered
// queues read as zero.
func (e *Executor) Snapshot(queue string) Snapshot {
	if c, ok := e.counters[queue]; ok {
		return c.snapshot()
	}
	return Snapshot{}
}

func (e *Executor) count(queue string) *counters {
	if c, ok := e.counters[queue]; ok {
		return c
	}
	return &counters{} // discarded; queue was never registered
}
