// Package schedule provides cron-triggered script scheduling. A tick loop
// evaluates due entries, but only on the instance currently holding cron
// leadership, so each scheduled tick fires at most once cluster-wide.
// During a leadership failover a tick may be skipped; it is never
// duplicated.
package schedule

import (
	"time"

	"github.com/zral/coord"
	"github.com/zral/coord/id"
)

// Entry is one named cron schedule. The row exists while the schedule is
// registered: Schedule creates it running, Pause and Resume toggle
// IsRunning, Unschedule deletes it.
type Entry struct {
	coord.Entity

	ID   id.ScheduleID `json:"id"`
	Name string        `json:"name"`

	// CronExpr is a standard 5-field cron expression or a descriptor
	// like "@every 30s". Validated at Schedule time.
	CronExpr string `json:"cron_expr"`

	// SubscriberID is the script subscriber the entry runs.
	SubscriberID id.SubscriberID `json:"subscriber_id"`

	// Payload is merged into the script's context on each run.
	Payload []byte `json:"payload,omitempty"`

	// IsRunning is false while the entry is paused. Paused entries keep
	// their position but are skipped by the tick loop.
	IsRunning bool `json:"is_running"`

	LastExecutionAt *time.Time `json:"last_execution_at,omitempty"`
	NextExecutionAt *time.Time `json:"next_execution_at,omitempty"`
	ExecutionCount  int64      `json:"execution_count"`
}

// Due reports whether the entry should fire at the given instant.
func (e *Entry) Due(now time.Time) bool {
	return e.IsRunning && e.NextExecutionAt != nil && !e.NextExecutionAt.After(now)
}
