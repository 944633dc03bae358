package dlq

import (
	"time"

	"github.com/zral/coord/id"
)

// Entry represents a job that has exhausted its retry budget and been
// moved to the dead letter queue for inspection or replay.
type Entry struct {
	ID           id.DLQID        `json:"id"`
	JobID        id.ID           `json:"job_id"`
	Queue        string          `json:"queue"`
	SubscriberID id.SubscriberID `json:"subscriber_id"`
	TriggerID    id.TriggerID    `json:"trigger_id"`
	Payload      []byte          `json:"payload"`
	Error        string          `json:"error"`
	Attempts     int             `json:"attempts"`
	MaxRetries   int             `json:"max_retries"`
	FailedAt     time.Time       `json:"failed_at"`
	ReplayedAt   *time.Time      `json:"replayed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
