package job

import (
	"time"

	"github.com/zral/coord"
	"github.com/zral/coord/id"
)

// Queue names for the two pipelines.
const (
	QueueWebhook = "webhook"
	QueueScript  = "script"
)

// State represents the lifecycle state of a job. Transitions are
// monotonic within one attempt cycle; Succeeded, Failed, and Dead are
// terminal.
type State string

const (
	// StatePending means the job is waiting to be picked up by a worker.
	StatePending State = "pending"
	// StateActive means a worker is currently attempting the job.
	StateActive State = "active"
	// StateRetrying means the last attempt failed (or was rate-limit
	// deferred) and the job waits for NextAttemptAt.
	StateRetrying State = "retrying"
	// StateSucceeded means an attempt completed; the error is cleared.
	StateSucceeded State = "succeeded"
	// StateFailed means a non-retryable configuration failure; the job was
	// never truly admitted and gets no dead-letter entry.
	StateFailed State = "failed"
	// StateDead means the retry budget is exhausted; the job is
	// dead-lettered and surfaced via statistics, never retried again.
	StateDead State = "dead"
)

// Terminal reports whether the state has no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateDead
}

// Job is one webhook delivery or script execution unit, created when a
// trigger is admitted past its dedup lock.
type Job struct {
	coord.Entity

	ID           id.ID           `json:"id"`
	Queue        string          `json:"queue"`
	SubscriberID id.SubscriberID `json:"subscriber_id"`
	TriggerID    id.TriggerID    `json:"trigger_id"`
	Payload      []byte          `json:"payload"`
	State        State           `json:"state"`

	// Attempt counts from 0 for the first try, so a MaxRetries of zero
	// allows exactly one attempt.
	Attempt int `json:"attempt"`

	// Deferrals counts rate-limit deferrals. Kept separate from Attempt:
	// a deferral is not a failure and never consumes retry budget.
	Deferrals int `json:"deferrals"`

	NextAttemptAt time.Time  `json:"next_attempt_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// New creates a pending job for the given pipeline queue, due immediately.
func New(queue string, subscriberID id.SubscriberID, triggerID id.TriggerID, payload []byte) *Job {
	var jobID id.ID
	if queue == QueueScript {
		jobID = id.NewExecutionID()
	} else {
		jobID = id.NewDeliveryID()
	}
	return &Job{
		Entity:        coord.NewEntity(),
		ID:            jobID,
		Queue:         queue,
		SubscriberID:  subscriberID,
		TriggerID:     triggerID,
		Payload:       payload,
		State:         StatePending,
		NextAttemptAt: time.Now().UTC(),
	}
}
