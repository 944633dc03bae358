package mongo

import (
	"fmt"
	"time"

	"github.com/zral/coord"
	"github.com/zral/coord/dlq"
	"github.com/zral/coord/id"
	"github.com/zral/coord/job"
	"github.com/zral/coord/retry"
	"github.com/zral/coord/schedule"
	"github.com/zral/coord/subscriber"
)

// IDs are stored as their TypeID strings so documents stay readable in
// the shell; converters re-validate on the way out.

// ── Job model ─────────────────────────────────────────────────────

type jobModel struct {
	ID            string     `bson:"_id"`
	Queue         string     `bson:"queue"`
	SubscriberID  string     `bson:"subscriber_id"`
	TriggerID     string     `bson:"trigger_id"`
	Payload       []byte     `bson:"payload"`
	State         string     `bson:"state"`
	Attempt       int        `bson:"attempt"`
	Deferrals     int        `bson:"deferrals"`
	NextAttemptAt time.Time  `bson:"next_attempt_at"`
	StartedAt     *time.Time `bson:"started_at,omitempty"`
	FinishedAt    *time.Time `bson:"finished_at,omitempty"`
	LastError     string     `bson:"last_error,omitempty"`
	CreatedAt     time.Time  `bson:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at"`
}

func toJobModel(j *job.Job) *jobModel {
	return &jobModel{
		ID:            j.ID.String(),
		Queue:         j.Queue,
		SubscriberID:  j.SubscriberID.String(),
		TriggerID:     j.TriggerID.String(),
		Payload:       j.Payload,
		State:         string(j.State),
		Attempt:       j.Attempt,
		Deferrals:     j.Deferrals,
		NextAttemptAt: j.NextAttemptAt,
		StartedAt:     j.StartedAt,
		FinishedAt:    j.FinishedAt,
		LastError:     j.LastError,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	jobID, err := id.Parse(m.ID)
	if err != nil {
		return nil, fmt.Errorf("coord/mongo: parse job id %q: %w", m.ID, err)
	}
	subID, err := id.ParseSubscriberID(m.SubscriberID)
	if err != nil {
		return nil, fmt.Errorf("coord/mongo: parse subscriber id %q: %w", m.SubscriberID, err)
	}
	trigID, err := id.ParseTriggerID(m.TriggerID)
	if err != nil {
		return nil, fmt.Errorf("coord/mongo: parse trigger id %q: %w", m.TriggerID, err)
	}

	return &job.Job{
		Entity:        coord.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:            jobID,
		Queue:         m.Queue,
		SubscriberID:  subID,
		TriggerID:     trigID,
		Payload:       m.Payload,
		State:         job.State(m.State),
		Attempt:       m.Attempt,
		Deferrals:     m.Deferrals,
		NextAttemptAt: m.NextAttemptAt,
		StartedAt:     m.StartedAt,
		FinishedAt:    m.FinishedAt,
		LastError:     m.LastError,
	}, nil
}

// ── Subscriber model ──────────────────────────────────────────────

type subscriberModel struct {
	ID               string   `bson:"_id"`
	Kind             string   `bson:"kind"`
	Name             string   `bson:"name"`
	TargetCollection string   `bson:"target_collection"`
	Events           []string `bson:"events"`
	FilterExpr       string   `bson:"filter_expr,omitempty"`
	Enabled          bool     `bson:"enabled"`

	MaxPerMinute int   `bson:"max_per_minute"`
	MaxRetries   int   `bson:"max_retries"`
	BaseDelayMs  int64 `bson:"base_delay_ms"`
	MaxDelayMs   int64 `bson:"max_delay_ms"`

	URL           string   `bson:"url,omitempty"`
	ExcludeFields []string `bson:"exclude_fields,omitempty"`
	Code          string   `bson:"code,omitempty"`
	CronExpr      string   `bson:"cron_expr,omitempty"`
}

func fromSubscriberModel(m *subscriberModel) (*subscriber.Subscriber, error) {
	subID, err := id.ParseSubscriberID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("coord/mongo: parse subscriber id %q: %w", m.ID, err)
	}

	events := make([]subscriber.EventType, 0, len(m.Events))
	for _, e := range m.Events {
		events = append(events, subscriber.EventType(e))
	}

	return &subscriber.Subscriber{
		ID:               subID,
		Kind:             subscriber.Kind(m.Kind),
		Name:             m.Name,
		TargetCollection: m.TargetCollection,
		Events:           events,
		FilterExpr:       m.FilterExpr,
		Enabled:          m.Enabled,
		RateLimit: retry.Policy{
			MaxPerMinute: m.MaxPerMinute,
			MaxRetries:   m.MaxRetries,
			BaseDelay:    time.Duration(m.BaseDelayMs) * time.Millisecond,
			MaxDelay:     time.Duration(m.MaxDelayMs) * time.Millisecond,
		},
		URL:           m.URL,
		ExcludeFields: m.ExcludeFields,
		Code:          m.Code,
		CronExpr:      m.CronExpr,
	}, nil
}

// ── Schedule model ────────────────────────────────────────────────

type scheduleModel struct {
	ID              string     `bson:"_id"`
	Name            string     `bson:"name"`
	CronExpr        string     `bson:"cron_expr"`
	SubscriberID    string     `bson:"subscriber_id"`
	Payload         []byte     `bson:"payload,omitempty"`
	IsRunning       bool       `bson:"is_running"`
	LastExecutionAt *time.Time `bson:"last_execution_at,omitempty"`
	NextExecutionAt *time.Time `bson:"next_execution_at,omitempty"`
	ExecutionCount  int64      `bson:"execution_count"`
	CreatedAt       time.Time  `bson:"created_at"`
	UpdatedAt       time.Time  `bson:"updated_at"`
}

func toScheduleModel(e *schedule.Entry) *scheduleModel {
	return &scheduleModel{
		ID:              e.ID.String(),
		Name:            e.Name,
		CronExpr:        e.CronExpr,
		SubscriberID:    e.SubscriberID.String(),
		Payload:         e.Payload,
		IsRunning:       e.IsRunning,
		LastExecutionAt: e.LastExecutionAt,
		NextExecutionAt: e.NextExecutionAt,
		ExecutionCount:  e.ExecutionCount,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}

func fromScheduleModel(m *scheduleModel) (*schedule.Entry, error) {
	schedID, err := id.ParseScheduleID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("coord/mongo: parse schedule id %q: %w", m.ID, err)
	}
	subID, err := id.ParseSubscriberID(m.SubscriberID)
	if err != nil {
		return nil, fmt.Errorf("coord/mongo: parse subscriber id %q: %w", m.SubscriberID, err)
	}

	return &schedule.Entry{
		Entity:          coord.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:              schedID,
		Name:            m.Name,
		CronExpr:        m.CronExpr,
		SubscriberID:    subID,
		Payload:         m.Payload,
		IsRunning:       m.IsRunning,
		LastExecutionAt: m.LastExecutionAt,
		NextExecutionAt: m.NextExecutionAt,
		ExecutionCount:  m.ExecutionCount,
	}, nil
}

// ── DLQ model ─────────────────────────────────────────────────────

type dlqModel struct {
	ID           string     `bson:"_id"`
	JobID        string     `bson:"job_id"`
	Queue        string     `bson:"queue"`
	SubscriberID string     `bson:"subscriber_id"`
	TriggerID    string     `bson:"trigger_id"`
	Payload      []byte     `bson:"payload"`
	Error        string     `bson:"error"`
	Attempts     int        `bson:"attempts"`
	MaxRetries   int        `bson:"max_retries"`
	FailedAt     time.Time  `bson:"failed_at"`
	ReplayedAt   *time.Time `bson:"replayed_at,omitempty"`
	CreatedAt    time.Time  `bson:"created_at"`
}

func toDLQModel(e *dlq.Entry) *dlqModel {
	return &dlqModel{
		ID:           e.ID.String(),
		JobID:        e.JobID.String(),
		Queue:        e.Queue,
		SubscriberID: e.SubscriberID.String(),
		TriggerID:    e.TriggerID.String(),
		Payload:      e.Payload,
		Error:        e.Error,
		Attempts:     e.Attempts,
		MaxRetries:   e.MaxRetries,
		FailedAt:     e.FailedAt,
		ReplayedAt:   e.ReplayedAt,
		CreatedAt:    e.CreatedAt,
	}
}

func fromDLQModel(m *dlqModel) (*dlq.Entry, error) {
	entryID, err := id.ParseDLQID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("coord/mongo: parse dlq id %q: %w", m.ID, err)
	}
	jobID, err := id.Parse(m.JobID)
	if err != nil {
		return nil, fmt.Errorf("coord/mongo: parse job id %q: %w", m.JobID, err)
	}
	subID, err := id.ParseSubscriberID(m.SubscriberID)
	if err != nil {
		return nil, fmt.Errorf("coord/mongo: parse subscriber id %q: %w", m.SubscriberID, err)
	}
	trigID, err := id.ParseTriggerID(m.TriggerID)
	if err != nil {
		return nil, fmt.Errorf("coord/mongo: parse trigger id %q: %w", m.TriggerID, err)
	}

	return &dlq.Entry{
		ID:           entryID,
		JobID:        jobID,
		Queue:        m.Queue,
		SubscriberID: subID,
		TriggerID:    trigID,
		Payload:      m.Payload,
		Error:        m.Error,
		Attempts:     m.Attempts,
		MaxRetries:   m.MaxRetries,
		FailedAt:     m.FailedAt,
		ReplayedAt:   m.ReplayedAt,
		CreatedAt:    m.CreatedAt,
	}, nil
}
