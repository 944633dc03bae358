package dlq

import (
	"context"
	"time"

	"github.com/zral/coord/id"
	"github.com/zral/coord/job"
)

// Service provides high-level DLQ operations over a Store.
type Service struct {
	store    Store
	jobStore job.Store
}

// NewService creates a DLQ service.
func NewService(store Store, jobStore job.Store) *Service {
	return &Service{store: store, jobStore: jobStore}
}

// Push builds a DLQ Entry from a dead job and persists it. The error
// string is captured from the final attempt.
func (s *Service) Push(ctx context.Context, j *job.Job, maxRetries int, jobErr error) error {
	now := time.Now().UTC()
	entry := &Entry{
		ID:           id.NewDLQID(),
		JobID:        j.ID,
		Queue:        j.Queue,
		SubscriberID: j.SubscriberID,
		TriggerID:    j.TriggerID,
		Payload:      j.Payload,
		Error:        jobErr.Error(),
		Attempts:     j.Attempt + 1,
		MaxRetries:   maxRetries,
		FailedAt:     now,
		CreatedAt:    now,
	}
	return s.store.PushDLQ(ctx, entry)
}

// Replay re-enqueues a DLQ entry as a new pending job and marks the
// entry as replayed. The new job gets a fresh ID, a zero attempt counter,
// and runs immediately.
func (s *Service) Replay(ctx context.Context, entryID id.DLQID) (*job.Job, error) {
	entry, err := s.store.GetDLQ(ctx, entryID)
	if err != nil {
		return nil, err
	}

	j := job.New(entry.Queue, entry.SubscriberID, entry.TriggerID, entry.Payload)
	if err := s.jobStore.EnqueueJob(ctx, j); err != nil {
		return nil, err
	}

	if err := s.store.ReplayDLQ(ctx, entryID); err != nil {
		// The job is already enqueued. Return it along with the error.
		return j, err
	}

	return j, nil
}

// DLQStore returns the underlying DLQ store for direct access
// to List, Get, Purge, and Count operations.
func (s *Service) DLQStore() Store {
	return s.store
}
