package dlq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zral/coord/dlq"
	"github.com/zral/coord/id"
	"github.com/zral/coord/job"
	"github.com/zral/coord/store/memory"
)

func deadJob() *job.Job {
	j := job.New(job.QueueWebhook, id.NewSubscriberID(), id.NewTriggerID(), []byte(`{"order":42}`))
	j.Attempt = 2
	j.State = job.StateDead
	return j
}

func TestPushCapturesFinalAttempt(t *testing.T) {
	store := memory.New()
	svc := dlq.NewService(store, store)
	ctx := context.Background()
	j := deadJob()

	if err := svc.Push(ctx, j, 2, errors.New("upstream 503")); err != nil {
		t.Fatalf("push: %v", err)
	}

	entries, err := store.ListDLQ(ctx, dlq.ListOpts{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.JobID != j.ID {
		t.Errorf("job id = %s, want %s", e.JobID, j.ID)
	}
	if e.Queue != job.QueueWebhook || e.SubscriberID != j.SubscriberID || e.TriggerID != j.TriggerID {
		t.Errorf("entry identity = %+v", e)
	}
	if e.Error != "upstream 503" {
		t.Errorf("error = %q", e.Error)
	}
	if e.Attempts != 3 || e.MaxRetries != 2 {
		t.Errorf("attempts = %d, max retries = %d, want 3 and 2", e.Attempts, e.MaxRetries)
	}
	if string(e.Payload) != `{"order":42}` {
		t.Errorf("payload = %s", e.Payload)
	}
}

func TestReplayReenqueuesFresh(t *testing.T) {
	store := memory.New()
	svc := dlq.NewService(store, store)
	ctx := context.Background()
	orig := deadJob()

	if err := svc.Push(ctx, orig, 2, errors.New("upstream 503")); err != nil {
		t.Fatalf("push: %v", err)
	}
	entries, err := store.ListDLQ(ctx, dlq.ListOpts{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	replayed, err := svc.Replay(ctx, entries[0].ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.ID == orig.ID {
		t.Error("replayed job reused the dead job's ID")
	}
	if replayed.State != job.StatePending || replayed.Attempt != 0 {
		t.Errorf("replayed job = state %s attempt %d, want pending attempt 0", replayed.State, replayed.Attempt)
	}
	if replayed.TriggerID != orig.TriggerID {
		t.Error("replayed job lost its trigger lineage")
	}
	if string(replayed.Payload) != string(orig.Payload) {
		t.Error("replayed payload differs")
	}

	// The job is really queued.
	stored, err := store.GetJob(ctx, replayed.ID)
	if err != nil {
		t.Fatalf("get replayed job: %v", err)
	}
	if stored.State != job.StatePending {
		t.Errorf("stored state = %s", stored.State)
	}

	// The entry is marked, not deleted.
	entry, err := store.GetDLQ(ctx, entries[0].ID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if entry.ReplayedAt == nil {
		t.Error("entry not marked replayed")
	}
}

func TestReplayUnknownEntry(t *testing.T) {
	store := memory.New()
	svc := dlq.NewService(store, store)

	if _, err := svc.Replay(context.Background(), id.NewDLQID()); err == nil {
		t.Fatal("expected an error for an unknown entry")
	}
}

func TestPurgeByAge(t *testing.T) {
	store := memory.New()
	svc := dlq.NewService(store, store)
	ctx := context.Background()

	if err := svc.Push(ctx, deadJob(), 1, errors.New("old failure")); err != nil {
		t.Fatalf("push: %v", err)
	}

	n, err := svc.DLQStore().PurgeDLQ(ctx, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	count, err := svc.DLQStore().CountDLQ(ctx, "")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("remaining = %d, want 0", count)
	}
}
