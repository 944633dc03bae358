package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zral/coord/dlq"
	"github.com/zral/coord/id"
	"github.com/zral/coord/job"
	"github.com/zral/coord/retry"
	"github.com/zral/coord/store/memory"
)

func TestPoolDrainsQueue(t *testing.T) {
	store := memory.New()
	engine := retry.NewEngine(store, retry.WithLogger(testLogger()))
	var ran atomic.Int64

	executor := NewExecutor(
		store,
		dlq.NewService(store, store),
		engine,
		func(context.Context, id.SubscriberID) retry.Policy { return retry.Policy{} },
		testLogger(),
	)
	executor.RegisterHandler(job.QueueWebhook, func(context.Context, *job.Job) error {
		ran.Add(1)
		return nil
	})

	ctx := context.Background()
	const n = 5
	for i := 0; i < n; i++ {
		if err := store.EnqueueJob(ctx, newTestJob()); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	pool := NewPool(store, executor, testLogger(),
		WithPoolConcurrency(2),
		WithPoolQueues([]string{job.QueueWebhook}),
		WithPollInterval(10*time.Millisecond),
	)
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer pool.Stop(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for ran.Load() < n && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := ran.Load(); got != n {
		t.Fatalf("ran %d jobs, want %d", got, n)
	}

	pending, err := store.CountJobs(ctx, job.CountOpts{State: job.StatePending})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if pending != 0 {
		t.Errorf("pending = %d after drain, want 0", pending)
	}
}

func TestPoolStopIsIdempotent(t *testing.T) {
	store := memory.New()
	engine := retry.NewEngine(store, retry.WithLogger(testLogger()))
	executor := NewExecutor(
		store,
		dlq.NewService(store, store),
		engine,
		func(context.Context, id.SubscriberID) retry.Policy { return retry.Policy{} },
		testLogger(),
	)
	executor.RegisterHandler(job.QueueWebhook, func(context.Context, *job.Job) error { return nil })

	pool := NewPool(store, executor, testLogger(), WithPollInterval(10*time.Millisecond))
	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
