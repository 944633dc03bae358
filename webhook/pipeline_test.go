package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zral/coord"
	"github.com/zral/coord/id"
	"github.com/zral/coord/job"
	"github.com/zral/coord/lock"
	"github.com/zral/coord/retry"
	"github.com/zral/coord/store/memory"
	"github.com/zral/coord/subscriber"
	"github.com/zral/coord/worker"
)

func newTestPipeline(t *testing.T, opts ...Option) (*Pipeline, *memory.Store) {
	t.Helper()
	s := memory.New()
	locks := lock.NewService(s)
	subs := subscriber.NewCache(s, time.Minute)
	p := NewPipeline(s, locks, subs, "inst-test", opts...)
	return p, s
}

func webhookSubscriber(url string) *subscriber.Subscriber {
	return &subscriber.Subscriber{
		ID:               id.NewSubscriberID(),
		Kind:             subscriber.KindWebhook,
		Name:             "orders-hook",
		TargetCollection: "orders",
		Events:           []subscriber.EventType{subscriber.EventCreate},
		Enabled:          true,
		URL:              url,
		RateLimit:        retry.Policy{MaxPerMinute: 60, MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute},
	}
}

// ── enqueue ──

func TestEnqueueCreatesPendingJob(t *testing.T) {
	p, s := newTestPipeline(t)
	ctx := context.Background()

	sub := webhookSubscriber("http://example.com/hook")
	env := NewEnvelope(id.NewTriggerID(), "orders", subscriber.EventCreate, map[string]any{"total": 42})

	j, err := p.Enqueue(ctx, sub, env)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if j == nil {
		t.Fatal("expected a job")
	}
	if j.State != job.StatePending || j.Queue != job.QueueWebhook {
		t.Errorf("job = %s/%s, want pending/webhook", j.State, j.Queue)
	}

	n, err := s.CountJobs(ctx, job.CountOpts{Queue: job.QueueWebhook})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("jobs = %d, want 1", n)
	}
}

func TestEnqueueSuppressesDuplicateTrigger(t *testing.T) {
	p, s := newTestPipeline(t)
	ctx := context.Background()

	sub := webhookSubscriber("http://example.com/hook")
	env := NewEnvelope(id.NewTriggerID(), "orders", subscriber.EventCreate, nil)

	if _, err := p.Enqueue(ctx, sub, env); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	// Same trigger observed by another instance racing the same key.
	other := NewPipeline(s, lock.NewService(s), subscriber.NewCache(s, time.Minute), "inst-other")
	j, err := other.Enqueue(ctx, sub, env)
	if err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}
	if j != nil {
		t.Error("duplicate trigger produced a second job")
	}

	n, err := s.CountJobs(ctx, job.CountOpts{Queue: job.QueueWebhook})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("jobs = %d, want 1", n)
	}
}

func TestEnqueueDistinctSubscribersBothAdmitted(t *testing.T) {
	p, s := newTestPipeline(t)
	ctx := context.Background()

	trigger := id.NewTriggerID()
	for i := 0; i < 2; i++ {
		sub := webhookSubscriber("http://example.com/hook")
		env := NewEnvelope(trigger, "orders", subscriber.EventCreate, nil)
		if _, err := p.Enqueue(ctx, sub, env); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	n, err := s.CountJobs(ctx, job.CountOpts{Queue: job.QueueWebhook})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("jobs = %d, want 2 (one per subscriber)", n)
	}
}

// ── delivery ──

func TestDeliverPostsEnvelope(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, s := newTestPipeline(t)
	ctx := context.Background()

	sub := webhookSubscriber(srv.URL)
	sub.ExcludeFields = []string{"secret"}
	s.PutSubscriber(sub)

	env := NewEnvelope(id.NewTriggerID(), "orders", subscriber.EventCreate,
		map[string]any{"total": 42, "secret": "hunter2"})
	j, err := p.Enqueue(ctx, sub, env)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := p.Handler()(ctx, j); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	var delivered Envelope
	if err := json.Unmarshal(gotBody, &delivered); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if delivered.Collection != "orders" || delivered.Event != subscriber.EventCreate {
		t.Errorf("envelope = %s/%s", delivered.Collection, delivered.Event)
	}
	if _, ok := delivered.Data["secret"]; ok {
		t.Error("excluded field leaked into delivery")
	}
	if _, ok := delivered.Data["total"]; !ok {
		t.Error("non-excluded field missing")
	}
	if gotHeaders.Get("Content-Type") != "application/json" {
		t.Errorf("content type = %q", gotHeaders.Get("Content-Type"))
	}
	if gotHeaders.Get("X-Trigger-ID") != env.TriggerID.String() {
		t.Errorf("trigger header = %q", gotHeaders.Get("X-Trigger-ID"))
	}
}

func TestDeliverServerErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, s := newTestPipeline(t)
	ctx := context.Background()

	sub := webhookSubscriber(srv.URL)
	s.PutSubscriber(sub)

	env := NewEnvelope(id.NewTriggerID(), "orders", subscriber.EventCreate, nil)
	j, err := p.Enqueue(ctx, sub, env)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	err = p.Handler()(ctx, j)
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if worker.IsNonRetryable(err) {
		t.Error("server error classified non-retryable")
	}
}

func TestDeliverTimeoutRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, s := newTestPipeline(t, WithDeliveryTimeout(20*time.Millisecond))
	ctx := context.Background()

	sub := webhookSubscriber(srv.URL)
	s.PutSubscriber(sub)

	env := NewEnvelope(id.NewTriggerID(), "orders", subscriber.EventCreate, nil)
	j, err := p.Enqueue(ctx, sub, env)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	start := time.Now()
	err = p.Handler()(ctx, j)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected timeout error")
	}
	if worker.IsNonRetryable(err) {
		t.Error("timeout classified non-retryable")
	}
	if elapsed > 150*time.Millisecond {
		t.Errorf("attempt ran %v, not bounded by the delivery timeout", elapsed)
	}
}

func TestDeliverDisabledSubscriberNonRetryable(t *testing.T) {
	p, s := newTestPipeline(t)
	ctx := context.Background()

	sub := webhookSubscriber("http://example.com/hook")
	env := NewEnvelope(id.NewTriggerID(), "orders", subscriber.EventCreate, nil)
	j, err := p.Enqueue(ctx, sub, env)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Disabled between enqueue and delivery.
	sub.Enabled = false
	s.PutSubscriber(sub)

	err = p.Handler()(ctx, j)
	if !worker.IsNonRetryable(err) {
		t.Fatalf("expected non-retryable, got %v", err)
	}
	if !errors.Is(err, coord.ErrSubscriberOff) {
		t.Errorf("expected ErrSubscriberOff, got %v", err)
	}
}

func TestDeliverInvalidURLNonRetryable(t *testing.T) {
	p, s := newTestPipeline(t)
	ctx := context.Background()

	sub := webhookSubscriber("http://example.com/hook")
	env := NewEnvelope(id.NewTriggerID(), "orders", subscriber.EventCreate, nil)
	j, err := p.Enqueue(ctx, sub, env)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sub.URL = "not a url"
	s.PutSubscriber(sub)

	err = p.Handler()(ctx, j)
	if !worker.IsNonRetryable(err) {
		t.Fatalf("expected non-retryable, got %v", err)
	}
	if !errors.Is(err, coord.ErrInvalidTargetURL) {
		t.Errorf("expected ErrInvalidTargetURL, got %v", err)
	}
}

// ── stats ──

func TestStatsQueueDepth(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		sub := webhookSubscriber("http://example.com/hook")
		env := NewEnvelope(id.NewTriggerID(), "orders", subscriber.EventCreate, nil)
		if _, err := p.Enqueue(ctx, sub, env); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	stats, err := p.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.QueueDepth != 3 {
		t.Errorf("queue depth = %d, want 3", stats.QueueDepth)
	}
}
