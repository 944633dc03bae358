package retry_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zral/coord/id"
	"github.com/zral/coord/retry"
)

// fakeClock returns a fixed instant until advanced.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memCounters is an in-memory CounterStore.
type memCounters struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newMemCounters() *memCounters {
	return &memCounters{counts: make(map[string]int64)}
}

func counterKey(subscriberID id.SubscriberID, windowStart time.Time) string {
	return fmt.Sprintf("%s:%d", subscriberID.String(), windowStart.UnixMilli())
}

func (m *memCounters) IncrWindow(_ context.Context, subscriberID id.SubscriberID, windowStart time.Time, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := counterKey(subscriberID, windowStart)
	m.counts[k]++
	return m.counts[k], nil
}

func (m *memCounters) GetWindow(_ context.Context, subscriberID id.SubscriberID, windowStart time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[counterKey(subscriberID, windowStart)], nil
}

func newTestEngine() (*retry.Engine, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 10, 0, time.UTC)}
	return retry.NewEngine(newMemCounters(), retry.WithClock(clock)), clock
}

func TestAdmit_WithinBudget(t *testing.T) {
	e, _ := newTestEngine()
	sub := id.NewSubscriberID()
	policy := retry.Policy{MaxPerMinute: 3}

	for i := range 3 {
		d, err := e.Admit(context.Background(), sub, policy)
		if err != nil {
			t.Fatalf("Admit #%d: %v", i, err)
		}
		if !d.Admitted {
			t.Fatalf("Admit #%d: expected admitted", i)
		}
	}
}

func TestAdmit_DefersOverBudget(t *testing.T) {
	e, clock := newTestEngine()
	sub := id.NewSubscriberID()
	policy := retry.Policy{MaxPerMinute: 2}

	for range 2 {
		if d, err := e.Admit(context.Background(), sub, policy); err != nil || !d.Admitted {
			t.Fatalf("expected admission, got %+v err=%v", d, err)
		}
	}

	d, err := e.Admit(context.Background(), sub, policy)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if d.Admitted {
		t.Fatal("third attempt in-window should be deferred, not admitted")
	}

	wantResume := clock.Now().Truncate(retry.Window).Add(retry.Window)
	if !d.ResumeAt.Equal(wantResume) {
		t.Errorf("ResumeAt = %v, want next window start %v", d.ResumeAt, wantResume)
	}
}

func TestAdmit_WindowResetsAtBoundary(t *testing.T) {
	e, clock := newTestEngine()
	sub := id.NewSubscriberID()
	policy := retry.Policy{MaxPerMinute: 1}

	if d, _ := e.Admit(context.Background(), sub, policy); !d.Admitted {
		t.Fatal("first attempt should be admitted")
	}
	if d, _ := e.Admit(context.Background(), sub, policy); d.Admitted {
		t.Fatal("second attempt in-window should be deferred")
	}

	clock.Advance(retry.Window)

	d, err := e.Admit(context.Background(), sub, policy)
	if err != nil {
		t.Fatalf("Admit after window: %v", err)
	}
	if !d.Admitted {
		t.Fatal("attempt in the fresh window should be admitted")
	}
}

func TestAdmit_ZeroBudgetDisablesLimiting(t *testing.T) {
	e, _ := newTestEngine()
	sub := id.NewSubscriberID()

	for range 100 {
		d, err := e.Admit(context.Background(), sub, retry.Policy{MaxPerMinute: 0})
		if err != nil || !d.Admitted {
			t.Fatalf("unlimited policy should always admit, got %+v err=%v", d, err)
		}
	}
}

func TestAdmit_IndependentSubscribers(t *testing.T) {
	e, _ := newTestEngine()
	a, b := id.NewSubscriberID(), id.NewSubscriberID()
	policy := retry.Policy{MaxPerMinute: 1}

	if d, _ := e.Admit(context.Background(), a, policy); !d.Admitted {
		t.Fatal("a's first attempt should be admitted")
	}
	if d, _ := e.Admit(context.Background(), a, policy); d.Admitted {
		t.Fatal("a's second attempt should be deferred")
	}
	if d, _ := e.Admit(context.Background(), b, policy); !d.Admitted {
		t.Fatal("b must not be affected by a's window")
	}
}

func TestNextAttempt(t *testing.T) {
	e, _ := newTestEngine()
	policy := retry.Policy{MaxRetries: 1, BaseDelay: 100 * time.Millisecond, MaxDelay: 200 * time.Millisecond}

	delay, dead := e.NextAttempt(0, policy)
	if dead {
		t.Fatal("attempt 0 with MaxRetries=1 should retry")
	}
	if delay != 100*time.Millisecond {
		t.Errorf("delay = %v, want 100ms", delay)
	}

	_, dead = e.NextAttempt(1, policy)
	if !dead {
		t.Fatal("attempt 1 with MaxRetries=1 should be dead")
	}
}
