package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zral/coord"
	"github.com/zral/coord/election"
	"github.com/zral/coord/id"
)

// ── test doubles ──

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
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubLeader struct {
	mu     sync.Mutex
	leader bool
}

func (l *stubLeader) Status() election.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := election.Follower
	if l.leader {
		state = election.Leader
	}
	return election.Status{State: state, IsLeader: l.leader}
}

func (l *stubLeader) set(leader bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leader = leader
}

type memStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]*Entry)}
}

func (s *memStore) CreateEntry(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.Name]; ok {
		return coord.ErrDuplicateSchedule
	}
	cp := *entry
	s.entries[entry.Name] = &cp
	return nil
}

func (s *memStore) GetEntry(_ context.Context, name string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[name]
	if !ok {
		return nil, coord.ErrScheduleNotFound
	}
	cp := *entry
	return &cp, nil
}

func (s *memStore) ListEntries(_ context.Context) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		cp := *entry
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) UpdateEntry(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.Name]; !ok {
		return coord.ErrScheduleNotFound
	}
	cp := *entry
	s.entries[entry.Name] = &cp
	return nil
}

func (s *memStore) DeleteEntry(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; !ok {
		return coord.ErrScheduleNotFound
	}
	delete(s.entries, name)
	return nil
}

type enqueueSpy struct {
	mu      sync.Mutex
	entries []*Entry
	err     error
}

func (e *enqueueSpy) fn(_ context.Context, entry *Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.entries = append(e.entries, entry)
	return nil
}

func (e *enqueueSpy) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

func newTestScheduler(t *testing.T) (*Scheduler, *memStore, *stubLeader, *enqueueSpy, *fakeClock) {
	t.Helper()
	store := newMemStore()
	leader := &stubLeader{leader: true}
	spy := &enqueueSpy{}
	clock := &fakeClock{now: time.Date(2025, 5, 1, 12, 0, 30, 0, time.UTC)}
	sched := New(store, leader, spy.fn, WithClock(clock))
	return sched, store, leader, spy, clock
}

// ── registration ──

func TestScheduleInvalidExpression(t *testing.T) {
	sched, _, _, _, _ := newTestScheduler(t)

	_, err := sched.Schedule(context.Background(), "bad", "not a cron", id.NewSubscriberID(), nil)
	if !errors.Is(err, coord.ErrInvalidCronExpr) {
		t.Fatalf("expected ErrInvalidCronExpr, got %v", err)
	}
}

func TestScheduleComputesNextExecution(t *testing.T) {
	sched, _, _, _, clock := newTestScheduler(t)

	entry, err := sched.Schedule(context.Background(), "minutely", "* * * * *", id.NewSubscriberID(), nil)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if entry.NextExecutionAt == nil {
		t.Fatal("expected next execution to be set")
	}
	want := clock.Now().Truncate(time.Minute).Add(time.Minute)
	if !entry.NextExecutionAt.Equal(want) {
		t.Errorf("next execution = %v, want %v", entry.NextExecutionAt, want)
	}
	if !entry.IsRunning {
		t.Error("expected new entry to be running")
	}
}

func TestScheduleDuplicateName(t *testing.T) {
	sched, _, _, _, _ := newTestScheduler(t)
	ctx := context.Background()

	if _, err := sched.Schedule(ctx, "dup", "@hourly", id.NewSubscriberID(), nil); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	_, err := sched.Schedule(ctx, "dup", "@hourly", id.NewSubscriberID(), nil)
	if !errors.Is(err, coord.ErrDuplicateSchedule) {
		t.Fatalf("expected ErrDuplicateSchedule, got %v", err)
	}
}

func TestUnschedule(t *testing.T) {
	sched, _, _, _, _ := newTestScheduler(t)
	ctx := context.Background()

	if _, err := sched.Schedule(ctx, "gone", "@daily", id.NewSubscriberID(), nil); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := sched.Unschedule(ctx, "gone"); err != nil {
		t.Fatalf("unschedule: %v", err)
	}
	if _, err := sched.Get(ctx, "gone"); !errors.Is(err, coord.ErrScheduleNotFound) {
		t.Fatalf("expected ErrScheduleNotFound, got %v", err)
	}
}

// ── tick loop ──

func TestTickFiresDueEntry(t *testing.T) {
	sched, store, _, spy, clock := newTestScheduler(t)
	ctx := context.Background()

	if _, err := sched.Schedule(ctx, "job", "* * * * *", id.NewSubscriberID(), []byte(`{"k":"v"}`)); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	sched.tick(ctx)
	if spy.count() != 0 {
		t.Fatalf("entry fired before due; fires = %d", spy.count())
	}

	clock.Advance(time.Minute)
	sched.tick(ctx)
	if spy.count() != 1 {
		t.Fatalf("fires = %d, want 1", spy.count())
	}

	entry, err := store.GetEntry(ctx, "job")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.ExecutionCount != 1 {
		t.Errorf("execution count = %d, want 1", entry.ExecutionCount)
	}
	if entry.NextExecutionAt == nil || !entry.NextExecutionAt.After(clock.Now()) {
		t.Errorf("next execution not advanced: %v", entry.NextExecutionAt)
	}

	// The same minute must not fire twice.
	sched.tick(ctx)
	if spy.count() != 1 {
		t.Errorf("fires = %d after repeat tick, want 1", spy.count())
	}
}

func TestTickSkipsWhenNotLeader(t *testing.T) {
	sched, _, leader, spy, clock := newTestScheduler(t)
	ctx := context.Background()

	if _, err := sched.Schedule(ctx, "job", "* * * * *", id.NewSubscriberID(), nil); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	leader.set(false)
	clock.Advance(2 * time.Minute)
	sched.tick(ctx)
	if spy.count() != 0 {
		t.Fatalf("follower fired %d entries, want 0", spy.count())
	}

	leader.set(true)
	sched.tick(ctx)
	if spy.count() != 1 {
		t.Fatalf("fires after regaining leadership = %d, want 1", spy.count())
	}
}

func TestTickSkipsPausedEntries(t *testing.T) {
	sched, _, _, spy, clock := newTestScheduler(t)
	ctx := context.Background()

	if _, err := sched.Schedule(ctx, "job", "* * * * *", id.NewSubscriberID(), nil); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := sched.Pause(ctx, "job"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	clock.Advance(2 * time.Minute)
	sched.tick(ctx)
	if spy.count() != 0 {
		t.Fatalf("paused entry fired %d times, want 0", spy.count())
	}

	if err := sched.Resume(ctx, "job"); err != nil {
		t.Fatalf("resume: %v", err)
	}

	// Resume recomputes from now; the backlog is not replayed.
	sched.tick(ctx)
	if spy.count() != 0 {
		t.Fatalf("resume replayed backlog; fires = %d", spy.count())
	}

	clock.Advance(time.Minute)
	sched.tick(ctx)
	if spy.count() != 1 {
		t.Fatalf("fires after resume = %d, want 1", spy.count())
	}
}

func TestTriggerFiresImmediately(t *testing.T) {
	sched, store, _, spy, _ := newTestScheduler(t)
	ctx := context.Background()

	if _, err := sched.Schedule(ctx, "job", "@daily", id.NewSubscriberID(), nil); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if err := sched.Trigger(ctx, "job"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if spy.count() != 1 {
		t.Fatalf("fires = %d, want 1", spy.count())
	}

	entry, err := store.GetEntry(ctx, "job")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.ExecutionCount != 1 {
		t.Errorf("execution count = %d, want 1", entry.ExecutionCount)
	}
	if entry.LastExecutionAt == nil {
		t.Error("expected last execution to be set")
	}
}

func TestTickMissesFireOnEnqueueFailure(t *testing.T) {
	sched, store, _, spy, clock := newTestScheduler(t)
	ctx := context.Background()

	if _, err := sched.Schedule(ctx, "job", "* * * * *", id.NewSubscriberID(), nil); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	spy.err = errors.New("queue full")
	clock.Advance(time.Minute)
	sched.tick(ctx)
	if spy.count() != 0 {
		t.Fatalf("fires = %d with a failing queue, want 0", spy.count())
	}

	// The entry was claimed before the enqueue failed: the fire is missed,
	// never retried into a duplicate.
	entry, err := store.GetEntry(ctx, "job")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.NextExecutionAt == nil || !entry.NextExecutionAt.After(clock.Now()) {
		t.Errorf("entry still due after claim: %v", entry.NextExecutionAt)
	}

	spy.err = nil
	sched.tick(ctx)
	if spy.count() != 0 {
		t.Fatalf("missed fire replayed; fires = %d, want 0", spy.count())
	}
}

// flakyStore fails a set number of updates before behaving.
type flakyStore struct {
	*memStore
	failMu      sync.Mutex
	failUpdates int
}

func (s *flakyStore) UpdateEntry(ctx context.Context, entry *Entry) error {
	s.failMu.Lock()
	if s.failUpdates > 0 {
		s.failUpdates--
		s.failMu.Unlock()
		return errors.New("write timeout")
	}
	s.failMu.Unlock()
	return s.memStore.UpdateEntry(ctx, entry)
}

func TestTransientUpdateFailureFiresAtMostOnce(t *testing.T) {
	store := &flakyStore{memStore: newMemStore()}
	leader := &stubLeader{leader: true}
	spy := &enqueueSpy{}
	clock := &fakeClock{now: time.Date(2025, 5, 1, 12, 0, 30, 0, time.UTC)}
	sched := New(store, leader, spy.fn, WithClock(clock))
	ctx := context.Background()

	if _, err := sched.Schedule(ctx, "job", "* * * * *", id.NewSubscriberID(), nil); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// One failed claim must not produce a fire, and the retried claim on
	// the next tick fires the same scheduled minute exactly once.
	store.failMu.Lock()
	store.failUpdates = 1
	store.failMu.Unlock()

	clock.Advance(time.Minute)
	sched.tick(ctx)
	if spy.count() != 0 {
		t.Fatalf("fires = %d with a failed claim, want 0", spy.count())
	}

	sched.tick(ctx)
	sched.tick(ctx)
	if spy.count() != 1 {
		t.Fatalf("executions for one scheduled tick = %d, want 1 (at-most-once)", spy.count())
	}

	entry, err := store.GetEntry(ctx, "job")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.ExecutionCount != 1 {
		t.Errorf("execution count = %d, want 1", entry.ExecutionCount)
	}
}
