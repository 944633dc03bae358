package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zral/coord"
	"github.com/zral/coord/election"
	"github.com/zral/coord/id"
	"github.com/zral/coord/retry"
)

// cronParser accepts standard 5-field expressions plus descriptors such
// as "@hourly" and "@every 30s".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse validates and compiles a cron expression. Invalid expressions
// return coord.ErrInvalidCronExpr.
func Parse(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Join(coord.ErrInvalidCronExpr, err)
	}
	return sched, nil
}

// Leadership reports this instance's standing in the scheduler election.
// The tick loop consults it before every fire.
type Leadership interface {
	Status() election.Status
}

// EnqueueFunc hands a due entry to the execution pipeline. The scheduler
// never runs scripts itself; it only decides when they are due.
type EnqueueFunc func(ctx context.Context, entry *Entry) error

// Scheduler owns the cron tick loop. All instances may register and
// inspect entries, but only the elected leader fires them.
type Scheduler struct {
	store   Store
	leader  Leadership
	enqueue EnqueueFunc

	tickInterval time.Duration
	clock        retry.Clock
	logger       *slog.Logger

	parseMu sync.Mutex
	parsed  map[string]cron.Schedule

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger for the scheduler.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithTickInterval sets how often due entries are evaluated.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithClock overrides the wall clock.
func WithClock(c retry.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// New creates a Scheduler backed by the given store and leadership.
func New(store Store, leader Leadership, enqueue EnqueueFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		leader:       leader,
		enqueue:      enqueue,
		tickInterval: time.Second,
		clock:        retry.SystemClock{},
		logger:       slog.Default(),
		parsed:       make(map[string]cron.Schedule),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ── registration ──

// Schedule registers a new named entry. The expression is validated
// synchronously; the entry starts running with its first fire computed
// from now.
func (s *Scheduler) Schedule(ctx context.Context, name, cronExpr string, subscriberID id.SubscriberID, payload []byte) (*Entry, error) {
	sched, err := s.parse(cronExpr)
	if err != nil {
		return nil, err
	}

	next := sched.Next(s.clock.Now())
	entry := &Entry{
		Entity:          coord.NewEntity(),
		ID:              id.NewScheduleID(),
		Name:            name,
		CronExpr:        cronExpr,
		SubscriberID:    subscriberID,
		Payload:         payload,
		IsRunning:       true,
		NextExecutionAt: &next,
	}
	if err := s.store.CreateEntry(ctx, entry); err != nil {
		return nil, err
	}

	s.logger.Info("schedule registered",
		slog.String("name", name),
		slog.String("cron_expr", cronExpr),
		slog.Time("next_execution_at", next))
	return entry, nil
}

// Unschedule removes a named entry.
func (s *Scheduler) Unschedule(ctx context.Context, name string) error {
	if err := s.store.DeleteEntry(ctx, name); err != nil {
		return err
	}
	s.logger.Info("schedule removed", slog.String("name", name))
	return nil
}

// Pause stops a named entry from firing without removing it.
func (s *Scheduler) Pause(ctx context.Context, name string) error {
	return s.setRunning(ctx, name, false)
}

// Resume restarts a paused entry. The next fire is recomputed from now,
// so missed fires while paused are not replayed.
func (s *Scheduler) Resume(ctx context.Context, name string) error {
	return s.setRunning(ctx, name, true)
}

func (s *Scheduler) setRunning(ctx context.Context, name string, running bool) error {
	entry, err := s.store.GetEntry(ctx, name)
	if err != nil {
		return err
	}
	entry.IsRunning = running
	if running {
		sched, err := s.parse(entry.CronExpr)
		if err != nil {
			return err
		}
		next := sched.Next(s.clock.Now())
		entry.NextExecutionAt = &next
	}
	entry.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateEntry(ctx, entry); err != nil {
		return err
	}
	s.logger.Info("schedule state changed",
		slog.String("name", name),
		slog.Bool("running", running))
	return nil
}

// Trigger fires a named entry immediately, regardless of its cron
// position or paused state. The regular schedule is unaffected.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	entry, err := s.store.GetEntry(ctx, name)
	if err != nil {
		return err
	}
	if err := s.enqueue(ctx, entry); err != nil {
		return err
	}
	now := s.clock.Now()
	entry.LastExecutionAt = &now
	entry.ExecutionCount++
	entry.UpdatedAt = now
	return s.store.UpdateEntry(ctx, entry)
}

// Get returns a named entry.
func (s *Scheduler) Get(ctx context.Context, name string) (*Entry, error) {
	return s.store.GetEntry(ctx, name)
}

// List returns all entries.
func (s *Scheduler) List(ctx context.Context) ([]*Entry, error) {
	return s.store.ListEntries(ctx)
}

// ── tick loop ──

// Start launches the background tick loop.
func (s *Scheduler) Start(_ context.Context) error {
	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info("scheduler started",
		slog.Duration("tick_interval", s.tickInterval))
	return nil
}

// Stop terminates the tick loop and waits for in-flight ticks.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopped.Do(func() { close(s.stopCh) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(context.Background())
		}
	}
}

// tick fires every due entry. Leadership is checked once up front and
// again before each individual fire, so an entry is never fired by an
// instance that lost the lease mid-tick.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.leader.Status().IsLeader {
		return
	}

	entries, err := s.store.ListEntries(ctx)
	if err != nil {
		s.logger.Error("schedule tick: list entries failed",
			slog.String("error", err.Error()))
		return
	}

	now := s.clock.Now()
	for _, entry := range entries {
		if !entry.Due(now) {
			continue
		}
		if !s.leader.Status().IsLeader {
			return
		}
		s.fire(ctx, entry, now)
	}
}

// fire claims the due entry by persisting its advanced position, then
// enqueues. The order matters: a failed claim means nothing was enqueued
// and the entry retries whole next tick, while a failed enqueue after the
// claim means the fire is missed. Each scheduled fire mints a fresh
// trigger, so no dedup lock downstream could catch the same minute
// enqueued twice; a fire may be skipped but never duplicated.
func (s *Scheduler) fire(ctx context.Context, entry *Entry, now time.Time) {
	sched, err := s.parse(entry.CronExpr)
	if err != nil {
		// Stored expressions were validated at Schedule time; a parse
		// failure here means the row was edited out of band.
		s.logger.Error("schedule fire: stored expression invalid",
			slog.String("name", entry.Name),
			slog.String("error", err.Error()))
		return
	}

	next := sched.Next(now)
	entry.LastExecutionAt = &now
	entry.NextExecutionAt = &next
	entry.ExecutionCount++
	entry.UpdatedAt = now
	if err := s.store.UpdateEntry(ctx, entry); err != nil {
		s.logger.Error("schedule fire: claim failed",
			slog.String("name", entry.Name),
			slog.String("error", err.Error()))
		return
	}

	if err := s.enqueue(ctx, entry); err != nil {
		s.logger.Error("schedule fire: enqueue failed, fire missed",
			slog.String("name", entry.Name),
			slog.String("error", err.Error()))
		return
	}

	s.logger.Debug("schedule fired",
		slog.String("name", entry.Name),
		slog.Time("next_execution_at", next))
}

// parse compiles an expression through a per-scheduler cache. Entries
// re-parse on every fire otherwise; the cache keeps that constant-time.
func (s *Scheduler) parse(expr string) (cron.Schedule, error) {
	s.parseMu.Lock()
	defer s.parseMu.Unlock()

	if sched, ok := s.parsed[expr]; ok {
		return sched, nil
	}
	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	s.parsed[expr] = sched
	return sched, nil
}
