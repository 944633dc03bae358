// Package memory provides a fully in-memory store.Store. Safe for
// concurrent access. Intended for unit testing and development; nothing
// survives a restart.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/zral/coord"
	"github.com/zral/coord/dlq"
	"github.com/zral/coord/id"
	"github.com/zral/coord/job"
	"github.com/zral/coord/lock"
	"github.com/zral/coord/schedule"
	"github.com/zral/coord/store"
	"github.com/zral/coord/subscriber"
)

var _ store.Store = (*Store)(nil)

type windowCounter struct {
	count     int64
	expiresAt time.Time
}

// Store is an in-memory implementation of both substrates.
type Store struct {
	mu sync.RWMutex

	locks   map[string]*lock.Lock
	fencing int64 // monotonic token counter, shared across keys

	windows map[string]*windowCounter // key: "subscriberID:windowStart"

	jobs      map[string]*job.Job
	subs      map[string]*subscriber.Subscriber
	schedules map[string]*schedule.Entry // key: entry name
	dlqs      map[string]*dlq.Entry
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		locks:     make(map[string]*lock.Lock),
		windows:   make(map[string]*windowCounter),
		jobs:      make(map[string]*job.Job),
		subs:      make(map[string]*subscriber.Subscriber),
		schedules: make(map[string]*schedule.Entry),
		dlqs:      make(map[string]*dlq.Entry),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Lock Store
// ──────────────────────────────────────────────────

// Acquire creates the lease if no live lease exists for key. The whole
// check-and-create runs under one mutex hold, which is what makes it
// atomic here; real backends use SET NX.
func (m *Store) Acquire(_ context.Context, key, ownerID string, ttl time.Duration) (*lock.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if l, ok := m.locks[key]; ok && !l.Expired(now) {
		if l.OwnerID != ownerID {
			return nil, coord.ErrLockHeld
		}
		// Re-acquisition by the holder extends the lease; the fencing
		// token does not advance because the term never changed hands.
		l.ExpiresAt = now.Add(ttl)
		l.TTL = ttl
		cp := *l
		return &cp, nil
	}

	m.fencing++
	l := &lock.Lock{
		Key:          key,
		OwnerID:      ownerID,
		FencingToken: m.fencing,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(ttl),
		TTL:          ttl,
	}
	m.locks[key] = l
	cp := *l
	return &cp, nil
}

// Renew extends the lease iff ownerID currently holds it.
func (m *Store) Renew(_ context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	l, ok := m.locks[key]
	if !ok || l.Expired(now) || l.OwnerID != ownerID {
		return false, nil
	}
	l.ExpiresAt = now.Add(ttl)
	l.TTL = ttl
	return true, nil
}

// Release deletes the lease iff ownerID holds it.
func (m *Store) Release(_ context.Context, key, ownerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok || l.OwnerID != ownerID {
		return false, nil
	}
	delete(m.locks, key)
	return true, nil
}

// Get returns the live lease for key.
func (m *Store) Get(_ context.Context, key string) (*lock.Lock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.locks[key]
	if !ok || l.Expired(time.Now().UTC()) {
		return nil, coord.ErrLockNotFound
	}
	cp := *l
	return &cp, nil
}

// List returns all live leases.
func (m *Store) List(_ context.Context) ([]*lock.Lock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UTC()
	result := make([]*lock.Lock, 0, len(m.locks))
	for _, l := range m.locks {
		if l.Expired(now) {
			continue
		}
		cp := *l
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool { return result[i].Key < result[k].Key })
	return result, nil
}

// DeleteExpired removes leases whose TTL elapsed without release.
func (m *Store) DeleteExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var swept int64
	for key, l := range m.locks {
		if l.Expired(now) {
			delete(m.locks, key)
			swept++
		}
	}
	return swept, nil
}

// ──────────────────────────────────────────────────
// Counter Store (rate-limit windows)
// ──────────────────────────────────────────────────

func windowKey(subscriberID id.SubscriberID, windowStart time.Time) string {
	return subscriberID.String() + ":" + strconv.FormatInt(windowStart.Unix(), 10)
}

// IncrWindow atomically increments the subscriber's window counter.
func (m *Store) IncrWindow(_ context.Context, subscriberID id.SubscriberID, windowStart time.Time, expiry time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	key := windowKey(subscriberID, windowStart)
	w, ok := m.windows[key]
	if !ok || now.After(w.expiresAt) {
		w = &windowCounter{expiresAt: now.Add(expiry)}
		m.windows[key] = w
	}
	w.count++
	return w.count, nil
}

// GetWindow returns the current count for the window.
func (m *Store) GetWindow(_ context.Context, subscriberID id.SubscriberID, windowStart time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.windows[windowKey(subscriberID, windowStart)]
	if !ok || time.Now().UTC().After(w.expiresAt) {
		return 0, nil
	}
	return w.count, nil
}

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// EnqueueJob persists a new job in pending state.
func (m *Store) EnqueueJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return coord.ErrJobAlreadyExists
	}
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// DequeueJobs atomically claims up to limit due jobs from the given
// queues, sets them active, and returns them.
func (m *Store) DequeueJobs(_ context.Context, queues []string, limit int) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queueSet := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		queueSet[q] = struct{}{}
	}

	now := time.Now().UTC()

	candidates := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.State != job.StatePending && j.State != job.StateRetrying {
			continue
		}
		if j.NextAttemptAt.After(now) {
			continue
		}
		if len(queueSet) > 0 {
			if _, ok := queueSet[j.Queue]; !ok {
				continue
			}
		}
		candidates = append(candidates, j)
	}

	// Oldest due first.
	sort.Slice(candidates, func(i, k int) bool {
		return candidates[i].NextAttemptAt.Before(candidates[k].NextAttemptAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*job.Job, len(candidates))
	for i, j := range candidates {
		j.State = job.StateActive
		n := now
		j.StartedAt = &n
		// Return a copy so callers can mutate without racing with the store.
		cp := *j
		result[i] = &cp
	}

	return result, nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.ID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, coord.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// UpdateJob persists changes to an existing job.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return coord.ErrJobNotFound
	}
	cp := *j
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = &cp
	return nil
}

// ListJobsByState returns jobs matching the given state.
func (m *Store) ListJobsByState(_ context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.State != state {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return []*job.Job{}, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// CountJobs returns the number of jobs matching the given options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, j := range m.jobs {
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		n++
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Subscriber Store
// ──────────────────────────────────────────────────

// PutSubscriber inserts or replaces a subscriber row. Test and
// development helper; production subscriber rows are owned by the
// external configuration store.
func (m *Store) PutSubscriber(s *subscriber.Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.subs[s.ID.String()] = &cp
}

// DeleteSubscriber removes a subscriber row.
func (m *Store) DeleteSubscriber(subscriberID id.SubscriberID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, subscriberID.String())
}

// GetSubscriber retrieves one subscriber by ID.
func (m *Store) GetSubscriber(_ context.Context, subscriberID id.SubscriberID) (*subscriber.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subs[subscriberID.String()]
	if !ok {
		return nil, coord.ErrSubscriberNotFound
	}
	cp := *s
	return &cp, nil
}

// ListSubscribers returns all subscribers of the given kind.
func (m *Store) ListSubscribers(_ context.Context, kind subscriber.Kind) ([]*subscriber.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*subscriber.Subscriber, 0, len(m.subs))
	for _, s := range m.subs {
		if kind != "" && s.Kind != kind {
			continue
		}
		cp := *s
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].ID.String() < result[k].ID.String()
	})
	return result, nil
}

// ──────────────────────────────────────────────────
// Schedule Store
// ──────────────────────────────────────────────────

// CreateEntry persists a new scheduled entry.
func (m *Store) CreateEntry(_ context.Context, entry *schedule.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.schedules[entry.Name]; exists {
		return coord.ErrDuplicateSchedule
	}
	cp := *entry
	m.schedules[entry.Name] = &cp
	return nil
}

// GetEntry retrieves an entry by name.
func (m *Store) GetEntry(_ context.Context, name string) (*schedule.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.schedules[name]
	if !ok {
		return nil, coord.ErrScheduleNotFound
	}
	cp := *entry
	return &cp, nil
}

// ListEntries returns all scheduled entries.
func (m *Store) ListEntries(_ context.Context) ([]*schedule.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*schedule.Entry, 0, len(m.schedules))
	for _, entry := range m.schedules {
		cp := *entry
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool { return result[i].Name < result[k].Name })
	return result, nil
}

// UpdateEntry persists changes to an existing entry.
func (m *Store) UpdateEntry(_ context.Context, entry *schedule.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[entry.Name]; !ok {
		return coord.ErrScheduleNotFound
	}
	cp := *entry
	cp.UpdatedAt = time.Now().UTC()
	m.schedules[entry.Name] = &cp
	return nil
}

// DeleteEntry removes an entry by name.
func (m *Store) DeleteEntry(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[name]; !ok {
		return coord.ErrScheduleNotFound
	}
	delete(m.schedules, name)
	return nil
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

// PushDLQ adds a dead job entry to the dead letter queue.
func (m *Store) PushDLQ(_ context.Context, entry *dlq.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.dlqs[entry.ID.String()] = &cp
	return nil
}

// ListDLQ returns DLQ entries matching the given options.
func (m *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*dlq.Entry, 0, len(m.dlqs))
	for _, entry := range m.dlqs {
		if opts.Queue != "" && entry.Queue != opts.Queue {
			continue
		}
		cp := *entry
		result = append(result, &cp)
	}

	// Most recently failed first.
	sort.Slice(result, func(i, k int) bool {
		return result[i].FailedAt.After(result[k].FailedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return []*dlq.Entry{}, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (m *Store) GetDLQ(_ context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.dlqs[entryID.String()]
	if !ok {
		return nil, coord.ErrDLQNotFound
	}
	cp := *entry
	return &cp, nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (m *Store) ReplayDLQ(_ context.Context, entryID id.DLQID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.dlqs[entryID.String()]
	if !ok {
		return coord.ErrDLQNotFound
	}
	now := time.Now().UTC()
	entry.ReplayedAt = &now
	return nil
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
func (m *Store) PurgeDLQ(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, entry := range m.dlqs {
		if entry.FailedAt.Before(before) {
			delete(m.dlqs, key)
			removed++
		}
	}
	return removed, nil
}

// CountDLQ returns the number of dead letters.
func (m *Store) CountDLQ(_ context.Context, queue string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, entry := range m.dlqs {
		if queue != "" && entry.Queue != queue {
			continue
		}
		n++
	}
	return n, nil
}
