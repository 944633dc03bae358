package election

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zral/coord"
	"github.com/zral/coord/lock"
)

// memLocks is a minimal in-memory lock.Store for driving electors
// deterministically via tick.
type memLocks struct {
	mu      sync.Mutex
	locks   map[string]*lock.Lock
	fencing int64
}

func newMemLocks() *memLocks {
	return &memLocks{locks: make(map[string]*lock.Lock)}
}

func (m *memLocks) Acquire(_ context.Context, key, ownerID string, ttl time.Duration) (*lock.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if l, ok := m.locks[key]; ok && !l.Expired(now) {
		if l.OwnerID != ownerID {
			return nil, coord.ErrLockHeld
		}
		l.ExpiresAt = now.Add(ttl)
		cp := *l
		return &cp, nil
	}
	m.fencing++
	l := &lock.Lock{Key: key, OwnerID: ownerID, FencingToken: m.fencing, AcquiredAt: now, ExpiresAt: now.Add(ttl), TTL: ttl}
	m.locks[key] = l
	cp := *l
	return &cp, nil
}

func (m *memLocks) Renew(_ context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	now := time.Now().UTC()
	if !ok || l.Expired(now) || l.OwnerID != ownerID {
		return false, nil
	}
	l.ExpiresAt = now.Add(ttl)
	return true, nil
}

func (m *memLocks) Release(_ context.Context, key, ownerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok || l.OwnerID != ownerID {
		return false, nil
	}
	delete(m.locks, key)
	return true, nil
}

func (m *memLocks) Get(_ context.Context, key string) (*lock.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok || l.Expired(time.Now().UTC()) {
		return nil, coord.ErrLockNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *memLocks) List(_ context.Context) ([]*lock.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	out := make([]*lock.Lock, 0, len(m.locks))
	for _, l := range m.locks {
		if l.Expired(now) {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memLocks) DeleteExpired(_ context.Context) (int64, error) { return 0, nil }
func (m *memLocks) Ping(_ context.Context) error                   { return nil }

func newPair(t *testing.T) (*Elector, *Elector, *memLocks) {
	t.Helper()
	store := newMemLocks()
	svc := lock.NewService(store)
	a := New("cron", "inst-a", svc, WithLeaseTTL(time.Minute))
	b := New("cron", "inst-b", svc, WithLeaseTTL(time.Minute))
	return a, b, store
}

func TestExactlyOneWinner(t *testing.T) {
	a, b, _ := newPair(t)
	ctx := context.Background()

	a.tick(ctx)
	b.tick(ctx)

	aLeads := a.Status().IsLeader
	bLeads := b.Status().IsLeader
	if aLeads == bLeads {
		t.Fatalf("a leads = %v, b leads = %v, want exactly one", aLeads, bLeads)
	}
	if !aLeads {
		t.Fatal("first racer lost to a later one")
	}
	if b.Status().State != Follower {
		t.Errorf("loser state = %s, want follower", b.Status().State)
	}
}

func TestResignThenForceElection(t *testing.T) {
	a, b, _ := newPair(t)
	ctx := context.Background()

	a.tick(ctx)
	b.tick(ctx)

	if err := a.Resign(ctx); err != nil {
		t.Fatalf("resign: %v", err)
	}
	if a.Status().IsLeader {
		t.Fatal("still leader after resign")
	}

	won, err := b.ForceElection(ctx)
	if err != nil {
		t.Fatalf("force election: %v", err)
	}
	if !won || !b.Status().IsLeader {
		t.Fatal("loser did not win the forced election")
	}
}

func TestForceElectionUnseatsLiveLeader(t *testing.T) {
	a, b, _ := newPair(t)
	ctx := context.Background()

	a.tick(ctx)
	b.tick(ctx)
	firstTerm := a.Status().Term

	won, err := b.ForceElection(ctx)
	if err != nil {
		t.Fatalf("force election: %v", err)
	}
	if !won {
		t.Fatal("force election did not win")
	}
	if b.Status().Term <= firstTerm {
		t.Errorf("new term %d not above %d", b.Status().Term, firstTerm)
	}

	// The deposed leader discovers the loss on its next renewal tick.
	a.tick(ctx)
	if a.Status().IsLeader {
		t.Error("deposed leader still believes it leads")
	}
}

func TestRenewalKeepsLeadership(t *testing.T) {
	a, _, _ := newPair(t)
	ctx := context.Background()

	a.tick(ctx)
	term := a.Status().Term
	for i := 0; i < 5; i++ {
		a.tick(ctx)
	}
	st := a.Status()
	if !st.IsLeader {
		t.Fatal("lost leadership across renewals")
	}
	if st.Term != term {
		t.Errorf("term changed across renewals: %d -> %d", term, st.Term)
	}
}

func TestFailedRenewalDemotes(t *testing.T) {
	a, b, store := newPair(t)
	ctx := context.Background()

	a.tick(ctx)

	// Simulate lease loss: the row vanishes (TTL expiry compressed to a
	// delete) and the peer grabs it.
	store.mu.Lock()
	delete(store.locks, "leader:cron")
	store.mu.Unlock()
	b.tick(ctx)

	a.tick(ctx)
	if a.Status().IsLeader {
		t.Fatal("renewal against a lost lease kept leadership")
	}
	if !b.Status().IsLeader {
		t.Fatal("peer did not take over")
	}
	if b.Status().Term <= 0 {
		t.Errorf("term = %d", b.Status().Term)
	}
}

func TestDemotionZeroesTerm(t *testing.T) {
	a, _, store := newPair(t)
	ctx := context.Background()

	a.tick(ctx)
	if a.Status().Term == 0 {
		t.Fatal("leader has no term")
	}

	store.mu.Lock()
	delete(store.locks, "leader:cron")
	store.mu.Unlock()
	a.tick(ctx)

	st := a.Status()
	if st.IsLeader {
		t.Fatal("renewal against a lost lease kept leadership")
	}
	if st.Term != 0 {
		t.Errorf("demoted term = %d, want 0", st.Term)
	}
}

func TestTransitionFuncFiresOnPromoteAndDemote(t *testing.T) {
	store := newMemLocks()
	svc := lock.NewService(store)
	var transitions []State
	a := New("cron", "inst-a", svc,
		WithLeaseTTL(time.Minute),
		WithTransitionFunc(func(s State) { transitions = append(transitions, s) }),
	)
	ctx := context.Background()

	a.tick(ctx)
	a.tick(ctx) // renewal, no transition
	store.mu.Lock()
	delete(store.locks, "leader:cron")
	store.mu.Unlock()
	a.tick(ctx)
	a.tick(ctx) // re-acquires

	want := []State{Leader, Follower, Leader}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestCurrentLeader(t *testing.T) {
	a, b, _ := newPair(t)
	ctx := context.Background()

	leader, err := a.CurrentLeader(ctx)
	if err != nil {
		t.Fatalf("current leader: %v", err)
	}
	if leader != "" {
		t.Errorf("leader = %q before any election", leader)
	}

	a.tick(ctx)
	for _, e := range []*Elector{a, b} {
		leader, err := e.CurrentLeader(ctx)
		if err != nil {
			t.Fatalf("current leader: %v", err)
		}
		if leader != "inst-a" {
			t.Errorf("leader = %q, want inst-a", leader)
		}
	}
}

func TestStartStopLifecycle(t *testing.T) {
	store := newMemLocks()
	svc := lock.NewService(store)
	e := New("cron", "inst-a", svc, WithLeaseTTL(90*time.Millisecond))
	ctx := context.Background()

	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !e.Status().IsLeader && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !e.Status().IsLeader {
		t.Fatal("never became leader")
	}

	if err := e.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if e.Status().IsLeader {
		t.Error("still leader after stop")
	}
	if leader, _ := e.CurrentLeader(ctx); leader != "" {
		t.Errorf("lease still held after stop: %q", leader)
	}
}
