// Package election provides single-leader-per-role coordination built
// entirely from repeated lock acquisition. Becoming leader is a successful
// lease acquire on the role key; staying leader is periodic renewal at a
// third of the lease TTL; losing leadership is a failed renewal, an
// explicit resignation, or an administrative forced election.
package election

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zral/coord"
	"github.com/zral/coord/lock"
)

// State is the elector's position in the per-role state machine.
type State string

const (
	// Follower means another instance leads, or no election has run yet.
	Follower State = "follower"
	// Candidate means an acquisition attempt is in flight.
	Candidate State = "candidate"
	// Leader means this instance holds the role lease.
	Leader State = "leader"
)

// Status is a purely local snapshot reflecting the last successful renew.
// It is a cache of shared state, revalidated on every renewal tick; never
// trust it across ticks.
type Status struct {
	State    State `json:"state"`
	IsLeader bool  `json:"is_leader"`
	// Term is the fencing token of the current lease. It strictly
	// increases each time leadership changes hands.
	Term int64 `json:"term"`
}

// Elector runs the leadership loop for one role.
type Elector struct {
	role   string
	selfID string
	ttl    time.Duration
	locks  *lock.Service
	logger *slog.Logger

	onTransition func(State)

	mu    sync.RWMutex
	state State
	term  int64

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// Option configures an Elector.
type Option func(*Elector)

// WithLogger sets the logger for the elector.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Elector) { e.logger = logger }
}

// WithLeaseTTL sets the leadership lease duration.
func WithLeaseTTL(d time.Duration) Option {
	return func(e *Elector) { e.ttl = d }
}

// WithTransitionFunc registers a callback invoked whenever this instance
// gains or loses leadership. It runs on the elector's loop goroutine and
// must not block.
func WithTransitionFunc(fn func(State)) Option {
	return func(e *Elector) { e.onTransition = fn }
}

// New creates an Elector for the given role and instance identity.
func New(role, selfID string, locks *lock.Service, opts ...Option) *Elector {
	e := &Elector{
		role:   role,
		selfID: selfID,
		ttl:    15 * time.Second,
		locks:  locks,
		logger: slog.Default(),
		state:  Follower,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// roleKey is the lease key all instances race for this role.
func (e *Elector) roleKey() string { return "leader:" + e.role }

// Start launches the leadership loop. It returns immediately.
func (e *Elector) Start(_ context.Context) error {
	e.wg.Add(1)
	go e.leaderLoop()
	e.logger.Info("elector started",
		slog.String("role", e.role),
		slog.String("instance_id", e.selfID),
		slog.Duration("lease_ttl", e.ttl),
	)
	return nil
}

// Stop resigns leadership if held and stops the loop.
func (e *Elector) Stop(ctx context.Context) error {
	e.stopped.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	return e.Resign(ctx)
}

// leaderLoop renews (or re-races) on an interval well under the lease TTL
// so one transient store hiccup does not cause flapping.
func (e *Elector) leaderLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.ttl / 3)
	defer ticker.Stop()

	// Race once immediately at start.
	e.tick(context.Background())

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.tick(context.Background())
		}
	}
}

// tick advances the state machine one step: Leader renews, everyone else
// races an acquisition.
func (e *Elector) tick(ctx context.Context) {
	if e.Status().IsLeader {
		renewed, err := e.locks.Renew(ctx, e.roleKey(), e.selfID, e.ttl)
		if err == nil && renewed {
			return
		}
		// Renewal failed: the local cache is invalid. Demote before any
		// protected work can run again.
		e.demote()
		if err != nil {
			e.logger.Warn("leadership renew error",
				slog.String("role", e.role),
				slog.String("error", err.Error()),
			)
		} else {
			e.logger.Warn("leadership lost", slog.String("role", e.role))
		}
		return
	}

	e.setState(Candidate, 0)
	l, err := e.locks.Acquire(ctx, e.roleKey(), e.selfID, e.ttl)
	if err != nil {
		e.setState(Follower, 0)
		if !errors.Is(err, coord.ErrLockHeld) {
			e.logger.Warn("leadership acquire error",
				slog.String("role", e.role),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	e.setState(Leader, l.FencingToken)
	e.logger.Info("leadership acquired",
		slog.String("role", e.role),
		slog.String("instance_id", e.selfID),
		slog.Int64("term", l.FencingToken),
	)
}

// Status returns the local leadership snapshot.
func (e *Elector) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		State:    e.state,
		IsLeader: e.state == Leader,
		Term:     e.term,
	}
}

// CurrentLeader reads the shared lease row and returns the leading
// instance ID, or "" momentarily during failover.
func (e *Elector) CurrentLeader(ctx context.Context) (string, error) {
	l, err := e.locks.ListActive(ctx)
	if err != nil {
		return "", err
	}
	key := e.roleKey()
	for _, held := range l {
		if held.Key == key {
			return held.OwnerID, nil
		}
	}
	return "", nil
}

// Resign releases the role lease and flips local state to Follower before
// any other instance observes expiry, minimizing the leaderless gap.
func (e *Elector) Resign(ctx context.Context) error {
	wasLeader := e.Status().IsLeader
	e.demote()
	if !wasLeader {
		return nil
	}

	if _, err := e.locks.Release(ctx, e.roleKey(), e.selfID); err != nil {
		return err
	}
	e.logger.Info("leadership resigned",
		slog.String("role", e.role),
		slog.String("instance_id", e.selfID),
	)
	return nil
}

// ForceElection is the administrative unstick for a term whose holder
// crashed without resigning but whose TTL has not elapsed yet: it deletes
// the current lease (whoever holds it) and immediately re-races. Returns
// whether this instance won the new term.
func (e *Elector) ForceElection(ctx context.Context) (bool, error) {
	key := e.roleKey()

	leaderID, err := e.CurrentLeader(ctx)
	if err != nil {
		return false, err
	}
	if leaderID != "" {
		// Compare-and-delete against the observed holder; losing this
		// race to a concurrent force is fine, the lease is gone either way.
		if _, err := e.locks.Release(ctx, key, leaderID); err != nil {
			return false, err
		}
	}

	e.demote()
	e.tick(ctx)
	won := e.Status().IsLeader
	e.logger.Info("forced election",
		slog.String("role", e.role),
		slog.Bool("won", won),
	)
	return won, nil
}

func (e *Elector) demote() { e.setState(Follower, 0) }

// setState replaces both the state and the term together; a follower
// holds no term, so demotion must not leave the old one visible.
func (e *Elector) setState(s State, term int64) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.term = term
	e.mu.Unlock()
	// Only promotion and demotion count as transitions; the
	// follower/candidate churn of every losing race does not.
	if e.onTransition != nil && (prev == Leader) != (s == Leader) {
		e.onTransition(s)
	}
}
