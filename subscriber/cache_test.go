package subscriber

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zral/coord"
	"github.com/zral/coord/id"
)

// countingStore records list/get traffic and can be made to fail.
type countingStore struct {
	subs    []*Subscriber
	lists   atomic.Int64
	gets    atomic.Int64
	listErr error
}

func (s *countingStore) GetSubscriber(_ context.Context, subscriberID id.SubscriberID) (*Subscriber, error) {
	s.gets.Add(1)
	for _, sub := range s.subs {
		if sub.ID == subscriberID {
			return sub, nil
		}
	}
	return nil, coord.ErrSubscriberNotFound
}

func (s *countingStore) ListSubscribers(_ context.Context, kind Kind) ([]*Subscriber, error) {
	s.lists.Add(1)
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*Subscriber
	for _, sub := range s.subs {
		if kind == "" || sub.Kind == kind {
			out = append(out, sub)
		}
	}
	return out, nil
}

func testSub(collection string, events ...EventType) *Subscriber {
	return &Subscriber{
		ID:               id.NewSubscriberID(),
		Kind:             KindWebhook,
		Name:             "orders hook",
		TargetCollection: collection,
		Events:           events,
		Enabled:          true,
		URL:              "https://example.com/hook",
	}
}

func TestCacheServesWithoutRefetch(t *testing.T) {
	store := &countingStore{subs: []*Subscriber{testSub("orders", EventCreate)}}
	cache := NewCache(store, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		matched, err := cache.Matching(ctx, "orders", EventCreate)
		if err != nil {
			t.Fatalf("matching: %v", err)
		}
		if len(matched) != 1 {
			t.Fatalf("matched %d subscribers, want 1", len(matched))
		}
	}
	if n := store.lists.Load(); n != 1 {
		t.Errorf("store listed %d times within the TTL, want 1", n)
	}
}

func TestCacheRefreshesAfterTTL(t *testing.T) {
	store := &countingStore{subs: []*Subscriber{testSub("orders", EventCreate)}}
	cache := NewCache(store, 10*time.Millisecond)
	ctx := context.Background()

	if _, err := cache.Matching(ctx, "orders", EventCreate); err != nil {
		t.Fatalf("matching: %v", err)
	}

	// A change lands in the store; the cache picks it up once stale.
	store.subs[0].Enabled = false
	time.Sleep(20 * time.Millisecond)

	matched, err := cache.Matching(ctx, "orders", EventCreate)
	if err != nil {
		t.Fatalf("matching: %v", err)
	}
	if len(matched) != 0 {
		t.Error("disabled subscriber still matched after the staleness bound")
	}
}

func TestCacheServesStaleOnStoreError(t *testing.T) {
	store := &countingStore{subs: []*Subscriber{testSub("orders", EventCreate)}}
	cache := NewCache(store, 10*time.Millisecond)
	ctx := context.Background()

	if _, err := cache.Matching(ctx, "orders", EventCreate); err != nil {
		t.Fatalf("matching: %v", err)
	}

	store.listErr = errors.New("config store down")
	time.Sleep(20 * time.Millisecond)

	matched, err := cache.Matching(ctx, "orders", EventCreate)
	if err != nil {
		t.Fatalf("matching during outage: %v", err)
	}
	if len(matched) != 1 {
		t.Errorf("matched %d during outage, want the stale snapshot of 1", len(matched))
	}
}

func TestCacheErrorWithNoSnapshot(t *testing.T) {
	store := &countingStore{listErr: errors.New("config store down")}
	cache := NewCache(store, time.Minute)

	if _, err := cache.Matching(context.Background(), "orders", EventCreate); err == nil {
		t.Fatal("expected an error with nothing cached to fall back on")
	}
}

func TestCacheGetReadsThroughOnMiss(t *testing.T) {
	known := testSub("orders", EventCreate)
	store := &countingStore{subs: []*Subscriber{known}}
	cache := NewCache(store, time.Minute)
	ctx := context.Background()

	got, err := cache.Get(ctx, known.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != known.ID {
		t.Fatalf("got %s, want %s", got.ID, known.ID)
	}
	if n := store.gets.Load(); n != 0 {
		t.Errorf("point reads = %d for a snapshot hit, want 0", n)
	}

	// A row created after the snapshot misses the map and reads through.
	late := testSub("orders", EventUpdate)
	store.subs = append(store.subs, late)

	got, err = cache.Get(ctx, late.ID)
	if err != nil {
		t.Fatalf("get after miss: %v", err)
	}
	if got.ID != late.ID {
		t.Fatalf("got %s, want %s", got.ID, late.ID)
	}
	if n := store.gets.Load(); n != 1 {
		t.Errorf("point reads = %d, want 1", n)
	}

	if _, err := cache.Get(ctx, id.NewSubscriberID()); !errors.Is(err, coord.ErrSubscriberNotFound) {
		t.Errorf("unknown subscriber error = %v, want ErrSubscriberNotFound", err)
	}
}

func TestCacheInvalidate(t *testing.T) {
	store := &countingStore{subs: []*Subscriber{testSub("orders", EventCreate)}}
	cache := NewCache(store, time.Hour)
	ctx := context.Background()

	if _, err := cache.Matching(ctx, "orders", EventCreate); err != nil {
		t.Fatalf("matching: %v", err)
	}
	cache.Invalidate()
	if _, err := cache.Matching(ctx, "orders", EventCreate); err != nil {
		t.Fatalf("matching: %v", err)
	}
	if n := store.lists.Load(); n != 2 {
		t.Errorf("store listed %d times across an invalidation, want 2", n)
	}
}

func TestMatchingFilters(t *testing.T) {
	match := testSub("orders", EventCreate, EventUpdate)
	wrongCollection := testSub("users", EventCreate)
	wrongEvent := testSub("orders", EventDelete)
	disabled := testSub("orders", EventCreate)
	disabled.Enabled = false

	store := &countingStore{subs: []*Subscriber{match, wrongCollection, wrongEvent, disabled}}
	cache := NewCache(store, time.Minute)

	matched, err := cache.Matching(context.Background(), "orders", EventCreate)
	if err != nil {
		t.Fatalf("matching: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != match.ID {
		t.Fatalf("matched %+v, want only the enabled orders/create subscriber", matched)
	}
}
