package subscriber

import (
	"context"
	"sync"
	"time"

	"github.com/zral/coord/id"
)

// Cache is a read-through, TTL-bounded view over a Store. Pipelines
// consult it on every trigger; the TTL bounds how long a disabled or
// edited subscriber keeps its old settings on this instance.
type Cache struct {
	store Store
	ttl   time.Duration

	mu        sync.RWMutex
	byID      map[string]*Subscriber
	all       []*Subscriber
	fetchedAt time.Time
}

// NewCache creates a read-through cache with the given staleness bound.
func NewCache(store Store, ttl time.Duration) *Cache {
	return &Cache{
		store: store,
		ttl:   ttl,
		byID:  make(map[string]*Subscriber),
	}
}

// Matching returns enabled subscribers listening to the given mutation.
func (c *Cache) Matching(ctx context.Context, collection string, eventType EventType) ([]*Subscriber, error) {
	subs, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var matched []*Subscriber
	for _, s := range subs {
		if s.ListensTo(collection, eventType) {
			matched = append(matched, s)
		}
	}
	return matched, nil
}

// Get returns one subscriber, refreshing the cache when stale.
func (c *Cache) Get(ctx context.Context, subscriberID id.SubscriberID) (*Subscriber, error) {
	if _, err := c.snapshot(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	s, ok := c.byID[subscriberID.String()]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	// Miss: read through for rows created after the last refresh.
	s, err := c.store.GetSubscriber(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.byID[subscriberID.String()] = s
	c.mu.Unlock()
	return s, nil
}

// Invalidate drops the cached snapshot so the next read refetches.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

// snapshot returns the cached subscriber list, refreshing when older than
// the TTL.
func (c *Cache) snapshot(ctx context.Context) ([]*Subscriber, error) {
	c.mu.RLock()
	fresh := time.Since(c.fetchedAt) < c.ttl
	snap := c.all
	c.mu.RUnlock()
	if fresh {
		return snap, nil
	}

	subs, err := c.store.ListSubscribers(ctx, "")
	if err != nil {
		// Serve the stale snapshot if one exists: a delayed config change
		// beats dropping triggers while the config store hiccups.
		if snap != nil {
			return snap, nil
		}
		return nil, err
	}

	byID := make(map[string]*Subscriber, len(subs))
	for _, s := range subs {
		byID[s.ID.String()] = s
	}

	c.mu.Lock()
	c.all = subs
	c.byID = byID
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return subs, nil
}
