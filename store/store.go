// Package store defines the aggregate persistence interfaces. Each
// subsystem (lock, retry, job, subscriber, schedule, dlq) defines its own
// store interface; the composites here group them by substrate. Backends:
// Redis for the coordination substrate, MongoDB for the durable
// substrate, and Memory for both.
package store

import (
	"context"

	"github.com/zral/coord/dlq"
	"github.com/zral/coord/job"
	"github.com/zral/coord/lock"
	"github.com/zral/coord/retry"
	"github.com/zral/coord/schedule"
	"github.com/zral/coord/subscriber"
)

// KVStore is the low-latency coordination substrate: lock leases and
// rate-limit window counters. Backed by Redis in production.
type KVStore interface {
	lock.Store
	retry.CounterStore

	// Ping checks substrate connectivity.
	Ping(ctx context.Context) error

	// Close closes the substrate connection.
	Close() error
}

// DurableStore is the persistence substrate: jobs, subscriber reads,
// scheduled entries, and dead letters. Backed by MongoDB in production.
type DurableStore interface {
	job.Store
	subscriber.Store
	schedule.Store
	dlq.Store

	// Migrate creates or updates indexes and schema.
	Migrate(ctx context.Context) error

	// Ping checks substrate connectivity.
	Ping(ctx context.Context) error

	// Close closes the substrate connection.
	Close() error
}

// Store is the full aggregate: a single backend serving both substrates.
// The memory backend implements it for development and testing.
type Store interface {
	KVStore
	DurableStore
}
