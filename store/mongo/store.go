// Package mongo implements store.DurableStore — jobs, subscriber reads,
// scheduled entries, and dead letters — on the MongoDB driver. Job claim
// uses FindOneAndUpdate so two instances polling the same queue can never
// both take one job.
//
// Usage:
//
//	client, _ := mongod.Connect(options.Client().ApplyURI(uri))
//	s := mongostore.New(client.Database("coord"))
//	if err := s.Migrate(ctx); err != nil { ... }
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/zral/coord/store"
)

// Collection name constants.
const (
	colJobs      = "coord_jobs"
	colSchedules = "coord_schedules"
	colDLQ       = "coord_dlq"

	// colSubscribers is the externally-owned configuration collection.
	// Coord reads it and never writes.
	colSubscribers = "coord_subscribers"
)

// Compile-time interface check.
var _ store.DurableStore = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Store implements the durable substrate backed by MongoDB. The caller
// owns the client lifecycle; Store never disconnects it.
type Store struct {
	db     *mongod.Database
	logger *slog.Logger
}

// New creates a new MongoDB store over the given database handle.
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Database returns the underlying database handle for advanced usage.
func (s *Store) Database() *mongod.Database { return s.db }

// Migrate creates indexes for all coord collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("coord/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close is a no-op because the caller owns the client lifecycle.
func (s *Store) Close() error { return nil }

// ── helpers ──────────────────────────────────────────────────────

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKey checks if a MongoDB error is a duplicate key violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "E11000")
}

// migrationIndexes returns the index definitions for all coord collections.
func migrationIndexes() map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		colJobs: {
			// Dequeue index: queue + state + next_attempt_at.
			{Keys: bson.D{
				{Key: "queue", Value: 1},
				{Key: "state", Value: 1},
				{Key: "next_attempt_at", Value: 1},
			}},
			// State index for statistics.
			{Keys: bson.D{{Key: "state", Value: 1}}},
			// Trigger lineage lookups.
			{Keys: bson.D{{Key: "trigger_id", Value: 1}}},
		},
		colSchedules: {
			// Unique name index.
			{
				Keys:    bson.D{{Key: "name", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			// Due-entry index for the tick loop.
			{Keys: bson.D{
				{Key: "is_running", Value: 1},
				{Key: "next_execution_at", Value: 1},
			}},
		},
		colDLQ: {
			{Keys: bson.D{
				{Key: "queue", Value: 1},
				{Key: "failed_at", Value: -1},
			}},
			{Keys: bson.D{{Key: "failed_at", Value: -1}}},
		},
		colSubscribers: {
			{Keys: bson.D{
				{Key: "enabled", Value: 1},
				{Key: "target_collection", Value: 1},
			}},
			{Keys: bson.D{{Key: "kind", Value: 1}}},
		},
	}
}
