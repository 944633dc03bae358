package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/zral/coord"
	"github.com/zral/coord/schedule"
)

// CreateEntry persists a new scheduled entry. Names are unique; a second
// Schedule under the same name returns coord.ErrDuplicateSchedule.
func (s *Store) CreateEntry(ctx context.Context, entry *schedule.Entry) error {
	m := toScheduleModel(entry)
	if _, err := s.db.Collection(colSchedules).InsertOne(ctx, m); err != nil {
		if isDuplicateKey(err) {
			return coord.ErrDuplicateSchedule
		}
		return fmt.Errorf("coord/mongo: create schedule: %w", err)
	}
	return nil
}

// GetEntry retrieves a scheduled entry by name.
func (s *Store) GetEntry(ctx context.Context, name string) (*schedule.Entry, error) {
	var m scheduleModel
	err := s.db.Collection(colSchedules).FindOne(ctx, bson.M{"name": name}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, coord.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("coord/mongo: get schedule: %w", err)
	}
	return fromScheduleModel(&m)
}

// ListEntries returns all scheduled entries.
func (s *Store) ListEntries(ctx context.Context) ([]*schedule.Entry, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}})
	cursor, err := s.db.Collection(colSchedules).Find(ctx, bson.M{}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("coord/mongo: list schedules: %w", err)
	}
	defer cursor.Close(ctx)

	var models []scheduleModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("coord/mongo: list schedules decode: %w", err)
	}

	entries := make([]*schedule.Entry, 0, len(models))
	for i := range models {
		entry, convErr := fromScheduleModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("coord/mongo: list schedules convert: %w", convErr)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// UpdateEntry persists changes to an existing scheduled entry.
func (s *Store) UpdateEntry(ctx context.Context, entry *schedule.Entry) error {
	m := toScheduleModel(entry)
	m.UpdatedAt = now()
	res, err := s.db.Collection(colSchedules).ReplaceOne(ctx, bson.M{"_id": m.ID}, m)
	if err != nil {
		return fmt.Errorf("coord/mongo: update schedule: %w", err)
	}
	if res.MatchedCount == 0 {
		return coord.ErrScheduleNotFound
	}
	return nil
}

// DeleteEntry removes a scheduled entry by name.
func (s *Store) DeleteEntry(ctx context.Context, name string) error {
	res, err := s.db.Collection(colSchedules).DeleteOne(ctx, bson.M{"name": name})
	if err != nil {
		return fmt.Errorf("coord/mongo: delete schedule: %w", err)
	}
	if res.DeletedCount == 0 {
		return coord.ErrScheduleNotFound
	}
	return nil
}
