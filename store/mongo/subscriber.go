package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/zral/coord"
	"github.com/zral/coord/id"
	"github.com/zral/coord/subscriber"
)

// GetSubscriber retrieves one subscriber by ID from the externally-owned
// configuration collection.
func (s *Store) GetSubscriber(ctx context.Context, subscriberID id.SubscriberID) (*subscriber.Subscriber, error) {
	var m subscriberModel
	err := s.db.Collection(colSubscribers).FindOne(ctx, bson.M{"_id": subscriberID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, coord.ErrSubscriberNotFound
		}
		return nil, fmt.Errorf("coord/mongo: get subscriber: %w", err)
	}
	return fromSubscriberModel(&m)
}

// ListSubscribers returns all subscribers of the given kind; every kind
// when kind is empty.
func (s *Store) ListSubscribers(ctx context.Context, kind subscriber.Kind) ([]*subscriber.Subscriber, error) {
	filter := bson.M{}
	if kind != "" {
		filter["kind"] = string(kind)
	}

	cursor, err := s.db.Collection(colSubscribers).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("coord/mongo: list subscribers: %w", err)
	}
	defer cursor.Close(ctx)

	var models []subscriberModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("coord/mongo: list subscribers decode: %w", err)
	}

	subs := make([]*subscriber.Subscriber, 0, len(models))
	for i := range models {
		sub, convErr := fromSubscriberModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("coord/mongo: list subscribers convert: %w", convErr)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
