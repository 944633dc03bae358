package subscriber

import (
	"context"

	"github.com/zral/coord/id"
)

// Store defines the read contract against the external configuration
// store. Coord never writes subscribers; it only reads enabled matching
// rows and their rate-limit and cron settings.
type Store interface {
	// GetSubscriber retrieves one subscriber by ID, or
	// coord.ErrSubscriberNotFound.
	GetSubscriber(ctx context.Context, subscriberID id.SubscriberID) (*Subscriber, error)

	// ListSubscribers returns all subscribers of the given kind; every
	// kind when kind is empty.
	ListSubscribers(ctx context.Context, kind Kind) ([]*Subscriber, error)
}
