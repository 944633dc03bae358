package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/zral/coord/id"
)

// incrWindowScript increments the window counter and arms its expiry on
// first touch, in one atomic step.
var incrWindowScript = goredis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// IncrWindow atomically increments the subscriber's window counter and
// returns the new count. The counter expires on its own, so abandoned
// windows need no sweeping.
func (s *Store) IncrWindow(ctx context.Context, subscriberID id.SubscriberID, windowStart time.Time, expiry time.Duration) (int64, error) {
	n, err := incrWindowScript.Run(ctx, s.client,
		[]string{windowKey(subscriberID, windowStart)},
		expiry.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("coord/redis: incr window: %w", err)
	}
	return n, nil
}

// GetWindow returns the current count for the window, zero when the
// counter does not exist.
func (s *Store) GetWindow(ctx context.Context, subscriberID id.SubscriberID, windowStart time.Time) (int64, error) {
	n, err := s.client.Get(ctx, windowKey(subscriberID, windowStart)).Int64()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("coord/redis: get window: %w", err)
	}
	return n, nil
}
