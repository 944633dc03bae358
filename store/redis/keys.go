package redis

import (
	"strconv"
	"time"

	"github.com/zral/coord/id"
)

// Redis key naming conventions for coord data.
// All keys are prefixed with "coord:" to avoid collisions.

const keyPrefix = "coord:"

// lockKey returns the key for a lease row: coord:lock:{key}
func lockKey(key string) string { return keyPrefix + "lock:" + key }

// lockScan is the MATCH pattern enumerating live lease rows.
const lockScan = keyPrefix + "lock:*"

// fencingKey is the shared monotonic counter all lease keys draw fencing
// tokens from.
const fencingKey = keyPrefix + "fencing"

// windowKey returns the key for one subscriber's admission window
// counter: coord:window:{subscriber}:{windowStartUnix}
func windowKey(subscriberID id.SubscriberID, windowStart time.Time) string {
	return keyPrefix + "window:" + subscriberID.String() + ":" + strconv.FormatInt(windowStart.Unix(), 10)
}
