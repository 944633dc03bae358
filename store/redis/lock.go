package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/zral/coord"
	"github.com/zral/coord/lock"
)

// acquireScript is the single atomic step behind Acquire. Re-acquisition
// by the current holder extends the lease and keeps its token (the term
// never changed hands); a live lease under another owner refuses; an
// absent or expired row takes a fresh token from the shared counter.
var acquireScript = goredis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner_id')
if owner == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	redis.call('HSET', KEYS[1], 'ttl_ms', ARGV[2])
	return {'extended', redis.call('HGET', KEYS[1], 'fencing_token'), redis.call('HGET', KEYS[1], 'acquired_at')}
end
if owner then
	return {'held'}
end
local token = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'owner_id', ARGV[1], 'fencing_token', token, 'acquired_at', ARGV[3], 'ttl_ms', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return {'acquired', tostring(token), ARGV[3]}
`)

// renewScript extends the lease iff the caller still owns it.
var renewScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner_id') == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	redis.call('HSET', KEYS[1], 'ttl_ms', ARGV[2])
	return 1
end
return 0
`)

// releaseScript is the compare-and-delete behind Release.
var releaseScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner_id') == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

// Acquire creates or extends the lease for key as one atomic script call.
func (s *Store) Acquire(ctx context.Context, key, ownerID string, ttl time.Duration) (*lock.Lock, error) {
	now := time.Now().UTC()
	res, err := acquireScript.Run(ctx, s.client,
		[]string{lockKey(key), fencingKey},
		ownerID, ttl.Milliseconds(), now.Format(time.RFC3339Nano),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("coord/redis: acquire: %w", err)
	}

	status, _ := res[0].(string)
	if status == "held" {
		return nil, coord.ErrLockHeld
	}

	token, err := strconv.ParseInt(toString(res[1]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("coord/redis: acquire token: %w", err)
	}
	acquiredAt, err := time.Parse(time.RFC3339Nano, toString(res[2]))
	if err != nil {
		return nil, fmt.Errorf("coord/redis: acquire timestamp: %w", err)
	}

	return &lock.Lock{
		Key:          key,
		OwnerID:      ownerID,
		FencingToken: token,
		AcquiredAt:   acquiredAt,
		ExpiresAt:    now.Add(ttl),
		TTL:          ttl,
	}, nil
}

// Renew extends the lease iff ownerID currently holds it.
func (s *Store) Renew(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, s.client,
		[]string{lockKey(key)},
		ownerID, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("coord/redis: renew: %w", err)
	}
	return n == 1, nil
}

// Release deletes the lease iff ownerID holds it.
func (s *Store) Release(ctx context.Context, key, ownerID string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client,
		[]string{lockKey(key)},
		ownerID,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("coord/redis: release: %w", err)
	}
	return n == 1, nil
}

// Get returns the live lease for key, or coord.ErrLockNotFound.
func (s *Store) Get(ctx context.Context, key string) (*lock.Lock, error) {
	return s.readLock(ctx, key)
}

// List enumerates live leases by scanning the lock key space.
func (s *Store) List(ctx context.Context) ([]*lock.Lock, error) {
	var (
		locks  []*lock.Lock
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, lockScan, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("coord/redis: list locks: %w", err)
		}
		for _, full := range keys {
			key := strings.TrimPrefix(full, keyPrefix+"lock:")
			l, readErr := s.readLock(ctx, key)
			if readErr != nil {
				// Expired between scan and read.
				continue
			}
			locks = append(locks, l)
		}
		cursor = next
		if cursor == 0 {
			return locks, nil
		}
	}
}

// DeleteExpired is a no-op on Redis: lease keys carry a PX expiry and the
// server reaps them itself.
func (s *Store) DeleteExpired(_ context.Context) (int64, error) { return 0, nil }

// readLock materializes one lease row from its hash plus remaining TTL.
func (s *Store) readLock(ctx context.Context, key string) (*lock.Lock, error) {
	full := lockKey(key)

	pipe := s.client.Pipeline()
	valsCmd := pipe.HGetAll(ctx, full)
	ttlCmd := pipe.PTTL(ctx, full)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("coord/redis: get lock: %w", err)
	}

	vals := valsCmd.Val()
	remaining := ttlCmd.Val()
	if len(vals) == 0 || remaining <= 0 {
		return nil, coord.ErrLockNotFound
	}

	token, err := strconv.ParseInt(vals["fencing_token"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("coord/redis: lock token: %w", err)
	}
	acquiredAt, err := time.Parse(time.RFC3339Nano, vals["acquired_at"])
	if err != nil {
		return nil, fmt.Errorf("coord/redis: lock timestamp: %w", err)
	}
	ttlMs, err := strconv.ParseInt(vals["ttl_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("coord/redis: lock ttl: %w", err)
	}

	return &lock.Lock{
		Key:          key,
		OwnerID:      vals["owner_id"],
		FencingToken: token,
		AcquiredAt:   acquiredAt,
		ExpiresAt:    time.Now().UTC().Add(remaining),
		TTL:          time.Duration(ttlMs) * time.Millisecond,
	}, nil
}

// toString normalizes the string/int shapes Lua replies come back in.
func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprint(t)
	}
}
