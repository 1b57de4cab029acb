// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package quota

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
)

// DefaultKeyPrefix is the Redis key prefix for quota counters.
const DefaultKeyPrefix = "membergate:quota"

// DefaultCounterTTL bounds how long a day's counter survives in Redis.
const DefaultCounterTTL = 48 * time.Hour

// DefaultReservationTTL bounds how long reserved units outlive a replica that
// stopped before committing or releasing them.
const DefaultReservationTTL = time.Minute

// reserveScript claims one unit when committed plus reserved is below the
// ceiling. KEYS: committed, reserved. ARGV: ceiling, reserved TTL in ms.
var reserveScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local pending = tonumber(redis.call('GET', KEYS[2]) or '0')
if used + pending >= tonumber(ARGV[1]) then
  return 0
end
redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return 1
`)

// commitScript moves one reserved unit to the committed counter.
// KEYS: committed, reserved. ARGV: counter TTL in ms.
var commitScript = redis.NewScript(`
local pending = tonumber(redis.call('GET', KEYS[2]) or '0')
if pending > 0 then
  redis.call('DECR', KEYS[2])
end
local n = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return n
`)

// releaseScript drops one reserved unit. KEYS: reserved.
var releaseScript = redis.NewScript(`
local pending = tonumber(redis.call('GET', KEYS[1]) or '0')
if pending > 0 then
  redis.call('DECR', KEYS[1])
end
return pending
`)

// RedisStore shares committed counts and in-flight reservations across
// replicas. Reservation check and claim run as one script so racing replicas
// cannot admit more units than the ceiling.
type RedisStore struct {
	client     redis.Cmdable
	prefix     string
	ttl        time.Duration
	reserveTTL time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithCounterTTL overrides the counter expiry.
func WithCounterTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithReservationTTL overrides how long reserved units survive without a
// commit or release.
func WithReservationTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.reserveTTL = ttl
	}
}

// NewRedisStore creates a RedisStore on top of client.
func NewRedisStore(client redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:     client,
		prefix:     DefaultKeyPrefix,
		ttl:        DefaultCounterTTL,
		reserveTTL: DefaultReservationTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) redisKey(key Key) string {
	return s.prefix + ":" + key.Day + ":" + key.ActorID + ":" + string(key.Kind)
}

func (s *RedisStore) reservedKey(key Key) string {
	return s.redisKey(key) + ":reserved"
}

func storeError(op string, key Key, err error) error {
	return oops.In("quota").Code("QUOTA_STORE_FAILED").
		With("operation", op).
		With("kind", string(key.Kind)).
		Wrap(err)
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key Key) (int, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, storeError("get", key, err)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, oops.In("quota").Code("QUOTA_STORE_FAILED").
			With("operation", "parse").
			With("value", raw).
			Wrap(err)
	}
	return n, nil
}

// Increment implements Store. The counter and its expiry are set in one
// transaction.
func (s *RedisStore) Increment(ctx context.Context, key Key) (int, error) {
	k := s.redisKey(key)
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.Expire(ctx, k, s.ttl)
		return nil
	})
	if err != nil {
		return 0, storeError("increment", key, err)
	}
	return int(incr.Val()), nil
}

// Usage implements SharedStore.
func (s *RedisStore) Usage(ctx context.Context, key Key) (int, int, error) {
	vals, err := s.client.MGet(ctx, s.redisKey(key), s.reservedKey(key)).Result()
	if err != nil {
		return 0, 0, storeError("usage", key, err)
	}
	counts := make([]int, 2)
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, 0, oops.In("quota").Code("QUOTA_STORE_FAILED").
				With("operation", "parse").
				With("value", raw).
				Wrap(err)
		}
		counts[i] = n
	}
	return counts[0], counts[1], nil
}

// Reserve implements SharedStore.
func (s *RedisStore) Reserve(ctx context.Context, key Key, ceiling int) (bool, error) {
	ok, err := reserveScript.Run(ctx, s.client,
		[]string{s.redisKey(key), s.reservedKey(key)},
		ceiling, s.reserveTTL.Milliseconds()).Int()
	if err != nil {
		return false, storeError("reserve", key, err)
	}
	return ok == 1, nil
}

// CommitReserved implements SharedStore.
func (s *RedisStore) CommitReserved(ctx context.Context, key Key) (int, error) {
	n, err := commitScript.Run(ctx, s.client,
		[]string{s.redisKey(key), s.reservedKey(key)},
		s.ttl.Milliseconds()).Int()
	if err != nil {
		return 0, storeError("commit", key, err)
	}
	return n, nil
}

// ReleaseReserved implements SharedStore.
func (s *RedisStore) ReleaseReserved(ctx context.Context, key Key) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.reservedKey(key)}).Err(); err != nil {
		return storeError("release", key, err)
	}
	return nil
}

var _ SharedStore = (*RedisStore)(nil)
