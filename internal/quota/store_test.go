// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package quota_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/membergate/internal/quota"
	"github.com/holomush/membergate/pkg/errutil"
)

func TestMemoryStore_PrunesOldDays(t *testing.T) {
	ctx := context.Background()
	s := quota.NewMemoryStore()

	for _, d := range []string{"2026-03-01", "2026-03-02", "2026-03-03"} {
		n, err := s.Increment(ctx, quota.Key{Day: d, ActorID: "u1", Kind: quota.StatusChange})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	assert.Equal(t, []string{"2026-03-02", "2026-03-03"}, s.Days())

	n, err := s.Get(ctx, quota.Key{Day: "2026-03-01", ActorID: "u1", Kind: quota.StatusChange})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func newRedisStore(t *testing.T) (*quota.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return quota.NewRedisStore(client, quota.WithKeyPrefix("test:quota")), mr
}

func TestRedisStore_IncrementAndGet(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	key := quota.Key{Day: day, ActorID: "u1", Kind: quota.UsernameChange}

	n, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Increment(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.Increment(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, got)

	redisKey := "test:quota:" + day + ":u1:username_change"
	assert.True(t, mr.Exists(redisKey))
	assert.Equal(t, quota.DefaultCounterTTL, mr.TTL(redisKey))
}

func TestRedisStore_CounterExpires(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	key := quota.Key{Day: day, ActorID: "u1", Kind: quota.StatusChange}

	_, err := s.Increment(ctx, key)
	require.NoError(t, err)

	mr.FastForward(quota.DefaultCounterTTL + time.Minute)

	n, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisStore_BackedTrackerThrottles(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t)
	tr := quota.NewTracker(s)

	r, err := tr.Reserve(ctx, "u1", quota.StatusChange, 1, day)
	require.NoError(t, err)
	require.NoError(t, r.Commit(ctx))

	_, err = tr.Reserve(ctx, "u1", quota.StatusChange, 1, day)
	errutil.AssertErrorCode(t, err, quota.CodeThrottled)
}

func TestRedisStore_ReplicasShareReservations(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t)

	const replicas = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []*quota.Reservation
	)
	for i := 0; i < replicas; i++ {
		tr := quota.NewTracker(s)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := tr.Reserve(ctx, "u1", quota.StatusChange, 1, day)
			if err != nil {
				return
			}
			mu.Lock()
			granted = append(granted, r)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, granted, 1)
	require.NoError(t, granted[0].Commit(ctx))

	used, pending, err := s.Usage(ctx, quota.Key{Day: day, ActorID: "u1", Kind: quota.StatusChange})
	require.NoError(t, err)
	assert.Equal(t, 1, used)
	assert.Zero(t, pending)
}

func TestRedisStore_PendingVisibleToOtherReplicas(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t)
	a, b := quota.NewTracker(s), quota.NewTracker(s)

	r, err := a.Reserve(ctx, "u1", quota.StatusChange, 2, day)
	require.NoError(t, err)

	left, err := b.Remaining(ctx, "u1", quota.StatusChange, 2, day)
	require.NoError(t, err)
	assert.Equal(t, 1, left)

	r.Release()
	left, err = b.Remaining(ctx, "u1", quota.StatusChange, 2, day)
	require.NoError(t, err)
	assert.Equal(t, 2, left)

	used, err := b.Used(ctx, "u1", quota.StatusChange, day)
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestRedisStore_AbandonedReservationExpires(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	tr := quota.NewTracker(s)

	_, err := tr.Reserve(ctx, "u1", quota.StatusChange, 1, day)
	require.NoError(t, err)
	_, err = tr.Reserve(ctx, "u1", quota.StatusChange, 1, day)
	errutil.AssertErrorCode(t, err, quota.CodeThrottled)

	mr.FastForward(quota.DefaultReservationTTL + time.Second)

	_, err = quota.NewTracker(s).Reserve(ctx, "u1", quota.StatusChange, 1, day)
	require.NoError(t, err)
}

func TestRedisStore_ZeroCeilingThrottles(t *testing.T) {
	s, _ := newRedisStore(t)
	_, err := quota.NewTracker(s).Reserve(context.Background(), "u1", quota.StatusChange, 0, day)
	errutil.AssertErrorCode(t, err, quota.CodeThrottled)
}

func TestRedisStore_ErrorsAreCoded(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	key := quota.Key{Day: day, ActorID: "u1", Kind: quota.StatusChange}

	require.NoError(t, mr.Set("test:quota:"+day+":u1:status_change", "not-a-number"))
	_, err := s.Get(ctx, key)
	errutil.AssertErrorCode(t, err, "QUOTA_STORE_FAILED")

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	down := quota.NewRedisStore(client)
	_, err = down.Increment(ctx, key)
	errutil.AssertErrorCode(t, err, "QUOTA_STORE_FAILED")
	_, err = down.Reserve(ctx, key, 1)
	errutil.AssertErrorCode(t, err, "QUOTA_STORE_FAILED")
	errutil.AssertErrorContext(t, err, "operation", "reserve")
}
