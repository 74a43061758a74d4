package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRateLimiterAllow(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()
	rl := NewRateLimiter(rdb, 2, time.Hour)
	now := time.Date(2026, 2, 13, 10, 20, 0, 0, time.UTC)

	for i, want := range []bool{true, true, false} {
		allowed, used, resetAt, err := rl.Allow(ctx, "42", now)
		require.NoError(t, err)
		assert.Equal(t, want, allowed, "call %d", i+1)
		assert.Equal(t, int64(i+1), used)
		assert.Equal(t, time.Date(2026, 2, 13, 11, 0, 0, 0, time.UTC), resetAt)
	}

	allowed, used, _, err := rl.Allow(ctx, "7", now)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(1), used)

	allowed, used, _, err = rl.Allow(ctx, "42", now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, allowed, "next window starts over")
	assert.Equal(t, int64(1), used)
}

func TestRateLimiterUnlimited(t *testing.T) {
	_, rdb := newRedis(t)
	rl := NewRateLimiter(rdb, 0, time.Minute)
	now := time.Now()
	for range 5 {
		allowed, _, _, err := rl.Allow(context.Background(), "42", now)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
}

func TestUpdateDeduplicator(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()
	d := NewUpdateDeduplicator(rdb, time.Minute)

	first, err := d.MarkFirst(ctx, 100)
	require.NoError(t, err)
	assert.True(t, first)

	first, err = d.MarkFirst(ctx, 100)
	require.NoError(t, err)
	assert.False(t, first)

	mr.FastForward(2 * time.Minute)
	first, err = d.MarkFirst(ctx, 100)
	require.NoError(t, err)
	assert.True(t, first)
}
