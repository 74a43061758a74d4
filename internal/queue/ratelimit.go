package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RateLimiter caps generations per owner in fixed windows.
type RateLimiter struct {
	redis  *redis.Client
	limit  int64
	window time.Duration
}

func NewRateLimiter(rdb *redis.Client, limit int64, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Hour
	}
	return &RateLimiter{redis: rdb, limit: limit, window: window}
}

// Allow counts one generation for owner. A limit of zero or less disables the cap.
func (r *RateLimiter) Allow(ctx context.Context, owner string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	start := now.UTC().Truncate(r.window)
	resetAt = start.Add(r.window)
	ttl := int64(resetAt.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("hyprflux:ratelimit:%s:%d", owner, start.Unix())
	used, err = incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return r.limit <= 0 || used <= r.limit, used, resetAt, nil
}

// UpdateDeduplicator drops Telegram updates that were already handled.
type UpdateDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewUpdateDeduplicator(rdb *redis.Client, ttl time.Duration) *UpdateDeduplicator {
	return &UpdateDeduplicator{redis: rdb, ttl: ttl}
}

func (d *UpdateDeduplicator) MarkFirst(ctx context.Context, updateID int64) (bool, error) {
	ok, err := d.redis.SetNX(ctx, fmt.Sprintf("hyprflux:update:%d", updateID), 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}
