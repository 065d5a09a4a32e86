package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"eventbackbone/internal/store"
)

// RateLimiter enforces per-user hourly/daily notification caps.
type RateLimiter interface {
	// Allow reports whether user_id is still within maxPerHour and
	// maxPerDay, without consuming a slot.
	Allow(ctx context.Context, userID string, maxPerHour, maxPerDay int) (bool, error)
	// Increment consumes one slot for userID's current hour and day
	// buckets.
	Increment(ctx context.Context, userID string) error
}

// bucketKeys derives the hour and day bucket keys ("YYYYMMDDHH" /
// "YYYYMMDD"), always in UTC so wall-clock locale never shifts a bucket.
// Used for the Redis key space; the in-memory limiter uses typed
// store.BucketKey values instead.
func bucketKeys(now time.Time) (hourKey, dayKey string) {
	return now.UTC().Format("2006010215"), now.UTC().Format("20060102")
}

// windowKeys derives the typed hour and day bucket keys for userID's
// current windows.
func windowKeys(userID string, now time.Time) (hour, day store.BucketKey) {
	utc := now.UTC()
	hour = store.BucketKey{User: userID, Unit: "hour", WindowStart: utc.Truncate(time.Hour)}
	day = store.BucketKey{User: userID, Unit: "day", WindowStart: time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)}
	return hour, day
}

// MemoryRateLimiter is the in-memory reference rate limiter, counting
// per-user sends in typed (user, unit, window) buckets.
type MemoryRateLimiter struct {
	buckets *store.BucketStore
}

// NewMemoryRateLimiter creates an empty in-memory rate limiter.
func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{buckets: store.NewBucketStore()}
}

func (r *MemoryRateLimiter) Allow(_ context.Context, userID string, maxPerHour, maxPerDay int) (bool, error) {
	hourKey, dayKey := windowKeys(userID, time.Now())
	return r.buckets.Count(hourKey) < maxPerHour && r.buckets.Count(dayKey) < maxPerDay, nil
}

func (r *MemoryRateLimiter) Increment(_ context.Context, userID string) error {
	now := time.Now()
	hourKey, dayKey := windowKeys(userID, now)
	r.buckets.Increment(hourKey, now)
	r.buckets.Increment(dayKey, now)
	return nil
}

// RedisRateLimiter is an optional Redis-backed rate limiter for
// multi-process deployments, using INCR with a bucket-aligned TTL instead
// of the in-memory map.
type RedisRateLimiter struct {
	client *redis.Client
}

// NewRedisRateLimiter wraps an existing Redis client.
func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, userID string, maxPerHour, maxPerDay int) (bool, error) {
	hourKey, dayKey := bucketKeys(time.Now())
	pipe := r.client.Pipeline()
	hourCmd := pipe.Get(ctx, fmt.Sprintf("notify:rl:%s:%s", userID, hourKey))
	dayCmd := pipe.Get(ctx, fmt.Sprintf("notify:rl:%s:%s", userID, dayKey))
	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return false, err
	}

	hourCount, _ := hourCmd.Int()
	dayCount, _ := dayCmd.Int()
	return hourCount < maxPerHour && dayCount < maxPerDay, nil
}

func (r *RedisRateLimiter) Increment(ctx context.Context, userID string) error {
	hourKey, dayKey := bucketKeys(time.Now())
	pipe := r.client.TxPipeline()
	hourRedisKey := fmt.Sprintf("notify:rl:%s:%s", userID, hourKey)
	dayRedisKey := fmt.Sprintf("notify:rl:%s:%s", userID, dayKey)

	pipe.Incr(ctx, hourRedisKey)
	pipe.Expire(ctx, hourRedisKey, 2*time.Hour)
	pipe.Incr(ctx, dayRedisKey)
	pipe.Expire(ctx, dayRedisKey, 48*time.Hour)

	_, err := pipe.Exec(ctx)
	return err
}
