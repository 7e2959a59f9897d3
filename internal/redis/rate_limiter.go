package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// admitScript trims the window, then records the event only if the window
// still has room. Rejected events do not extend a client's penalty.
var admitScript = redis.NewScript(`
	redis.call("zremrangebyscore", KEYS[1], "-inf", ARGV[1])
	if redis.call("zcard", KEYS[1]) >= tonumber(ARGV[3]) then
		return 0
	end
	redis.call("zadd", KEYS[1], ARGV[2], ARGV[4])
	redis.call("pexpire", KEYS[1], ARGV[5])
	return 1
`)

// RateLimiter allows or denies requests using a sliding-window count in Redis.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

type slidingWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRateLimiter returns a Redis-backed sliding-window rate limiter allowing
// limit events per window for each key.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) RateLimiter {
	return &slidingWindowLimiter{client: client, limit: limit, window: window}
}

func (r *slidingWindowLimiter) Limit() int { return r.limit }

func (r *slidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixNano()
	windowStart := now - r.window.Nanoseconds()

	ok, err := admitScript.Run(ctx, r.client, []string{"ratelimit:" + key},
		strconv.FormatInt(windowStart, 10),
		strconv.FormatInt(now, 10),
		r.limit,
		uuid.NewString(),
		(r.window * 2).Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limiter for %q: %w", key, err)
	}
	return ok == 1, nil
}
