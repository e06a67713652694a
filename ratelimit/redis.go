package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of redis.Cmdable used by RedisLimiter.
type RedisClient interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// fixedWindow increments the window counter and reports whether it is still
// within the limit. The first increment arms the window expiry.
var fixedWindow = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
	return 0
end
return 1
`)

// RedisLimiter is a fixed-window limiter shared by every process using the
// same key. A window may admit up to twice the limit across its boundary.
//
// Redis errors fail open: the event is allowed and the error is logged.
type RedisLimiter struct {
	client RedisClient
	key    string
	limit  int
	window time.Duration
	logger *slog.Logger
}

// NewRedisLimiter creates a limiter admitting limit events per window.
func NewRedisLimiter(client RedisClient, key string, limit int, window time.Duration) *RedisLimiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RedisLimiter{
		client: client,
		key:    "ratelimit:" + key,
		limit:  limit,
		window: window,
		logger: slog.Default().With("component", "eventbus>ratelimit"),
	}
}

func (r *RedisLimiter) Allow(ctx context.Context) bool {
	ok, err := fixedWindow.Run(ctx, r.client, []string{r.key}, r.limit, r.window.Milliseconds()).Int()
	if err != nil {
		r.logger.Warn("rate limiter unavailable, allowing event", "key", r.key, "error", err)
		return true
	}
	return ok == 1
}

// Wait polls Allow at the average event spacing of the window.
func (r *RedisLimiter) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.Allow(ctx) {
			return nil
		}
		t := time.NewTimer(r.spacing())
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Reserve calls Allow. A rejected reservation carries the retry spacing.
func (r *RedisLimiter) Reserve(ctx context.Context) Reservation {
	if r.Allow(ctx) {
		return &redisReservation{ok: true}
	}
	return &redisReservation{ok: false, delay: r.spacing()}
}

// Remaining returns how many events the current window still admits.
func (r *RedisLimiter) Remaining(ctx context.Context) (int, error) {
	used, err := r.client.Get(ctx, r.key).Int()
	if errors.Is(err, redis.Nil) {
		return r.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return max(r.limit-used, 0), nil
}

// Reset clears the current window.
func (r *RedisLimiter) Reset(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}

func (r *RedisLimiter) spacing() time.Duration {
	return r.window / time.Duration(r.limit)
}

type redisReservation struct {
	ok    bool
	delay time.Duration
}

func (r *redisReservation) OK() bool             { return r.ok }
func (r *redisReservation) Delay() time.Duration { return r.delay }
func (r *redisReservation) Cancel()              {}

// Compile-time checks
var (
	_ Limiter     = (*RedisLimiter)(nil)
	_ RedisClient = (*redis.Client)(nil)
)
