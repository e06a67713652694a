package checkpoint

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of redis.Cmdable used by RedisStore.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisStore implements Store using one Redis hash. Fields are Key.String()
// and values are decimal offsets.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := checkpoint.NewRedisStore(client, "orders:offsets")
//
//	// With cluster client
//	cluster := redis.NewClusterClient(&redis.ClusterOptions{...})
//	store := checkpoint.NewRedisStore(cluster, "orders:offsets")
type RedisStore struct {
	client RedisClient
	key    string
	ttl    time.Duration
}

// RedisOption configures the Redis checkpoint store
type RedisOption func(*RedisStore)

// WithTTL sets a TTL on the hash, refreshed on every save.
// After it expires consumers fall back to the broker's committed offsets.
// Default is 0 (no expiration).
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore creates a new Redis-backed checkpoint store.
func NewRedisStore(client RedisClient, key string, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		key:    key,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save persists the offset for key.
func (s *RedisStore) Save(ctx context.Context, key Key, offset int64) error {
	if err := s.client.HSet(ctx, s.key, key.String(), strconv.FormatInt(offset, 10)).Err(); err != nil {
		return err
	}
	if s.ttl > 0 {
		return s.client.Expire(ctx, s.key, s.ttl).Err()
	}
	return nil
}

// Load retrieves the last saved offset for key.
func (s *RedisStore) Load(ctx context.Context, key Key) (int64, bool, error) {
	value, err := s.client.HGet(ctx, s.key, key.String()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	offset, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return offset, true, nil
}

// Delete removes the offset for key.
func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	return s.client.HDel(ctx, s.key, key.String()).Err()
}

// All returns every stored offset keyed by Key.String().
func (s *RedisStore) All(ctx context.Context) (map[string]int64, error) {
	result, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	offsets := make(map[string]int64, len(result))
	for field, value := range result {
		offset, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue // Skip invalid entries
		}
		offsets[field] = offset
	}
	return offsets, nil
}

var _ RedisClient = (*redis.Client)(nil)
