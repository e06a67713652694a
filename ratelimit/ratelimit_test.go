package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	t.Run("NewTokenBucket creates limiter", func(t *testing.T) {
		limiter := NewTokenBucket(100, 10)

		if limiter.Limit() != 100 {
			t.Errorf("expected limit 100, got %f", limiter.Limit())
		}
		if limiter.Burst() != 10 {
			t.Errorf("expected burst 10, got %d", limiter.Burst())
		}
	})

	t.Run("Allow returns false when exhausted", func(t *testing.T) {
		limiter := NewTokenBucket(1, 1)
		ctx := context.Background()

		if !limiter.Allow(ctx) {
			t.Error("expected first Allow to succeed")
		}
		if limiter.Allow(ctx) {
			t.Error("expected second Allow to fail")
		}
	})

	t.Run("Wait blocks until token available", func(t *testing.T) {
		limiter := NewTokenBucket(100, 1)
		ctx := context.Background()
		limiter.Allow(ctx)

		ctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		if err := limiter.Wait(ctx); err != nil {
			t.Errorf("Wait failed: %v", err)
		}
	})

	t.Run("Wait respects context cancellation", func(t *testing.T) {
		limiter := NewTokenBucket(0.001, 1)
		ctx := context.Background()
		limiter.Allow(ctx)

		ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		if err := limiter.Wait(ctx); err == nil {
			t.Error("expected Wait to fail with context deadline")
		}
	})

	t.Run("Reserve returns immediate reservation", func(t *testing.T) {
		limiter := NewTokenBucket(100, 5)

		r := limiter.Reserve(context.Background())
		if !r.OK() {
			t.Error("expected reservation to be OK")
		}
		if r.Delay() != 0 {
			t.Errorf("expected no delay, got %v", r.Delay())
		}
		r.Cancel()
	})

	t.Run("SetLimit and SetBurst", func(t *testing.T) {
		limiter := NewTokenBucket(100, 10)
		limiter.SetLimit(200)
		limiter.SetBurst(20)

		if limiter.Limit() != 200 {
			t.Errorf("expected limit 200, got %f", limiter.Limit())
		}
		if limiter.Burst() != 20 {
			t.Errorf("expected burst 20, got %d", limiter.Burst())
		}
	})
}

// fakeRedis counts script invocations per key and ignores window expiry.
type fakeRedis struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{counts: make(map[string]int)}
}

func (f *fakeRedis) run(keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewCmdResult(nil, f.err)
	}
	f.counts[keys[0]]++
	if f.counts[keys[0]] > args[0].(int) {
		return redis.NewCmdResult(int64(0), nil)
	}
	return redis.NewCmdResult(int64(1), nil)
}

func (f *fakeRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(keys, args...)
}

func (f *fakeRedis) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(keys, args...)
}

func (f *fakeRedis) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(keys, args...)
}

func (f *fakeRedis) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(keys, args...)
}

func (f *fakeRedis) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (f *fakeRedis) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult("sha", nil)
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.counts[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(strconv.Itoa(n), nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.counts, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func TestRedisLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("admits limit events per window", func(t *testing.T) {
		rdb := newFakeRedis()
		limiter := NewRedisLimiter(rdb, "orders", 3, time.Second)

		for i := 0; i < 3; i++ {
			if !limiter.Allow(ctx) {
				t.Fatalf("event %d should be allowed", i)
			}
		}
		if limiter.Allow(ctx) {
			t.Fatal("fourth event should be rejected")
		}
		remaining, err := limiter.Remaining(ctx)
		if err != nil {
			t.Fatalf("Remaining: %v", err)
		}
		if remaining != 0 {
			t.Errorf("expected 0 remaining, got %d", remaining)
		}
		if r := limiter.Reserve(ctx); r.OK() || r.Delay() == 0 {
			t.Errorf("expected rejected reservation with delay, got ok=%v delay=%v", r.OK(), r.Delay())
		}
	})

	t.Run("Reset clears the window", func(t *testing.T) {
		rdb := newFakeRedis()
		limiter := NewRedisLimiter(rdb, "orders", 1, time.Second)
		limiter.Allow(ctx)

		if err := limiter.Reset(ctx); err != nil {
			t.Fatalf("Reset: %v", err)
		}
		remaining, _ := limiter.Remaining(ctx)
		if remaining != 1 {
			t.Errorf("expected full window after reset, got %d", remaining)
		}
		if !limiter.Allow(ctx) {
			t.Error("expected Allow after reset")
		}
	})

	t.Run("fails open on redis errors", func(t *testing.T) {
		rdb := newFakeRedis()
		rdb.err = errors.New("connection refused")
		limiter := NewRedisLimiter(rdb, "orders", 1, time.Second)

		for i := 0; i < 3; i++ {
			if !limiter.Allow(ctx) {
				t.Fatal("expected fail-open Allow")
			}
		}
	})

	t.Run("Wait honours context", func(t *testing.T) {
		rdb := newFakeRedis()
		limiter := NewRedisLimiter(rdb, "orders", 1, time.Hour)
		limiter.Allow(ctx)

		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		if err := limiter.Wait(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	})
}

func BenchmarkTokenBucketAllow(b *testing.B) {
	limiter := NewTokenBucket(1000000, 1000)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow(ctx)
	}
}
