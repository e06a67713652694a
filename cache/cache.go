// Package cache provides the lazily populated client cache shared by broker adapters.
//
// A Cache maps a comparable key to an expensive client handle (producer,
// consumer group, queue URL, stream). Creation for a key runs at most once
// even under concurrent first access; callers for other keys never wait on it.
//
//	producers := cache.New("kafka-producers", func(ctx context.Context, k publishKey) (*producer, error) {
//	    return newProducer(ctx, k)
//	}, cache.WithCloser(func(ctx context.Context, p *producer) error {
//	    return p.Close()
//	}))
//
//	p, err := producers.GetOrCreate(ctx, publishKey{Type: t, Deadletter: false})
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/eventbus/transport"
)

// ErrClosed is returned by GetOrCreate after Close.
var ErrClosed = errors.New("cache closed")

// Factory creates the handle for a key.
type Factory[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Closer releases a handle removed from the cache.
type Closer[V any] func(ctx context.Context, v V) error

// Cache is a concurrency-safe memoizing factory keyed by K.
//
// Each key gets its own gate: the first caller stores a placeholder and runs
// the factory, later callers wait on the placeholder. A failed creation is
// removed so the next call retries.
type Cache[K comparable, V any] struct {
	name    string
	entries sync.Map // map[K]*entry[V]
	create  Factory[K, V]
	close   Closer[V]
	logger  *slog.Logger
	closed  atomic.Bool
}

type entry[V any] struct {
	ready chan struct{}
	val   V
	err   error
}

// Option configures a Cache.
type Option[V any] func(*options[V])

type options[V any] struct {
	close  Closer[V]
	logger *slog.Logger
}

// WithCloser sets the function used to release handles on Invalidate and RemoveAll.
func WithCloser[V any](fn Closer[V]) Option[V] {
	return func(o *options[V]) {
		if fn != nil {
			o.close = fn
		}
	}
}

// WithLogger sets the logger used to report close failures.
func WithLogger[V any](l *slog.Logger) Option[V] {
	return func(o *options[V]) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates a cache using create to build missing entries.
func New[K comparable, V any](name string, create Factory[K, V], opts ...Option[V]) *Cache[K, V] {
	o := &options[V]{
		logger: transport.Logger("eventbus>cache"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Cache[K, V]{
		name:   name,
		create: create,
		close:  o.close,
		logger: o.logger.With("cache", name),
	}
}

// GetOrCreate returns the handle for key, creating it on first use.
// Concurrent callers for the same key receive the same handle or the same
// creation error. Waiting callers give up when ctx ends. When the creating
// caller's context ends mid-creation, waiters whose context is still live
// retry the creation themselves.
func (c *Cache[K, V]) GetOrCreate(ctx context.Context, key K) (V, error) {
	var zero V
	if c.closed.Load() {
		return zero, ErrClosed
	}

	if v, ok := c.entries.Load(key); ok {
		return c.wait(ctx, key, v.(*entry[V]))
	}

	e := &entry[V]{ready: make(chan struct{})}
	actual, loaded := c.entries.LoadOrStore(key, e)
	if loaded {
		return c.wait(ctx, key, actual.(*entry[V]))
	}

	e.val, e.err = c.create(ctx, key)
	if e.err != nil {
		c.entries.CompareAndDelete(key, e)
	}
	close(e.ready)

	if e.err == nil && c.closed.Load() {
		// RemoveAll ran while we were creating; release what we built.
		c.Invalidate(ctx, key)
		return zero, ErrClosed
	}
	return e.val, e.err
}

func (c *Cache[K, V]) wait(ctx context.Context, key K, e *entry[V]) (V, error) {
	select {
	case <-e.ready:
	default:
		select {
		case <-e.ready:
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}
	if e.err != nil && isContextError(e.err) && ctx.Err() == nil {
		// the creating caller gave up; the entry is gone, so build it again
		return c.GetOrCreate(ctx, key)
	}
	return e.val, e.err
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Peek returns the handle for key without creating it.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	var zero V
	v, ok := c.entries.Load(key)
	if !ok {
		return zero, false
	}
	e := v.(*entry[V])
	select {
	case <-e.ready:
		if e.err != nil {
			return zero, false
		}
		return e.val, true
	default:
		return zero, false
	}
}

// Invalidate removes key and closes its handle. Close errors are logged.
func (c *Cache[K, V]) Invalidate(ctx context.Context, key K) {
	v, ok := c.entries.LoadAndDelete(key)
	if !ok {
		return
	}
	c.release(ctx, key, v.(*entry[V]))
}

// RemoveAll closes every cached handle and rejects further creation.
// A failing close is logged and does not stop the others from closing.
func (c *Cache[K, V]) RemoveAll(ctx context.Context) {
	c.closed.Store(true)
	c.entries.Range(func(key, _ any) bool {
		c.Invalidate(ctx, key.(K))
		return true
	})
}

// Reopen allows creation again after RemoveAll.
func (c *Cache[K, V]) Reopen() {
	c.closed.Store(false)
}

// Range calls fn for each successfully created handle.
func (c *Cache[K, V]) Range(fn func(key K, v V) bool) {
	c.entries.Range(func(k, v any) bool {
		e := v.(*entry[V])
		select {
		case <-e.ready:
			if e.err != nil {
				return true
			}
			return fn(k.(K), e.val)
		default:
			return true
		}
	})
}

// Len returns the number of entries, including ones still being created.
func (c *Cache[K, V]) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (c *Cache[K, V]) release(ctx context.Context, key K, e *entry[V]) {
	select {
	case <-e.ready:
	default:
		select {
		case <-e.ready:
		case <-ctx.Done():
			c.logger.Error("abandoned entry still being created", "key", key, "error", ctx.Err())
			return
		}
	}
	if e.err != nil || c.close == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic closing cached client", "key", key, "panic", r)
		}
	}()
	if err := c.close(ctx, e.val); err != nil {
		c.logger.Error("failed to close cached client", "key", key, "error", err)
	}
}
