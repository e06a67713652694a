package eventbus

import (
	"context"
	"errors"
	"sync"
)

// Consumer handles events of type T.
type Consumer[T any] interface {
	Consume(ctx context.Context, ec *EventContext[T]) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc[T any] func(ctx context.Context, ec *EventContext[T]) error

// Consume calls f.
func (f ConsumerFunc[T]) Consume(ctx context.Context, ec *EventContext[T]) error {
	return f(ctx, ec)
}

// ConsumerFactory resolves a consumer for one message from its scope.
type ConsumerFactory[T any] func(scope Scope) (Consumer[T], error)

// Singleton returns a factory that always resolves c.
func Singleton[T any](c Consumer[T]) ConsumerFactory[T] {
	return func(Scope) (Consumer[T], error) { return c, nil }
}

// Scope carries per-message collaborators. A new scope is created for each
// delivered message and closed once the message is settled.
type Scope interface {
	// Context returns the message context the scope was created for.
	Context() context.Context

	// Get returns a value stored in the scope.
	Get(key any) (any, bool)

	// Set stores a value in the scope.
	Set(key, value any)

	// OnClose registers fn to run when the scope closes, in reverse order.
	OnClose(fn func() error)

	// Close runs the registered close functions and joins their errors.
	Close() error
}

// ScopeFactory creates message scopes.
type ScopeFactory interface {
	NewScope(ctx context.Context) (Scope, error)
}

// ScopeFactoryFunc adapts a function to ScopeFactory.
type ScopeFactoryFunc func(ctx context.Context) (Scope, error)

// NewScope calls f.
func (f ScopeFactoryFunc) NewScope(ctx context.Context) (Scope, error) {
	return f(ctx)
}

// DefaultScopeFactory creates map-backed scopes.
var DefaultScopeFactory ScopeFactory = ScopeFactoryFunc(func(ctx context.Context) (Scope, error) {
	return NewScope(ctx), nil
})

// NewScope creates an empty map-backed scope.
func NewScope(ctx context.Context) Scope {
	return &scope{ctx: ctx, values: make(map[any]any)}
}

type scope struct {
	ctx     context.Context
	mu      sync.Mutex
	values  map[any]any
	closers []func() error
	closed  bool
}

func (s *scope) Context() context.Context { return s.ctx }

func (s *scope) Get(key any) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *scope) Set(key, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.values[key] = value
}

func (s *scope) OnClose(fn func() error) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, fn)
}

func (s *scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	s.values = nil
	s.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ScopeValue returns the value stored under key with type V.
func ScopeValue[V any](s Scope, key any) (V, bool) {
	v, ok := s.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	typed, ok := v.(V)
	return typed, ok
}
