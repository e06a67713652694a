// Package ratelimit throttles dispatch to consumers.
//
// A Limiter is attached to a consumer binding with eventbus.WithRateLimiter;
// the bus calls Wait before every dispatch to that consumer.
//
//	// 100 events per second with a burst of 10, per process
//	limiter := ratelimit.NewTokenBucket(100, 10)
//
//	// 1000 events per minute shared by every instance
//	limiter := ratelimit.NewRedisLimiter(rdb, "billing", 1000, time.Minute)
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is the interface for rate limiters.
//
// All implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether an event can happen right now.
	Allow(ctx context.Context) bool

	// Wait blocks until an event is allowed or ctx is done.
	Wait(ctx context.Context) error

	// Reserve returns a reservation for a future event.
	Reserve(ctx context.Context) Reservation
}

// Reservation is a claim on a future event.
type Reservation interface {
	// OK reports whether the reservation can be honoured at all.
	OK() bool

	// Delay is how long to wait before acting on the reservation.
	Delay() time.Duration

	// Cancel returns the claim when the event will not happen.
	Cancel()
}

// TokenBucket is an in-process token bucket backed by golang.org/x/time/rate.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a bucket refilled at rps tokens per second holding
// at most burst tokens.
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *TokenBucket) Allow(ctx context.Context) bool {
	return t.limiter.Allow()
}

func (t *TokenBucket) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

func (t *TokenBucket) Reserve(ctx context.Context) Reservation {
	return t.limiter.Reserve()
}

// SetLimit changes the refill rate.
func (t *TokenBucket) SetLimit(rps float64) {
	t.limiter.SetLimit(rate.Limit(rps))
}

// SetBurst changes the bucket size.
func (t *TokenBucket) SetBurst(burst int) {
	t.limiter.SetBurst(burst)
}

// Limit returns the refill rate in events per second.
func (t *TokenBucket) Limit() float64 {
	return float64(t.limiter.Limit())
}

// Burst returns the bucket size.
func (t *TokenBucket) Burst() int {
	return t.limiter.Burst()
}

// Compile-time checks
var (
	_ Limiter     = (*TokenBucket)(nil)
	_ Reservation = (*rate.Reservation)(nil)
)
