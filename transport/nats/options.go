package nats

import (
	"log/slog"
	"time"
)

// Option configures the JetStream transport
type Option func(*Transport)

// WithName sets the transport name used by event registrations.
func WithName(name string) Option {
	return func(t *Transport) {
		if name != "" {
			t.name = name
		}
	}
}

// WithReplicas sets the number of replicas for streams
func WithReplicas(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.replicas = n
		}
	}
}

// WithMaxAge sets the max age for messages in streams
func WithMaxAge(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.maxAge = d
		}
	}
}

// WithDeduplication sets the stream duplicate window. Messages published with
// the same Nats-Msg-Id inside the window are stored once. Dead-lettering
// relies on it to stay idempotent.
//
// Default: 2 minutes (the JetStream default).
func WithDeduplication(window time.Duration) Option {
	return func(t *Transport) {
		if window > 0 {
			t.dedupWindow = window
		}
	}
}

// WithMaxDeliver sets the maximum delivery attempts per message. After the
// limit JetStream stops redelivering.
//
// Default: 0 (unlimited)
func WithMaxDeliver(n int) Option {
	return func(t *Transport) {
		t.maxDeliver = n
	}
}

// WithAckWait sets how long JetStream waits for an ack before redelivering.
//
// Default: 30 seconds
func WithAckWait(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.ackWait = d
		}
	}
}

// WithRedeliveryDelay sets the delay requested when a message is
// negatively acknowledged. Zero redelivers immediately.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(t *Transport) {
		t.redeliveryDelay = d
	}
}

// WithPullBatch sets how many messages each consumer buffers ahead.
func WithPullBatch(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.pullBatch = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}
