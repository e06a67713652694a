package sqs

import (
	"log/slog"
	"time"
)

// Option configures the SQS transport
type Option func(*Transport)

// WithName sets the transport name used by event registrations.
func WithName(name string) Option {
	return func(t *Transport) {
		if name != "" {
			t.name = name
		}
	}
}

// WithWaitTime sets the long-poll wait of ReceiveMessage, at most 20
// seconds. Zero switches to short polling.
//
// Default: 20 seconds
func WithWaitTime(d time.Duration) Option {
	return func(t *Transport) {
		t.waitTime = min(max(d, 0), 20*time.Second)
	}
}

// WithVisibilityTimeout sets the visibility timeout of queues the transport
// creates. Existing queues keep their own setting.
//
// Default: 30 seconds
func WithVisibilityTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.visibilityTimeout = d
		}
	}
}

// WithRetention sets the message retention period of queues the transport
// creates.
//
// Default: 4 days
func WithRetention(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.retention = d
		}
	}
}

// WithRedeliveryDelay makes a failed message visible again after d instead
// of after the full visibility timeout. Zero keeps the visibility timeout.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(t *Transport) {
		t.redeliveryDelay = d
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
