package redis

import (
	"log/slog"
	"time"
)

// Option configures the Redis transport
type Option func(*Transport)

// WithName sets the transport name used by event registrations.
func WithName(name string) Option {
	return func(t *Transport) {
		if name != "" {
			t.name = name
		}
	}
}

// WithConsumerName sets the consumer name this instance uses inside every
// consumer group. Pending entries are owned by consumer name, so a stable
// name lets a restarted instance see its own pending entries.
//
// Default: a random id per transport
func WithConsumerName(name string) Option {
	return func(t *Transport) {
		if name != "" {
			t.consumerName = name
		}
	}
}

// WithMaxLen sets the max length for streams (MAXLEN)
func WithMaxLen(n int64) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxLen = n
		}
	}
}

// WithMaxAge sets the max age for messages in streams (MINID-based trimming).
// Messages older than this duration are trimmed on each publish.
//
// Set to 0 (default) for unlimited retention.
func WithMaxAge(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.maxAge = d
		}
	}
}

// WithBlockTime sets the block time for XREADGROUP. Stop waits up to this
// long for a blocked read to return.
func WithBlockTime(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.blockTime = d
		}
	}
}

// WithReadCount sets how many entries one read or claim returns.
func WithReadCount(n int64) Option {
	return func(t *Transport) {
		if n > 0 {
			t.readCount = n
		}
	}
}

// WithClaimInterval sets how often each consumer group reclaims idle pending
// entries with XAUTOCLAIM. Zero disables reclaiming, so failed entries stay
// pending until another instance claims them.
//
// Default: 30 seconds
func WithClaimInterval(d time.Duration) Option {
	return func(t *Transport) {
		t.claimInterval = d
	}
}

// WithClaimMinIdle sets how long an entry must be pending before it is
// reclaimed. Keep it above the longest expected processing time.
//
// Default: 1 minute
func WithClaimMinIdle(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.claimMinIdle = d
		}
	}
}

// WithPollInterval sets how often scheduled messages are checked for release.
//
// Default: 1 second
func WithPollInterval(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.pollInterval = d
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
