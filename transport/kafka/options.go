package kafka

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/eventbus/checkpoint"
	"github.com/rbaliyan/eventbus/transport"
)

// Option configures the Kafka transport
type Option func(*Transport)

// WithName sets the transport name used by event registrations.
func WithName(name string) Option {
	return func(t *Transport) {
		if name != "" {
			t.name = name
		}
	}
}

// WithPartitions sets the number of partitions for new topics.
// An event can override it with the "partitions" metadata entry.
func WithPartitions(n int32) Option {
	return func(t *Transport) {
		if n > 0 {
			t.partitions = n
		}
	}
}

// WithReplication sets the replication factor for new topics
func WithReplication(n int16) Option {
	return func(t *Transport) {
		if n > 0 {
			t.replication = n
		}
	}
}

// WithRetention sets the message retention time for topics created by the
// transport. Maps to Kafka topic config "retention.ms".
//
// Set to 0 (default) to use broker's default retention (usually 7 days).
func WithRetention(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.retention = d
		}
	}
}

// WithPartitionObserver registers callbacks for partition assignment,
// revocation and processing errors.
func WithPartitionObserver(o transport.PartitionObserver) Option {
	return func(t *Transport) {
		if o != nil {
			t.observer = o
		}
	}
}

// WithCheckpointStore mirrors every offset commit into store. When a
// partition is assigned, an offset found in the store that is ahead of the
// group's committed offset is marked so the group resumes from it.
func WithCheckpointStore(store checkpoint.Store) Option {
	return func(t *Transport) {
		if store != nil {
			t.store = store
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
