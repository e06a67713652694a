package inmemory

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/eventbus/transport"
)

// Option configures the in-memory transport
type Option func(*Transport)

// WithName sets the transport name. Defaults to "inmemory".
func WithName(name string) Option {
	return func(t *Transport) {
		if name != "" {
			t.name = name
		}
	}
}

// WithCapabilities overrides the advertised capabilities. Useful for
// exercising degraded paths, e.g. publishing scheduled events to a transport
// without scheduling.
func WithCapabilities(c transport.Capabilities) Option {
	return func(t *Transport) {
		t.caps = c
	}
}

// WithBufferSize sets the queue length of each consumer lane
func WithBufferSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.bufferSize = n
		}
	}
}

// WithMaxDeliveryAttempts sets how many times a failed delivery is retried
// before it is dropped
func WithMaxDeliveryAttempts(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxAttempts = n
		}
	}
}

// WithRedeliveryDelay sets the pause between delivery attempts
func WithRedeliveryDelay(d time.Duration) Option {
	return func(t *Transport) {
		if d >= 0 {
			t.redeliveryDelay = d
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
