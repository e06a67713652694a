package eventbus

import (
	"log/slog"
	"maps"
	"time"

	"github.com/rbaliyan/eventbus/payload"
	"github.com/rbaliyan/eventbus/ratelimit"
	"github.com/rbaliyan/eventbus/transport"
)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithNaming sets the naming options used to derive entity and group names.
func WithNaming(n NamingOptions) RegistryOption {
	return func(r *Registry) {
		r.naming = n
	}
}

// WithExclusiveConsumers allows only one consumer per event stream for every
// event in the registry.
func WithExclusiveConsumers() RegistryOption {
	return func(r *Registry) {
		r.exclusive = true
	}
}

// WithDefaultContentType sets the content type of events registered without one.
func WithDefaultContentType(contentType string) RegistryOption {
	return func(r *Registry) {
		if contentType != "" {
			r.contentType = contentType
		}
	}
}

// EventOption configures an event registration.
type EventOption func(*eventOptions)

type eventOptions struct {
	entityName    string
	transportName string
	contentType   string
	exclusive     bool
	metadata      map[string]string
}

func (o *eventOptions) apply(r *Registry, reg *transport.EventRegistration) {
	if o.entityName != "" {
		reg.EntityName = o.entityName
		reg.DeadletterEntityName = r.naming.DeadletterName(o.entityName)
	}
	if o.transportName != "" {
		reg.TransportName = o.transportName
	}
	if o.contentType != "" {
		reg.ContentType = o.contentType
	}
	if o.exclusive {
		reg.Exclusive = true
	}
	maps.Copy(reg.Metadata, o.metadata)
}

// WithEntityName overrides the derived entity name.
func WithEntityName(name string) EventOption {
	return func(o *eventOptions) {
		o.entityName = name
	}
}

// WithEventTransport routes the event through the named transport instead of
// the bus default.
func WithEventTransport(name string) EventOption {
	return func(o *eventOptions) {
		o.transportName = name
	}
}

// WithContentType selects the payload codec of the event.
func WithContentType(contentType string) EventOption {
	return func(o *eventOptions) {
		o.contentType = contentType
	}
}

// WithExclusive allows a single consumer per stream of this event.
func WithExclusive() EventOption {
	return func(o *eventOptions) {
		o.exclusive = true
	}
}

// WithEventMetadata attaches transport-specific metadata to the event.
func WithEventMetadata(key, value string) EventOption {
	return func(o *eventOptions) {
		if o.metadata == nil {
			o.metadata = make(map[string]string)
		}
		o.metadata[key] = value
	}
}

// ConsumerOption configures a consumer binding.
type ConsumerOption func(*consumerOptions)

type consumerOptions struct {
	deadletter bool
	group      string
	interval   int
	limiter    ratelimit.Limiter
	metadata   map[string]string
}

// AsDeadletter binds the consumer to the event's dead-letter stream.
func AsDeadletter() ConsumerOption {
	return func(o *consumerOptions) {
		o.deadletter = true
	}
}

// WithGroupName overrides the derived consumer-group name.
func WithGroupName(name string) ConsumerOption {
	return func(o *consumerOptions) {
		o.group = name
	}
}

// WithCheckpointInterval sets how many messages may be processed between
// checkpoint commits. Values below MinCheckpointInterval are raised at startup.
func WithCheckpointInterval(n int) ConsumerOption {
	return func(o *consumerOptions) {
		o.interval = n
	}
}

// WithRateLimiter throttles dispatch to the consumer.
func WithRateLimiter(l ratelimit.Limiter) ConsumerOption {
	return func(o *consumerOptions) {
		if l != nil {
			o.limiter = l
		}
	}
}

// WithConsumerMetadata attaches transport-specific metadata to the binding.
func WithConsumerMetadata(key, value string) ConsumerOption {
	return func(o *consumerOptions) {
		if o.metadata == nil {
			o.metadata = make(map[string]string)
		}
		o.metadata[key] = value
	}
}

// BusOption configures a Bus.
type BusOption func(*busOptions)

type busOptions struct {
	name             string
	transports       []transport.Transport
	defaultTransport string
	logger           *slog.Logger
	tracing          bool
	metrics          bool
	scopes           ScopeFactory
	codecs           *payload.Registry
	onWarning        func(CapabilityWarning)
	clock            func() time.Time
}

// WithName sets the bus name used for tracer and meter names.
func WithName(name string) BusOption {
	return func(o *busOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithTransport adds a transport. The first one added is the default unless
// WithDefaultTransport says otherwise.
func WithTransport(t transport.Transport) BusOption {
	return func(o *busOptions) {
		if t != nil {
			o.transports = append(o.transports, t)
		}
	}
}

// WithDefaultTransport names the transport used by events without an explicit one.
func WithDefaultTransport(name string) BusOption {
	return func(o *busOptions) {
		o.defaultTransport = name
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) BusOption {
	return func(o *busOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracing enables OpenTelemetry spans for publish and consume.
func WithTracing(enabled bool) BusOption {
	return func(o *busOptions) {
		o.tracing = enabled
	}
}

// WithMetrics enables OpenTelemetry counters.
func WithMetrics(enabled bool) BusOption {
	return func(o *busOptions) {
		o.metrics = enabled
	}
}

// WithScopeFactory sets the factory creating per-message scopes.
func WithScopeFactory(f ScopeFactory) BusOption {
	return func(o *busOptions) {
		if f != nil {
			o.scopes = f
		}
	}
}

// WithPayloadCodecs sets the codec registry. Defaults to payload.DefaultRegistry.
func WithPayloadCodecs(r *payload.Registry) BusOption {
	return func(o *busOptions) {
		if r != nil {
			o.codecs = r
		}
	}
}

// WithCapabilityWarningHandler is called whenever a request degrades because
// a transport lacks an optional capability.
func WithCapabilityWarningHandler(fn func(CapabilityWarning)) BusOption {
	return func(o *busOptions) {
		if fn != nil {
			o.onWarning = fn
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) BusOption {
	return func(o *busOptions) {
		if now != nil {
			o.clock = now
		}
	}
}
