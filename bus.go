package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/eventbus/envelope"
	"github.com/rbaliyan/eventbus/payload"
	"github.com/rbaliyan/eventbus/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	busStopped int32 = iota
	busRunning
	busStopping
)

// DefaultBusName names the tracer and meter of a bus created without WithName.
const DefaultBusName = "eventbus"

const (
	spanKeyEventID     = "event.id"
	spanKeyEventName   = "event.name"
	spanKeyEntity      = "event.entity"
	spanKeyConsumer    = "event.consumer"
	spanKeyTransport   = "event.transport"
	spanKeyBatchSize   = "event.batch_size"
	spanKeyBrokerMsgID = "messaging.message.id"
)

// CapabilityWarning describes a request that was served in a degraded way
// because the transport lacks an optional capability.
type CapabilityWarning struct {
	Transport  string
	Capability string
	Event      string
	Message    string
}

// Bus runs the publish and consume pipelines for the events of a Registry.
type Bus struct {
	status     atomic.Int32
	mu         sync.Mutex // serializes Start and Stop
	name       string
	registry   *Registry
	transports map[string]transport.Transport
	names      []string
	defaultTr  string
	started    []transport.Transport
	serializer *envelope.Serializer
	scopes     ScopeFactory
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *busMetrics
	onWarning  func(CapabilityWarning)
	now        func() time.Time
	inflight   sync.WaitGroup
}

// New creates a bus over reg. At least one transport is required.
func New(reg *Registry, opts ...BusOption) (*Bus, error) {
	if reg == nil {
		return nil, ErrRegistryRequired
	}
	o := &busOptions{
		name:      DefaultBusName,
		logger:    transport.Logger("eventbus"),
		scopes:    DefaultScopeFactory,
		codecs:    payload.DefaultRegistry(),
		onWarning: func(CapabilityWarning) {},
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if len(o.transports) == 0 {
		return nil, ErrNoTransport
	}

	b := &Bus{
		name:       o.name,
		registry:   reg,
		transports: make(map[string]transport.Transport, len(o.transports)),
		serializer: envelope.NewSerializer(o.codecs),
		scopes:     o.scopes,
		logger:     o.logger,
		tracer:     noop.NewTracerProvider().Tracer(o.name),
		onWarning:  o.onWarning,
		now:        o.clock,
	}
	for _, t := range o.transports {
		name := t.Name()
		if _, dup := b.transports[name]; dup {
			return nil, transport.Configurationf("duplicate transport name %q", name)
		}
		b.transports[name] = t
		b.names = append(b.names, name)
	}
	b.defaultTr = b.names[0]
	if o.defaultTransport != "" {
		if _, ok := b.transports[o.defaultTransport]; !ok {
			return nil, transport.Configurationf("default transport %q is not registered", o.defaultTransport)
		}
		b.defaultTr = o.defaultTransport
	}
	if o.tracing {
		b.tracer = otel.Tracer(o.name)
	}
	if o.metrics {
		b.metrics = newBusMetrics(o.name)
	}
	return b, nil
}

// Name returns the bus name.
func (b *Bus) Name() string {
	return b.name
}

// Registry returns the registry of the bus.
func (b *Bus) Registry() *Registry {
	return b.registry
}

// Transport returns the transport registered under name.
func (b *Bus) Transport(name string) (transport.Transport, bool) {
	t, ok := b.transports[name]
	return t, ok
}

// Running reports whether the bus has started and is not stopping.
func (b *Bus) Running() bool {
	return b.status.Load() == busRunning
}

// Start validates the registry against every transport and starts
// consumption. On failure no transport is left running.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Load() != busStopped {
		return ErrBusAlreadyStarted
	}

	if err := b.validate(); err != nil {
		return err
	}
	b.registry.seal()

	byTransport := make(map[string][]*transport.EventRegistration)
	for _, ev := range b.registry.Events() {
		byTransport[ev.TransportName] = append(byTransport[ev.TransportName], ev)
	}

	b.started = b.started[:0]
	for _, name := range b.names {
		t := b.transports[name]
		if err := t.Start(ctx, b, byTransport[name]); err != nil {
			b.logger.Error("failed to start transport", "transport", name, "error", err)
			b.stopStarted(ctx)
			b.registry.unseal()
			return transport.NewTransportError(name, "start", err)
		}
		b.started = append(b.started, t)
		b.logger.Debug("started transport", "transport", name, "events", len(byTransport[name]))
	}

	b.status.Store(busRunning)
	b.logger.Info("bus started", "transports", b.names, "events", len(b.registry.Events()))
	return nil
}

func (b *Bus) validate() error {
	known := func(name string) bool {
		_, ok := b.transports[name]
		return ok
	}
	if err := b.registry.resolveTransports(b.defaultTr, known); err != nil {
		return err
	}
	errs := []error{b.registry.validateEntities()}
	for _, name := range b.names {
		errs = append(errs, b.registry.Validate(name, b.transports[name].Capabilities()))
	}
	return errors.Join(errs...)
}

// Stop stops every transport, each draining its in-flight deliveries before
// releasing its clients, then waits for the pipeline to go idle. Failures are
// joined; one failing transport does not prevent the others from stopping.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.status.CompareAndSwap(busRunning, busStopping) {
		return nil
	}
	err := b.stopStarted(ctx)

	idle := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		err = errors.Join(err, fmt.Errorf("waiting for in-flight events: %w", ctx.Err()))
	}

	b.status.Store(busStopped)
	b.logger.Info("bus stopped")
	return err
}

func (b *Bus) stopStarted(ctx context.Context) error {
	var errs []error
	for i := len(b.started) - 1; i >= 0; i-- {
		t := b.started[i]
		if err := t.Stop(ctx); err != nil {
			b.logger.Error("failed to stop transport", "transport", t.Name(), "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", t.Name(), err))
		}
	}
	b.started = b.started[:0]
	return errors.Join(errs...)
}

// CheckHealth reports the health of every transport. The overall status is
// the worst component status.
func (b *Bus) CheckHealth(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	result := &transport.HealthCheckResult{
		Status:     transport.HealthStatusHealthy,
		Message:    "bus is healthy",
		CheckedAt:  start,
		Components: make(map[string]*transport.HealthCheckResult, len(b.names)),
		Details:    map[string]any{"events": len(b.registry.Events())},
	}
	if !b.Running() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "bus is not running"
	}
	for _, name := range b.names {
		h := b.transports[name].CheckHealth(ctx)
		if h == nil {
			h = transport.Unhealthy(start, "no health result")
		}
		result.Components[name] = h
		switch {
		case h.Status == transport.HealthStatusUnhealthy:
			if result.Status != transport.HealthStatusUnhealthy {
				result.Message = fmt.Sprintf("transport %s is unhealthy", name)
			}
			result.Status = transport.HealthStatusUnhealthy
		case h.Status == transport.HealthStatusDegraded && result.Status == transport.HealthStatusHealthy:
			result.Status = transport.HealthStatusDegraded
			result.Message = fmt.Sprintf("transport %s is degraded", name)
		}
	}
	result.Latency = time.Since(start)
	return result
}

// Healthy reports whether the bus and all its transports are healthy.
func (b *Bus) Healthy(ctx context.Context) bool {
	return b.CheckHealth(ctx).IsHealthy()
}

func (b *Bus) warn(ctx context.Context, w CapabilityWarning) {
	b.logger.Warn(w.Message, "transport", w.Transport, "capability", w.Capability, "event", w.Event)
	b.metrics.add(ctx, counterWarnings, 1, w.Event, attribute.String("capability", w.Capability))
	b.onWarning(w)
}

func (b *Bus) startSpan(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return b.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// Compile-time check
var _ transport.Host = (*Bus)(nil)
