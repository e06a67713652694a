// Package transport defines the contract between the event bus and broker adapters.
//
// Adapters (inmemory, kafka, nats, redis, sqs) import this package rather than
// the root eventbus package to avoid import cycles. The bus calls adapters,
// never the reverse: inbound messages are handed back through the Host the
// adapter received in Start.
package transport

import (
	"context"
	"log/slog"
	"math/rand"
	"reflect"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Capabilities describes the optional features a transport supports.
type Capabilities struct {
	// SupportsScheduling reports whether messages can be delivered at a later time.
	SupportsScheduling bool

	// SupportsCancellation reports whether scheduled messages can be retracted.
	SupportsCancellation bool

	// SupportsDeadletter reports whether failed messages can be redirected to a
	// dead-letter destination.
	SupportsDeadletter bool

	// SingleConsumerPerEvent restricts each event to one non-dead-letter consumer.
	SingleConsumerPerEvent bool

	// Partitioned reports whether the broker splits entities into partitions.
	Partitioned bool

	// MaxEntityNameLength bounds entity names. Zero means unlimited.
	MaxEntityNameLength int
}

// EventRegistration describes one event payload type known to the bus.
type EventRegistration struct {
	// EventType is the Go type of the payload.
	EventType reflect.Type

	// EventName is the short, convention-formatted name of the event (Event-Name header).
	EventName string

	// TypeName is the fully qualified Go type name (Event-Type header).
	TypeName string

	// EntityName is the broker-visible topic/subject/queue name.
	EntityName string

	// DeadletterEntityName is the broker-visible dead-letter destination.
	DeadletterEntityName string

	// TransportName selects the transport carrying this event. Empty means the
	// bus default.
	TransportName string

	// ContentType is the payload codec used when publishing.
	ContentType string

	// Exclusive restricts the event to a single consumer per stream.
	Exclusive bool

	Consumers []*ConsumerRegistration
	Metadata  map[string]string
}

// Entity returns the entity name for the main or the dead-letter stream.
func (r *EventRegistration) Entity(deadletter bool) string {
	if deadletter {
		return r.DeadletterEntityName
	}
	return r.EntityName
}

// ConsumerRegistration binds a consumer to one stream of an event.
type ConsumerRegistration struct {
	// ConsumerName identifies the consumer type.
	ConsumerName string

	// GroupName is the broker consumer-group / subscription name.
	GroupName string

	// Deadletter marks a binding to the event's dead-letter stream.
	Deadletter bool

	// CheckpointInterval is how many successful messages may be marked before
	// the adapter commits its position. Clamped to at least 1 at validation.
	CheckpointInterval int

	Metadata map[string]string
}

// Message is an outbound message handed to Publish.
type Message struct {
	ID           string
	Body         []byte
	Headers      map[string]string
	PartitionKey string

	// ScheduledAt requests delayed delivery. Zero means immediate.
	ScheduledAt time.Time
}

// Delivery is an inbound message handed to Host.Process.
type Delivery struct {
	// ID is the broker-native identifier of the message.
	ID      string
	Body    []byte
	Headers map[string]string

	// Partition is the source partition, or -1 on non-partitioned transports.
	Partition int32

	// Attempt counts deliveries of this message, starting at 1.
	Attempt int
}

// Acknowledger settles a delivery with the broker.
type Acknowledger interface {
	// Checkpoint advances the durable consumption position past the delivery.
	Checkpoint(ctx context.Context, d *Delivery) error

	// DeadLetter resends the raw delivery, unmodified, to the event's
	// dead-letter destination and settles the source message. It must be safe
	// to call again for the same delivery.
	DeadLetter(ctx context.Context, d *Delivery, cause error) error
}

// Host processes inbound deliveries. The bus implements it.
type Host interface {
	Process(ctx context.Context, event *EventRegistration, consumer *ConsumerRegistration, d *Delivery, ack Acknowledger) error
}

// Transport is the contract every broker adapter implements.
type Transport interface {
	// Name identifies the transport within a bus.
	Name() string

	// Capabilities reports the optional features of the transport.
	Capabilities() Capabilities

	// Start begins one consumption loop per consumer registration of the
	// given events.
	Start(ctx context.Context, host Host, events []*EventRegistration) error

	// Stop drains in-flight deliveries and releases cached clients.
	Stop(ctx context.Context) error

	// CheckHealth reports the state of the transport.
	CheckHealth(ctx context.Context) *HealthCheckResult

	// Publish sends msgs in order with one broker call where possible and
	// returns broker identifiers in the same order.
	Publish(ctx context.Context, event *EventRegistration, msgs []*Message) ([]string, error)

	// Cancel retracts scheduled messages. Transports without cancellation
	// return a *NotSupportedError.
	Cancel(ctx context.Context, event *EventRegistration, ids []string) error
}

// PartitionInfo identifies a partition lane of a consumer.
type PartitionInfo struct {
	Entity    string
	Group     string
	Partition int32
}

// PartitionObserver receives partition lifecycle notifications from
// partitioned transports. The callbacks are informational and cannot change
// how a message is settled.
type PartitionObserver interface {
	OnPartitionOpening(ctx context.Context, p PartitionInfo)
	OnPartitionClosing(ctx context.Context, p PartitionInfo)
	OnProcessingError(ctx context.Context, p PartitionInfo, err error)
}

// PartitionObserverFuncs adapts optional functions to PartitionObserver.
type PartitionObserverFuncs struct {
	Opening func(ctx context.Context, p PartitionInfo)
	Closing func(ctx context.Context, p PartitionInfo)
	Error   func(ctx context.Context, p PartitionInfo, err error)
}

func (f PartitionObserverFuncs) OnPartitionOpening(ctx context.Context, p PartitionInfo) {
	if f.Opening != nil {
		f.Opening(ctx, p)
	}
}

func (f PartitionObserverFuncs) OnPartitionClosing(ctx context.Context, p PartitionInfo) {
	if f.Closing != nil {
		f.Closing(ctx, p)
	}
}

func (f PartitionObserverFuncs) OnProcessingError(ctx context.Context, p PartitionInfo, err error) {
	if f.Error != nil {
		f.Error(ctx, p, err)
	}
}

// LogPartitionObserver returns an observer that logs partition transitions.
func LogPartitionObserver(logger *slog.Logger) PartitionObserver {
	return PartitionObserverFuncs{
		Opening: func(_ context.Context, p PartitionInfo) {
			logger.Info("partition opening", "entity", p.Entity, "group", p.Group, "partition", p.Partition)
		},
		Closing: func(_ context.Context, p PartitionInfo) {
			logger.Info("partition closing", "entity", p.Entity, "group", p.Group, "partition", p.Partition)
		},
		Error: func(_ context.Context, p PartitionInfo, err error) {
			logger.Error("partition processing error", "entity", p.Entity, "group", p.Group, "partition", p.Partition, "error", err)
		},
	}
}

// HealthStatus represents the health state of a component
type HealthStatus string

const (
	// HealthStatusHealthy indicates the component is functioning normally
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusDegraded indicates the component is functioning but with issues
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusUnhealthy indicates the component is not functioning
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult contains detailed health information
type HealthCheckResult struct {
	Status     HealthStatus                  `json:"status"`
	Message    string                        `json:"message,omitempty"`
	Latency    time.Duration                 `json:"latency,omitempty"`
	Details    map[string]any                `json:"details,omitempty"`
	Components map[string]*HealthCheckResult `json:"components,omitempty"`
	CheckedAt  time.Time                     `json:"checked_at"`
}

// IsHealthy returns true if the status is healthy
func (h *HealthCheckResult) IsHealthy() bool {
	return h != nil && h.Status == HealthStatusHealthy
}

// Unhealthy builds an unhealthy result for a transport that cannot be checked.
func Unhealthy(start time.Time, msg string) *HealthCheckResult {
	return &HealthCheckResult{
		Status:    HealthStatusUnhealthy,
		Message:   msg,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details:   make(map[string]any),
	}
}

var counter uint64

// NewID generates a new unique ID
func NewID() string {
	u, err := uuid.NewRandom()
	if err == nil {
		return u.String()
	}
	return strconv.FormatUint(atomic.AddUint64(&counter, 1), 10)
}

// Logger returns a logger with the given component name
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// Jitter adds randomness to a duration to prevent thundering herd.
// Returns a duration between d*(1-factor) and d*(1+factor).
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || factor > 1 {
		return d
	}
	jitter := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(d) * (1 + jitter))
}

// Backoff is the exponential retry delay used by consumption loops.
type Backoff struct {
	Min, Max time.Duration
	current  time.Duration
}

// DefaultBackoff returns the 100ms to 30s backoff used by adapter loops.
func DefaultBackoff() *Backoff {
	return &Backoff{Min: 100 * time.Millisecond, Max: 30 * time.Second}
}

// Next returns the jittered delay for the next retry and doubles the base.
func (b *Backoff) Next() time.Duration {
	if b.current < b.Min {
		b.current = b.Min
	}
	d := Jitter(b.current, 0.3)
	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}
	return d
}

// Reset restores the minimum delay.
func (b *Backoff) Reset() {
	b.current = b.Min
}

// Sleep waits for the next backoff delay. It returns false if ctx ends first.
func (b *Backoff) Sleep(ctx context.Context) bool {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
