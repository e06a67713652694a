package eventbus

import (
	"maps"
	"time"
)

// EventContext is one event in flight: the payload plus its envelope metadata.
//
// The publisher creates it just before publishing; the consume pipeline
// rebuilds it from the wire envelope. It is owned by a single publish or
// consume call and must not be shared across calls.
type EventContext[T any] struct {
	// ID identifies the event. Assigned on publish if empty.
	ID string

	// CorrelationID links related events.
	CorrelationID string

	// Sent is the publish time. Assigned on publish if zero.
	Sent time.Time

	// Expires, if set, is the time after which consumers skip the event.
	Expires time.Time

	// Scheduled, if set, requests delivery at that time.
	Scheduled time.Time

	// PartitionKey routes the event on partitioned transports. Defaults to ID.
	PartitionKey string

	// Headers carries application headers next to the envelope headers.
	Headers map[string]string

	Payload T

	// set on the consume side only
	brokerID string
	attempt  int
}

// NewEventContext wraps payload in a new EventContext.
func NewEventContext[T any](payload T) *EventContext[T] {
	return &EventContext[T]{Payload: payload}
}

// WithCorrelationID sets the correlation id and returns ec.
func (ec *EventContext[T]) WithCorrelationID(id string) *EventContext[T] {
	ec.CorrelationID = id
	return ec
}

// WithScheduled requests delivery at t and returns ec.
func (ec *EventContext[T]) WithScheduled(t time.Time) *EventContext[T] {
	ec.Scheduled = t
	return ec
}

// WithExpiry sets the expiry relative to now and returns ec.
func (ec *EventContext[T]) WithExpiry(ttl time.Duration) *EventContext[T] {
	ec.Expires = time.Now().Add(ttl)
	return ec
}

// WithHeader sets an application header and returns ec.
func (ec *EventContext[T]) WithHeader(key, value string) *EventContext[T] {
	if ec.Headers == nil {
		ec.Headers = make(map[string]string)
	}
	ec.Headers[key] = value
	return ec
}

// Expired reports whether the event has an expiry that is not after now.
func (ec *EventContext[T]) Expired(now time.Time) bool {
	return !ec.Expires.IsZero() && !now.Before(ec.Expires)
}

// BrokerID returns the broker identifier of a consumed event.
func (ec *EventContext[T]) BrokerID() string {
	return ec.brokerID
}

// Attempt returns the delivery attempt of a consumed event, starting at 1.
func (ec *EventContext[T]) Attempt() int {
	return ec.attempt
}

// Reply creates an event correlated with ec.
func Reply[R, T any](ec *EventContext[T], payload R) *EventContext[R] {
	corr := ec.CorrelationID
	if corr == "" {
		corr = ec.ID
	}
	return &EventContext[R]{
		CorrelationID: corr,
		Headers:       maps.Clone(ec.Headers),
		Payload:       payload,
	}
}
