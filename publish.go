package eventbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rbaliyan/eventbus/envelope"
	"github.com/rbaliyan/eventbus/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrNilEvent is returned when a nil *EventContext is published.
var ErrNilEvent = errors.New("nil event context")

// Publish sends one event and returns the broker identifier of the message.
//
// A scheduled event on a transport without scheduling is sent immediately and
// reported through the capability warning handler.
func Publish[T any](ctx context.Context, b *Bus, ec *EventContext[T]) (string, error) {
	ids, err := publish(ctx, b, []*EventContext[T]{ec})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// PublishBatch sends events with a single transport call. The returned
// identifiers are in the same order as ecs.
func PublishBatch[T any](ctx context.Context, b *Bus, ecs []*EventContext[T]) ([]string, error) {
	if len(ecs) == 0 {
		return nil, nil
	}
	return publish(ctx, b, ecs)
}

func publish[T any](ctx context.Context, b *Bus, ecs []*EventContext[T]) ([]string, error) {
	if !b.Running() {
		return nil, ErrBusNotRunning
	}
	ev, t, err := resolve[T](b)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, span := b.startSpan(ctx, ev.EventName+".publish", trace.SpanKindProducer,
		attribute.String(spanKeyEventName, ev.EventName),
		attribute.String(spanKeyEntity, ev.EntityName),
		attribute.String(spanKeyTransport, t.Name()),
		attribute.Int(spanKeyBatchSize, len(ecs)))
	defer span.End()

	caps := t.Capabilities()
	now := b.now()
	msgs := make([]*transport.Message, len(ecs))
	for i, ec := range ecs {
		if ec == nil {
			return nil, ErrNilEvent
		}
		env, err := serialize(b.serializer, ev, ec, now)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "serialization failed")
			return nil, err
		}
		scheduled := ec.Scheduled
		if !scheduled.IsZero() && !caps.SupportsScheduling {
			b.warn(ctx, CapabilityWarning{
				Transport:  t.Name(),
				Capability: "scheduling",
				Event:      ev.EventName,
				Message:    "transport does not support scheduled delivery, sending immediately",
			})
			scheduled = time.Time{}
		}
		key := ec.PartitionKey
		if key == "" {
			key = env.ID
		}
		msgs[i] = &transport.Message{
			ID:           env.ID,
			Body:         env.Body,
			Headers:      env.Header(),
			PartitionKey: key,
			ScheduledAt:  scheduled,
		}
	}
	if len(msgs) == 1 {
		span.SetAttributes(attribute.String(spanKeyEventID, msgs[0].ID))
	}

	ids, err := t.Publish(ctx, ev, msgs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		b.logger.Error("publish failed", "event", ev.EventName, "transport", t.Name(), "count", len(msgs), "error", err)
		return nil, transport.NewTransportError(t.Name(), "publish", err)
	}
	if len(ids) != len(msgs) {
		return nil, &TransportError{Transport: t.Name(), Op: "publish",
			Err: fmt.Errorf("transport returned %d identifiers for %d messages", len(ids), len(msgs))}
	}

	b.metrics.add(ctx, counterPublished, len(msgs), ev.EventName)
	b.logger.Debug("published", "event", ev.EventName, "entity", ev.EntityName, "count", len(msgs))
	return ids, nil
}

// Cancel retracts a scheduled event by the identifier Publish returned.
// Transports without cancellation fail with a NotSupportedError.
func Cancel[T any](ctx context.Context, b *Bus, id string) error {
	return CancelBatch[T](ctx, b, []string{id})
}

// CancelBatch retracts several scheduled events.
func CancelBatch[T any](ctx context.Context, b *Bus, ids []string) error {
	if !b.Running() {
		return ErrBusNotRunning
	}
	ev, t, err := resolve[T](b)
	if err != nil {
		return err
	}
	if !t.Capabilities().SupportsCancellation {
		return &NotSupportedError{Transport: t.Name(), Feature: "cancellation"}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.Cancel(ctx, ev, ids); err != nil {
		return transport.NewTransportError(t.Name(), "cancel", err)
	}
	b.logger.Debug("cancelled", "event", ev.EventName, "count", len(ids))
	return nil
}

func resolve[T any](b *Bus) (*transport.EventRegistration, transport.Transport, error) {
	typ := reflect.TypeFor[T]()
	ev, ok := b.registry.Lookup(typ)
	if !ok {
		return nil, nil, transport.Configurationf("event type %s is not registered", typ)
	}
	t, ok := b.transports[ev.TransportName]
	if !ok {
		return nil, nil, transport.Configurationf("event %s uses unknown transport %q", ev.EventName, ev.TransportName)
	}
	return ev, t, nil
}

// Serialize fills in a missing id and sent time on ec and encodes it into an
// envelope using the content type of ev.
func Serialize[T any](s *envelope.Serializer, ev *transport.EventRegistration, ec *EventContext[T]) (*envelope.Envelope, error) {
	return serialize(s, ev, ec, time.Now())
}

func serialize[T any](s *envelope.Serializer, ev *transport.EventRegistration, ec *EventContext[T], now time.Time) (*envelope.Envelope, error) {
	if ec.ID == "" {
		ec.ID = transport.NewID()
	}
	if ec.Sent.IsZero() {
		ec.Sent = now
	}
	body, err := s.Encode(ev.ContentType, ev.TypeName, ec.Payload)
	if err != nil {
		return nil, err
	}
	return &envelope.Envelope{
		ID:            ec.ID,
		CorrelationID: ec.CorrelationID,
		ContentType:   ev.ContentType,
		EventName:     ev.EventName,
		EventType:     ev.TypeName,
		Sent:          ec.Sent,
		Expires:       ec.Expires,
		Headers:       ec.Headers,
		Body:          body,
	}, nil
}

// Deserialize rebuilds an EventContext from an envelope. Malformed input
// fails with a SerializationError.
func Deserialize[T any](s *envelope.Serializer, ev *transport.EventRegistration, env *envelope.Envelope) (*EventContext[T], error) {
	return decodeEvent[T](s, ev, env)
}

func decodeEvent[T any](s *envelope.Serializer, ev *transport.EventRegistration, env *envelope.Envelope) (*EventContext[T], error) {
	var p T
	if err := s.Decode(env, ev.ContentType, ev.TypeName, &p); err != nil {
		return nil, err
	}
	return &EventContext[T]{
		ID:            env.ID,
		CorrelationID: env.CorrelationID,
		Sent:          env.Sent,
		Expires:       env.Expires,
		Headers:       env.Headers,
		Payload:       p,
	}, nil
}
