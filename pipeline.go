package eventbus

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/rbaliyan/eventbus/envelope"
	"github.com/rbaliyan/eventbus/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrConsumerPanic wraps a panic raised by a consumer.
var ErrConsumerPanic = errors.New("consumer panicked")

// Process runs one inbound delivery through the consume pipeline. Adapters
// call it from their consumption loops.
//
// On success the delivery is checkpointed. On failure it is sent to the
// dead-letter destination when the transport has one and the consumer is not
// itself a dead-letter consumer; a successful dead-letter returns nil. In
// every other failure case the error is returned and nothing is settled, so
// the transport redelivers. A cancelled ctx is returned as is.
func (b *Bus) Process(ctx context.Context, ev *transport.EventRegistration, c *transport.ConsumerRegistration, d *transport.Delivery, ack transport.Acknowledger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.status.Load() == busStopped {
		return ErrBusNotRunning
	}
	b.inflight.Add(1)
	defer b.inflight.Done()

	bd, ok := b.registry.binding(ev, c)
	if !ok {
		return transport.Configurationf("no binding for consumer %s of %s", c.ConsumerName, ev.EventName)
	}
	t, ok := b.transports[ev.TransportName]
	if !ok {
		return transport.Configurationf("event %s uses unknown transport %q", ev.EventName, ev.TransportName)
	}

	env := envelope.Parse(d.Headers, d.Body)
	logger := b.logger.With("event", ev.EventName, "consumer", c.ConsumerName, "id", env.ID)

	if env.Expired(b.now()) {
		logger.Debug("skipping expired event", "expires", env.Expires)
		if err := ack.Checkpoint(ctx, d); err != nil {
			return transport.NewTransportError(t.Name(), "checkpoint", err)
		}
		return nil
	}

	if bd.limiter != nil {
		if err := bd.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	ctx, span := b.startSpan(ctx, ev.EventName+".consume", trace.SpanKindConsumer,
		attribute.String(spanKeyEventID, env.ID),
		attribute.String(spanKeyEventName, ev.EventName),
		attribute.String(spanKeyEntity, ev.Entity(c.Deadletter)),
		attribute.String(spanKeyConsumer, c.ConsumerName),
		attribute.String(spanKeyTransport, t.Name()),
		attribute.String(spanKeyBrokerMsgID, d.ID))
	defer span.End()

	err := b.dispatch(ctx, bd, ev, env, d)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if err == nil {
		b.metrics.add(ctx, counterConsumed, 1, ev.EventName)
		if err := ack.Checkpoint(ctx, d); err != nil {
			logger.Error("checkpoint failed", "error", err)
			return transport.NewTransportError(t.Name(), "checkpoint", err)
		}
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	b.metrics.add(ctx, counterFailed, 1, ev.EventName)

	if c.Deadletter || !t.Capabilities().SupportsDeadletter {
		logger.Error("consumer failed", "attempt", d.Attempt, "error", err)
		return err
	}

	if dlErr := ack.DeadLetter(ctx, d, err); dlErr != nil {
		logger.Error("dead-letter failed", "cause", err, "error", dlErr)
		return transport.NewTransportError(t.Name(), "deadletter", fmt.Errorf("%w (consumer error: %v)", dlErr, err))
	}
	b.metrics.add(ctx, counterDeadlettered, 1, ev.EventName)
	logger.Warn("event sent to dead-letter", "entity", ev.DeadletterEntityName, "error", err)
	return nil
}

// dispatch resolves the consumer from a fresh scope and invokes it. A panic
// is reported as an error wrapping ErrConsumerPanic.
func (b *Bus) dispatch(ctx context.Context, bd *binding, ev *transport.EventRegistration, env *envelope.Envelope, d *transport.Delivery) (err error) {
	scope, err := b.scopes.NewScope(ctx)
	if err != nil {
		return fmt.Errorf("create scope: %w", err)
	}
	defer func() {
		if cerr := scope.Close(); cerr != nil {
			b.logger.Warn("scope close failed", "event", ev.EventName, "error", cerr)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("consumer panic", "event", ev.EventName, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrConsumerPanic, r)
		}
	}()
	return bd.dispatch(ctx, b.serializer, scope, ev, env, d)
}
