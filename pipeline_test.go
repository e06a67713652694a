package eventbus

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbaliyan/eventbus/transport"
	"github.com/rbaliyan/eventbus/transport/inmemory"
)

// startBus registers bindings under consumerName, starts a bus over tr and
// stops it when the test ends.
func startBus(t *testing.T, tr transport.Transport, consumerName string, bindings []Binding, opts ...BusOption) *Bus {
	t.Helper()
	r := NewRegistry()
	if len(bindings) > 0 {
		if err := r.Register(consumerName, bindings...); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if _, err := RegisterEvent[OrderPlaced](r); err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}
	b, err := New(r, append([]BusOption{WithTransport(tr)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { b.Stop(context.Background()) })
	return b
}

func orderDelivery(t *testing.T, b *Bus, ec *EventContext[OrderPlaced]) (*transport.EventRegistration, *transport.Delivery) {
	t.Helper()
	ev, ok := b.Registry().Lookup(reflect.TypeFor[OrderPlaced]())
	if !ok {
		t.Fatal("OrderPlaced not registered")
	}
	env, err := Serialize(b.serializer, ev, ec)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	return ev, &transport.Delivery{ID: "broker-1", Body: env.Body, Headers: env.Header(), Partition: -1, Attempt: 1}
}

// idleTransport carries no messages; Process is driven directly by the tests.
func idleTransport(caps transport.Capabilities) *inmemory.Transport {
	return inmemory.New(inmemory.WithCapabilities(caps))
}

var withDeadletter = transport.Capabilities{SupportsDeadletter: true}

func TestProcess(t *testing.T) {
	boom := errors.New("boom")

	t.Run("success checkpoints once", func(t *testing.T) {
		c := NewTestConsumer[OrderPlaced](nil)
		b := startBus(t, idleTransport(withDeadletter), "OrderConsumer", []Binding{Bind(c.Factory())})
		ev, d := orderDelivery(t, b, NewEventContext(OrderPlaced{ID: "o1"}))

		ack := &RecordingAcknowledger{}
		if err := b.Process(context.Background(), ev, ev.Consumers[0], d, ack); err != nil {
			t.Fatalf("Process: %v", err)
		}
		if ack.Checkpoints() != 1 || ack.DeadLetters() != 0 {
			t.Errorf("checkpoints=%d deadletters=%d, want 1 and 0", ack.Checkpoints(), ack.DeadLetters())
		}
		got := c.Received()
		if len(got) != 1 || got[0].Payload.ID != "o1" || got[0].BrokerID() != "broker-1" || got[0].Attempt() != 1 {
			t.Errorf("unexpected received events %+v", got)
		}
	})

	t.Run("failing consumer dead-letters once", func(t *testing.T) {
		c := NewTestConsumer(func(context.Context, *EventContext[OrderPlaced]) error { return boom })
		b := startBus(t, idleTransport(withDeadletter), "OrderConsumer", []Binding{Bind(c.Factory())})
		ev, d := orderDelivery(t, b, NewEventContext(OrderPlaced{ID: "o1"}))

		ack := &RecordingAcknowledger{}
		if err := b.Process(context.Background(), ev, ev.Consumers[0], d, ack); err != nil {
			t.Fatalf("Process: %v", err)
		}
		if ack.Checkpoints() != 0 || ack.DeadLetters() != 1 {
			t.Errorf("checkpoints=%d deadletters=%d, want 0 and 1", ack.Checkpoints(), ack.DeadLetters())
		}
		if causes := ack.Causes(); len(causes) != 1 || !errors.Is(causes[0], boom) {
			t.Errorf("unexpected dead-letter causes %v", causes)
		}
	})

	t.Run("panicking consumer is a failure", func(t *testing.T) {
		c := NewTestConsumer(func(context.Context, *EventContext[OrderPlaced]) error { panic("kaboom") })
		b := startBus(t, idleTransport(withDeadletter), "OrderConsumer", []Binding{Bind(c.Factory())})
		ev, d := orderDelivery(t, b, NewEventContext(OrderPlaced{ID: "o1"}))

		ack := &RecordingAcknowledger{}
		if err := b.Process(context.Background(), ev, ev.Consumers[0], d, ack); err != nil {
			t.Fatalf("Process: %v", err)
		}
		if causes := ack.Causes(); len(causes) != 1 || !errors.Is(causes[0], ErrConsumerPanic) {
			t.Errorf("expected ErrConsumerPanic cause, got %v", causes)
		}
	})

	t.Run("malformed payload is dead-lettered", func(t *testing.T) {
		c := NewTestConsumer[OrderPlaced](nil)
		b := startBus(t, idleTransport(withDeadletter), "OrderConsumer", []Binding{Bind(c.Factory())})
		ev, d := orderDelivery(t, b, NewEventContext(OrderPlaced{ID: "o1"}))
		d.Body = []byte(`{"ID": 42`)

		ack := &RecordingAcknowledger{}
		if err := b.Process(context.Background(), ev, ev.Consumers[0], d, ack); err != nil {
			t.Fatalf("Process: %v", err)
		}
		if c.Count() != 0 {
			t.Error("consumer should not see a malformed payload")
		}
		if causes := ack.Causes(); len(causes) != 1 || !errors.Is(causes[0], ErrSerialization) {
			t.Errorf("expected serialization cause, got %v", causes)
		}
	})

	t.Run("cancelled context settles nothing", func(t *testing.T) {
		c := NewTestConsumer[OrderPlaced](nil)
		b := startBus(t, idleTransport(withDeadletter), "OrderConsumer", []Binding{Bind(c.Factory())})
		ev, d := orderDelivery(t, b, NewEventContext(OrderPlaced{ID: "o1"}))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		ack := &RecordingAcknowledger{}
		if err := b.Process(ctx, ev, ev.Consumers[0], d, ack); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if ack.Checkpoints() != 0 || ack.DeadLetters() != 0 || c.Count() != 0 {
			t.Error("cancelled delivery must not be dispatched or settled")
		}
	})

	t.Run("consumer cancelled mid-flight settles nothing", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		c := NewTestConsumer(func(ctx context.Context, _ *EventContext[OrderPlaced]) error {
			cancel()
			return ctx.Err()
		})
		b := startBus(t, idleTransport(withDeadletter), "OrderConsumer", []Binding{Bind(c.Factory())})
		ev, d := orderDelivery(t, b, NewEventContext(OrderPlaced{ID: "o1"}))

		ack := &RecordingAcknowledger{}
		if err := b.Process(ctx, ev, ev.Consumers[0], d, ack); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if ack.Checkpoints() != 0 || ack.DeadLetters() != 0 {
			t.Error("cancelled delivery must not be settled")
		}
	})

	t.Run("expired event is skipped", func(t *testing.T) {
		c := NewTestConsumer[OrderPlaced](nil)
		b := startBus(t, idleTransport(withDeadletter), "OrderConsumer", []Binding{Bind(c.Factory())})
		ec := NewEventContext(OrderPlaced{ID: "o1"})
		ec.Expires = time.Now().Add(-time.Minute)
		ev, d := orderDelivery(t, b, ec)

		ack := &RecordingAcknowledger{}
		if err := b.Process(context.Background(), ev, ev.Consumers[0], d, ack); err != nil {
			t.Fatalf("Process: %v", err)
		}
		if c.Count() != 0 || ack.Checkpoints() != 1 {
			t.Errorf("expired event: consumed=%d checkpoints=%d, want 0 and 1", c.Count(), ack.Checkpoints())
		}
	})

	t.Run("dead-letter consumer failure is returned", func(t *testing.T) {
		c := NewTestConsumer(func(context.Context, *EventContext[OrderPlaced]) error { return boom })
		b := startBus(t, idleTransport(withDeadletter), "Auditor", []Binding{Bind(c.Factory(), AsDeadletter())})
		ev, d := orderDelivery(t, b, NewEventContext(OrderPlaced{ID: "o1"}))

		ack := &RecordingAcknowledger{}
		if err := b.Process(context.Background(), ev, ev.Consumers[0], d, ack); !errors.Is(err, boom) {
			t.Fatalf("expected consumer error, got %v", err)
		}
		if ack.Checkpoints() != 0 || ack.DeadLetters() != 0 {
			t.Error("dead-letter consumer failures must not be settled")
		}
	})

	t.Run("no dead-letter support returns the failure", func(t *testing.T) {
		c := NewTestConsumer(func(context.Context, *EventContext[OrderPlaced]) error { return boom })
		b := startBus(t, idleTransport(transport.Capabilities{}), "OrderConsumer", []Binding{Bind(c.Factory())})
		ev, d := orderDelivery(t, b, NewEventContext(OrderPlaced{ID: "o1"}))

		ack := &RecordingAcknowledger{}
		if err := b.Process(context.Background(), ev, ev.Consumers[0], d, ack); !errors.Is(err, boom) {
			t.Fatalf("expected consumer error, got %v", err)
		}
		if ack.DeadLetters() != 0 {
			t.Error("unexpected dead-letter")
		}
	})

	t.Run("dead-letter failure withholds the checkpoint", func(t *testing.T) {
		c := NewTestConsumer(func(context.Context, *EventContext[OrderPlaced]) error { return boom })
		b := startBus(t, idleTransport(withDeadletter), "OrderConsumer", []Binding{Bind(c.Factory())})
		ev, d := orderDelivery(t, b, NewEventContext(OrderPlaced{ID: "o1"}))

		ack := &RecordingAcknowledger{DeadLetterErr: errors.New("broker down")}
		err := b.Process(context.Background(), ev, ev.Consumers[0], d, ack)
		var te *TransportError
		if !errors.As(err, &te) || te.Op != "deadletter" {
			t.Fatalf("expected dead-letter TransportError, got %v", err)
		}
		if ack.Checkpoints() != 0 {
			t.Error("checkpoint must not advance after a failed dead-letter")
		}
	})

	t.Run("scope is created and closed per message", func(t *testing.T) {
		var opened, closed atomic.Int32
		scopes := ScopeFactoryFunc(func(ctx context.Context) (Scope, error) {
			opened.Add(1)
			s := NewScope(ctx)
			s.OnClose(func() error {
				closed.Add(1)
				return nil
			})
			return s, nil
		})
		factory := func(s Scope) (Consumer[OrderPlaced], error) {
			s.Set("tenant", "acme")
			return ConsumerFunc[OrderPlaced](func(ctx context.Context, ec *EventContext[OrderPlaced]) error {
				if v, _ := ScopeValue[string](s, "tenant"); v != "acme" {
					return errors.New("scope value missing")
				}
				return nil
			}), nil
		}
		b := startBus(t, idleTransport(withDeadletter), "OrderConsumer", []Binding{Bind(factory)}, WithScopeFactory(scopes))
		ev, d := orderDelivery(t, b, NewEventContext(OrderPlaced{ID: "o1"}))

		ack := &RecordingAcknowledger{}
		for i := 0; i < 3; i++ {
			if err := b.Process(context.Background(), ev, ev.Consumers[0], d, ack); err != nil {
				t.Fatalf("Process: %v", err)
			}
		}
		if opened.Load() != 3 || closed.Load() != 3 {
			t.Errorf("opened=%d closed=%d, want 3 each", opened.Load(), closed.Load())
		}
		if ack.Checkpoints() != 3 {
			t.Errorf("expected 3 checkpoints, got %d", ack.Checkpoints())
		}
	})

	t.Run("rate limiter is awaited", func(t *testing.T) {
		lim := &countingLimiter{}
		c := NewTestConsumer[OrderPlaced](nil)
		b := startBus(t, idleTransport(withDeadletter), "OrderConsumer", []Binding{Bind(c.Factory(), WithRateLimiter(lim))})
		ev, d := orderDelivery(t, b, NewEventContext(OrderPlaced{ID: "o1"}))

		if err := b.Process(context.Background(), ev, ev.Consumers[0], d, &RecordingAcknowledger{}); err != nil {
			t.Fatalf("Process: %v", err)
		}
		if lim.waits.Load() != 1 {
			t.Errorf("expected 1 Wait, got %d", lim.waits.Load())
		}
	})
}
