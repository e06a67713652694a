package inmemory

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/eventbus/envelope"
	"github.com/rbaliyan/eventbus/transport"
)

type orderPlaced struct{ ID string }

type call struct {
	Group   string
	ID      string
	Attempt int
}

// fakeHost stands in for the bus: it records deliveries and settles them
// according to fail.
type fakeHost struct {
	mu    sync.Mutex
	calls []call
	fail  func(c *transport.ConsumerRegistration, d *transport.Delivery) error
}

func (h *fakeHost) Process(ctx context.Context, ev *transport.EventRegistration, c *transport.ConsumerRegistration, d *transport.Delivery, ack transport.Acknowledger) error {
	h.mu.Lock()
	h.calls = append(h.calls, call{Group: c.GroupName, ID: d.Headers[envelope.HeaderID], Attempt: d.Attempt})
	h.mu.Unlock()
	if h.fail != nil {
		if err := h.fail(c, d); err != nil {
			return err
		}
	}
	return ack.Checkpoint(ctx, d)
}

func (h *fakeHost) Calls() []call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]call(nil), h.calls...)
}

func registration(groups ...string) *transport.EventRegistration {
	ev := &transport.EventRegistration{
		EventType:            reflect.TypeFor[orderPlaced](),
		EventName:            "order-placed",
		TypeName:             "inmemory.orderPlaced",
		EntityName:           "order-placed",
		DeadletterEntityName: "order-placed-deadletter",
		TransportName:        DefaultName,
	}
	for _, g := range groups {
		ev.Consumers = append(ev.Consumers, &transport.ConsumerRegistration{ConsumerName: g, GroupName: g, CheckpointInterval: 1})
	}
	return ev
}

func message(id string) *transport.Message {
	return &transport.Message{ID: id, Body: []byte(`{"ID":"` + id + `"}`), Headers: map[string]string{envelope.HeaderID: id}}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func start(t *testing.T, tr *Transport, host transport.Host, events ...*transport.EventRegistration) {
	t.Helper()
	if err := tr.Start(context.Background(), host, events); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { tr.Stop(context.Background()) })
}

func TestPublishFanOut(t *testing.T) {
	tr := New()
	host := &fakeHost{}
	ev := registration("billing", "shipping")
	start(t, tr, host, ev)

	ids, err := tr.Publish(context.Background(), ev, []*transport.Message{message("a"), message("b"), message("c")})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Errorf("ids not increasing: %v", ids)
		}
	}

	waitUntil(t, func() bool { return len(host.Calls()) == 6 })

	perGroup := map[string][]string{}
	for _, c := range host.Calls() {
		perGroup[c.Group] = append(perGroup[c.Group], c.ID)
	}
	want := map[string][]string{"billing": {"a", "b", "c"}, "shipping": {"a", "b", "c"}}
	if diff := cmp.Diff(want, perGroup); diff != "" {
		t.Errorf("deliveries mismatch (-want +got):\n%s", diff)
	}
	if got := len(tr.Published("order-placed")); got != 3 {
		t.Errorf("expected 3 published records, got %d", got)
	}
	waitUntil(t, func() bool { return len(tr.Checkpoints()) == 6 })
}

func TestRedelivery(t *testing.T) {
	tr := New(WithMaxDeliveryAttempts(3), WithRedeliveryDelay(0))
	host := &fakeHost{fail: func(c *transport.ConsumerRegistration, d *transport.Delivery) error {
		if d.Attempt < 2 {
			return errors.New("transient")
		}
		return nil
	}}
	ev := registration("billing")
	start(t, tr, host, ev)

	if _, err := tr.Publish(context.Background(), ev, []*transport.Message{message("a")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitUntil(t, func() bool { return len(tr.Checkpoints()) == 1 })

	want := []call{{Group: "billing", ID: "a", Attempt: 1}, {Group: "billing", ID: "a", Attempt: 2}}
	if diff := cmp.Diff(want, host.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestDeadLetterIsIdempotent(t *testing.T) {
	tr := New()
	ev := registration("billing")
	dlHost := &fakeHost{fail: func(c *transport.ConsumerRegistration, d *transport.Delivery) error {
		return errors.New("stop here")
	}}
	start(t, tr, dlHost, ev)

	l, ok := tr.lanes.Peek(laneKey{entity: "order-placed", group: "billing"})
	if !ok {
		t.Fatal("lane not created")
	}
	d := &transport.Delivery{ID: "broker-1", Body: []byte("raw"), Headers: map[string]string{envelope.HeaderID: "m1"}}
	cause := errors.New("consumer failed")
	for i := 0; i < 3; i++ {
		if err := l.DeadLetter(context.Background(), d, cause); err != nil {
			t.Fatalf("DeadLetter: %v", err)
		}
	}

	got := tr.Deadlettered("order-placed-deadletter")
	if len(got) != 1 {
		t.Fatalf("expected 1 dead-lettered record, got %d", len(got))
	}
	if string(got[0].Message.Body) != "raw" || got[0].Message.Headers[envelope.HeaderID] != "m1" {
		t.Errorf("dead-lettered message was modified: %+v", got[0].Message)
	}
}

// deadletterHost dead-letters every failed delivery, as the bus does for
// transports with dead-letter support.
type deadletterHost struct {
	fakeHost
}

func (h *deadletterHost) Process(ctx context.Context, ev *transport.EventRegistration, c *transport.ConsumerRegistration, d *transport.Delivery, ack transport.Acknowledger) error {
	if err := h.fakeHost.Process(ctx, ev, c, d, ack); err != nil {
		return ack.DeadLetter(ctx, d, err)
	}
	return nil
}

func TestDeadLetterPerGroup(t *testing.T) {
	tr := New()
	host := &deadletterHost{fakeHost{fail: func(c *transport.ConsumerRegistration, d *transport.Delivery) error {
		return errors.New("consumer failed")
	}}}
	ev := registration("billing", "shipping")
	start(t, tr, host, ev)

	if _, err := tr.Publish(context.Background(), ev, []*transport.Message{message("order-42")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitUntil(t, func() bool { return len(tr.Deadlettered("order-placed-deadletter")) == 2 })

	t.Run("reused message id", func(t *testing.T) {
		again := message("order-42")
		again.Body = []byte(`{"ID":"order-42","Version":2}`)
		if _, err := tr.Publish(context.Background(), ev, []*transport.Message{again}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		waitUntil(t, func() bool { return len(tr.Deadlettered("order-placed-deadletter")) == 4 })

		var bodies []string
		for _, rec := range tr.Deadlettered("order-placed-deadletter") {
			bodies = append(bodies, string(rec.Message.Body))
		}
		if got := countOf(bodies, string(again.Body)); got != 2 {
			t.Errorf("expected 2 dead-letter copies of the second message, got %d", got)
		}
	})

	if got := len(host.Calls()); got != 4 {
		t.Errorf("expected one attempt per group and message, got %d calls", got)
	}
}

func countOf(values []string, v string) int {
	n := 0
	for _, s := range values {
		if s == v {
			n++
		}
	}
	return n
}

func TestDeadletterConsumerReceivesCopies(t *testing.T) {
	tr := New()
	ev := registration("billing")
	ev.Consumers = append(ev.Consumers, &transport.ConsumerRegistration{ConsumerName: "auditor", GroupName: "auditor", Deadletter: true, CheckpointInterval: 1})
	host := &fakeHost{}
	start(t, tr, host, ev)

	l, _ := tr.lanes.Peek(laneKey{entity: "order-placed", group: "billing"})
	d := &transport.Delivery{ID: "broker-1", Body: []byte("raw"), Headers: map[string]string{envelope.HeaderID: "m1"}}
	if err := l.DeadLetter(context.Background(), d, errors.New("boom")); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}
	waitUntil(t, func() bool { return len(host.Calls()) == 1 })
	if c := host.Calls()[0]; c.Group != "auditor" || c.ID != "m1" {
		t.Errorf("unexpected delivery %+v", c)
	}
}

func TestScheduling(t *testing.T) {
	t.Run("delivers at the scheduled time", func(t *testing.T) {
		tr := New()
		host := &fakeHost{}
		ev := registration("billing")
		start(t, tr, host, ev)

		msg := message("later")
		msg.ScheduledAt = time.Now().Add(50 * time.Millisecond)
		if _, err := tr.Publish(context.Background(), ev, []*transport.Message{msg}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if tr.Scheduled() != 1 {
			t.Fatalf("expected 1 scheduled message, got %d", tr.Scheduled())
		}
		if len(host.Calls()) != 0 {
			t.Fatal("scheduled message delivered early")
		}
		waitUntil(t, func() bool { return len(host.Calls()) == 1 })
	})

	t.Run("cancelled before delivery", func(t *testing.T) {
		tr := New()
		host := &fakeHost{}
		ev := registration("billing")
		start(t, tr, host, ev)

		msg := message("never")
		msg.ScheduledAt = time.Now().Add(time.Hour)
		ids, err := tr.Publish(context.Background(), ev, []*transport.Message{msg})
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if err := tr.Cancel(context.Background(), ev, []string{ids[0], "unknown"}); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
		if diff := cmp.Diff(ids, tr.Cancelled()); diff != "" {
			t.Errorf("cancelled mismatch (-want +got):\n%s", diff)
		}
		if tr.Scheduled() != 0 {
			t.Errorf("expected no scheduled messages, got %d", tr.Scheduled())
		}
	})
}

func TestCapabilities(t *testing.T) {
	tr := New(WithCapabilities(transport.Capabilities{}))
	ev := registration()
	start(t, tr, &fakeHost{}, ev)

	err := tr.Cancel(context.Background(), ev, []string{"x"})
	var nse *transport.NotSupportedError
	if !errors.As(err, &nse) {
		t.Fatalf("expected NotSupportedError, got %v", err)
	}
	if !errors.Is(err, transport.ErrNotSupported) {
		t.Error("expected errors.Is ErrNotSupported")
	}
}

func TestPublishUnknownEvent(t *testing.T) {
	tr := New()
	start(t, tr, &fakeHost{}, registration())

	other := &transport.EventRegistration{EventType: reflect.TypeFor[string](), EntityName: "other"}
	_, err := tr.Publish(context.Background(), other, []*transport.Message{message("a")})
	if !errors.Is(err, transport.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	tr := New()

	if _, err := tr.Publish(ctx, registration(), nil); !errors.Is(err, transport.ErrNotStarted) {
		t.Errorf("expected ErrNotStarted before Start, got %v", err)
	}
	if tr.CheckHealth(ctx).IsHealthy() {
		t.Error("stopped transport reported healthy")
	}

	host := &fakeHost{}
	ev := registration("billing")
	if err := tr.Start(ctx, host, []*transport.EventRegistration{ev}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tr.Start(ctx, host, nil); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
	if !tr.CheckHealth(ctx).IsHealthy() {
		t.Error("running transport reported unhealthy")
	}

	var msgs []*transport.Message
	for _, id := range []string{"a", "b", "c", "d"} {
		msgs = append(msgs, message(id))
	}
	if _, err := tr.Publish(ctx, ev, msgs); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := tr.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := len(host.Calls()); got != 4 {
		t.Errorf("expected queued messages to drain on Stop, got %d deliveries", got)
	}
	if tr.lanes.Len() != 0 || tr.producers.Len() != 0 {
		t.Error("caches not released on Stop")
	}

	if err := tr.Start(ctx, host, []*transport.EventRegistration{ev}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	tr.Stop(ctx)
}
