package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rbaliyan/eventbus/transport"
)

// RecordedMessage is a message that was published during a test
type RecordedMessage struct {
	EventName string
	Entity    string
	Message   *transport.Message
	Timestamp time.Time
}

// RecordingTransport wraps a transport and records all published messages.
// Useful for testing that events are published correctly.
type RecordingTransport struct {
	transport.Transport
	mu       sync.Mutex
	messages []RecordedMessage
}

// NewRecordingTransport creates a transport that records all published messages.
// It wraps the provided transport (which is required).
//
// Example:
//
//	import "github.com/rbaliyan/eventbus/transport/inmemory"
//	tr := eventbus.NewRecordingTransport(inmemory.New())
func NewRecordingTransport(t transport.Transport) *RecordingTransport {
	if t == nil {
		panic("eventbus: transport is required for NewRecordingTransport")
	}
	return &RecordingTransport{Transport: t}
}

// Publish records the messages and delegates to the underlying transport
func (t *RecordingTransport) Publish(ctx context.Context, ev *transport.EventRegistration, msgs []*transport.Message) ([]string, error) {
	now := time.Now()
	t.mu.Lock()
	for _, m := range msgs {
		t.messages = append(t.messages, RecordedMessage{
			EventName: ev.EventName,
			Entity:    ev.EntityName,
			Message:   m,
			Timestamp: now,
		})
	}
	t.mu.Unlock()

	return t.Transport.Publish(ctx, ev, msgs)
}

// Messages returns a copy of all recorded messages
func (t *RecordingTransport) Messages() []RecordedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]RecordedMessage, len(t.messages))
	copy(result, t.messages)
	return result
}

// MessagesFor returns recorded messages for a specific event
func (t *RecordingTransport) MessagesFor(eventName string) []RecordedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []RecordedMessage
	for _, m := range t.messages {
		if m.EventName == eventName {
			result = append(result, m)
		}
	}
	return result
}

// Count returns the number of recorded messages
func (t *RecordingTransport) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Reset clears all recorded messages
func (t *RecordingTransport) Reset() {
	t.mu.Lock()
	t.messages = nil
	t.mu.Unlock()
}

// ErrInjectedFailure is the default error of FailingTransport.
var ErrInjectedFailure = errors.New("injected failure")

// FailingTransport is a transport that fails publishes with a configured error.
// Useful for testing error handling.
type FailingTransport struct {
	transport.Transport
	mu       sync.Mutex
	err      error
	failAll  bool
	failNext int
}

// NewFailingTransport creates a transport that can be configured to fail.
// The transport parameter is required.
func NewFailingTransport(t transport.Transport) *FailingTransport {
	if t == nil {
		panic("eventbus: transport is required for NewFailingTransport")
	}
	return &FailingTransport{Transport: t}
}

// Publish fails if configured, otherwise delegates to underlying transport
func (t *FailingTransport) Publish(ctx context.Context, ev *transport.EventRegistration, msgs []*transport.Message) ([]string, error) {
	t.mu.Lock()
	shouldFail := t.failAll || t.failNext > 0
	err := t.err
	if t.failNext > 0 {
		t.failNext--
	}
	t.mu.Unlock()

	if shouldFail {
		if err != nil {
			return nil, err
		}
		return nil, ErrInjectedFailure
	}
	return t.Transport.Publish(ctx, ev, msgs)
}

// FailAll makes all publishes fail with the given error
func (t *FailingTransport) FailAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failAll = true
	t.err = err
}

// FailNext makes the next n publishes fail with the given error
func (t *FailingTransport) FailNext(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext = n
	t.err = err
}

// Reset clears all failure configuration
func (t *FailingTransport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failAll = false
	t.failNext = 0
	t.err = nil
}

// TestConsumer collects the events it receives for later assertions.
type TestConsumer[T any] struct {
	mu       sync.Mutex
	received []*EventContext[T]
	fn       func(context.Context, *EventContext[T]) error
}

// NewTestConsumer creates a test consumer. If fn is nil every event succeeds.
func NewTestConsumer[T any](fn func(context.Context, *EventContext[T]) error) *TestConsumer[T] {
	return &TestConsumer[T]{fn: fn}
}

// Consume records ec and calls the configured function.
func (c *TestConsumer[T]) Consume(ctx context.Context, ec *EventContext[T]) error {
	c.mu.Lock()
	c.received = append(c.received, ec)
	c.mu.Unlock()

	if c.fn != nil {
		return c.fn(ctx, ec)
	}
	return nil
}

// Factory returns a factory that always resolves c.
func (c *TestConsumer[T]) Factory() ConsumerFactory[T] {
	return Singleton[T](c)
}

// Received returns a copy of all received events
func (c *TestConsumer[T]) Received() []*EventContext[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]*EventContext[T], len(c.received))
	copy(result, c.received)
	return result
}

// Count returns the number of events received
func (c *TestConsumer[T]) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

// WaitFor waits until the consumer has received at least n events or timeout is reached.
// Returns true if the expected count was reached, false on timeout.
func (c *TestConsumer[T]) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if c.Count() >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// RecordingAcknowledger counts settlement calls made by the consume pipeline.
type RecordingAcknowledger struct {
	mu            sync.Mutex
	checkpoints   []*transport.Delivery
	deadletters   []*transport.Delivery
	causes        []error
	CheckpointErr error
	DeadLetterErr error
}

// Checkpoint records d.
func (a *RecordingAcknowledger) Checkpoint(ctx context.Context, d *transport.Delivery) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.CheckpointErr != nil {
		return a.CheckpointErr
	}
	a.checkpoints = append(a.checkpoints, d)
	return nil
}

// DeadLetter records d and its cause.
func (a *RecordingAcknowledger) DeadLetter(ctx context.Context, d *transport.Delivery, cause error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.DeadLetterErr != nil {
		return a.DeadLetterErr
	}
	a.deadletters = append(a.deadletters, d)
	a.causes = append(a.causes, cause)
	return nil
}

// Checkpoints returns the number of checkpointed deliveries.
func (a *RecordingAcknowledger) Checkpoints() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.checkpoints)
}

// DeadLetters returns the number of dead-lettered deliveries.
func (a *RecordingAcknowledger) DeadLetters() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.deadletters)
}

// Causes returns the errors passed to DeadLetter.
func (a *RecordingAcknowledger) Causes() []error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]error(nil), a.causes...)
}

var _ transport.Acknowledger = (*RecordingAcknowledger)(nil)
