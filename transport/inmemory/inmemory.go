// Package inmemory provides a process-local transport.
//
// It behaves like a small broker: every entity keeps a log of the messages
// accepted for it, every consumer group gets its own lane fed in publish
// order, failed deliveries are retried up to a limit, and dead-lettered
// messages are copied to the dead-letter entity. Nothing survives a restart.
//
// The transport records what it did (published, dead-lettered, checkpointed
// and cancelled messages) so tests can assert on broker-side effects.
package inmemory

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rbaliyan/eventbus/cache"
	"github.com/rbaliyan/eventbus/envelope"
	"github.com/rbaliyan/eventbus/transport"
)

// DefaultName is the transport name used when WithName is not given.
const DefaultName = "inmemory"

const (
	DefaultBufferSize          = 256
	DefaultMaxDeliveryAttempts = 3
	DefaultRedeliveryDelay     = 10 * time.Millisecond
)

// ErrAlreadyStarted is returned by Start on a running transport.
var ErrAlreadyStarted = errors.New("inmemory transport already started")

// Record is a message accepted by the transport for one entity.
type Record struct {
	BrokerID string
	Message  *transport.Message
	At       time.Time
}

// Checkpoint is one position advanced by a consumer lane.
type Checkpoint struct {
	Entity   string
	Group    string
	BrokerID string
}

// deadletterKey identifies one delivery of a record to one consumer group.
type deadletterKey struct {
	lane     laneKey
	brokerID string
}

// producerKey identifies the outbound client of one event stream.
type producerKey struct {
	event      reflect.Type
	deadletter bool
}

// laneKey identifies one consumer group on one entity.
type laneKey struct {
	entity string
	group  string
}

type laneSpec struct {
	event    *transport.EventRegistration
	consumer *transport.ConsumerRegistration
}

// Transport is an in-memory transport.Transport
type Transport struct {
	status          atomic.Int32
	name            string
	caps            transport.Capabilities
	bufferSize      int
	maxAttempts     int
	redeliveryDelay time.Duration
	logger          *slog.Logger

	host    transport.Host
	runCtx  context.Context
	stopRun context.CancelFunc
	wg      sync.WaitGroup

	producers *cache.Cache[producerKey, *producer]
	lanes     *cache.Cache[laneKey, *lane]

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	mu           sync.Mutex
	events       map[reflect.Type]*transport.EventRegistration
	specs        map[laneKey]laneSpec
	subscribers  map[string][]*lane
	published    map[string][]Record
	deadlettered map[string][]Record
	dlSeen       map[deadletterKey]struct{}
	checkpoints  []Checkpoint
	timers       map[string]*time.Timer
	cancelled    []string
}

// New creates an in-memory transport supporting scheduling, cancellation
// and dead-lettering.
func New(opts ...Option) *Transport {
	t := &Transport{
		name: DefaultName,
		caps: transport.Capabilities{
			SupportsScheduling:   true,
			SupportsCancellation: true,
			SupportsDeadletter:   true,
		},
		bufferSize:      DefaultBufferSize,
		maxAttempts:     DefaultMaxDeliveryAttempts,
		redeliveryDelay: DefaultRedeliveryDelay,
		logger:          transport.Logger("transport>inmemory"),
		entropy:         ulid.Monotonic(rand.Reader, 0),
		runCtx:          context.Background(),
		stopRun:         func() {},
		events:          make(map[reflect.Type]*transport.EventRegistration),
		specs:           make(map[laneKey]laneSpec),
		subscribers:     make(map[string][]*lane),
		published:       make(map[string][]Record),
		deadlettered:    make(map[string][]Record),
		dlSeen:          make(map[deadletterKey]struct{}),
		timers:          make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.producers = cache.New("inmemory-producers", t.newProducer,
		cache.WithLogger[*producer](t.logger))
	t.lanes = cache.New("inmemory-lanes", t.newLane,
		cache.WithCloser(func(ctx context.Context, l *lane) error {
			l.stop()
			return nil
		}),
		cache.WithLogger[*lane](t.logger))
	return t
}

func (t *Transport) Name() string { return t.name }

func (t *Transport) Capabilities() transport.Capabilities { return t.caps }

func (t *Transport) running() bool {
	return t.status.Load() == 1
}

// Start opens one lane per consumer registration.
func (t *Transport) Start(ctx context.Context, host transport.Host, events []*transport.EventRegistration) error {
	if !t.status.CompareAndSwap(0, 1) {
		return ErrAlreadyStarted
	}
	t.host = host
	t.runCtx, t.stopRun = context.WithCancel(context.Background())
	t.producers.Reopen()
	t.lanes.Reopen()

	var keys []laneKey
	t.mu.Lock()
	clear(t.events)
	clear(t.specs)
	clear(t.subscribers)
	for _, ev := range events {
		t.events[ev.EventType] = ev
		for _, c := range ev.Consumers {
			key := laneKey{entity: ev.Entity(c.Deadletter), group: c.GroupName}
			t.specs[key] = laneSpec{event: ev, consumer: c}
			keys = append(keys, key)
		}
	}
	t.mu.Unlock()

	for _, key := range keys {
		if _, err := t.lanes.GetOrCreate(ctx, key); err != nil {
			_ = t.Stop(ctx)
			return err
		}
	}
	t.logger.Debug("started", "events", len(events), "lanes", len(keys))
	return nil
}

// Stop cancels pending scheduled messages, lets every lane finish the
// messages already queued, then releases lanes and producers. If ctx ends
// first the in-flight deliveries are cancelled.
func (t *Transport) Stop(ctx context.Context) error {
	if !t.status.CompareAndSwap(1, 0) {
		return nil
	}

	t.mu.Lock()
	for id, tm := range t.timers {
		tm.Stop()
		delete(t.timers, id)
	}
	t.mu.Unlock()

	t.lanes.Range(func(_ laneKey, l *lane) bool {
		l.stop()
		return true
	})

	drained := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		t.stopRun()
		<-drained
	}
	t.stopRun()

	t.lanes.RemoveAll(ctx)
	t.producers.RemoveAll(ctx)
	t.logger.Debug("stopped")
	return err
}

// CheckHealth reports unhealthy unless the transport is running.
func (t *Transport) CheckHealth(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	if !t.running() {
		return transport.Unhealthy(start, "transport is not running")
	}
	t.mu.Lock()
	scheduled := len(t.timers)
	t.mu.Unlock()
	return &transport.HealthCheckResult{
		Status:    transport.HealthStatusHealthy,
		Message:   "inmemory transport is healthy",
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"lanes":     t.lanes.Len(),
			"producers": t.producers.Len(),
			"scheduled": scheduled,
		},
	}
}

// Publish accepts msgs for the entity of ev and returns ULID broker ids.
func (t *Transport) Publish(ctx context.Context, ev *transport.EventRegistration, msgs []*transport.Message) ([]string, error) {
	if !t.running() {
		return nil, transport.ErrNotStarted
	}
	p, err := t.producers.GetOrCreate(ctx, producerKey{event: ev.EventType})
	if err != nil {
		return nil, err
	}
	return p.send(ctx, msgs)
}

// Cancel stops the timers of scheduled messages. Unknown or already
// delivered ids are ignored.
func (t *Transport) Cancel(ctx context.Context, ev *transport.EventRegistration, ids []string) error {
	if !t.caps.SupportsCancellation {
		return &transport.NotSupportedError{Transport: t.name, Feature: "cancellation"}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		tm, ok := t.timers[id]
		if !ok {
			continue
		}
		delete(t.timers, id)
		if tm.Stop() {
			t.cancelled = append(t.cancelled, id)
		}
	}
	return nil
}

// Inject hands a raw message to the consumers of entity as if a foreign
// producer had published it.
func (t *Transport) Inject(ctx context.Context, entity string, msg *transport.Message) (string, error) {
	if !t.running() {
		return "", transport.ErrNotStarted
	}
	rec := Record{BrokerID: t.nextID(), Message: msg, At: time.Now()}
	t.mu.Lock()
	t.published[entity] = append(t.published[entity], rec)
	t.mu.Unlock()
	return rec.BrokerID, t.fanOut(ctx, entity, rec)
}

// Published returns the messages accepted for entity.
func (t *Transport) Published(entity string) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.published[entity])
}

// Deadlettered returns the messages copied to the dead-letter entity.
func (t *Transport) Deadlettered(entity string) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.deadlettered[entity])
}

// Checkpoints returns every checkpoint recorded so far.
func (t *Transport) Checkpoints() []Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.checkpoints)
}

// Cancelled returns the broker ids of cancelled scheduled messages.
func (t *Transport) Cancelled() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.cancelled)
}

// Scheduled returns how many messages wait for their delivery time.
func (t *Transport) Scheduled() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

func (t *Transport) nextID() string {
	t.entropyMu.Lock()
	defer t.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), t.entropy).String()
}

// fanOut queues rec on every lane subscribed to entity.
func (t *Transport) fanOut(ctx context.Context, entity string, rec Record) error {
	t.mu.Lock()
	lanes := slices.Clone(t.subscribers[entity])
	t.mu.Unlock()

	var errs []error
	for _, l := range lanes {
		if err := l.enqueue(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// producer is the outbound client of one event stream.
type producer struct {
	t          *Transport
	entity     string
	deadletter bool
}

func (t *Transport) newProducer(ctx context.Context, key producerKey) (*producer, error) {
	t.mu.Lock()
	ev, ok := t.events[key.event]
	t.mu.Unlock()
	if !ok {
		return nil, transport.Configurationf("event type %s is not carried by %s", key.event, t.name)
	}
	return &producer{t: t, entity: ev.Entity(key.deadletter), deadletter: key.deadletter}, nil
}

func (p *producer) send(ctx context.Context, msgs []*transport.Message) ([]string, error) {
	t := p.t
	ids := make([]string, 0, len(msgs))
	now := time.Now()
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec := Record{BrokerID: t.nextID(), Message: msg, At: now}
		ids = append(ids, rec.BrokerID)

		t.mu.Lock()
		if p.deadletter {
			t.deadlettered[p.entity] = append(t.deadlettered[p.entity], rec)
		} else {
			t.published[p.entity] = append(t.published[p.entity], rec)
		}
		if delay := msg.ScheduledAt.Sub(now); t.caps.SupportsScheduling && !msg.ScheduledAt.IsZero() && delay > 0 {
			t.timers[rec.BrokerID] = time.AfterFunc(delay, func() {
				t.mu.Lock()
				_, pending := t.timers[rec.BrokerID]
				delete(t.timers, rec.BrokerID)
				t.mu.Unlock()
				if !pending {
					return
				}
				if err := t.fanOut(t.runCtx, p.entity, rec); err != nil {
					t.logger.Warn("scheduled delivery failed", "entity", p.entity, "msg_id", rec.BrokerID, "error", err)
				}
			})
			t.mu.Unlock()
			continue
		}
		t.mu.Unlock()

		if err := t.fanOut(ctx, p.entity, rec); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// lane delivers the messages of one entity to one consumer group in order.
type lane struct {
	t        *Transport
	key      laneKey
	event    *transport.EventRegistration
	consumer *transport.ConsumerRegistration
	ch       chan Record
	quit     chan struct{}
	once     sync.Once
}

func (t *Transport) newLane(ctx context.Context, key laneKey) (*lane, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	spec, ok := t.specs[key]
	if !ok {
		return nil, transport.Configurationf("no consumer group %s on %s", key.group, key.entity)
	}
	l := &lane{
		t:        t,
		key:      key,
		event:    spec.event,
		consumer: spec.consumer,
		ch:       make(chan Record, t.bufferSize),
		quit:     make(chan struct{}),
	}
	t.subscribers[key.entity] = append(t.subscribers[key.entity], l)
	t.wg.Add(1)
	go l.run(t.runCtx)
	return l, nil
}

func (l *lane) stop() {
	l.once.Do(func() { close(l.quit) })
}

func (l *lane) enqueue(ctx context.Context, rec Record) error {
	select {
	case <-l.quit:
		return transport.ErrTransportClosed
	default:
	}
	select {
	case l.ch <- rec:
		return nil
	case <-l.quit:
		return transport.ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *lane) run(ctx context.Context) {
	defer l.t.wg.Done()
	for {
		select {
		case rec := <-l.ch:
			l.deliver(ctx, rec)
		case <-l.quit:
			for {
				if ctx.Err() != nil {
					return
				}
				select {
				case rec := <-l.ch:
					l.deliver(ctx, rec)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (l *lane) deliver(ctx context.Context, rec Record) {
	t := l.t
	for attempt := 1; ; attempt++ {
		d := &transport.Delivery{
			ID:        rec.BrokerID,
			Body:      rec.Message.Body,
			Headers:   maps.Clone(rec.Message.Headers),
			Partition: -1,
			Attempt:   attempt,
		}
		err := t.host.Process(ctx, l.event, l.consumer, d, l)
		if err == nil || ctx.Err() != nil {
			return
		}
		if attempt >= t.maxAttempts {
			t.logger.Error("dropping message after max delivery attempts",
				"entity", l.key.entity, "group", l.key.group, "msg_id", rec.BrokerID, "attempts", attempt, "error", err)
			return
		}
		t.logger.Debug("redelivering message", "entity", l.key.entity, "group", l.key.group, "msg_id", rec.BrokerID, "attempt", attempt, "error", err)
		if t.redeliveryDelay > 0 {
			timer := time.NewTimer(t.redeliveryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

// Checkpoint records the position of the lane.
func (l *lane) Checkpoint(ctx context.Context, d *transport.Delivery) error {
	l.t.mu.Lock()
	defer l.t.mu.Unlock()
	l.t.checkpoints = append(l.t.checkpoints, Checkpoint{Entity: l.key.entity, Group: l.key.group, BrokerID: d.ID})
	return nil
}

// DeadLetter copies the raw delivery to the dead-letter entity. A delivery
// is dead-lettered at most once per consumer group, so repeating the call
// is safe.
func (l *lane) DeadLetter(ctx context.Context, d *transport.Delivery, cause error) error {
	t := l.t
	if !t.caps.SupportsDeadletter {
		return &transport.NotSupportedError{Transport: t.name, Feature: "dead-letter"}
	}
	id := d.Headers[envelope.HeaderID]
	if id == "" {
		id = d.ID
	}
	seen := deadletterKey{lane: l.key, brokerID: d.ID}

	t.mu.Lock()
	if _, dup := t.dlSeen[seen]; dup {
		t.mu.Unlock()
		t.logger.Debug("delivery already dead-lettered", "entity", l.event.DeadletterEntityName, "group", l.key.group, "msg_id", id)
		return nil
	}
	t.dlSeen[seen] = struct{}{}
	t.mu.Unlock()

	p, err := t.producers.GetOrCreate(ctx, producerKey{event: l.event.EventType, deadletter: true})
	if err == nil {
		_, err = p.send(ctx, []*transport.Message{{ID: id, Body: d.Body, Headers: d.Headers}})
	}
	if err != nil {
		t.mu.Lock()
		delete(t.dlSeen, seen)
		t.mu.Unlock()
		return err
	}
	t.logger.Debug("dead-lettered", "entity", l.event.DeadletterEntityName, "msg_id", id, "cause", cause)
	return nil
}

// Compile-time checks
var (
	_ transport.Transport    = (*Transport)(nil)
	_ transport.Acknowledger = (*lane)(nil)
)
