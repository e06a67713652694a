// Package nats provides a NATS JetStream transport.
//
// Every entity maps to a stream capturing the subject of the same name.
// Each consumer registration gets a durable pull consumer with explicit
// acks, so a consumer group resumes where it left off after a restart.
//
// Publish sends a batch asynchronously in order and waits for every ack.
// Messages carry their envelope id as Nats-Msg-Id, so the stream's duplicate
// window drops re-sends of the same message. Dead-lettering relies on that to
// stay idempotent.
//
// Settlement maps onto JetStream acks: checkpoint is Ack, dead-letter is a
// publish to the dead-letter stream followed by Term, and a processing error
// is Nak. JetStream acknowledges messages individually, so CheckpointInterval
// has no effect on this transport.
//
//	js, err := nats.New(conn,
//	    nats.WithDeduplication(5*time.Minute),
//	    nats.WithMaxDeliver(10),
//	)
package nats

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rbaliyan/eventbus/cache"
	"github.com/rbaliyan/eventbus/envelope"
	"github.com/rbaliyan/eventbus/transport"
)

// DefaultName is the transport name used when WithName is not given.
const DefaultName = "nats"

// MaxStreamNameLength bounds entity names so stream directories stay portable.
const MaxStreamNameLength = 255

// Errors
var (
	ErrConnRequired    = errors.New("nats connection is required")
	ErrJetStreamFailed = errors.New("failed to create jetstream context")
	ErrAlreadyStarted  = errors.New("nats transport already started")
)

// Default configuration
var (
	DefaultReplicas    = 1
	DefaultMaxAge      = 24 * time.Hour
	DefaultDedupWindow = 2 * time.Minute
	DefaultAckWait     = 30 * time.Second
	DefaultPullBatch   = 64
)

// streamPrefix is the fixed prefix for NATS streams to avoid clashing with user data
const streamPrefix = "evt_"

// consumerKey identifies one durable consumer on one stream.
type consumerKey struct {
	entity string
	group  string
}

type consumerSpec struct {
	event    *transport.EventRegistration
	consumer *transport.ConsumerRegistration
}

// Transport implements transport.Transport using NATS JetStream.
type Transport struct {
	status          atomic.Int32
	name            string
	conn            *nats.Conn
	js              jetstream.JetStream
	replicas        int
	maxAge          time.Duration
	dedupWindow     time.Duration
	maxDeliver      int
	ackWait         time.Duration
	redeliveryDelay time.Duration
	pullBatch       int
	logger          *slog.Logger

	host    transport.Host
	runCtx  context.Context
	stopRun context.CancelFunc
	wg      sync.WaitGroup

	streams *cache.Cache[string, jetstream.Stream]
	subs    *cache.Cache[consumerKey, *subscription]

	mu    sync.RWMutex
	specs map[consumerKey]consumerSpec
}

// New creates a new NATS JetStream transport. The connection is not closed by
// the transport.
func New(conn *nats.Conn, opts ...Option) (*Transport, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}

	t := &Transport{
		name:        DefaultName,
		conn:        conn,
		replicas:    DefaultReplicas,
		maxAge:      DefaultMaxAge,
		dedupWindow: DefaultDedupWindow,
		ackWait:     DefaultAckWait,
		pullBatch:   DefaultPullBatch,
		logger:      transport.Logger("transport>nats"),
		runCtx:      context.Background(),
		stopRun:     func() {},
		specs:       make(map[consumerKey]consumerSpec),
	}
	for _, opt := range opts {
		opt(t)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, errors.Join(ErrJetStreamFailed, err)
	}
	t.js = js

	t.streams = cache.New("nats-streams", t.newStream,
		cache.WithLogger[jetstream.Stream](t.logger))
	t.subs = cache.New("nats-consumers", t.newSubscription,
		cache.WithCloser(func(ctx context.Context, s *subscription) error {
			return s.close(ctx)
		}),
		cache.WithLogger[*subscription](t.logger))
	return t, nil
}

func (t *Transport) Name() string { return t.name }

// Capabilities reports dead-letter support. JetStream consumers may share a
// stream, so events are not restricted to one consumer.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.Capabilities{
		SupportsDeadletter:  true,
		MaxEntityNameLength: MaxStreamNameLength,
	}
}

func (t *Transport) running() bool {
	return t.status.Load() == 1
}

// StreamName returns the stream that captures the subject entity.
func StreamName(entity string) string {
	return streamPrefix + sanitize(entity)
}

// sanitize replaces characters JetStream forbids in stream and consumer names.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', '/', '\\', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, name)
}

// Start creates one durable consumer per consumer registration and begins
// consuming.
func (t *Transport) Start(ctx context.Context, host transport.Host, events []*transport.EventRegistration) error {
	if !t.status.CompareAndSwap(0, 1) {
		return ErrAlreadyStarted
	}
	t.host = host
	t.runCtx, t.stopRun = context.WithCancel(context.Background())
	t.streams.Reopen()
	t.subs.Reopen()

	var keys []consumerKey
	t.mu.Lock()
	clear(t.specs)
	for _, ev := range events {
		for _, c := range ev.Consumers {
			key := consumerKey{entity: ev.Entity(c.Deadletter), group: c.GroupName}
			t.specs[key] = consumerSpec{event: ev, consumer: c}
			keys = append(keys, key)
		}
	}
	t.mu.Unlock()

	for _, key := range keys {
		if _, err := t.subs.GetOrCreate(ctx, key); err != nil {
			_ = t.Stop(ctx)
			return err
		}
	}
	t.logger.Debug("started", "events", len(events), "consumers", len(keys))
	return nil
}

// Stop drains every consumer, letting in-flight messages settle. If ctx ends
// first, in-flight processing is cancelled.
func (t *Transport) Stop(ctx context.Context) error {
	if !t.status.CompareAndSwap(1, 0) {
		return nil
	}
	t.subs.Range(func(_ consumerKey, s *subscription) bool {
		s.stop()
		return true
	})

	drained := make(chan struct{})
	go func() {
		t.subs.RemoveAll(ctx)
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
	t.streams.RemoveAll(ctx)
	t.logger.Debug("stopped")
	return err
}

// CheckHealth reports the connection status and round-trip time.
func (t *Transport) CheckHealth(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	if !t.running() {
		return transport.Unhealthy(start, "transport is not running")
	}

	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details: map[string]any{
			"type":      "nats",
			"consumers": t.subs.Len(),
		},
	}
	status := t.conn.Status()
	result.Details["connection_status"] = status.String()
	if status != nats.CONNECTED {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "nats connection not healthy"
		result.Latency = time.Since(start)
		return result
	}

	rtt, err := t.conn.RTT()
	if err != nil {
		result.Status = transport.HealthStatusDegraded
		result.Message = "nats RTT check failed"
		result.Details["rtt_error"] = err.Error()
		result.Latency = time.Since(start)
		return result
	}

	result.Status = transport.HealthStatusHealthy
	result.Message = "nats transport is healthy"
	result.Details["rtt_ms"] = rtt.Milliseconds()
	result.Details["server_url"] = t.conn.ConnectedUrl()
	result.Latency = time.Since(start)
	return result
}

// Publish sends msgs asynchronously in order and waits for every ack. Ids
// have the form stream/sequence.
func (t *Transport) Publish(ctx context.Context, ev *transport.EventRegistration, msgs []*transport.Message) ([]string, error) {
	if !t.running() {
		return nil, transport.ErrNotStarted
	}
	if _, err := t.streams.GetOrCreate(ctx, ev.EntityName); err != nil {
		return nil, err
	}

	futures := make([]jetstream.PubAckFuture, len(msgs))
	for i, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m := &nats.Msg{Subject: ev.EntityName, Data: msg.Body, Header: make(nats.Header, len(msg.Headers))}
		for k, v := range msg.Headers {
			m.Header.Set(k, v)
		}
		f, err := t.js.PublishMsgAsync(m, jetstream.WithMsgID(msg.ID))
		if err != nil {
			return nil, err
		}
		futures[i] = f
	}

	ids := make([]string, len(futures))
	for i, f := range futures {
		select {
		case ack := <-f.Ok():
			ids[i] = messageID(ack.Stream, ack.Sequence)
		case err := <-f.Err():
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	t.logger.Debug("published", "entity", ev.EntityName, "count", len(ids))
	return ids, nil
}

// Cancel is not supported: the transport does not schedule messages.
func (t *Transport) Cancel(ctx context.Context, ev *transport.EventRegistration, ids []string) error {
	return &transport.NotSupportedError{Transport: t.name, Feature: "cancellation"}
}

func messageID(stream string, seq uint64) string {
	return stream + "/" + strconv.FormatUint(seq, 10)
}

// newStream creates or updates the stream capturing subject entity.
func (t *Transport) newStream(ctx context.Context, entity string) (jetstream.Stream, error) {
	stream, err := t.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName(entity),
		Subjects:   []string{entity},
		Replicas:   t.replicas,
		MaxAge:     t.maxAge,
		Duplicates: t.dedupWindow,
	})
	if err != nil {
		return nil, transport.NewTransportError(t.name, "create stream", err)
	}
	t.logger.Debug("stream ready", "entity", entity, "stream", StreamName(entity))
	return stream, nil
}

// subscription runs the consume loop of one durable consumer.
type subscription struct {
	t        *Transport
	key      consumerKey
	event    *transport.EventRegistration
	consumer *transport.ConsumerRegistration
	cons     jetstream.Consumer

	loopCtx  context.Context
	stopLoop context.CancelFunc
	done     chan struct{}
}

func (t *Transport) newSubscription(ctx context.Context, key consumerKey) (*subscription, error) {
	t.mu.RLock()
	spec, ok := t.specs[key]
	t.mu.RUnlock()
	if !ok {
		return nil, transport.Configurationf("no consumer group %s on %s", key.group, key.entity)
	}
	stream, err := t.streams.GetOrCreate(ctx, key.entity)
	if err != nil {
		return nil, err
	}

	cfg := jetstream.ConsumerConfig{
		Durable:       sanitize(key.group),
		FilterSubject: key.entity,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       t.ackWait,
	}
	if t.maxDeliver > 0 {
		cfg.MaxDeliver = t.maxDeliver
	}
	cons, err := stream.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return nil, transport.NewTransportError(t.name, "create consumer", err)
	}

	s := &subscription{
		t:        t,
		key:      key,
		event:    spec.event,
		consumer: spec.consumer,
		cons:     cons,
		done:     make(chan struct{}),
	}
	s.loopCtx, s.stopLoop = context.WithCancel(t.runCtx)
	t.wg.Add(1)
	go s.run()
	return s, nil
}

func (s *subscription) stop() {
	s.stopLoop()
}

func (s *subscription) close(ctx context.Context) error {
	s.stop()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run keeps a Consume call alive, restarting it with backoff after
// consumer errors. On stop it drains buffered messages before returning.
func (s *subscription) run() {
	t := s.t
	defer t.wg.Done()
	defer close(s.done)

	backoff := transport.DefaultBackoff()
	for {
		errCh := make(chan error, 1)
		cc, err := s.cons.Consume(s.handle,
			jetstream.PullMaxMessages(t.pullBatch),
			jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
				select {
				case errCh <- err:
				default:
				}
			}))
		if err != nil {
			t.logger.Error("consume error, retrying", "entity", s.key.entity, "group", s.key.group, "error", err)
			if !backoff.Sleep(s.loopCtx) {
				return
			}
			continue
		}
		backoff.Reset()

		select {
		case <-s.loopCtx.Done():
			cc.Drain()
			<-cc.Closed()
			return
		case err := <-errCh:
			cc.Stop()
			t.logger.Warn("consumer error, reconnecting", "entity", s.key.entity, "group", s.key.group, "error", err)
			if !backoff.Sleep(s.loopCtx) {
				return
			}
		}
	}
}

// handle processes one message. Errors are settled with Nak so JetStream
// redelivers the message.
func (s *subscription) handle(msg jetstream.Msg) {
	t := s.t
	ctx := t.runCtx
	d := delivery(msg)
	ack := &acknowledger{s: s, msg: msg}
	if err := t.host.Process(ctx, s.event, s.consumer, d, ack); err != nil {
		if ack.settled {
			return
		}
		var nakErr error
		if t.redeliveryDelay > 0 {
			nakErr = msg.NakWithDelay(t.redeliveryDelay)
		} else {
			nakErr = msg.Nak()
		}
		if nakErr != nil {
			t.logger.Warn("failed to nak message", "entity", s.key.entity, "group", s.key.group, "msg_id", d.ID, "error", nakErr)
		}
		t.logger.Debug("message will be redelivered", "entity", s.key.entity, "group", s.key.group, "msg_id", d.ID, "attempt", d.Attempt, "error", err)
	}
}

func delivery(msg jetstream.Msg) *transport.Delivery {
	headers := make(map[string]string, len(msg.Headers()))
	for k, v := range msg.Headers() {
		if len(v) > 0 && k != nats.MsgIdHdr {
			headers[k] = v[0]
		}
	}
	d := &transport.Delivery{
		Body:      msg.Data(),
		Headers:   headers,
		Partition: -1,
		Attempt:   1,
	}
	if md, err := msg.Metadata(); err == nil {
		d.ID = messageID(md.Stream, md.Sequence.Stream)
		d.Attempt = int(md.NumDelivered)
	} else {
		d.ID = msg.Headers().Get(nats.MsgIdHdr)
	}
	return d
}

// acknowledger settles one JetStream message.
type acknowledger struct {
	s       *subscription
	msg     jetstream.Msg
	settled bool
}

// Checkpoint acks the message.
func (a *acknowledger) Checkpoint(ctx context.Context, d *transport.Delivery) error {
	if err := a.msg.Ack(); err != nil {
		return err
	}
	a.settled = true
	return nil
}

// DeadLetter republishes the raw message to the dead-letter stream under its
// original message id, then terminates it. The duplicate window makes a
// repeated call store nothing new.
func (a *acknowledger) DeadLetter(ctx context.Context, d *transport.Delivery, cause error) error {
	t := a.s.t
	entity := a.s.event.DeadletterEntityName
	if _, err := t.streams.GetOrCreate(ctx, entity); err != nil {
		return err
	}

	id := d.Headers[envelope.HeaderID]
	if id == "" {
		id = d.ID
	}
	m := &nats.Msg{Subject: entity, Data: a.msg.Data(), Header: make(nats.Header)}
	maps.Copy(m.Header, a.msg.Headers())
	m.Header.Del(nats.MsgIdHdr)

	ack, err := t.js.PublishMsg(ctx, m, jetstream.WithMsgID(id))
	if err != nil {
		return err
	}
	if !a.settled {
		if err := a.msg.Term(); err != nil {
			return err
		}
		a.settled = true
	}
	t.logger.Debug("dead-lettered", "entity", entity, "msg_id", id, "duplicate", ack.Duplicate, "cause", cause)
	return nil
}

// Compile-time checks
var (
	_ transport.Transport    = (*Transport)(nil)
	_ transport.Acknowledger = (*acknowledger)(nil)
)
