// Package kafka provides a Kafka transport built on IBM/sarama.
//
// Every entity maps to a topic, created on first use with the configured
// partition count. Each consumer registration joins its own consumer group and
// processes partitions concurrently, one message at a time per partition.
//
// Delivery is at-least-once: a message is marked only after the bus
// checkpoints it and marked offsets are committed every CheckpointInterval
// messages and when a partition is revoked. A processing error ends the group
// session so the group re-joins and resumes from the last committed offset.
//
// IMPORTANT: Auto-commit must be disabled in the sarama config. See New for
// the recommended configuration.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rbaliyan/eventbus/cache"
	"github.com/rbaliyan/eventbus/checkpoint"
	"github.com/rbaliyan/eventbus/transport"
)

// DefaultName is the transport name used when WithName is not given.
const DefaultName = "kafka"

// MaxTopicNameLength is the longest topic name Kafka accepts.
const MaxTopicNameLength = 249

// Event metadata keys read when a topic is created.
const (
	MetadataPartitions  = "partitions"
	MetadataReplication = "replication"
)

// Errors
var (
	ErrClientRequired    = errors.New("kafka client is required")
	ErrProducerFailed    = errors.New("failed to create kafka producer")
	ErrAlreadyStarted    = errors.New("kafka transport already started")
	ErrAutoCommitEnabled = errors.New("kafka: auto-commit must be disabled for at-least-once delivery - set Consumer.Offsets.AutoCommit.Enable = false")
)

// Default configuration
var (
	DefaultPartitions  = int32(1)
	DefaultReplication = int16(1)
)

// clusterAdmin is the part of sarama.ClusterAdmin the transport uses.
type clusterAdmin interface {
	CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error
	Close() error
}

// topicKey identifies the topic of one event stream.
type topicKey struct {
	event      reflect.Type
	deadletter bool
}

// groupKey identifies one consumer group on one topic.
type groupKey struct {
	entity string
	group  string
}

type groupSpec struct {
	event    *transport.EventRegistration
	consumer *transport.ConsumerRegistration
}

// Transport implements transport.Transport using Kafka
type Transport struct {
	status      atomic.Int32
	name        string
	client      sarama.Client
	partitions  int32
	replication int16
	retention   time.Duration
	observer    transport.PartitionObserver
	store       checkpoint.Store
	logger      *slog.Logger

	newProducer func() (sarama.SyncProducer, error)
	newAdmin    func() (clusterAdmin, error)
	newGroup    func(group string) (sarama.ConsumerGroup, error)

	host    transport.Host
	runCtx  context.Context
	stopRun context.CancelFunc
	wg      sync.WaitGroup

	topics *cache.Cache[topicKey, string]
	groups *cache.Cache[groupKey, *groupConsumer]

	mu       sync.RWMutex
	producer sarama.SyncProducer
	admin    clusterAdmin
	events   map[reflect.Type]*transport.EventRegistration
	specs    map[groupKey]groupSpec
}

// New creates a new Kafka transport with a pre-initialized client. The
// client is not closed by the transport.
//
// IMPORTANT: Auto-commit must be disabled in the sarama config to ensure
// at-least-once delivery. If auto-commit is enabled (the sarama default),
// offsets are committed regardless of whether the bus checkpointed them.
//
// Recommended sarama.Config settings:
//
//	config := sarama.NewConfig()
//	config.Consumer.Offsets.AutoCommit.Enable = false  // REQUIRED
//	config.Producer.Return.Successes = true            // REQUIRED by SyncProducer
//	config.Producer.RequiredAcks = sarama.WaitForAll
//	config.Net.MaxOpenRequests = 1                     // keeps batch order on retries
func New(client sarama.Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if client.Config().Consumer.Offsets.AutoCommit.Enable {
		return nil, ErrAutoCommitEnabled
	}

	t := newTransport(opts...)
	t.client = client
	t.newProducer = func() (sarama.SyncProducer, error) {
		p, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			return nil, errors.Join(ErrProducerFailed, err)
		}
		return p, nil
	}
	t.newAdmin = func() (clusterAdmin, error) {
		return sarama.NewClusterAdminFromClient(client)
	}
	t.newGroup = func(group string) (sarama.ConsumerGroup, error) {
		return sarama.NewConsumerGroupFromClient(group, client)
	}
	return t, nil
}

func newTransport(opts ...Option) *Transport {
	t := &Transport{
		name:        DefaultName,
		partitions:  DefaultPartitions,
		replication: DefaultReplication,
		logger:      transport.Logger("transport>kafka"),
		runCtx:      context.Background(),
		stopRun:     func() {},
		events:      make(map[reflect.Type]*transport.EventRegistration),
		specs:       make(map[groupKey]groupSpec),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.observer == nil {
		t.observer = transport.LogPartitionObserver(t.logger)
	}
	t.topics = cache.New("kafka-topics", t.newTopic, cache.WithLogger[string](t.logger))
	t.groups = cache.New("kafka-groups", t.newGroupConsumer,
		cache.WithCloser(func(ctx context.Context, g *groupConsumer) error {
			return g.close()
		}),
		cache.WithLogger[*groupConsumer](t.logger))
	return t
}

func (t *Transport) Name() string { return t.name }

// Capabilities reports a partitioned transport with dead-letter topics and
// one consumer per event. Kafka has no delayed delivery.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.Capabilities{
		SupportsDeadletter:     true,
		SingleConsumerPerEvent: true,
		Partitioned:            true,
		MaxEntityNameLength:    MaxTopicNameLength,
	}
}

func (t *Transport) running() bool {
	return t.status.Load() == 1
}

// Start creates the producer and joins one consumer group per consumer
// registration.
func (t *Transport) Start(ctx context.Context, host transport.Host, events []*transport.EventRegistration) error {
	if !t.status.CompareAndSwap(0, 1) {
		return ErrAlreadyStarted
	}
	producer, err := t.newProducer()
	if err != nil {
		t.status.Store(0)
		return transport.NewTransportError(t.name, "start", err)
	}
	admin, err := t.newAdmin()
	if err != nil {
		producer.Close()
		t.status.Store(0)
		return transport.NewTransportError(t.name, "start", err)
	}

	t.host = host
	t.runCtx, t.stopRun = context.WithCancel(context.Background())
	t.topics.Reopen()
	t.groups.Reopen()

	var keys []groupKey
	t.mu.Lock()
	t.producer, t.admin = producer, admin
	clear(t.events)
	clear(t.specs)
	for _, ev := range events {
		t.events[ev.EventType] = ev
		for _, c := range ev.Consumers {
			key := groupKey{entity: ev.Entity(c.Deadletter), group: c.GroupName}
			t.specs[key] = groupSpec{event: ev, consumer: c}
			keys = append(keys, key)
		}
	}
	t.mu.Unlock()

	for _, key := range keys {
		if _, err := t.groups.GetOrCreate(ctx, key); err != nil {
			_ = t.Stop(ctx)
			return err
		}
	}
	t.logger.Debug("started", "events", len(events), "groups", len(keys))
	return nil
}

// Stop leaves every consumer group, waiting for in-flight messages to be
// settled, then closes the producer. If ctx ends first, in-flight
// processing is cancelled.
func (t *Transport) Stop(ctx context.Context) error {
	if !t.status.CompareAndSwap(1, 0) {
		return nil
	}

	drained := make(chan struct{})
	go func() {
		t.groups.RemoveAll(ctx)
		t.wg.Wait()
		close(drained)
	}()
	var errs []error
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
		t.stopRun()
		<-drained
	}
	t.stopRun()
	t.topics.RemoveAll(ctx)

	t.mu.Lock()
	if t.producer != nil {
		if err := t.producer.Close(); err != nil {
			errs = append(errs, err)
		}
		t.producer = nil
	}
	if t.admin != nil {
		if err := t.admin.Close(); err != nil {
			errs = append(errs, err)
		}
		t.admin = nil
	}
	t.mu.Unlock()

	t.logger.Debug("stopped")
	return errors.Join(errs...)
}

// CheckHealth reports broker connectivity.
func (t *Transport) CheckHealth(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	if !t.running() {
		return transport.Unhealthy(start, "transport is not running")
	}
	if t.client == nil || t.client.Closed() {
		return transport.Unhealthy(start, "kafka client is closed")
	}

	brokers := t.client.Brokers()
	if len(brokers) == 0 {
		return transport.Unhealthy(start, "no kafka brokers available")
	}
	connected := 0
	addrs := make([]string, 0, len(brokers))
	for _, broker := range brokers {
		if ok, _ := broker.Connected(); ok {
			connected++
		}
		addrs = append(addrs, broker.Addr())
	}

	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details: map[string]any{
			"type":              "kafka",
			"total_brokers":     len(brokers),
			"connected_brokers": connected,
			"brokers":           addrs,
			"groups":            t.groups.Len(),
		},
	}
	switch {
	case connected == 0:
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "no connected kafka brokers"
	case connected < len(brokers):
		result.Status = transport.HealthStatusDegraded
		result.Message = fmt.Sprintf("kafka transport degraded: %d/%d brokers connected", connected, len(brokers))
	default:
		result.Status = transport.HealthStatusHealthy
		result.Message = "kafka transport is healthy"
	}
	result.Latency = time.Since(start)
	return result
}

// Publish sends msgs to the topic of ev in one SendMessages call and returns
// ids of the form topic/partition/offset.
func (t *Transport) Publish(ctx context.Context, ev *transport.EventRegistration, msgs []*transport.Message) ([]string, error) {
	if !t.running() {
		return nil, transport.ErrNotStarted
	}
	topic, err := t.topics.GetOrCreate(ctx, topicKey{event: ev.EventType})
	if err != nil {
		return nil, err
	}
	pms := make([]*sarama.ProducerMessage, len(msgs))
	for i, msg := range msgs {
		pms[i] = producerMessage(topic, msg)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	producer, err := t.syncProducer()
	if err != nil {
		return nil, err
	}
	if err := producer.SendMessages(pms); err != nil {
		return nil, err
	}
	ids := make([]string, len(pms))
	for i, pm := range pms {
		ids[i] = messageID(pm.Topic, pm.Partition, pm.Offset)
	}
	t.logger.Debug("published", "entity", topic, "count", len(ids))
	return ids, nil
}

// Cancel is not supported: Kafka has no scheduled delivery.
func (t *Transport) Cancel(ctx context.Context, ev *transport.EventRegistration, ids []string) error {
	return &transport.NotSupportedError{Transport: t.name, Feature: "cancellation"}
}

func (t *Transport) syncProducer() (sarama.SyncProducer, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.producer == nil {
		return nil, transport.ErrTransportClosed
	}
	return t.producer, nil
}

func (t *Transport) event(typ reflect.Type) (*transport.EventRegistration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ev, ok := t.events[typ]
	return ev, ok
}

// newTopic creates the topic of one event stream. A topic that already
// exists is accepted as is.
func (t *Transport) newTopic(ctx context.Context, key topicKey) (string, error) {
	ev, ok := t.event(key.event)
	if !ok {
		return "", transport.Configurationf("event type %s is not carried by %s", key.event, t.name)
	}
	name := ev.Entity(key.deadletter)

	detail := &sarama.TopicDetail{
		NumPartitions:     t.partitions,
		ReplicationFactor: t.replication,
	}
	if n, err := strconv.ParseInt(ev.Metadata[MetadataPartitions], 10, 32); err == nil && n > 0 {
		detail.NumPartitions = int32(n)
	}
	if n, err := strconv.ParseInt(ev.Metadata[MetadataReplication], 10, 16); err == nil && n > 0 {
		detail.ReplicationFactor = int16(n)
	}
	if t.retention > 0 {
		retentionMs := strconv.FormatInt(t.retention.Milliseconds(), 10)
		detail.ConfigEntries = map[string]*string{
			"retention.ms": &retentionMs,
		}
	}

	t.mu.RLock()
	admin := t.admin
	t.mu.RUnlock()
	if admin == nil {
		return "", transport.ErrTransportClosed
	}
	err := admin.CreateTopic(name, detail, false)
	var topicErr *sarama.TopicError
	if errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists {
		err = nil
	}
	if err != nil {
		return "", transport.NewTransportError(t.name, "create topic", err)
	}
	t.logger.Debug("topic ready", "entity", name, "partitions", detail.NumPartitions)
	return name, nil
}

func producerMessage(topic string, msg *transport.Message) *sarama.ProducerMessage {
	pm := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(msg.Body),
	}
	if msg.PartitionKey != "" {
		pm.Key = sarama.StringEncoder(msg.PartitionKey)
	}
	for _, k := range slices.Sorted(maps.Keys(msg.Headers)) {
		pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(msg.Headers[k])})
	}
	return pm
}

func messageID(topic string, partition int32, offset int64) string {
	return topic + "/" + strconv.FormatInt(int64(partition), 10) + "/" + strconv.FormatInt(offset, 10)
}

// groupConsumer runs the consume loop of one consumer group.
type groupConsumer struct {
	group   sarama.ConsumerGroup
	handler *handler
	done    chan struct{}
}

func (t *Transport) newGroupConsumer(ctx context.Context, key groupKey) (*groupConsumer, error) {
	t.mu.RLock()
	spec, ok := t.specs[key]
	t.mu.RUnlock()
	if !ok {
		return nil, transport.Configurationf("no consumer group %s on %s", key.group, key.entity)
	}
	if _, err := t.topics.GetOrCreate(ctx, topicKey{event: spec.event.EventType, deadletter: spec.consumer.Deadletter}); err != nil {
		return nil, err
	}
	group, err := t.newGroup(key.group)
	if err != nil {
		return nil, transport.NewTransportError(t.name, "join group", err)
	}

	g := &groupConsumer{
		group:   group,
		handler: t.newHandler(spec.event, spec.consumer),
		done:    make(chan struct{}),
	}
	if t.client != nil && t.client.Config().Consumer.Return.Errors {
		go func() {
			for err := range group.Errors() {
				t.logger.Error("consumer group error", "entity", key.entity, "group", key.group, "error", err)
			}
		}()
	}
	t.wg.Add(1)
	go g.run(t)
	return g, nil
}

func (g *groupConsumer) run(t *Transport) {
	defer t.wg.Done()
	defer close(g.done)
	h := g.handler
	backoff := transport.DefaultBackoff()
	for {
		err := g.group.Consume(t.runCtx, []string{h.entity}, h)
		if errors.Is(err, sarama.ErrClosedConsumerGroup) || t.runCtx.Err() != nil {
			return
		}
		if err != nil {
			t.logger.Error("consumer error, retrying with backoff", "entity", h.entity, "group", h.consumer.GroupName, "error", err)
			if !backoff.Sleep(t.runCtx) {
				return
			}
			continue
		}
		backoff.Reset()
	}
}

func (g *groupConsumer) close() error {
	err := g.group.Close()
	<-g.done
	return err
}

type attempt struct {
	offset int64
	count  int
}

// handler implements sarama.ConsumerGroupHandler for one consumer
// registration. Partitions are claimed concurrently, so per-partition state
// is guarded by mu.
type handler struct {
	t        *Transport
	event    *transport.EventRegistration
	consumer *transport.ConsumerRegistration
	entity   string
	interval int

	mu       sync.Mutex
	resume   map[int32]int64
	marked   map[int32]int64
	attempts map[int32]attempt
}

func (t *Transport) newHandler(ev *transport.EventRegistration, c *transport.ConsumerRegistration) *handler {
	return &handler{
		t:        t,
		event:    ev,
		consumer: c,
		entity:   ev.Entity(c.Deadletter),
		interval: max(1, c.CheckpointInterval),
		resume:   make(map[int32]int64),
		marked:   make(map[int32]int64),
		attempts: make(map[int32]attempt),
	}
}

func (h *handler) info(partition int32) transport.PartitionInfo {
	return transport.PartitionInfo{Entity: h.entity, Group: h.consumer.GroupName, Partition: partition}
}

func (h *handler) key(partition int32) checkpoint.Key {
	return checkpoint.Key{Entity: h.entity, Group: h.consumer.GroupName, Partition: partition}
}

// Setup announces the claimed partitions and loads their stored offsets.
func (h *handler) Setup(session sarama.ConsumerGroupSession) error {
	ctx := session.Context()
	for _, p := range session.Claims()[h.entity] {
		h.t.observer.OnPartitionOpening(ctx, h.info(p))
		if h.t.store == nil {
			continue
		}
		offset, ok, err := h.t.store.Load(ctx, h.key(p))
		if err != nil {
			h.t.logger.Warn("failed to load stored offset", "entity", h.entity, "group", h.consumer.GroupName, "partition", p, "error", err)
			continue
		}
		h.mu.Lock()
		if ok {
			h.resume[p] = offset
		} else {
			delete(h.resume, p)
		}
		h.mu.Unlock()
	}
	return nil
}

// Cleanup commits marked offsets of the revoked partitions.
func (h *handler) Cleanup(session sarama.ConsumerGroupSession) error {
	ctx := context.WithoutCancel(session.Context())
	partitions := session.Claims()[h.entity]
	h.commit(ctx, session, partitions...)
	for _, p := range partitions {
		h.t.observer.OnPartitionClosing(ctx, h.info(p))
	}
	return nil
}

// ConsumeClaim hands messages of one partition to the host in order. The
// first processing error ends the session.
func (h *handler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	pending := 0
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if h.skip(msg) {
				session.MarkMessage(msg, "")
				continue
			}
			ack := &acknowledger{h: h, session: session, msg: msg, pending: &pending}
			// Processing uses the transport context so Stop can drain the
			// message in flight after the session is cancelled.
			ctx := h.t.runCtx
			if err := h.t.host.Process(ctx, h.event, h.consumer, h.delivery(msg), ack); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				h.t.observer.OnProcessingError(ctx, h.info(msg.Partition), err)
				return err
			}
			h.mu.Lock()
			delete(h.attempts, msg.Partition)
			h.mu.Unlock()
		case <-session.Context().Done():
			return nil
		}
	}
}

// skip reports whether msg precedes the offset restored from the store.
func (h *handler) skip(msg *sarama.ConsumerMessage) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	resume, ok := h.resume[msg.Partition]
	if !ok {
		return false
	}
	if msg.Offset <= resume {
		h.marked[msg.Partition] = msg.Offset
		return true
	}
	delete(h.resume, msg.Partition)
	return false
}

func (h *handler) delivery(msg *sarama.ConsumerMessage) *transport.Delivery {
	h.mu.Lock()
	a := h.attempts[msg.Partition]
	if a.offset != msg.Offset {
		a = attempt{offset: msg.Offset}
	}
	a.count++
	h.attempts[msg.Partition] = a
	h.mu.Unlock()

	headers := make(map[string]string, len(msg.Headers))
	for _, rh := range msg.Headers {
		if rh != nil {
			headers[string(rh.Key)] = string(rh.Value)
		}
	}
	return &transport.Delivery{
		ID:        messageID(msg.Topic, msg.Partition, msg.Offset),
		Body:      msg.Value,
		Headers:   headers,
		Partition: msg.Partition,
		Attempt:   a.count,
	}
}

// commit flushes marked offsets to the broker and mirrors them to the store.
// Store failures are logged; the broker commit is authoritative.
func (h *handler) commit(ctx context.Context, session sarama.ConsumerGroupSession, partitions ...int32) {
	session.Commit()
	if h.t.store == nil {
		return
	}
	for _, p := range partitions {
		h.mu.Lock()
		offset, ok := h.marked[p]
		h.mu.Unlock()
		if !ok {
			continue
		}
		if err := h.t.store.Save(ctx, h.key(p), offset); err != nil {
			h.t.logger.Warn("failed to store offset", "entity", h.entity, "group", h.consumer.GroupName, "partition", p, "error", err)
		}
	}
}

// acknowledger settles one consumer message.
type acknowledger struct {
	h            *handler
	session      sarama.ConsumerGroupSession
	msg          *sarama.ConsumerMessage
	pending      *int
	deadlettered bool
}

// Checkpoint marks the message and commits once CheckpointInterval messages
// have been marked on the partition.
func (a *acknowledger) Checkpoint(ctx context.Context, d *transport.Delivery) error {
	h := a.h
	a.session.MarkMessage(a.msg, "")
	h.mu.Lock()
	h.marked[a.msg.Partition] = a.msg.Offset
	h.mu.Unlock()

	*a.pending++
	if *a.pending >= h.interval {
		*a.pending = 0
		h.commit(ctx, a.session, a.msg.Partition)
	}
	return nil
}

// DeadLetter produces the raw record to the dead-letter topic, keeping key
// and headers, then checkpoints it. Repeated calls are no-ops.
func (a *acknowledger) DeadLetter(ctx context.Context, d *transport.Delivery, cause error) error {
	if a.deadlettered {
		return nil
	}
	h := a.h
	topic, err := h.t.topics.GetOrCreate(ctx, topicKey{event: h.event.EventType, deadletter: true})
	if err != nil {
		return err
	}
	pm := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(a.msg.Value),
	}
	if a.msg.Key != nil {
		pm.Key = sarama.ByteEncoder(a.msg.Key)
	}
	for _, rh := range a.msg.Headers {
		if rh != nil {
			pm.Headers = append(pm.Headers, *rh)
		}
	}

	producer, err := h.t.syncProducer()
	if err != nil {
		return err
	}
	if _, _, err := producer.SendMessage(pm); err != nil {
		return err
	}
	a.deadlettered = true
	h.t.logger.Debug("dead-lettered", "entity", topic, "msg_id", d.ID, "cause", cause)
	return a.Checkpoint(ctx, d)
}

// Compile-time checks
var (
	_ transport.Transport         = (*Transport)(nil)
	_ transport.Acknowledger      = (*acknowledger)(nil)
	_ sarama.ConsumerGroupHandler = (*handler)(nil)
	_ clusterAdmin                = sarama.ClusterAdmin(nil)
)
