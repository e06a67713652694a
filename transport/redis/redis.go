// Package redis provides a Redis Streams transport.
//
// Every entity maps to a stream. Each consumer registration gets a consumer
// group on that stream, so a group resumes where it left off after a restart.
// Messages stay pending in the group until acknowledged; entries left pending
// by a failed or crashed consumer are reclaimed with XAUTOCLAIM once they have
// been idle for the claim threshold.
//
// Features:
//   - Pipelined XADD for batches
//   - XACK checkpoints, flushed every CheckpointInterval messages
//   - Dead-letter streams
//   - Scheduled delivery through a sorted set and a payload hash, released by
//     a poller and cancellable until released
//   - Stream trimming by count (MAXLEN) or age (MINID)
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/eventbus/cache"
	"github.com/rbaliyan/eventbus/transport"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// Client defines the Redis operations the transport needs.
// Supports *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XPending(ctx context.Context, stream, group string) *redis.XPendingCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	Ping(ctx context.Context) *redis.StatusCmd
}

// DefaultName is the transport name used when WithName is not given.
const DefaultName = "redis"

// Errors
var (
	ErrClientRequired = errors.New("redis client is required")
	ErrAlreadyStarted = errors.New("redis transport already started")
)

// Default configuration
var (
	DefaultMaxLen        = int64(0) // unlimited
	DefaultBlockTime     = 2 * time.Second
	DefaultReadCount     = int64(32)
	DefaultClaimInterval = 30 * time.Second
	DefaultClaimMinIdle  = time.Minute
	DefaultPollInterval  = time.Second
)

// streamPrefix is the fixed prefix for Redis streams to avoid clashing with user data
const streamPrefix = "evt"

// Stream entry fields. Headers are stored one field each, prefixed.
const (
	fieldBody    = "body"
	headerPrefix = "h:"
)

// StreamKey returns the stream holding entity. The entity is a hash tag, so
// the stream and its scheduling keys share a cluster slot.
func StreamKey(entity string) string {
	return streamPrefix + ":{" + entity + "}"
}

func scheduleKey(entity string) string { return StreamKey(entity) + ":scheduled" }
func payloadKey(entity string) string  { return StreamKey(entity) + ":payloads" }

type groupKey struct {
	entity string
	group  string
}

type groupSpec struct {
	event    *transport.EventRegistration
	consumer *transport.ConsumerRegistration
}

// scheduledMessage is the payload hash value of a message waiting for its
// delivery time.
type scheduledMessage struct {
	Body    []byte            `msgpack:"b"`
	Headers map[string]string `msgpack:"h"`
}

// Transport implements transport.Transport using Redis Streams
type Transport struct {
	status        atomic.Int32
	name          string
	client        Client
	consumerName  string
	maxLen        int64
	maxAge        time.Duration
	blockTime     time.Duration
	readCount     int64
	claimInterval time.Duration
	claimMinIdle  time.Duration
	pollInterval  time.Duration
	logger        *slog.Logger

	host     transport.Host
	runCtx   context.Context
	stopRun  context.CancelFunc
	pollCtx  context.Context
	stopPoll context.CancelFunc
	wg       sync.WaitGroup

	groups *cache.Cache[groupKey, *subscription]

	mu        sync.RWMutex
	specs     map[groupKey]groupSpec
	scheduled map[string]struct{}
}

// New creates a new Redis transport with a pre-initialized client. The
// client is not closed by the transport.
func New(client Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	t := &Transport{
		name:          DefaultName,
		client:        client,
		consumerName:  transport.NewID(),
		maxLen:        DefaultMaxLen,
		blockTime:     DefaultBlockTime,
		readCount:     DefaultReadCount,
		claimInterval: DefaultClaimInterval,
		claimMinIdle:  DefaultClaimMinIdle,
		pollInterval:  DefaultPollInterval,
		logger:        transport.Logger("transport>redis"),
		runCtx:        context.Background(),
		stopRun:       func() {},
		stopPoll:      func() {},
		specs:         make(map[groupKey]groupSpec),
		scheduled:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.groups = cache.New("redis-groups", t.newSubscription,
		cache.WithCloser(func(ctx context.Context, s *subscription) error {
			return s.close(ctx)
		}),
		cache.WithLogger[*subscription](t.logger))
	return t, nil
}

func (t *Transport) Name() string { return t.name }

// Capabilities reports scheduling, cancellation and dead-letter support.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.Capabilities{
		SupportsScheduling:   true,
		SupportsCancellation: true,
		SupportsDeadletter:   true,
	}
}

func (t *Transport) running() bool {
	return t.status.Load() == 1
}

// Start creates one consumer group per consumer registration, begins
// consuming and starts the scheduler poller.
func (t *Transport) Start(ctx context.Context, host transport.Host, events []*transport.EventRegistration) error {
	if !t.status.CompareAndSwap(0, 1) {
		return ErrAlreadyStarted
	}
	t.host = host
	t.runCtx, t.stopRun = context.WithCancel(context.Background())
	t.pollCtx, t.stopPoll = context.WithCancel(t.runCtx)
	t.groups.Reopen()

	var keys []groupKey
	t.mu.Lock()
	clear(t.specs)
	for _, ev := range events {
		t.scheduled[ev.EntityName] = struct{}{}
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

	t.wg.Add(1)
	go t.poll()
	t.logger.Debug("started", "events", len(events), "groups", len(keys), "consumer", t.consumerName)
	return nil
}

// Stop ends every consume loop and the poller, letting in-flight messages
// settle. If ctx ends first, in-flight processing is cancelled.
func (t *Transport) Stop(ctx context.Context) error {
	if !t.status.CompareAndSwap(1, 0) {
		return nil
	}
	t.stopPoll()
	t.groups.Range(func(_ groupKey, s *subscription) bool {
		s.stop()
		return true
	})

	drained := make(chan struct{})
	go func() {
		t.groups.RemoveAll(ctx)
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
	t.logger.Debug("stopped")
	return err
}

// CheckHealth pings Redis and reports the pending entries of every group.
func (t *Transport) CheckHealth(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	if !t.running() {
		return transport.Unhealthy(start, "transport is not running")
	}

	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details: map[string]any{
			"type":     "redis",
			"consumer": t.consumerName,
		},
	}

	pingStart := time.Now()
	if err := t.client.Ping(ctx).Err(); err != nil {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = fmt.Sprintf("redis ping failed: %v", err)
		result.Details["ping_error"] = err.Error()
		result.Latency = time.Since(start)
		return result
	}
	result.Details["ping_latency_ms"] = time.Since(pingStart).Milliseconds()

	var pending int64
	var pendingErr error
	t.groups.Range(func(key groupKey, s *subscription) bool {
		p, err := t.client.XPending(ctx, s.stream, key.group).Result()
		if err != nil {
			pendingErr = err
			return false
		}
		pending += p.Count
		return true
	})
	result.Details["groups"] = t.groups.Len()
	if pendingErr != nil {
		result.Status = transport.HealthStatusDegraded
		result.Message = "redis pending check failed"
		result.Details["pending_error"] = pendingErr.Error()
		result.Latency = time.Since(start)
		return result
	}

	result.Status = transport.HealthStatusHealthy
	result.Message = "redis transport is healthy"
	result.Details["pending"] = pending
	result.Latency = time.Since(start)
	return result
}

// Publish appends msgs to the entity stream in one pipeline. Messages
// scheduled in the future are parked in the scheduling set instead; their id
// is the message id, which Cancel accepts. Other ids are stream entry ids.
func (t *Transport) Publish(ctx context.Context, ev *transport.EventRegistration, msgs []*transport.Message) ([]string, error) {
	if !t.running() {
		return nil, transport.ErrNotStarted
	}

	now := time.Now()
	ids := make([]string, len(msgs))
	adds := make([]*redis.StringCmd, len(msgs))
	var parked int
	_, err := t.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, msg := range msgs {
			if !msg.ScheduledAt.After(now) {
				adds[i] = p.XAdd(ctx, t.addArgs(ev.EntityName, entryValues(msg.Body, msg.Headers)))
				continue
			}
			data, err := msgpack.Marshal(scheduledMessage{Body: msg.Body, Headers: msg.Headers})
			if err != nil {
				return &transport.SerializationError{ContentType: "application/msgpack", EventType: ev.TypeName, Err: err}
			}
			p.HSet(ctx, payloadKey(ev.EntityName), msg.ID, data)
			p.ZAdd(ctx, scheduleKey(ev.EntityName), redis.Z{Score: float64(msg.ScheduledAt.UnixMilli()), Member: msg.ID})
			ids[i] = msg.ID
			parked++
		}
		return nil
	})
	if err != nil {
		return nil, transport.NewTransportError(t.name, "publish", err)
	}
	for i, cmd := range adds {
		if cmd != nil {
			ids[i] = cmd.Val()
		}
	}
	if parked > 0 {
		t.mu.Lock()
		t.scheduled[ev.EntityName] = struct{}{}
		t.mu.Unlock()
	}
	t.logger.Debug("published", "entity", ev.EntityName, "count", len(ids), "scheduled", parked)
	return ids, nil
}

// Cancel removes scheduled messages that have not been released yet.
// Unknown or already released ids are ignored.
func (t *Transport) Cancel(ctx context.Context, ev *transport.EventRegistration, ids []string) error {
	if !t.running() {
		return transport.ErrNotStarted
	}
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err := t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, scheduleKey(ev.EntityName), members...)
		p.HDel(ctx, payloadKey(ev.EntityName), ids...)
		return nil
	})
	if err != nil {
		return transport.NewTransportError(t.name, "cancel", err)
	}
	t.logger.Debug("cancelled", "entity", ev.EntityName, "count", len(ids))
	return nil
}

// addArgs builds an XADD on the entity stream with the configured trimming.
func (t *Transport) addArgs(entity string, values []any) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: StreamKey(entity),
		Values: values,
	}

	// Apply count-based trimming (MAXLEN)
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}

	// Apply time-based trimming (MINID)
	if t.maxAge > 0 {
		args.MinID = strconv.FormatInt(time.Now().Add(-t.maxAge).UnixMilli(), 10) + "-0"
		args.Approx = true
	}
	return args
}

// entryValues lays out a stream entry: the body, then headers in key order.
func entryValues(body []byte, headers map[string]string) []any {
	values := make([]any, 0, 2+2*len(headers))
	values = append(values, fieldBody, body)
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		values = append(values, headerPrefix+k, headers[k])
	}
	return values
}

func delivery(m redis.XMessage, attempt int) *transport.Delivery {
	d := &transport.Delivery{
		ID:        m.ID,
		Headers:   make(map[string]string, len(m.Values)),
		Partition: -1,
		Attempt:   attempt,
	}
	for k, v := range m.Values {
		s, _ := v.(string)
		switch {
		case k == fieldBody:
			d.Body = []byte(s)
		case strings.HasPrefix(k, headerPrefix):
			d.Headers[strings.TrimPrefix(k, headerPrefix)] = s
		}
	}
	return d
}

// poll releases due scheduled messages until the transport stops.
func (t *Transport) poll() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.pollCtx.Done():
			return
		case <-ticker.C:
		}
		t.mu.RLock()
		entities := make([]string, 0, len(t.scheduled))
		for e := range t.scheduled {
			entities = append(entities, e)
		}
		t.mu.RUnlock()

		for _, entity := range entities {
			if err := t.release(t.pollCtx, entity); err != nil && t.pollCtx.Err() == nil {
				t.logger.Warn("failed to release scheduled messages", "entity", entity, "error", err)
			}
		}
	}
}

// release moves due messages of entity onto its stream. Each move is a
// MULTI of XADD, ZREM and HDEL, so a message is never lost between the set
// and the stream. Concurrent pollers on several instances may release the
// same message twice.
func (t *Transport) release(ctx context.Context, entity string) error {
	due, err := t.client.ZRangeByScore(ctx, scheduleKey(entity), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: t.readCount,
	}).Result()
	if err != nil {
		return err
	}

	for _, id := range due {
		raw, err := t.client.HGet(ctx, payloadKey(entity), id).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		var sm scheduledMessage
		found := err == nil
		if found {
			if err := msgpack.Unmarshal([]byte(raw), &sm); err != nil {
				t.logger.Error("dropping undecodable scheduled message", "entity", entity, "msg_id", id, "error", err)
				found = false
			}
		}
		_, err = t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if found {
				p.XAdd(ctx, t.addArgs(entity, entryValues(sm.Body, sm.Headers)))
			}
			p.ZRem(ctx, scheduleKey(entity), id)
			p.HDel(ctx, payloadKey(entity), id)
			return nil
		})
		if err != nil {
			return err
		}
		if found {
			t.logger.Debug("released scheduled message", "entity", entity, "msg_id", id)
		}
	}
	return nil
}

// subscription runs the consume loop of one consumer group.
type subscription struct {
	t        *Transport
	key      groupKey
	stream   string
	event    *transport.EventRegistration
	consumer *transport.ConsumerRegistration

	loopCtx  context.Context
	stopLoop context.CancelFunc
	done     chan struct{}

	mu     sync.Mutex
	marked []string
}

func (t *Transport) newSubscription(ctx context.Context, key groupKey) (*subscription, error) {
	t.mu.RLock()
	spec, ok := t.specs[key]
	t.mu.RUnlock()
	if !ok {
		return nil, transport.Configurationf("no consumer group %s on %s", key.group, key.entity)
	}

	stream := StreamKey(key.entity)
	// Create consumer group (also creates stream if it doesn't exist)
	err := t.client.XGroupCreateMkStream(ctx, stream, key.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, transport.NewTransportError(t.name, "create group", err)
	}

	s := &subscription{
		t:        t,
		key:      key,
		stream:   stream,
		event:    spec.event,
		consumer: spec.consumer,
		done:     make(chan struct{}),
	}
	s.loopCtx, s.stopLoop = context.WithCancel(t.runCtx)
	t.wg.Add(1)
	go s.run()
	t.logger.Debug("group ready", "entity", key.entity, "group", key.group)
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

// run reads new entries with XREADGROUP and periodically reclaims idle
// pending entries. Marked checkpoints are flushed before every blocking read
// and on exit.
func (s *subscription) run() {
	t := s.t
	defer t.wg.Done()
	defer close(s.done)
	defer s.flush(context.WithoutCancel(t.runCtx))

	backoff := transport.DefaultBackoff()
	var lastClaim time.Time
	for s.loopCtx.Err() == nil {
		if t.claimInterval > 0 && time.Since(lastClaim) >= t.claimInterval {
			lastClaim = time.Now()
			if err := s.claim(); err != nil && s.loopCtx.Err() == nil {
				t.logger.Warn("failed to claim pending entries", "entity", s.key.entity, "group", s.key.group, "error", err)
			}
		}
		if err := s.flush(s.loopCtx); err != nil && s.loopCtx.Err() == nil {
			t.logger.Warn("failed to acknowledge entries", "entity", s.key.entity, "group", s.key.group, "error", err)
		}

		streams, err := t.client.XReadGroup(s.loopCtx, &redis.XReadGroupArgs{
			Group:    s.key.group,
			Consumer: t.consumerName,
			Streams:  []string{s.stream, ">"},
			Count:    t.readCount,
			Block:    t.blockTime,
		}).Result()
		if errors.Is(err, redis.Nil) {
			backoff.Reset()
			continue
		}
		if err != nil {
			if s.loopCtx.Err() != nil {
				return
			}
			t.logger.Error("read error, retrying", "entity", s.key.entity, "group", s.key.group, "error", err)
			if !backoff.Sleep(s.loopCtx) {
				return
			}
			continue
		}
		backoff.Reset()

		for _, st := range streams {
			for _, m := range st.Messages {
				if s.loopCtx.Err() != nil {
					return
				}
				s.handle(m, 1)
			}
		}
	}
}

// claim takes over entries idle longer than the claim threshold, including
// this consumer's own failed entries, and processes them again.
func (s *subscription) claim() error {
	t := s.t
	start := "0-0"
	for {
		msgs, next, err := t.client.XAutoClaim(s.loopCtx, &redis.XAutoClaimArgs{
			Stream:   s.stream,
			Group:    s.key.group,
			Consumer: t.consumerName,
			MinIdle:  t.claimMinIdle,
			Start:    start,
			Count:    t.readCount,
		}).Result()
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if s.loopCtx.Err() != nil {
				return nil
			}
			s.handle(m, s.attempts(m.ID))
		}
		if len(msgs) == 0 || next == "0-0" {
			return nil
		}
		start = next
	}
}

// attempts reads the delivery count of a pending entry.
func (s *subscription) attempts(id string) int {
	pending, err := s.t.client.XPendingExt(s.loopCtx, &redis.XPendingExtArgs{
		Stream: s.stream,
		Group:  s.key.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 2
	}
	return int(pending[0].RetryCount)
}

// handle processes one entry. A failed entry stays pending and is reclaimed
// once idle for the claim threshold.
func (s *subscription) handle(m redis.XMessage, attempt int) {
	t := s.t
	d := delivery(m, attempt)
	ack := &acknowledger{s: s, msg: m}
	if err := t.host.Process(t.runCtx, s.event, s.consumer, d, ack); err != nil {
		t.logger.Debug("entry left pending", "entity", s.key.entity, "group", s.key.group, "msg_id", d.ID, "attempt", d.Attempt, "error", err)
	}
}

// mark records a processed entry and acknowledges the marked entries once
// CheckpointInterval of them accumulated.
func (s *subscription) mark(ctx context.Context, id string) error {
	s.mu.Lock()
	s.marked = append(s.marked, id)
	full := len(s.marked) >= max(1, s.consumer.CheckpointInterval)
	s.mu.Unlock()
	if !full {
		return nil
	}
	return s.flush(ctx)
}

func (s *subscription) flush(ctx context.Context) error {
	s.mu.Lock()
	ids := s.marked
	s.marked = nil
	s.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	if err := s.t.client.XAck(ctx, s.stream, s.key.group, ids...).Err(); err != nil {
		s.mu.Lock()
		s.marked = append(ids, s.marked...)
		s.mu.Unlock()
		return err
	}
	return nil
}

// acknowledger settles one stream entry.
type acknowledger struct {
	s            *subscription
	msg          redis.XMessage
	deadlettered bool
}

// Checkpoint marks the entry for acknowledgement.
func (a *acknowledger) Checkpoint(ctx context.Context, d *transport.Delivery) error {
	return a.s.mark(ctx, a.msg.ID)
}

// DeadLetter appends the raw entry to the dead-letter stream and
// acknowledges it at once. Repeated calls do nothing.
func (a *acknowledger) DeadLetter(ctx context.Context, d *transport.Delivery, cause error) error {
	if a.deadlettered {
		return nil
	}
	s := a.s
	t := s.t
	entity := s.event.DeadletterEntityName
	id, err := t.client.XAdd(ctx, &redis.XAddArgs{Stream: StreamKey(entity), Values: a.msg.Values}).Result()
	if err != nil {
		return transport.NewTransportError(t.name, "dead-letter", err)
	}
	a.deadlettered = true
	if err := t.client.XAck(ctx, s.stream, s.key.group, a.msg.ID).Err(); err != nil {
		return err
	}
	t.logger.Debug("dead-lettered", "entity", entity, "msg_id", a.msg.ID, "dead_letter_id", id, "cause", cause)
	return nil
}

// Compile-time checks
var (
	_ transport.Transport    = (*Transport)(nil)
	_ transport.Acknowledger = (*acknowledger)(nil)
	_ Client                 = (*redis.Client)(nil)
	_ Client                 = (redis.UniversalClient)(nil)
)
