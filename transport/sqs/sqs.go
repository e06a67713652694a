// Package sqs provides an Amazon SQS transport.
//
// Every entity maps to a standard queue, created on first use. SQS queues
// have no consumer groups, so the transport allows one consumer per event
// (plus consumers of its dead-letter queue).
//
// Publish sends batches of up to ten messages. Headers travel as String
// message attributes; SQS caps them at ten per message. Bodies that are not
// valid UTF-8 are base64 encoded and flagged with the Body-Encoding attribute.
// Scheduling uses DelaySeconds, which SQS caps at 15 minutes; longer delays
// are clamped with a warning.
//
// Checkpoint deletes the message. A processing error leaves it invisible
// until the visibility timeout (or the redelivery delay) elapses, after which
// SQS redelivers it.
//
//	client := sqs.NewFromConfig(cfg)
//	t, err := sqstransport.New(client,
//	    sqstransport.WithVisibilityTimeout(time.Minute),
//	)
package sqs

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/rbaliyan/eventbus/cache"
	"github.com/rbaliyan/eventbus/transport"
)

// API is the subset of the SQS client the transport uses.
type API interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	CreateQueue(ctx context.Context, in *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, in *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// DefaultName is the transport name used when WithName is not given.
const DefaultName = "sqs"

// SQS limits
const (
	MaxQueueNameLength = 80
	MaxBatchSize       = 10
	MaxAttributes      = 10
	MaxDelay           = 15 * time.Minute
)

// AttributeBodyEncoding flags a base64 encoded body.
const AttributeBodyEncoding = "Body-Encoding"

// Errors
var (
	ErrClientRequired    = errors.New("sqs client is required")
	ErrAlreadyStarted    = errors.New("sqs transport already started")
	ErrTooManyAttributes = errors.New("too many message attributes")
)

// Default configuration
var (
	DefaultWaitTime          = 20 * time.Second
	DefaultVisibilityTimeout = 30 * time.Second
	DefaultRetention         = 4 * 24 * time.Hour
)

const nonExistentQueueCode = "AWS.SimpleQueueService.NonExistentQueue"

// QueueName returns the queue name for entity. SQS allows alphanumerics,
// hyphens and underscores; anything else becomes a hyphen.
func QueueName(entity string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, entity)
}

type receiverSpec struct {
	event    *transport.EventRegistration
	consumer *transport.ConsumerRegistration
}

// Transport implements transport.Transport using Amazon SQS.
type Transport struct {
	status            atomic.Int32
	name              string
	api               API
	waitTime          time.Duration
	visibilityTimeout time.Duration
	retention         time.Duration
	redeliveryDelay   time.Duration
	logger            *slog.Logger

	host    transport.Host
	runCtx  context.Context
	stopRun context.CancelFunc
	wg      sync.WaitGroup

	queues    *cache.Cache[string, string]
	receivers *cache.Cache[string, *receiver]

	mu    sync.RWMutex
	specs map[string]receiverSpec
}

// New creates a new SQS transport.
func New(api API, opts ...Option) (*Transport, error) {
	if api == nil {
		return nil, ErrClientRequired
	}

	t := &Transport{
		name:              DefaultName,
		api:               api,
		waitTime:          DefaultWaitTime,
		visibilityTimeout: DefaultVisibilityTimeout,
		retention:         DefaultRetention,
		logger:            transport.Logger("transport>sqs"),
		runCtx:            context.Background(),
		stopRun:           func() {},
		specs:             make(map[string]receiverSpec),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.queues = cache.New("sqs-queues", t.queueURL,
		cache.WithLogger[string](t.logger))
	t.receivers = cache.New("sqs-receivers", t.newReceiver,
		cache.WithCloser(func(ctx context.Context, r *receiver) error {
			return r.close(ctx)
		}),
		cache.WithLogger[*receiver](t.logger))
	return t, nil
}

func (t *Transport) Name() string { return t.name }

// Capabilities reports delayed delivery and dead-letter support. Queues have
// no consumer groups, so each event takes a single consumer.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.Capabilities{
		SupportsScheduling:     true,
		SupportsDeadletter:     true,
		SingleConsumerPerEvent: true,
		MaxEntityNameLength:    MaxQueueNameLength,
	}
}

func (t *Transport) running() bool {
	return t.status.Load() == 1
}

// Start resolves the queue of every consumer registration and begins
// receiving.
func (t *Transport) Start(ctx context.Context, host transport.Host, events []*transport.EventRegistration) error {
	if !t.status.CompareAndSwap(0, 1) {
		return ErrAlreadyStarted
	}
	t.host = host
	t.runCtx, t.stopRun = context.WithCancel(context.Background())
	t.queues.Reopen()
	t.receivers.Reopen()

	var entities []string
	t.mu.Lock()
	clear(t.specs)
	for _, ev := range events {
		for _, c := range ev.Consumers {
			entity := ev.Entity(c.Deadletter)
			if prev, ok := t.specs[entity]; ok {
				t.mu.Unlock()
				t.status.Store(0)
				return transport.Configurationf("queue %s has two consumers: %s and %s",
					entity, prev.consumer.ConsumerName, c.ConsumerName)
			}
			t.specs[entity] = receiverSpec{event: ev, consumer: c}
			entities = append(entities, entity)
		}
	}
	t.mu.Unlock()

	for _, entity := range entities {
		if _, err := t.receivers.GetOrCreate(ctx, entity); err != nil {
			_ = t.Stop(ctx)
			return err
		}
	}
	t.logger.Debug("started", "events", len(events), "queues", len(entities))
	return nil
}

// Stop ends every receive loop, letting in-flight messages settle. If ctx
// ends first, in-flight processing is cancelled.
func (t *Transport) Stop(ctx context.Context) error {
	if !t.status.CompareAndSwap(1, 0) {
		return nil
	}
	t.receivers.Range(func(_ string, r *receiver) bool {
		r.stop()
		return true
	})

	drained := make(chan struct{})
	go func() {
		t.receivers.RemoveAll(ctx)
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
	t.queues.RemoveAll(ctx)
	t.logger.Debug("stopped")
	return err
}

// CheckHealth resolves every known queue.
func (t *Transport) CheckHealth(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	if !t.running() {
		return transport.Unhealthy(start, "transport is not running")
	}

	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details: map[string]any{
			"type":      "sqs",
			"receivers": t.receivers.Len(),
		},
	}
	var queueErr error
	var queues int
	t.queues.Range(func(entity string, _ string) bool {
		queues++
		_, queueErr = t.api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(QueueName(entity))})
		if queueErr != nil {
			result.Details["queue"] = QueueName(entity)
			return false
		}
		return true
	})
	result.Details["queues"] = queues
	result.Latency = time.Since(start)
	if queueErr != nil {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "sqs queue check failed"
		result.Details["error"] = queueErr.Error()
		return result
	}
	result.Status = transport.HealthStatusHealthy
	result.Message = "sqs transport is healthy"
	return result
}

// Publish sends msgs in batches of MaxBatchSize. Ids are SQS message ids.
func (t *Transport) Publish(ctx context.Context, ev *transport.EventRegistration, msgs []*transport.Message) ([]string, error) {
	if !t.running() {
		return nil, transport.ErrNotStarted
	}
	url, err := t.queues.GetOrCreate(ctx, ev.EntityName)
	if err != nil {
		return nil, err
	}

	entries := make([]types.SendMessageBatchRequestEntry, len(msgs))
	now := time.Now()
	for i, msg := range msgs {
		body, attrs, err := encode(msg.Body, msg.Headers)
		if err != nil {
			return nil, err
		}
		entries[i] = types.SendMessageBatchRequestEntry{
			Id:                aws.String(strconv.Itoa(i)),
			MessageBody:       aws.String(body),
			MessageAttributes: attrs,
			DelaySeconds:      t.delaySeconds(ev.EntityName, msg, now),
		}
	}

	ids := make([]string, len(msgs))
	for off := 0; off < len(entries); off += MaxBatchSize {
		chunk := entries[off:min(off+MaxBatchSize, len(entries))]
		out, err := t.api.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(url),
			Entries:  chunk,
		})
		if err != nil {
			return nil, transport.NewTransportError(t.name, "publish", err)
		}
		if len(out.Failed) > 0 {
			f := out.Failed[0]
			return nil, transport.NewTransportError(t.name, "publish",
				errors.New(aws.ToString(f.Code)+": "+aws.ToString(f.Message)))
		}
		for _, s := range out.Successful {
			i, err := strconv.Atoi(aws.ToString(s.Id))
			if err != nil || i < 0 || i >= len(ids) {
				continue
			}
			ids[i] = aws.ToString(s.MessageId)
		}
	}
	t.logger.Debug("published", "entity", ev.EntityName, "count", len(ids))
	return ids, nil
}

// Cancel is not supported: SQS cannot retract a delayed message.
func (t *Transport) Cancel(ctx context.Context, ev *transport.EventRegistration, ids []string) error {
	return &transport.NotSupportedError{Transport: t.name, Feature: "cancellation"}
}

func (t *Transport) delaySeconds(entity string, msg *transport.Message, now time.Time) int32 {
	delay := msg.ScheduledAt.Sub(now)
	if msg.ScheduledAt.IsZero() || delay <= 0 {
		return 0
	}
	if delay > MaxDelay {
		t.logger.Warn("delay exceeds the SQS maximum, clamping",
			"entity", entity, "msg_id", msg.ID, "delay", delay, "max", MaxDelay)
		delay = MaxDelay
	}
	return int32((delay + time.Second - 1) / time.Second)
}

// encode turns headers into String attributes and base64 encodes bodies SQS
// cannot carry as text.
func encode(body []byte, headers map[string]string) (string, map[string]types.MessageAttributeValue, error) {
	attrs := make(map[string]types.MessageAttributeValue, len(headers)+1)
	for k, v := range headers {
		attrs[k] = stringAttribute(v)
	}
	text := string(body)
	if !utf8.Valid(body) {
		text = base64.StdEncoding.EncodeToString(body)
		attrs[AttributeBodyEncoding] = stringAttribute("base64")
	}
	if len(attrs) > MaxAttributes {
		return "", nil, &transport.ConfigurationError{
			Reason: strconv.Itoa(len(attrs)) + " attributes, at most " + strconv.Itoa(MaxAttributes) + " allowed",
			Err:    ErrTooManyAttributes,
		}
	}
	return text, attrs, nil
}

func stringAttribute(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

func isQueueMissing(err error) bool {
	var qne *types.QueueDoesNotExist
	if errors.As(err, &qne) {
		return true
	}
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == nonExistentQueueCode
}

// queueURL resolves the queue of entity, creating it when missing.
func (t *Transport) queueURL(ctx context.Context, entity string) (string, error) {
	name := QueueName(entity)
	out, err := t.api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err == nil {
		return aws.ToString(out.QueueUrl), nil
	}
	if !isQueueMissing(err) {
		return "", transport.NewTransportError(t.name, "get queue url", err)
	}

	created, err := t.api.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(name),
		Attributes: map[string]string{
			string(types.QueueAttributeNameVisibilityTimeout):      strconv.Itoa(int(t.visibilityTimeout / time.Second)),
			string(types.QueueAttributeNameMessageRetentionPeriod): strconv.Itoa(int(t.retention / time.Second)),
		},
	})
	if err != nil {
		return "", transport.NewTransportError(t.name, "create queue", err)
	}
	t.logger.Info("created queue", "entity", entity, "queue", name)
	return aws.ToString(created.QueueUrl), nil
}

// receiver runs the receive loop of one queue.
type receiver struct {
	t        *Transport
	entity   string
	url      string
	event    *transport.EventRegistration
	consumer *transport.ConsumerRegistration

	loopCtx  context.Context
	stopLoop context.CancelFunc
	done     chan struct{}
}

func (t *Transport) newReceiver(ctx context.Context, entity string) (*receiver, error) {
	t.mu.RLock()
	spec, ok := t.specs[entity]
	t.mu.RUnlock()
	if !ok {
		return nil, transport.Configurationf("no consumer on %s", entity)
	}
	url, err := t.queues.GetOrCreate(ctx, entity)
	if err != nil {
		return nil, err
	}

	r := &receiver{
		t:        t,
		entity:   entity,
		url:      url,
		event:    spec.event,
		consumer: spec.consumer,
		done:     make(chan struct{}),
	}
	r.loopCtx, r.stopLoop = context.WithCancel(t.runCtx)
	t.wg.Add(1)
	go r.run()
	return r, nil
}

func (r *receiver) stop() {
	r.stopLoop()
}

func (r *receiver) close(ctx context.Context) error {
	r.stop()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run long-polls the queue and processes each received message in order.
func (r *receiver) run() {
	t := r.t
	defer t.wg.Done()
	defer close(r.done)

	backoff := transport.DefaultBackoff()
	for r.loopCtx.Err() == nil {
		out, err := t.api.ReceiveMessage(r.loopCtx, &sqs.ReceiveMessageInput{
			QueueUrl:                    aws.String(r.url),
			MaxNumberOfMessages:         MaxBatchSize,
			WaitTimeSeconds:             int32(t.waitTime / time.Second),
			MessageAttributeNames:       []string{"All"},
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
		})
		if err != nil {
			if r.loopCtx.Err() != nil {
				return
			}
			t.logger.Error("receive error, retrying", "entity", r.entity, "error", err)
			if !backoff.Sleep(r.loopCtx) {
				return
			}
			continue
		}
		backoff.Reset()

		for _, m := range out.Messages {
			if r.loopCtx.Err() != nil {
				return
			}
			r.handle(m)
		}
	}
}

// handle processes one message. On error the message is left to reappear,
// after the redelivery delay when one is set.
func (r *receiver) handle(m types.Message) {
	t := r.t
	d, err := delivery(m)
	ack := &acknowledger{r: r, msg: m}
	if err == nil {
		err = t.host.Process(t.runCtx, r.event, r.consumer, d, ack)
	} else if !r.consumer.Deadletter {
		t.logger.Error("undecodable message", "entity", r.entity, "msg_id", aws.ToString(m.MessageId), "error", err)
		err = ack.DeadLetter(t.runCtx, d, err)
	} else {
		t.logger.Error("undecodable message on dead-letter queue", "entity", r.entity, "msg_id", aws.ToString(m.MessageId), "error", err)
	}
	if err == nil || ack.settled || t.redeliveryDelay <= 0 {
		return
	}
	if _, verr := t.api.ChangeMessageVisibility(t.runCtx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(r.url),
		ReceiptHandle:     m.ReceiptHandle,
		VisibilityTimeout: int32(t.redeliveryDelay / time.Second),
	}); verr != nil {
		t.logger.Warn("failed to reset visibility", "entity", r.entity, "msg_id", d.ID, "error", verr)
	}
}

func delivery(m types.Message) (*transport.Delivery, error) {
	d := &transport.Delivery{
		ID:        aws.ToString(m.MessageId),
		Headers:   make(map[string]string, len(m.MessageAttributes)),
		Partition: -1,
		Attempt:   1,
	}
	if n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil && n > 0 {
		d.Attempt = n
	}
	var encoding string
	for k, v := range m.MessageAttributes {
		if k == AttributeBodyEncoding {
			encoding = aws.ToString(v.StringValue)
			continue
		}
		d.Headers[k] = aws.ToString(v.StringValue)
	}
	body := aws.ToString(m.Body)
	if encoding != "base64" {
		d.Body = []byte(body)
		return d, nil
	}
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return d, &transport.SerializationError{Err: err}
	}
	d.Body = raw
	return d, nil
}

// acknowledger settles one SQS message.
type acknowledger struct {
	r       *receiver
	msg     types.Message
	settled bool
}

// Checkpoint deletes the message from the queue.
func (a *acknowledger) Checkpoint(ctx context.Context, d *transport.Delivery) error {
	if a.settled {
		return nil
	}
	_, err := a.r.t.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(a.r.url),
		ReceiptHandle: a.msg.ReceiptHandle,
	})
	if err != nil {
		return transport.NewTransportError(a.r.t.name, "delete", err)
	}
	a.settled = true
	return nil
}

// DeadLetter sends the raw message to the dead-letter queue and deletes it
// from the source queue. Repeated calls do nothing.
func (a *acknowledger) DeadLetter(ctx context.Context, d *transport.Delivery, cause error) error {
	if a.settled {
		return nil
	}
	t := a.r.t
	entity := a.r.event.DeadletterEntityName
	url, err := t.queues.GetOrCreate(ctx, entity)
	if err != nil {
		return err
	}
	out, err := t.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(url),
		MessageBody:       a.msg.Body,
		MessageAttributes: a.msg.MessageAttributes,
	})
	if err != nil {
		return transport.NewTransportError(t.name, "dead-letter", err)
	}
	if err := a.Checkpoint(ctx, d); err != nil {
		return err
	}
	t.logger.Debug("dead-lettered", "entity", entity, "msg_id", aws.ToString(a.msg.MessageId),
		"dead_letter_id", aws.ToString(out.MessageId), "cause", cause)
	return nil
}

// Compile-time checks
var (
	_ transport.Transport    = (*Transport)(nil)
	_ transport.Acknowledger = (*acknowledger)(nil)
	_ API                    = (*sqs.Client)(nil)
)
