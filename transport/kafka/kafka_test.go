package kafka

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/eventbus/checkpoint"
	"github.com/rbaliyan/eventbus/transport"
)

type orderPlaced struct{ ID string }

type fakeAdmin struct {
	mu      sync.Mutex
	created map[string]*sarama.TopicDetail
}

func (a *fakeAdmin) CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.created[topic]; ok {
		return &sarama.TopicError{Err: sarama.ErrTopicAlreadyExists}
	}
	a.created[topic] = detail
	return nil
}

func (a *fakeAdmin) Close() error { return nil }

// fakeGroup never receives assignments; it only blocks until closed.
type fakeGroup struct {
	once   sync.Once
	closed chan struct{}
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, h sarama.ConsumerGroupHandler) error {
	select {
	case <-ctx.Done():
		return nil
	case <-g.closed:
		return sarama.ErrClosedConsumerGroup
	}
}

func (g *fakeGroup) Errors() <-chan error { return nil }

func (g *fakeGroup) Close() error {
	g.once.Do(func() { close(g.closed) })
	return nil
}

func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

type fakeSession struct {
	ctx     context.Context
	claims  map[string][]int32
	mu      sync.Mutex
	marked  []int64
	commits int
}

func (s *fakeSession) Claims() map[string][]int32 { return s.claims }
func (s *fakeSession) MemberID() string            { return "member-1" }
func (s *fakeSession) GenerationID() int32         { return 1 }
func (s *fakeSession) MarkOffset(topic string, partition int32, offset int64, metadata string) {
}
func (s *fakeSession) ResetOffset(topic string, partition int32, offset int64, metadata string) {
}
func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

func (s *fakeSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
}

type fakeClaim struct {
	partition int32
	ch        chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "order-placed" }
func (c *fakeClaim) Partition() int32                         { return c.partition }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

// claimOf returns a closed claim holding records at the given offsets.
func claimOf(partition int32, offsets ...int64) *fakeClaim {
	c := &fakeClaim{partition: partition, ch: make(chan *sarama.ConsumerMessage, len(offsets))}
	for _, off := range offsets {
		c.ch <- &sarama.ConsumerMessage{
			Topic:     "order-placed",
			Partition: partition,
			Offset:    off,
			Key:       []byte("order-1"),
			Value:     []byte(`{"ID":"order-1"}`),
			Headers:   []*sarama.RecordHeader{{Key: []byte("Id"), Value: []byte("m1")}},
		}
	}
	close(c.ch)
	return c
}

type fakeHost struct {
	mu         sync.Mutex
	deliveries []*transport.Delivery
	process    func(ctx context.Context, d *transport.Delivery, ack transport.Acknowledger) error
}

func (h *fakeHost) Process(ctx context.Context, ev *transport.EventRegistration, c *transport.ConsumerRegistration, d *transport.Delivery, ack transport.Acknowledger) error {
	h.mu.Lock()
	h.deliveries = append(h.deliveries, d)
	h.mu.Unlock()
	if h.process != nil {
		return h.process(ctx, d, ack)
	}
	return ack.Checkpoint(ctx, d)
}

func registration() *transport.EventRegistration {
	return &transport.EventRegistration{
		EventType:            reflect.TypeFor[orderPlaced](),
		EventName:            "order-placed",
		EntityName:           "order-placed",
		DeadletterEntityName: "order-placed-deadletter",
		TransportName:        DefaultName,
		Metadata:             map[string]string{MetadataPartitions: "6"},
		Consumers: []*transport.ConsumerRegistration{
			{ConsumerName: "BillingConsumer", GroupName: "billing", CheckpointInterval: 2},
		},
	}
}

type harness struct {
	tr       *Transport
	producer *mocks.SyncProducer
	admin    *fakeAdmin
	host     *fakeHost
	ev       *transport.EventRegistration
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		tr:       newTransport(opts...),
		producer: mocks.NewSyncProducer(t, nil),
		admin:    &fakeAdmin{created: make(map[string]*sarama.TopicDetail)},
		host:     &fakeHost{},
		ev:       registration(),
	}
	h.tr.newProducer = func() (sarama.SyncProducer, error) { return h.producer, nil }
	h.tr.newAdmin = func() (clusterAdmin, error) { return h.admin, nil }
	h.tr.newGroup = func(string) (sarama.ConsumerGroup, error) {
		return &fakeGroup{closed: make(chan struct{})}, nil
	}
	if err := h.tr.Start(context.Background(), h.host, []*transport.EventRegistration{h.ev}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { h.tr.Stop(context.Background()) })
	return h
}

func (h *harness) handler(t *testing.T) *handler {
	t.Helper()
	g, ok := h.tr.groups.Peek(groupKey{entity: "order-placed", group: "billing"})
	if !ok {
		t.Fatal("consumer group not joined")
	}
	return g.handler
}

func TestNew(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrClientRequired) {
		t.Errorf("expected ErrClientRequired, got %v", err)
	}
}

func TestStartCreatesTopics(t *testing.T) {
	h := newHarness(t, WithReplication(3))
	detail, ok := h.admin.created["order-placed"]
	if !ok {
		t.Fatal("topic of the consumer group was not created")
	}
	if detail.NumPartitions != 6 || detail.ReplicationFactor != 3 {
		t.Errorf("unexpected topic detail %+v", detail)
	}
	if err := h.tr.Start(context.Background(), h.host, nil); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestPublish(t *testing.T) {
	h := newHarness(t)
	check := func(pm *sarama.ProducerMessage) error {
		key, _ := pm.Key.Encode()
		if string(key) != "order-1" {
			return errors.New("partition key not used as record key")
		}
		if len(pm.Headers) != 2 || string(pm.Headers[0].Key) != "Event-Name" || string(pm.Headers[1].Key) != "Id" {
			return errors.New("headers not sorted by key")
		}
		return nil
	}
	h.producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(check)
	h.producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(check)

	msgs := []*transport.Message{
		{ID: "m1", Body: []byte("a"), PartitionKey: "order-1", Headers: map[string]string{"Id": "m1", "Event-Name": "order-placed"}},
		{ID: "m2", Body: []byte("b"), PartitionKey: "order-1", Headers: map[string]string{"Id": "m2", "Event-Name": "order-placed"}},
	}
	ids, err := h.tr.Publish(context.Background(), h.ev, msgs)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Fatalf("expected 2 distinct ids, got %v", ids)
	}
	for _, id := range ids {
		if !strings.HasPrefix(id, "order-placed/0/") {
			t.Errorf("unexpected id %q", id)
		}
	}

	t.Run("producer failure", func(t *testing.T) {
		h.producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
		if _, err := h.tr.Publish(context.Background(), h.ev, msgs[:1]); err == nil {
			t.Fatal("expected the producer error")
		}
	})

	t.Run("unknown event", func(t *testing.T) {
		other := &transport.EventRegistration{EventType: reflect.TypeFor[string](), EntityName: "other"}
		if _, err := h.tr.Publish(context.Background(), other, msgs); !errors.Is(err, transport.ErrConfiguration) {
			t.Fatalf("expected configuration error, got %v", err)
		}
	})
}

func TestCancelNotSupported(t *testing.T) {
	tr := newTransport()
	err := tr.Cancel(context.Background(), registration(), []string{"x"})
	var nse *transport.NotSupportedError
	if !errors.As(err, &nse) || nse.Feature != "cancellation" {
		t.Fatalf("expected NotSupportedError, got %v", err)
	}
	if tr.Capabilities().SupportsScheduling {
		t.Error("kafka must not advertise scheduling")
	}
}

func TestConsumeClaim(t *testing.T) {
	t.Run("checkpoints and commits every interval", func(t *testing.T) {
		store := checkpoint.NewMemoryStore()
		h := newHarness(t, WithCheckpointStore(store))
		hd := h.handler(t)
		sess := &fakeSession{ctx: context.Background(), claims: map[string][]int32{"order-placed": {0}}}

		if err := hd.Setup(sess); err != nil {
			t.Fatalf("Setup: %v", err)
		}
		if err := hd.ConsumeClaim(sess, claimOf(0, 10, 11, 12)); err != nil {
			t.Fatalf("ConsumeClaim: %v", err)
		}
		if diff := cmp.Diff([]int64{10, 11, 12}, sess.marked); diff != "" {
			t.Errorf("marked mismatch (-want +got):\n%s", diff)
		}
		if sess.commits != 1 {
			t.Errorf("expected 1 commit after 3 messages with interval 2, got %d", sess.commits)
		}
		if err := hd.Cleanup(sess); err != nil {
			t.Fatalf("Cleanup: %v", err)
		}
		if sess.commits != 2 {
			t.Errorf("expected Cleanup to commit, got %d commits", sess.commits)
		}
		offset, ok, _ := store.Load(context.Background(), checkpoint.Key{Entity: "order-placed", Group: "billing", Partition: 0})
		if !ok || offset != 12 {
			t.Errorf("expected stored offset 12, got %d (ok=%v)", offset, ok)
		}

		d := h.host.deliveries[0]
		if d.ID != "order-placed/0/10" || d.Partition != 0 || d.Attempt != 1 || d.Headers["Id"] != "m1" {
			t.Errorf("unexpected delivery %+v", d)
		}
	})

	t.Run("processing error ends the claim", func(t *testing.T) {
		var observed []int32
		obs := transport.PartitionObserverFuncs{Error: func(_ context.Context, p transport.PartitionInfo, err error) {
			observed = append(observed, p.Partition)
		}}
		h := newHarness(t, WithPartitionObserver(obs))
		h.host.process = func(ctx context.Context, d *transport.Delivery, ack transport.Acknowledger) error {
			if d.ID == "order-placed/1/21" {
				return errors.New("consumer failed")
			}
			return ack.Checkpoint(ctx, d)
		}
		hd := h.handler(t)
		sess := &fakeSession{ctx: context.Background(), claims: map[string][]int32{"order-placed": {1}}}

		if err := hd.ConsumeClaim(sess, claimOf(1, 20, 21, 22)); err == nil {
			t.Fatal("expected ConsumeClaim to return the processing error")
		}
		if diff := cmp.Diff([]int64{20}, sess.marked); diff != "" {
			t.Errorf("marked mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]int32{1}, observed); diff != "" {
			t.Errorf("observer mismatch (-want +got):\n%s", diff)
		}

		hd.ConsumeClaim(sess, claimOf(1, 21))
		last := h.host.deliveries[len(h.host.deliveries)-1]
		if last.Attempt != 2 {
			t.Errorf("expected redelivery to count attempt 2, got %d", last.Attempt)
		}
	})

	t.Run("resumes from stored offset", func(t *testing.T) {
		store := checkpoint.NewMemoryStore()
		store.Save(context.Background(), checkpoint.Key{Entity: "order-placed", Group: "billing", Partition: 2}, 31)
		h := newHarness(t, WithCheckpointStore(store))
		hd := h.handler(t)
		sess := &fakeSession{ctx: context.Background(), claims: map[string][]int32{"order-placed": {2}}}

		hd.Setup(sess)
		if err := hd.ConsumeClaim(sess, claimOf(2, 30, 31, 32)); err != nil {
			t.Fatalf("ConsumeClaim: %v", err)
		}
		if len(h.host.deliveries) != 1 || h.host.deliveries[0].ID != "order-placed/2/32" {
			t.Errorf("expected only offset 32 to be processed, got %d deliveries", len(h.host.deliveries))
		}
		if diff := cmp.Diff([]int64{30, 31, 32}, sess.marked); diff != "" {
			t.Errorf("marked mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestDeadLetter(t *testing.T) {
	h := newHarness(t)
	h.producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(pm *sarama.ProducerMessage) error {
		if pm.Topic != "order-placed-deadletter" {
			return errors.New("wrong topic " + pm.Topic)
		}
		body, _ := pm.Value.Encode()
		if string(body) != `{"ID":"order-1"}` || len(pm.Headers) != 1 {
			return errors.New("record was modified")
		}
		return nil
	})
	h.host.process = func(ctx context.Context, d *transport.Delivery, ack transport.Acknowledger) error {
		cause := errors.New("consumer failed")
		if err := ack.DeadLetter(ctx, d, cause); err != nil {
			return err
		}
		return ack.DeadLetter(ctx, d, cause)
	}
	hd := h.handler(t)
	sess := &fakeSession{ctx: context.Background(), claims: map[string][]int32{"order-placed": {0}}}

	if err := hd.ConsumeClaim(sess, claimOf(0, 5)); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if _, ok := h.admin.created["order-placed-deadletter"]; !ok {
		t.Error("dead-letter topic not created")
	}
	if diff := cmp.Diff([]int64{5}, sess.marked); diff != "" {
		t.Errorf("marked mismatch (-want +got):\n%s", diff)
	}
}

func TestStopReleasesGroups(t *testing.T) {
	h := newHarness(t)
	if err := h.tr.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.tr.groups.Len() != 0 || h.tr.topics.Len() != 0 {
		t.Error("caches not released on Stop")
	}
	if h.tr.CheckHealth(context.Background()).IsHealthy() {
		t.Error("stopped transport reported healthy")
	}
	if _, err := h.tr.Publish(context.Background(), h.ev, nil); !errors.Is(err, transport.ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}
