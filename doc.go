// Package eventbus publishes and consumes strongly typed events over pluggable transports.
//
// A Registry maps event payload types to broker entities and consumer
// bindings. A Bus validates the registry against every transport's
// capabilities, starts one consumption loop per consumer binding and runs the
// shared publish and consume pipelines:
//   - Publish: fill id and sent time, encode the payload, send, return the broker id
//   - Consume: decode, resolve a consumer in a fresh Scope, dispatch, then
//     checkpoint on success or dead-letter the raw message on failure
//
// Basic example:
//
//	type OrderPlaced struct {
//	    ID string `json:"id"`
//	}
//
//	type OrderConsumer struct{}
//
//	func (OrderConsumer) Consume(ctx context.Context, ec *eventbus.EventContext[OrderPlaced]) error {
//	    fmt.Println("order", ec.Payload.ID)
//	    return nil
//	}
//
//	reg := eventbus.NewRegistry()
//	err := eventbus.RegisterConsumer[OrderPlaced](reg, func(eventbus.Scope) (OrderConsumer, error) {
//	    return OrderConsumer{}, nil
//	})
//
//	bus, err := eventbus.New(reg, eventbus.WithTransport(inmemory.New()))
//	if err := bus.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer bus.Stop(ctx)
//
//	id, err := eventbus.Publish(ctx, bus, eventbus.NewEventContext(OrderPlaced{ID: "o1"}))
//
// Capabilities:
// Transports differ in what they support. Scheduling on a transport without
// it degrades to immediate delivery with a capability warning; cancelling
// on a transport without it fails with a NotSupportedError. Registration
// problems (too long entity names, several consumers on a single-consumer
// transport, dead-letter bindings without dead-letter support) are reported
// as ConfigurationErrors by Bus.Start.
//
// Transports:
//   - transport/inmemory: in-process broker for tests and single-process apps
//   - transport/kafka: Kafka via sarama consumer groups
//   - transport/nats: NATS JetStream
//   - transport/redis: Redis Streams
//   - transport/sqs: Amazon SQS
package eventbus
