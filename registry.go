package eventbus

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/eventbus/envelope"
	"github.com/rbaliyan/eventbus/payload"
	"github.com/rbaliyan/eventbus/ratelimit"
	"github.com/rbaliyan/eventbus/transport"
)

var (
	// DefaultCheckpointInterval is the checkpoint interval of new consumer bindings.
	DefaultCheckpointInterval = 10

	// MinCheckpointInterval is the lower bound checkpoint intervals are clamped to.
	MinCheckpointInterval = 1
)

// Registry maps event types to their registrations and consumer bindings.
//
// Registration happens before the bus starts. Bus.Start seals the registry;
// afterwards it is read-only and read without locking.
type Registry struct {
	mu          sync.RWMutex
	sealed      atomic.Bool
	naming      NamingOptions
	exclusive   bool
	contentType string
	events      map[reflect.Type]*eventEntry
	order       []reflect.Type
}

type eventEntry struct {
	reg      *transport.EventRegistration
	bindings map[bindingKey]*binding
}

// bindingKey identifies a ConsumerRegistration within one event.
type bindingKey struct {
	consumer   string
	deadletter bool
}

type binding struct {
	consumer *transport.ConsumerRegistration
	dispatch dispatchFunc
	limiter  ratelimit.Limiter
}

// dispatchFunc decodes one envelope into the binding's event type and invokes
// the consumer resolved from scope. Built once per binding by Bind.
type dispatchFunc func(ctx context.Context, s *envelope.Serializer, scope Scope, ev *transport.EventRegistration, env *envelope.Envelope, d *transport.Delivery) error

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		naming:      DefaultNamingOptions(),
		contentType: payload.ContentTypeJSON,
		events:      make(map[reflect.Type]*eventEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Naming returns the naming options of the registry.
func (r *Registry) Naming() NamingOptions {
	return r.naming
}

// RegisterEvent registers T as an event type, or updates the registration of
// an already registered T with opts.
func RegisterEvent[T any](r *Registry, opts ...EventOption) (*transport.EventRegistration, error) {
	t := reflect.TypeFor[T]()
	if err := checkEventType(t); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return nil, &ConfigurationError{Reason: "register event " + t.String(), Err: ErrRegistrySealed}
	}
	e := r.ensureEvent(t)
	o := &eventOptions{}
	for _, opt := range opts {
		opt(o)
	}
	o.apply(r, e.reg)
	return e.reg, nil
}

// ensureEvent returns the entry of t, creating it with derived names. Callers hold r.mu.
func (r *Registry) ensureEvent(t reflect.Type) *eventEntry {
	if e, ok := r.events[t]; ok {
		return e
	}
	entity := r.naming.EntityName(t)
	e := &eventEntry{
		reg: &transport.EventRegistration{
			EventType:            t,
			EventName:            r.naming.EventName(t),
			TypeName:             FullTypeName(t),
			EntityName:           entity,
			DeadletterEntityName: r.naming.DeadletterName(entity),
			ContentType:          r.contentType,
			Metadata:             make(map[string]string),
		},
		bindings: make(map[bindingKey]*binding),
	}
	r.events[t] = e
	r.order = append(r.order, t)
	return e
}

// checkEventType rejects types that cannot be instantiated as payloads.
func checkEventType(t reflect.Type) error {
	switch t.Kind() {
	case reflect.Interface:
		return transport.Configurationf("event type %s is abstract", t)
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Invalid:
		return transport.Configurationf("event type %s cannot be constructed", t)
	}
	return nil
}

// Binding is one (event type, consumer options) pair produced by Bind.
type Binding struct {
	eventType reflect.Type
	opts      consumerOptions
	dispatch  dispatchFunc
}

// Bind declares that a consumer handles events of type T.
func Bind[T any](factory ConsumerFactory[T], opts ...ConsumerOption) Binding {
	o := consumerOptions{interval: DefaultCheckpointInterval}
	for _, opt := range opts {
		opt(&o)
	}
	return Binding{
		eventType: reflect.TypeFor[T](),
		opts:      o,
		dispatch: func(ctx context.Context, s *envelope.Serializer, scope Scope, ev *transport.EventRegistration, env *envelope.Envelope, d *transport.Delivery) error {
			if factory == nil {
				return transport.Configurationf("no consumer factory for %s", ev.TypeName)
			}
			ec, err := decodeEvent[T](s, ev, env)
			if err != nil {
				return err
			}
			ec.brokerID = d.ID
			ec.attempt = d.Attempt
			c, err := factory(scope)
			if err != nil {
				return fmt.Errorf("resolve consumer: %w", err)
			}
			if c == nil {
				return errors.New("resolve consumer: factory returned nil")
			}
			return c.Consume(ctx, ec)
		},
	}
}

// Register adds the bindings of a consumer. Registering the same (event,
// consumer, dead-letter) triple twice is a no-op. Events not yet registered
// are registered with default options.
//
// A ConfigurationError is returned when the consumer has no bindings, an event
// type is abstract, or an exclusive event already has a different consumer.
// On error nothing is registered.
func (r *Registry) Register(consumerName string, bindings ...Binding) error {
	if consumerName == "" {
		return transport.Configurationf("consumer name is required")
	}
	if len(bindings) == 0 {
		return transport.Configurationf("consumer %s declares no event bindings", consumerName)
	}
	for _, b := range bindings {
		if b.eventType == nil || b.dispatch == nil {
			return transport.Configurationf("consumer %s has an empty binding", consumerName)
		}
		if err := checkEventType(b.eventType); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return &ConfigurationError{Reason: "register consumer " + consumerName, Err: ErrRegistrySealed}
	}

	// check everything before mutating so a failed call leaves no trace
	for _, b := range bindings {
		key := bindingKey{consumer: consumerName, deadletter: b.opts.deadletter}
		e, ok := r.events[b.eventType]
		if !ok || !(r.exclusive || e.reg.Exclusive) {
			continue
		}
		for k := range e.bindings {
			if k.deadletter == key.deadletter && k.consumer != consumerName {
				return transport.Configurationf("event %s is exclusive and already consumed by %s", e.reg.EventName, k.consumer)
			}
		}
	}

	for _, b := range bindings {
		e := r.ensureEvent(b.eventType)
		key := bindingKey{consumer: consumerName, deadletter: b.opts.deadletter}
		if _, exists := e.bindings[key]; exists {
			continue
		}
		group := b.opts.group
		if group == "" {
			group = r.naming.GroupName(consumerName)
		}
		creg := &transport.ConsumerRegistration{
			ConsumerName:       consumerName,
			GroupName:          group,
			Deadletter:         b.opts.deadletter,
			CheckpointInterval: b.opts.interval,
			Metadata:           maps.Clone(b.opts.metadata),
		}
		e.bindings[key] = &binding{
			consumer: creg,
			dispatch: b.dispatch,
			limiter:  b.opts.limiter,
		}
		e.reg.Consumers = append(e.reg.Consumers, creg)
	}
	return nil
}

// RegisterConsumer registers a consumer type C for events of type T. The
// consumer name is derived from C.
func RegisterConsumer[T any, C Consumer[T]](r *Registry, factory func(Scope) (C, error), opts ...ConsumerOption) error {
	name := typeBaseName(baseType(reflect.TypeFor[C]()))
	return r.Register(name, Bind[T](func(s Scope) (Consumer[T], error) {
		c, err := factory(s)
		if err != nil {
			return nil, err
		}
		return c, nil
	}, opts...))
}

// Unregister removes every binding of the named consumer. It is a no-op when
// the consumer has none.
func (r *Registry) Unregister(consumerName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return &ConfigurationError{Reason: "unregister consumer " + consumerName, Err: ErrRegistrySealed}
	}
	for _, e := range r.events {
		removed := false
		for k := range e.bindings {
			if k.consumer == consumerName {
				delete(e.bindings, k)
				removed = true
			}
		}
		if !removed {
			continue
		}
		consumers := e.reg.Consumers[:0]
		for _, c := range e.reg.Consumers {
			if c.ConsumerName != consumerName {
				consumers = append(consumers, c)
			}
		}
		e.reg.Consumers = consumers
	}
	return nil
}

// Validate checks the events carried by the named transport against its
// capabilities. Checkpoint intervals below MinCheckpointInterval are raised to
// it. All problems are reported together as joined ConfigurationErrors.
func (r *Registry) Validate(transportName string, caps transport.Capabilities) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, t := range r.order {
		ev := r.events[t].reg
		if ev.TransportName != transportName {
			continue
		}

		if limit := caps.MaxEntityNameLength; limit > 0 {
			if len(ev.EntityName) > limit {
				errs = append(errs, transport.Configurationf("entity name %q of %s is longer than %d characters allowed by %s",
					ev.EntityName, ev.TypeName, limit, transportName))
			}
			if caps.SupportsDeadletter && len(ev.DeadletterEntityName) > limit {
				errs = append(errs, transport.Configurationf("dead-letter entity name %q of %s is longer than %d characters allowed by %s",
					ev.DeadletterEntityName, ev.TypeName, limit, transportName))
			}
		}

		mainConsumers, deadletterConsumers := 0, 0
		groups := make(map[bindingKey]string)
		for _, c := range ev.Consumers {
			if c.CheckpointInterval < MinCheckpointInterval {
				c.CheckpointInterval = MinCheckpointInterval
			}
			if !c.Deadletter {
				mainConsumers++
			} else if deadletterConsumers++; !caps.SupportsDeadletter {
				errs = append(errs, transport.Configurationf("consumer %s binds to the dead-letter stream of %s but %s has no dead-letter support",
					c.ConsumerName, ev.EventName, transportName))
			}
			gk := bindingKey{consumer: c.GroupName, deadletter: c.Deadletter}
			if other, dup := groups[gk]; dup {
				errs = append(errs, transport.Configurationf("consumers %s and %s share group %q on %s",
					other, c.ConsumerName, c.GroupName, ev.Entity(c.Deadletter)))
			}
			groups[gk] = c.ConsumerName
		}
		if (r.exclusive || ev.Exclusive) && (mainConsumers > 1 || deadletterConsumers > 1) {
			errs = append(errs, transport.Configurationf("event %s is exclusive but has %d consumers and %d dead-letter consumers",
				ev.EventName, mainConsumers, deadletterConsumers))
		}
		if caps.SingleConsumerPerEvent && mainConsumers > 1 {
			errs = append(errs, transport.Configurationf("%s allows one consumer per event but %s has %d",
				transportName, ev.EventName, mainConsumers))
		}
	}
	return errors.Join(errs...)
}

// validateEntities rejects two events sharing a broker entity.
func (r *Registry) validateEntities() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	owners := make(map[string]string)
	claim := func(entity, owner string) {
		if prev, ok := owners[entity]; ok && prev != owner {
			errs = append(errs, transport.Configurationf("entity %q is used by both %s and %s", entity, prev, owner))
			return
		}
		owners[entity] = owner
	}
	for _, t := range r.order {
		ev := r.events[t].reg
		if ev.EntityName == "" {
			errs = append(errs, transport.Configurationf("event %s has an empty entity name", ev.TypeName))
			continue
		}
		claim(ev.EntityName, ev.TypeName)
		claim(ev.DeadletterEntityName, ev.TypeName)
	}
	return errors.Join(errs...)
}

// seal makes the registry read-only.
func (r *Registry) seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

// Sealed reports whether a bus has started with this registry.
func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// Events returns the event registrations in registration order.
func (r *Registry) Events() []*transport.EventRegistration {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	out := make([]*transport.EventRegistration, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, r.events[t].reg)
	}
	return out
}

// Lookup returns the registration of event type t.
func (r *Registry) Lookup(t reflect.Type) (*transport.EventRegistration, bool) {
	e, ok := r.entry(t)
	if !ok {
		return nil, false
	}
	return e.reg, true
}

func (r *Registry) entry(t reflect.Type) (*eventEntry, bool) {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	e, ok := r.events[t]
	return e, ok
}

// binding returns the dispatch entry for a consumer registration.
func (r *Registry) binding(ev *transport.EventRegistration, c *transport.ConsumerRegistration) (*binding, bool) {
	e, ok := r.entry(ev.EventType)
	if !ok {
		return nil, false
	}
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	b, ok := e.bindings[bindingKey{consumer: c.ConsumerName, deadletter: c.Deadletter}]
	return b, ok
}

// resolveTransports assigns def to events without a transport and checks that
// every event names a known transport.
func (r *Registry) resolveTransports(def string, known func(string) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, t := range r.order {
		ev := r.events[t].reg
		if ev.TransportName == "" {
			ev.TransportName = def
		}
		if !known(ev.TransportName) {
			errs = append(errs, transport.Configurationf("event %s uses unknown transport %q", ev.EventName, ev.TransportName))
		}
	}
	return errors.Join(errs...)
}

// unseal reopens the registry after a failed start.
func (r *Registry) unseal() {
	r.mu.Lock()
	r.sealed.Store(false)
	r.mu.Unlock()
}
