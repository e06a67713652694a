package payload

import (
	"reflect"
	"sort"
	"sync"

	"google.golang.org/protobuf/proto"
)

// Registry maps content types to codecs.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry creates a registry holding the built-in codecs plus extra.
func NewRegistry(extra ...Codec) *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	for _, c := range []Codec{JSON{}, MsgPack{}, Proto{}} {
		r.codecs[c.ContentType()] = c
	}
	for _, c := range extra {
		r.Register(c)
	}
	return r
}

// Register adds or replaces the codec for its content type.
func (r *Registry) Register(codec Codec) {
	if codec == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[codec.ContentType()] = codec
}

// Get retrieves a codec by content type.
func (r *Registry) Get(contentType string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[contentType]
	return c, ok
}

// ContentTypes lists the registered content types in sorted order.
func (r *Registry) ContentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.codecs))
	for ct := range r.codecs {
		types = append(types, ct)
	}
	sort.Strings(types)
	return types
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry used when a bus is not
// given its own.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register adds a codec to the default registry.
func Register(codec Codec) {
	defaultRegistry.Register(codec)
}

// Get retrieves a codec by content type from the default registry.
func Get(contentType string) (Codec, bool) {
	return defaultRegistry.Get(contentType)
}

// protoTarget resolves v, a **Msg, to a freshly allocated *Msg stored through v.
func protoTarget(v any) (proto.Message, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return nil, false
	}
	elem := rv.Elem()
	if elem.Kind() != reflect.Pointer {
		return nil, false
	}
	if elem.IsNil() {
		elem.Set(reflect.New(elem.Type().Elem()))
	}
	msg, ok := elem.Interface().(proto.Message)
	return msg, ok
}
