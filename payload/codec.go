// Package payload provides event payload codecs keyed by content type.
//
// The payload package handles encoding of the event body only; envelope
// headers are handled by the envelope package, so any codec can be swapped
// without touching header semantics.
//
// Usage:
//
//	// JSON is the default content type
//	eventbus.RegisterEvent[Order](reg)
//
//	// protobuf payloads
//	eventbus.RegisterEvent[*pb.Order](reg, eventbus.WithContentType(payload.ContentTypeProto))
//
//	// custom codecs
//	payload.Register(myCodec{})
package payload

// Content types of the built-in codecs.
const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgPack = "application/msgpack"
	ContentTypeProto   = "application/protobuf"
)

// Codec encodes/decodes event payload data.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes the payload to bytes.
	Encode(v any) ([]byte, error)

	// Decode deserializes bytes to the target type.
	// The target must be a pointer.
	Decode(data []byte, v any) error

	// ContentType returns the MIME type (e.g., "application/json").
	ContentType() string
}

// Default returns the default codec (JSON).
func Default() Codec {
	return JSON{}
}
