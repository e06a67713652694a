package envelope

import (
	"errors"
	"fmt"

	"github.com/rbaliyan/eventbus/payload"
	"github.com/rbaliyan/eventbus/transport"
)

// Errors wrapped by SerializationError.
var (
	ErrUnknownContentType = errors.New("unknown content type")
	ErrTypeMismatch       = errors.New("event type mismatch")
)

// Serializer encodes and decodes envelope bodies with codecs chosen by content type.
type Serializer struct {
	codecs *payload.Registry
}

// NewSerializer creates a serializer over codecs. A nil registry uses
// payload.DefaultRegistry.
func NewSerializer(codecs *payload.Registry) *Serializer {
	if codecs == nil {
		codecs = payload.DefaultRegistry()
	}
	return &Serializer{codecs: codecs}
}

// Codecs returns the codec registry.
func (s *Serializer) Codecs() *payload.Registry {
	return s.codecs
}

// Encode writes v with the codec registered for contentType.
func (s *Serializer) Encode(contentType, eventType string, v any) (data []byte, err error) {
	codec, ok := s.codecs.Get(contentType)
	if !ok {
		return nil, &transport.SerializationError{ContentType: contentType, EventType: eventType, Err: ErrUnknownContentType}
	}
	defer func() {
		if r := recover(); r != nil {
			err = &transport.SerializationError{ContentType: contentType, EventType: eventType, Err: fmt.Errorf("codec panic: %v", r)}
		}
	}()
	data, err = codec.Encode(v)
	if err != nil {
		return nil, &transport.SerializationError{ContentType: contentType, EventType: eventType, Err: err}
	}
	return data, nil
}

// Decode reads the envelope body into target.
//
// The envelope content type wins; fallback is used when the header is absent.
// If the envelope names an event type it must equal eventType.
func (s *Serializer) Decode(e *Envelope, fallback, eventType string, target any) (err error) {
	contentType := e.ContentType
	if contentType == "" {
		contentType = fallback
	}
	if e.EventType != "" && eventType != "" && e.EventType != eventType {
		return &transport.SerializationError{
			ContentType: contentType,
			EventType:   eventType,
			Err:         fmt.Errorf("%w: envelope carries %q", ErrTypeMismatch, e.EventType),
		}
	}
	codec, ok := s.codecs.Get(contentType)
	if !ok {
		return &transport.SerializationError{ContentType: contentType, EventType: eventType, Err: ErrUnknownContentType}
	}
	defer func() {
		if r := recover(); r != nil {
			err = &transport.SerializationError{ContentType: contentType, EventType: eventType, Err: fmt.Errorf("codec panic: %v", r)}
		}
	}()
	if err := codec.Decode(e.Body, target); err != nil {
		return &transport.SerializationError{ContentType: contentType, EventType: eventType, Err: err}
	}
	return nil
}
