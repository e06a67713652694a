package payload

import (
	"errors"

	"google.golang.org/protobuf/proto"
)

// Errors returned by the Proto codec.
var (
	ErrNotProtoMessage = errors.New("payload must implement proto.Message")
	ErrNotProtoTarget  = errors.New("target must implement proto.Message")
)

// Proto implements Codec using Protocol Buffers serialization.
// Events using it must have a pointer-to-message payload type, e.g. *pb.Order.
type Proto struct{}

// Encode serializes the payload to Protocol Buffer bytes.
func (Proto) Encode(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, ErrNotProtoMessage
	}
	return proto.Marshal(msg)
}

// Decode deserializes Protocol Buffer bytes into v.
// v may be a proto.Message or a pointer to a nil message pointer, in which
// case a new message is allocated.
func (Proto) Decode(data []byte, v any) error {
	if msg, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, msg)
	}
	target, ok := protoTarget(v)
	if !ok {
		return ErrNotProtoTarget
	}
	return proto.Unmarshal(data, target)
}

// ContentType returns the MIME type for Protocol Buffers.
func (Proto) ContentType() string {
	return ContentTypeProto
}

// Compile-time check.
var _ Codec = Proto{}
