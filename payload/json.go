package payload

import "github.com/bytedance/sonic"

var jsonAPI = sonic.ConfigStd

// JSON implements Codec using JSON serialization.
// This is the default codec.
type JSON struct{}

// Encode serializes the payload to JSON bytes.
func (JSON) Encode(v any) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

// Decode deserializes JSON bytes to the target type.
func (JSON) Decode(data []byte, v any) error {
	return jsonAPI.Unmarshal(data, v)
}

// ContentType returns the MIME type for JSON.
func (JSON) ContentType() string {
	return ContentTypeJSON
}

// Compile-time check.
var _ Codec = JSON{}
