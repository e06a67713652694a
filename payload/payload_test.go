package payload

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type order struct {
	ID    string   `json:"id" msgpack:"id"`
	Total float64  `json:"total" msgpack:"total"`
	Items []string `json:"items" msgpack:"items"`
}

func TestCodecRoundTrip(t *testing.T) {
	in := order{ID: "o1", Total: 12.5, Items: []string{"a", "b"}}

	for _, c := range []Codec{JSON{}, MsgPack{}} {
		t.Run(c.ContentType(), func(t *testing.T) {
			data, err := c.Encode(in)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			var out order
			if err := c.Decode(data, &out); err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if diff := cmp.Diff(in, out); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestProtoCodec(t *testing.T) {
	c := Proto{}

	t.Run("round trip into nil message pointer", func(t *testing.T) {
		data, err := c.Encode(wrapperspb.String("hello"))
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		var out *wrapperspb.StringValue
		if err := c.Decode(data, &out); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if !proto.Equal(out, wrapperspb.String("hello")) {
			t.Errorf("got %v", out)
		}
	})

	t.Run("rejects non proto payload", func(t *testing.T) {
		if _, err := c.Encode(order{}); !errors.Is(err, ErrNotProtoMessage) {
			t.Errorf("expected ErrNotProtoMessage, got %v", err)
		}
		var o order
		if err := c.Decode([]byte{}, &o); !errors.Is(err, ErrNotProtoTarget) {
			t.Errorf("expected ErrNotProtoTarget, got %v", err)
		}
	})
}

type upperCodec struct{ JSON }

func (upperCodec) ContentType() string { return "application/x-upper" }

func TestRegistry(t *testing.T) {
	r := NewRegistry(upperCodec{})

	want := []string{ContentTypeJSON, ContentTypeMsgPack, ContentTypeProto, "application/x-upper"}
	got := r.ContentTypes()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("content types mismatch (-want +got):\n%s", diff)
	}
	if _, ok := r.Get("application/x-upper"); !ok {
		t.Error("custom codec not registered")
	}
	if _, ok := r.Get("text/plain"); ok {
		t.Error("unexpected codec for text/plain")
	}
	if _, ok := Get(ContentTypeJSON); !ok {
		t.Error("default registry lacks JSON")
	}
}
