package envelope

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/eventbus/payload"
	"github.com/rbaliyan/eventbus/transport"
)

func TestHeaderRoundTrip(t *testing.T) {
	sent := time.Date(2026, 3, 1, 10, 30, 0, 123456789, time.UTC)
	in := &Envelope{
		ID:            "id-1",
		CorrelationID: "corr-1",
		ContentType:   payload.ContentTypeJSON,
		EventName:     "order-placed",
		EventType:     "example.com/orders.OrderPlaced",
		Sent:          sent,
		Expires:       sent.Add(time.Hour),
		Headers:       map[string]string{"tenant": "acme"},
		Body:          []byte(`{"id":"o1"}`),
	}

	h := in.Header()
	for _, name := range []string{"Id", "CorrelationId", "Content-Type", "Event-Name", "Event-Type", "Sent", "Expires"} {
		if _, ok := h[name]; !ok {
			t.Errorf("missing header %q", name)
		}
	}

	out := Parse(h, in.Body)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseIsDefensive(t *testing.T) {
	t.Run("nil headers", func(t *testing.T) {
		e := Parse(nil, []byte("x"))
		if e.ID != "" || e.ContentType != "" || !e.Sent.IsZero() {
			t.Errorf("expected empty values, got %+v", e)
		}
	})

	t.Run("bad timestamps", func(t *testing.T) {
		e := Parse(map[string]string{HeaderSent: "yesterday", HeaderExpires: "soon"}, nil)
		if !e.Sent.IsZero() || !e.Expires.IsZero() {
			t.Errorf("expected zero times, got %v %v", e.Sent, e.Expires)
		}
		if e.Expired(time.Now()) {
			t.Error("envelope without expiry must not be expired")
		}
	})

	t.Run("reserved names do not leak into application headers", func(t *testing.T) {
		e := &Envelope{ID: "real", Headers: map[string]string{HeaderID: "fake"}}
		if got := e.Header()[HeaderID]; got != "real" {
			t.Errorf("Id header = %q", got)
		}
	})
}

func TestExpired(t *testing.T) {
	now := time.Now()
	e := &Envelope{Expires: now.Add(-time.Second)}
	if !e.Expired(now) {
		t.Error("expected expired")
	}
	e.Expires = now.Add(time.Minute)
	if e.Expired(now) {
		t.Error("expected not expired")
	}
}

type order struct {
	ID string `json:"id" msgpack:"id"`
}

func TestSerializer(t *testing.T) {
	s := NewSerializer(payload.NewRegistry())

	t.Run("encode and decode", func(t *testing.T) {
		for _, ct := range []string{payload.ContentTypeJSON, payload.ContentTypeMsgPack} {
			data, err := s.Encode(ct, "orders.Order", order{ID: "o1"})
			if err != nil {
				t.Fatalf("%s Encode: %v", ct, err)
			}
			var out order
			if err := s.Decode(&Envelope{ContentType: ct, Body: data}, "", "orders.Order", &out); err != nil {
				t.Fatalf("%s Decode: %v", ct, err)
			}
			if out.ID != "o1" {
				t.Errorf("%s: got %q", ct, out.ID)
			}
		}
	})

	t.Run("fallback content type", func(t *testing.T) {
		var out order
		err := s.Decode(&Envelope{Body: []byte(`{"id":"o2"}`)}, payload.ContentTypeJSON, "", &out)
		if err != nil || out.ID != "o2" {
			t.Fatalf("got %q, %v", out.ID, err)
		}
	})

	tests := []struct {
		name string
		env  *Envelope
		want error
	}{
		{"unknown content type", &Envelope{ContentType: "text/csv", Body: []byte("a,b")}, ErrUnknownContentType},
		{"type mismatch", &Envelope{ContentType: payload.ContentTypeJSON, EventType: "other.Type", Body: []byte(`{}`)}, ErrTypeMismatch},
		{"truncated body", &Envelope{ContentType: payload.ContentTypeJSON, Body: []byte(`{"id":`)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out order
			err := s.Decode(tt.env, "", "orders.Order", &out)
			if !errors.Is(err, transport.ErrSerialization) {
				t.Fatalf("expected serialization error, got %v", err)
			}
			var serr *transport.SerializationError
			if !errors.As(err, &serr) {
				t.Fatalf("expected *SerializationError, got %T", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	t.Run("encode with unknown content type", func(t *testing.T) {
		if _, err := s.Encode("text/csv", "orders.Order", order{}); !errors.Is(err, ErrUnknownContentType) {
			t.Errorf("expected ErrUnknownContentType, got %v", err)
		}
	})
}
