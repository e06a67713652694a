// Package envelope defines the broker-neutral wire envelope.
//
// An Envelope is a set of string headers plus an opaque body. The header names
// are shared with other implementations of the same bus and must not change.
// Header values never depend on the payload codec: the body is the only part
// written by a payload.Codec.
package envelope

import (
	"maps"
	"strings"
	"time"
)

// Wire header names.
const (
	HeaderID            = "Id"
	HeaderCorrelationID = "CorrelationId"
	HeaderContentType   = "Content-Type"
	HeaderEventName     = "Event-Name"
	HeaderEventType     = "Event-Type"
	HeaderSent          = "Sent"
	HeaderExpires       = "Expires"
)

// TimeLayout is the encoding of Sent and Expires.
const TimeLayout = time.RFC3339Nano

var reserved = map[string]struct{}{
	HeaderID:            {},
	HeaderCorrelationID: {},
	HeaderContentType:   {},
	HeaderEventName:     {},
	HeaderEventType:     {},
	HeaderSent:          {},
	HeaderExpires:       {},
}

// IsReserved reports whether name is one of the envelope header names.
func IsReserved(name string) bool {
	_, ok := reserved[name]
	return ok
}

// Envelope is the wire-level record of one event.
type Envelope struct {
	ID            string
	CorrelationID string
	ContentType   string
	EventName     string
	EventType     string
	Sent          time.Time
	Expires       time.Time

	// Headers holds application headers. Reserved names are ignored here.
	Headers map[string]string

	Body []byte
}

// Header returns the wire headers of the envelope. Empty values are omitted.
func (e *Envelope) Header() map[string]string {
	h := make(map[string]string, len(e.Headers)+7)
	for k, v := range e.Headers {
		if !IsReserved(k) {
			h[k] = v
		}
	}
	set := func(k, v string) {
		if v != "" {
			h[k] = v
		}
	}
	set(HeaderID, e.ID)
	set(HeaderCorrelationID, e.CorrelationID)
	set(HeaderContentType, e.ContentType)
	set(HeaderEventName, e.EventName)
	set(HeaderEventType, e.EventType)
	set(HeaderSent, formatTime(e.Sent))
	set(HeaderExpires, formatTime(e.Expires))
	return h
}

// Parse rebuilds an envelope from wire headers. It never fails: a missing
// header yields an empty value and an unparsable timestamp yields the zero time.
func Parse(headers map[string]string, body []byte) *Envelope {
	e := &Envelope{
		Body:    body,
		Headers: make(map[string]string),
	}
	for k, v := range headers {
		switch k {
		case HeaderID:
			e.ID = v
		case HeaderCorrelationID:
			e.CorrelationID = v
		case HeaderContentType:
			e.ContentType = v
		case HeaderEventName:
			e.EventName = v
		case HeaderEventType:
			e.EventType = v
		case HeaderSent:
			e.Sent = parseTime(v)
		case HeaderExpires:
			e.Expires = parseTime(v)
		default:
			e.Headers[k] = v
		}
	}
	return e
}

// Expired reports whether the envelope carries an expiry that is not after now.
func (e *Envelope) Expired(now time.Time) bool {
	return !e.Expires.IsZero() && !now.Before(e.Expires)
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Headers = maps.Clone(e.Headers)
	if e.Body != nil {
		c.Body = append([]byte(nil), e.Body...)
	}
	return &c
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

func parseTime(v string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(TimeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
