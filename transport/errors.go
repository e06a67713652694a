package transport

import (
	"errors"
	"fmt"
)

// Error kinds. Every typed error below matches exactly one of these with errors.Is.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrSerialization = errors.New("serialization error")
	ErrNotSupported  = errors.New("not supported")
	ErrTransport     = errors.New("transport error")
)

// State errors
var (
	ErrTransportClosed = errors.New("transport closed")
	ErrNotStarted      = errors.New("transport not started")
)

// ConfigurationError reports an invalid or conflicting registration, or a
// capability mismatch found while validating against a transport. It is fatal
// to startup.
type ConfigurationError struct {
	Reason string
	Err    error
}

// Configurationf builds a ConfigurationError from a format string.
func Configurationf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return "configuration: " + e.Reason + ": " + e.Err.Error()
	}
	return "configuration: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// SerializationError reports a malformed envelope or payload. The consume
// pipeline routes messages failing with it to the dead-letter destination.
type SerializationError struct {
	ContentType string
	EventType   string
	Err         error
}

func (e *SerializationError) Error() string {
	msg := "serialization"
	if e.EventType != "" {
		msg += " of " + e.EventType
	}
	if e.ContentType != "" {
		msg += " (" + e.ContentType + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SerializationError) Unwrap() error { return e.Err }

func (e *SerializationError) Is(target error) bool { return target == ErrSerialization }

// NotSupportedError is returned when a caller invokes a capability the
// transport does not have, for example cancelling on a transport without
// cancellation support.
type NotSupportedError struct {
	Transport string
	Feature   string
}

func (e *NotSupportedError) Error() string {
	return fmt.Sprintf("transport %q does not support %s", e.Transport, e.Feature)
}

func (e *NotSupportedError) Is(target error) bool { return target == ErrNotSupported }

// TransportError wraps a broker I/O failure.
type TransportError struct {
	Transport string
	Op        string
	Err       error
}

// NewTransportError wraps err unless it already carries one of the error
// kinds, in which case it is returned as is.
func NewTransportError(name, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransport) || errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrSerialization) || errors.Is(err, ErrNotSupported) {
		return err
	}
	return &TransportError{Transport: name, Op: op, Err: err}
}

func (e *TransportError) Error() string {
	msg := "transport"
	if e.Transport != "" {
		msg += " " + e.Transport
	}
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }
