package eventbus

import (
	"errors"

	"github.com/rbaliyan/eventbus/transport"
)

// Error kinds, matched with errors.Is.
var (
	ErrConfiguration = transport.ErrConfiguration
	ErrSerialization = transport.ErrSerialization
	ErrNotSupported  = transport.ErrNotSupported
	ErrTransport     = transport.ErrTransport
)

// Typed errors, matched with errors.As.
type (
	ConfigurationError = transport.ConfigurationError
	SerializationError = transport.SerializationError
	NotSupportedError  = transport.NotSupportedError
	TransportError     = transport.TransportError
)

// Bus state errors
var (
	ErrBusNotRunning     = errors.New("bus is not running")
	ErrBusAlreadyStarted = errors.New("bus already started")
	ErrNoTransport       = errors.New("at least one transport is required")
	ErrRegistryRequired  = errors.New("registry is required")
	ErrRegistrySealed    = errors.New("registry is sealed after bus start")
)
