package connection

import (
	"errors"
	"fmt"

	"github.com/zeusync/rediscore/internal/core/protocol"
)

// Connection errors
var (
	ErrNotConnected = errors.New("connection is not connected")
	ErrModality     = errors.New("operation not supported by connection modality")
	ErrFaulted      = errors.New("connection is faulted")
)

// ConfigError reports an invalid construction argument. It is raised before
// any network activity and retrying with the same input cannot succeed.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

// ConnectError reports a failure to establish the transport.
type ConnectError struct {
	Endpoint string
	Err      error
}

// Error implements the error interface
func (e *ConnectError) Error() string {
	return "connect to " + e.Endpoint + ": " + e.Err.Error()
}

// Unwrap returns the underlying error
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// IllegalStateError reports an operation invoked against a violated
// precondition, e.g. disconnecting a transport that is not connected.
// It indicates a usage bug rather than a network condition.
type IllegalStateError struct {
	Op    string
	State State
}

// Error implements the error interface
func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("illegal state for %s: %s", e.Op, e.State)
}

// RequestError reports a failed send/receive cycle. Fault is set when the
// failure was classified as unrecoverable and the connection faulted.
type RequestError struct {
	Command string
	Err     error
	Fault   bool
}

// Error implements the error interface
func (e *RequestError) Error() string {
	return "request " + e.Command + ": " + e.Err.Error()
}

// Unwrap returns the underlying error
func (e *RequestError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is, or wraps, a *ConfigError.
func IsConfigError(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}

// IsIllegalState reports whether err is, or wraps, an *IllegalStateError.
func IsIllegalState(err error) bool {
	var target *IllegalStateError
	return errors.As(err, &target)
}

// IsTemporary reports whether a reconnect may cure err. Configuration and
// state errors are never temporary; neither is a fault.
func IsTemporary(err error) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return !reqErr.Fault &&
			!errors.Is(reqErr.Err, ErrModality) &&
			!errors.Is(reqErr.Err, protocol.ErrEmptyCommand)
	}
	var connErr *ConnectError
	return errors.As(err, &connErr)
}
