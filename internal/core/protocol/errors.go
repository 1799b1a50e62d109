package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrProtocol marks a reply stream that could not be decoded. Once it is seen
// the stream position is unknown and the connection cannot be reused.
var ErrProtocol = errors.New("protocol violation")

// Decoding errors. All of them wrap ErrProtocol.
var (
	ErrInvalidReplyType = fmt.Errorf("%w: unknown reply type", ErrProtocol)
	ErrInvalidLength    = fmt.Errorf("%w: invalid length", ErrProtocol)
	ErrInvalidInteger   = fmt.Errorf("%w: invalid integer", ErrProtocol)
	ErrMissingCRLF      = fmt.Errorf("%w: line not terminated by CRLF", ErrProtocol)
	ErrReplyTooLarge    = fmt.Errorf("%w: reply exceeds size limit", ErrProtocol)
)

// ErrEmptyCommand is returned when encoding a command without a name.
var ErrEmptyCommand = errors.New("empty command name")

// ServerError is an error reply sent by the server ("-ERR unknown command").
// It says nothing about the health of the connection.
type ServerError struct {
	Message string
}

// Error implements the error interface
func (e *ServerError) Error() string {
	return e.Message
}

// Prefix returns the leading upper case word of the message, e.g. "ERR" or "WRONGTYPE".
func (e *ServerError) Prefix() string {
	if i := strings.IndexByte(e.Message, ' '); i > 0 {
		return e.Message[:i]
	}
	return e.Message
}

// IsProtocolError reports whether err means the reply stream is corrupt.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrProtocol)
}
