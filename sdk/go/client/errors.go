package client

import "errors"

// Client-specific errors
var (
	ErrClientClosed     = errors.New("client is closed")
	ErrNotConnected     = errors.New("client is not connected")
	ErrAlreadyConnected = errors.New("client is already connected")
	ErrReconnectFailed  = errors.New("reconnection failed")
	ErrInvalidConfig    = errors.New("invalid client configuration")
	ErrUnexpectedReply  = errors.New("unexpected reply")
)
