package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write queue timeout")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection = errors.New("connection cannot be nil")
	ErrInvalidUserID = errors.New("invalid user ID")
)

// Handler-related errors
var (
	ErrShutdownTimeout = errors.New("timed out waiting for connections to drain")
)
