package websocket

import "errors"

var (
	ErrNilConnection    = errors.New("connection cannot be nil")
	ErrConnectionClosed = errors.New("connection is closed")
	ErrInvalidJSON      = errors.New("failed to marshal JSON message")
	ErrWriteTimeout     = errors.New("write operation timed out")
	ErrUnknownChannel   = errors.New("unknown channel kind")
)
