package broadcast

import "errors"

var (
	ErrEngineAlreadyRunning = errors.New("broadcast engine is already running")
	ErrEngineNotRunning     = errors.New("broadcast engine is not running")
	ErrQueueFull            = errors.New("broadcast queue is full")
	ErrNilEvent             = errors.New("emotion event cannot be nil")
)
