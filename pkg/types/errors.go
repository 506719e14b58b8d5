package types

import "errors"

// Specific error values enable precise handling and user-facing messages
// without string matching at call sites.
var (
	ErrInvalidUserID      = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidRole        = errors.New("role must be admin or student")
	ErrInvalidEmotion     = errors.New("emotion must be 1-50 characters")
	ErrInvalidConfidence  = errors.New("confidence must be between 0 and 1")
	ErrInvalidMessageType = errors.New("invalid message type")
)
