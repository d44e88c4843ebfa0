package messaging

import "errors"

var (
	ErrBusClosed     = errors.New("message bus is closed")
	ErrNilMessage    = errors.New("message is nil")
	ErrEmptyKey      = errors.New("message key is empty")
	ErrNilCallback   = errors.New("subscription callback is nil")
	ErrNilSubscriber = errors.New("subscriber is nil")

	// Cursor errors. Subscribe never returns these: a cursor that fails to
	// parse is replaced by fresh cursors at the current topic heads.
	ErrInvalidCursor        = errors.New("invalid cursor format")
	ErrCursorKeyNotFound    = errors.New("cursor key not found in minifier table")
	ErrCursorPrefixMismatch = errors.New("cursor prefix mismatch")

	ErrCallbackPanic   = errors.New("subscription callback panicked")
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)
