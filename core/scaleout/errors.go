package scaleout

import "errors"

var (
	ErrNilBackplane           = errors.New("scaleout: backplane is nil")
	ErrStreamClosed           = errors.New("scaleout: stream is closed")
	ErrQueueFull              = errors.New("scaleout: stream send queue is full")
	ErrInvalidStreamCount     = errors.New("scaleout: stream count must be positive")
	ErrInvalidStreamIndex     = errors.New("scaleout: stream index out of range")
	ErrInvalidPayload         = errors.New("scaleout: malformed payload")
	ErrUnknownQueuingBehavior = errors.New("scaleout: unknown queuing behavior")
)
