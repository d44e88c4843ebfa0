package redis

import (
	"bytes"
	"errors"
	"strconv"
)

// ErrInvalidFrame is returned for channel messages not shaped "<id> <payload>".
var ErrInvalidFrame = errors.New("redis backplane: invalid frame")

// ParseFrame splits a channel message into the payload id and payload.
func ParseFrame(frame []byte) (uint64, []byte, error) {
	i := bytes.IndexByte(frame, ' ')
	if i <= 0 {
		return 0, nil, ErrInvalidFrame
	}
	id, err := strconv.ParseUint(string(frame[:i]), 10, 64)
	if err != nil || id == 0 {
		return 0, nil, ErrInvalidFrame
	}
	return id, frame[i+1:], nil
}
