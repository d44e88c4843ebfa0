package scaleout

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/dmitrymomot/signalbus/core/logger"
)

// ReceiveFunc handles a payload after the stream manager has seen it.
type ReceiveFunc func(streamIndex int, payloadID uint64, payload *Payload)

// StreamManager owns one Stream per backplane stream and implements
// Receiver, so drivers report into it directly.
type StreamManager struct {
	streams []*Stream
	receive ReceiveFunc
	logger  *slog.Logger
}

var _ Receiver = (*StreamManager)(nil)

// NewStreamManager creates count streams sending through send.
func NewStreamManager(count int, send func(ctx context.Context, streamIndex int, payload []byte) error, receive ReceiveFunc, behavior QueuingBehavior, maxQueueLength int, log *slog.Logger) (*StreamManager, error) {
	if count <= 0 {
		return nil, ErrInvalidStreamCount
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	m := &StreamManager{
		streams: make([]*Stream, count),
		receive: receive,
		logger:  log,
	}
	for i := range m.streams {
		m.streams[i] = NewStream(i, func(ctx context.Context, payload []byte) error {
			return send(ctx, i, payload)
		}, behavior, maxQueueLength, log)
	}
	return m, nil
}

func (m *StreamManager) Count() int {
	return len(m.streams)
}

// Stream returns the stream at index, or nil when out of range.
func (m *StreamManager) Stream(index int) *Stream {
	if index < 0 || index >= len(m.streams) {
		return nil
	}
	return m.streams[index]
}

// Send queues payload on the stream at index.
func (m *StreamManager) Send(ctx context.Context, index int, payload []byte) error {
	s := m.Stream(index)
	if s == nil {
		return fmt.Errorf("%w: %d of %d", ErrInvalidStreamIndex, index, len(m.streams))
	}
	return s.Send(ctx, payload)
}

// OnReceived opens the stream, since a delivery proves it is connected,
// then hands the payload on.
func (m *StreamManager) OnReceived(index int, payloadID uint64, payload *Payload) {
	s := m.Stream(index)
	if s == nil {
		m.logger.Error("payload for unknown stream dropped", logger.Stream(index), logger.PayloadID(payloadID))
		return
	}
	s.Open()
	if m.receive != nil {
		m.receive(index, payloadID, payload)
	}
}

func (m *StreamManager) Open(index int) {
	if s := m.Stream(index); s != nil {
		s.Open()
	}
}

func (m *StreamManager) Buffer(index int) {
	if s := m.Stream(index); s != nil {
		s.Buffer()
	}
}

func (m *StreamManager) OnError(index int, err error) {
	if s := m.Stream(index); s != nil {
		s.OnError(err)
	}
}

// Close closes every stream. Queued sends on open streams are flushed first.
func (m *StreamManager) Close() {
	for _, s := range m.streams {
		s.Close()
	}
}
