package scaleout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dmitrymomot/signalbus/core/logger"
)

// StreamState is the send state of one backplane stream.
type StreamState int32

const (
	StreamInitial StreamState = iota
	StreamOpen
	StreamBuffering
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamInitial:
		return "initial"
	case StreamOpen:
		return "open"
	case StreamBuffering:
		return "buffering"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SendFunc delivers one encoded payload to the backplane.
type SendFunc func(ctx context.Context, payload []byte) error

type sendOp struct {
	ctx     context.Context
	payload []byte
	done    chan error
}

// Stream orders sends to one backplane stream. Sends are delivered one at a
// time in arrival order. Depending on the queuing behavior, sends made
// before the stream opens, or while it buffers, wait in the queue until
// Open. After a failed send the stream buffers, and both the sends queued
// behind it and new sends fail with the captured error until Open is called
// again. QueueAlways keeps the queued sends for the next Open instead.
type Stream struct {
	index    int
	send     SendFunc
	behavior QueuingBehavior
	maxLen   int
	logger   *slog.Logger

	mu       sync.Mutex
	state    StreamState
	err      error
	queue    []*sendOp
	draining bool
	drained  chan struct{}

	sent   atomic.Int64
	failed atomic.Int64
}

// NewStream creates a stream in the Initial state. maxQueueLength 0 means unbounded.
func NewStream(index int, send SendFunc, behavior QueuingBehavior, maxQueueLength int, log *slog.Logger) *Stream {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Stream{
		index:    index,
		send:     send,
		behavior: behavior,
		maxLen:   max(maxQueueLength, 0),
		logger:   log,
	}
}

func (s *Stream) Index() int {
	return s.index
}

func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// QueueLength returns the number of sends waiting to go out.
func (s *Stream) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Send queues payload and waits until it was handed to the backplane,
// failed, or ctx is done.
func (s *Stream) Send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	if s.state == StreamClosed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return fmt.Errorf("scaleout: stream %d is buffering: %w", s.index, err)
	}
	if s.maxLen > 0 && len(s.queue) >= s.maxLen {
		s.mu.Unlock()
		return ErrQueueFull
	}

	op := &sendOp{ctx: ctx, payload: payload, done: make(chan error, 1)}
	s.queue = append(s.queue, op)
	s.startDrainLocked()
	s.mu.Unlock()

	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		s.dequeue(op)
		return ctx.Err()
	}
}

// Open marks the stream connected, clears a captured error and releases queued sends.
func (s *Stream) Open() {
	s.mu.Lock()
	if s.state == StreamClosed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = StreamOpen
	s.err = nil
	s.startDrainLocked()
	s.mu.Unlock()

	if prev != StreamOpen {
		s.logger.Info("scaleout stream opened", logger.Stream(s.index), slog.String("previous", prev.String()))
	}
}

// Buffer moves the stream to Buffering without recording an error.
func (s *Stream) Buffer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StreamClosed {
		s.state = StreamBuffering
	}
}

// OnError moves the stream to Buffering and makes new sends fail with err.
func (s *Stream) OnError(err error) {
	s.mu.Lock()
	if s.state == StreamClosed {
		s.mu.Unlock()
		return
	}
	s.state = StreamBuffering
	s.err = err
	s.mu.Unlock()

	s.logger.Warn("scaleout stream buffering", logger.Stream(s.index), logger.Error(err))
}

// Close rejects new sends, waits for a running drain to finish the queue and
// fails whatever could not be sent with ErrStreamClosed.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.state == StreamClosed {
		s.mu.Unlock()
		return
	}
	s.state = StreamClosed
	drained := s.drained
	draining := s.draining
	s.mu.Unlock()

	if draining {
		<-drained
	}

	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, op := range pending {
		op.done <- ErrStreamClosed
	}
}

// sendableLocked reports whether queued sends may go out in the current state.
func (s *Stream) sendableLocked() bool {
	switch s.state {
	case StreamOpen, StreamClosed:
		return true
	case StreamInitial:
		return s.behavior == QueueDisabled
	case StreamBuffering:
		return s.behavior != QueueAlways && s.err == nil
	}
	return false
}

func (s *Stream) startDrainLocked() {
	if s.draining || len(s.queue) == 0 || !s.sendableLocked() {
		return
	}
	s.draining = true
	s.drained = make(chan struct{})
	go s.drain(s.drained)
}

func (s *Stream) drain(done chan struct{}) {
	defer close(done)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || !s.sendableLocked() {
			// Sends queued behind a failure share its error unless the
			// behavior keeps them for the next Open.
			var failed []*sendOp
			captured := s.err
			if captured != nil && s.behavior != QueueAlways {
				failed, s.queue = s.queue, nil
			}
			s.draining = false
			s.mu.Unlock()
			for _, op := range failed {
				op.done <- fmt.Errorf("scaleout: stream %d is buffering: %w", s.index, captured)
			}
			return
		}
		op := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if err := op.ctx.Err(); err != nil {
			op.done <- err
			continue
		}

		err := s.send(op.ctx, op.payload)
		if err != nil {
			s.failed.Add(1)
			s.OnError(err)
		} else {
			s.sent.Add(1)
		}
		op.done <- err
	}
}

func (s *Stream) dequeue(op *sendOp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := slices.Index(s.queue, op); i >= 0 {
		s.queue = slices.Delete(s.queue, i, i+1)
	}
}
