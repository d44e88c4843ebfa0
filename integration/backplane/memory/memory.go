package memory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/dmitrymomot/signalbus/core/logger"
	"github.com/dmitrymomot/signalbus/core/scaleout"
)

var ErrClosed = errors.New("memory backplane: closed")

// Hub is the shared log behind a set of in-process backplanes. Each stream
// assigns increasing ids starting at 1 and delivers every payload to every
// attached backplane in id order.
type Hub struct {
	streamCount int

	mu       sync.Mutex
	lastID   []uint64
	attached map[*Backplane]struct{}
	sendErr  error
}

// NewHub creates a hub with streamCount streams; values below 1 mean 1.
func NewHub(streamCount int) *Hub {
	streamCount = max(streamCount, 1)
	return &Hub{
		streamCount: streamCount,
		lastID:      make([]uint64, streamCount),
		attached:    make(map[*Backplane]struct{}),
	}
}

// SetSendError makes every Send fail with err until it is cleared with nil.
func (h *Hub) SetSendError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendErr = err
}

// ResetIDs restarts id assignment, as a restarted backplane server would.
func (h *Hub) ResetIDs() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.lastID)
}

func (h *Hub) publish(streamIndex int, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.lastID[streamIndex]++
	id := h.lastID[streamIndex]
	for bp := range h.attached {
		bp.enqueue(streamIndex, delivery{id: id, payload: payload})
	}
	return nil
}

func (h *Hub) attach(bp *Backplane) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attached[bp] = struct{}{}
}

func (h *Hub) detach(bp *Backplane) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.attached, bp)
}

type delivery struct {
	id      uint64
	payload []byte
}

type mailbox struct {
	mu      sync.Mutex
	pending []delivery
	notify  chan struct{}
}

// Backplane is one node's connection to a Hub.
type Backplane struct {
	hub    *Hub
	logger *slog.Logger

	mu        sync.Mutex
	started   bool
	closed    bool
	mailboxes []*mailbox
	stop      chan struct{}
	wg        sync.WaitGroup
}

var _ scaleout.Backplane = (*Backplane)(nil)

// New creates a backplane attached to hub once started.
func New(hub *Hub, log *slog.Logger) *Backplane {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	bp := &Backplane{
		hub:       hub,
		logger:    log.With(logger.Component("memory_backplane")),
		mailboxes: make([]*mailbox, hub.streamCount),
		stop:      make(chan struct{}),
	}
	for i := range bp.mailboxes {
		bp.mailboxes[i] = &mailbox{notify: make(chan struct{}, 1)}
	}
	return bp
}

func (b *Backplane) StreamCount() int {
	return b.hub.streamCount
}

func (b *Backplane) Send(ctx context.Context, streamIndex int, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if streamIndex < 0 || streamIndex >= b.hub.streamCount {
		return scaleout.ErrInvalidStreamIndex
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return b.hub.publish(streamIndex, payload)
}

// Start attaches to the hub, opens every stream and starts one delivery
// goroutine per stream.
func (b *Backplane) Start(_ context.Context, r scaleout.Receiver) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return nil
	}
	b.started = true

	b.hub.attach(b)
	for i, mb := range b.mailboxes {
		r.Open(i)
		b.wg.Add(1)
		go b.deliver(i, mb, r)
	}
	return nil
}

func (b *Backplane) enqueue(streamIndex int, d delivery) {
	mb := b.mailboxes[streamIndex]
	mb.mu.Lock()
	mb.pending = append(mb.pending, d)
	mb.mu.Unlock()

	select {
	case mb.notify <- struct{}{}:
	default:
	}
}

func (b *Backplane) deliver(streamIndex int, mb *mailbox, r scaleout.Receiver) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case <-mb.notify:
		}

		mb.mu.Lock()
		batch := mb.pending
		mb.pending = nil
		mb.mu.Unlock()

		for _, d := range batch {
			p, err := scaleout.DecodePayload(d.payload)
			if err != nil {
				b.logger.Error("dropping undecodable payload",
					logger.Stream(streamIndex),
					logger.PayloadID(d.id),
					logger.Error(err))
				continue
			}
			r.OnReceived(streamIndex, d.id, p)
		}
	}
}

// Close detaches from the hub and stops delivery.
func (b *Backplane) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.hub.detach(b)
	close(b.stop)
	b.wg.Wait()
	return nil
}
