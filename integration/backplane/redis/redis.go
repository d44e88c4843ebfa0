package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/signalbus/core/logger"
	"github.com/dmitrymomot/signalbus/core/scaleout"
)

var ErrClosed = errors.New("redis backplane: closed")

// sendScript allocates the next id of a stream and publishes the frame in
// one atomic step, so channel order always matches id order.
var sendScript = redis.NewScript(`
local id = redis.call('INCR', KEYS[1])
redis.call('PUBLISH', KEYS[2], string.format('%d', id) .. ' ' .. ARGV[1])
return id
`)

// Backplane uses one Pub/Sub channel and one counter key per stream.
// The client is owned by the caller and is not closed by Close.
type Backplane struct {
	client   redis.UniversalClient
	cfg      Config
	logger   *slog.Logger
	channels []string
	counters []string

	mu      sync.Mutex
	started bool
	closed  bool
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ scaleout.Backplane = (*Backplane)(nil)

func New(client redis.UniversalClient, cfg Config, log *slog.Logger) (*Backplane, error) {
	if cfg.StreamCount <= 0 {
		return nil, scaleout.ErrInvalidStreamCount
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultConfig().Prefix
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	b := &Backplane{
		client:   client,
		cfg:      cfg,
		logger:   log.With(logger.Component("redis_backplane")),
		channels: make([]string, cfg.StreamCount),
		counters: make([]string, cfg.StreamCount),
	}
	for i := range cfg.StreamCount {
		b.channels[i] = ChannelName(cfg.Prefix, i)
		b.counters[i] = b.channels[i] + ":id"
	}
	return b, nil
}

// ChannelName is the Pub/Sub channel of stream index under prefix.
func ChannelName(prefix string, index int) string {
	return prefix + ":stream:" + strconv.Itoa(index)
}

func (b *Backplane) StreamCount() int {
	return b.cfg.StreamCount
}

func (b *Backplane) Send(ctx context.Context, streamIndex int, payload []byte) error {
	if streamIndex < 0 || streamIndex >= len(b.channels) {
		return scaleout.ErrInvalidStreamIndex
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	keys := []string{b.counters[streamIndex], b.channels[streamIndex]}
	if err := sendScript.Run(ctx, b.client, keys, payload).Err(); err != nil {
		return fmt.Errorf("redis backplane: publish to stream %d: %w", streamIndex, err)
	}
	return nil
}

// Start subscribes to every stream channel. A stream is opened when its
// subscription is confirmed; receive errors put every stream in buffering
// until go-redis resubscribes.
func (b *Backplane) Start(ctx context.Context, r scaleout.Receiver) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return nil
	}

	// the receive loop outlives the caller's ctx
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ps := b.client.Subscribe(loopCtx, b.channels...)

	b.started = true
	b.pubsub = ps
	b.cancel = cancel
	b.wg.Add(1)
	go b.receive(loopCtx, ps, r)
	return nil
}

func (b *Backplane) receive(ctx context.Context, ps *redis.PubSub, r scaleout.Receiver) {
	defer b.wg.Done()
	for {
		msg, err := ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			b.logger.Warn("receive failed", logger.Error(err))
			for i := range b.channels {
				r.OnError(i, err)
			}
			t := time.NewTimer(b.cfg.ReconnectInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind != "subscribe" {
				continue
			}
			if i := b.streamIndex(m.Channel); i >= 0 {
				r.Open(i)
			}
		case *redis.Message:
			b.deliver(m, r)
		}
	}
}

func (b *Backplane) deliver(m *redis.Message, r scaleout.Receiver) {
	i := b.streamIndex(m.Channel)
	if i < 0 {
		return
	}
	id, raw, err := ParseFrame([]byte(m.Payload))
	if err != nil {
		b.logger.Error("dropping malformed frame", logger.Stream(i), logger.Error(err))
		return
	}
	p, err := scaleout.DecodePayload(raw)
	if err != nil {
		b.logger.Error("dropping undecodable payload",
			logger.Stream(i),
			logger.PayloadID(id),
			logger.Error(err))
		return
	}
	r.OnReceived(i, id, p)
}

func (b *Backplane) streamIndex(channel string) int {
	prefix := b.cfg.Prefix + ":stream:"
	if !strings.HasPrefix(channel, prefix) {
		return -1
	}
	i, err := strconv.Atoi(channel[len(prefix):])
	if err != nil || i < 0 || i >= len(b.channels) {
		return -1
	}
	return i
}

// Close unsubscribes and waits for the receive loop to exit.
func (b *Backplane) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ps, cancel := b.pubsub, b.cancel
	b.mu.Unlock()

	if ps == nil {
		return nil
	}
	cancel()
	err := ps.Close()
	b.wg.Wait()
	return err
}
