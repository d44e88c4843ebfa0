package scaleout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/signalbus/core/logger"
	"github.com/dmitrymomot/signalbus/core/messaging"
)

// Bus is a messaging.Bus whose publishes travel through a backplane.
// Messages are stored locally only when the backplane delivers them back,
// so every node, the publisher included, sees the same payloads in the same
// per-stream order.
type Bus struct {
	*messaging.Bus

	backplane   Backplane
	streams     *StreamManager
	mappings    []*MappingStore
	nodeID      string
	logger      *slog.Logger
	clock       clock.Clock
	sendTimeout time.Duration

	started atomic.Bool
	closed  atomic.Bool

	payloadsSent     atomic.Int64
	payloadsReceived atomic.Int64
	sendErrors       atomic.Int64
}

var _ messaging.MessageBus = (*Bus)(nil)

// New creates a scale-out bus over bp. Call Start (or Run) to begin receiving.
func New(bp Backplane, opts ...Option) (*Bus, error) {
	if bp == nil {
		return nil, ErrNilBackplane
	}
	count := bp.StreamCount()
	if count <= 0 {
		return nil, ErrInvalidStreamCount
	}

	o := &options{
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:            clock.New(),
		nodeID:           uuid.NewString(),
		behavior:         QueueInitialOnly,
		maxQueueLength:   DefaultMaxQueueLength,
		mappingStoreSize: DefaultMappingStoreSize,
		sendTimeout:      DefaultSendTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	log := o.logger.With(logger.Component("scaleout"), logger.Node(o.nodeID))
	b := &Bus{
		backplane:   bp,
		mappings:    make([]*MappingStore, count),
		nodeID:      o.nodeID,
		logger:      log,
		clock:       o.clock,
		sendTimeout: o.sendTimeout,
	}
	for i := range b.mappings {
		b.mappings[i] = NewMappingStore(o.mappingStoreSize)
	}

	streams, err := NewStreamManager(count, b.send, b.onReceived, o.behavior, o.maxQueueLength, log)
	if err != nil {
		return nil, err
	}
	b.streams = streams

	busOpts := append([]messaging.Option{
		messaging.WithLogger(o.logger),
		messaging.WithClock(o.clock),
	}, o.busOpts...)
	busOpts = append(busOpts, messaging.WithSubscriptionFactory(subscriptionFactory(b.mappings)))
	b.Bus = messaging.New(busOpts...)

	return b, nil
}

// NewFromConfig creates a scale-out bus from configuration. Options override config values.
func NewFromConfig(bp Backplane, cfg Config, busCfg messaging.Config, opts ...Option) (*Bus, error) {
	configOpts := []Option{
		WithQueuingBehavior(cfg.QueueBehavior),
		WithMaxQueueLength(cfg.MaxQueueLength),
		WithMappingStoreSize(cfg.MappingStoreSize),
		WithSendTimeout(cfg.SendTimeout),
		WithBusOptions(messaging.ConfigOptions(busCfg)...),
	}
	return New(bp, append(configOpts, opts...)...)
}

func (b *Bus) NodeID() string {
	return b.nodeID
}

// Streams exposes the per-stream send queues.
func (b *Bus) Streams() *StreamManager {
	return b.streams
}

// MappingStore returns the mapping store of a stream, or nil when out of range.
func (b *Bus) MappingStore(streamIndex int) *MappingStore {
	if streamIndex < 0 || streamIndex >= len(b.mappings) {
		return nil
	}
	return b.mappings[streamIndex]
}

// Start attaches to the backplane. It is a no-op after the first call.
func (b *Bus) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := b.backplane.Start(ctx, b.streams); err != nil {
		b.started.Store(false)
		return fmt.Errorf("failed to start backplane: %w", err)
	}
	b.logger.Info("scaleout bus started", logger.Count("streams", b.streams.Count()))
	return nil
}

// Run provides errgroup compatibility: it starts the bus, blocks until ctx
// is done and closes it.
func (b *Bus) Run(ctx context.Context) func() error {
	return func() error {
		if err := b.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return b.Close()
	}
}

// Publish sends msg to the stream chosen by its source.
func (b *Bus) Publish(ctx context.Context, msg *messaging.Message) error {
	return b.PublishBatch(ctx, []*messaging.Message{msg})
}

// PublishBatch groups msgs by stream and sends the groups concurrently.
// Messages sharing a source keep their relative order.
func (b *Bus) PublishBatch(ctx context.Context, msgs []*messaging.Message) error {
	for _, m := range msgs {
		if m == nil {
			return messaging.ErrNilMessage
		}
		if m.Key == "" {
			return messaging.ErrEmptyKey
		}
	}
	if b.closed.Load() {
		return messaging.ErrBusClosed
	}
	if len(msgs) == 0 {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok && b.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.sendTimeout)
		defer cancel()
	}

	groups := make(map[int][]*messaging.Message)
	var order []int
	for _, m := range msgs {
		i := ShardIndex(m.Source, b.streams.Count())
		if _, ok := groups[i]; !ok {
			order = append(order, i)
		}
		groups[i] = append(groups[i], m)
	}

	var g errgroup.Group
	for _, i := range order {
		payload := EncodePayload(&Payload{Messages: groups[i], ServerCreationTime: b.clock.Now()})
		g.Go(func() error {
			return b.streams.Send(ctx, i, payload)
		})
	}
	return g.Wait()
}

func (b *Bus) send(ctx context.Context, streamIndex int, payload []byte) error {
	if err := b.backplane.Send(ctx, streamIndex, payload); err != nil {
		b.sendErrors.Add(1)
		return fmt.Errorf("failed to send payload on stream %d: %w", streamIndex, err)
	}
	b.payloadsSent.Add(1)
	return nil
}

// onReceived stores the payload's messages, records where they landed and
// wakes the subscriptions of the affected topics.
func (b *Bus) onReceived(streamIndex int, payloadID uint64, p *Payload) {
	if b.closed.Load() || p == nil {
		return
	}

	info := make(map[string][]LocalEventKeyInfo)
	stored := 0
	for _, m := range p.Messages {
		if m == nil || m.Key == "" {
			continue
		}
		m.MappingID = payloadID
		m.StreamIndex = streamIndex
		id, topic := b.Save(m)
		info[m.Key] = append(info[m.Key], LocalEventKeyInfo{ID: id, Store: topic.Store()})
		stored++
	}

	mapping := &Mapping{
		ID:                 payloadID,
		ServerCreationTime: p.ServerCreationTime,
		LocalKeyInfo:       info,
	}
	if b.mappings[streamIndex].Add(mapping) {
		b.logger.Warn("payload id went backwards, mapping store reset",
			logger.Stream(streamIndex),
			logger.PayloadID(payloadID))
	}
	b.payloadsReceived.Add(1)
	b.CountPublished(stored)

	for key := range info {
		b.ScheduleEvent(key)
	}
}

// Close closes the streams, flushing queued sends, then the backplane and the inner bus.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.streams.Close()
	bpErr := b.backplane.Close()
	busErr := b.Bus.Close()

	b.logger.Info("scaleout bus closed")
	return errors.Join(bpErr, busErr)
}
