package messaging

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dmitrymomot/signalbus/core/logger"
)

// MessageBus is the surface transports use.
type MessageBus interface {
	Publish(ctx context.Context, msg *Message) error
	Subscribe(subscriber *Subscriber, cursor string, cb Callback, maxMessages int) (*Handle, error)
}

// Bus is the in-process topic registry. It stores published messages per
// topic, wires subscriptions to topics and schedules them on its Broker.
type Bus struct {
	logger   *slog.Logger
	clock    clock.Clock
	broker   *Broker
	minifier StringMinifier
	factory  SubscriptionFactory

	bufferSize      int
	topicTTL        time.Duration
	maxIdleTopics   int
	maxMessages     int
	shutdownTimeout time.Duration

	topics     sync.Map // string -> *Topic
	topicCount atomic.Int64

	gcRunning atomic.Bool
	gcTicker  *clock.Ticker
	gcStop    chan struct{}
	gcDone    chan struct{}
	closed    atomic.Bool

	published     atomic.Int64
	delivered     atomic.Int64
	topicsCreated atomic.Int64
	topicsRemoved atomic.Int64
	subsCurrent   atomic.Int64
	subsTotal     atomic.Int64
	gcRuns        atomic.Int64
}

var _ MessageBus = (*Bus)(nil)

// New creates a bus and starts its garbage collector.
func New(opts ...Option) *Bus {
	o := &options{
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:           clock.New(),
		minifier:        identityMinifier{},
		bufferSize:      DefaultMessageBufferSize,
		topicTTL:        DefaultTopicTTL,
		gcInterval:      DefaultGCInterval,
		maxIdleTopics:   DefaultMaxTopicsWithNoSubscriptions,
		maxMessages:     DefaultMaxMessages,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	b := &Bus{
		logger:          o.logger,
		clock:           o.clock,
		broker:          NewBroker(o.logger),
		minifier:        o.minifier,
		bufferSize:      o.bufferSize,
		topicTTL:        o.topicTTL,
		maxIdleTopics:   o.maxIdleTopics,
		maxMessages:     o.maxMessages,
		shutdownTimeout: o.shutdownTimeout,
		gcStop:          make(chan struct{}),
		gcDone:          make(chan struct{}),
	}

	if o.factory != nil {
		b.factory = o.factory(b)
	} else {
		b.factory = b.newDefaultSubscription
	}

	b.gcTicker = b.clock.Ticker(o.gcInterval)
	go b.gcLoop()

	return b
}

// NewFromConfig creates a bus from configuration. Options override config values.
func NewFromConfig(cfg Config, opts ...Option) *Bus {
	return New(append(ConfigOptions(cfg), opts...)...)
}

func (b *Bus) newDefaultSubscription(cfg SubscriptionConfig) Subscription {
	return NewDefaultSubscription(cfg, b.Topic, b.minifier, b.logger)
}

// Logger returns the bus logger so wrappers can log consistently.
func (b *Bus) Logger() *slog.Logger {
	return b.logger
}

// Clock returns the clock used for topic timestamps.
func (b *Bus) Clock() clock.Clock {
	return b.clock
}

// Broker returns the scheduler driving subscription work.
func (b *Bus) Broker() *Broker {
	return b.broker
}

// Publish appends msg to its topic, creating the topic if needed, and
// schedules the topic's subscriptions.
func (b *Bus) Publish(_ context.Context, msg *Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrBusClosed
	}

	topic := b.liveTopic(msg.Key)
	topic.Store().Add(msg)
	topic.MarkUsed()
	b.published.Add(1)

	b.scheduleTopic(topic)
	return nil
}

// Save appends msg to its topic without scheduling and returns the local id
// together with the topic that stored it. Scale-out receive paths use it to
// build mappings before subscriptions are woken up.
func (b *Bus) Save(msg *Message) (uint64, *Topic) {
	topic := b.liveTopic(msg.Key)
	id := topic.Store().Add(msg)
	topic.MarkUsed()
	return id, topic
}

// ScheduleEvent wakes the subscriptions of the topic for key, if it exists.
func (b *Bus) ScheduleEvent(key string) {
	if t, ok := b.Topic(key); ok {
		b.scheduleTopic(t)
	}
}

// CountPublished records a publish handled outside Publish.
func (b *Bus) CountPublished(n int) {
	b.published.Add(int64(n))
}

func (b *Bus) scheduleTopic(t *Topic) {
	t.forEachSubscription(b.broker.Schedule)
}

// Subscribe registers a subscription for the subscriber's keys. An empty
// cursor starts at the current head of each topic; a non-empty cursor
// resumes from it and schedules an immediate drain. Disposing the returned
// handle delivers a final terminal result to cb.
func (b *Bus) Subscribe(subscriber *Subscriber, cursor string, cb Callback, maxMessages int) (*Handle, error) {
	if subscriber == nil {
		return nil, ErrNilSubscriber
	}
	if cb == nil {
		return nil, ErrNilCallback
	}
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if maxMessages <= 0 {
		maxMessages = b.maxMessages
	}

	keys := subscriber.EventKeys()
	sub := b.factory(SubscriptionConfig{
		Identity:    subscriber.Identity(),
		EventKeys:   keys,
		Cursor:      cursor,
		Callback:    b.countDelivered(cb),
		MaxMessages: maxMessages,
	})

	topics := make([]*Topic, 0, len(keys))
	for _, key := range keys {
		t := b.GetTopic(key)
		sub.SetEventTopic(key, t)
		topics = append(topics, t)
	}

	h := &Handle{bus: b, subscriber: subscriber, subscription: sub}
	h.binding = subscriber.bind(
		func(key string) { b.addEvent(sub, key) },
		func(key string) { b.removeEvent(sub, key) },
		sub.Cursor,
	)
	sub.SetDisposer(h.Dispose)

	// Registering last keeps publishers from scheduling a half-built subscription.
	for i, t := range topics {
		b.attach(sub, keys[i], t)
	}
	b.subsCurrent.Add(1)
	b.subsTotal.Add(1)

	b.logger.Debug("subscribed",
		logger.Subscriber(subscriber.Identity()),
		logger.Count("keys", len(keys)),
		slog.Bool("resumed", cursor != ""))

	if cursor != "" {
		b.broker.Schedule(sub)
	}
	return h, nil
}

func (b *Bus) countDelivered(cb Callback) Callback {
	return func(ctx context.Context, r MessageResult) (bool, error) {
		b.delivered.Add(int64(r.TotalCount))
		return cb(ctx, r)
	}
}

func (b *Bus) addEvent(sub Subscription, key string) {
	t := b.GetTopic(key)
	if sub.AddEvent(key, t) {
		b.attach(sub, key, t)
	}
}

// attach registers sub on t. A sweep may kill t after GetTopic returned it;
// sub then moves to the live topic for key.
func (b *Bus) attach(sub Subscription, key string, t *Topic) {
	for {
		t.AddSubscription(sub)
		if t.State() != TopicDead {
			return
		}
		t.RemoveSubscription(sub)
		t = b.GetTopic(key)
		sub.SetEventTopic(key, t)
	}
}

func (b *Bus) removeEvent(sub Subscription, key string) {
	if t, ok := b.Topic(key); ok {
		t.RemoveSubscription(sub)
	}
	sub.RemoveEvent(key)
}

func (b *Bus) disposeSubscription(h *Handle) {
	sub := h.subscription
	sub.Dispose()

	if _, err := sub.Invoke(context.Background(), MessageResult{Terminal: true}); err != nil {
		b.logger.Debug("terminal callback failed",
			logger.Subscriber(sub.Identity()),
			logger.Error(err))
	}

	h.subscriber.unbind(h.binding)
	for _, key := range sub.EventKeys() {
		if t, ok := b.Topic(key); ok {
			t.RemoveSubscription(sub)
		}
	}
	b.subsCurrent.Add(-1)
}

// GetTopic returns the live topic for key, creating it when needed, and
// marks it as having subscriptions. A topic observed as Dead is never
// reused; the lookup is retried until a live topic is found.
func (b *Bus) GetTopic(key string) *Topic {
	for {
		t := b.getOrCreateTopic(key)
		if t.markSubscribed() {
			t.MarkUsed()
			return t
		}
		runtime.Gosched()
	}
}

// Topic looks up a live topic without creating it.
func (b *Bus) Topic(key string) (*Topic, bool) {
	v, ok := b.topics.Load(key)
	if !ok {
		return nil, false
	}
	t := v.(*Topic)
	if t.State() == TopicDead {
		return nil, false
	}
	return t, true
}

// Topics returns a snapshot of the live topics.
func (b *Bus) Topics() []*Topic {
	var out []*Topic
	b.topics.Range(func(_, v any) bool {
		if t := v.(*Topic); t.State() != TopicDead {
			out = append(out, t)
		}
		return true
	})
	return out
}

// liveTopic returns a non-Dead topic for key without changing its state.
func (b *Bus) liveTopic(key string) *Topic {
	for {
		t := b.getOrCreateTopic(key)
		if t.State() != TopicDead {
			return t
		}
		runtime.Gosched()
	}
}

func (b *Bus) getOrCreateTopic(key string) *Topic {
	if v, ok := b.topics.Load(key); ok {
		return v.(*Topic)
	}

	v, loaded := b.topics.LoadOrStore(key, newTopic(key, b.bufferSize, b.topicTTL, b.clock))
	if !loaded {
		b.topicCount.Add(1)
		b.topicsCreated.Add(1)
		b.logger.Debug("topic created", logger.Topic(key))
	}
	return v.(*Topic)
}

// removeTopic detaches a Dead topic from the registry.
func (b *Bus) removeTopic(t *Topic, forgetKey bool) {
	if !b.topics.CompareAndDelete(t.Key(), t) {
		return
	}
	b.topicCount.Add(-1)
	b.topicsRemoved.Add(1)
	if forgetKey {
		b.minifier.RemoveUnminified(t.Key())
	}
	b.logger.Debug("topic removed", logger.Topic(t.Key()))
}

// Close stops the collector and the broker and drops every topic.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(b.gcStop)
	<-b.gcDone
	b.gcTicker.Stop()
	// CollectGarbage may also run outside the ticker loop
	for b.gcRunning.Load() {
		time.Sleep(10 * time.Millisecond)
	}

	err := b.broker.Close(b.shutdownTimeout)

	b.topics.Range(func(k, _ any) bool {
		b.topics.Delete(k)
		return true
	})
	b.topicCount.Store(0)

	b.logger.Info("message bus closed")
	return err
}

// Run provides errgroup compatibility: it blocks until ctx is done and closes the bus.
func (b *Bus) Run(ctx context.Context) func() error {
	return func() error {
		<-ctx.Done()
		return b.Close()
	}
}

func validateMessage(msg *Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	if msg.Key == "" {
		return ErrEmptyKey
	}
	return nil
}

// Handle is returned by Subscribe. Disposing it ends the subscription.
type Handle struct {
	bus          *Bus
	subscriber   *Subscriber
	subscription Subscription
	binding      uint64
	disposed     atomic.Bool
}

// Dispose stops delivery, sends the terminal result and detaches the
// subscription from its topics. It is safe to call more than once.
func (h *Handle) Dispose() {
	if !h.disposed.CompareAndSwap(false, true) {
		return
	}
	h.bus.disposeSubscription(h)
}

// Close implements io.Closer.
func (h *Handle) Close() error {
	h.Dispose()
	return nil
}

func (h *Handle) Subscription() Subscription {
	return h.subscription
}

// Cursor returns the subscription's current resume token.
func (h *Handle) Cursor() string {
	return h.subscription.Cursor()
}
