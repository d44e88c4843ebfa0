package messaging_test

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/signalbus/core/messaging"
)

func topicKeys(b *messaging.Bus) []string {
	var keys []string
	for _, t := range b.Topics() {
		keys = append(keys, t.Key())
	}
	slices.Sort(keys)
	return keys
}

// sweepGate holds a sweep at its closing log record until released.
type sweepGate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newSweepGate() *sweepGate {
	return &sweepGate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *sweepGate) logger() *slog.Logger {
	return slog.New(gateHandler{g})
}

type gateHandler struct{ gate *sweepGate }

func (h gateHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h gateHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Message == "topic gc finished" {
		h.gate.once.Do(func() { close(h.gate.entered) })
		<-h.gate.release
	}
	return nil
}

func (h gateHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h gateHandler) WithGroup(string) slog.Handler      { return h }

func publishTopics(t *testing.T, b *messaging.Bus, n int) {
	t.Helper()
	for i := range n {
		require.NoError(t, b.Publish(context.Background(), messaging.NewStringMessage("src", fmt.Sprintf("t%d", i), "x")))
	}
}

func TestCollectGarbage_ExpiresUnusedTopics(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	b := newBus(t, messaging.WithClock(mock), messaging.WithTopicTTL(time.Minute))
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, messaging.NewStringMessage("src", "old", "x")))
	mock.Add(90 * time.Second)
	require.NoError(t, b.Publish(ctx, messaging.NewStringMessage("src", "fresh", "x")))

	b.CollectGarbage()
	assert.Equal(t, []string{"fresh"}, topicKeys(b))
	assert.Equal(t, int64(1), b.Stats().TopicsRemoved)

	_, ok := b.Topic("old")
	assert.False(t, ok)
}

func TestCollectGarbage_Idempotent(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	b := newBus(t,
		messaging.WithClock(mock),
		messaging.WithTopicTTL(time.Minute),
		messaging.WithMaxTopicsWithNoSubscriptions(2),
	)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Publish(ctx, messaging.NewStringMessage("src", k, "x")))
		mock.Add(20 * time.Second)
	}
	h, err := b.Subscribe(messaging.NewSubscriber("c", "e"), "", newRecorder().callback, 0)
	require.NoError(t, err)
	t.Cleanup(h.Dispose)

	b.CollectGarbage()
	once := topicKeys(b)
	b.CollectGarbage()
	assert.Equal(t, once, topicKeys(b))
	assert.Equal(t, int64(2), b.Stats().GCRuns)
}

func TestCollectGarbage_EvictsOldestIdleTopics(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	b := newBus(t,
		messaging.WithClock(mock),
		messaging.WithTopicTTL(0),
		messaging.WithMaxTopicsWithNoSubscriptions(2),
	)
	ctx := context.Background()
	for _, k := range []string{"t0", "t1", "t2", "t3", "t4"} {
		require.NoError(t, b.Publish(ctx, messaging.NewStringMessage("src", k, "x")))
		mock.Add(time.Second)
	}
	// a subscribed topic never counts against the idle ceiling
	h, err := b.Subscribe(messaging.NewSubscriber("c", "t0"), "", newRecorder().callback, 0)
	require.NoError(t, err)
	t.Cleanup(h.Dispose)

	b.CollectGarbage()
	assert.Equal(t, []string{"t0", "t3", "t4"}, topicKeys(b))

	t3, ok := b.Topic("t3")
	require.True(t, ok)
	assert.Equal(t, messaging.TopicNoSubscriptions, t3.State())
}

func TestCollectGarbage_RebindsLiveSubscriptions(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	b := newBus(t, messaging.WithClock(mock), messaging.WithTopicTTL(time.Minute))
	ctx := context.Background()

	rec := newRecorder()
	h, err := b.Subscribe(messaging.NewSubscriber("c", "room"), "", rec.callback, 0)
	require.NoError(t, err)
	t.Cleanup(h.Dispose)

	before, ok := b.Topic("room")
	require.True(t, ok)

	mock.Add(2 * time.Minute)
	b.CollectGarbage()

	after, ok := b.Topic("room")
	require.True(t, ok)
	assert.NotSame(t, before, after)
	assert.Equal(t, messaging.TopicDead, before.State())
	assert.Equal(t, 1, after.SubscriptionCount())

	require.NoError(t, b.Publish(ctx, messaging.NewStringMessage("src", "room", "after-gc")))
	require.Eventually(t, func() bool { return len(rec.values()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "room,1", h.Cursor())
}

func TestCollectGarbage_RunsOnTicker(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	b := messaging.New(messaging.WithClock(mock), messaging.WithGCInterval(time.Second))
	t.Cleanup(func() { _ = b.Close() })

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return b.Stats().GCRuns > 0
	}, time.Second, 5*time.Millisecond)
}

func TestCollectGarbage_ConcurrentCalls(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	b := newBus(t, messaging.WithClock(mock), messaging.WithTopicTTL(time.Minute))
	publishTopics(t, b, 40)
	mock.Add(2 * time.Minute)

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.CollectGarbage()
		}()
	}
	wg.Wait()

	stats := b.Stats()
	assert.Equal(t, int64(40), stats.TopicsRemoved)
	assert.Equal(t, int64(0), stats.TopicsCurrent)
	assert.Empty(t, b.Topics())
	assert.LessOrEqual(t, stats.GCRuns, int64(32))
}

func TestCollectGarbage_SweepsDoNotOverlap(t *testing.T) {
	t.Parallel()

	gate := newSweepGate()
	mock := clock.NewMock()
	b := newBus(t,
		messaging.WithClock(mock),
		messaging.WithTopicTTL(time.Minute),
		messaging.WithLogger(gate.logger()),
	)
	publishTopics(t, b, 10)
	mock.Add(2 * time.Minute)

	swept := make(chan struct{})
	go func() {
		b.CollectGarbage()
		close(swept)
	}()
	<-gate.entered

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.CollectGarbage()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), b.Stats().GCRuns, "calls during a running sweep return at once")

	close(gate.release)
	<-swept
	assert.Equal(t, int64(10), b.Stats().TopicsRemoved)
}

func TestBus_CloseWaitsForRunningSweep(t *testing.T) {
	t.Parallel()

	gate := newSweepGate()
	b := newBus(t, messaging.WithLogger(gate.logger()))
	publishTopics(t, b, 3)

	swept := make(chan struct{})
	go func() {
		b.CollectGarbage()
		close(swept)
	}()
	<-gate.entered

	closed := make(chan error, 1)
	go func() { closed <- b.Close() }()

	select {
	case <-closed:
		t.Fatal("Close returned while a sweep was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	<-swept
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the sweep finished")
	}

	runs := b.Stats().GCRuns
	b.CollectGarbage()
	assert.Equal(t, runs, b.Stats().GCRuns, "no sweeps after Close")
}
