package messaging_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/signalbus/core/messaging"
)

func TestSubscriptionBase_QueuedState(t *testing.T) {
	t.Parallel()

	sub, _ := newCounterSubscription(func(context.Context, messaging.MessageResult) (bool, error) {
		return true, nil
	})

	assert.True(t, sub.SetQueued(), "first schedule starts a worker")
	assert.False(t, sub.SetQueued(), "second schedule piggybacks")
	assert.True(t, sub.UnsetQueued(), "pending schedule forces another pass")

	require.NoError(t, sub.Work(context.Background()))
	assert.False(t, sub.UnsetQueued(), "drained with nothing pending")
	assert.True(t, sub.SetQueued())
}

func TestSubscriptionBase_Dispose(t *testing.T) {
	t.Parallel()

	t.Run("runs disposer once", func(t *testing.T) {
		t.Parallel()
		sub, _ := newCounterSubscription(func(context.Context, messaging.MessageResult) (bool, error) {
			return true, nil
		})
		var calls atomic.Int32
		sub.SetDisposer(func() { calls.Add(1) })

		sub.Dispose()
		sub.Dispose()
		assert.Equal(t, int32(1), calls.Load())
		assert.False(t, sub.Alive())
	})

	t.Run("only terminal results after dispose", func(t *testing.T) {
		t.Parallel()
		var got []bool
		sub, _ := newCounterSubscription(func(_ context.Context, r messaging.MessageResult) (bool, error) {
			got = append(got, r.Terminal)
			return true, nil
		})
		sub.Dispose()

		more, err := sub.Invoke(context.Background(), messaging.MessageResult{TotalCount: 1})
		require.NoError(t, err)
		assert.False(t, more)

		_, err = sub.Invoke(context.Background(), messaging.MessageResult{Terminal: true})
		require.NoError(t, err)
		assert.Equal(t, []bool{true}, got)
	})

	t.Run("waits for running callback", func(t *testing.T) {
		t.Parallel()
		entered := make(chan struct{})
		var finished atomic.Bool
		sub, d := newCounterSubscription(func(context.Context, messaging.MessageResult) (bool, error) {
			close(entered)
			time.Sleep(20 * time.Millisecond)
			finished.Store(true)
			return true, nil
		})
		d.pending.Add(1)

		done := make(chan error, 1)
		go func() { done <- sub.Work(context.Background()) }()
		<-entered

		sub.Dispose()
		assert.True(t, finished.Load(), "dispose returned after the callback")
		require.NoError(t, <-done)
	})

	t.Run("terminal during a running callback follows it", func(t *testing.T) {
		t.Parallel()
		entered := make(chan struct{})
		release := make(chan struct{})
		var (
			mu     sync.Mutex
			events []string
		)
		record := func(e string) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, e)
		}
		sub, d := newCounterSubscription(func(_ context.Context, r messaging.MessageResult) (bool, error) {
			if r.Terminal {
				record("terminal")
				return false, nil
			}
			close(entered)
			<-release
			record("batch")
			return true, nil
		})
		d.pending.Add(1)

		done := make(chan error, 1)
		go func() { done <- sub.Work(context.Background()) }()
		<-entered

		more, err := sub.Invoke(context.Background(), messaging.MessageResult{Terminal: true})
		require.NoError(t, err)
		assert.False(t, more)

		close(release)
		require.NoError(t, <-done)
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"batch", "terminal"}, events)
	})
}

func TestSubscriptionBase_WorkStopsOnCancel(t *testing.T) {
	t.Parallel()

	sub, d := newCounterSubscription(func(context.Context, messaging.MessageResult) (bool, error) {
		return true, nil
	})
	d.pending.Add(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sub.Work(ctx), context.Canceled)
	assert.Equal(t, int64(0), d.delivered.Load())
}

func TestSubscriptionBase_PanicBecomesError(t *testing.T) {
	t.Parallel()

	sub, d := newCounterSubscription(func(context.Context, messaging.MessageResult) (bool, error) {
		panic("boom")
	})
	d.pending.Add(1)
	assert.ErrorIs(t, sub.Work(context.Background()), messaging.ErrCallbackPanic)
}

func TestSubscriptionBase_EventKeys(t *testing.T) {
	t.Parallel()

	sub, _ := newCounterSubscription(nil)
	assert.True(t, sub.AddEvent("extra", nil))
	assert.False(t, sub.AddEvent("extra", nil))
	assert.ElementsMatch(t, []string{"k", "extra"}, sub.EventKeys())

	sub.RemoveEvent("k")
	assert.Equal(t, []string{"extra"}, sub.EventKeys())
	assert.True(t, sub.HasEventKey("extra"))
	assert.Equal(t, 10, sub.MaxMessages())
}
