package messaging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/signalbus/core/logger"
)

// Broker runs subscription work so that each subscription has at most one
// active worker, and a Schedule that arrives while a worker drains causes
// one more pass instead of a second worker.
type Broker struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
	wg     sync.WaitGroup
	closed atomic.Bool

	allocated atomic.Int64
	busy      atomic.Int64
	scheduled atomic.Int64
	failed    atomic.Int64
}

// BrokerStats is a snapshot of worker activity.
type BrokerStats struct {
	AllocatedWorkers int64 // workers started and not yet finished
	BusyWorkers      int64 // workers currently inside Work
	Scheduled        int64 // workers started since creation
	Failed           int64 // subscriptions dropped after a failed Work
}

// NewBroker creates a broker. A nil logger discards output.
func NewBroker(log *slog.Logger) *Broker {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{logger: log, ctx: ctx, cancel: cancel}
}

// Schedule signals that s may have work. It never blocks.
func (b *Broker) Schedule(s Subscription) {
	if s == nil || b.closed.Load() {
		return
	}
	if !s.SetQueued() {
		return
	}

	// Close must not start waiting between the closed check and Add.
	b.mu.RLock()
	if b.closed.Load() {
		b.mu.RUnlock()
		return
	}
	b.wg.Add(1)
	b.mu.RUnlock()

	b.allocated.Add(1)
	b.scheduled.Add(1)
	go b.work(s)
}

func (b *Broker) work(s Subscription) {
	defer b.wg.Done()
	defer b.allocated.Add(-1)

	for !b.closed.Load() {
		b.busy.Add(1)
		err := b.run(s)
		b.busy.Add(-1)

		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			// The queued state stays non-idle, so later Schedule calls for
			// this subscription are no-ops.
			b.failed.Add(1)
			b.logger.ErrorContext(b.ctx, "subscription work failed, unscheduling",
				logger.Subscriber(s.Identity()),
				logger.Error(err))
			return
		}
		if !s.UnsetQueued() {
			return
		}
	}
}

func (b *Broker) run(s Subscription) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in subscription work: %v", r)
		}
	}()
	return s.Work(b.ctx)
}

// Close stops scheduling, cancels the context passed to Work and waits up
// to timeout for running workers. A timeout of zero waits indefinitely.
func (b *Broker) Close(timeout time.Duration) error {
	b.mu.Lock()
	if !b.closed.CompareAndSwap(false, true) {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: %d broker workers still running after %s",
			ErrShutdownTimeout, b.allocated.Load(), timeout)
	}
}

func (b *Broker) Stats() BrokerStats {
	return BrokerStats{
		AllocatedWorkers: b.allocated.Load(),
		BusyWorkers:      b.busy.Load(),
		Scheduled:        b.scheduled.Load(),
		Failed:           b.failed.Load(),
	}
}
