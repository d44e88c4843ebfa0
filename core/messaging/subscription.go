package messaging

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Callback receives message batches. Returning false ends the subscription;
// a callback that wants to stop should do that rather than dispose its own
// Handle, which holds Dispose for its whole wait bound.
type Callback func(ctx context.Context, result MessageResult) (bool, error)

// Subscription is a subscriber's read position across its topics (or
// scale-out streams) together with the scheduling state the Broker uses.
type Subscription interface {
	Identity() string
	EventKeys() []string
	MaxMessages() int

	// SetQueued records pending work and reports whether the caller must start a worker.
	SetQueued() bool
	// UnsetQueued reports whether more work was queued while the worker drained.
	UnsetQueued() bool
	// Work drains available messages into the callback until none are left.
	Work(ctx context.Context) error
	Invoke(ctx context.Context, result MessageResult) (bool, error)

	AddEvent(key string, topic *Topic) bool
	RemoveEvent(key string)
	SetEventTopic(key string, topic *Topic)

	// Cursor renders the resume token for the current read position.
	Cursor() string

	Alive() bool
	Dispose()
	SetDisposer(fn func())
}

// Drainer is the part a concrete subscription supplies to SubscriptionBase.
type Drainer interface {
	// PerformWork gathers the next batch without moving the read position.
	// state is handed back to BeforeInvoke if the batch is delivered.
	PerformWork() (items [][]*Message, totalCount int, state any)
	// BeforeInvoke commits the read position recorded in state.
	BeforeInvoke(state any)
}

// SubscriptionConfig carries what a SubscriptionFactory needs to build a subscription.
type SubscriptionConfig struct {
	Identity    string
	EventKeys   []string
	Cursor      string
	Callback    Callback
	MaxMessages int
}

// SubscriptionFactory builds the subscription used by Bus.Subscribe.
type SubscriptionFactory func(cfg SubscriptionConfig) Subscription

const (
	queueIdle    int32 = 0
	queueWorking int32 = 1
)

const (
	lifecycleIdle int32 = iota
	lifecycleInvoking
	lifecycleDisposed
)

// disposeSpinLimit bounds how long Dispose waits for an in-flight callback.
const disposeSpinLimit = 120

// SubscriptionBase implements the scheduling and lifecycle parts of
// Subscription. Concrete subscriptions embed it and provide a Drainer.
type SubscriptionBase struct {
	identity    string
	maxMessages int
	callback    Callback
	drainer     Drainer

	keysMu sync.Mutex
	keys   []string

	queued    atomic.Int32
	lifecycle atomic.Int32

	disposeMu sync.Mutex
	disposer  func()

	callMu          sync.Mutex
	calls           int
	terminalPending bool
}

// NewSubscriptionBase creates the shared subscription state. d is usually the
// struct embedding the returned base.
func NewSubscriptionBase(identity string, keys []string, cb Callback, maxMessages int, d Drainer) *SubscriptionBase {
	return &SubscriptionBase{
		identity:    identity,
		maxMessages: maxMessages,
		callback:    cb,
		drainer:     d,
		keys:        slices.Clone(keys),
	}
}

func (s *SubscriptionBase) Identity() string {
	return s.identity
}

func (s *SubscriptionBase) MaxMessages() int {
	return s.maxMessages
}

func (s *SubscriptionBase) EventKeys() []string {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	return slices.Clone(s.keys)
}

// HasEventKey reports whether key is currently followed.
func (s *SubscriptionBase) HasEventKey(key string) bool {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	return slices.Contains(s.keys, key)
}

func (s *SubscriptionBase) SetQueued() bool {
	return s.queued.Add(1) == queueWorking
}

func (s *SubscriptionBase) UnsetQueued() bool {
	return !s.queued.CompareAndSwap(queueWorking, queueIdle)
}

func (s *SubscriptionBase) Alive() bool {
	return s.lifecycle.Load() != lifecycleDisposed
}

func (s *SubscriptionBase) Work(ctx context.Context) error {
	// collapse every Schedule seen so far into this pass
	s.queued.Store(queueWorking)

	for s.Alive() {
		if err := ctx.Err(); err != nil {
			return err
		}

		items, total, state := s.drainer.PerformWork()
		if len(items) == 0 {
			return nil
		}

		more, err := s.invoke(ctx, MessageResult{Messages: items, TotalCount: total}, state, true)
		if err != nil {
			return err
		}
		if !more {
			s.Dispose()
			return nil
		}
	}
	return nil
}

// Invoke calls the callback outside of Work. After Dispose only terminal
// results are delivered.
func (s *SubscriptionBase) Invoke(ctx context.Context, result MessageResult) (bool, error) {
	return s.invoke(ctx, result, nil, false)
}

func (s *SubscriptionBase) invoke(ctx context.Context, result MessageResult, state any, commit bool) (bool, error) {
	if !s.lifecycle.CompareAndSwap(lifecycleIdle, lifecycleInvoking) {
		if s.lifecycle.Load() == lifecycleDisposed && !result.Terminal {
			return false, nil
		}
	}
	defer s.lifecycle.CompareAndSwap(lifecycleInvoking, lifecycleIdle)

	if !s.enterCall(result.Terminal) {
		return false, nil
	}

	// The read position moves before the callback runs: a failing callback
	// loses this batch rather than receiving it twice.
	if commit {
		s.drainer.BeforeInvoke(state)
	}
	more, err := s.call(ctx, result)

	for s.leaveCall() {
		_, _ = s.call(ctx, MessageResult{Terminal: true})
	}
	return more, err
}

// enterCall reports whether the callback may run now. A terminal result that
// arrives while a callback runs, including one disposed from inside its own
// callback, is handed to that call and delivered after it returns.
func (s *SubscriptionBase) enterCall(terminal bool) bool {
	s.callMu.Lock()
	defer s.callMu.Unlock()
	if terminal && s.calls > 0 {
		s.terminalPending = true
		return false
	}
	s.calls++
	return true
}

// leaveCall reports whether the caller must deliver a pending terminal result.
func (s *SubscriptionBase) leaveCall() bool {
	s.callMu.Lock()
	defer s.callMu.Unlock()
	s.calls--
	if s.calls > 0 || !s.terminalPending {
		return false
	}
	s.terminalPending = false
	s.calls++
	return true
}

func (s *SubscriptionBase) call(ctx context.Context, result MessageResult) (more bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			more, err = false, fmt.Errorf("%w: %v", ErrCallbackPanic, r)
		}
	}()
	return s.callback(ctx, result)
}

func (s *SubscriptionBase) AddEvent(key string, _ *Topic) bool {
	return s.addKey(key)
}

func (s *SubscriptionBase) RemoveEvent(key string) {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	if i := slices.Index(s.keys, key); i >= 0 {
		s.keys = slices.Delete(s.keys, i, i+1)
	}
}

func (s *SubscriptionBase) SetEventTopic(key string, _ *Topic) {
	s.addKey(key)
}

func (s *SubscriptionBase) addKey(key string) bool {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	if slices.Contains(s.keys, key) {
		return false
	}
	s.keys = append(s.keys, key)
	return true
}

// SetDisposer registers the function run once when the subscription is disposed.
func (s *SubscriptionBase) SetDisposer(fn func()) {
	s.disposeMu.Lock()
	defer s.disposeMu.Unlock()
	s.disposer = fn
}

// Dispose waits briefly for a running callback, marks the subscription
// disposed and runs the disposer. Repeated calls are no-ops.
func (s *SubscriptionBase) Dispose() {
	for i := 0; i < disposeSpinLimit && s.lifecycle.Load() == lifecycleInvoking; i++ {
		if i < 20 {
			runtime.Gosched()
		} else {
			time.Sleep(time.Millisecond)
		}
	}

	if s.lifecycle.Swap(lifecycleDisposed) == lifecycleDisposed {
		return
	}

	s.disposeMu.Lock()
	fn := s.disposer
	s.disposeMu.Unlock()
	if fn != nil {
		fn()
	}
}
