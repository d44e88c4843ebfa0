package messaging

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// TopicState is the lifecycle marker that drives topic garbage collection.
type TopicState int32

const (
	TopicCreated TopicState = iota
	TopicHasSubscriptions
	TopicNoSubscriptions
	TopicDead
)

func (s TopicState) String() string {
	switch s {
	case TopicCreated:
		return "created"
	case TopicHasSubscriptions:
		return "has_subscriptions"
	case TopicNoSubscriptions:
		return "no_subscriptions"
	case TopicDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Topic owns the message store for one key and the subscriptions reading it.
// A Dead topic is never reused; callers that observe it must look the key up again.
type Topic struct {
	key   string
	store *Store[Message]
	ttl   time.Duration
	clock clock.Clock

	mu   sync.RWMutex
	subs map[string]Subscription

	state    atomic.Int32
	lastUsed atomic.Int64
}

func newTopic(key string, bufferSize int, ttl time.Duration, clk clock.Clock) *Topic {
	t := &Topic{
		key:   key,
		store: NewStore[Message](bufferSize),
		ttl:   ttl,
		clock: clk,
		subs:  make(map[string]Subscription),
	}
	t.MarkUsed()
	return t
}

func (t *Topic) Key() string {
	return t.key
}

func (t *Topic) Store() *Store[Message] {
	return t.store
}

func (t *Topic) State() TopicState {
	return TopicState(t.state.Load())
}

// LastUsed returns the last time the topic was published to or subscribed.
func (t *Topic) LastUsed() time.Time {
	return time.Unix(0, t.lastUsed.Load())
}

func (t *Topic) MarkUsed() {
	t.lastUsed.Store(t.clock.Now().UnixNano())
}

// IsExpired reports whether the topic has been unused for longer than its TTL.
// A zero TTL never expires.
func (t *Topic) IsExpired() bool {
	if t.ttl <= 0 {
		return false
	}
	return t.clock.Since(t.LastUsed()) > t.ttl
}

// AddSubscription registers s, replacing any subscription with the same identity.
func (t *Topic) AddSubscription(s Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.subs[s.Identity()] = s
	t.state.CompareAndSwap(int32(TopicNoSubscriptions), int32(TopicHasSubscriptions))
	t.state.CompareAndSwap(int32(TopicCreated), int32(TopicHasSubscriptions))
}

// RemoveSubscription unregisters s if it is still the registered instance.
func (t *Topic) RemoveSubscription(s Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.subs[s.Identity()]; ok && cur == s {
		delete(t.subs, s.Identity())
	}
	if len(t.subs) == 0 {
		t.state.CompareAndSwap(int32(TopicHasSubscriptions), int32(TopicNoSubscriptions))
	}
}

// Subscriptions returns a snapshot of the registered subscriptions.
func (t *Topic) Subscriptions() []Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Subscription, 0, len(t.subs))
	for _, s := range t.subs {
		out = append(out, s)
	}
	return out
}

func (t *Topic) SubscriptionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

func (t *Topic) forEachSubscription(fn func(Subscription)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.subs {
		fn(s)
	}
}

// markSubscribed moves the topic to HasSubscriptions. It fails only on a Dead topic.
func (t *Topic) markSubscribed() bool {
	for {
		cur := TopicState(t.state.Load())
		switch cur {
		case TopicDead:
			return false
		case TopicHasSubscriptions:
			return true
		}
		if t.state.CompareAndSwap(int32(cur), int32(TopicHasSubscriptions)) {
			return true
		}
	}
}

// markIdle moves a topic without subscriptions to NoSubscriptions and
// reports whether the topic is in that state afterwards.
func (t *Topic) markIdle() bool {
	t.mu.RLock()
	empty := len(t.subs) == 0
	t.mu.RUnlock()

	if empty {
		t.state.CompareAndSwap(int32(TopicCreated), int32(TopicNoSubscriptions))
		t.state.CompareAndSwap(int32(TopicHasSubscriptions), int32(TopicNoSubscriptions))
	}
	return t.State() == TopicNoSubscriptions
}

// kill moves the topic to Dead from any live state and reports whether this call did it.
func (t *Topic) kill() bool {
	for {
		cur := t.state.Load()
		if TopicState(cur) == TopicDead {
			return false
		}
		if t.state.CompareAndSwap(cur, int32(TopicDead)) {
			return true
		}
	}
}
