package messaging

import (
	"slices"

	"github.com/dmitrymomot/signalbus/core/logger"
)

func (b *Bus) gcLoop() {
	defer close(b.gcDone)
	for {
		select {
		case <-b.gcStop:
			return
		case <-b.gcTicker.C:
			b.CollectGarbage()
		}
	}
}

// CollectGarbage runs one sweep: expired topics are destroyed, and when
// more than the configured number of topics have no subscriptions, the
// least recently used of them are destroyed down to that number. Sweeps
// never overlap; a call made during a running sweep or after Close returns
// immediately.
func (b *Bus) CollectGarbage() {
	if !b.gcRunning.CompareAndSwap(false, true) {
		return
	}
	defer b.gcRunning.Store(false)
	// Close sets closed before it waits on gcRunning.
	if b.closed.Load() {
		return
	}

	start := b.clock.Now()
	b.gcRuns.Add(1)

	var (
		idle      []*Topic
		expired   int
		evicted   int
		rebounded int
	)
	b.topics.Range(func(_, v any) bool {
		t := v.(*Topic)
		switch {
		case t.State() == TopicDead:
		case t.IsExpired():
			if b.expireTopic(t) {
				expired++
				if t.SubscriptionCount() > 0 {
					rebounded++
				}
			}
		case t.markIdle():
			idle = append(idle, t)
		}
		return true
	})

	if overflow := len(idle) - b.maxIdleTopics; overflow > 0 {
		slices.SortFunc(idle, func(x, y *Topic) int {
			return x.LastUsed().Compare(y.LastUsed())
		})
		for _, t := range idle[:overflow] {
			if t.state.CompareAndSwap(int32(TopicNoSubscriptions), int32(TopicDead)) {
				b.removeTopic(t, true)
				evicted++
			}
		}
	}

	b.logger.Debug("topic gc finished",
		logger.Count("expired", expired),
		logger.Count("evicted", evicted),
		logger.Count("rebound", rebounded),
		logger.Count("idle", len(idle)-evicted),
		logger.Duration(b.clock.Since(start)))
}

// expireTopic kills t and removes it. Live subscriptions still attached to
// it are moved to a fresh topic for the same key, starting at its first message.
func (b *Bus) expireTopic(t *Topic) bool {
	if !t.kill() {
		return false
	}

	subs := t.Subscriptions()
	b.removeTopic(t, len(subs) == 0)
	if len(subs) == 0 {
		return true
	}

	fresh := b.GetTopic(t.Key())
	for _, s := range subs {
		if !s.Alive() {
			continue
		}
		s.SetEventTopic(t.Key(), fresh)
		fresh.AddSubscription(s)
	}
	return true
}
