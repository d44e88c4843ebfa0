package messaging

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/dmitrymomot/signalbus/core/logger"
)

// TopicLookup finds a live topic by key.
type TopicLookup func(key string) (*Topic, bool)

// DefaultSubscription reads each followed topic's store from its own cursor.
type DefaultSubscription struct {
	*SubscriptionBase

	minifier StringMinifier

	mu      sync.Mutex
	cursors []Cursor
	topics  []*Topic // parallel to cursors, nil until bound
}

type cursorUpdate struct {
	key   string
	topic *Topic
	id    uint64
}

// NewDefaultSubscription creates a subscription positioned by cfg.Cursor, or
// at the current head of every followed topic when the cursor is empty or
// cannot be parsed.
func NewDefaultSubscription(cfg SubscriptionConfig, lookup TopicLookup, minifier StringMinifier, log *slog.Logger) *DefaultSubscription {
	if minifier == nil {
		minifier = identityMinifier{}
	}

	s := &DefaultSubscription{minifier: minifier}
	s.SubscriptionBase = NewSubscriptionBase(cfg.Identity, cfg.EventKeys, cfg.Callback, cfg.MaxMessages, s)

	var cursors []Cursor
	if cfg.Cursor != "" {
		parsed, err := ParseCursors(cfg.Cursor, "", minifier.Unminify)
		if err != nil {
			if log != nil {
				level := slog.LevelWarn
				if errors.Is(err, ErrCursorKeyNotFound) {
					level = slog.LevelDebug
				}
				log.Log(context.Background(), level, "cursor rejected, starting at topic heads",
					logger.Subscriber(cfg.Identity), logger.Error(err))
			}
		} else {
			cursors = s.repair(parsed, cfg.EventKeys, lookup)
		}
	}
	if cursors == nil {
		cursors = make([]Cursor, 0, len(cfg.EventKeys))
		for _, key := range cfg.EventKeys {
			var head uint64
			if t, ok := lookup(key); ok {
				head = t.Store().Count()
			}
			cursors = append(cursors, NewMinifiedCursor(key, head, minifier.Minify(key)))
		}
	}

	s.cursors = cursors
	s.topics = make([]*Topic, len(cursors))
	return s
}

// repair drops cursors for keys no longer followed and rewinds cursors that
// point past the end of their topic, which happens after a topic was recreated.
func (s *DefaultSubscription) repair(cursors []Cursor, keys []string, lookup TopicLookup) []Cursor {
	out := cursors[:0]
	for _, c := range cursors {
		if !slices.Contains(keys, c.Key) {
			continue
		}
		if t, ok := lookup(c.Key); !ok || c.ID > t.Store().Count() {
			c.ID = 0
		}
		out = append(out, c)
	}
	return out
}

func (s *DefaultSubscription) AddEvent(key string, topic *Topic) bool {
	s.SubscriptionBase.AddEvent(key, topic)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index(key) >= 0 {
		return false
	}
	s.cursors = append(s.cursors, NewMinifiedCursor(key, head(topic), s.minifier.Minify(key)))
	s.topics = append(s.topics, topic)
	return true
}

func (s *DefaultSubscription) RemoveEvent(key string) {
	s.SubscriptionBase.RemoveEvent(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.index(key); i >= 0 {
		s.cursors = slices.Delete(s.cursors, i, i+1)
		s.topics = slices.Delete(s.topics, i, i+1)
	}
}

// SetEventTopic binds key to topic. Rebinding to a different topic restarts
// the cursor at the beginning of the new store.
func (s *DefaultSubscription) SetEventTopic(key string, topic *Topic) {
	s.SubscriptionBase.SetEventTopic(key, topic)

	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(key)
	if i < 0 {
		s.cursors = append(s.cursors, NewMinifiedCursor(key, head(topic), s.minifier.Minify(key)))
		s.topics = append(s.topics, topic)
		return
	}
	if prev := s.topics[i]; prev != nil && prev != topic {
		s.cursors[i].ID = 0
	}
	s.topics[i] = topic
}

func (s *DefaultSubscription) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return renderCursors(s.cursors, "")
}

// Cursors returns a copy of the current read positions.
func (s *DefaultSubscription) Cursors() []Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.cursors)
}

func (s *DefaultSubscription) PerformWork() ([][]*Message, int, any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		items   [][]*Message
		total   int
		updates = make([]cursorUpdate, 0, len(s.cursors))
	)
	for i, c := range s.cursors {
		t := s.topics[i]
		if t == nil {
			continue
		}
		r := t.Store().GetMessages(c.ID, s.MaxMessages())
		updates = append(updates, cursorUpdate{key: c.Key, topic: t, id: r.FirstID + uint64(len(r.Messages))})
		if len(r.Messages) > 0 {
			items = append(items, r.Messages)
			total += len(r.Messages)
		}
	}
	return items, total, updates
}

func (s *DefaultSubscription) BeforeInvoke(state any) {
	updates, _ := state.([]cursorUpdate)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		// a rebind since PerformWork already reset this cursor
		if i := s.index(u.key); i >= 0 && s.topics[i] == u.topic {
			s.cursors[i].ID = u.id
		}
	}
}

func (s *DefaultSubscription) index(key string) int {
	return slices.IndexFunc(s.cursors, func(c Cursor) bool { return c.Key == key })
}

func head(t *Topic) uint64 {
	if t == nil {
		return 0
	}
	return t.Store().Count()
}
