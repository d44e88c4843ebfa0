package scaleout

import (
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/dmitrymomot/signalbus/core/logger"
	"github.com/dmitrymomot/signalbus/core/messaging"
)

// Subscription reads messages through the mapping stores of all streams,
// merging them by payload creation time. Its cursor holds the last payload
// id delivered per stream, keyed by stream index and prefixed with "s-".
type Subscription struct {
	*messaging.SubscriptionBase

	streams []*MappingStore

	mu      sync.Mutex
	cursors []messaging.Cursor // index i belongs to streams[i]
}

var _ messaging.Subscription = (*Subscription)(nil)

// NewSubscription creates a subscription positioned by cfg.Cursor. A cursor
// that is empty, unparsable or written for a different stream count starts
// at the newest mapping of every stream.
func NewSubscription(cfg messaging.SubscriptionConfig, streams []*MappingStore, log *slog.Logger) *Subscription {
	s := &Subscription{streams: streams}
	s.SubscriptionBase = messaging.NewSubscriptionBase(cfg.Identity, cfg.EventKeys, cfg.Callback, cfg.MaxMessages, s)

	if cfg.Cursor != "" {
		cursors, ok := s.parse(cfg.Cursor)
		if ok {
			s.cursors = cursors
			return s
		}
		if log != nil {
			log.Debug("scaleout cursor rejected, starting at newest mappings",
				logger.Subscriber(cfg.Identity),
				logger.Count("streams", len(streams)))
		}
	}
	s.cursors = freshCursors(streams)
	return s
}

func (s *Subscription) parse(raw string) ([]messaging.Cursor, bool) {
	parsed, err := messaging.ParseCursors(raw, CursorPrefix, nil)
	if err != nil || len(parsed) != len(s.streams) {
		return nil, false
	}

	cursors := make([]messaging.Cursor, len(s.streams))
	seen := make([]bool, len(s.streams))
	for _, c := range parsed {
		i, err := strconv.Atoi(c.Key)
		if err != nil || i < 0 || i >= len(s.streams) || seen[i] {
			return nil, false
		}
		seen[i] = true
		cursors[i] = messaging.NewCursor(c.Key, c.ID)
	}
	return cursors, true
}

func freshCursors(streams []*MappingStore) []messaging.Cursor {
	cursors := make([]messaging.Cursor, len(streams))
	for i, st := range streams {
		id := uint64(math.MaxUint64)
		if m := st.MaxMapping(); m != nil {
			id = m.ID
		}
		cursors[i] = messaging.NewCursor(strconv.Itoa(i), id)
	}
	return cursors
}

func (s *Subscription) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sb strings.Builder
	// strings.Builder does not fail
	_ = messaging.WriteCursors(&sb, s.cursors, CursorPrefix)
	return sb.String()
}

// Cursors returns a copy of the per-stream positions.
func (s *Subscription) Cursors() []messaging.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.cursors)
}

type lookahead struct {
	stream  int
	it      *MappingEnumerator
	mapping *Mapping
}

// PerformWork merges the streams by picking, at each step, the pending
// mapping with the earliest creation time. Ties go to the lower stream index.
func (s *Subscription) PerformWork() ([][]*messaging.Message, int, any) {
	s.mu.Lock()
	cursors := slices.Clone(s.cursors)
	s.mu.Unlock()

	heads := make([]*lookahead, 0, len(cursors))
	for i, c := range cursors {
		it := s.streams[i].After(c.ID)
		if m, ok := it.Next(); ok {
			heads = append(heads, &lookahead{stream: i, it: it, mapping: m})
		}
	}

	keys := s.EventKeys()
	limit := s.MaxMessages()
	var (
		items [][]*messaging.Message
		total int
	)
	for len(heads) > 0 && (limit <= 0 || total < limit) {
		best := 0
		for j := 1; j < len(heads); j++ {
			if heads[j].mapping.ServerCreationTime.Before(heads[best].mapping.ServerCreationTime) {
				best = j
			}
		}

		h := heads[best]
		cursors[h.stream].ID = h.mapping.ID
		if segment := extractMessages(h.stream, h.mapping, keys); len(segment) > 0 {
			items = append(items, segment)
			total += len(segment)
		}

		if m, ok := h.it.Next(); ok {
			h.mapping = m
		} else {
			heads = slices.Delete(heads, best, best+1)
		}
	}
	return items, total, cursors
}

// extractMessages reads the messages of mapping stored under keys. Messages
// from another stream, or slots reused for a newer payload, are skipped.
func extractMessages(stream int, mapping *Mapping, keys []string) []*messaging.Message {
	var out []*messaging.Message
	for _, key := range keys {
		for _, info := range mapping.LocalKeyInfo[key] {
			m, ok := info.Store.Get(info.ID)
			if !ok {
				continue
			}
			if m.StreamIndex != stream || m.MappingID != mapping.ID {
				continue
			}
			out = append(out, m)
		}
	}
	return out
}

func (s *Subscription) BeforeInvoke(state any) {
	cursors, ok := state.([]messaging.Cursor)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors = cursors
}

// subscriptionFactory builds scale-out subscriptions for messaging.Bus.Subscribe.
func subscriptionFactory(streams []*MappingStore) func(*messaging.Bus) messaging.SubscriptionFactory {
	return func(b *messaging.Bus) messaging.SubscriptionFactory {
		return func(cfg messaging.SubscriptionConfig) messaging.Subscription {
			return NewSubscription(cfg, streams, b.Logger())
		}
	}
}
