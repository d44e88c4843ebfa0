package messaging

import (
	"slices"
	"sync"
)

// Subscriber is the transport-side owner of a subscription: an identity and
// the keys it follows. Keys added or removed while subscribed are forwarded
// to the bus, so group membership can change without resubscribing.
type Subscriber struct {
	identity string

	mu        sync.RWMutex
	keys      []string
	onAdded   func(string)
	onRemoved func(string)
	cursor    func() string
	binding   uint64
}

func NewSubscriber(identity string, keys ...string) *Subscriber {
	s := &Subscriber{identity: identity}
	for _, k := range keys {
		if !slices.Contains(s.keys, k) {
			s.keys = append(s.keys, k)
		}
	}
	return s
}

func (s *Subscriber) Identity() string {
	return s.identity
}

// EventKeys returns a copy of the followed keys.
func (s *Subscriber) EventKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.keys)
}

// AddEventKey starts following key.
func (s *Subscriber) AddEventKey(key string) {
	s.mu.Lock()
	if slices.Contains(s.keys, key) {
		s.mu.Unlock()
		return
	}
	s.keys = append(s.keys, key)
	fn := s.onAdded
	s.mu.Unlock()

	if fn != nil {
		fn(key)
	}
}

// RemoveEventKey stops following key.
func (s *Subscriber) RemoveEventKey(key string) {
	s.mu.Lock()
	i := slices.Index(s.keys, key)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	s.keys = slices.Delete(s.keys, i, i+1)
	fn := s.onRemoved
	s.mu.Unlock()

	if fn != nil {
		fn(key)
	}
}

// Cursor returns the resume token of the active subscription, or "" when unsubscribed.
func (s *Subscriber) Cursor() string {
	s.mu.RLock()
	fn := s.cursor
	s.mu.RUnlock()

	if fn == nil {
		return ""
	}
	return fn()
}

// bind attaches the hooks of a new subscription and returns a token for unbind.
func (s *Subscriber) bind(added, removed func(string), cursor func() string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binding++
	s.onAdded, s.onRemoved, s.cursor = added, removed, cursor
	return s.binding
}

// unbind detaches the hooks unless a newer subscription has replaced them.
func (s *Subscriber) unbind(token uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binding == token {
		s.onAdded, s.onRemoved, s.cursor = nil, nil, nil
	}
}
