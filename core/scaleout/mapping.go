package scaleout

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/signalbus/core/messaging"
)

// LocalEventKeyInfo locates one received message in a local topic store.
type LocalEventKeyInfo struct {
	ID    uint64
	Store *messaging.Store[messaging.Message]
}

// Mapping records where the messages of one backplane payload were stored locally.
type Mapping struct {
	ID                 uint64 // backplane payload id
	ServerCreationTime time.Time
	LocalKeyInfo       map[string][]LocalEventKeyInfo
}

// MappingStore keeps the recent mappings of one stream in payload id order.
// Add must be called by a single goroutine; reads are safe concurrently.
type MappingStore struct {
	capacity int
	store    atomic.Pointer[messaging.Store[Mapping]]
	max      atomic.Pointer[Mapping]
	resets   atomic.Int64
}

func NewMappingStore(capacity int) *MappingStore {
	s := &MappingStore{capacity: capacity}
	s.store.Store(messaging.NewStore[Mapping](capacity))
	return s
}

// Add appends m. An id not greater than the current maximum means the
// backplane started over; the store is replaced and Add reports true.
func (s *MappingStore) Add(m *Mapping) (reset bool) {
	if last := s.max.Load(); last != nil && m.ID <= last.ID {
		s.store.Store(messaging.NewStore[Mapping](s.capacity))
		s.resets.Add(1)
		reset = true
	}
	s.store.Load().Add(m)
	s.max.Store(m)
	return reset
}

// MaxMapping returns the most recently added mapping, or nil.
func (s *MappingStore) MaxMapping() *Mapping {
	return s.max.Load()
}

// Count returns the number of mappings added since the last reset.
func (s *MappingStore) Count() uint64 {
	return s.store.Load().Count()
}

// Resets returns how many times the store was replaced.
func (s *MappingStore) Resets() int64 {
	return s.resets.Load()
}

// After returns an enumerator over the mappings with an id greater than id.
// math.MaxUint64 enumerates from the oldest retained mapping.
func (s *MappingStore) After(id uint64) *MappingEnumerator {
	st := s.store.Load()
	return &MappingEnumerator{store: st, next: s.search(st, id)}
}

// search returns the local index of the first mapping with an id greater
// than id. An id beyond the newest mapping predates a reset and starts over.
func (s *MappingStore) search(st *messaging.Store[Mapping], id uint64) uint64 {
	lo, hi := st.MinID(), st.Count()
	if id == math.MaxUint64 {
		return lo
	}
	if last := s.max.Load(); last != nil && id > last.ID {
		return lo
	}
	for lo < hi {
		mid := lo + (hi-lo)/2
		m, ok := st.Get(mid)
		// a slot overwritten during the search is older than anything retained
		if !ok || m.ID <= id {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// MappingEnumerator walks a MappingStore forward from a position.
type MappingEnumerator struct {
	store *messaging.Store[Mapping]
	next  uint64
}

// Next returns the next mapping. Mappings overwritten by the ring are skipped.
func (e *MappingEnumerator) Next() (*Mapping, bool) {
	for {
		if e.next >= e.store.Count() {
			return nil, false
		}
		if m, ok := e.store.Get(e.next); ok {
			e.next++
			return m, true
		}
		if minID := e.store.MinID(); e.next < minID {
			e.next = minID
			continue
		}
		// slot reserved but not yet visible
		return nil, false
	}
}
