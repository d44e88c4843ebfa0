package messaging

import (
	"runtime"
	"sync/atomic"
)

const (
	minStoreCapacity = 32
	minFragmentCount = 4
	maxFragmentSize  = 8192
)

// Store is a fixed-capacity ring of message slots split into fragments.
// Ids start at 0 and grow by one per Add. Once the ring wraps, the oldest
// fragment is replaced and readers that fell behind skip to the oldest
// retained id. Add and GetMessages are safe for concurrent use without locks.
type Store[T any] struct {
	fragmentSize uint64
	fragments    []atomic.Pointer[fragment[T]]
	nextFreeID   atomic.Uint64
}

type fragment[T any] struct {
	num  uint64
	data []atomic.Pointer[T]
}

// StoreResult is a contiguous run of values read from a Store.
type StoreResult[T any] struct {
	FirstID     uint64
	Messages    []*T
	HasMoreData bool
}

// NewStore creates a store that retains at least capacity values.
func NewStore[T any](capacity int) *Store[T] {
	c := uint64(max(capacity, minStoreCapacity))
	size := min((c+minFragmentCount-1)/minFragmentCount, maxFragmentSize)
	// one extra fragment so writers replacing the oldest fragment do not
	// invalidate the window readers are still walking
	count := (c+size-1)/size + 1

	return &Store[T]{
		fragmentSize: size,
		fragments:    make([]atomic.Pointer[fragment[T]], count),
	}
}

// Add appends v and returns its id.
func (s *Store[T]) Add(v *T) uint64 {
	for {
		if id, ok := s.tryAdd(v); ok {
			return id
		}
		runtime.Gosched()
	}
}

func (s *Store[T]) tryAdd(v *T) (uint64, bool) {
	next := s.nextFreeID.Load()
	num, idx, offset := s.offsets(next)
	slot := &s.fragments[idx]
	f := slot.Load()

	switch {
	case f == nil || f.num < num:
		// Only the writer of the first slot installs the fragment; everyone
		// else retries until it is visible.
		if offset != 0 {
			return 0, false
		}
		nf := &fragment[T]{num: num, data: make([]atomic.Pointer[T], s.fragmentSize)}
		nf.data[0].Store(v)
		if slot.CompareAndSwap(f, nf) {
			s.nextFreeID.Add(1)
			return next, true
		}
	case f.num == num:
		for i := offset; i < uint64(len(f.data)); i++ {
			if f.data[i].CompareAndSwap(nil, v) {
				s.nextFreeID.Add(1)
				return next, true
			}
			next++
		}
	}
	return 0, false
}

// GetMessages returns up to maxCount values starting at firstID.
// A maxCount of zero or less reads to the end of the fragment.
// When firstID has already been overwritten the result starts at the oldest
// retained id instead; FirstID always names the id of Messages[0].
func (s *Store[T]) GetMessages(firstID uint64, maxCount int) StoreResult[T] {
	next := s.nextFreeID.Load()
	if next <= firstID {
		return StoreResult[T]{FirstID: firstID}
	}

	num, idx, offset := s.offsets(firstID)
	if f := s.fragments[idx].Load(); f != nil && f.num == num {
		end := min(next, (num+1)*s.fragmentSize)
		count := limit(end-firstID, maxCount)
		return StoreResult[T]{
			FirstID:     firstID,
			Messages:    f.slice(offset, count),
			HasMoreData: firstID+count < next,
		}
	}

	oldest := s.oldestFragment()
	if oldest == nil {
		return StoreResult[T]{FirstID: firstID}
	}
	first := oldest.num * s.fragmentSize
	end := min(next, first+s.fragmentSize)
	count := limit(end-first, maxCount)
	return StoreResult[T]{
		FirstID:     first,
		Messages:    oldest.slice(0, count),
		HasMoreData: first+count < next,
	}
}

// Get returns the value stored under id, if it is still retained.
func (s *Store[T]) Get(id uint64) (*T, bool) {
	if id >= s.nextFreeID.Load() {
		return nil, false
	}
	num, idx, offset := s.offsets(id)
	f := s.fragments[idx].Load()
	if f == nil || f.num != num {
		return nil, false
	}
	v := f.data[offset].Load()
	return v, v != nil
}

// Count returns the number of values ever added, which is also the next id.
func (s *Store[T]) Count() uint64 {
	return s.nextFreeID.Load()
}

// MinID returns the oldest id still retained.
func (s *Store[T]) MinID() uint64 {
	if f := s.oldestFragment(); f != nil {
		return f.num * s.fragmentSize
	}
	return 0
}

// Capacity returns the number of values guaranteed to be retained.
func (s *Store[T]) Capacity() int {
	return int(s.fragmentSize) * (len(s.fragments) - 1)
}

func (s *Store[T]) oldestFragment() *fragment[T] {
	var oldest *fragment[T]
	for i := range s.fragments {
		f := s.fragments[i].Load()
		if f != nil && (oldest == nil || f.num < oldest.num) {
			oldest = f
		}
	}
	return oldest
}

func (s *Store[T]) offsets(id uint64) (num uint64, idx int, offset uint64) {
	num = id / s.fragmentSize
	return num, int(num % uint64(len(s.fragments))), id % s.fragmentSize
}

func (f *fragment[T]) slice(offset, count uint64) []*T {
	out := make([]*T, 0, count)
	for i := offset; i < offset+count && i < uint64(len(f.data)); i++ {
		v := f.data[i].Load()
		if v == nil {
			break
		}
		out = append(out, v)
	}
	return out
}

func limit(n uint64, maxCount int) uint64 {
	if maxCount > 0 && n > uint64(maxCount) {
		return uint64(maxCount)
	}
	return n
}
