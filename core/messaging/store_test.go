package messaging_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/signalbus/core/messaging"
)

func values(n int) []*int {
	out := make([]*int, n)
	for i := range out {
		v := i
		out[i] = &v
	}
	return out
}

func TestStore_AddAndRead(t *testing.T) {
	t.Parallel()

	s := messaging.NewStore[int](32)
	for i, v := range values(10) {
		assert.Equal(t, uint64(i), s.Add(v))
	}
	assert.Equal(t, uint64(10), s.Count())

	t.Run("up to date reader gets nothing", func(t *testing.T) {
		r := s.GetMessages(10, 100)
		assert.Equal(t, uint64(10), r.FirstID)
		assert.Empty(t, r.Messages)
		assert.False(t, r.HasMoreData)
	})

	t.Run("reads within a fragment", func(t *testing.T) {
		r := s.GetMessages(3, 2)
		assert.Equal(t, uint64(3), r.FirstID)
		require.Len(t, r.Messages, 2)
		assert.Equal(t, 3, *r.Messages[0])
		assert.Equal(t, 4, *r.Messages[1])
		assert.True(t, r.HasMoreData)
	})

	t.Run("stops at fragment boundary", func(t *testing.T) {
		// capacity 32 gives fragments of 8
		r := s.GetMessages(0, 100)
		assert.Len(t, r.Messages, 8)
		assert.True(t, r.HasMoreData)

		r = s.GetMessages(8, 100)
		assert.Len(t, r.Messages, 2)
		assert.False(t, r.HasMoreData)
	})

	t.Run("get by id", func(t *testing.T) {
		v, ok := s.Get(7)
		require.True(t, ok)
		assert.Equal(t, 7, *v)

		_, ok = s.Get(10)
		assert.False(t, ok)
	})
}

func TestStore_Wraps(t *testing.T) {
	t.Parallel()

	s := messaging.NewStore[int](32)
	require.Equal(t, 32, s.Capacity())

	for _, v := range values(100) {
		s.Add(v)
	}

	// five fragments of eight: ids 64..99 are retained
	assert.Equal(t, uint64(64), s.MinID())

	_, ok := s.Get(10)
	assert.False(t, ok, "overwritten ids are gone")

	r := s.GetMessages(10, 0)
	assert.Equal(t, uint64(64), r.FirstID, "lagging reader skips to oldest retained id")
	require.NotEmpty(t, r.Messages)
	assert.Equal(t, 64, *r.Messages[0])
	assert.True(t, r.HasMoreData)

	// reading forward from the skip point reaches the end without gaps
	next := r.FirstID
	seen := 0
	for {
		r := s.GetMessages(next, 3)
		if len(r.Messages) == 0 {
			break
		}
		require.Equal(t, next, r.FirstID)
		for i, v := range r.Messages {
			assert.Equal(t, int(next)+i, *v)
		}
		next += uint64(len(r.Messages))
		seen += len(r.Messages)
	}
	assert.Equal(t, 36, seen)
}

func TestStore_MinimumCapacity(t *testing.T) {
	t.Parallel()
	assert.GreaterOrEqual(t, messaging.NewStore[int](1).Capacity(), 32)
	assert.GreaterOrEqual(t, messaging.NewStore[int](1000).Capacity(), 1000)
}

func TestStore_ConcurrentAdd(t *testing.T) {
	t.Parallel()

	const (
		writers = 8
		perG    = 500
	)
	s := messaging.NewStore[int](writers * perG)

	ids := make([][]uint64, writers)
	var wg sync.WaitGroup
	for g := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, v := range values(perG) {
				ids[g] = append(ids[g], s.Add(v))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(writers*perG), s.Count())

	seen := make(map[uint64]struct{}, writers*perG)
	for _, list := range ids {
		for i, id := range list {
			if i > 0 {
				assert.Greater(t, id, list[i-1], "ids from one writer increase")
			}
			_, dup := seen[id]
			require.False(t, dup, "id %d issued twice", id)
			seen[id] = struct{}{}
		}
	}
	assert.Len(t, seen, writers*perG)

	// every id is readable with no holes
	var read int
	for next := uint64(0); ; {
		r := s.GetMessages(next, 0)
		if len(r.Messages) == 0 {
			break
		}
		next = r.FirstID + uint64(len(r.Messages))
		read += len(r.Messages)
	}
	assert.Equal(t, writers*perG, read)
}
