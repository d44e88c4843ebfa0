package ratelimiter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxKeys bounds the buckets a MemoryStore keeps.
const DefaultMaxKeys = 10_000

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// MemoryStore keeps buckets in a bounded LRU. An evicted key starts over
// with a full bucket.
type MemoryStore struct {
	mu      sync.Mutex
	buckets *lru.Cache[string, *bucket]
	clock   clock.Clock

	created atomic.Int64
	removed atomic.Int64
}

type MemoryStoreStats struct {
	BucketsCreated int64
	BucketsRemoved int64 // evicted or reset
	ActiveBuckets  int
}

type MemoryStoreOption func(*memoryStoreOptions)

type memoryStoreOptions struct {
	maxKeys int
	clock   clock.Clock
}

func WithMaxKeys(n int) MemoryStoreOption {
	return func(o *memoryStoreOptions) {
		if n > 0 {
			o.maxKeys = n
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clk clock.Clock) MemoryStoreOption {
	return func(o *memoryStoreOptions) {
		if clk != nil {
			o.clock = clk
		}
	}
}

func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	o := memoryStoreOptions{maxKeys: DefaultMaxKeys, clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	ms := &MemoryStore{clock: o.clock}
	// size is always positive, so NewWithEvict cannot fail
	ms.buckets, _ = lru.NewWithEvict(o.maxKeys, func(string, *bucket) {
		ms.removed.Add(1)
	})
	return ms
}

// Now reports the store's clock, so results computed by Bucket agree with it.
func (ms *MemoryStore) Now() time.Time {
	return ms.clock.Now()
}

func (ms *MemoryStore) ConsumeTokens(_ context.Context, key string, tokens int, cfg Config) (int, time.Time, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.clock.Now()
	b, ok := ms.buckets.Get(key)
	if !ok {
		b = &bucket{tokens: cfg.Capacity, lastRefill: now}
		ms.buckets.Add(key, b)
		ms.created.Add(1)
	}

	// cap intervals so a long idle period cannot overflow the token count
	maxIntervals := int64(cfg.Capacity/cfg.RefillRate + 1)
	intervals := int(min(int64(now.Sub(b.lastRefill)/cfg.RefillInterval), maxIntervals))
	if intervals > 0 {
		b.tokens = min(b.tokens+intervals*cfg.RefillRate, cfg.Capacity)
		b.lastRefill = b.lastRefill.Add(time.Duration(intervals) * cfg.RefillInterval)
		if b.tokens == cfg.Capacity {
			b.lastRefill = now
		}
	}

	resetAt := b.lastRefill.Add(cfg.RefillInterval)
	if b.tokens < tokens {
		return b.tokens - tokens, resetAt, nil
	}
	b.tokens -= tokens
	return b.tokens, resetAt, nil
}

func (ms *MemoryStore) Reset(_ context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.buckets.Remove(key)
	return nil
}

func (ms *MemoryStore) Stats() MemoryStoreStats {
	return MemoryStoreStats{
		BucketsCreated: ms.created.Load(),
		BucketsRemoved: ms.removed.Load(),
		ActiveBuckets:  ms.buckets.Len(),
	}
}
