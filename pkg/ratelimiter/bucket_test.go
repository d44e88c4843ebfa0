package ratelimiter_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/signalbus/pkg/ratelimiter"
)

func newBucket(t *testing.T, cfg ratelimiter.Config, opts ...ratelimiter.MemoryStoreOption) (*ratelimiter.Bucket, *ratelimiter.MemoryStore) {
	t.Helper()

	store := ratelimiter.NewMemoryStore(opts...)
	b, err := ratelimiter.NewBucket(store, cfg)
	require.NoError(t, err)
	return b, store
}

func TestNewBucket_Validation(t *testing.T) {
	t.Parallel()

	store := ratelimiter.NewMemoryStore()
	valid := ratelimiter.Config{Capacity: 1, RefillRate: 1, RefillInterval: time.Second}

	tests := []struct {
		name string
		cfg  ratelimiter.Config
	}{
		{name: "zero_capacity", cfg: ratelimiter.Config{RefillRate: 1, RefillInterval: time.Second}},
		{name: "zero_rate", cfg: ratelimiter.Config{Capacity: 1, RefillInterval: time.Second}},
		{name: "zero_interval", cfg: ratelimiter.Config{Capacity: 1, RefillRate: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ratelimiter.NewBucket(store, tt.cfg)
			assert.ErrorIs(t, err, ratelimiter.ErrInvalidConfig)
		})
	}

	_, err := ratelimiter.NewBucket(nil, valid)
	assert.ErrorIs(t, err, ratelimiter.ErrInvalidConfig)
}

func TestBucket_ConsumeAndRefill(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.NewMock()
	b, _ := newBucket(t, ratelimiter.Config{Capacity: 3, RefillRate: 1, RefillInterval: time.Second},
		ratelimiter.WithClock(clk))

	for want := 2; want >= 0; want-- {
		res, err := b.Allow(ctx, "client")
		require.NoError(t, err)
		assert.True(t, res.Allowed())
		assert.Equal(t, want, res.Remaining)
		assert.Equal(t, 3, res.Limit)
		assert.Zero(t, res.RetryAfter())
	}

	res, err := b.Allow(ctx, "client")
	require.NoError(t, err)
	assert.False(t, res.Allowed())
	assert.Equal(t, time.Second, res.RetryAfter())

	// a denied request takes nothing, so one refill is enough for one more
	clk.Add(time.Second)
	res, err = b.Allow(ctx, "client")
	require.NoError(t, err)
	assert.True(t, res.Allowed())
	assert.Equal(t, 0, res.Remaining)

	// other keys have their own bucket
	res, err = b.Allow(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Remaining)
}

func TestBucket_RefillCapsAtCapacity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.NewMock()
	b, _ := newBucket(t, ratelimiter.Config{Capacity: 5, RefillRate: 2, RefillInterval: time.Second},
		ratelimiter.WithClock(clk))

	res, err := b.AllowN(ctx, "client", 5)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Remaining)

	clk.Add(time.Hour)
	res, err = b.Allow(ctx, "client")
	require.NoError(t, err)
	assert.Equal(t, 4, res.Remaining)
}

func TestBucket_AllowNValidation(t *testing.T) {
	t.Parallel()

	b, _ := newBucket(t, ratelimiter.Config{Capacity: 5, RefillRate: 1, RefillInterval: time.Second})
	for _, n := range []int{0, -1, 6} {
		_, err := b.AllowN(context.Background(), "client", n)
		assert.ErrorIs(t, err, ratelimiter.ErrInvalidTokenCount, "n=%d", n)
	}
}

func TestBucket_Reset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, store := newBucket(t, ratelimiter.Config{Capacity: 1, RefillRate: 1, RefillInterval: time.Hour})

	res, err := b.Allow(ctx, "client")
	require.NoError(t, err)
	require.True(t, res.Allowed())
	res, err = b.Allow(ctx, "client")
	require.NoError(t, err)
	require.False(t, res.Allowed())

	require.NoError(t, b.Reset(ctx, "client"))
	res, err = b.Allow(ctx, "client")
	require.NoError(t, err)
	assert.True(t, res.Allowed())

	stats := store.Stats()
	assert.Equal(t, int64(2), stats.BucketsCreated)
	assert.Equal(t, int64(1), stats.BucketsRemoved)
	assert.Equal(t, 1, stats.ActiveBuckets)
}

func TestMemoryStore_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, store := newBucket(t, ratelimiter.Config{Capacity: 1, RefillRate: 1, RefillInterval: time.Hour},
		ratelimiter.WithMaxKeys(2))

	for _, key := range []string{"a", "b", "c"} {
		_, err := b.Allow(ctx, key)
		require.NoError(t, err)
	}
	stats := store.Stats()
	assert.Equal(t, 2, stats.ActiveBuckets)
	assert.Equal(t, int64(1), stats.BucketsRemoved)

	// "a" was evicted and starts over with a full bucket
	res, err := b.Allow(ctx, "a")
	require.NoError(t, err)
	assert.True(t, res.Allowed())
}

func TestBucket_ConcurrentSafety(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newBucket(t, ratelimiter.Config{Capacity: 1000, RefillRate: 100, RefillInterval: time.Hour})

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
		denied  atomic.Int64
	)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				res, err := b.Allow(ctx, "shared")
				if err != nil {
					continue
				}
				if res.Allowed() {
					allowed.Add(1)
				} else {
					denied.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), allowed.Load())
	assert.Equal(t, int64(1000), denied.Load())
}
