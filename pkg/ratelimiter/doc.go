// Package ratelimiter provides token bucket rate limiting.
//
// A Bucket holds the limits; a Store keeps per-key state. MemoryStore keeps
// buckets in a bounded LRU, so memory stays flat however many keys are seen.
//
//	limiter, err := ratelimiter.NewBucket(ratelimiter.NewMemoryStore(), ratelimiter.Config{
//		Capacity:       100,
//		RefillRate:     10,
//		RefillInterval: time.Second,
//	})
//
//	res, err := limiter.Allow(ctx, clientip.GetIP(r))
//	if err == nil && !res.Allowed() {
//		w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter().Seconds())+1))
//		w.WriteHeader(http.StatusTooManyRequests)
//		return
//	}
//
// Denied requests take no tokens.
package ratelimiter
