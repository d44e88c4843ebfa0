// Package redis connects to Redis for the scale-out backplane and exposes a
// health check for the daemon's readiness endpoint.
//
// Connect validates the URL (redis:// or rediss://), creates a go-redis
// client and pings it, retrying with exponential backoff:
//
//	client, err := redis.Connect(ctx, redis.Config{
//		ConnectionURL: "redis://localhost:6379/0",
//		RetryAttempts: 3,
//		RetryInterval: time.Second,
//	})
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	checks["redis"] = redis.Healthcheck(client)
//
// Errors wrap the package sentinels (ErrEmptyConnectionURL,
// ErrFailedToParseRedisConnString, ErrRedisNotReady, ErrHealthcheckFailed),
// so callers can use errors.Is.
package redis
