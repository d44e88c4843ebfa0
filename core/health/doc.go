// Package health provides liveness and readiness handlers.
//
//	mux.HandleFunc("GET /health/live", health.Liveness)
//	mux.Handle("GET /health/ready", health.Readiness(log, map[string]health.Check{
//		"redis":    redis.Healthcheck(client),
//		"postgres": pg.Healthcheck(pool),
//	}))
//
// A check is any func(context.Context) error.
package health
