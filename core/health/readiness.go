package health

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dmitrymomot/signalbus/core/logger"
)

// Check verifies one dependency.
type Check func(context.Context) error

// DefaultCheckTimeout bounds a readiness probe when the request has no deadline.
const DefaultCheckTimeout = 5 * time.Second

// Readiness answers "READY" when every check passes and 503 otherwise.
// The first failing check is logged and named in the body.
func Readiness(log *slog.Logger, checks map[string]Check) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, DefaultCheckTimeout)
			defer cancel()
		}

		for name, check := range checks {
			if err := check(ctx); err != nil {
				if log != nil {
					log.ErrorContext(ctx, "readiness check failed",
						logger.Component(name),
						logger.Error(err))
				}
				writeStatus(w, http.StatusServiceUnavailable, "NOT READY: "+name)
				return
			}
		}
		writeStatus(w, http.StatusOK, "READY")
	})
}
