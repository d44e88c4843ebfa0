package wstransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dmitrymomot/signalbus/pkg/ratelimiter"
)

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithReadBuffer(size int) Option {
	return func(h *Handler) {
		h.upgrader.ReadBufferSize = size
	}
}

func WithWriteBuffer(size int) Option {
	return func(h *Handler) {
		h.upgrader.WriteBufferSize = size
	}
}

func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(h *Handler) {
		h.upgrader.HandshakeTimeout = timeout
	}
}

func WithOriginCheck(fn func(r *http.Request) bool) Option {
	return func(h *Handler) {
		h.upgrader.CheckOrigin = fn
	}
}

func WithAllowAnyOrigin() Option {
	return func(h *Handler) {
		h.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// WithMaxMessages caps the messages in one frame. Zero uses the bus default.
func WithMaxMessages(n int) Option {
	return func(h *Handler) {
		h.maxMessages = n
	}
}

// WithPingInterval sets how often idle connections are pinged.
func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithSendBuffer sets how many frames may wait for a slow client before
// its subscription is ended.
func WithSendBuffer(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithPublishLimiter limits publish frames per connection identity.
func WithPublishLimiter(l *ratelimiter.Bucket) Option {
	return func(h *Handler) {
		h.limiter = l
	}
}
