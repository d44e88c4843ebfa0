package messaging

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// Option configures a Bus.
type Option func(*options)

type options struct {
	logger          *slog.Logger
	clock           clock.Clock
	minifier        StringMinifier
	factory         func(*Bus) SubscriptionFactory
	bufferSize      int
	topicTTL        time.Duration
	gcInterval      time.Duration
	maxIdleTopics   int
	maxMessages     int
	shutdownTimeout time.Duration
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock sets the clock used for topic timestamps and the GC ticker.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		if clk != nil {
			o.clock = clk
		}
	}
}

// WithStringMinifier shortens topic keys written into cursors.
func WithStringMinifier(m StringMinifier) Option {
	return func(o *options) {
		if m != nil {
			o.minifier = m
		}
	}
}

// WithSubscriptionFactory replaces the DefaultSubscription built by Subscribe.
// The bus is passed in so the factory can look up topics.
func WithSubscriptionFactory(fn func(*Bus) SubscriptionFactory) Option {
	return func(o *options) {
		if fn != nil {
			o.factory = fn
		}
	}
}

func WithMessageBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithTopicTTL sets how long an unused topic survives. Zero disables expiry.
func WithTopicTTL(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.topicTTL = d
		}
	}
}

func WithGCInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.gcInterval = d
		}
	}
}

// WithMaxTopicsWithNoSubscriptions caps topics kept without subscribers.
func WithMaxTopicsWithNoSubscriptions(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxIdleTopics = n
		}
	}
}

func WithMaxMessages(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxMessages = n
		}
	}
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}
