package scaleout

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dmitrymomot/signalbus/core/messaging"
)

type options struct {
	logger           *slog.Logger
	clock            clock.Clock
	nodeID           string
	busOpts          []messaging.Option
	behavior         QueuingBehavior
	maxQueueLength   int
	mappingStoreSize int
	sendTimeout      time.Duration
}

// Option configures a scale-out Bus.
type Option func(*options)

// WithLogger sets the logger for the scale-out layer and the inner bus.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock sets the clock stamping payload creation times and driving the inner bus.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		if clk != nil {
			o.clock = clk
		}
	}
}

// WithNodeID names this process in logs. A random id is used by default.
func WithNodeID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.nodeID = id
		}
	}
}

// WithBusOptions passes options through to the inner messaging.Bus.
func WithBusOptions(opts ...messaging.Option) Option {
	return func(o *options) {
		o.busOpts = append(o.busOpts, opts...)
	}
}

func WithQueuingBehavior(b QueuingBehavior) Option {
	return func(o *options) {
		o.behavior = b
	}
}

// WithMaxQueueLength bounds each stream's send queue. Zero is unbounded.
func WithMaxQueueLength(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxQueueLength = n
		}
	}
}

func WithMappingStoreSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.mappingStoreSize = n
		}
	}
}

// WithSendTimeout bounds Publish when the caller's context has no deadline.
func WithSendTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sendTimeout = d
		}
	}
}
