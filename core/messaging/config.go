package messaging

import (
	"time"

	"github.com/dmitrymomot/signalbus/pkg/minifier"
)

// Config holds message bus settings loadable from the environment.
type Config struct {
	// Messages retained per topic before the ring wraps.
	MessageBufferSize int `env:"MESSAGEBUS_BUFFER_SIZE" envDefault:"1000"`

	// Topic garbage collection.
	TopicTTL                     time.Duration `env:"MESSAGEBUS_TOPIC_TTL" envDefault:"2m"`
	GCInterval                   time.Duration `env:"MESSAGEBUS_GC_INTERVAL" envDefault:"15s"`
	MaxTopicsWithNoSubscriptions int           `env:"MESSAGEBUS_MAX_IDLE_TOPICS" envDefault:"5000"`

	// Batch cap for subscribers that do not set their own.
	MaxMessages int `env:"MESSAGEBUS_MAX_MESSAGES" envDefault:"1000"`

	ShutdownTimeout time.Duration `env:"MESSAGEBUS_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Size of the cursor key minification table; 0 writes keys verbatim.
	MinifierSize int `env:"MESSAGEBUS_MINIFIER_SIZE" envDefault:"0"`
}

// DefaultConfig returns a Config with the same values as the env defaults.
func DefaultConfig() Config {
	return Config{
		MessageBufferSize:            DefaultMessageBufferSize,
		TopicTTL:                     DefaultTopicTTL,
		GCInterval:                   DefaultGCInterval,
		MaxTopicsWithNoSubscriptions: DefaultMaxTopicsWithNoSubscriptions,
		MaxMessages:                  DefaultMaxMessages,
		ShutdownTimeout:              DefaultShutdownTimeout,
	}
}

const (
	DefaultMessageBufferSize            = 1000
	DefaultTopicTTL                     = 2 * time.Minute
	DefaultGCInterval                   = 15 * time.Second
	DefaultMaxTopicsWithNoSubscriptions = 5000
	DefaultMaxMessages                  = 1000
	DefaultShutdownTimeout              = 30 * time.Second
)

// ConfigOptions converts cfg into options, for callers that build a bus
// indirectly.
func ConfigOptions(cfg Config) []Option {
	opts := []Option{
		WithMessageBufferSize(cfg.MessageBufferSize),
		WithTopicTTL(cfg.TopicTTL),
		WithGCInterval(cfg.GCInterval),
		WithMaxTopicsWithNoSubscriptions(cfg.MaxTopicsWithNoSubscriptions),
		WithMaxMessages(cfg.MaxMessages),
		WithShutdownTimeout(cfg.ShutdownTimeout),
	}
	if cfg.MinifierSize > 0 {
		opts = append(opts, WithStringMinifier(minifier.New(cfg.MinifierSize)))
	}
	return opts
}
