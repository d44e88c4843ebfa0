package redis

import "time"

// Config holds Redis backplane settings.
type Config struct {
	// StreamCount is set by the caller to match the scale-out bus.
	StreamCount int

	Prefix string `env:"REDIS_BACKPLANE_PREFIX" envDefault:"signalbus"`

	// Pause before resuming the receive loop after an error.
	ReconnectInterval time.Duration `env:"REDIS_BACKPLANE_RECONNECT_INTERVAL" envDefault:"2s"`
}

func DefaultConfig() Config {
	return Config{
		StreamCount:       1,
		Prefix:            "signalbus",
		ReconnectInterval: 2 * time.Second,
	}
}
