package pg

import "time"

// Config holds Postgres backplane settings.
type Config struct {
	// StreamCount is set by the caller to match the scale-out bus.
	StreamCount int

	Channel string `env:"PG_BACKPLANE_CHANNEL" envDefault:"signalbus"`

	// Payload rows kept per stream by the trimmer.
	RetainPayloads int           `env:"PG_BACKPLANE_RETAIN_PAYLOADS" envDefault:"10000"`
	TrimInterval   time.Duration `env:"PG_BACKPLANE_TRIM_INTERVAL" envDefault:"1m"`

	ReconnectInterval time.Duration `env:"PG_BACKPLANE_RECONNECT_INTERVAL" envDefault:"2s"`
}

func DefaultConfig() Config {
	return Config{
		StreamCount:       1,
		Channel:           "signalbus",
		RetainPayloads:    10000,
		TrimInterval:      time.Minute,
		ReconnectInterval: 2 * time.Second,
	}
}
