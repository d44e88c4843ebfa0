package main

import (
	"github.com/dmitrymomot/signalbus/core/messaging"
	"github.com/dmitrymomot/signalbus/core/scaleout"
	"github.com/dmitrymomot/signalbus/core/server"
	"github.com/dmitrymomot/signalbus/pkg/ratelimiter"
)

// Backplane kinds accepted by SIGNALBUS_BACKPLANE.
const (
	backplaneNone   = "none"
	backplaneMemory = "memory"
	backplaneRedis  = "redis"
	backplanePG     = "pg"
)

type Config struct {
	AppName  string `env:"APP_NAME" envDefault:"signalbusd"`
	Env      string `env:"APP_ENV" envDefault:"production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Backplane        string `env:"SIGNALBUS_BACKPLANE" envDefault:"none"`
	MetricsNamespace string `env:"SIGNALBUS_METRICS_NAMESPACE" envDefault:"signalbus"`
	AllowAnyOrigin   bool   `env:"SIGNALBUS_WS_ALLOW_ANY_ORIGIN" envDefault:"false"`
	MaxPublishBytes  int64  `env:"SIGNALBUS_MAX_PUBLISH_BYTES" envDefault:"1048576"`

	// Publish limits apply per client IP on /publish and per connection on /ws.
	RateLimitPublish bool `env:"SIGNALBUS_RATE_LIMIT_PUBLISH" envDefault:"true"`
	RateLimit        ratelimiter.Config

	Bus      messaging.Config
	Scaleout scaleout.Config
	Server   server.Config
}
