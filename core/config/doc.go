// Package config loads environment configuration into structs tagged for
// caarlos0/env. The first call reads a .env file through godotenv; values
// already present in the environment win.
//
//	type Config struct {
//		Backplane string `env:"SIGNALBUS_BACKPLANE" envDefault:"none"`
//		Bus       messaging.Config
//		Scaleout  scaleout.Config
//	}
//
//	var cfg Config
//	config.MustLoad(&cfg)
//
// Each type is parsed once and cached; loading the same type again returns
// the cached value. Reset clears the cache, which tests use after changing
// the environment.
package config
