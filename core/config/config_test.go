package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/signalbus/core/config"
)

type testConfig struct {
	Name    string        `env:"SIGNALBUS_TEST_NAME" envDefault:"default"`
	Timeout time.Duration `env:"SIGNALBUS_TEST_TIMEOUT" envDefault:"5s"`
}

type requiredConfig struct {
	Value string `env:"SIGNALBUS_TEST_REQUIRED,required"`
}

// Tests share process environment and the type cache, so they do not run in parallel.

func TestLoad_CachesPerType(t *testing.T) {
	config.Reset()
	t.Cleanup(config.Reset)
	t.Setenv("SIGNALBUS_TEST_NAME", "first")

	var a testConfig
	require.NoError(t, config.Load(&a))
	assert.Equal(t, "first", a.Name)
	assert.Equal(t, 5*time.Second, a.Timeout)

	t.Setenv("SIGNALBUS_TEST_NAME", "second")
	var b testConfig
	require.NoError(t, config.Load(&b))
	assert.Equal(t, "first", b.Name, "cached value")

	config.Reset()
	var c testConfig
	require.NoError(t, config.Load(&c))
	assert.Equal(t, "second", c.Name)
}

func TestLoad_Required(t *testing.T) {
	config.Reset()
	t.Cleanup(config.Reset)

	var cfg requiredConfig
	require.ErrorIs(t, config.Load(&cfg), config.ErrParse)
	assert.Panics(t, func() { config.MustLoad(&cfg) })

	t.Setenv("SIGNALBUS_TEST_REQUIRED", "set")
	require.NoError(t, config.Load(&cfg))
	assert.Equal(t, "set", cfg.Value)
}
