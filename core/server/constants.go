package server

import "time"

const (
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout bounds plain HTTP responses. Upgraded WebSocket
	// connections manage their own deadlines.
	DefaultWriteTimeout = 15 * time.Second

	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxHeaderBytes  = 1 << 20
)
