package logger

import (
	"log/slog"
	"strconv"
	"time"
)

// Helpers return an empty Attr for nil or empty input, so call sites can
// pass them unconditionally: log.Info("msg", logger.Error(err)).

// Group creates a group of attributes under a single key.
func Group(name string, attrs ...slog.Attr) slog.Attr {
	return slog.Attr{Key: name, Value: slog.GroupValue(attrs...)}
}

// ============================================================================
// Error Handling
// ============================================================================

// Errors groups multiple non-nil errors under the key "errors".
// Keys are the positions in errs, so the original order is preserved.
func Errors(errs ...error) slog.Attr {
	count := 0
	for _, err := range errs {
		if err != nil {
			count++
		}
	}
	if count == 0 {
		return slog.Attr{}
	}

	as := make([]slog.Attr, 0, count)
	for i, err := range errs {
		if err != nil {
			as = append(as, slog.Any(strconv.Itoa(i), err))
		}
	}
	return slog.Attr{Key: "errors", Value: slog.GroupValue(as...)}
}

// Error creates an attribute for a single error under the key "error".
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// ============================================================================
// Timing
// ============================================================================

func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Elapsed logs the time since start.
func Elapsed(start time.Time) slog.Attr {
	return slog.Duration("elapsed", time.Since(start))
}

// ============================================================================
// Message bus
// ============================================================================

// Topic identifies a topic by key.
func Topic(key string) slog.Attr {
	return slog.String("topic", key)
}

// Subscriber identifies a subscriber by its connection identity.
func Subscriber(identity string) slog.Attr {
	if identity == "" {
		return slog.Attr{}
	}
	return slog.String("subscriber", identity)
}

// Stream identifies a scale-out stream by index.
func Stream(index int) slog.Attr {
	return slog.Int("stream", index)
}

// PayloadID is the backplane-assigned id of a scale-out payload.
func PayloadID(id uint64) slog.Attr {
	return slog.Uint64("payload_id", id)
}

// Node identifies the process publishing to a backplane.
func Node(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("node", id)
}

// ============================================================================
// Generic Metadata
// ============================================================================

func Component(name string) slog.Attr {
	return slog.String("component", name)
}

func Event(name string) slog.Attr {
	return slog.String("event", name)
}

// Count creates a generic counter attribute.
func Count(key string, n int) slog.Attr {
	return slog.Int(key, n)
}

func Version(v string) slog.Attr {
	return slog.String("version", v)
}

// Key creates a generic key-value attribute.
func Key(key string, value any) slog.Attr {
	if value == nil {
		return slog.Attr{}
	}
	return slog.Any(key, value)
}

// ============================================================================
// HTTP
// ============================================================================

func Method(method string) slog.Attr {
	return slog.String("method", method)
}

func Path(path string) slog.Attr {
	return slog.String("path", path)
}

func ClientIP(ip string) slog.Attr {
	if ip == "" {
		return slog.Attr{}
	}
	return slog.String("client_ip", ip)
}
