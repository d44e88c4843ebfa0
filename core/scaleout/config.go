package scaleout

import (
	"fmt"
	"strings"
	"time"
)

// QueuingBehavior decides when sends to a stream are held back instead of
// going to the backplane.
type QueuingBehavior int

const (
	// QueueInitialOnly holds sends until the backplane opens the stream for
	// the first time.
	QueueInitialOnly QueuingBehavior = iota
	// QueueAlways also holds sends while the stream is buffering after a failure.
	QueueAlways
	// QueueDisabled never holds sends.
	QueueDisabled
)

func (q QueuingBehavior) String() string {
	switch q {
	case QueueInitialOnly:
		return "initial-only"
	case QueueAlways:
		return "always"
	case QueueDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("QueuingBehavior(%d)", int(q))
	}
}

// ParseQueuingBehavior accepts initial-only, always and disabled.
func ParseQueuingBehavior(s string) (QueuingBehavior, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "initial-only", "initialonly", "initial_only", "":
		return QueueInitialOnly, nil
	case "always":
		return QueueAlways, nil
	case "disabled", "off":
		return QueueDisabled, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownQueuingBehavior, s)
}

func (q *QueuingBehavior) UnmarshalText(text []byte) error {
	v, err := ParseQueuingBehavior(string(text))
	if err != nil {
		return err
	}
	*q = v
	return nil
}

func (q QueuingBehavior) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// Config holds scale-out settings loadable from the environment.
type Config struct {
	StreamCount    int             `env:"SCALEOUT_STREAM_COUNT" envDefault:"1"`
	QueueBehavior  QueuingBehavior `env:"SCALEOUT_QUEUE_BEHAVIOR" envDefault:"initial-only"`
	MaxQueueLength int             `env:"SCALEOUT_MAX_QUEUE_LENGTH" envDefault:"1000"` // 0 is unbounded

	// Mappings retained per stream.
	MappingStoreSize int `env:"SCALEOUT_MAPPING_STORE_SIZE" envDefault:"1000000"`

	// Upper bound for one Publish when the caller's context has no deadline.
	SendTimeout time.Duration `env:"SCALEOUT_SEND_TIMEOUT" envDefault:"30s"`
}

func DefaultConfig() Config {
	return Config{
		StreamCount:      DefaultStreamCount,
		QueueBehavior:    QueueInitialOnly,
		MaxQueueLength:   DefaultMaxQueueLength,
		MappingStoreSize: DefaultMappingStoreSize,
		SendTimeout:      DefaultSendTimeout,
	}
}

const (
	DefaultStreamCount      = 1
	DefaultMaxQueueLength   = 1000
	DefaultMappingStoreSize = 1_000_000
	DefaultSendTimeout      = 30 * time.Second
)

// CursorPrefix marks cursors written by scale-out subscriptions.
const CursorPrefix = "s-"
