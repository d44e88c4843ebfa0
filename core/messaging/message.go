package messaging

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/htmlindex"
)

// DefaultEncoding is the text encoding assumed for message values when none is set.
const DefaultEncoding = "utf-8"

// Message is a single payload published to a topic key.
// A message is not modified once it has been added to a store.
type Message struct {
	Source   string // identity of the publishing connection
	Key      string // topic key the message targets
	Value    []byte
	Encoding string // text encoding of Value, empty means utf-8

	CommandID  string
	WaitForAck bool
	IsAck      bool

	// Filter is a pipe-delimited list of keys excluded from delivery.
	Filter string

	// Set on the scale-out receive path before the message is stored.
	MappingID   uint64
	StreamIndex int
}

// NewMessage creates a message with a raw byte payload.
func NewMessage(source, key string, value []byte) *Message {
	return &Message{Source: source, Key: key, Value: value}
}

// NewStringMessage creates a message carrying a UTF-8 text payload.
func NewStringMessage(source, key, value string) *Message {
	return &Message{Source: source, Key: key, Value: []byte(value), Encoding: DefaultEncoding}
}

// NewCommand creates a command message stamped with a fresh command id.
func NewCommand(source, key string, value []byte, waitForAck bool) *Message {
	return &Message{
		Source:     source,
		Key:        key,
		Value:      value,
		CommandID:  uuid.NewString(),
		WaitForAck: waitForAck,
	}
}

// IsCommand reports whether the message carries a command id.
func (m *Message) IsCommand() bool {
	return m.CommandID != ""
}

// Excludes reports whether key is listed in the message filter.
func (m *Message) Excludes(key string) bool {
	if m.Filter == "" {
		return false
	}
	for part := range strings.SplitSeq(m.Filter, "|") {
		if part == key {
			return true
		}
	}
	return false
}

// Text decodes Value using the message encoding.
func (m *Message) Text() (string, error) {
	name := strings.ToLower(m.Encoding)
	if name == "" || name == DefaultEncoding || name == "utf8" {
		return string(m.Value), nil
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return "", fmt.Errorf("unknown message encoding %q: %w", m.Encoding, err)
	}

	out, err := enc.NewDecoder().Bytes(m.Value)
	if err != nil {
		return "", fmt.Errorf("failed to decode message value: %w", err)
	}
	return string(out), nil
}

// MessageResult is a batch delivered to a subscription callback.
type MessageResult struct {
	// Messages holds one segment per topic or mapping read during the pass.
	Messages   [][]*Message
	TotalCount int

	// Terminal marks the final invocation after the subscription was disposed.
	Terminal bool
}

// Each calls fn for every message in the batch, in delivery order.
func (r MessageResult) Each(fn func(*Message)) {
	for _, segment := range r.Messages {
		for _, m := range segment {
			fn(m)
		}
	}
}
