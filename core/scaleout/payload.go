package scaleout

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dmitrymomot/signalbus/core/messaging"
)

// Payload is the unit sent through a backplane stream: the messages of one
// send plus the time the sending node created it.
type Payload struct {
	Messages           []*messaging.Message
	ServerCreationTime time.Time
}

// Payload fields.
const (
	payloadMessage      protowire.Number = 1
	payloadCreationTime protowire.Number = 2
)

// Message fields.
const (
	msgSource     protowire.Number = 1
	msgKey        protowire.Number = 2
	msgValue      protowire.Number = 3
	msgEncoding   protowire.Number = 4
	msgCommandID  protowire.Number = 5
	msgWaitForAck protowire.Number = 6
	msgIsAck      protowire.Number = 7
	msgFilter     protowire.Number = 8
)

// EncodePayload serializes p in protobuf wire format. MappingID and
// StreamIndex are local to the receiving node and are not encoded.
func EncodePayload(p *Payload) []byte {
	var b []byte
	for _, m := range p.Messages {
		b = protowire.AppendTag(b, payloadMessage, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeMessage(nil, m))
	}
	if !p.ServerCreationTime.IsZero() {
		b = protowire.AppendTag(b, payloadCreationTime, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.ServerCreationTime.UnixNano()))
	}
	return b
}

func encodeMessage(b []byte, m *messaging.Message) []byte {
	b = appendString(b, msgSource, m.Source)
	b = appendString(b, msgKey, m.Key)
	if len(m.Value) > 0 {
		b = protowire.AppendTag(b, msgValue, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Value)
	}
	b = appendString(b, msgEncoding, m.Encoding)
	b = appendString(b, msgCommandID, m.CommandID)
	b = appendBool(b, msgWaitForAck, m.WaitForAck)
	b = appendBool(b, msgIsAck, m.IsAck)
	b = appendString(b, msgFilter, m.Filter)
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

// DecodePayload parses the output of EncodePayload. Unknown fields are skipped.
func DecodePayload(b []byte) (*Payload, error) {
	p := &Payload{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, payloadError(n)
		}
		b = b[n:]

		switch {
		case num == payloadMessage && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, payloadError(n)
			}
			m, err := decodeMessage(raw)
			if err != nil {
				return nil, err
			}
			p.Messages = append(p.Messages, m)
			b = b[n:]
		case num == payloadCreationTime && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, payloadError(n)
			}
			p.ServerCreationTime = time.Unix(0, int64(v))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, payloadError(n)
			}
			b = b[n:]
		}
	}
	return p, nil
}

func decodeMessage(b []byte) (*messaging.Message, error) {
	m := &messaging.Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, payloadError(n)
		}
		b = b[n:]

		if typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, payloadError(n)
			}
			b = b[n:]
			switch num {
			case msgSource:
				m.Source = string(v)
			case msgKey:
				m.Key = string(v)
			case msgValue:
				m.Value = append([]byte(nil), v...)
			case msgEncoding:
				m.Encoding = string(v)
			case msgCommandID:
				m.CommandID = string(v)
			case msgFilter:
				m.Filter = string(v)
			}
			continue
		}

		if typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, payloadError(n)
			}
			b = b[n:]
			switch num {
			case msgWaitForAck:
				m.WaitForAck = v != 0
			case msgIsAck:
				m.IsAck = v != 0
			}
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, payloadError(n)
		}
		b = b[n:]
	}
	return m, nil
}

func payloadError(n int) error {
	return fmt.Errorf("%w: %v", ErrInvalidPayload, protowire.ParseError(n))
}
