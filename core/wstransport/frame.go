package wstransport

import "github.com/dmitrymomot/signalbus/core/messaging"

// Client frame types.
const (
	FramePublish = "publish"
	FrameAdd     = "add"
	FrameRemove  = "remove"
)

// Server frame types.
const (
	FrameMessages = "messages"
	FrameError    = "error"
)

// ClientFrame is sent by the client.
type ClientFrame struct {
	Type   string `json:"type"`
	Key    string `json:"key"`
	Value  string `json:"value,omitempty"`
	Filter string `json:"filter,omitempty"`
}

// ServerFrame is sent to the client. Cursor is the resume token covering
// the messages in the frame.
type ServerFrame struct {
	Type     string         `json:"type"`
	Cursor   string         `json:"cursor,omitempty"`
	Messages []FrameMessage `json:"messages,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type FrameMessage struct {
	Key       string `json:"key"`
	Source    string `json:"source"`
	Value     string `json:"value"`
	CommandID string `json:"command_id,omitempty"`
}

func newMessagesFrame(result messaging.MessageResult, cursor, identity string) ServerFrame {
	f := ServerFrame{Type: FrameMessages, Cursor: cursor}
	result.Each(func(m *messaging.Message) {
		if m.Excludes(identity) {
			return
		}
		text, err := m.Text()
		if err != nil {
			text = string(m.Value)
		}
		f.Messages = append(f.Messages, FrameMessage{
			Key:       m.Key,
			Source:    m.Source,
			Value:     text,
			CommandID: m.CommandID,
		})
	})
	return f
}
