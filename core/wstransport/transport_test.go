package wstransport_test

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/signalbus/core/messaging"
	"github.com/dmitrymomot/signalbus/core/wstransport"
	"github.com/dmitrymomot/signalbus/pkg/ratelimiter"
)

func newServer(t *testing.T, opts ...wstransport.Option) (*messaging.Bus, *httptest.Server) {
	t.Helper()

	bus := messaging.New(messaging.WithGCInterval(time.Hour))
	opts = append([]wstransport.Option{wstransport.WithAllowAnyOrigin()}, opts...)
	server := httptest.NewServer(wstransport.New(bus, opts...))
	t.Cleanup(func() {
		server.Close()
		_ = bus.Close()
	})
	return bus, server
}

func dial(t *testing.T, server *httptest.Server, query url.Values) *websocket.Conn {
	t.Helper()

	u := "ws" + strings.TrimPrefix(server.URL, "http") + "?" + query.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wstransport.ServerFrame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wstransport.ServerFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// readValues reads messages frames until want values have arrived.
func readValues(t *testing.T, conn *websocket.Conn, want int) ([]string, string) {
	t.Helper()

	var (
		values []string
		cursor string
	)
	for len(values) < want {
		f := readFrame(t, conn)
		require.Equal(t, wstransport.FrameMessages, f.Type, f.Error)
		for _, m := range f.Messages {
			values = append(values, m.Value)
		}
		cursor = f.Cursor
	}
	return values, cursor
}

func waitSubscribed(t *testing.T, bus *messaging.Bus, n int64) {
	t.Helper()

	require.Eventually(t, func() bool {
		return bus.Stats().SubscriptionsCurrent == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandler_DeliversPublishedMessages(t *testing.T) {
	t.Parallel()

	bus, server := newServer(t)
	conn := dial(t, server, url.Values{"keys": {"room"}, "connection_id": {"alice"}})
	waitSubscribed(t, bus, 1)

	require.NoError(t, bus.Publish(context.Background(), messaging.NewStringMessage("server", "room", "hello")))

	f := readFrame(t, conn)
	assert.Equal(t, wstransport.FrameMessages, f.Type)
	require.Len(t, f.Messages, 1)
	assert.Equal(t, "room", f.Messages[0].Key)
	assert.Equal(t, "server", f.Messages[0].Source)
	assert.Equal(t, "hello", f.Messages[0].Value)
	assert.Equal(t, "room,1", f.Cursor)
}

func TestHandler_ResumesFromCursor(t *testing.T) {
	t.Parallel()

	bus, server := newServer(t)
	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, bus.Publish(context.Background(), messaging.NewStringMessage("server", "room", v)))
	}

	conn := dial(t, server, url.Values{"keys": {"room"}, "cursor": {"room,1"}})
	values, cursor := readValues(t, conn, 2)
	assert.Equal(t, []string{"b", "c"}, values)
	assert.Equal(t, "room,3", cursor)
}

func TestHandler_ClientPublishReachesOtherClients(t *testing.T) {
	t.Parallel()

	bus, server := newServer(t)
	listener := dial(t, server, url.Values{"keys": {"room"}})
	sender := dial(t, server, url.Values{"connection_id": {"bob"}})
	waitSubscribed(t, bus, 2)

	require.NoError(t, sender.WriteJSON(wstransport.ClientFrame{
		Type:  wstransport.FramePublish,
		Key:   "room",
		Value: "from bob",
	}))

	f := readFrame(t, listener)
	require.Len(t, f.Messages, 1)
	assert.Equal(t, "bob", f.Messages[0].Source)
	assert.Equal(t, "from bob", f.Messages[0].Value)
}

func TestHandler_FilteredMessagesSkipped(t *testing.T) {
	t.Parallel()

	bus, server := newServer(t)
	conn := dial(t, server, url.Values{"keys": {"room"}, "connection_id": {"carol"}})
	waitSubscribed(t, bus, 1)

	excluded := messaging.NewStringMessage("server", "room", "not for carol")
	excluded.Filter = "dave|carol"
	require.NoError(t, bus.Publish(context.Background(), excluded))
	require.NoError(t, bus.Publish(context.Background(), messaging.NewStringMessage("server", "room", "for carol")))

	values, _ := readValues(t, conn, 1)
	assert.Equal(t, []string{"for carol"}, values)
}

func TestHandler_AddAndRemoveKeys(t *testing.T) {
	t.Parallel()

	bus, server := newServer(t)
	conn := dial(t, server, url.Values{"keys": {"lobby"}})
	waitSubscribed(t, bus, 1)

	require.NoError(t, conn.WriteJSON(wstransport.ClientFrame{Type: wstransport.FrameAdd, Key: "room"}))
	require.Eventually(t, func() bool {
		topic, ok := bus.Topic("room")
		return ok && topic.SubscriptionCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), messaging.NewStringMessage("server", "room", "joined")))
	values, _ := readValues(t, conn, 1)
	assert.Equal(t, []string{"joined"}, values)

	require.NoError(t, conn.WriteJSON(wstransport.ClientFrame{Type: wstransport.FrameRemove, Key: "room"}))
	require.Eventually(t, func() bool {
		topic, ok := bus.Topic("room")
		return !ok || topic.SubscriptionCount() == 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), messaging.NewStringMessage("server", "room", "left")))
	require.NoError(t, bus.Publish(context.Background(), messaging.NewStringMessage("server", "lobby", "still here")))
	values, _ = readValues(t, conn, 1)
	assert.Equal(t, []string{"still here"}, values)
}

func TestHandler_RejectsBadFrames(t *testing.T) {
	t.Parallel()

	bus, server := newServer(t)
	conn := dial(t, server, url.Values{"keys": {"room"}})
	waitSubscribed(t, bus, 1)

	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{name: "malformed_json", payload: "not json", want: "malformed frame"},
		{name: "wrong_field_type", payload: `{"type":5}`, want: "malformed frame"},
		{name: "unknown_type", payload: `{"type":"shout","key":"room"}`, want: "unknown frame type"},
		{name: "publish_without_key", payload: `{"type":"publish","value":"x"}`, want: messaging.ErrEmptyKey.Error()},
		{name: "add_without_key", payload: `{"type":"add"}`, want: messaging.ErrEmptyKey.Error()},
	}
	for _, tt := range tests {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.payload)), tt.name)
		f := readFrame(t, conn)
		assert.Equal(t, wstransport.FrameError, f.Type, tt.name)
		assert.Contains(t, f.Error, tt.want, tt.name)
	}
}

func TestHandler_DisconnectDisposesSubscription(t *testing.T) {
	t.Parallel()

	bus, server := newServer(t)
	conn := dial(t, server, url.Values{"keys": {"room"}})
	waitSubscribed(t, bus, 1)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()

	waitSubscribed(t, bus, 0)
}

func TestHandler_ClosedBusReportsError(t *testing.T) {
	t.Parallel()

	bus, server := newServer(t)
	require.NoError(t, bus.Close())

	conn := dial(t, server, url.Values{"keys": {"room"}})
	f := readFrame(t, conn)
	assert.Equal(t, wstransport.FrameError, f.Type)
	assert.Equal(t, messaging.ErrBusClosed.Error(), f.Error)
}

func TestHandler_PublishLimiter(t *testing.T) {
	t.Parallel()

	limiter, err := ratelimiter.NewBucket(ratelimiter.NewMemoryStore(), ratelimiter.Config{
		Capacity:       1,
		RefillRate:     1,
		RefillInterval: time.Hour,
	})
	require.NoError(t, err)

	bus, server := newServer(t, wstransport.WithPublishLimiter(limiter))
	conn := dial(t, server, url.Values{"keys": {"room"}})
	waitSubscribed(t, bus, 1)

	publish := wstransport.ClientFrame{Type: wstransport.FramePublish, Key: "room", Value: "one"}
	require.NoError(t, conn.WriteJSON(publish))
	values, _ := readValues(t, conn, 1)
	assert.Equal(t, []string{"one"}, values)

	publish.Value = "two"
	require.NoError(t, conn.WriteJSON(publish))
	f := readFrame(t, conn)
	assert.Equal(t, wstransport.FrameError, f.Type)
	assert.Equal(t, ratelimiter.ErrRateLimitExceeded.Error(), f.Error)
	assert.Equal(t, int64(1), bus.Stats().MessagesPublished)
}
