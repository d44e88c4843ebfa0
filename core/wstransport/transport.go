package wstransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dmitrymomot/signalbus/core/logger"
	"github.com/dmitrymomot/signalbus/core/messaging"
	"github.com/dmitrymomot/signalbus/pkg/clientip"
	"github.com/dmitrymomot/signalbus/pkg/ratelimiter"
)

const (
	DefaultPingInterval = 30 * time.Second
	DefaultSendBuffer   = 64
	writeWait           = 10 * time.Second
	maxFrameSize        = 1 << 20
)

// Handler upgrades requests to WebSocket connections bound to one subscriber.
//
// Query parameters: "keys" (comma separated event keys), "cursor" (resume
// token from an earlier messages frame) and "connection_id" (identity; a
// uuid is generated when empty). Clients publish and change their keys with
// JSON ClientFrames; deliveries arrive as ServerFrames.
type Handler struct {
	bus          messaging.MessageBus
	upgrader     websocket.Upgrader
	logger       *slog.Logger
	maxMessages  int
	pingInterval time.Duration
	sendBuffer   int
	limiter      *ratelimiter.Bucket
}

// New creates a Handler over bus, which may be a messaging.Bus or a
// scale-out bus.
func New(bus messaging.MessageBus, opts ...Option) *Handler {
	h := &Handler{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		pingInterval: DefaultPingInterval,
		sendBuffer:   DefaultSendBuffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(logger.Component("wstransport"))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	identity := q.Get("connection_id")
	if identity == "" {
		identity = uuid.NewString()
	}
	keys := splitKeys(q.Get("keys"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		h.logger.Debug("upgrade failed", logger.ClientIP(clientip.GetIP(r)), logger.Error(err))
		return
	}

	c := &connection{
		handler:  h,
		conn:     conn,
		identity: identity,
		ip:       clientip.GetIP(r),
		out:      make(chan ServerFrame, h.sendBuffer),
		done:     make(chan struct{}),
	}
	c.serve(r.Context(), keys, q.Get("cursor"))
}

func splitKeys(raw string) []string {
	var keys []string
	for k := range strings.SplitSeq(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

type connection struct {
	handler  *Handler
	conn     *websocket.Conn
	identity string
	ip       string
	out      chan ServerFrame
	done     chan struct{}
	once     sync.Once
}

func (c *connection) serve(ctx context.Context, keys []string, cursor string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	log := c.handler.logger.With(logger.Subscriber(c.identity), logger.ClientIP(c.ip))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(log)
	}()

	subscriber := messaging.NewSubscriber(c.identity, keys...)
	handle, err := c.handler.bus.Subscribe(subscriber, cursor, c.callback(subscriber), c.handler.maxMessages)
	if err != nil {
		log.Warn("subscribe failed", logger.Error(err))
		c.send(ServerFrame{Type: FrameError, Error: err.Error()})
	} else {
		log.Debug("connection subscribed", logger.Count("keys", len(keys)))
		c.readLoop(ctx, subscriber, log)
		handle.Dispose()
	}

	c.close()
	wg.Wait()
	_ = c.conn.Close()
}

func (c *connection) callback(subscriber *messaging.Subscriber) messaging.Callback {
	return func(_ context.Context, result messaging.MessageResult) (bool, error) {
		if result.Terminal {
			return false, nil
		}
		frame := newMessagesFrame(result, subscriber.Cursor(), c.identity)
		if len(frame.Messages) == 0 {
			return true, nil
		}
		return c.send(frame), nil
	}
}

// send queues f for the writer. It reports false when the connection is
// closed or the client is too slow to keep up.
func (c *connection) send(f ServerFrame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- f:
		return true
	case <-c.done:
		return false
	default:
		c.close()
		return false
	}
}

func (c *connection) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *connection) readLoop(ctx context.Context, subscriber *messaging.Subscriber, log *slog.Logger) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * c.handler.pingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * c.handler.pingInterval))
	})

	for {
		var f ClientFrame
		if err := c.conn.ReadJSON(&f); err != nil {
			var (
				syntaxErr *json.SyntaxError
				typeErr   *json.UnmarshalTypeError
			)
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.send(ServerFrame{Type: FrameError, Error: "malformed frame"})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("connection lost", logger.Error(err))
			}
			return
		}

		select {
		case <-c.done:
			return
		default:
		}

		if err := c.handle(ctx, subscriber, f); err != nil {
			c.send(ServerFrame{Type: FrameError, Error: err.Error()})
		}
	}
}

var errUnknownFrame = errors.New("unknown frame type")

func (c *connection) handle(ctx context.Context, subscriber *messaging.Subscriber, f ClientFrame) error {
	switch f.Type {
	case FramePublish:
		if l := c.handler.limiter; l != nil {
			res, err := l.Allow(ctx, "ws:"+c.identity)
			if err != nil {
				return err
			}
			if !res.Allowed() {
				return ratelimiter.ErrRateLimitExceeded
			}
		}
		msg := messaging.NewStringMessage(c.identity, f.Key, f.Value)
		msg.Filter = f.Filter
		return c.handler.bus.Publish(ctx, msg)
	case FrameAdd:
		if f.Key == "" {
			return messaging.ErrEmptyKey
		}
		subscriber.AddEventKey(f.Key)
	case FrameRemove:
		subscriber.RemoveEventKey(f.Key)
	default:
		return errUnknownFrame
	}
	return nil
}

func (c *connection) writeLoop(log *slog.Logger) {
	ticker := time.NewTicker(c.handler.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				log.Debug("write failed", logger.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// flush writes frames queued before the connection was closed.
func (c *connection) flush() {
	for {
		select {
		case f := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		default:
			return
		}
	}
}
