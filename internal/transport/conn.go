package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/duet/internal/protocol"
)

const inboxSize = 32

// Conn adapts one client WebSocket to a conversation. It is the
// conversation's Inbound and its Emitter.
type Conn struct {
	ws           *websocket.Conn
	remote       string
	writeTimeout time.Duration
	readTimeout  time.Duration
	cancel       context.CancelCauseFunc
	logger       *slog.Logger

	writeMu sync.Mutex
	inbox   chan string
	done    chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func newConn(ws *websocket.Conn, remote string, writeTimeout, pingInterval time.Duration, cancel context.CancelCauseFunc, logger *slog.Logger) *Conn {
	c := &Conn{
		ws:           ws,
		remote:       remote,
		writeTimeout: writeTimeout,
		cancel:       cancel,
		logger:       logger,
		inbox:        make(chan string, inboxSize),
		done:         make(chan struct{}),
		stop:         make(chan struct{}),
	}
	if pingInterval > 0 {
		c.readTimeout = 2 * pingInterval
	}
	return c
}

// RemoteAddr is the client's address.
func (c *Conn) RemoteAddr() string { return c.remote }

// readPump delivers text frames to the inbox until the socket fails, then
// cancels the conversation with ErrDisconnected. Messages arriving while the
// inbox is full are dropped.
func (c *Conn) readPump() {
	defer close(c.done)
	defer c.cancel(protocol.ErrDisconnected)

	c.extendRead()
	c.ws.SetPongHandler(func(string) error {
		c.extendRead()
		return nil
	})
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Warn("client connection lost", slog.String("error", err.Error()))
			} else {
				c.logger.Debug("client connection closed", slog.String("error", err.Error()))
			}
			return
		}
		c.extendRead()
		if kind != websocket.TextMessage {
			continue
		}
		// A full inbox drops the message so control frames keep being read.
		select {
		case c.inbox <- string(data):
		case <-c.stop:
			return
		default:
			c.logger.Debug("inbox full, dropping client message", slog.Int("bytes", len(data)))
		}
	}
}

func (c *Conn) extendRead() {
	if c.readTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
}

// pingLoop keeps the connection alive until ctx ends.
func (c *Conn) pingLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.cancel(protocol.ErrDisconnected)
				return
			}
		}
	}
}

// Next returns the next client message. Once the socket is gone and the
// inbox is empty it returns ErrDisconnected.
func (c *Conn) Next(ctx context.Context) (string, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.done:
		return "", protocol.ErrDisconnected
	case <-ctx.Done():
		return "", context.Cause(ctx)
	}
}

// Drain returns the messages queued so far without blocking.
func (c *Conn) Drain() []string {
	var out []string
	for {
		select {
		case msg := <-c.inbox:
			out = append(out, msg)
		default:
			return out
		}
	}
}

// Emit writes evt as a JSON envelope. Events without a wire form are
// skipped. Write failures are reported as ErrDisconnected.
func (c *Conn) Emit(_ context.Context, evt protocol.Event) error {
	payload, err := protocol.Encode(evt)
	if errors.Is(err, protocol.ErrNotWire) {
		return nil
	}
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.cancel(protocol.ErrDisconnected)
		return fmt.Errorf("write %s frame: %w: %v", evt.Kind(), protocol.ErrDisconnected, err)
	}
	return nil
}

// close sends a close frame with code and tears down the socket.
func (c *Conn) close(code int, reason string) {
	c.once.Do(func() { close(c.stop) })
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.writeTimeout))
	c.writeMu.Unlock()
	_ = c.ws.Close()
}
