// Package transport serves conversations over WebSocket.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/duet/internal/config"
)

// ErrRejected marks a conversation refused before it started, such as when
// the node is at capacity.
var ErrRejected = errors.New("conversation rejected")

// Runner runs one conversation over an accepted connection.
type Runner interface {
	RunConversation(ctx context.Context, conn *Conn) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, conn *Conn) error

func (f RunnerFunc) RunConversation(ctx context.Context, conn *Conn) error { return f(ctx, conn) }

// Handler upgrades requests and hands each connection to a Runner.
type Handler struct {
	base     context.Context
	cfg      config.WebSocketConfig
	runner   Runner
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler returns a Handler. Conversations are cancelled when base ends.
func NewHandler(base context.Context, cfg config.WebSocketConfig, runner Runner, logger *slog.Logger) *Handler {
	h := &Handler{
		base:   base,
		cfg:    cfg,
		runner: runner,
		logger: logger.With(slog.String("component", "transport")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.originAllowed,
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("remote", r.RemoteAddr), slog.String("error", err.Error()))
		return
	}
	if h.cfg.ReadLimit > 0 {
		ws.SetReadLimit(h.cfg.ReadLimit)
	}

	ctx, cancel := context.WithCancelCause(h.base)
	defer cancel(nil)

	writeTimeout := time.Duration(h.cfg.WriteTimeout) * time.Millisecond
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	pingInterval := time.Duration(h.cfg.PingInterval) * time.Millisecond

	logger := h.logger.With(slog.String("remote", r.RemoteAddr))
	conn := newConn(ws, r.RemoteAddr, writeTimeout, pingInterval, cancel, logger)
	go conn.readPump()
	go conn.pingLoop(ctx, pingInterval)

	err = h.runner.RunConversation(ctx, conn)
	code, reason := closeCode(err)
	conn.close(code, reason)
	<-conn.done
}

func closeCode(err error) (int, string) {
	switch {
	case err == nil:
		return websocket.CloseNormalClosure, ""
	case errors.Is(err, ErrRejected):
		return websocket.CloseTryAgainLater, "rejected"
	case errors.Is(err, context.Canceled):
		return websocket.CloseGoingAway, "server shutting down"
	default:
		return websocket.CloseInternalServerErr, "conversation failed"
	}
}

func (h *Handler) originAllowed(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}
