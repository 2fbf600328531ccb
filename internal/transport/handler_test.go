package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/duet/internal/config"
	"github.com/loqalabs/duet/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func serve(t *testing.T, runner Runner) *websocket.Conn {
	t.Helper()
	cfg := config.WebSocketConfig{Path: "/ws", WriteTimeout: 1000, PingInterval: 0}
	srv := httptest.NewServer(NewHandler(context.Background(), cfg, runner, newLogger()))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return env
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close frame, got %v", err)
	}
	if closeErr.Code != code {
		t.Fatalf("expected close code %d, got %d", code, closeErr.Code)
	}
}

func TestConversationRoundTrip(t *testing.T) {
	ws := serve(t, RunnerFunc(func(ctx context.Context, c *Conn) error {
		seed, err := c.Next(ctx)
		if err != nil {
			return err
		}
		if err := c.Emit(ctx, protocol.TextChunk{Speaker: "asuna", Text: "re: " + seed, Turn: 1}); err != nil {
			return err
		}
		if err := c.Emit(ctx, protocol.TurnCompleted{Speaker: "asuna", Text: "hidden"}); err != nil {
			return err
		}
		if err := c.Emit(ctx, protocol.AudioReady{Speaker: "asuna", URL: "https://audio/1.wav", Turn: 1}); err != nil {
			return err
		}
		return c.Emit(ctx, protocol.ConversationEnd{Reason: protocol.EndMaxTurns, Turns: 1})
	}))

	if err := ws.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := []protocol.Envelope{
		{Type: "text", Data: "re: hello", Speaker: "asuna"},
		{Type: "audio", Data: "https://audio/1.wav", Speaker: "asuna"},
		{Type: "end"},
	}
	for i, w := range want {
		if got := readEnvelope(t, ws); got != w {
			t.Fatalf("envelope %d: expected %+v, got %+v", i, w, got)
		}
	}
	expectClose(t, ws, websocket.CloseNormalClosure)
}

func TestFailureClosesWithInternalError(t *testing.T) {
	ws := serve(t, RunnerFunc(func(ctx context.Context, c *Conn) error {
		err := errors.New("session exploded")
		_ = c.Emit(ctx, protocol.Error{Detail: err.Error()})
		return err
	}))
	if env := readEnvelope(t, ws); env.Type != "error" || env.Data != "session exploded" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	expectClose(t, ws, websocket.CloseInternalServerErr)
}

func TestRejectedClosesWithTryAgainLater(t *testing.T) {
	ws := serve(t, RunnerFunc(func(context.Context, *Conn) error {
		return fmt.Errorf("node full: %w", ErrRejected)
	}))
	expectClose(t, ws, websocket.CloseTryAgainLater)
}

func TestClientDisconnectCancelsConversation(t *testing.T) {
	result := make(chan error, 1)
	ws := serve(t, RunnerFunc(func(ctx context.Context, c *Conn) error {
		if _, err := c.Next(ctx); err != nil {
			result <- err
			return nil
		}
		_, err := c.Next(ctx)
		if err == nil {
			err = errors.New("expected disconnect")
		}
		<-ctx.Done()
		if cause := context.Cause(ctx); !errors.Is(cause, protocol.ErrDisconnected) {
			err = fmt.Errorf("unexpected cause %v", cause)
		}
		result <- err
		return nil
	}))

	if err := ws.WriteMessage(websocket.TextMessage, []byte("seed")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = ws.Close()

	select {
	case err := <-result:
		if !errors.Is(err, protocol.ErrDisconnected) {
			t.Fatalf("expected ErrDisconnected, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runner never observed the disconnect")
	}
}

func TestDrainCollectsQueuedMessages(t *testing.T) {
	got := make(chan []string, 1)
	ws := serve(t, RunnerFunc(func(ctx context.Context, c *Conn) error {
		first, err := c.Next(ctx)
		if err != nil {
			return err
		}
		time.Sleep(100 * time.Millisecond)
		got <- append([]string{first}, c.Drain()...)
		return nil
	}))
	for _, msg := range []string{"one", "two", "three"} {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	select {
	case msgs := <-got:
		if strings.Join(msgs, ",") != "one,two,three" {
			t.Fatalf("unexpected messages %v", msgs)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runner did not finish")
	}
	expectClose(t, ws, websocket.CloseNormalClosure)
}

func TestOriginCheck(t *testing.T) {
	h := NewHandler(context.Background(), config.WebSocketConfig{AllowedOrigins: []string{"app.example.com"}}, nil, newLogger())
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://app.example.com")
	if !h.originAllowed(req) {
		t.Fatalf("expected origin to be allowed")
	}
	req.Header.Set("Origin", "https://evil.example.com")
	if h.originAllowed(req) {
		t.Fatalf("expected origin to be rejected")
	}
}

func TestDisconnectSeenWithUnreadInbox(t *testing.T) {
	result := make(chan error, 1)
	ws := serve(t, RunnerFunc(func(ctx context.Context, c *Conn) error {
		<-ctx.Done()
		result <- context.Cause(ctx)
		return nil
	}))

	for i := 0; i < inboxSize*2; i++ {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("msg %d", i))); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	_ = ws.Close()

	select {
	case cause := <-result:
		if !errors.Is(cause, protocol.ErrDisconnected) {
			t.Fatalf("expected ErrDisconnected, got %v", cause)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("disconnect went unnoticed behind a full inbox")
	}
}

func TestFullInboxKeepsEarliestMessages(t *testing.T) {
	got := make(chan []string, 1)
	release := make(chan struct{})
	ws := serve(t, RunnerFunc(func(ctx context.Context, c *Conn) error {
		<-release
		got <- c.Drain()
		return nil
	}))
	total := inboxSize + 8
	for i := 0; i < total; i++ {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("msg %d", i))); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	// A trailing ping round trip proves the reader is still consuming frames.
	pong := make(chan struct{}, 1)
	ws.SetPongHandler(func(string) error {
		pong <- struct{}{}
		return nil
	})
	if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("ping: %v", err)
	}
	go func() { _, _, _ = ws.ReadMessage() }()
	select {
	case <-pong:
	case <-time.After(5 * time.Second):
		t.Fatalf("reader stalled behind a full inbox")
	}
	close(release)

	select {
	case msgs := <-got:
		if len(msgs) != inboxSize || msgs[0] != "msg 0" {
			t.Fatalf("expected the first %d messages, got %d starting %q", inboxSize, len(msgs), msgs[0])
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runner did not finish")
	}
}
