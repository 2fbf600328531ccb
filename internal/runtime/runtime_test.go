package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/duet/internal/config"
	"github.com/loqalabs/duet/internal/eventstore"
	"github.com/loqalabs/duet/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Telemetry.Metrics = false
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	cfg.Session.Mode = "mock"
	cfg.Synthesis.Mode = "mock"
	cfg.Conversation.MaxTurns = 2
	cfg.WebSocket.PingInterval = 0
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) (*Runtime, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := New(cfg, newLogger())
	if err := r.open(ctx); err != nil {
		cancel()
		t.Fatalf("open runtime: %v", err)
	}
	srv := httptest.NewServer(r.Handler(ctx))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		r.close()
	})
	return r, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func TestConversationEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	r, srv := startRuntime(t, cfg)

	ws := dial(t, srv, cfg.WebSocket.Path)
	if err := ws.WriteMessage(websocket.TextMessage, []byte("talk about tea")); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	var envs []protocol.Envelope
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		envs = append(envs, env)
		if env.Type == "end" && env.Scope == "" {
			break
		}
		if env.Type == "error" {
			t.Fatalf("unexpected error envelope %q", env.Data)
		}
	}

	audio := 0
	speakers := map[string]bool{}
	for _, env := range envs {
		if env.Type == "audio" {
			audio++
			speakers[env.Speaker] = true
		}
	}
	if audio != 2 {
		t.Fatalf("expected 2 audio envelopes, got %d in %+v", audio, envs)
	}
	if !speakers["asuna"] || !speakers["akio"] {
		t.Fatalf("expected both speakers to be voiced, got %v", speakers)
	}

	var conv eventstore.Conversation
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		list, err := r.store.ListConversations(context.Background(), 10)
		if err != nil {
			t.Fatalf("list conversations: %v", err)
		}
		if len(list) == 1 && list[0].Status != eventstore.StatusRunning {
			conv = list[0]
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if conv.Status != eventstore.StatusFinished {
		t.Fatalf("expected finished conversation, got %+v", conv)
	}
	if conv.EndReason != string(protocol.EndMaxTurns) || conv.Turns != 2 {
		t.Fatalf("unexpected journal entry %+v", conv)
	}
	events, err := r.store.ListConversationEvents(context.Background(), conv.ID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected journaled events")
	}
}

func TestConversationRejectedAtCapacity(t *testing.T) {
	cfg := testConfig(t)
	cfg.Node.MaxConversations = 1
	r, srv := startRuntime(t, cfg)

	_ = dial(t, srv, cfg.WebSocket.Path)
	deadline := time.Now().Add(3 * time.Second)
	for r.tracker.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("first conversation was never admitted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ws := dial(t, srv, cfg.WebSocket.Path)
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	if env.Type != "error" {
		t.Fatalf("expected error envelope, got %+v", env)
	}
	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseTryAgainLater {
		t.Fatalf("expected try-again-later close, got %v", err)
	}
}

func TestReadinessAndConversationsEndpoint(t *testing.T) {
	cfg := testConfig(t)
	r, srv := startRuntime(t, cfg)

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("get readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", resp.StatusCode)
	}

	r.ready.Store(true)
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("get readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 once ready, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/conversations")
	if err != nil {
		t.Fatalf("get conversations: %v", err)
	}
	defer resp.Body.Close()
	var report conversationsReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.NodeID != cfg.Node.ID || report.Capacity != cfg.Node.MaxConversations {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestUnknownBackendsAreRejected(t *testing.T) {
	if _, err := newDialer(context.Background(), config.SessionConfig{Mode: "carrier-pigeon"}, nil, newLogger()); err == nil {
		t.Fatalf("expected unknown session mode error")
	}
	if _, err := newSynthesizer(config.SynthesisConfig{Mode: "kazoo"}); err == nil {
		t.Fatalf("expected unknown synthesis mode error")
	}
}

func TestSpanExporterSelection(t *testing.T) {
	exp, name, err := newSpanExporter(context.Background(), config.TelemetryConfig{LogLevel: "info"})
	if err != nil || exp != nil || name != "none" {
		t.Fatalf("expected no exporter at info level, got %v %q %v", exp, name, err)
	}
	exp, name, err = newSpanExporter(context.Background(), config.TelemetryConfig{LogLevel: "DEBUG"})
	if err != nil || exp == nil || name != "stdout" {
		t.Fatalf("expected stdout exporter at debug level, got %v %q %v", exp, name, err)
	}
}
