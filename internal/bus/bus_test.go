package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/duet/internal/config"
	"github.com/loqalabs/duet/internal/natsserver"
	"github.com/loqalabs/duet/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
		SubjectPrefix:  "duet",
	}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestPublisherMirrorsEvents(t *testing.T) {
	client := startBus(t)
	if !client.Healthy() {
		t.Fatalf("expected healthy client")
	}

	msgs := make(chan []byte, 4)
	sub, err := client.Conn().Subscribe("duet.conversation.conv-1.>", func(m *nats.Msg) { msgs <- m.Data })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pub := client.Publisher("conv-1")
	if err := pub.Emit(context.Background(), protocol.AudioReady{Speaker: "akio", URL: "https://audio/x.wav", Turn: 2}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case data := <-msgs:
		var evt protocol.BusEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if evt.ConversationID != "conv-1" || evt.Kind != protocol.KindAudioReady || evt.AudioURL != "https://audio/x.wav" || evt.Turn != 2 {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
}

func TestEnsureConversationStream(t *testing.T) {
	client := startBus(t)
	if err := client.EnsureConversationStream(time.Hour); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}
	// A second call updates the existing stream.
	if err := client.EnsureConversationStream(2 * time.Hour); err != nil {
		t.Fatalf("ensure stream again: %v", err)
	}
	info, err := client.js.StreamInfo("DUET_CONVERSATIONS")
	if err != nil {
		t.Fatalf("stream info: %v", err)
	}
	if info.Config.MaxAge != 2*time.Hour {
		t.Fatalf("expected updated max age, got %v", info.Config.MaxAge)
	}
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, newLogger()); err == nil {
		t.Fatalf("expected error without servers")
	}
}
