// Package runtime wires configuration into a running duet node: telemetry,
// journal, bus, admission and the WebSocket endpoint.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/duet/internal/bus"
	"github.com/loqalabs/duet/internal/config"
	"github.com/loqalabs/duet/internal/conversation"
	"github.com/loqalabs/duet/internal/eventstore"
	"github.com/loqalabs/duet/internal/natsserver"
	"github.com/loqalabs/duet/internal/session"
	"github.com/loqalabs/duet/internal/tools"
	"github.com/loqalabs/duet/internal/tracker"
	"github.com/loqalabs/duet/internal/transport"
	"github.com/loqalabs/duet/internal/tts"
	"golang.org/x/sync/errgroup"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	settings conversation.Settings
	cast     conversation.Cast
	dialer   session.Dialer
	synth    tts.Synthesizer
	tools    *tools.Registry

	store    *eventstore.Store
	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	tracker  *tracker.Tracker

	metrics http.Handler
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{cfg: cfg, logger: logger}
}

// Start runs the node until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metrics, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	r.metrics = metrics
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}()

	if err := r.open(ctx); err != nil {
		r.close()
		return err
	}
	defer r.close()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return r.serve(ctx, ln)
}

// open brings up every dependency of the conversation handler.
func (r *Runtime) open(ctx context.Context) error {
	settings, cast, err := conversation.SettingsFromConfig(r.cfg)
	if err != nil {
		return fmt.Errorf("conversation settings: %w", err)
	}
	r.settings, r.cast = settings, cast

	r.tools = tools.Builtins(r.logger)
	if r.dialer, err = newDialer(ctx, r.cfg.Session, r.tools, r.logger); err != nil {
		return fmt.Errorf("session backend: %w", err)
	}
	if r.synth, err = newSynthesizer(r.cfg.Synthesis); err != nil {
		return fmt.Errorf("synthesis backend: %w", err)
	}

	if r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger); err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		if r.embedded, err = natsserver.Start(busCfg, r.logger); err != nil {
			return err
		}
		if r.embedded != nil {
			busCfg.Servers = []string{r.embedded.ClientURL()}
		}
		if r.bus, err = bus.Connect(ctx, busCfg, r.logger); err != nil {
			return err
		}
		if err := r.bus.EnsureConversationStream(time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour); err != nil {
			r.logger.Warn("conversation stream unavailable", slogError(err))
		}
	}

	if r.tracker, err = tracker.New(ctx, r.cfg.Node, r.bus, r.logger); err != nil {
		return fmt.Errorf("start tracker: %w", err)
	}
	return nil
}

func (r *Runtime) close() {
	if r.tracker != nil {
		r.tracker.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("close event store", slogError(err))
		}
	}
}

// Handler builds the HTTP routes.
func (r *Runtime) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/conversations", r.handleConversations)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	mux.Handle(r.cfg.WebSocket.Path, transport.NewHandler(ctx, r.cfg.WebSocket, r, r.logger))
	return mux
}

func (r *Runtime) serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           r.Handler(ctx),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
		return nil
	})
	if r.store.Enabled() {
		g.Go(func() error {
			r.pruneLoop(gctx)
			return nil
		})
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", ln.Addr().String()),
		slog.String("websocket_path", r.cfg.WebSocket.Path),
		slog.String("session_mode", r.cfg.Session.Mode),
		slog.String("synthesis_mode", r.cfg.Synthesis.Mode),
	)
	return g.Wait()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slogError(err))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if problem := r.readiness(req.Context()); problem != "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + problem))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (r *Runtime) readiness(ctx context.Context) string {
	switch {
	case !r.ready.Load():
		return "starting"
	case !r.tracker.Healthy():
		return "tracker"
	case r.bus != nil && !r.bus.Healthy():
		return "bus"
	}
	if err := r.store.Ping(ctx); err != nil {
		return "event store"
	}
	return ""
}

type conversationsReport struct {
	NodeID   string                 `json:"node_id"`
	Capacity int                    `json:"capacity"`
	Active   []tracker.Conversation `json:"active"`
	Peers    []tracker.Peer         `json:"peers,omitempty"`
}

func (r *Runtime) handleConversations(w http.ResponseWriter, _ *http.Request) {
	report := conversationsReport{
		NodeID:   r.cfg.Node.ID,
		Capacity: r.cfg.Node.MaxConversations,
		Active:   r.tracker.Active(),
		Peers:    r.tracker.Peers(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
