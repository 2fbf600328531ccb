package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/duet/internal/config"
	"github.com/loqalabs/duet/internal/session"
	"github.com/loqalabs/duet/internal/tools"
	"github.com/loqalabs/duet/internal/tts"
)

func newDialer(ctx context.Context, cfg config.SessionConfig, registry *tools.Registry, logger *slog.Logger) (session.Dialer, error) {
	switch cfg.Mode {
	case "gemini":
		return session.NewGeminiDialer(ctx, cfg, registry, logger)
	case "ollama":
		return session.NewOllamaDialer(cfg.Endpoint, cfg.Model, cfg.Temperature, logger), nil
	case "exec":
		return session.NewExecDialer(cfg.Command)
	case "mock":
		return session.NewMockDialer(), nil
	default:
		return nil, fmt.Errorf("unknown session mode %q", cfg.Mode)
	}
}

func newSynthesizer(cfg config.SynthesisConfig) (tts.Synthesizer, error) {
	switch cfg.Mode {
	case "nijivoice":
		return tts.NewNijivoiceClient(cfg.BaseURL, cfg.APIKey, cfg.Format, cfg.Speed, cfg.Timeout())
	case "exec":
		return tts.NewExecSynth(cfg.Command, cfg.Format, cfg.Speed)
	case "mock":
		return tts.NewMockSynth(0), nil
	default:
		return nil, fmt.Errorf("unknown synthesis mode %q", cfg.Mode)
	}
}
