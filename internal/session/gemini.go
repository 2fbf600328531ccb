package session

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/duet/internal/config"
	"github.com/loqalabs/duet/internal/tools"
	"google.golang.org/genai"
)

// GeminiDialer opens Gemini Live sessions with text responses.
type GeminiDialer struct {
	client       *genai.Client
	model        string
	temperature  float32
	tools        *tools.Registry
	googleSearch bool
	logger       *slog.Logger
}

func NewGeminiDialer(ctx context.Context, cfg config.SessionConfig, registry *tools.Registry, logger *slog.Logger) (*GeminiDialer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{APIVersion: cfg.APIVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if !cfg.Tools {
		registry = nil
	}
	return &GeminiDialer{
		client:       client,
		model:        cfg.Model,
		temperature:  float32(cfg.Temperature),
		tools:        registry,
		googleSearch: cfg.GoogleSearch,
		logger:       logger.With(slog.String("component", "gemini-session")),
	}, nil
}

func (d *GeminiDialer) Dial(ctx context.Context, persona Persona) (Session, error) {
	conf := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityText},
		Temperature:        genai.Ptr(d.temperature),
		Tools:              d.liveTools(),
	}
	if persona.Instructions != "" {
		conf.SystemInstruction = genai.NewContentFromText(persona.Instructions, genai.RoleUser)
	}
	live, err := d.client.Live.Connect(ctx, d.model, conf)
	if err != nil {
		return nil, fmt.Errorf("connect gemini live: %w", err)
	}
	d.logger.Info("gemini session opened", slog.String("speaker", persona.SpeakerID), slog.String("model", d.model))
	return &geminiSession{live: live, speaker: persona.SpeakerID, logger: d.logger}, nil
}

func (d *GeminiDialer) liveTools() []*genai.Tool {
	var out []*genai.Tool
	if d.googleSearch {
		out = append(out, &genai.Tool{GoogleSearch: &genai.GoogleSearch{}})
	}
	registered := d.tools.Tools()
	if len(registered) == 0 {
		return out
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(registered))
	for _, t := range registered {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: t.Parameters,
		})
	}
	return append(out, &genai.Tool{FunctionDeclarations: decls})
}

type geminiSession struct {
	live      *genai.Session
	speaker   string
	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

func (s *geminiSession) Send(_ context.Context, text string) error {
	return s.live.SendClientContent(genai.LiveClientContentInput{
		Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		TurnComplete: genai.Ptr(true),
	})
}

func (s *geminiSession) Receive(ctx context.Context) iter.Seq2[Fragment, error] {
	return func(yield func(Fragment, error) bool) {
		// Receive blocks without a context; closing the session unblocks it.
		stop := context.AfterFunc(ctx, func() { _ = s.Close() })
		defer stop()

		for {
			msg, err := s.live.Receive()
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					err = fmt.Errorf("gemini receive: %w", ctxErr)
				}
				yield(Fragment{}, err)
				return
			}
			if msg.GoAway != nil {
				s.logger.Warn("gemini session going away", slog.String("speaker", s.speaker))
			}
			frag, done := fragmentFromMessage(msg)
			if frag.Text != "" || len(frag.ToolCalls) > 0 {
				if !yield(frag, nil) {
					return
				}
			}
			if done {
				return
			}
		}
	}
}

func fragmentFromMessage(msg *genai.LiveServerMessage) (Fragment, bool) {
	var frag Fragment
	done := false
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			var sb strings.Builder
			for _, part := range sc.ModelTurn.Parts {
				if part == nil || part.Thought {
					continue
				}
				sb.WriteString(part.Text)
			}
			frag.Text = sb.String()
		}
		done = sc.TurnComplete
	}
	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			frag.ToolCalls = append(frag.ToolCalls, tools.Call{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
	}
	return frag, done
}

func (s *geminiSession) RespondTools(_ context.Context, results []tools.Result) error {
	responses := make([]*genai.FunctionResponse, 0, len(results))
	for _, r := range results {
		responses = append(responses, &genai.FunctionResponse{ID: r.ID, Name: r.Name, Response: r.Response})
	}
	return s.live.SendToolResponse(genai.LiveToolResponseInput{FunctionResponses: responses})
}

func (s *geminiSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.live.Close()
		s.logger.Info("gemini session closed", slog.String("speaker", s.speaker))
	})
	return s.closeErr
}
