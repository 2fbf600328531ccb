package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// OllamaDialer opens chat sessions against an Ollama server. The server is
// stateless, so each session keeps its own message history.
type OllamaDialer struct {
	endpoint    string
	model       string
	temperature float64
	client      *http.Client
	logger      *slog.Logger
}

func NewOllamaDialer(endpoint, model string, temperature float64, logger *slog.Logger) *OllamaDialer {
	return &OllamaDialer{
		endpoint:    strings.TrimRight(endpoint, "/"),
		model:       model,
		temperature: temperature,
		client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:      logger.With(slog.String("component", "ollama-session")),
	}
}

func (d *OllamaDialer) Dial(_ context.Context, persona Persona) (Session, error) {
	s := &ollamaSession{dialer: d, speaker: persona.SpeakerID}
	if persona.Instructions != "" {
		s.messages = append(s.messages, ollamaMessage{Role: "system", Content: persona.Instructions})
	}
	return s, nil
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
}

type ollamaChatChunk struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

type ollamaSession struct {
	dialer   *OllamaDialer
	speaker  string
	mu       sync.Mutex
	messages []ollamaMessage
	pending  bool
	closed   bool
}

func (s *ollamaSession) Send(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("ollama session closed")
	}
	s.messages = append(s.messages, ollamaMessage{Role: "user", Content: text})
	s.pending = true
	return nil
}

func (s *ollamaSession) Receive(ctx context.Context) iter.Seq2[Fragment, error] {
	return func(yield func(Fragment, error) bool) {
		s.mu.Lock()
		if !s.pending {
			s.mu.Unlock()
			return
		}
		s.pending = false
		payload := ollamaChatRequest{
			Model:    s.dialer.model,
			Messages: append([]ollamaMessage(nil), s.messages...),
			Stream:   true,
			Options:  ollamaOptions{Temperature: s.dialer.temperature},
		}
		s.mu.Unlock()

		reply, err := s.stream(ctx, payload, yield)
		if err != nil {
			yield(Fragment{}, err)
			return
		}
		s.mu.Lock()
		s.messages = append(s.messages, ollamaMessage{Role: "assistant", Content: reply})
		s.mu.Unlock()
	}
}

// stream posts the chat request and yields each content delta. A consumer
// that stops early still gets the partial reply recorded in history.
func (s *ollamaSession) stream(ctx context.Context, payload ollamaChatRequest, yield func(Fragment, error) bool) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.dialer.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.dialer.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("ollama returned status %s", resp.Status)
	}

	var reply strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return reply.String(), fmt.Errorf("decode ollama chunk: %w", err)
		}
		if chunk.Error != "" {
			return reply.String(), fmt.Errorf("ollama: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			reply.WriteString(chunk.Message.Content)
			if !yield(Fragment{Text: chunk.Message.Content}, nil) {
				return reply.String(), nil
			}
		}
		if chunk.Done {
			return reply.String(), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return reply.String(), fmt.Errorf("read ollama stream: %w", err)
	}
	return reply.String(), nil
}

func (s *ollamaSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.dialer.logger.Debug("ollama session closed", slog.String("speaker", s.speaker), slog.Int("messages", len(s.messages)))
	}
	return nil
}
