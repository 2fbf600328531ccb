package session

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"
)

// MockDialer opens in-process sessions that answer deterministically. Reply
// overrides the default echo; turn counts from 1 per session.
type MockDialer struct {
	Delay time.Duration
	Reply func(persona Persona, turn int, prompt string) string
}

func NewMockDialer() *MockDialer {
	return &MockDialer{Delay: 10 * time.Millisecond}
}

func (d *MockDialer) Dial(ctx context.Context, persona Persona) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &mockSession{dialer: d, persona: persona}, nil
}

type mockSession struct {
	dialer  *MockDialer
	persona Persona
	mu      sync.Mutex
	turn    int
	prompt  string
	pending bool
	closed  bool
}

func (s *mockSession) Send(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("mock session closed")
	}
	s.turn++
	s.prompt = text
	s.pending = true
	return nil
}

func (s *mockSession) Receive(ctx context.Context) iter.Seq2[Fragment, error] {
	return func(yield func(Fragment, error) bool) {
		s.mu.Lock()
		if !s.pending {
			s.mu.Unlock()
			return
		}
		s.pending = false
		reply := s.reply()
		s.mu.Unlock()

		for _, word := range splitKeepSpace(reply) {
			if s.dialer.Delay > 0 {
				select {
				case <-ctx.Done():
					yield(Fragment{}, ctx.Err())
					return
				case <-time.After(s.dialer.Delay):
				}
			}
			if !yield(Fragment{Text: word}, nil) {
				return
			}
		}
	}
}

func (s *mockSession) reply() string {
	if s.dialer.Reply != nil {
		return s.dialer.Reply(s.persona, s.turn, s.prompt)
	}
	name := s.persona.Name
	if name == "" {
		name = s.persona.SpeakerID
	}
	return fmt.Sprintf("%s heard: %s", name, strings.TrimSpace(s.prompt))
}

func (s *mockSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// splitKeepSpace splits text into words, each keeping its trailing space, so
// joining the pieces reproduces text.
func splitKeepSpace(text string) []string {
	var out []string
	for len(text) > 0 {
		i := strings.IndexByte(text, ' ')
		if i < 0 {
			out = append(out, text)
			break
		}
		out = append(out, text[:i+1])
		text = text[i+1:]
	}
	return out
}
