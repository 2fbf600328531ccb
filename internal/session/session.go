// Package session provides the streaming speaker sessions a conversation
// talks to. A Session accepts one text turn at a time and streams the
// speaker's reply back as fragments until the speaker completes its turn.
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/loqalabs/duet/internal/tools"
	"golang.org/x/sync/errgroup"
)

// Fragment is one piece of a streamed reply. Text may be empty when the
// fragment only carries tool calls.
type Fragment struct {
	Text      string
	ToolCalls []tools.Call
}

// Session is a long-lived bidirectional channel to one speaker.
type Session interface {
	// Send submits text as a complete user turn.
	Send(ctx context.Context, text string) error
	// Receive yields the reply to the last Send. The sequence ends when the
	// speaker finishes its turn; a non-nil error ends it early.
	Receive(ctx context.Context) iter.Seq2[Fragment, error]
	Close() error
}

// ToolResponder is implemented by sessions that can answer tool calls.
type ToolResponder interface {
	RespondTools(ctx context.Context, results []tools.Result) error
}

// Persona configures the speaker behind a session.
type Persona struct {
	SpeakerID    string
	Name         string
	Instructions string
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, persona Persona) (Session, error)
}

// Pair owns the sessions of one conversation. Slots are acquired together
// and released together.
type Pair struct {
	sessions [2]Session
}

// DialPair opens a session for every non-nil persona concurrently. When any
// dial fails the sessions already opened are closed.
func DialPair(ctx context.Context, d Dialer, personas [2]*Persona) (*Pair, error) {
	p := &Pair{}
	g, gctx := errgroup.WithContext(ctx)
	for i, persona := range personas {
		if persona == nil {
			continue
		}
		g.Go(func() error {
			sess, err := d.Dial(gctx, *persona)
			if err != nil {
				return fmt.Errorf("dial session for %s: %w", persona.SpeakerID, err)
			}
			p.sessions[i] = sess
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// Get returns the session in slot i, or nil when the slot was not dialed.
func (p *Pair) Get(i int) Session {
	if p == nil || i < 0 || i >= len(p.sessions) {
		return nil
	}
	return p.sessions[i]
}

// Close releases every open session.
func (p *Pair) Close() error {
	if p == nil {
		return nil
	}
	var errs []error
	for i, sess := range p.sessions {
		if sess == nil {
			continue
		}
		if err := sess.Close(); err != nil {
			errs = append(errs, err)
		}
		p.sessions[i] = nil
	}
	return errors.Join(errs...)
}
