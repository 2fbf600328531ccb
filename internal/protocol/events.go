package protocol

import (
	"context"
	"errors"
)

// ErrDisconnected is the cause attached when the client transport goes away.
// It ends a conversation normally.
var ErrDisconnected = errors.New("client disconnected")

// Kind tags an Event.
type Kind string

const (
	KindTextChunk       Kind = "text"
	KindAudioReady      Kind = "audio"
	KindTurnCompleted   Kind = "turn"
	KindTurnEnd         Kind = "turn_end"
	KindConversationEnd Kind = "end"
	KindError           Kind = "error"
)

// EndReason explains why a conversation terminated.
type EndReason string

const (
	EndStopKeyword EndReason = "stop_keyword"
	EndMaxTurns    EndReason = "max_turns"
)

// Event is one item of the outbound stream produced by a conversation.
type Event interface {
	Kind() Kind
}

// TextChunk is a streamed text delta from a speaker.
type TextChunk struct {
	Speaker string
	Text    string
	Turn    int
}

// AudioReady carries the synthesized audio URL for a completed turn.
type AudioReady struct {
	Speaker string
	URL     string
	Turn    int
}

// TurnCompleted records the full text of a turn. It never reaches the client.
type TurnCompleted struct {
	Speaker string
	Input   string
	Text    string
	Turn    int
}

// TurnEnd delimits a reply in single-speaker mode.
type TurnEnd struct {
	Turn int
}

// ConversationEnd is emitted once, when the exchange terminates normally.
type ConversationEnd struct {
	Reason EndReason
	Turns  int
}

// Error reports a fatal failure before the connection is closed.
type Error struct {
	Detail string
}

func (TextChunk) Kind() Kind       { return KindTextChunk }
func (AudioReady) Kind() Kind      { return KindAudioReady }
func (TurnCompleted) Kind() Kind   { return KindTurnCompleted }
func (TurnEnd) Kind() Kind         { return KindTurnEnd }
func (ConversationEnd) Kind() Kind { return KindConversationEnd }
func (Error) Kind() Kind           { return KindError }

// Emitter receives conversation events in order.
type Emitter interface {
	Emit(ctx context.Context, evt Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, evt Event) error

func (f EmitterFunc) Emit(ctx context.Context, evt Event) error { return f(ctx, evt) }

// Tee forwards every event to primary and then to each observer. Only the
// primary's error is returned; observers are expected to log their own failures.
func Tee(primary Emitter, observers ...Emitter) Emitter {
	return &tee{primary: primary, observers: observers}
}

type tee struct {
	primary   Emitter
	observers []Emitter
}

func (t *tee) Emit(ctx context.Context, evt Event) error {
	err := t.primary.Emit(ctx, evt)
	for _, obs := range t.observers {
		if obs != nil {
			_ = obs.Emit(ctx, evt)
		}
	}
	return err
}
