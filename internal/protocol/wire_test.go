package protocol

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEncodeEnvelopes(t *testing.T) {
	cases := []struct {
		evt  Event
		want string
	}{
		{TextChunk{Speaker: "asuna", Text: "hi"}, `{"type":"text","data":"hi","speaker":"asuna"}`},
		{AudioReady{URL: "https://a/x.wav"}, `{"type":"audio","data":"https://a/x.wav"}`},
		{ConversationEnd{Reason: EndMaxTurns, Turns: 3}, `{"type":"end"}`},
		{TurnEnd{Turn: 1}, `{"type":"end","scope":"turn"}`},
		{Error{Detail: "boom"}, `{"type":"error","data":"boom"}`},
	}
	for _, tc := range cases {
		got, err := Encode(tc.evt)
		if err != nil {
			t.Fatalf("encode %T: %v", tc.evt, err)
		}
		if string(got) != tc.want {
			t.Fatalf("encode %T: got %s want %s", tc.evt, got, tc.want)
		}
	}
}

func TestEncodeSkipsInternalEvents(t *testing.T) {
	if _, err := Encode(TurnCompleted{Text: "x"}); !errors.Is(err, ErrNotWire) {
		t.Fatalf("expected ErrNotWire, got %v", err)
	}
}

func TestTeeReturnsPrimaryErrorOnly(t *testing.T) {
	var seen []Kind
	primaryErr := errors.New("primary")
	primary := EmitterFunc(func(_ context.Context, evt Event) error {
		seen = append(seen, evt.Kind())
		return primaryErr
	})
	observer := EmitterFunc(func(_ context.Context, evt Event) error {
		seen = append(seen, evt.Kind())
		return errors.New("observer")
	})

	err := Tee(primary, observer, nil).Emit(context.Background(), TextChunk{Text: "a"})
	if !errors.Is(err, primaryErr) {
		t.Fatalf("expected primary error, got %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected both emitters to see the event, got %v", seen)
	}
}

func TestNewBusEvent(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	evt := NewBusEvent("c1", AudioReady{Speaker: "akio", URL: "u", Turn: 2}, now)
	if evt.Kind != KindAudioReady || evt.AudioURL != "u" || evt.Turn != 2 || evt.Speaker != "akio" {
		t.Fatalf("unexpected bus event %+v", evt)
	}
	if got := ConversationSubject("duet", "c1", KindAudioReady); got != "duet.conversation.c1.audio" {
		t.Fatalf("unexpected subject %q", got)
	}
}
