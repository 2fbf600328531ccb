package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotWire is returned by Encode for events that stay inside the runtime.
var ErrNotWire = errors.New("event has no wire representation")

// Envelope is the JSON object sent to the client for each outbound event.
type Envelope struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Speaker string `json:"speaker,omitempty"`
	Scope   string `json:"scope,omitempty"`
}

// Encode renders evt as a client envelope.
func Encode(evt Event) ([]byte, error) {
	var env Envelope
	switch e := evt.(type) {
	case TextChunk:
		env = Envelope{Type: "text", Data: e.Text, Speaker: e.Speaker}
	case AudioReady:
		env = Envelope{Type: "audio", Data: e.URL, Speaker: e.Speaker}
	case TurnEnd:
		env = Envelope{Type: "end", Scope: "turn"}
	case ConversationEnd:
		env = Envelope{Type: "end"}
	case Error:
		env = Envelope{Type: "error", Data: e.Detail}
	case TurnCompleted:
		return nil, ErrNotWire
	default:
		return nil, fmt.Errorf("unknown event %T", evt)
	}
	return json.Marshal(env)
}
