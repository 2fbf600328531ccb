package protocol

import (
	"fmt"
	"time"
)

// BusEvent is the payload published on the bus for every conversation event.
type BusEvent struct {
	ConversationID string    `json:"conversation_id"`
	Kind           Kind      `json:"kind"`
	Speaker        string    `json:"speaker,omitempty"`
	Turn           int       `json:"turn"`
	Text           string    `json:"text,omitempty"`
	Input          string    `json:"input,omitempty"`
	AudioURL       string    `json:"audio_url,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Heartbeat is published periodically by each node.
type Heartbeat struct {
	NodeID              string    `json:"node_id"`
	ActiveConversations int       `json:"active_conversations"`
	Capacity            int       `json:"capacity"`
	Timestamp           time.Time `json:"timestamp"`
}

// ConversationSubject returns the subject events of kind k are published on.
func ConversationSubject(prefix, conversationID string, k Kind) string {
	return fmt.Sprintf("%s.conversation.%s.%s", prefix, conversationID, k)
}

// HeartbeatSubject returns the node heartbeat subject.
func HeartbeatSubject(prefix, nodeID string) string {
	return fmt.Sprintf("%s.node.heartbeat.%s", prefix, nodeID)
}

// NewBusEvent flattens evt into a BusEvent.
func NewBusEvent(conversationID string, evt Event, now time.Time) BusEvent {
	out := BusEvent{ConversationID: conversationID, Kind: evt.Kind(), Timestamp: now}
	switch e := evt.(type) {
	case TextChunk:
		out.Speaker, out.Text, out.Turn = e.Speaker, e.Text, e.Turn
	case AudioReady:
		out.Speaker, out.AudioURL, out.Turn = e.Speaker, e.URL, e.Turn
	case TurnCompleted:
		out.Speaker, out.Text, out.Input, out.Turn = e.Speaker, e.Text, e.Input, e.Turn
	case TurnEnd:
		out.Turn = e.Turn
	case ConversationEnd:
		out.Reason, out.Turn = string(e.Reason), e.Turns
	case Error:
		out.Detail = e.Detail
	}
	return out
}
