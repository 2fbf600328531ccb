package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/duet/internal/protocol"
)

// EventPublisher mirrors one conversation's events onto the bus.
type EventPublisher struct {
	client *Client
	id     string
	clock  func() time.Time
}

func (c *Client) Publisher(conversationID string) *EventPublisher {
	return &EventPublisher{client: c, id: conversationID, clock: time.Now}
}

func (p *EventPublisher) Emit(_ context.Context, evt protocol.Event) error {
	subject := protocol.ConversationSubject(p.client.prefix, p.id, evt.Kind())
	err := p.client.PublishJSON(subject, protocol.NewBusEvent(p.id, evt, p.clock().UTC()))
	if err != nil {
		p.client.log.Warn("publish conversation event failed",
			slog.String("conversation_id", p.id),
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
	}
	return err
}
