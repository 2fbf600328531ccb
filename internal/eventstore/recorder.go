package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/duet/internal/protocol"
)

// Recorder journals the events of one conversation. Text chunks are skipped;
// the completed turn carries the full text.
type Recorder struct {
	store *Store
	id    string
}

func (s *Store) Recorder(conversationID string) *Recorder {
	return &Recorder{store: s, id: conversationID}
}

func (r *Recorder) Emit(ctx context.Context, evt protocol.Event) error {
	if r.store.disabled() || evt.Kind() == protocol.KindTextChunk {
		return nil
	}
	now := r.store.clock().UTC()
	be := protocol.NewBusEvent(r.id, evt, now)
	payload, err := json.Marshal(be)
	if err != nil {
		return err
	}
	// Journal writes outlive a client that already went away.
	err = r.store.AppendEvent(context.WithoutCancel(ctx), Event{
		ConversationID: r.id,
		Kind:           string(be.Kind),
		Speaker:        be.Speaker,
		Turn:           be.Turn,
		Payload:        payload,
		CreatedAt:      now,
	})
	if err != nil {
		r.store.log.Warn("journal event failed",
			slog.String("conversation_id", r.id),
			slog.String("kind", string(be.Kind)),
			slog.String("error", err.Error()),
		)
	}
	return err
}
