package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/loqalabs/duet/internal/conversation"
	"github.com/loqalabs/duet/internal/eventstore"
	"github.com/loqalabs/duet/internal/protocol"
	"github.com/loqalabs/duet/internal/tracker"
	"github.com/loqalabs/duet/internal/transport"
)

// RunConversation admits a connection, runs its conversation and journals
// the result.
func (r *Runtime) RunConversation(ctx context.Context, conn *transport.Conn) error {
	id := uuid.NewString()
	logger := r.logger.With(slog.String("conversation_id", id))

	release, err := r.tracker.Acquire(tracker.Conversation{
		ID:         id,
		Mode:       r.settings.Mode,
		RemoteAddr: conn.RemoteAddr(),
	})
	if err != nil {
		logger.Warn("conversation rejected", slogError(err))
		_ = conn.Emit(ctx, protocol.Error{Detail: err.Error()})
		return fmt.Errorf("%w: %v", transport.ErrRejected, err)
	}
	defer release()

	starter := r.cast.Member(r.settings.Starter).ID
	if err := r.store.BeginConversation(ctx, eventstore.Conversation{
		ID:         id,
		Mode:       r.settings.Mode,
		Starter:    starter,
		RemoteAddr: conn.RemoteAddr(),
	}); err != nil {
		logger.Warn("journal conversation failed", slogError(err))
	}

	observers := []protocol.Emitter{r.store.Recorder(id)}
	if r.bus != nil {
		observers = append(observers, r.bus.Publisher(id))
	}
	out := protocol.Tee(conn, observers...)

	ctrl := conversation.NewController(id, r.settings, r.cast, r.dialer, r.synth, r.tools, r.logger)
	runErr := ctrl.Run(ctx, conn, out)

	status := eventstore.StatusFinished
	if runErr != nil {
		status = eventstore.StatusFailed
	}
	// The client may be gone; the journal entry is still closed.
	finishCtx := context.WithoutCancel(ctx)
	if err := r.store.FinishConversation(finishCtx, id, status, ctrl.Outcome(), ctrl.State().TurnIndex); err != nil && !errors.Is(err, eventstore.ErrNotFound) {
		logger.Warn("journal conversation end failed", slogError(err))
	}
	return runErr
}
