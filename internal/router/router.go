// Package router runs single conversation turns: it sends one input to a
// speaker session and relays the streamed reply to the client in order.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/duet/internal/protocol"
	"github.com/loqalabs/duet/internal/session"
	"github.com/loqalabs/duet/internal/tools"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrEmptyInput is returned when a turn is requested with blank input.
var ErrEmptyInput = errors.New("turn input is empty")

// SessionFailure reports a speaker stream that failed mid-turn. Partial holds
// the text relayed before the failure.
type SessionFailure struct {
	Speaker string
	Partial string
	Err     error
}

func (e *SessionFailure) Error() string {
	return fmt.Sprintf("session %s failed: %v", e.Speaker, e.Err)
}

func (e *SessionFailure) Unwrap() error { return e.Err }

// Router executes turns against speaker sessions, emitting text chunks as
// they arrive.
type Router struct {
	out     protocol.Emitter
	tools   *tools.Registry
	timeout time.Duration
	logger  *slog.Logger
}

// New returns a Router that emits to out. A zero timeout disables the
// per-turn deadline; a nil registry answers every tool call with an error.
func New(out protocol.Emitter, registry *tools.Registry, timeout time.Duration, logger *slog.Logger) *Router {
	if registry == nil {
		registry = tools.NewRegistry(logger)
	}
	return &Router{
		out:     out,
		tools:   registry,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "router")),
	}
}

// RunTurn sends text to sess as speakerID's input for turn and returns the
// full reply. Every non-empty fragment has been emitted by the time RunTurn
// returns. An empty reply is valid.
func (r *Router) RunTurn(ctx context.Context, sess session.Session, speakerID string, turn int, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyInput
	}

	ctx, span := tracer.Start(ctx, "router.turn", trace.WithAttributes(
		attribute.String("duet.speaker", speakerID),
		attribute.Int("duet.turn", turn),
	))
	defer span.End()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	attrs := metric.WithAttributes(attribute.String("duet.speaker", speakerID))
	turnCounter.Add(ctx, 1, attrs)

	reply, err := r.drive(ctx, sess, speakerID, turn, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var failure *SessionFailure
		if errors.As(err, &failure) {
			failureCounter.Add(ctx, 1, attrs)
			r.logger.Warn("turn failed",
				slog.String("speaker", speakerID),
				slog.Int("turn", turn),
				slog.Int("partial_len", len(failure.Partial)),
				slogError(err),
			)
		}
		return reply, err
	}
	span.SetAttributes(attribute.Int("duet.reply_len", len(reply)))
	return reply, nil
}

func (r *Router) drive(ctx context.Context, sess session.Session, speakerID string, turn int, text string) (string, error) {
	if err := sess.Send(ctx, text); err != nil {
		return "", &SessionFailure{Speaker: speakerID, Err: fmt.Errorf("send input: %w", r.cause(ctx, err))}
	}

	var reply strings.Builder
	for frag, err := range sess.Receive(ctx) {
		if err != nil {
			return reply.String(), &SessionFailure{Speaker: speakerID, Partial: reply.String(), Err: r.cause(ctx, err)}
		}
		if frag.Text != "" {
			reply.WriteString(frag.Text)
			chunk := protocol.TextChunk{Speaker: speakerID, Text: frag.Text, Turn: turn}
			if err := r.out.Emit(ctx, chunk); err != nil {
				return reply.String(), err
			}
		}
		if len(frag.ToolCalls) > 0 {
			if err := r.answerTools(ctx, sess, speakerID, frag.ToolCalls); err != nil {
				return reply.String(), &SessionFailure{Speaker: speakerID, Partial: reply.String(), Err: err}
			}
		}
	}
	return reply.String(), nil
}

func (r *Router) answerTools(ctx context.Context, sess session.Session, speakerID string, calls []tools.Call) error {
	results := make([]tools.Result, 0, len(calls))
	for _, call := range calls {
		results = append(results, r.tools.Invoke(ctx, call))
	}
	toolCallCounter.Add(ctx, int64(len(calls)), metric.WithAttributes(attribute.String("duet.speaker", speakerID)))

	responder, ok := sess.(session.ToolResponder)
	if !ok {
		r.logger.Warn("session cannot answer tool calls", slog.String("speaker", speakerID), slog.Int("calls", len(calls)))
		return nil
	}
	if err := responder.RespondTools(ctx, results); err != nil {
		return fmt.Errorf("respond to tool calls: %w", r.cause(ctx, err))
	}
	return nil
}

// cause prefers the context error when the context ended, so a deadline is
// reported as context.DeadlineExceeded regardless of how the session failed.
func (r *Router) cause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
