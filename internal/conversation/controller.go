package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/duet/internal/config"
	"github.com/loqalabs/duet/internal/protocol"
	"github.com/loqalabs/duet/internal/router"
	"github.com/loqalabs/duet/internal/session"
	"github.com/loqalabs/duet/internal/tools"
	"github.com/loqalabs/duet/internal/tts"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	ModeDuet   = "duet"
	ModeSingle = "single"

	OnFailureFatal    = "fatal"
	OnFailureTextOnly = "text_only"

	interjectionPrefix = "From user: "
)

// Inbound is the client side of a conversation.
type Inbound interface {
	// Next blocks until the client sends a message.
	Next(ctx context.Context) (string, error)
	// Drain returns messages received since the last call without blocking.
	Drain() []string
}

// Settings are the per-conversation knobs.
type Settings struct {
	Mode          string
	MaxTurns      int
	StopKeyword   string
	Starter       Speaker
	TurnTimeout   time.Duration
	SeedTimeout   time.Duration
	AnnotateTurns bool
	Interjections bool
	Format        string
	Speed         float64
	OnFailure     string
}

// SettingsFromConfig derives Settings and the Cast from cfg.
func SettingsFromConfig(cfg config.Config) (Settings, Cast, error) {
	cast, err := CastFromConfig(cfg.Speakers)
	if err != nil {
		return Settings{}, cast, err
	}
	starter, ok := cast.Lookup(cfg.Conversation.StartingSpeaker)
	if !ok && cfg.Conversation.StartingSpeaker != "" {
		return Settings{}, cast, fmt.Errorf("starting speaker %q is not in the cast", cfg.Conversation.StartingSpeaker)
	}
	return Settings{
		Mode:          cfg.Conversation.Mode,
		MaxTurns:      cfg.Conversation.MaxTurns,
		StopKeyword:   cfg.Conversation.StopKeyword,
		Starter:       starter,
		TurnTimeout:   cfg.Conversation.TurnTimeout(),
		SeedTimeout:   cfg.Conversation.SeedTimeout(),
		AnnotateTurns: cfg.Conversation.AnnotateTurns,
		Interjections: cfg.Conversation.Interjections,
		Format:        cfg.Synthesis.Format,
		Speed:         cfg.Synthesis.Speed,
		OnFailure:     cfg.Synthesis.OnFailure,
	}, cast, nil
}

// Controller runs one conversation from seed to termination. A Controller
// is single use.
type Controller struct {
	id       string
	settings Settings
	cast     Cast
	dialer   session.Dialer
	synth    tts.Synthesizer
	tools    *tools.Registry
	logger   *slog.Logger
	state    *State
	outcome  string
}

func NewController(id string, settings Settings, cast Cast, dialer session.Dialer, synth tts.Synthesizer, registry *tools.Registry, logger *slog.Logger) *Controller {
	if settings.Mode == "" {
		settings.Mode = ModeDuet
	}
	if settings.OnFailure == "" {
		settings.OnFailure = OnFailureFatal
	}
	return &Controller{
		id:       id,
		settings: settings,
		cast:     cast,
		dialer:   dialer,
		synth:    synth,
		tools:    registry,
		logger: logger.With(
			slog.String("component", "conversation"),
			slog.String("conversation_id", id),
		),
		state: newState(settings.MaxTurns, settings.Starter),
	}
}

// State returns a snapshot of the conversation's progress.
func (c *Controller) State() State { return *c.state }

// Outcome names how Run ended: an end reason such as "max_turns", or one of
// "disconnected", "seed_timeout", "shutdown" and "error".
func (c *Controller) Outcome() string { return c.outcome }

// Run waits for the seed, then alternates turns until the stop keyword, the
// turn ceiling, a fatal error or a client disconnect. A disconnect is a
// normal end and returns nil. Fatal errors are reported to out before they
// are returned.
func (c *Controller) Run(ctx context.Context, in Inbound, out protocol.Emitter) error {
	ctx, span := tracer.Start(ctx, "conversation", trace.WithAttributes(
		attribute.String("duet.conversation_id", c.id),
		attribute.String("duet.mode", c.settings.Mode),
	))
	defer span.End()

	outcome, err := c.run(ctx, in, out)
	c.outcome = outcome
	c.state.Phase = PhaseTerminated
	outcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("duet.outcome", outcome)))
	span.SetAttributes(attribute.String("duet.outcome", outcome), attribute.Int("duet.turns", c.state.TurnIndex))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("conversation failed", slog.Int("turns", c.state.TurnIndex), slogError(err))
		return err
	}
	c.logger.Info("conversation finished", slog.String("outcome", outcome), slog.Int("turns", c.state.TurnIndex))
	return nil
}

func (c *Controller) run(ctx context.Context, in Inbound, out protocol.Emitter) (string, error) {
	seed, err := c.awaitSeed(ctx, in)
	if err != nil {
		return c.settle(ctx, out, err)
	}
	c.state.Phase = PhaseRunning
	c.state.LastText = seed
	c.logger.Info("conversation seeded", slog.String("starter", c.cast.Member(c.settings.Starter).ID))

	pair, err := session.DialPair(ctx, c.dialer, c.personas())
	if err != nil {
		return c.settle(ctx, out, err)
	}
	defer func() {
		if err := pair.Close(); err != nil {
			c.logger.Warn("close sessions", slogError(err))
		}
	}()

	rt := router.New(out, c.tools, c.settings.TurnTimeout, c.logger)
	if c.settings.Mode == ModeSingle {
		return c.runSingle(ctx, pair, rt, in, out, seed)
	}
	return c.runDuet(ctx, pair, rt, in, out, seed)
}

func (c *Controller) personas() [2]*session.Persona {
	var personas [2]*session.Persona
	for _, sp := range []Speaker{SpeakerA, SpeakerB} {
		if c.settings.Mode == ModeSingle && sp != c.settings.Starter {
			continue
		}
		m := c.cast.Member(sp)
		personas[sp] = &session.Persona{SpeakerID: m.ID, Name: m.Name, Instructions: m.Persona}
	}
	return personas
}

func (c *Controller) awaitSeed(ctx context.Context, in Inbound) (string, error) {
	waitCtx := ctx
	if c.settings.SeedTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeoutCause(ctx, c.settings.SeedTimeout, errSeedTimeout)
		defer cancel()
	}
	for {
		msg, err := in.Next(waitCtx)
		if err != nil {
			if ctx.Err() == nil && errors.Is(context.Cause(waitCtx), errSeedTimeout) {
				return "", errSeedTimeout
			}
			return "", err
		}
		if strings.TrimSpace(msg) != "" {
			return msg, nil
		}
	}
}

func (c *Controller) runDuet(ctx context.Context, pair *session.Pair, rt *router.Router, in Inbound, out protocol.Emitter, input string) (string, error) {
	for {
		speaker := c.state.Active
		prompt := input
		if c.settings.Interjections {
			prompt = withInterjections(prompt, in.Drain())
		}

		turn := c.state.begin(prompt)
		if err := c.playTurn(ctx, pair.Get(int(speaker)), rt, out, &turn); err != nil {
			return c.settle(ctx, out, err)
		}
		c.state.complete(&turn, true)
		if strings.TrimSpace(turn.Output) != "" {
			input = turn.Output
		}

		if reason, done := c.terminal(turn.Output); done {
			return c.finish(ctx, out, reason)
		}
	}
}

func (c *Controller) runSingle(ctx context.Context, pair *session.Pair, rt *router.Router, in Inbound, out protocol.Emitter, input string) (string, error) {
	sess := pair.Get(int(c.settings.Starter))
	for {
		turn := c.state.begin(input)
		if err := c.playTurn(ctx, sess, rt, out, &turn); err != nil {
			return c.settle(ctx, out, err)
		}
		c.state.complete(&turn, false)

		if reason, done := c.terminal(turn.Output); done {
			return c.finish(ctx, out, reason)
		}
		if err := out.Emit(ctx, protocol.TurnEnd{Turn: turn.Index}); err != nil {
			return c.settle(ctx, out, err)
		}

		next, err := c.nextMessage(ctx, in)
		if err != nil {
			return c.settle(ctx, out, err)
		}
		input = next
	}
}

func (c *Controller) nextMessage(ctx context.Context, in Inbound) (string, error) {
	for {
		msg, err := in.Next(ctx)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(msg) != "" {
			return msg, nil
		}
	}
}

// playTurn runs one turn and synthesizes its output. On return turn.Output
// holds the reply.
func (c *Controller) playTurn(ctx context.Context, sess session.Session, rt *router.Router, out protocol.Emitter, turn *Turn) error {
	member := c.cast.Member(turn.Speaker)
	prompt := turn.Input
	if c.settings.AnnotateTurns {
		prompt = fmt.Sprintf("%s (turn %d)", prompt, turn.Index)
	}

	output, err := rt.RunTurn(ctx, sess, member.ID, turn.Index, prompt)
	if err != nil {
		return err
	}
	turn.Output = output
	turnCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("duet.speaker", member.ID)))

	if err := out.Emit(ctx, protocol.TurnCompleted{Speaker: member.ID, Input: turn.Input, Text: output, Turn: turn.Index}); err != nil {
		return err
	}
	if strings.TrimSpace(output) == "" {
		emptyTurnCounter.Add(ctx, 1)
		c.logger.Info("turn produced no text", slog.String("speaker", member.ID), slog.Int("turn", turn.Index))
		return nil
	}
	return c.synthesize(ctx, out, member, turn.Index, output)
}

func (c *Controller) synthesize(ctx context.Context, out protocol.Emitter, member Member, turn int, text string) error {
	ctx, span := tracer.Start(ctx, "conversation.synthesize", trace.WithAttributes(
		attribute.String("duet.speaker", member.ID),
		attribute.Int("duet.turn", turn),
	))
	defer span.End()

	start := time.Now()
	res, err := c.synth.Synthesize(ctx, tts.Request{
		Text:   text,
		Voice:  member.Voice,
		Format: c.settings.Format,
		Speed:  c.settings.Speed,
	})
	synthLatency.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		synthFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("duet.speaker", member.ID)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		failure := &SynthesisFailure{Speaker: member.ID, Turn: turn, Err: err}
		if c.settings.OnFailure == OnFailureTextOnly {
			c.logger.Warn("continuing without audio", slog.String("speaker", member.ID), slog.Int("turn", turn), slogError(failure))
			return nil
		}
		return failure
	}
	return out.Emit(ctx, protocol.AudioReady{Speaker: member.ID, URL: res.AudioURL, Turn: turn})
}

// terminal reports whether the conversation ends after a turn that produced
// output. The stop keyword wins over the ceiling.
func (c *Controller) terminal(output string) (protocol.EndReason, bool) {
	if kw := c.settings.StopKeyword; kw != "" && strings.Contains(strings.ToLower(output), strings.ToLower(kw)) {
		return protocol.EndStopKeyword, true
	}
	if c.state.atCeiling() {
		return protocol.EndMaxTurns, true
	}
	return "", false
}

func (c *Controller) finish(ctx context.Context, out protocol.Emitter, reason protocol.EndReason) (string, error) {
	c.state.Phase = PhaseTerminated
	if err := out.Emit(ctx, protocol.ConversationEnd{Reason: reason, Turns: c.state.TurnIndex}); err != nil {
		if disconnected(ctx, err) {
			return "disconnected", nil
		}
		return "error", err
	}
	return string(reason), nil
}

// settle classifies err. Disconnects and a missing seed end the conversation
// quietly; shutdown returns the cause without notifying the client; anything
// else is reported to the client as an Error event and returned.
func (c *Controller) settle(ctx context.Context, out protocol.Emitter, err error) (string, error) {
	c.state.Phase = PhaseTerminated
	switch {
	case disconnected(ctx, err):
		return "disconnected", nil
	case errors.Is(err, errSeedTimeout):
		return "seed_timeout", nil
	case ctx.Err() != nil:
		return "shutdown", context.Cause(ctx)
	}
	if emitErr := out.Emit(ctx, protocol.Error{Detail: err.Error()}); emitErr != nil {
		c.logger.Debug("error event not delivered", slogError(emitErr))
	}
	return "error", err
}

func disconnected(ctx context.Context, err error) bool {
	return errors.Is(err, protocol.ErrDisconnected) || errors.Is(context.Cause(ctx), protocol.ErrDisconnected)
}

func withInterjections(input string, messages []string) string {
	var sb strings.Builder
	sb.WriteString(input)
	for _, msg := range messages {
		msg = strings.TrimSpace(msg)
		if msg == "" {
			continue
		}
		sb.WriteString("\n")
		sb.WriteString(interjectionPrefix)
		sb.WriteString(msg)
	}
	return sb.String()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
