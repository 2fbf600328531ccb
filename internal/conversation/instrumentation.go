package conversation

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/loqalabs/duet/internal/conversation"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)

	turnCounter, _      = meter.Int64Counter("duet.conversation.turns", metric.WithDescription("Completed conversation turns"))
	emptyTurnCounter, _ = meter.Int64Counter("duet.conversation.empty_turns", metric.WithDescription("Turns that produced no text"))
	synthFailures, _    = meter.Int64Counter("duet.conversation.synthesis_failures", metric.WithDescription("Failed synthesis calls"))
	outcomeCounter, _   = meter.Int64Counter("duet.conversation.outcomes", metric.WithDescription("Conversations by termination reason"))
	synthLatency, _     = meter.Float64Histogram("duet.conversation.synthesis_seconds",
		metric.WithDescription("Synthesis latency"), metric.WithUnit("s"))
)
