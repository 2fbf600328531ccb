package router

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/loqalabs/duet/internal/router"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)

	turnCounter, _     = meter.Int64Counter("duet.router.turns", metric.WithDescription("Turns executed by the router"))
	failureCounter, _  = meter.Int64Counter("duet.router.session_failures", metric.WithDescription("Turns that ended in a session failure"))
	toolCallCounter, _ = meter.Int64Counter("duet.router.tool_calls", metric.WithDescription("Tool calls answered during turns"))
)
