// Package tools holds the function tools a speaker may call mid-turn.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
)

// Call is a function call requested by a speaker.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Result is the response handed back to the speaker for a Call.
type Result struct {
	ID       string
	Name     string
	Response map[string]any
}

// Handler executes a call with decoded arguments.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Tool describes one callable function.
type Tool struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
	Handler     Handler
}

// Registry is a concurrency-safe set of tools keyed by name.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger.With(slog.String("component", "tools")),
	}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Tools returns the registered tools sorted by name.
func (r *Registry) Tools() []Tool {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke runs call. Failures are reported to the speaker inside the response
// rather than returned, so a bad tool call never aborts a turn.
func (r *Registry) Invoke(ctx context.Context, call Call) Result {
	res := Result{ID: call.ID, Name: call.Name}
	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("unknown tool requested", slog.String("tool", call.Name))
		res.Response = map[string]any{"error": fmt.Sprintf("unknown tool %q", call.Name)}
		return res
	}
	out, err := tool.Handler(ctx, call.Args)
	if err != nil {
		r.logger.Warn("tool call failed", slog.String("tool", call.Name), slog.String("error", err.Error()))
		res.Response = map[string]any{"error": err.Error()}
		return res
	}
	r.logger.Info("tool call handled", slog.String("tool", call.Name))
	res.Response = out
	return res
}

// Typed builds a Tool whose parameters schema is reflected from T and whose
// arguments are decoded into T before fn runs.
func Typed[T any](name, description string, fn func(ctx context.Context, params T) (map[string]any, error)) Tool {
	return Tool{
		Name:        name,
		Description: description,
		Parameters:  SchemaFor[T](),
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			var params T
			raw, err := json.Marshal(args)
			if err != nil {
				return nil, fmt.Errorf("encode %s args: %w", name, err)
			}
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, fmt.Errorf("decode %s args: %w", name, err)
			}
			return fn(ctx, params)
		},
	}
}

// SchemaFor reflects an inline JSON schema for T.
func SchemaFor[T any]() *jsonschema.Schema {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(new(T))
	schema.Version = ""
	return schema
}
