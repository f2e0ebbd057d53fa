// Package tools implements the tool dispatcher: a registry of
// model-callable tools with verification gating and argument
// validation. Every tool call produces a tool_result block; handler
// failures surface to the model as error results, never as Go errors.
package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/caregent/caregent/internal/llm"
	"github.com/caregent/caregent/internal/session"
)

// gatedRefusal is returned verbatim for protected tools called before
// verification. It carries no error flag so the model treats it as a
// normal instruction rather than a malfunction.
const gatedRefusal = "Please verify the patient's identity first before accessing appointment information."

// Handler executes one tool call against the given session. The
// returned string becomes the tool_result content.
type Handler func(ctx context.Context, args map[string]any, sess *session.Session) (string, error)

// Tool is one registered tool. Gated tools refuse to run until the
// session is verified.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Gated       bool
	Handler     Handler
}

// Registry dispatches tool calls by name, preserving registration
// order in the schemas it advertises.
type Registry struct {
	tools  map[string]Tool
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger,
	}
}

// Register adds a tool. Registering the same name twice replaces the
// earlier tool but keeps its position.
func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Schemas returns the model-facing tool definitions in registration
// order.
func (r *Registry) Schemas() []llm.ToolSchema {
	out := make([]llm.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, llm.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Execute runs one tool call and always returns a tool_result block
// answering it. Unknown tools and handler failures become error
// results; protected tools called on an unverified session return the
// fixed refusal with no error flag.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall, sess *session.Session) llm.Block {
	t, ok := r.tools[call.Name]
	if !ok {
		r.logger.Warn("unknown tool requested", "tool", call.Name)
		return llm.ToolResultBlock(call.ID, fmt.Sprintf("Unknown tool: %s", call.Name), true)
	}

	if t.Gated && (!sess.Verified || sess.PatientID == "") {
		r.logger.Info("gated tool refused, session unverified",
			"tool", call.Name,
			"session_id", sess.ID,
		)
		return llm.ToolResultBlock(call.ID, gatedRefusal, false)
	}

	content, err := t.Handler(ctx, call.Args, sess)
	if err != nil {
		r.logger.Error("tool handler failed",
			"tool", call.Name,
			"session_id", sess.ID,
			"error", err,
		)
		return llm.ToolResultBlock(call.ID, fmt.Sprintf("Tool %s failed: %v", call.Name, err), true)
	}

	r.logger.Debug("tool executed", "tool", call.Name, "session_id", sess.ID)
	return llm.ToolResultBlock(call.ID, content, false)
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}
