package hydra

import (
	"context"
	"encoding/json"
	"sync"
)

// Tool defines an engine capability with one or more tool functions.
// Argument parsers must tolerate unknown keys silently.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolOutput, error)
}

// CallAgentTool is the delegation pseudo-tool. It is declared in the catalog
// like any other tool but executed by the dispatcher through engine
// re-entry, never by a registry implementation.
const CallAgentTool = "call_agent"

// mutatingTools are the file-mutating tools the edit-phase enforcement cares
// about.
var mutatingTools = map[string]bool{
	"write_file": true,
	"edit_file":  true,
}

// ToolRegistry holds all registered tools and dispatches execution. The
// declaration catalog is built once and reused byte-identically across
// requests so the provider can cache it.
type ToolRegistry struct {
	mu     sync.Mutex
	tools  []Tool
	byName map[string]Tool
	defs   []ToolDefinition
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{byName: make(map[string]Tool)}
}

// Add registers a tool. Must be called before the first Definitions use.
func (r *ToolRegistry) Add(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = append(r.tools, t)
	for _, d := range t.Definitions() {
		r.byName[d.Name] = t
	}
	r.defs = nil
}

// Definitions returns the static catalog: every registered declaration plus
// the call_agent declaration, in registration order.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defs == nil {
		for _, t := range r.tools {
			r.defs = append(r.defs, t.Definitions()...)
		}
		r.defs = append(r.defs, ToolDefinition{
			Name:        CallAgentTool,
			Description: "Delegate a sub-task to another specialist agent and return its answer.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"agent":{"type":"string","description":"Target agent id"},"task":{"type":"string","description":"Self-contained task description"}},"required":["agent","task"]}`),
		})
	}
	return r.defs
}

// Restricted returns the catalog subset with the given names, preserving
// catalog order. Used by the edit-phase enforcement.
func (r *ToolRegistry) Restricted(names ...string) []ToolDefinition {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []ToolDefinition
	for _, d := range r.Definitions() {
		if want[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

// Execute dispatches a tool call by name. Unknown tools are an error value,
// not a Go error: the loop keeps running either way.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolOutput, error) {
	r.mu.Lock()
	t, ok := r.byName[name]
	r.mu.Unlock()
	if !ok {
		return ToolOutput{Text: "TOOL_ERROR: unknown tool: " + name}, nil
	}
	return t.Execute(ctx, name, args)
}
