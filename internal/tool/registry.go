// Package tool implements the tool registry and executor.
//
// Tools are registered before the server accepts connections; the registry is
// sealed at startup and effectively immutable afterwards, which is what makes
// it safe to share across sessions. The executor dispatches tool-call
// batches with per-call validation, timeouts, and policy-aware ordering.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// Call is the validated invocation handed to a tool handler.
type Call struct {
	// SessionID identifies the calling session.
	SessionID string

	// TurnID identifies the calling turn.
	TurnID string

	// Arguments is the validated argument map.
	Arguments map[string]any
}

// Handler executes one tool call. The context carries the turn's cancel
// signal and the per-tool timeout; handlers must respect both.
type Handler func(ctx context.Context, call Call) (any, error)

// entry pairs a definition with its handler and pre-compiled schema.
type entry struct {
	def     types.ToolDefinition
	handler Handler
	schema  *gojsonschema.Schema
}

// Registry holds the registered tools. Registration happens at startup;
// after Seal every further Register fails.
type Registry struct {
	mu      sync.RWMutex
	sealed  bool
	entries map[string]entry
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a tool. It rejects duplicate names, nil handlers, and
// parameter schemas that do not compile. The schema is compiled once here so
// per-call validation is cheap.
func (r *Registry) Register(def types.ToolDefinition, h Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tool: definition must have a name")
	}
	if h == nil {
		return fmt.Errorf("tool: %q has a nil handler", def.Name)
	}

	var compiled *gojsonschema.Schema
	if def.Parameters != nil {
		raw, err := json.Marshal(def.Parameters)
		if err != nil {
			return fmt.Errorf("tool: marshal schema for %q: %w", def.Name, err)
		}
		compiled, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return fmt.Errorf("tool: compile schema for %q: %w", def.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("tool: registry is sealed, cannot register %q", def.Name)
	}
	if _, exists := r.entries[def.Name]; exists {
		return fmt.Errorf("tool: %q is already registered", def.Name)
	}
	r.entries[def.Name] = entry{def: def, handler: h, schema: compiled}
	r.order = append(r.order, def.Name)
	return nil
}

// Seal freezes the registry. Called once the server starts accepting
// connections.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Definition returns the definition of name.
func (r *Registry) Definition(name string) (types.ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.def, ok
}

// Definitions returns all definitions in registration order.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].def)
	}
	return out
}

// DefinitionsFor resolves a subset of tool names, preserving the given
// order. Unknown names are an error; playbook stages must only reference
// registered tools.
func (r *Registry) DefinitionsFor(names []string) ([]types.ToolDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolDefinition, 0, len(names))
	for _, name := range names {
		e, ok := r.entries[name]
		if !ok {
			return nil, fmt.Errorf("tool: %q is not registered", name)
		}
		out = append(out, e.def)
	}
	return out, nil
}

// lookup returns the full entry for the executor.
func (r *Registry) lookup(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}
