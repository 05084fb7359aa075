// Package tools defines the tools the assistant can call and the registry
// the tool loop executes them through. Tools carry their own JSON input
// schema for the model and an approval flag: destructive tools suspend the
// turn until the user decides.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/kompose-ai/kompose/internal/model"
)

// Handler executes a tool call. Input and output travel as raw JSON; the
// typed adapter in NewTool handles conversion.
type Handler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Definition is one registered tool.
type Definition struct {
	Name             string
	Description      string
	RequiresApproval bool
	InputSchema      *jsonschema.Schema
	Handler          Handler
}

// NewTool builds a Definition with type-safe input and output handling.
// The input schema is derived from In; type erasure keeps the registry
// homogeneous.
func NewTool[In, Out any](name, description string, requiresApproval bool, fn func(ctx context.Context, input In) (Out, error)) (*Definition, error) {
	schema, err := jsonschema.For[In](nil)
	if err != nil {
		return nil, fmt.Errorf("schema for %s: %w", name, err)
	}

	handler := func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		var input In
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &input); err != nil {
				return nil, fmt.Errorf("invalid input for %s: %w", name, err)
			}
		}
		out, err := fn(ctx, input)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encode output of %s: %w", name, err)
		}
		return encoded, nil
	}

	return &Definition{
		Name:             name,
		Description:      description,
		RequiresApproval: requiresApproval,
		InputSchema:      schema,
		Handler:          handler,
	}, nil
}

// Registry holds the registered tools. Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a definition. Duplicate names are rejected.
func (r *Registry) Register(def *Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Lookup returns the definition for a tool name.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// RequiresApproval reports whether the named tool needs a human decision.
// Unknown tools require approval so a hallucinated name can never execute
// silently.
func (r *Registry) RequiresApproval(name string) bool {
	def, ok := r.Lookup(name)
	if !ok {
		return true
	}
	return def.RequiresApproval
}

// Specs returns the model-facing tool declarations, sorted by name for
// stable prompts.
func (r *Registry) Specs() []model.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]model.ToolSpec, 0, len(r.defs))
	for _, def := range r.defs {
		specs = append(specs, model.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
