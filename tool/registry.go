package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Registry is an immutable, name-keyed tool map built once at startup.
// Construction validates every schema and compiles it for argument
// validation; duplicate names fail construction.
type Registry struct {
	tools   map[string]Tool
	ordered []string
	schemas map[string]*compiledSchema
}

// NewRegistry builds a registry from the given tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{
		tools:   make(map[string]Tool, len(tools)),
		schemas: make(map[string]*compiledSchema, len(tools)),
	}
	for _, t := range tools {
		if err := r.add(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) add(t Tool) error {
	if t == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}

	schema := t.InputSchema()
	if schema.Type != "object" {
		return fmt.Errorf("tool %s: schema type must be 'object', got %q", name, schema.Type)
	}
	compiled, err := compileSchema(name, schema)
	if err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}

	r.tools[name] = t
	r.ordered = append(r.ordered, name)
	r.schemas[name] = compiled
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// All returns every registered tool in registration order.
func (r *Registry) All() []Tool {
	out := make([]Tool, 0, len(r.ordered))
	for _, name := range r.ordered {
		out = append(out, r.tools[name])
	}
	return out
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	return len(r.tools)
}

// Filter returns the tools matched by the allowlist, in registration order.
// Each pattern is either an exact name or a "prefix*" wildcard. A nil
// allowlist returns every tool; an empty one returns none.
func (r *Registry) Filter(allowlist []string) []Tool {
	if allowlist == nil {
		return r.All()
	}
	out := make([]Tool, 0, len(r.ordered))
	for _, name := range r.ordered {
		if matchAllowlist(name, allowlist) {
			out = append(out, r.tools[name])
		}
	}
	return out
}

func matchAllowlist(name string, allowlist []string) bool {
	for _, pattern := range allowlist {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			if strings.HasPrefix(name, prefix) {
				return true
			}
			continue
		}
		if name == pattern {
			return true
		}
	}
	return false
}

// ValidateInput validates raw arguments against a registered tool's compiled
// schema.
func (r *Registry) ValidateInput(name string, input json.RawMessage) error {
	compiled, ok := r.schemas[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return compiled.validate(input)
}

// Execute validates and runs a tool by name.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if err := r.ValidateInput(name, input); err != nil {
		return "", err
	}
	return t.Execute(ctx, input)
}
