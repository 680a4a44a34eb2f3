package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// StubFunc is a test replacement for a tool body. It receives the original
// arguments and short-circuits the real Execute.
type StubFunc func(ctx context.Context, input json.RawMessage) (string, error)

// Resolver resolves tool names against an immutable registry, optionally
// overriding selected tools with stubs. Stubbing is a test-only facility:
// constructing stubs without test mode fails with ErrStubsNotAllowed.
type Resolver struct {
	registry *Registry
	testMode bool
	stubs    map[string]StubFunc
}

// NewResolver wraps a registry. testMode gates WithStubs.
func NewResolver(registry *Registry, testMode bool) *Resolver {
	return &Resolver{
		registry: registry,
		testMode: testMode,
	}
}

// Registry returns the underlying registry.
func (r *Resolver) Registry() *Registry {
	return r.registry
}

// WithStubs returns a copy of the resolver in which the named tools are
// short-circuited by stub. Every name must resolve; the receiver is not
// mutated.
func (r *Resolver) WithStubs(stub StubFunc, names ...string) (*Resolver, error) {
	if !r.testMode {
		return nil, ErrStubsNotAllowed
	}
	if stub == nil {
		return nil, fmt.Errorf("stub function is required")
	}

	stubs := make(map[string]StubFunc, len(r.stubs)+len(names))
	for name, fn := range r.stubs {
		stubs[name] = fn
	}
	for _, name := range names {
		if !r.registry.Has(name) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
		}
		stubs[name] = stub
	}

	return &Resolver{
		registry: r.registry,
		testMode: r.testMode,
		stubs:    stubs,
	}, nil
}

// Resolve returns the tool registered under name, wrapped by its stub when
// one is installed.
func (r *Resolver) Resolve(name string) (Tool, error) {
	t, ok := r.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if stub, ok := r.stubs[name]; ok {
		return &stubbedTool{Tool: t, stub: stub}, nil
	}
	return t, nil
}

// Filter applies the registry allowlist filter, substituting stubbed
// wrappers where installed.
func (r *Resolver) Filter(allowlist []string) []Tool {
	tools := r.registry.Filter(allowlist)
	if len(r.stubs) == 0 {
		return tools
	}
	out := make([]Tool, len(tools))
	for i, t := range tools {
		if stub, ok := r.stubs[t.Name()]; ok {
			out[i] = &stubbedTool{Tool: t, stub: stub}
			continue
		}
		out[i] = t
	}
	return out
}

// Execute validates arguments against the registry schema and runs the
// resolved (possibly stubbed) tool.
func (r *Resolver) Execute(ctx context.Context, name string, input json.RawMessage) (string, error) {
	t, err := r.Resolve(name)
	if err != nil {
		return "", err
	}
	if err := r.registry.ValidateInput(name, input); err != nil {
		return "", err
	}
	return t.Execute(ctx, input)
}

// stubbedTool keeps the original name, description, and schema while
// short-circuiting Execute.
type stubbedTool struct {
	Tool
	stub StubFunc
}

func (t *stubbedTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	return t.stub(ctx, input)
}
