// Package tool defines the uniform tool contract consumed by the engine: a
// named callable with a JSON Schema argument contract, an immutable registry
// with allowlist filtering, and a resolver that can stub selected tools in
// test mode.
package tool

import (
	"context"
	"encoding/json"
)

// Tool is the interface that all tools must implement.
//
// A tool that wants to return a structured error without raising may return
// the JSON envelope {"ok": false, "user_message": "..."}; the engine treats
// such a result as a tool error.
type Tool interface {
	// Name returns the tool name (used in API calls).
	Name() string

	// Description returns a human-readable description of what the tool does.
	Description() string

	// InputSchema returns the JSON Schema for the tool's input parameters.
	InputSchema() ToolSchema

	// Execute runs the tool with the provided input and returns the result.
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// ToolSchema defines the JSON Schema for a tool's input parameters.
type ToolSchema struct {
	// Type must be "object"
	Type string `json:"type"`

	// Properties defines the tool's parameters
	Properties map[string]PropertyDef `json:"properties"`

	// Required lists the names of required parameters
	Required []string `json:"required,omitempty"`
}

// PropertyDef defines a single property in the tool schema.
type PropertyDef struct {
	// Type is the JSON Schema type (string, number, boolean, array, object)
	Type string `json:"type"`

	// Description explains what this parameter is for
	Description string `json:"description,omitempty"`

	// Enum restricts the parameter to specific values
	Enum []string `json:"enum,omitempty"`

	// Items defines the schema for array items (when Type is "array")
	Items *PropertyDef `json:"items,omitempty"`

	// Properties defines nested object properties (when Type is "object")
	Properties map[string]PropertyDef `json:"properties,omitempty"`

	// Minimum/Maximum for number types
	Minimum *float64 `json:"minimum,omitempty"`
	Maximum *float64 `json:"maximum,omitempty"`
}

// ToMap renders the schema as a generic JSON Schema object, the form the
// LLM adapters and the validator consume. A parameterless tool's nil
// Properties must render as {}: null fails the metaschema.
func (s ToolSchema) ToMap() map[string]any {
	if s.Properties == nil {
		s.Properties = map[string]PropertyDef{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// funcTool is a simple Tool implementation using a function.
type funcTool struct {
	name        string
	description string
	schema      ToolSchema
	fn          func(context.Context, json.RawMessage) (string, error)
}

func (t *funcTool) Name() string            { return t.name }
func (t *funcTool) Description() string     { return t.description }
func (t *funcTool) InputSchema() ToolSchema { return t.schema }

func (t *funcTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	return t.fn(ctx, input)
}

// NewFuncTool creates a Tool from a function.
// This is useful for simple tools where you don't want to create a full struct.
func NewFuncTool(
	name string,
	description string,
	schema ToolSchema,
	fn func(context.Context, json.RawMessage) (string, error),
) Tool {
	return &funcTool{
		name:        name,
		description: description,
		schema:      schema,
		fn:          fn,
	}
}

// ErrorEnvelope is the standard non-raising error return: a tool may encode
// {"ok": false, "user_message": ...} instead of returning a Go error.
type ErrorEnvelope struct {
	OK          bool   `json:"ok"`
	UserMessage string `json:"user_message"`
}

// ErrorResult encodes the standard error envelope.
func ErrorResult(userMessage string) string {
	data, _ := json.Marshal(ErrorEnvelope{OK: false, UserMessage: userMessage})
	return string(data)
}

// IsErrorResult reports whether a tool result is the standard error envelope
// with ok=false, along with its user message.
func IsErrorResult(result string) (string, bool) {
	trimmed := []byte(result)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", false
	}
	var env struct {
		OK          *bool  `json:"ok"`
		UserMessage string `json:"user_message"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return "", false
	}
	if env.OK == nil || *env.OK {
		return "", false
	}
	return env.UserMessage, true
}
