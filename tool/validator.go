package tool

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compiledSchema wraps a compiled JSON Schema for one tool's arguments.
type compiledSchema struct {
	schema *jsonschema.Schema
}

// compileSchema compiles a ToolSchema at registry build time so that
// malformed schemas fail construction rather than the first call.
func compileSchema(toolName string, schema ToolSchema) (*compiledSchema, error) {
	raw, err := json.Marshal(schema.ToMap())
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid schema document: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	url := "hivepg://tools/" + toolName + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &compiledSchema{schema: compiled}, nil
}

// validate checks raw JSON arguments against the compiled schema. A
// validation failure is reported as an error the engine turns into a
// tool-error message, never a crash.
func (c *compiledSchema) validate(input json.RawMessage) error {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(input))
	if err != nil {
		return fmt.Errorf("invalid JSON input: %w", err)
	}
	if err := c.schema.Validate(value); err != nil {
		return fmt.Errorf("input validation failed: %w", err)
	}
	return nil
}
