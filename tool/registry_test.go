package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func textTool(name string) Tool {
	schema := ToolSchema{
		Type: "object",
		Properties: map[string]PropertyDef{
			"text": {Type: "string", Description: "input text"},
		},
		Required: []string{"text"},
	}
	return NewFuncTool(name, "Echoes its text argument.", schema,
		func(_ context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			return args.Text, nil
		})
}

// noArgTool has no parameters at all; its schema carries nil Properties.
func noArgTool(name string) Tool {
	return NewFuncTool(name, "Takes no arguments.", ToolSchema{Type: "object"},
		func(context.Context, json.RawMessage) (string, error) {
			return "ok", nil
		})
}

func TestNewRegistry_AcceptsParameterlessTool(t *testing.T) {
	// A nil Properties map must compile; the schema renders as {} rather
	// than null.
	r, err := NewRegistry(noArgTool("ping"))
	if err != nil {
		t.Fatalf("NewRegistry failed for a parameterless tool: %v", err)
	}
	if err := r.ValidateInput("ping", json.RawMessage(`{}`)); err != nil {
		t.Errorf("ValidateInput({}) = %v, want nil", err)
	}
	if err := r.ValidateInput("ping", nil); err != nil {
		t.Errorf("ValidateInput(nil) = %v, want nil", err)
	}

	out, err := r.Execute(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out != "ok" {
		t.Errorf("Execute = %q, want ok", out)
	}
}

func TestToolSchema_ToMapNilProperties(t *testing.T) {
	m := ToolSchema{Type: "object"}.ToMap()
	props, ok := m["properties"].(map[string]any)
	if !ok {
		t.Fatalf("properties = %T (%v), want an object", m["properties"], m["properties"])
	}
	if len(props) != 0 {
		t.Errorf("properties = %v, want empty", props)
	}
}

func TestNewRegistry_Rejections(t *testing.T) {
	if _, err := NewRegistry(nil); err == nil {
		t.Error("Expected nil tool to be rejected")
	}
	if _, err := NewRegistry(textTool("echo"), textTool("echo")); err == nil {
		t.Error("Expected duplicate name to be rejected")
	}
	bad := NewFuncTool("bad", "Schema is not an object.", ToolSchema{Type: "string"},
		func(context.Context, json.RawMessage) (string, error) { return "", nil })
	if _, err := NewRegistry(bad); err == nil {
		t.Error("Expected non-object schema to be rejected")
	}
}

func TestRegistry_ValidateInput(t *testing.T) {
	r, err := NewRegistry(textTool("echo"))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	if err := r.ValidateInput("echo", json.RawMessage(`{"text":"hi"}`)); err != nil {
		t.Errorf("Valid input rejected: %v", err)
	}
	if err := r.ValidateInput("echo", json.RawMessage(`{}`)); err == nil {
		t.Error("Expected missing required property to fail validation")
	}
	if err := r.ValidateInput("echo", json.RawMessage(`{"text":42}`)); err == nil {
		t.Error("Expected wrong type to fail validation")
	}
	if err := r.ValidateInput("nope", json.RawMessage(`{}`)); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("Unknown tool error = %v, want ErrUnknownTool", err)
	}
}

func TestRegistry_Filter(t *testing.T) {
	r, err := NewRegistry(
		textTool("db_query"),
		textTool("db_insert"),
		textTool("web_fetch"),
	)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	names := func(tools []Tool) []string {
		out := make([]string, len(tools))
		for i, tl := range tools {
			out[i] = tl.Name()
		}
		return out
	}

	tests := []struct {
		name      string
		allowlist []string
		want      []string
	}{
		{"nil returns all", nil, []string{"db_query", "db_insert", "web_fetch"}},
		{"empty returns none", []string{}, nil},
		{"exact match", []string{"web_fetch"}, []string{"web_fetch"}},
		{"prefix wildcard", []string{"db_*"}, []string{"db_query", "db_insert"}},
		{"mixed", []string{"db_insert", "web_*"}, []string{"db_insert", "web_fetch"}},
		{"no match", []string{"shell_*"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := names(r.Filter(tt.allowlist))
			if len(got) != len(tt.want) {
				t.Fatalf("Filter(%v) = %v, want %v", tt.allowlist, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Filter(%v)[%d] = %s, want %s", tt.allowlist, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestRegistry_ExecuteUnknownTool(t *testing.T) {
	r, err := NewRegistry(textTool("echo"))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	if _, err := r.Execute(context.Background(), "missing", json.RawMessage(`{}`)); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("Execute(missing) error = %v, want ErrUnknownTool", err)
	}
}
