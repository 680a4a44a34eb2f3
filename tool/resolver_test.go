package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestResolver_WithStubsRequiresTestMode(t *testing.T) {
	r, err := NewRegistry(textTool("echo"))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	resolver := NewResolver(r, false)

	_, err = resolver.WithStubs(func(context.Context, json.RawMessage) (string, error) {
		return "stubbed", nil
	}, "echo")
	if !errors.Is(err, ErrStubsNotAllowed) {
		t.Errorf("WithStubs outside test mode = %v, want ErrStubsNotAllowed", err)
	}
}

func TestResolver_WithStubs(t *testing.T) {
	r, err := NewRegistry(textTool("echo"), textTool("other"))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	resolver := NewResolver(r, true)

	stubbed, err := resolver.WithStubs(func(context.Context, json.RawMessage) (string, error) {
		return "stubbed", nil
	}, "echo")
	if err != nil {
		t.Fatalf("WithStubs failed: %v", err)
	}

	out, err := stubbed.Execute(context.Background(), "echo", json.RawMessage(`{"text":"real"}`))
	if err != nil {
		t.Fatalf("Execute (stubbed) failed: %v", err)
	}
	if out != "stubbed" {
		t.Errorf("Stubbed result = %q, want stubbed", out)
	}

	// The other tool still runs its real body.
	out, err = stubbed.Execute(context.Background(), "other", json.RawMessage(`{"text":"real"}`))
	if err != nil {
		t.Fatalf("Execute (real) failed: %v", err)
	}
	if out != "real" {
		t.Errorf("Real result = %q, want real", out)
	}

	// The receiver is not mutated.
	out, err = resolver.Execute(context.Background(), "echo", json.RawMessage(`{"text":"real"}`))
	if err != nil {
		t.Fatalf("Execute (original) failed: %v", err)
	}
	if out != "real" {
		t.Errorf("Original resolver result = %q, want real", out)
	}
}

func TestResolver_WithStubsUnknownName(t *testing.T) {
	r, err := NewRegistry(textTool("echo"))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	resolver := NewResolver(r, true)

	_, err = resolver.WithStubs(func(context.Context, json.RawMessage) (string, error) {
		return "", nil
	}, "missing")
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("WithStubs(missing) = %v, want ErrUnknownTool", err)
	}
}

func TestResolver_StubStillValidatesInput(t *testing.T) {
	r, err := NewRegistry(textTool("echo"))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	resolver := NewResolver(r, true)
	stubbed, err := resolver.WithStubs(func(context.Context, json.RawMessage) (string, error) {
		t.Error("Stub must not run on invalid input")
		return "", nil
	}, "echo")
	if err != nil {
		t.Fatalf("WithStubs failed: %v", err)
	}

	if _, err := stubbed.Execute(context.Background(), "echo", json.RawMessage(`{}`)); err == nil {
		t.Error("Expected schema validation to reject the input before the stub")
	}
}

func TestResolver_FilterSubstitutesStubs(t *testing.T) {
	r, err := NewRegistry(textTool("echo"), textTool("other"))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	resolver := NewResolver(r, true)
	stubbed, err := resolver.WithStubs(func(context.Context, json.RawMessage) (string, error) {
		return "stubbed", nil
	}, "echo")
	if err != nil {
		t.Fatalf("WithStubs failed: %v", err)
	}

	tools := stubbed.Filter([]string{"echo"})
	if len(tools) != 1 {
		t.Fatalf("Filter = %d tools, want 1", len(tools))
	}
	// The wrapper keeps the original name and schema.
	if tools[0].Name() != "echo" {
		t.Errorf("Name = %s, want echo", tools[0].Name())
	}
	out, err := tools[0].Execute(context.Background(), json.RawMessage(`{"text":"real"}`))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out != "stubbed" {
		t.Errorf("Filtered tool result = %q, want stubbed", out)
	}
}

func TestErrorResultRoundTrip(t *testing.T) {
	encoded := ErrorResult("quota exceeded")
	msg, ok := IsErrorResult(encoded)
	if !ok {
		t.Fatal("Expected the envelope to be recognized")
	}
	if msg != "quota exceeded" {
		t.Errorf("user_message = %q, want quota exceeded", msg)
	}

	for _, s := range []string{"plain text", `{"ok":true}`, `{"other":1}`, ""} {
		if _, ok := IsErrorResult(s); ok {
			t.Errorf("IsErrorResult(%q) = true, want false", s)
		}
	}
}
