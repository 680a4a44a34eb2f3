package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ScriptedAdapter replays a fixed sequence of responses. Tests use it to
// drive the engine deterministically without a provider; each Invoke consumes
// the next scripted step in order.
type ScriptedAdapter struct {
	mu       sync.Mutex
	steps    []ScriptedStep
	next     int
	requests []*Request
}

// ScriptedStep is one scripted turn: either a response or an error, with an
// optional artificial delay (heartbeat and timeout tests rely on it).
type ScriptedStep struct {
	Response *Response
	Err      error
	Delay    time.Duration
}

// NewScriptedAdapter creates an adapter that replays steps in order.
func NewScriptedAdapter(steps ...ScriptedStep) *ScriptedAdapter {
	return &ScriptedAdapter{steps: steps}
}

// TextStep scripts a plain assistant message.
func TextStep(content string) ScriptedStep {
	return ScriptedStep{Response: &Response{Content: content, StopReason: "end_turn"}}
}

// ToolCallStep scripts an assistant message requesting the given tool calls.
func ToolCallStep(calls ...ToolCall) ScriptedStep {
	return ScriptedStep{Response: &Response{ToolCalls: calls, StopReason: "tool_use"}}
}

// Invoke returns the next scripted step. Running past the script is a test
// bug and fails loudly.
func (a *ScriptedAdapter) Invoke(ctx context.Context, req *Request) (*Response, error) {
	a.mu.Lock()
	if a.next >= len(a.steps) {
		a.mu.Unlock()
		return nil, fmt.Errorf("scripted adapter exhausted after %d invocations", len(a.steps))
	}
	step := a.steps[a.next]
	a.next++
	a.requests = append(a.requests, req)
	a.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}

	resp := *step.Response
	if req.OnToken != nil && resp.Content != "" {
		req.OnToken(resp.Content)
	}
	return &resp, nil
}

// Requests returns a snapshot of every request seen so far, in order.
func (a *ScriptedAdapter) Requests() []*Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Request, len(a.requests))
	copy(out, a.requests)
	return out
}

// Invocations returns how many times Invoke has been called.
func (a *ScriptedAdapter) Invocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}
