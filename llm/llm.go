// Package llm wraps chat-completion providers behind a single Adapter
// interface. The engine only ever sees Invoke(request) -> response; provider
// specifics (message conversion, streaming, usage extraction) live in the
// concrete adapters.
package llm

import (
	"context"
	"encoding/json"
)

// Role is the conversational role of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// ToolCall is one structured tool request issued by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one provider-neutral conversation message.
//
// Tool replies carry ToolCallID and Name so the adapter can pair them with
// the assistant tool call they answer.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

// ToolDef describes one tool offered to the model. InputSchema is a JSON
// Schema object.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolChoice controls how the model may use tools on one invocation.
type ToolChoice string

const (
	// ToolChoiceAuto lets the model decide whether to call tools.
	ToolChoiceAuto ToolChoice = "auto"

	// ToolChoiceRequired forces the model to call at least one tool. Used by
	// the empty-response retry.
	ToolChoiceRequired ToolChoice = "required"
)

// Request is one chat-completion invocation.
type Request struct {
	Model           string
	System          string
	Messages        []Message
	Tools           []ToolDef
	ToolChoice      ToolChoice
	MaxTokens       int64
	ReasoningEffort string

	// OnToken, when set, receives text deltas as the provider streams them.
	// Adapters that cannot stream may deliver the full text in one call.
	OnToken func(token string)
}

// Usage aggregates token counts across one or more invocations.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.ReasoningTokens += other.ReasoningTokens
}

// Response is the assistant turn produced by one invocation.
type Response struct {
	// MessageID is the provider's message id, when it assigns one.
	MessageID string

	Content    string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// HasToolCalls reports whether the model requested any tool invocations.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// IsEmpty reports whether the model produced neither text nor tool calls.
// The engine treats this as a malformed turn and retries once with
// ToolChoiceRequired.
func (r *Response) IsEmpty() bool {
	return r.Content == "" && len(r.ToolCalls) == 0
}

// Adapter is the provider seam. Implementations must be safe for concurrent
// use; the engine and the summary extractor share one adapter.
type Adapter interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
}
