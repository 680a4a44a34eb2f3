package hivepg

import (
	"fmt"

	"github.com/youssefsiam38/hivepg/llm"
	"github.com/youssefsiam38/hivepg/storage"
)

// messageBuilder assembles the provider message array in conversation order
// and enforces the shape the providers require: tool replies must answer a
// tool call on the most recent assistant message, and every assistant tool
// call is either answered or left pending for resume detection.
type messageBuilder struct {
	messages []llm.Message

	// pending maps unanswered tool call ids of the latest assistant message
	// to their call definition.
	pending map[string]llm.ToolCall

	// pendingOrder preserves the assistant's call order.
	pendingOrder []string
}

func newMessageBuilder() *messageBuilder {
	return &messageBuilder{
		pending: make(map[string]llm.ToolCall),
	}
}

// AddUser appends a user message.
func (b *messageBuilder) AddUser(content string) {
	b.messages = append(b.messages, llm.Message{Role: llm.RoleUser, Content: content})
}

// AddSystem appends a system message. Mid-conversation system messages are
// legal here; the adapter decides how to render them for its provider.
func (b *messageBuilder) AddSystem(content string) {
	b.messages = append(b.messages, llm.Message{Role: llm.RoleSystem, Content: content})
}

// AddAssistant appends an assistant message and opens its tool calls for
// replies. Any previously pending calls are abandoned: the providers treat a
// new assistant turn as superseding unanswered calls.
func (b *messageBuilder) AddAssistant(content string, toolCalls []llm.ToolCall) {
	b.messages = append(b.messages, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   content,
		ToolCalls: toolCalls,
	})
	b.pending = make(map[string]llm.ToolCall, len(toolCalls))
	b.pendingOrder = b.pendingOrder[:0]
	for _, tc := range toolCalls {
		b.pending[tc.ID] = tc
		b.pendingOrder = append(b.pendingOrder, tc.ID)
	}
}

// AddToolReply appends a tool reply answering one pending call. Replies to
// unknown or already-answered calls are rejected; callers downgrade those to
// internal notifications instead of corrupting the array.
func (b *messageBuilder) AddToolReply(toolCallID, name, content string) error {
	if _, ok := b.pending[toolCallID]; !ok {
		return fmt.Errorf("tool reply %s does not answer a pending tool call", toolCallID)
	}
	delete(b.pending, toolCallID)
	for i, id := range b.pendingOrder {
		if id == toolCallID {
			b.pendingOrder = append(b.pendingOrder[:i], b.pendingOrder[i+1:]...)
			break
		}
	}
	b.messages = append(b.messages, llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		Name:       name,
	})
	return nil
}

// PendingToolCalls returns the unanswered calls of the latest assistant
// message in call order. Non-empty output at build time is what resume
// detection keys on.
func (b *messageBuilder) PendingToolCalls() []llm.ToolCall {
	out := make([]llm.ToolCall, 0, len(b.pendingOrder))
	for _, id := range b.pendingOrder {
		out = append(out, b.pending[id])
	}
	return out
}

// Build returns the assembled array. Pending tool calls are allowed; they
// mean the conversation is mid-interrupt.
func (b *messageBuilder) Build() []llm.Message {
	return b.messages
}

// buildConversation folds persisted thread messages through the builder,
// producing the provider array plus the pending calls for resume detection.
// Tool replies that no longer match a pending call are skipped: their
// fallback notification twin (internal user message) already carries the
// content.
func buildConversation(messages []*storage.Message) ([]llm.Message, []llm.ToolCall) {
	b := newMessageBuilder()
	for _, msg := range messages {
		switch msg.Role {
		case storage.MessageRoleUser:
			b.AddUser(msg.Content)
		case storage.MessageRoleSystem:
			b.AddSystem(msg.Content)
		case storage.MessageRoleAssistant:
			b.AddAssistant(msg.Content, convertToolCalls(msg.ToolCalls))
		case storage.MessageRoleTool:
			if msg.ToolCallID == nil {
				continue
			}
			name := ""
			if msg.Name != nil {
				name = *msg.Name
			}
			// Lost linkage is tolerated, not fatal.
			_ = b.AddToolReply(*msg.ToolCallID, name, msg.Content)
		}
	}
	return b.Build(), b.PendingToolCalls()
}

func convertToolCalls(calls []storage.ToolCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, len(calls))
	for i, tc := range calls {
		out[i] = llm.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
	}
	return out
}
