package hivepg

import (
	"encoding/json"
	"testing"

	"github.com/youssefsiam38/hivepg/llm"
	"github.com/youssefsiam38/hivepg/storage"
)

func strPtr(s string) *string { return &s }

func TestMessageBuilder_ToolReplyLifecycle(t *testing.T) {
	b := newMessageBuilder()
	b.AddUser("hello")
	b.AddAssistant("", []llm.ToolCall{
		{ID: "tc_1", Name: "echo"},
		{ID: "tc_2", Name: "echo"},
	})

	pending := b.PendingToolCalls()
	if len(pending) != 2 || pending[0].ID != "tc_1" || pending[1].ID != "tc_2" {
		t.Fatalf("Pending = %v, want tc_1, tc_2 in call order", pending)
	}

	if err := b.AddToolReply("tc_1", "echo", "first"); err != nil {
		t.Fatalf("AddToolReply failed: %v", err)
	}
	pending = b.PendingToolCalls()
	if len(pending) != 1 || pending[0].ID != "tc_2" {
		t.Fatalf("Pending after one reply = %v, want only tc_2", pending)
	}

	if err := b.AddToolReply("tc_1", "echo", "again"); err == nil {
		t.Error("Replying twice to the same call must fail")
	}
	if err := b.AddToolReply("tc_9", "echo", "stray"); err == nil {
		t.Error("Replying to an unknown call must fail")
	}
}

func TestMessageBuilder_NewAssistantSupersedesPending(t *testing.T) {
	b := newMessageBuilder()
	b.AddAssistant("", []llm.ToolCall{{ID: "tc_1", Name: "echo"}})
	b.AddAssistant("changed my mind", nil)

	if pending := b.PendingToolCalls(); len(pending) != 0 {
		t.Errorf("Pending = %v, want abandoned calls cleared", pending)
	}
	if err := b.AddToolReply("tc_1", "echo", "late"); err == nil {
		t.Error("A superseded call must not accept replies")
	}
}

func TestBuildConversation_RoundTrip(t *testing.T) {
	args := json.RawMessage(`{"text":"hi"}`)
	msgs := []*storage.Message{
		{Role: storage.MessageRoleUser, Content: "do the thing"},
		{Role: storage.MessageRoleAssistant, Content: "", ToolCalls: []storage.ToolCall{
			{ID: "tc_1", Name: "echo", Arguments: args},
		}},
		{Role: storage.MessageRoleTool, Content: "hi", ToolCallID: strPtr("tc_1"), Name: strPtr("echo")},
		{Role: storage.MessageRoleAssistant, Content: "all done"},
	}

	conv, pending := buildConversation(msgs)
	if len(pending) != 0 {
		t.Errorf("Pending = %v, want none for a settled conversation", pending)
	}
	if len(conv) != 4 {
		t.Fatalf("Expected 4 messages, got %d", len(conv))
	}
	if conv[1].Role != llm.RoleAssistant || len(conv[1].ToolCalls) != 1 || conv[1].ToolCalls[0].ID != "tc_1" {
		t.Errorf("conv[1] = %+v, want assistant with tc_1", conv[1])
	}
	if conv[2].Role != llm.RoleTool || conv[2].ToolCallID != "tc_1" || conv[2].Content != "hi" {
		t.Errorf("conv[2] = %+v, want the tool reply", conv[2])
	}
}

func TestBuildConversation_DetectsPendingCalls(t *testing.T) {
	msgs := []*storage.Message{
		{Role: storage.MessageRoleUser, Content: "do two things"},
		{Role: storage.MessageRoleAssistant, ToolCalls: []storage.ToolCall{
			{ID: "tc_1", Name: "spawn_worker"},
			{ID: "tc_2", Name: "spawn_worker"},
		}},
		{Role: storage.MessageRoleTool, Content: "ok", ToolCallID: strPtr("tc_1"), Name: strPtr("spawn_worker")},
	}

	_, pending := buildConversation(msgs)
	if len(pending) != 1 || pending[0].ID != "tc_2" {
		t.Errorf("Pending = %v, want only the unanswered tc_2", pending)
	}
}

func TestBuildConversation_SkipsBrokenToolReplies(t *testing.T) {
	msgs := []*storage.Message{
		{Role: storage.MessageRoleUser, Content: "hello"},
		// Reply without linkage: dropped, not fatal.
		{Role: storage.MessageRoleTool, Content: "orphan"},
		// Reply to a call no assistant made: dropped too.
		{Role: storage.MessageRoleTool, Content: "stray", ToolCallID: strPtr("tc_ghost")},
		{Role: storage.MessageRoleAssistant, Content: "hi"},
	}

	conv, pending := buildConversation(msgs)
	if len(conv) != 2 {
		t.Fatalf("Expected 2 messages, got %d: %+v", len(conv), conv)
	}
	if len(pending) != 0 {
		t.Errorf("Pending = %v, want none", pending)
	}
	for _, m := range conv {
		if m.Role == llm.RoleTool {
			t.Errorf("Broken tool reply survived: %+v", m)
		}
	}
}

func TestBuildConversation_SystemMessagesPassThrough(t *testing.T) {
	msgs := []*storage.Message{
		{Role: storage.MessageRoleUser, Content: "hello"},
		{Role: storage.MessageRoleSystem, Content: "Your previous response was empty. Respond with text or call a tool."},
		{Role: storage.MessageRoleAssistant, Content: "hi"},
	}

	conv, _ := buildConversation(msgs)
	if len(conv) != 3 || conv[1].Role != llm.RoleSystem {
		t.Fatalf("conv = %+v, want the mid-conversation system message kept in place", conv)
	}
}
