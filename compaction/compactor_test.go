package compaction

import (
	"context"
	"strings"
	"testing"

	"github.com/youssefsiam38/hivepg/llm"
	"github.com/youssefsiam38/hivepg/storage"
)

type fakeStore struct {
	messages []*storage.Message
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeStore) GetThreadMessages(ctx context.Context, threadID int64) ([]*storage.Message, error) {
	out := make([]*storage.Message, len(f.messages))
	copy(out, f.messages)
	return out, nil
}

func (f *fakeStore) ReplaceMessageContent(ctx context.Context, messageID int64, content string, metadata map[string]any) error {
	for _, msg := range f.messages {
		if msg.ID != messageID {
			continue
		}
		msg.Content = content
		if msg.Metadata == nil {
			msg.Metadata = make(map[string]any)
		}
		for k, v := range metadata {
			msg.Metadata[k] = v
		}
		return nil
	}
	return storage.ErrNotFound
}

func (f *fakeStore) DeleteMessages(ctx context.Context, messageIDs []int64) error {
	drop := make(map[int64]bool, len(messageIDs))
	for _, id := range messageIDs {
		drop[id] = true
	}
	var kept []*storage.Message
	for _, msg := range f.messages {
		if !drop[msg.ID] {
			kept = append(kept, msg)
		}
	}
	f.messages = kept
	return nil
}

func userMsg(id int64, content string) *storage.Message {
	return &storage.Message{ID: id, Role: storage.MessageRoleUser, Content: content}
}

func toolMsg(id int64, content string) *storage.Message {
	callID := "call_x"
	name := "shell_exec"
	return &storage.Message{
		ID: id, Role: storage.MessageRoleTool, Content: content,
		ToolCallID: &callID, Name: &name,
	}
}

func TestEstimateTokens(t *testing.T) {
	msg := userMsg(1, strings.Repeat("a", 400))
	got := EstimateTokens(msg)
	if got != 400/charsPerToken+messageOverheadTokens {
		t.Errorf("EstimateTokens = %d", got)
	}
}

func TestCompactIfNeededBelowTriggerIsNoop(t *testing.T) {
	store := &fakeStore{messages: []*storage.Message{userMsg(1, "hello")}}
	c := NewCompactor(store, nil, Config{TriggerTokens: 1000}, nil)

	res, err := c.CompactIfNeeded(context.Background(), 1)
	if err != nil {
		t.Fatalf("CompactIfNeeded: %v", err)
	}
	if res.Compacted {
		t.Error("compacted a thread below the trigger")
	}
	if res.TokensBefore != res.TokensAfter {
		t.Errorf("token estimate changed on a no-op: %d -> %d", res.TokensBefore, res.TokensAfter)
	}
}

func TestCompactIfNeededPrunesOldToolOutputs(t *testing.T) {
	big := strings.Repeat("x", 5000)
	store := &fakeStore{}
	// 30 old tool messages plus a recent tail of 20 small ones.
	for i := 0; i < 30; i++ {
		store.messages = append(store.messages, toolMsg(int64(i+1), big))
	}
	for i := 0; i < 20; i++ {
		store.messages = append(store.messages, userMsg(int64(100+i), "recent"))
	}

	c := NewCompactor(store, nil, Config{TriggerTokens: 10000, PreserveRecent: 20}, nil)
	res, err := c.CompactIfNeeded(context.Background(), 1)
	if err != nil {
		t.Fatalf("CompactIfNeeded: %v", err)
	}
	if res.PrunedToolOutputs != 30 {
		t.Errorf("PrunedToolOutputs = %d, want 30", res.PrunedToolOutputs)
	}
	if !res.Compacted {
		t.Error("Compacted = false after pruning")
	}
	if res.TokensAfter >= res.TokensBefore {
		t.Errorf("tokens did not shrink: %d -> %d", res.TokensBefore, res.TokensAfter)
	}
	for _, msg := range store.messages[:30] {
		if !strings.Contains(msg.Content, "pruned") {
			t.Fatalf("old tool output %d not pruned", msg.ID)
		}
	}
	for _, msg := range store.messages[30:] {
		if msg.Content != "recent" {
			t.Fatalf("recent message %d modified", msg.ID)
		}
	}
}

func TestCompactIfNeededSummarizesPrefix(t *testing.T) {
	store := &fakeStore{}
	// Large user messages that pruning cannot touch.
	for i := 0; i < 40; i++ {
		store.messages = append(store.messages, userMsg(int64(i+1), strings.Repeat("m", 4000)))
	}

	adapter := llm.NewScriptedAdapter(llm.TextStep("User explored data pipelines; workers completed three extraction tasks."))
	c := NewCompactor(store, adapter, Config{
		TriggerTokens:  10000,
		PreserveRecent: 10,
		SummaryModel:   "claude-3-5-haiku-20241022",
	}, nil)

	res, err := c.CompactIfNeeded(context.Background(), 1)
	if err != nil {
		t.Fatalf("CompactIfNeeded: %v", err)
	}
	if res.SummarizedMessages != 30 {
		t.Errorf("SummarizedMessages = %d, want 30", res.SummarizedMessages)
	}
	// Prefix collapsed to the single summary message plus the preserved tail.
	if len(store.messages) != 11 {
		t.Fatalf("thread has %d messages, want 11", len(store.messages))
	}
	first := store.messages[0]
	if !strings.HasPrefix(first.Content, summaryPrefix) {
		t.Errorf("first message is not the summary: %q", first.Content[:40])
	}
	if v, _ := first.Metadata["compaction_summary"].(bool); !v {
		t.Error("summary message missing compaction_summary metadata")
	}
}

func TestSummarizePrefixNeverCutsToolGroup(t *testing.T) {
	callID := "call_1"
	name := "web_fetch"
	assistant := &storage.Message{
		ID: 28, Role: storage.MessageRoleAssistant, Content: "",
		ToolCalls: []storage.ToolCall{{ID: callID, Name: name, Arguments: []byte(`{}`)}},
	}
	store := &fakeStore{}
	for i := 0; i < 27; i++ {
		store.messages = append(store.messages, userMsg(int64(i+1), strings.Repeat("m", 4000)))
	}
	store.messages = append(store.messages, assistant)
	store.messages = append(store.messages, toolMsg(29, "result"))
	for i := 0; i < 8; i++ {
		store.messages = append(store.messages, userMsg(int64(30+i), "tail"))
	}

	adapter := llm.NewScriptedAdapter(llm.TextStep("summary"))
	c := NewCompactor(store, adapter, Config{
		TriggerTokens:  10000,
		PreserveRecent: 9, // would cut between assistant 28 and its reply 29
		SummaryModel:   "claude-3-5-haiku-20241022",
	}, nil)

	if _, err := c.CompactIfNeeded(context.Background(), 1); err != nil {
		t.Fatalf("CompactIfNeeded: %v", err)
	}

	// The assistant message and its tool reply ended up on the same side.
	var sawAssistant, sawReply bool
	for _, msg := range store.messages {
		if msg.ID == 28 {
			sawAssistant = true
		}
		if msg.ID == 29 {
			sawReply = true
		}
	}
	if sawAssistant != sawReply {
		t.Errorf("tool group split: assistant kept=%v reply kept=%v", sawAssistant, sawReply)
	}
}

func TestCompactSurvivesSummaryFailure(t *testing.T) {
	store := &fakeStore{}
	for i := 0; i < 40; i++ {
		store.messages = append(store.messages, userMsg(int64(i+1), strings.Repeat("m", 4000)))
	}

	// No adapter: the summarize phase cannot run.
	c := NewCompactor(store, nil, Config{TriggerTokens: 10000, PreserveRecent: 10}, nil)
	res, err := c.CompactIfNeeded(context.Background(), 1)
	if err != nil {
		t.Fatalf("CompactIfNeeded: %v", err)
	}
	if res.SummarizedMessages != 0 {
		t.Errorf("SummarizedMessages = %d without an adapter", res.SummarizedMessages)
	}
	if len(store.messages) != 40 {
		t.Errorf("messages deleted despite summary failure: %d left", len(store.messages))
	}
}
