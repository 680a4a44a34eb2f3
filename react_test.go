package hivepg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/youssefsiam38/hivepg/llm"
)

func newReactParams(t *testing.T, cfg *internalConfig, adapter llm.Adapter) (reactParams, *fakeJobStore) {
	t.Helper()
	x, _, jobs := newTestExecutor(t, cfg)
	return reactParams{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "do the thing"}},
		System:   cfg.supervisorSystemPrompt,
		Model:    cfg.model,
		Adapter:  adapter,
		Executor: x,
		Emitter:  x.emitter,
		Config:   cfg,
	}, jobs
}

func TestRunReactLoop_FinalAssistantMessage(t *testing.T) {
	cfg := newTestConfig(t)
	adapter := llm.NewScriptedAdapter(llm.TextStep("done"))
	params, _ := newReactParams(t, cfg, adapter)

	result, err := runReactLoop(context.Background(), params)
	if err != nil {
		t.Fatalf("runReactLoop failed: %v", err)
	}
	if result.Interrupted || result.IterationLimitHit {
		t.Error("Expected a clean finish")
	}
	last := result.Messages[len(result.Messages)-1]
	if last.Role != llm.RoleAssistant || last.Content != "done" {
		t.Errorf("Last message = %+v, want final assistant text", last)
	}
	if adapter.Invocations() != 1 {
		t.Errorf("Invocations = %d, want 1", adapter.Invocations())
	}
}

func TestRunReactLoop_ToolRoundTrip(t *testing.T) {
	cfg := newTestConfig(t)
	adapter := llm.NewScriptedAdapter(
		llm.ToolCallStep(echoCall("tc_1", "hello")),
		llm.TextStep("finished"),
	)
	params, _ := newReactParams(t, cfg, adapter)

	result, err := runReactLoop(context.Background(), params)
	if err != nil {
		t.Fatalf("runReactLoop failed: %v", err)
	}

	// user, assistant(tool call), tool reply, assistant(final)
	if len(result.Messages) != 4 {
		t.Fatalf("Expected 4 messages, got %d", len(result.Messages))
	}
	reply := result.Messages[2]
	if reply.Role != llm.RoleTool || reply.ToolCallID != "tc_1" || reply.Content != "hello" {
		t.Errorf("Tool reply = %+v, want echo output for tc_1", reply)
	}

	// The second invocation must already carry the tool reply.
	reqs := adapter.Requests()
	if len(reqs) != 2 {
		t.Fatalf("Expected 2 requests, got %d", len(reqs))
	}
	secondLast := reqs[1].Messages[len(reqs[1].Messages)-1]
	if secondLast.Role != llm.RoleTool {
		t.Errorf("Second request must end with the tool reply, got role %s", secondLast.Role)
	}
}

func TestRunReactLoop_EmptyResponseRetry(t *testing.T) {
	cfg := newTestConfig(t)
	adapter := llm.NewScriptedAdapter(
		llm.ScriptedStep{Response: &llm.Response{StopReason: "end_turn"}},
		llm.TextStep("recovered"),
	)
	params, _ := newReactParams(t, cfg, adapter)

	result, err := runReactLoop(context.Background(), params)
	if err != nil {
		t.Fatalf("runReactLoop failed: %v", err)
	}

	var corrective bool
	for _, msg := range result.Messages {
		if msg.Role == llm.RoleSystem && strings.Contains(msg.Content, "previous response was empty") {
			corrective = true
		}
	}
	if !corrective {
		t.Error("Expected a corrective system message after the empty response")
	}

	reqs := adapter.Requests()
	if reqs[0].ToolChoice != llm.ToolChoiceAuto {
		t.Errorf("First request ToolChoice = %s, want auto", reqs[0].ToolChoice)
	}
	if reqs[1].ToolChoice != llm.ToolChoiceRequired {
		t.Errorf("Retry ToolChoice = %s, want required", reqs[1].ToolChoice)
	}

	last := result.Messages[len(result.Messages)-1]
	if last.Content != "recovered" {
		t.Errorf("Last message = %q, want the retried response", last.Content)
	}
}

func TestRunReactLoop_SecondEmptyResponseGivesFixedText(t *testing.T) {
	cfg := newTestConfig(t)
	adapter := llm.NewScriptedAdapter(
		llm.ScriptedStep{Response: &llm.Response{StopReason: "end_turn"}},
		llm.ScriptedStep{Response: &llm.Response{StopReason: "end_turn"}},
	)
	params, _ := newReactParams(t, cfg, adapter)

	result, err := runReactLoop(context.Background(), params)
	if err != nil {
		t.Fatalf("runReactLoop failed: %v", err)
	}
	last := result.Messages[len(result.Messages)-1]
	if last.Role != llm.RoleAssistant || !strings.HasPrefix(last.Content, "LLM returned an empty response twice") {
		t.Errorf("Last message = %+v, want the fixed fallback text", last)
	}
	if last.Content != emptyResponseFallback {
		t.Errorf("Last message = %q, want %q", last.Content, emptyResponseFallback)
	}
	if adapter.Invocations() != 2 {
		t.Errorf("Invocations = %d, want exactly one retry", adapter.Invocations())
	}
}

func TestRunReactLoop_EmitterMessageIDStableAcrossResponses(t *testing.T) {
	cfg := newTestConfig(t)
	x, events, _ := newTestExecutor(t, cfg)
	x.emitter.SetMessageID("am_run_1")

	adapter := llm.NewScriptedAdapter(
		llm.ScriptedStep{Response: &llm.Response{
			ToolCalls:  []llm.ToolCall{echoCall("tc_1", "ping")},
			StopReason: "tool_use",
			MessageID:  "msg_provider_1",
		}},
		llm.ScriptedStep{Response: &llm.Response{
			Content:    "done",
			StopReason: "end_turn",
			MessageID:  "msg_provider_2",
		}},
	)
	params := reactParams{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "do the thing"}},
		System:   cfg.supervisorSystemPrompt,
		Model:    cfg.model,
		Adapter:  adapter,
		Executor: x,
		Emitter:  x.emitter,
		Config:   cfg,
	}

	if _, err := runReactLoop(context.Background(), params); err != nil {
		t.Fatalf("runReactLoop failed: %v", err)
	}

	// Provider message ids never displace the id the emitter was given.
	evs := events.all()
	if len(evs) == 0 {
		t.Fatal("Expected tool lifecycle events")
	}
	for _, ev := range evs {
		if ev.Payload["message_id"] != "am_run_1" {
			t.Errorf("%s message_id = %v, want am_run_1", ev.EventType, ev.Payload["message_id"])
		}
	}
}

func TestRunReactLoop_IterationLimit(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.maxReactIterations = 2
	adapter := llm.NewScriptedAdapter(
		llm.ToolCallStep(echoCall("tc_1", "a")),
		llm.ToolCallStep(echoCall("tc_2", "b")),
	)
	params, _ := newReactParams(t, cfg, adapter)

	result, err := runReactLoop(context.Background(), params)
	if err != nil {
		t.Fatalf("runReactLoop failed: %v", err)
	}
	if !result.IterationLimitHit {
		t.Fatal("Expected the iteration cap to trip")
	}
	last := result.Messages[len(result.Messages)-1]
	if want := fmt.Sprintf("exceeded %d iterations", cfg.maxReactIterations); !strings.Contains(last.Content, want) {
		t.Errorf("Abort message = %q, want mention of %q", last.Content, want)
	}
	if adapter.Invocations() != 2 {
		t.Errorf("Invocations = %d, want exactly the cap", adapter.Invocations())
	}
}

func TestRunReactLoop_PendingToolCallsRunFirst(t *testing.T) {
	cfg := newTestConfig(t)
	adapter := llm.NewScriptedAdapter(llm.TextStep("resumed fine"))
	params, _ := newReactParams(t, cfg, adapter)
	params.Pending = []llm.ToolCall{echoCall("tc_old", "leftover")}

	result, err := runReactLoop(context.Background(), params)
	if err != nil {
		t.Fatalf("runReactLoop failed: %v", err)
	}

	// The pending reply lands before any new assistant turn.
	reply := result.Messages[1]
	if reply.Role != llm.RoleTool || reply.ToolCallID != "tc_old" || reply.Content != "leftover" {
		t.Errorf("Messages[1] = %+v, want the pending call's reply", reply)
	}
	reqs := adapter.Requests()
	if len(reqs) != 1 {
		t.Fatalf("Expected 1 request, got %d", len(reqs))
	}
	lastSent := reqs[0].Messages[len(reqs[0].Messages)-1]
	if lastSent.Role != llm.RoleTool {
		t.Errorf("Model must see the pending reply, got trailing role %s", lastSent.Role)
	}
}

func TestRunReactLoop_PendingSpawnInterruptsBeforeInvoke(t *testing.T) {
	cfg := newTestConfig(t)
	adapter := llm.NewScriptedAdapter()
	params, _ := newReactParams(t, cfg, adapter)
	params.Pending = []llm.ToolCall{spawnCall("tc_old", "delegated work")}

	result, err := runReactLoop(context.Background(), params)
	if err != nil {
		t.Fatalf("runReactLoop failed: %v", err)
	}
	if !result.Interrupted || result.Interrupt == nil {
		t.Fatal("Expected an interrupt from the pending spawn")
	}
	if adapter.Invocations() != 0 {
		t.Errorf("Invocations = %d, want 0: pending spawns settle before the model runs", adapter.Invocations())
	}
}

func TestRunReactLoop_SpawnInterruptStopsLoop(t *testing.T) {
	cfg := newTestConfig(t)
	adapter := llm.NewScriptedAdapter(llm.ToolCallStep(spawnCall("tc_1", "delegated work")))
	params, jobs := newReactParams(t, cfg, adapter)

	result, err := runReactLoop(context.Background(), params)
	if err != nil {
		t.Fatalf("runReactLoop failed: %v", err)
	}
	if !result.Interrupted {
		t.Fatal("Expected an interrupt")
	}
	if len(result.Interrupt.JobIDs) != 1 || result.Interrupt.JobIDs[0] != jobs.created[0].ID {
		t.Errorf("Interrupt.JobIDs = %v, want the created job", result.Interrupt.JobIDs)
	}
	last := result.Messages[len(result.Messages)-1]
	if !strings.Contains(last.Content, "spawned successfully") {
		t.Errorf("Last message = %q, want the spawn ack", last.Content)
	}
	if adapter.Invocations() != 1 {
		t.Errorf("Invocations = %d, want 1: the loop stops at the interrupt", adapter.Invocations())
	}
}

func TestRunReactLoop_AdapterErrorPropagates(t *testing.T) {
	cfg := newTestConfig(t)
	adapter := llm.NewScriptedAdapter(llm.ScriptedStep{Err: errors.New("rate limited")})
	params, _ := newReactParams(t, cfg, adapter)

	_, err := runReactLoop(context.Background(), params)
	if err == nil {
		t.Fatal("Expected the provider error to propagate")
	}
	if !strings.Contains(err.Error(), "llm invocation failed") {
		t.Errorf("err = %v, want invocation wrapping", err)
	}
}

func TestRunReactLoop_UsageAccumulates(t *testing.T) {
	cfg := newTestConfig(t)
	adapter := llm.NewScriptedAdapter(
		llm.ScriptedStep{Response: &llm.Response{
			ToolCalls:  []llm.ToolCall{echoCall("tc_1", "a")},
			StopReason: "tool_use",
			Usage:      llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}},
		llm.ScriptedStep{Response: &llm.Response{
			Content:    "done",
			StopReason: "end_turn",
			Usage:      llm.Usage{PromptTokens: 20, CompletionTokens: 7, TotalTokens: 27},
		}},
	)
	params, _ := newReactParams(t, cfg, adapter)

	result, err := runReactLoop(context.Background(), params)
	if err != nil {
		t.Fatalf("runReactLoop failed: %v", err)
	}
	if result.Usage.TotalTokens != 42 {
		t.Errorf("TotalTokens = %d, want 42", result.Usage.TotalTokens)
	}
	if result.Usage.PromptTokens != 30 || result.Usage.CompletionTokens != 12 {
		t.Errorf("Usage = %+v, want prompt 30 / completion 12", result.Usage)
	}
}
