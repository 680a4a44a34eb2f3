package hivepg

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/youssefsiam38/hivepg/event"
	"github.com/youssefsiam38/hivepg/llm"
)

// reactParams carries everything one engine execution needs. The engine is
// stateless: it reads and returns message arrays and never touches the store
// except through its executor.
type reactParams struct {
	Messages []llm.Message

	// Pending are the unresolved tool calls of the last assistant message,
	// when resuming an interrupted conversation.
	Pending []llm.ToolCall

	System          string
	Model           string
	ReasoningEffort string
	MaxTokens       int64
	Tools           []llm.ToolDef

	Adapter  llm.Adapter
	Executor *toolExecutor
	Emitter  *event.Emitter
	Config   *internalConfig

	// OnToken receives streamed text deltas when token streaming is enabled
	// for the run.
	OnToken func(token string)
}

// ReactResult is the outcome of one engine execution.
type ReactResult struct {
	// Messages is the full conversation including everything appended during
	// the loop. Callers persist the suffix past their input length.
	Messages []llm.Message

	Usage llm.Usage

	// Interrupted is set when the executor spawned workers; Interrupt holds
	// the phase-two commit input.
	Interrupted bool
	Interrupt   *WorkerInterrupt

	// IterationLimitHit is set when the loop exceeded MaxReactIterations.
	// The final assistant message explains the abort; the caller decides
	// the run outcome.
	IterationLimitHit bool
}

// runReactLoop drives the model/tool loop until a final assistant message,
// an interrupt, or the iteration cap. LLM failures propagate; tool failures
// never do.
func runReactLoop(ctx context.Context, params reactParams) (*ReactResult, error) {
	result := &ReactResult{Messages: params.Messages}

	// Resume detection: finish the pending tool calls before invoking the
	// model again.
	if len(params.Pending) > 0 {
		toolMsgs, interrupt, err := params.Executor.execute(ctx, params.Pending)
		if err != nil {
			return nil, err
		}
		result.Messages = append(result.Messages, toolMsgs...)
		if interrupt != nil {
			result.Interrupted = true
			result.Interrupt = interrupt
			return result, nil
		}
	}

	retriedEmpty := false
	toolChoice := llm.ToolChoiceAuto

	for iteration := 0; ; iteration++ {
		if iteration >= params.Config.maxReactIterations {
			result.Messages = append(result.Messages, llm.Message{
				Role: llm.RoleAssistant,
				Content: fmt.Sprintf(
					"I was unable to finish: the reasoning loop exceeded %d iterations and was aborted.",
					params.Config.maxReactIterations),
			})
			result.IterationLimitHit = true
			return result, nil
		}

		resp, err := invokeWithHeartbeat(ctx, params, result.Messages, toolChoice)
		if err != nil {
			return nil, fmt.Errorf("llm invocation failed: %w", err)
		}
		result.Usage.Add(resp.Usage)
		toolChoice = llm.ToolChoiceAuto

		if resp.IsEmpty() {
			if retriedEmpty {
				result.Messages = append(result.Messages, llm.Message{
					Role:    llm.RoleAssistant,
					Content: emptyResponseFallback,
				})
				return result, nil
			}
			retriedEmpty = true
			result.Messages = append(result.Messages, llm.Message{
				Role:    llm.RoleSystem,
				Content: "Your previous response was empty. Respond with text or call a tool.",
			})
			toolChoice = llm.ToolChoiceRequired
			continue
		}

		result.Messages = append(result.Messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if !resp.HasToolCalls() {
			return result, nil
		}

		toolMsgs, interrupt, err := params.Executor.execute(ctx, resp.ToolCalls)
		if err != nil {
			return nil, err
		}
		result.Messages = append(result.Messages, toolMsgs...)
		if interrupt != nil {
			result.Interrupted = true
			result.Interrupt = interrupt
			return result, nil
		}
	}
}

// invokeWithHeartbeat wraps one LLM call with a heartbeat goroutine and an
// audit log entry. The heartbeat goroutine is joined before returning.
func invokeWithHeartbeat(ctx context.Context, params reactParams, messages []llm.Message, toolChoice llm.ToolChoice) (*llm.Response, error) {
	hbCtx, cancel := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	start := time.Now()

	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(params.Config.reactHeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				params.Emitter.EmitHeartbeat(hbCtx, time.Since(start))
			}
		}
	}()
	defer func() {
		cancel()
		<-hbDone
	}()

	correlationID := uuid.New().String()
	toolCount := len(params.Tools)

	resp, err := params.Adapter.Invoke(ctx, &llm.Request{
		Model:           params.Model,
		System:          params.System,
		Messages:        messages,
		Tools:           params.Tools,
		ToolChoice:      toolChoice,
		MaxTokens:       params.MaxTokens,
		ReasoningEffort: params.ReasoningEffort,
		OnToken:         params.OnToken,
	})

	logger := params.Config.log()
	if err != nil {
		logger.Error("hivepg: llm invocation failed",
			"correlation_id", correlationID,
			"model", params.Model,
			"duration_ms", time.Since(start).Milliseconds(),
			"messages", len(messages),
			"tools", toolCount,
			"error", err)
		return nil, err
	}
	logger.Debug("hivepg: llm invocation",
		"correlation_id", correlationID,
		"model", params.Model,
		"duration_ms", time.Since(start).Milliseconds(),
		"messages", len(messages),
		"tools", toolCount,
		"tool_calls", len(resp.ToolCalls),
		"stop_reason", resp.StopReason)
	return resp, nil
}
