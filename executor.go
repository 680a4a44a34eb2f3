package hivepg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/youssefsiam38/hivepg/artifact"
	"github.com/youssefsiam38/hivepg/event"
	"github.com/youssefsiam38/hivepg/llm"
	"github.com/youssefsiam38/hivepg/runstate"
	"github.com/youssefsiam38/hivepg/storage"
	"github.com/youssefsiam38/hivepg/tool"
	"github.com/youssefsiam38/hivepg/tool/builtin"
)

// InterruptKindWorkersPending is the only interrupt kind: the engine stopped
// because spawn calls created worker jobs that now need their barrier commit.
const InterruptKindWorkersPending = "workers_pending"

// SpawnedJob describes one worker job created during phase one of a spawn.
type SpawnedJob struct {
	JobID       int64
	ToolCallID  string
	TaskPreview string
}

// WorkerInterrupt is returned by the executor when an assistant turn spawned
// workers. The caller owns phase two: barrier creation, the created->queued
// flip, and parking the run, all in one transaction.
type WorkerInterrupt struct {
	Kind    string
	JobIDs  []int64
	Spawned []SpawnedJob
}

// spawnArgs are the arguments of one spawn_worker call.
type spawnArgs struct {
	Task            string `json:"task"`
	Model           string `json:"model"`
	GitRepo         string `json:"git_repo"`
	ResumeSessionID string `json:"resume_session_id"`
}

// toolExecutor dispatches the tool calls of one assistant message: non-spawn
// calls fan out in parallel, spawn calls run phase one of the two-phase
// commit. Output order always matches the assistant's call order.
type toolExecutor struct {
	resolver  *tool.Resolver
	store     storage.Store
	artifacts *artifact.Store
	emitter   *event.Emitter
	config    *internalConfig

	runID   int64
	ownerID int64
	jobID   *int64
	traceID string

	// recordToolCall, when set, receives every serialized tool output. The
	// worker runner uses it to persist tool_calls/NNN_<tool>.txt.
	recordToolCall func(toolName, output string)
}

// execute runs one assistant message's tool calls and returns the tool
// messages in call order, plus the interrupt when workers were spawned. No
// tool failure escapes as an error; failures become tool-error messages.
func (x *toolExecutor) execute(ctx context.Context, calls []llm.ToolCall) ([]llm.Message, *WorkerInterrupt, error) {
	results := make([]llm.Message, len(calls))

	var spawnIdx []int
	var plainIdx []int
	for i, call := range calls {
		if call.Name == builtin.SpawnWorkerToolName {
			spawnIdx = append(spawnIdx, i)
			continue
		}
		plainIdx = append(plainIdx, i)
	}

	if len(plainIdx) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(len(plainIdx))
		for _, i := range plainIdx {
			i := i
			call := calls[i]
			g.Go(func() error {
				results[i] = x.executeOne(gctx, call)
				return nil
			})
		}
		// Goroutines never return errors; the group is for ctx plumbing.
		_ = g.Wait()
	}

	var interrupt *WorkerInterrupt
	for _, i := range spawnIdx {
		msg, spawned, err := x.spawnPhaseOne(ctx, calls[i])
		if err != nil {
			return nil, nil, err
		}
		results[i] = msg
		if spawned != nil {
			if interrupt == nil {
				interrupt = &WorkerInterrupt{Kind: InterruptKindWorkersPending}
			}
			interrupt.JobIDs = append(interrupt.JobIDs, spawned.JobID)
			interrupt.Spawned = append(interrupt.Spawned, *spawned)
		}
	}

	return results, interrupt, nil
}

// executeOne runs a single non-spawn tool call, converting every failure
// mode into a tool message.
func (x *toolExecutor) executeOne(ctx context.Context, call llm.ToolCall) (msg llm.Message) {
	msg = llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Name: call.Name}

	defer func() {
		if r := recover(); r != nil {
			msg.Content = fmt.Sprintf("<tool-error: panic in %s: %v>", call.Name, r)
		}
	}()

	start := time.Now()
	x.emitter.EmitToolStarted(ctx, call.Name, call.ID, call.Arguments)

	callCtx := tool.WithCallContext(ctx, tool.CallContext{
		RunID:      x.runID,
		OwnerID:    x.ownerID,
		JobID:      x.jobID,
		TraceID:    x.traceID,
		ToolCallID: call.ID,
	})
	callCtx = event.WithEmitter(callCtx, x.emitter)

	output, err := x.resolver.Execute(callCtx, call.Name, call.Arguments)
	duration := time.Since(start)

	if err != nil {
		x.emitter.EmitToolFailed(ctx, call.Name, call.ID, duration, err)
		if critical, reason := isCriticalToolError(call.Name, err.Error()); critical {
			x.emitter.MarkCriticalError(fmt.Sprintf("%s: %s", call.Name, reason))
		}
		msg.Content = fmt.Sprintf("<tool-error: %v>", err)
		if x.recordToolCall != nil {
			x.recordToolCall(call.Name, msg.Content)
		}
		return msg
	}

	// Error envelopes are detected on the raw output, before any
	// externalization truncates it.
	if userMsg, isErr := tool.IsErrorResult(output); isErr {
		x.emitter.EmitToolFailed(ctx, call.Name, call.ID, duration, fmt.Errorf("%s", userMsg))
		if critical, reason := isCriticalToolError(call.Name, userMsg); critical {
			x.emitter.MarkCriticalError(fmt.Sprintf("%s: %s", call.Name, reason))
		}
	} else {
		x.emitter.EmitToolCompleted(ctx, call.Name, call.ID, duration, output)
	}

	if x.recordToolCall != nil {
		x.recordToolCall(call.Name, output)
	}

	msg.Content = x.externalizeIfNeeded(call.Name, output)
	return msg
}

// externalizeIfNeeded stores oversized outputs as artifacts and replaces the
// inline content with the marker, a preview, and retrieval instructions.
// get_tool_output is exempt: its whole purpose is returning the full body.
func (x *toolExecutor) externalizeIfNeeded(toolName, output string) string {
	if toolName == builtin.GetToolOutputToolName {
		return output
	}
	if len(output) <= x.config.toolOutputMaxChars {
		return output
	}

	artifactID, err := x.artifacts.SaveToolOutput(x.ownerID, toolName, output)
	if err != nil {
		x.config.log().Warn("hivepg: failed to externalize tool output",
			"tool", toolName, "run_id", x.runID, "error", err)
		return output[:x.config.toolOutputMaxChars]
	}

	preview := output
	if len(preview) > x.config.toolOutputPreviewChars {
		preview = preview[:x.config.toolOutputPreviewChars]
	}
	marker := artifact.ToolOutputMarker(artifactID, toolName, len(output))
	return fmt.Sprintf(
		"%s\n\nPreview:\n%s\n\n(Output was %d characters. Call get_tool_output with artifact_id=%q to retrieve the full content.)",
		marker, preview, len(output), artifactID)
}

// spawnPhaseOne find-or-creates the worker job for one spawn call. A prior
// successful job short-circuits into a cached tool message; any live job is
// reused. The job stays in created state until the caller's phase-two commit.
func (x *toolExecutor) spawnPhaseOne(ctx context.Context, call llm.ToolCall) (llm.Message, *SpawnedJob, error) {
	msg := llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Name: call.Name}

	var args spawnArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		msg.Content = fmt.Sprintf("<tool-error: invalid spawn_worker arguments: %v>", err)
		return msg, nil, nil
	}
	if strings.TrimSpace(args.Task) == "" {
		msg.Content = "<tool-error: spawn_worker requires a task>"
		return msg, nil, nil
	}

	model := args.Model
	if model == "" {
		model = x.config.workerModel
	}

	job, created, err := x.store.FindOrCreateWorkerJob(ctx, &storage.CreateWorkerJobParams{
		OwnerID:         x.ownerID,
		SupervisorRunID: x.runID,
		ToolCallID:      call.ID,
		TraceID:         x.traceID,
		Task:            args.Task,
		Model:           model,
		ReasoningEffort: x.config.reasoningEffort,
		Config: storage.JobConfig{
			GitRepo:         args.GitRepo,
			ResumeSessionID: args.ResumeSessionID,
		},
	})
	if err != nil {
		return msg, nil, fmt.Errorf("failed to create worker job: %w", err)
	}

	if !created && job.Status == runstate.JobStateSuccess {
		// Cache hit: replay the stored result without spawning again.
		result := ""
		if job.Result != nil {
			result = *job.Result
		}
		msg.Content = WorkerCompletedPrefix + result
		return msg, nil, nil
	}
	if !created && job.Status.IsTerminal() {
		errMsg := "unknown error"
		if job.Error != nil {
			errMsg = *job.Error
		}
		result := ""
		if job.Result != nil {
			result = *job.Result
		}
		msg.Content = fmt.Sprintf(WorkerFailedFormat, errMsg, result)
		return msg, nil, nil
	}

	msg.Content = fmt.Sprintf(spawnAckFormat, job.ID)
	return msg, &SpawnedJob{
		JobID:       job.ID,
		ToolCallID:  call.ID,
		TaskPreview: event.Preview(args.Task),
	}, nil
}

// criticalErrorFragments are error-text markers that convert a nominally
// successful loop into a failed run. The predicate is fixed: transient
// failures never match.
var criticalErrorFragments = []string{
	"authentication failed",
	"invalid api key",
	"permission denied",
	"account suspended",
	"service permanently unavailable",
}

func isCriticalToolError(toolName, errText string) (bool, string) {
	lower := strings.ToLower(errText)
	for _, frag := range criticalErrorFragments {
		if strings.Contains(lower, frag) {
			return true, fmt.Sprintf("critical tool error (%s)", frag)
		}
	}
	_ = toolName
	return false, ""
}
