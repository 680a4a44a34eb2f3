package hivepg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/youssefsiam38/hivepg/artifact"
	"github.com/youssefsiam38/hivepg/event"
	"github.com/youssefsiam38/hivepg/llm"
	"github.com/youssefsiam38/hivepg/runstate"
	"github.com/youssefsiam38/hivepg/storage"
	"github.com/youssefsiam38/hivepg/tool/builtin"
)

// noResultPlaceholder is written when a worker produced neither assistant
// text nor tool outputs.
const noResultPlaceholder = "(No result generated)"

// toolFallbackHeader marks a result synthesized from tool outputs instead of
// assistant text.
const toolFallbackHeader = "[Synthesized from tool outputs; the worker produced no final text.]"

// summaryFallbackModel tags summaries produced by truncation when the
// summary model was unavailable or too slow.
const summaryFallbackModel = "truncation-fallback"

// workerConfig is the content of each bundle's config.json.
type workerConfig struct {
	JobID           int64  `json:"job_id"`
	OwnerID         int64  `json:"owner_id"`
	SupervisorRunID *int64 `json:"supervisor_run_id,omitempty"`
	TraceID         string `json:"trace_id"`
	Task            string `json:"task"`
	Model           string `json:"model"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
	GitRepo         string `json:"git_repo,omitempty"`
	ResumeSessionID string `json:"resume_session_id,omitempty"`
	Attempt         int    `json:"attempt"`
	StartedBy       string `json:"started_by"`
}

// runWorkerJob executes one claimed job end to end: bundle, transient
// thread, engine, result extraction, terminal status, summary, and the
// resume fiber. It never returns an error; every failure mode lands in the
// job row and the bundle.
func (s *services) runWorkerJob(ctx context.Context, job *storage.WorkerJob) {
	start := time.Now()

	workerID := artifact.NewWorkerID()
	bundle, err := s.artifacts.CreateBundle(job.OwnerID, workerID)
	if err != nil {
		s.completeJob(ctx, job, nil, runstate.JobStateFailed, "", fmt.Sprintf("failed to create artifact bundle: %v", err), start)
		return
	}
	if err := s.store.UpdateJobWorkerID(ctx, job.ID, workerID); err != nil {
		s.log().Warn("hivepg: failed to record worker id", "job_id", job.ID, "error", err)
	}

	emitter := s.workerEmitter(job, workerID)

	cfg := workerConfig{
		JobID:           job.ID,
		OwnerID:         job.OwnerID,
		SupervisorRunID: job.SupervisorRunID,
		TraceID:         job.TraceID,
		Task:            job.Task,
		Model:           job.Model,
		ReasoningEffort: job.ReasoningEffort,
		GitRepo:         job.Config.GitRepo,
		ResumeSessionID: job.Config.ResumeSessionID,
		Attempt:         job.Attempt,
		StartedBy:       s.instanceID,
	}
	if err := bundle.WriteConfig(cfg); err != nil {
		s.log().Warn("hivepg: failed to write bundle config", "job_id", job.ID, "error", err)
	}
	if err := bundle.MarkRunning(); err != nil {
		s.log().Warn("hivepg: failed to mark bundle running", "job_id", job.ID, "error", err)
	}

	emitter.Emit(ctx, event.TypeWorkerStarted, map[string]any{
		"task_preview": event.Preview(job.Task),
		"model":        job.Model,
		"attempt":      job.Attempt,
	})

	result, status, errMsg := s.executeWorkerTurn(ctx, job, workerID, bundle, emitter)

	if err := bundle.WriteResult(result); err != nil {
		s.log().Warn("hivepg: failed to write result.txt", "job_id", job.ID, "error", err)
	}

	// Job and bundle go terminal before summary extraction: a slow or
	// failing summary call must never hold a barrier open.
	applied := s.completeJob(ctx, job, bundle, status, result, errMsg, start)

	summary := s.extractSummary(ctx, bundle, result, status)
	emitter.Emit(ctx, event.TypeWorkerSummaryReady, map[string]any{
		"summary": summary,
	})
	emitter.Emit(ctx, event.TypeWorkerComplete, map[string]any{
		"status":         string(status),
		"duration_ms":    time.Since(start).Milliseconds(),
		"result_preview": event.Preview(result),
		"error":          errMsg,
	})
	s.hooks.FireWorkerComplete(ctx, job.ID, status, summary)

	if err := bundle.AppendMetric(map[string]any{
		"metric":      "worker_run",
		"job_id":      job.ID,
		"status":      string(status),
		"duration_ms": time.Since(start).Milliseconds(),
		"attempt":     job.Attempt,
		"recorded_at": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		s.log().Warn("hivepg: failed to append metrics", "job_id", job.ID, "error", err)
	}

	if !applied {
		// Externally cancelled mid-run; the barrier was settled by the
		// cancellation path.
		return
	}

	// The resume fiber runs on a fresh background-derived context with its
	// own DB session; the worker's context may already be dying.
	resumeCtx := context.WithoutCancel(ctx)
	go func() {
		barrierStatus := runstate.JobStateToBarrierJobState(status)
		if err := s.handleWorkerCompletion(resumeCtx, job, barrierStatus, result, errMsg); err != nil {
			s.log().Error("hivepg: worker completion handling failed",
				"job_id", job.ID, "error", err)
		}
	}()
}

// executeWorkerTurn drives the worker's ReAct loop inside a transient manual
// thread and extracts its result. The returned status is the job's terminal
// state; errMsg is empty on success.
func (s *services) executeWorkerTurn(ctx context.Context, job *storage.WorkerJob, workerID string, bundle *artifact.Bundle, emitter *event.Emitter) (result string, status runstate.JobState, errMsg string) {
	thread, err := s.store.CreateThread(ctx, &storage.CreateThreadParams{
		OwnerID: job.OwnerID,
		Kind:    storage.ThreadKindManual,
	})
	if err != nil {
		return "", runstate.JobStateFailed, fmt.Sprintf("failed to create worker thread: %v", err)
	}
	if _, err := s.store.AppendMessage(ctx, &storage.AppendMessageParams{
		ThreadID: thread.ID,
		Role:     storage.MessageRoleUser,
		Content:  job.Task,
	}); err != nil {
		return "", runstate.JobStateFailed, fmt.Sprintf("failed to seed worker thread: %v", err)
	}
	if err := bundle.AppendMessage(artifact.BundleMessage{
		Role:      string(llm.RoleUser),
		Content:   job.Task,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		s.log().Warn("hivepg: failed to append bundle message", "job_id", job.ID, "error", err)
	}

	jobID := job.ID
	runID := int64(0)
	if job.SupervisorRunID != nil {
		runID = *job.SupervisorRunID
	}
	executor := &toolExecutor{
		resolver:  s.resolver,
		store:     s.store,
		artifacts: s.artifacts,
		emitter:   emitter,
		config:    s.config,
		runID:     runID,
		ownerID:   job.OwnerID,
		jobID:     &jobID,
		traceID:   job.TraceID,
		recordToolCall: func(toolName, output string) {
			if _, err := bundle.WriteToolCall(toolName, output); err != nil {
				s.log().Warn("hivepg: failed to record tool call",
					"job_id", jobID, "tool", toolName, "error", err)
			}
		},
	}

	turnCtx, cancel := context.WithTimeout(ctx, s.config.workerRunTimeout)
	defer cancel()

	loopResult, err := runReactLoop(turnCtx, reactParams{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: job.Task}},
		System:   s.config.workerSystemPrompt,
		Model:    job.Model,
		ReasoningEffort: job.ReasoningEffort,
		MaxTokens:       s.config.maxTokens,
		Tools:           s.workerToolDefs(),
		Adapter:         s.adapter,
		Executor:        executor,
		Emitter:         emitter,
		Config:          s.config,
	})

	if loopResult != nil {
		s.persistWorkerTranscript(ctx, thread.ID, bundle, loopResult.Messages[1:])
	}

	if err != nil {
		partial := ""
		if loopResult != nil {
			partial = lastAssistantText(loopResult.Messages)
		}
		if errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
			return partial, runstate.JobStateTimeout,
				fmt.Sprintf("worker timed out after %s", s.config.workerRunTimeout)
		}
		return partial, runstate.JobStateFailed, err.Error()
	}

	result = s.extractWorkerResult(loopResult.Messages, bundle)

	if msg, ok := emitter.CriticalError(); ok {
		return result, runstate.JobStateFailed, fmt.Sprintf("critical tool error: %s", msg)
	}
	if loopResult.IterationLimitHit {
		return result, runstate.JobStateFailed,
			fmt.Sprintf("aborted after %d iterations", s.config.maxReactIterations)
	}
	if loopResult.Interrupted {
		// Workers cannot spawn workers; the tool is not offered to them.
		// A scripted adapter that forces it gets a failed job, not a hang.
		return result, runstate.JobStateFailed, "worker attempted to spawn a nested worker"
	}
	return result, runstate.JobStateSuccess, ""
}

// workerToolDefs offers workers every registered tool except spawn_worker.
func (s *services) workerToolDefs() []llm.ToolDef {
	defs := s.toolDefs(nil)
	out := defs[:0]
	for _, def := range defs {
		if def.Name == builtin.SpawnWorkerToolName {
			continue
		}
		out = append(out, def)
	}
	return out
}

// persistWorkerTranscript writes the turn's messages to the thread and
// mirrors every message into messages.jsonl.
func (s *services) persistWorkerTranscript(ctx context.Context, threadID int64, bundle *artifact.Bundle, msgs []llm.Message) {
	if err := s.persistEngineMessages(ctx, threadID, msgs); err != nil {
		s.log().Warn("hivepg: failed to persist worker transcript", "thread_id", threadID, "error", err)
	}
	for _, msg := range msgs {
		bm := artifact.BundleMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
			Timestamp:  time.Now().UTC(),
		}
		if len(msg.ToolCalls) > 0 {
			if raw, err := json.Marshal(msg.ToolCalls); err == nil {
				bm.ToolCalls = raw
			}
		}
		if err := bundle.AppendMessage(bm); err != nil {
			s.log().Warn("hivepg: failed to append bundle message", "error", err)
			return
		}
	}
}

// extractWorkerResult finds the worker's deliverable: the last assistant
// text, else a marked synthesis of the last tool outputs, else the
// placeholder.
func (s *services) extractWorkerResult(msgs []llm.Message, bundle *artifact.Bundle) string {
	if text := lastAssistantText(msgs); text != "" {
		return text
	}

	files, err := bundle.ListToolCalls()
	if err != nil || len(files) == 0 {
		return noResultPlaceholder
	}
	if len(files) > 3 {
		files = files[len(files)-3:]
	}

	var sb strings.Builder
	sb.WriteString(toolFallbackHeader)
	for _, f := range files {
		content, err := bundle.ReadToolCall(f.Seq)
		if err != nil {
			continue
		}
		sb.WriteString(fmt.Sprintf("\n\n--- %s (call %d) ---\n", f.Tool, f.Seq))
		sb.WriteString(event.Preview(content))
	}
	return sb.String()
}

// completeJob applies the job's terminal update and mirrors it to the
// bundle. It reports whether the update was applied; false means the job was
// cancelled externally while running.
func (s *services) completeJob(ctx context.Context, job *storage.WorkerJob, bundle *artifact.Bundle, status runstate.JobState, result, errMsg string, start time.Time) bool {
	params := &storage.CompleteJobParams{
		JobID:       job.ID,
		Status:      status,
		Result:      &result,
		AttemptedBy: s.instanceID,
	}
	if errMsg != "" {
		params.Error = &errMsg
	}
	applied, err := s.store.CompleteWorkerJob(ctx, params)
	if err != nil {
		s.log().Error("hivepg: failed to complete worker job",
			"job_id", job.ID, "status", status, "error", err)
		applied = false
	}
	if !applied {
		s.log().Info("hivepg: worker job terminal update skipped (not running or reclaimed)",
			"job_id", job.ID, "status", status)
	}

	if bundle != nil {
		bundleStatus := artifact.StatusSuccess
		if status != runstate.JobStateSuccess {
			bundleStatus = artifact.StatusFailed
		}
		if err := bundle.MarkComplete(bundleStatus, errMsg); err != nil {
			s.log().Warn("hivepg: failed to mark bundle complete",
				"job_id", job.ID, "error", err)
		}
	}

	s.log().Info("hivepg: worker job finished",
		"job_id", job.ID,
		"status", status,
		"duration_ms", time.Since(start).Milliseconds())
	return applied
}

// extractSummary produces the <=150 char summary for supervisor context
// injection. The summary model gets a hard 5 s budget; on any failure the
// result is truncated instead and the fallback is recorded as its own model
// name.
func (s *services) extractSummary(ctx context.Context, bundle *artifact.Bundle, result string, status runstate.JobState) string {
	summary, model := s.summarizeResult(ctx, result, status)

	sum := artifact.Summary{
		Summary:     summary,
		Version:     artifact.SummaryVersion,
		Model:       model,
		GeneratedAt: time.Now().UTC(),
	}
	if err := bundle.WriteSummary(sum); err != nil {
		s.log().Warn("hivepg: failed to write summary.json", "error", err)
	}
	return summary
}

func (s *services) summarizeResult(ctx context.Context, result string, status runstate.JobState) (summary, model string) {
	maxChars := s.config.summaryMaxChars

	if s.adapter != nil && s.config.summaryModel != "" && strings.TrimSpace(result) != "" {
		sumCtx, cancel := context.WithTimeout(ctx, s.config.summaryTimeout)
		defer cancel()

		resp, err := s.adapter.Invoke(sumCtx, &llm.Request{
			Model: s.config.summaryModel,
			System: fmt.Sprintf(
				"Summarize the worker output in one sentence of at most %d characters. Output only the sentence.", maxChars),
			Messages:  []llm.Message{{Role: llm.RoleUser, Content: event.Preview(result)}},
			MaxTokens: 100,
		})
		if err == nil {
			text := strings.TrimSpace(resp.Content)
			if text != "" {
				return truncateSummary(text, maxChars), s.config.summaryModel
			}
		} else {
			s.log().Debug("hivepg: summary model call failed, falling back to truncation", "error", err)
		}
	}

	text := strings.TrimSpace(result)
	if text == "" {
		text = fmt.Sprintf("Worker finished with status %s.", status)
	}
	return truncateSummary(text, maxChars), summaryFallbackModel
}

func truncateSummary(s string, max int) string {
	// First line only; summaries are one-liners by contract.
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
