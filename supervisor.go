package hivepg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/youssefsiam38/hivepg/event"
	"github.com/youssefsiam38/hivepg/llm"
	"github.com/youssefsiam38/hivepg/runstate"
	"github.com/youssefsiam38/hivepg/storage"
	"github.com/youssefsiam38/hivepg/tool/builtin"
)

// recentWorkerWindow bounds how far back the injected recent-workers context
// message looks, and recentWorkerLimit how many jobs it lists.
const (
	recentWorkerWindow = 10 * time.Minute
	recentWorkerLimit  = 5

	// recentWorkerKeepAge spares a just-injected context message from the
	// stale-message sweep; a concurrent run may be about to read it.
	recentWorkerKeepAge = 5 * time.Second
)

// startSupervisorRun creates and drives one supervisor run for an owner
// task. It returns once the run finishes or the soft timeout elapses; in the
// latter case the run is marked deferred and the engine keeps working in the
// background.
func (s *services) startSupervisorRun(ctx context.Context, ownerID int64, task string, opts *runOptions) (*storage.Run, error) {
	if strings.TrimSpace(task) == "" {
		return nil, NewOrchestratorError("StartRun", ErrInvalidConfig).
			WithContext("reason", "task is empty")
	}

	thread, err := s.store.EnsureSupervisorThread(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure supervisor thread: %w", err)
	}

	if err := s.refreshRecentWorkerContext(ctx, thread); err != nil {
		// Context injection is advisory; a failure must not block the task.
		s.log().Warn("hivepg: failed to refresh recent-worker context",
			"owner_id", ownerID, "error", err)
	}

	if _, err := s.store.AppendMessage(ctx, &storage.AppendMessageParams{
		ThreadID: thread.ID,
		Role:     storage.MessageRoleUser,
		Content:  task,
	}); err != nil {
		return nil, fmt.Errorf("failed to append task message: %w", err)
	}

	traceID := opts.traceID
	if traceID == "" {
		traceID = uuid.New().String()
	}
	model := opts.model
	if model == "" {
		model = s.config.model
	}
	reasoningEffort := opts.reasoningEffort
	if reasoningEffort == "" {
		reasoningEffort = s.config.reasoningEffort
	}

	run, err := s.store.CreateRun(ctx, &storage.CreateRunParams{
		OwnerID:            ownerID,
		ThreadID:           thread.ID,
		Trigger:            TriggerAPI,
		Model:              model,
		ReasoningEffort:    reasoningEffort,
		TraceID:            traceID,
		AssistantMessageID: uuid.New().String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	emitter := s.supervisorEmitter(run)
	emitter.Emit(ctx, event.TypeSupervisorStarted, map[string]any{
		"trigger":      run.Trigger,
		"task_preview": event.Preview(task),
	})
	s.hooks.FireRunStarted(ctx, run.ID, ownerID, run.Trigger)

	return s.waitOrDefer(ctx, run, emitter, opts)
}

// continueSupervisorRun attaches a continuation run to a deferred or
// finished parent. Concurrent continuation attempts converge on one winner.
func (s *services) continueSupervisorRun(ctx context.Context, parentRunID int64, task string, opts *runOptions) (*storage.Run, error) {
	parent, err := s.store.GetRun(ctx, parentRunID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: run %d", ErrRunNotFound, parentRunID)
		}
		return nil, err
	}

	parentID := parent.ID
	rootID := parent.RootID()
	model := opts.model
	if model == "" {
		model = parent.Model
	}

	run, err := s.store.CreateRun(ctx, &storage.CreateRunParams{
		OwnerID:             parent.OwnerID,
		ThreadID:            parent.ThreadID,
		Trigger:             TriggerContinuation,
		Model:               model,
		ReasoningEffort:     parent.ReasoningEffort,
		TraceID:             parent.TraceID,
		AssistantMessageID:  uuid.New().String(),
		ContinuationOfRunID: &parentID,
		RootRunID:           &rootID,
	})
	if errors.Is(err, storage.ErrContinuationExists) {
		// Lost the race; the winner's run is the continuation.
		return s.store.GetContinuationRun(ctx, parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create continuation run: %w", err)
	}

	if strings.TrimSpace(task) != "" {
		if _, err := s.store.AppendMessage(ctx, &storage.AppendMessageParams{
			ThreadID: run.ThreadID,
			Role:     storage.MessageRoleUser,
			Content:  task,
		}); err != nil {
			return nil, fmt.Errorf("failed to append continuation task: %w", err)
		}
	}

	emitter := s.supervisorEmitter(run)
	emitter.Emit(ctx, event.TypeSupervisorStarted, map[string]any{
		"trigger":               run.Trigger,
		"continuation_of_run_id": parentID,
	})
	s.hooks.FireRunStarted(ctx, run.ID, run.OwnerID, run.Trigger)

	return s.waitOrDefer(ctx, run, emitter, opts)
}

// waitOrDefer runs the engine in a goroutine and waits up to the soft
// timeout. The timeout stops waiting, never working: the goroutine owns
// finalization either way.
func (s *services) waitOrDefer(ctx context.Context, run *storage.Run, emitter *event.Emitter, opts *runOptions) (*storage.Run, error) {
	// The engine outlives the caller's deadline and cancellation.
	engineCtx := context.WithoutCancel(ctx)
	engineCtx = withRunContext(engineCtx, RunContext{RunID: run.ID, OwnerID: run.OwnerID, TraceID: run.TraceID})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.executeSupervisorTurn(engineCtx, run, emitter, opts); err != nil {
			s.log().Error("hivepg: supervisor turn failed",
				"run_id", run.ID, "error", err)
		}
	}()

	timer := time.NewTimer(s.config.supervisorSoftTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		s.deferRun(engineCtx, run, emitter, "soft_timeout")
	case <-ctx.Done():
		s.deferRun(engineCtx, run, emitter, "caller_gone")
	}

	return s.store.GetRun(engineCtx, run.ID)
}

// deferRun flips a still-running run to deferred and emits the attach
// pointer. A run the engine already finalized is left alone.
func (s *services) deferRun(ctx context.Context, run *storage.Run, emitter *event.Emitter, reason string) {
	running := runstate.RunStateRunning
	err := s.store.UpdateRunState(ctx, run.ID, &storage.UpdateRunStateParams{
		State:         runstate.RunStateDeferred,
		RequiredState: &running,
	})
	if err != nil {
		if !errors.Is(err, storage.ErrStateTransitionFailed) {
			s.log().Warn("hivepg: failed to defer run", "run_id", run.ID, "error", err)
		}
		return
	}

	payload := map[string]any{"reason": reason}
	if s.config.attachURLTemplate != "" {
		payload["attach_url"] = fmt.Sprintf(s.config.attachURLTemplate, run.ID)
	}
	emitter.Emit(ctx, event.TypeSupervisorDeferred, payload)
}

// executeSupervisorTurn drives one full ReAct turn for the run and owns its
// outcome: phase-two worker commit, success, deferral behind a live barrier,
// or failure. It never leaves the run in running state.
func (s *services) executeSupervisorTurn(ctx context.Context, run *storage.Run, emitter *event.Emitter, opts *runOptions) error {
	if s.config.autoCompaction && s.compactor != nil {
		if _, err := s.compactor.CompactIfNeeded(ctx, run.ThreadID); err != nil {
			s.log().Warn("hivepg: compaction failed", "run_id", run.ID, "error", err)
		}
	}

	msgs, err := s.store.GetThreadMessages(ctx, run.ThreadID)
	if err != nil {
		s.failRun(ctx, run, emitter, runstate.ErrorTypeInternal, err)
		return err
	}
	history, pending := buildConversation(msgs)
	inputLen := len(history)

	executor := &toolExecutor{
		resolver:  s.resolver,
		store:     s.store,
		artifacts: s.artifacts,
		emitter:   emitter,
		config:    s.config,
		runID:     run.ID,
		ownerID:   run.OwnerID,
		traceID:   run.TraceID,
	}

	var onToken func(string)
	if opts != nil && opts.tokenStream && s.broker != nil {
		runID := run.ID
		onToken = func(token string) { s.broker.Publish(runID, token) }
	}

	result, err := runReactLoop(ctx, reactParams{
		Messages:        history,
		Pending:         pending,
		System:          s.config.supervisorSystemPrompt,
		Model:           run.Model,
		ReasoningEffort: run.ReasoningEffort,
		MaxTokens:       s.config.maxTokens,
		Tools:           s.toolDefs(nil),
		Adapter:         s.adapter,
		Executor:        executor,
		Emitter:         emitter,
		Config:          s.config,
		OnToken:         onToken,
	})
	if err != nil {
		errType := runstate.ErrorTypeLLM
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			errType = runstate.ErrorTypeCancelled
		}
		s.failRun(ctx, run, emitter, errType, err)
		return err
	}

	newMsgs := result.Messages[inputLen:]

	if result.Interrupted {
		return s.commitWorkerSpawn(ctx, run, emitter, newMsgs, result)
	}

	if err := s.persistEngineMessages(ctx, run.ThreadID, newMsgs); err != nil {
		s.failRun(ctx, run, emitter, runstate.ErrorTypeInternal, err)
		return err
	}

	if msg, ok := emitter.CriticalError(); ok {
		err := fmt.Errorf("critical tool error: %s", msg)
		s.failRunWithType(ctx, run, emitter, runstate.ErrorTypeCritical, err, result.Usage)
		return err
	}
	if result.IterationLimitHit {
		err := fmt.Errorf("%w: aborted after %d iterations", ErrIterationLimit, s.config.maxReactIterations)
		s.failRunWithType(ctx, run, emitter, runstate.ErrorTypeInternal, err, result.Usage)
		return err
	}

	// A nominally complete turn behind a still-waiting barrier defers
	// instead of succeeding: worker results are yet to arrive.
	if barrier, err := s.store.GetBarrier(ctx, run.ID); err == nil && barrier.Status == runstate.BarrierStateWaiting {
		running := runstate.RunStateRunning
		uerr := s.store.UpdateRunState(ctx, run.ID, &storage.UpdateRunStateParams{
			State:         runstate.RunStateDeferred,
			RequiredState: &running,
		})
		if uerr == nil {
			payload := map[string]any{"reason": "waiting_for_worker"}
			if s.config.attachURLTemplate != "" {
				payload["attach_url"] = fmt.Sprintf(s.config.attachURLTemplate, run.ID)
			}
			emitter.Emit(ctx, event.TypeSupervisorDeferred, payload)
			return nil
		}
		if !errors.Is(uerr, storage.ErrStateTransitionFailed) {
			s.log().Warn("hivepg: failed to defer run behind barrier",
				"run_id", run.ID, "error", uerr)
		}
	}

	return s.succeedRun(ctx, run, emitter, result)
}

// commitWorkerSpawn is phase two of worker spawning: inside one transaction
// the turn's messages land, the barrier is created (or rebuilt), the jobs
// flip created->queued, and the run parks in waiting. Nothing becomes
// runnable unless everything becomes observable.
func (s *services) commitWorkerSpawn(ctx context.Context, run *storage.Run, emitter *event.Emitter, newMsgs []llm.Message, result *ReactResult) error {
	interrupt := result.Interrupt
	seeds := make([]storage.BarrierJobSeed, len(interrupt.Spawned))
	for i, sp := range interrupt.Spawned {
		seeds[i] = storage.BarrierJobSeed{JobID: sp.JobID, ToolCallID: sp.ToolCallID}
	}

	var waitingEvent *storage.Event
	err := s.store.WithTx(ctx, func(txCtx context.Context) error {
		if err := s.persistEngineMessages(txCtx, run.ThreadID, newMsgs); err != nil {
			return err
		}
		if _, err := s.store.CreateOrResetBarrier(txCtx, &storage.CreateBarrierParams{
			RunID:      run.ID,
			DeadlineAt: time.Now().Add(s.config.barrierDeadline),
			Jobs:       seeds,
		}); err != nil {
			return fmt.Errorf("failed to create barrier: %w", err)
		}
		flipped, err := s.store.FlipJobsToQueued(txCtx, interrupt.JobIDs)
		if err != nil {
			return fmt.Errorf("failed to queue worker jobs: %w", err)
		}
		if flipped != len(interrupt.JobIDs) {
			s.log().Warn("hivepg: some spawned jobs were not flipped to queued",
				"run_id", run.ID, "expected", len(interrupt.JobIDs), "flipped", flipped)
		}
		running := runstate.RunStateRunning
		if err := s.store.UpdateRunState(txCtx, run.ID, &storage.UpdateRunStateParams{
			State:         runstate.RunStateWaiting,
			RequiredState: &running,
		}); err != nil {
			return fmt.Errorf("failed to park run: %w", err)
		}
		// The row lands inside the transaction: a lost supervisor_waiting
		// would leave watchers blind to the park. The bus publish waits
		// for the commit.
		ev, err := emitter.Append(txCtx, event.TypeSupervisorWaiting, map[string]any{
			"job_ids":  interrupt.JobIDs,
			"expected": len(interrupt.JobIDs),
		})
		if err != nil {
			return err
		}
		waitingEvent = ev
		return nil
	})
	if err != nil {
		s.failRun(ctx, run, emitter, runstate.ErrorTypeInternal, err)
		return err
	}

	emitter.Publish(waitingEvent)
	for _, sp := range interrupt.Spawned {
		emitter.Emit(ctx, event.TypeWorkerSpawned, map[string]any{
			"job_id":       sp.JobID,
			"tool_call_id": sp.ToolCallID,
			"task_preview": sp.TaskPreview,
		})
	}
	return nil
}

// succeedRun finalizes a cleanly finished turn.
func (s *services) succeedRun(ctx context.Context, run *storage.Run, emitter *event.Emitter, result *ReactResult) error {
	finalText := lastAssistantText(result.Messages)
	summary := event.Preview(finalText)
	total := run.TotalTokens + result.Usage.TotalTokens

	if err := s.finalizeRun(ctx, run.ID, &storage.UpdateRunStateParams{
		State:       runstate.RunStateSuccess,
		Summary:     &summary,
		TotalTokens: &total,
	}); err != nil {
		s.log().Warn("hivepg: failed to mark run success", "run_id", run.ID, "error", err)
		return err
	}

	emitter.Emit(ctx, event.TypeSupervisorComplete, map[string]any{
		"result_preview": event.Preview(finalText),
		"total_tokens":   total,
	})
	emitter.Emit(ctx, event.TypeRunUpdated, map[string]any{
		"status": string(runstate.RunStateSuccess),
	})
	if s.broker != nil {
		s.broker.Finish(run.ID)
	}
	s.hooks.FireRunFinished(ctx, run.ID, runstate.RunStateSuccess, nil)
	return nil
}

// failRun finalizes a failed turn with no usage to record.
func (s *services) failRun(ctx context.Context, run *storage.Run, emitter *event.Emitter, errType runstate.ErrorType, runErr error) {
	s.failRunWithType(ctx, run, emitter, errType, runErr, llm.Usage{})
}

func (s *services) failRunWithType(ctx context.Context, run *storage.Run, emitter *event.Emitter, errType runstate.ErrorType, runErr error, usage llm.Usage) {
	errMsg := runErr.Error()
	errTypeStr := errType.String()
	total := run.TotalTokens + usage.TotalTokens

	target := runstate.RunStateFailed
	if errType == runstate.ErrorTypeCancelled {
		target = runstate.RunStateCancelled
	}

	if err := s.finalizeRun(ctx, run.ID, &storage.UpdateRunStateParams{
		State:       target,
		Error:       &errMsg,
		ErrorType:   &errTypeStr,
		TotalTokens: &total,
	}); err != nil {
		s.log().Error("hivepg: failed to mark run failed",
			"run_id", run.ID, "error", err, "run_error", runErr)
	}

	emitter.EmitError(ctx, errMsg)
	emitter.Emit(ctx, event.TypeRunUpdated, map[string]any{
		"status":     string(target),
		"error_type": errTypeStr,
	})
	if s.broker != nil {
		s.broker.Finish(run.ID)
	}
	s.hooks.FireRunFinished(ctx, run.ID, target, runErr)
}

// finalizeRun applies a terminal update from whichever live state the run is
// in: running first, then deferred. An externally cancelled run is left
// untouched.
func (s *services) finalizeRun(ctx context.Context, runID int64, params *storage.UpdateRunStateParams) error {
	for _, from := range []runstate.RunState{runstate.RunStateRunning, runstate.RunStateDeferred} {
		from := from
		p := *params
		p.RequiredState = &from
		err := s.store.UpdateRunState(ctx, runID, &p)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrStateTransitionFailed) {
			return err
		}
	}
	return fmt.Errorf("%w: run %d is not in a finalizable state", ErrRunAlreadyFinalized, runID)
}

// persistEngineMessages appends the turn's new messages to the thread.
// Mid-loop system messages persist as internal; tool replies link under
// their assistant message.
func (s *services) persistEngineMessages(ctx context.Context, threadID int64, msgs []llm.Message) error {
	for _, msg := range msgs {
		switch msg.Role {
		case llm.RoleAssistant:
			if _, err := s.store.AppendMessage(ctx, &storage.AppendMessageParams{
				ThreadID:  threadID,
				Role:      storage.MessageRoleAssistant,
				Content:   msg.Content,
				ToolCalls: toStorageToolCalls(msg.ToolCalls),
			}); err != nil {
				return fmt.Errorf("failed to persist assistant message: %w", err)
			}
		case llm.RoleTool:
			if _, err := s.store.AppendToolReply(ctx, &storage.AppendToolReplyParams{
				ThreadID:   threadID,
				ToolCallID: msg.ToolCallID,
				Name:       msg.Name,
				Content:    msg.Content,
			}); err != nil {
				return fmt.Errorf("failed to persist tool reply: %w", err)
			}
		case llm.RoleSystem:
			if _, err := s.store.AppendMessage(ctx, &storage.AppendMessageParams{
				ThreadID: threadID,
				Role:     storage.MessageRoleSystem,
				Content:  msg.Content,
				Internal: true,
			}); err != nil {
				return fmt.Errorf("failed to persist system message: %w", err)
			}
		case llm.RoleUser:
			if _, err := s.store.AppendMessage(ctx, &storage.AppendMessageParams{
				ThreadID: threadID,
				Role:     storage.MessageRoleUser,
				Content:  msg.Content,
			}); err != nil {
				return fmt.Errorf("failed to persist user message: %w", err)
			}
		}
	}
	return nil
}

func toStorageToolCalls(calls []llm.ToolCall) []storage.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]storage.ToolCall, len(calls))
	for i, tc := range calls {
		out[i] = storage.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
	}
	return out
}

// refreshRecentWorkerContext deletes stale recent-worker context messages
// and injects a fresh one listing the owner's latest jobs. The newest stale
// copy is spared while younger than recentWorkerKeepAge.
func (s *services) refreshRecentWorkerContext(ctx context.Context, thread *storage.Thread) error {
	msgs, err := s.store.GetThreadMessages(ctx, thread.ID)
	if err != nil {
		return err
	}

	var stale []int64
	now := time.Now()
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		if msg.Role != storage.MessageRoleSystem || !strings.Contains(msg.Content, recentWorkerMarker) {
			continue
		}
		if len(stale) == 0 && now.Sub(msg.SentAt) < recentWorkerKeepAge {
			continue
		}
		stale = append(stale, msg.ID)
	}
	if len(stale) > 0 {
		if err := s.store.DeleteMessages(ctx, stale); err != nil {
			return err
		}
	}

	jobs, err := s.store.GetRecentWorkerJobs(ctx, thread.OwnerID, now.Add(-recentWorkerWindow), recentWorkerLimit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(recentWorkerMarker)
	sb.WriteString(" Recent worker jobs for this owner:\n")
	for _, job := range jobs {
		line := fmt.Sprintf("- job %d [%s] %s", job.ID, job.Status, event.Preview(job.Task))
		if job.Result != nil && *job.Result != "" {
			line += " -> " + event.Preview(*job.Result)
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("Reuse these results instead of re-running identical tasks; %s can attach to a still-running job.", builtin.WatchWorkerToolName))

	_, err = s.store.AppendMessage(ctx, &storage.AppendMessageParams{
		ThreadID: thread.ID,
		Role:     storage.MessageRoleSystem,
		Content:  sb.String(),
		Internal: true,
		Metadata: map[string]any{"recent_workers": true},
	})
	return err
}

// lastAssistantText returns the text of the last assistant message with
// non-empty content.
func lastAssistantText(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleAssistant && strings.TrimSpace(msgs[i].Content) != "" {
			return msgs[i].Content
		}
	}
	return ""
}
