package hivepg

import (
	"context"
	"errors"
	"fmt"

	"github.com/youssefsiam38/hivepg/event"
	"github.com/youssefsiam38/hivepg/runstate"
	"github.com/youssefsiam38/hivepg/storage"
	"github.com/youssefsiam38/hivepg/tool/builtin"
)

// handleWorkerCompletion records one worker's terminal outcome against its
// supervisor's barrier. Exactly one completion per barrier instance observes
// the claim and carries the batch resume; everyone else returns after the
// commit.
func (s *services) handleWorkerCompletion(ctx context.Context, job *storage.WorkerJob, status runstate.BarrierJobState, result, errMsg string) error {
	if job.SupervisorRunID == nil {
		// Standalone job; nothing is waiting on it.
		return nil
	}
	runID := *job.SupervisorRunID

	completion, err := s.store.RecordBarrierCompletion(ctx, &storage.RecordBarrierCompletionParams{
		RunID:  runID,
		JobID:  job.ID,
		Status: status,
		Result: result,
		Error:  errMsg,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// No barrier: the phase-two commit never landed. The orphan
			// sweep owns this job.
			s.log().Debug("hivepg: worker completed with no barrier",
				"job_id", job.ID, "run_id", runID)
			return nil
		}
		return fmt.Errorf("failed to record barrier completion: %w", err)
	}

	if completion.Skipped {
		s.log().Debug("hivepg: late or duplicate barrier completion skipped",
			"job_id", job.ID, "run_id", runID)
		return nil
	}
	if !completion.Claimed {
		return nil
	}

	return s.resumeSupervisor(ctx, runID, completion.Results, TriggerResume)
}

// resumeSupervisor performs the batch resume of a parked run: flip
// waiting->running, deliver every worker result as a tool reply under the
// interrupted assistant message, emit supervisor_resumed, retire the barrier
// and drive a fresh engine turn over the rebuilt history.
//
// The conditional flip makes the resume single: a concurrent claimant or a
// cancellation that already moved the run off waiting turns this call into a
// no-op.
func (s *services) resumeSupervisor(ctx context.Context, runID int64, results []storage.BarrierJobResult, trigger string) error {
	waiting := runstate.RunStateWaiting
	err := s.store.UpdateRunState(ctx, runID, &storage.UpdateRunStateParams{
		State:         runstate.RunStateRunning,
		RequiredState: &waiting,
	})
	if err != nil {
		if errors.Is(err, storage.ErrStateTransitionFailed) {
			s.log().Info("hivepg: run not waiting, resume skipped",
				"run_id", runID, "trigger", trigger)
			return nil
		}
		return fmt.Errorf("failed to reclaim run for resume: %w", err)
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load run for resume: %w", err)
	}
	emitter := s.supervisorEmitter(run)

	for _, res := range results {
		_, err := s.store.AppendToolReply(ctx, &storage.AppendToolReplyParams{
			ThreadID:   run.ThreadID,
			ToolCallID: res.ToolCallID,
			Name:       builtin.SpawnWorkerToolName,
			Content:    renderWorkerResult(res),
			Metadata: map[string]any{
				"job_id":     res.JobID,
				"job_status": string(res.Status),
			},
		})
		if err != nil {
			ferr := fmt.Errorf("failed to deliver worker result for job %d: %w", res.JobID, err)
			s.failRun(ctx, run, emitter, runstate.ErrorTypeInternal, ferr)
			return ferr
		}
	}

	// This event is the durable record that the batch was delivered; a
	// failure here aborts the resume rather than silently dropping it.
	if err := emitter.Emit(ctx, event.TypeSupervisorResumed, map[string]any{
		"trigger":   trigger,
		"job_count": len(results),
		"job_ids":   jobIDsOf(results),
	}); err != nil {
		s.failRun(ctx, run, emitter, runstate.ErrorTypeInternal, err)
		return err
	}

	barrierStatus := runstate.BarrierStateCompleted
	for _, res := range results {
		if res.Status != runstate.BarrierJobStateCompleted {
			barrierStatus = runstate.BarrierStateFailed
			break
		}
	}
	if err := s.store.CompleteBarrier(ctx, runID, barrierStatus); err != nil {
		s.log().Warn("hivepg: failed to retire barrier",
			"run_id", runID, "error", err)
	}

	// The turn runs on a fresh context: resume fibers must not inherit the
	// worker's cancellation or identity.
	turnCtx := context.WithoutCancel(ctx)
	turnCtx = withRunContext(turnCtx, RunContext{RunID: run.ID, OwnerID: run.OwnerID, TraceID: run.TraceID})
	return s.executeSupervisorTurn(turnCtx, run, emitter, &runOptions{})
}

// renderWorkerResult formats one barrier result as the spawn call's tool
// reply. The wording is fixed; supervisors are prompted against it.
func renderWorkerResult(res storage.BarrierJobResult) string {
	if res.Status == runstate.BarrierJobStateCompleted {
		return WorkerCompletedPrefix + res.Result
	}
	errMsg := res.Error
	if errMsg == "" {
		switch res.Status {
		case runstate.BarrierJobStateTimeout:
			errMsg = "worker timed out before completing"
		default:
			errMsg = "unknown error"
		}
	}
	return fmt.Sprintf(WorkerFailedFormat, errMsg, res.Result)
}

func jobIDsOf(results []storage.BarrierJobResult) []int64 {
	ids := make([]int64, len(results))
	for i, res := range results {
		ids[i] = res.JobID
	}
	return ids
}
