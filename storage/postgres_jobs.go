package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/youssefsiam38/hivepg/runstate"
)

const workerJobColumns = `id, owner_id, supervisor_run_id, tool_call_id, trace_id, task, model, reasoning_effort,
	config, status, worker_id, result, error, attempt, attempted_by, heartbeat_at,
	created_at, updated_at, started_at, finished_at`

const workerJobColumnsQualified = `j.id, j.owner_id, j.supervisor_run_id, j.tool_call_id, j.trace_id, j.task, j.model, j.reasoning_effort,
	j.config, j.status, j.worker_id, j.result, j.error, j.attempt, j.attempted_by, j.heartbeat_at,
	j.created_at, j.updated_at, j.started_at, j.finished_at`

func scanWorkerJob(row rowScanner) (*WorkerJob, error) {
	var j WorkerJob
	var configJSON []byte

	err := row.Scan(
		&j.ID,
		&j.OwnerID,
		&j.SupervisorRunID,
		&j.ToolCallID,
		&j.TraceID,
		&j.Task,
		&j.Model,
		&j.ReasoningEffort,
		&configJSON,
		&j.Status,
		&j.WorkerID,
		&j.Result,
		&j.Error,
		&j.Attempt,
		&j.AttemptedBy,
		&j.HeartbeatAt,
		&j.CreatedAt,
		&j.UpdatedAt,
		&j.StartedAt,
		&j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &j.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job config: %w", err)
		}
	}
	return &j, nil
}

// FindOrCreateWorkerJob inserts a worker job in created state, deduplicating
// on (supervisor_run_id, tool_call_id). The second return value reports
// whether this call created the row. Replayed spawns return the existing job
// so the caller can echo its original acknowledgement.
func (s *PostgresStore) FindOrCreateWorkerJob(ctx context.Context, params *CreateWorkerJobParams) (*WorkerJob, bool, error) {
	if params.Task == "" {
		return nil, false, fmt.Errorf("%w: task is required", ErrInvalidParams)
	}

	exec := s.getExecutor(ctx)

	selectQuery := `SELECT ` + workerJobColumns + ` FROM hivepg_worker_jobs WHERE supervisor_run_id = $1 AND tool_call_id = $2`

	job, err := scanWorkerJob(exec.QueryRow(ctx, selectQuery, params.SupervisorRunID, params.ToolCallID))
	if err == nil {
		return job, false, nil
	}
	if !isNoRows(err) {
		return nil, false, fmt.Errorf("failed to look up worker job: %w", err)
	}

	b, err := json.Marshal(params.Config)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal job config: %w", err)
	}
	configJSON := string(b)

	insertQuery := `
		INSERT INTO hivepg_worker_jobs (owner_id, supervisor_run_id, tool_call_id, trace_id, task, model,
			reasoning_effort, config, status, attempt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'created', 0, NOW(), NOW())
		ON CONFLICT (supervisor_run_id, tool_call_id) WHERE supervisor_run_id IS NOT NULL AND tool_call_id IS NOT NULL DO NOTHING
		RETURNING ` + workerJobColumns

	job, err = scanWorkerJob(exec.QueryRow(ctx, insertQuery,
		params.OwnerID,
		params.SupervisorRunID,
		params.ToolCallID,
		params.TraceID,
		params.Task,
		params.Model,
		params.ReasoningEffort,
		configJSON,
	))
	if err == nil {
		return job, true, nil
	}
	if !isNoRows(err) {
		return nil, false, fmt.Errorf("failed to create worker job: %w", err)
	}

	// Lost the insert race to a concurrent spawn of the same tool call.
	job, err = scanWorkerJob(exec.QueryRow(ctx, selectQuery, params.SupervisorRunID, params.ToolCallID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to get worker job after insert race: %w", err)
	}
	return job, false, nil
}

// GetWorkerJob retrieves a worker job by ID.
func (s *PostgresStore) GetWorkerJob(ctx context.Context, jobID int64) (*WorkerJob, error) {
	query := `SELECT ` + workerJobColumns + ` FROM hivepg_worker_jobs WHERE id = $1`

	job, err := scanWorkerJob(s.getExecutor(ctx).QueryRow(ctx, query, jobID))
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: worker job %d", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker job: %w", err)
	}
	return job, nil
}

// GetWorkerJobsByRun retrieves all worker jobs spawned by a supervisor run.
func (s *PostgresStore) GetWorkerJobsByRun(ctx context.Context, supervisorRunID int64) ([]*WorkerJob, error) {
	query := `SELECT ` + workerJobColumns + ` FROM hivepg_worker_jobs WHERE supervisor_run_id = $1 ORDER BY id`
	return s.queryWorkerJobs(ctx, query, supervisorRunID)
}

// FlipJobsToQueued moves created jobs to queued and notifies pollers. This is
// phase two of the spawn commit: jobs already moved out of created (orphan
// sweep, reaper) are left alone. The pg_notify payloads only fire once the
// surrounding transaction commits.
func (s *PostgresStore) FlipJobsToQueued(ctx context.Context, jobIDs []int64) (int, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}

	flipped := 0
	err := s.WithTx(ctx, func(ctx context.Context) error {
		exec := s.getExecutor(ctx)
		for _, id := range jobIDs {
			affected, err := exec.Exec(ctx,
				`UPDATE hivepg_worker_jobs SET status = 'queued', updated_at = NOW() WHERE id = $1 AND status = 'created'`, id)
			if err != nil {
				return fmt.Errorf("failed to queue job %d: %w", id, err)
			}
			if affected == 0 {
				continue
			}
			flipped++
			if _, err := exec.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannelJobQueued, fmt.Sprintf("%d", id)); err != nil {
				return fmt.Errorf("failed to notify job %d: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return flipped, nil
}

// ClaimQueuedJobs atomically claims up to max queued jobs for the given
// instance. FOR UPDATE SKIP LOCKED keeps concurrent pollers from claiming
// the same rows.
func (s *PostgresStore) ClaimQueuedJobs(ctx context.Context, params *ClaimJobsParams) ([]*WorkerJob, error) {
	if params.Max <= 0 {
		return nil, nil
	}

	query := `
		WITH candidates AS (
			SELECT id FROM hivepg_worker_jobs
			WHERE status = 'queued'
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE hivepg_worker_jobs j SET
			status = 'running',
			attempted_by = $2,
			attempt = j.attempt + 1,
			started_at = COALESCE(j.started_at, NOW()),
			heartbeat_at = NOW(),
			updated_at = NOW()
		FROM candidates c
		WHERE j.id = c.id
		RETURNING ` + workerJobColumnsQualified

	return s.queryWorkerJobs(ctx, query, params.Max, params.AttemptedBy)
}

// UpdateJobHeartbeat refreshes the heartbeat on a running job still held by
// the given instance. A false return means the job was reclaimed or
// completed elsewhere and the local execution should stop.
func (s *PostgresStore) UpdateJobHeartbeat(ctx context.Context, jobID int64, attemptedBy string) (bool, error) {
	query := `
		UPDATE hivepg_worker_jobs SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND attempted_by = $2`

	affected, err := s.getExecutor(ctx).Exec(ctx, query, jobID, attemptedBy)
	if err != nil {
		return false, fmt.Errorf("failed to update job heartbeat: %w", err)
	}
	return affected > 0, nil
}

// UpdateJobWorkerID records the worker identity assigned to a job.
func (s *PostgresStore) UpdateJobWorkerID(ctx context.Context, jobID int64, workerID string) error {
	query := `UPDATE hivepg_worker_jobs SET worker_id = $2, updated_at = NOW() WHERE id = $1`

	affected, err := s.getExecutor(ctx).Exec(ctx, query, jobID, workerID)
	if err != nil {
		return fmt.Errorf("failed to update job worker id: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: worker job %d", ErrNotFound, jobID)
	}
	return nil
}

// CompleteWorkerJob moves a running job to a terminal state. A false return
// means the job was no longer running (cancelled, reclaimed, or already
// completed), or was running under a different holder, and the outcome was
// discarded.
func (s *PostgresStore) CompleteWorkerJob(ctx context.Context, params *CompleteJobParams) (bool, error) {
	if !params.Status.IsTerminal() {
		return false, fmt.Errorf("%w: %q is not a terminal job state", ErrInvalidParams, params.Status)
	}

	query := `
		UPDATE hivepg_worker_jobs SET
			status = $2,
			result = COALESCE($3, result),
			error = COALESCE($4, error),
			worker_id = COALESCE($5, worker_id),
			finished_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status = 'running'`
	args := []any{params.JobID, params.Status, params.Result, params.Error, params.WorkerID}
	if params.AttemptedBy != "" {
		query += ` AND attempted_by = $6`
		args = append(args, params.AttemptedBy)
	}

	affected, err := s.getExecutor(ctx).Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to complete worker job: %w", err)
	}
	return affected > 0, nil
}

// CancelWorkerJob cancels a job that has not finished yet.
func (s *PostgresStore) CancelWorkerJob(ctx context.Context, jobID int64) error {
	query := `
		UPDATE hivepg_worker_jobs SET status = 'cancelled', finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('created', 'queued', 'running')`

	affected, err := s.getExecutor(ctx).Exec(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("failed to cancel worker job: %w", err)
	}
	if affected == 0 {
		return ErrStateTransitionFailed
	}
	return nil
}

// RequeueJob returns a running job to the queue, typically after its holder
// stopped heartbeating. The attempt counter is preserved; claiming
// increments it.
func (s *PostgresStore) RequeueJob(ctx context.Context, jobID int64) (bool, error) {
	requeued := false
	err := s.WithTx(ctx, func(ctx context.Context) error {
		exec := s.getExecutor(ctx)
		affected, err := exec.Exec(ctx, `
			UPDATE hivepg_worker_jobs SET status = 'queued', attempted_by = NULL, heartbeat_at = NULL, updated_at = NOW()
			WHERE id = $1 AND status = 'running'`, jobID)
		if err != nil {
			return fmt.Errorf("failed to requeue job: %w", err)
		}
		if affected == 0 {
			return nil
		}
		requeued = true
		if _, err := exec.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannelJobQueued, fmt.Sprintf("%d", jobID)); err != nil {
			return fmt.Errorf("failed to notify requeued job: %w", err)
		}
		return nil
	})
	return requeued, err
}

// GetStaleRunningJobs returns running jobs whose heartbeat is older than the
// horizon, oldest first.
func (s *PostgresStore) GetStaleRunningJobs(ctx context.Context, heartbeatBefore time.Time, limit int) ([]*WorkerJob, error) {
	query := `SELECT ` + workerJobColumns + ` FROM hivepg_worker_jobs
		WHERE status = 'running' AND heartbeat_at < $1
		ORDER BY heartbeat_at
		LIMIT $2`
	return s.queryWorkerJobs(ctx, query, heartbeatBefore, limit)
}

// GetOrphanedCreatedJobs returns jobs stuck in created state with no barrier
// membership. These are the debris of supervisors that crashed between spawn
// and commit.
func (s *PostgresStore) GetOrphanedCreatedJobs(ctx context.Context, createdBefore time.Time) ([]*WorkerJob, error) {
	query := `SELECT ` + workerJobColumns + ` FROM hivepg_worker_jobs j
		WHERE j.status = 'created'
		  AND j.created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM hivepg_barrier_jobs bj WHERE bj.job_id = j.id)
		ORDER BY j.created_at`
	return s.queryWorkerJobs(ctx, query, createdBefore)
}

// FailOrphanedJob marks an orphaned created job as failed. Returns false if
// the job left created state in the meantime.
func (s *PostgresStore) FailOrphanedJob(ctx context.Context, jobID int64, errMsg string) (bool, error) {
	query := `
		UPDATE hivepg_worker_jobs SET status = 'failed', error = $2, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'created'`

	affected, err := s.getExecutor(ctx).Exec(ctx, query, jobID, errMsg)
	if err != nil {
		return false, fmt.Errorf("failed to fail orphaned job: %w", err)
	}
	return affected > 0, nil
}

// GetRecentWorkerJobs returns the owner's jobs created since the given
// time, newest first.
func (s *PostgresStore) GetRecentWorkerJobs(ctx context.Context, ownerID int64, since time.Time, limit int) ([]*WorkerJob, error) {
	query := `SELECT ` + workerJobColumns + ` FROM hivepg_worker_jobs
		WHERE owner_id = $1 AND created_at > $2
		ORDER BY id DESC
		LIMIT $3`
	return s.queryWorkerJobs(ctx, query, ownerID, since, limit)
}

func (s *PostgresStore) queryWorkerJobs(ctx context.Context, query string, args ...any) ([]*WorkerJob, error) {
	rows, err := s.getExecutor(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query worker jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*WorkerJob
	for rows.Next() {
		job, err := scanWorkerJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating worker jobs: %w", err)
	}
	return jobs, nil
}

// ---------------------------------------------------------------------------
// Barriers
// ---------------------------------------------------------------------------

const barrierColumns = `id, run_id, expected_count, completed_count, status, deadline_at, created_at, updated_at`

func scanBarrier(row rowScanner) (*Barrier, error) {
	var b Barrier
	err := row.Scan(
		&b.ID,
		&b.RunID,
		&b.ExpectedCount,
		&b.CompletedCount,
		&b.Status,
		&b.DeadlineAt,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateOrResetBarrier creates the barrier for a run, or resets an existing
// one for a re-interrupted run. Child rows are rebuilt from the given seeds.
// Callers run this inside the same transaction that parks the run in waiting
// state.
func (s *PostgresStore) CreateOrResetBarrier(ctx context.Context, params *CreateBarrierParams) (*Barrier, error) {
	if len(params.Jobs) == 0 {
		return nil, fmt.Errorf("%w: barrier requires at least one job", ErrInvalidParams)
	}

	exec := s.getExecutor(ctx)

	upsertQuery := `
		INSERT INTO hivepg_worker_barriers (run_id, expected_count, completed_count, status, deadline_at, created_at, updated_at)
		VALUES ($1, $2, 0, 'waiting', $3, NOW(), NOW())
		ON CONFLICT (run_id) DO UPDATE SET
			expected_count = EXCLUDED.expected_count,
			completed_count = 0,
			status = 'waiting',
			deadline_at = EXCLUDED.deadline_at,
			updated_at = NOW()
		RETURNING ` + barrierColumns

	barrier, err := scanBarrier(exec.QueryRow(ctx, upsertQuery, params.RunID, len(params.Jobs), params.DeadlineAt))
	if err != nil {
		return nil, fmt.Errorf("failed to create barrier: %w", err)
	}

	if _, err := exec.Exec(ctx, `DELETE FROM hivepg_barrier_jobs WHERE barrier_id = $1`, barrier.ID); err != nil {
		return nil, fmt.Errorf("failed to clear barrier jobs: %w", err)
	}

	childQuery := `
		INSERT INTO hivepg_barrier_jobs (barrier_id, job_id, tool_call_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'queued', NOW(), NOW())`

	for _, seed := range params.Jobs {
		if _, err := exec.Exec(ctx, childQuery, barrier.ID, seed.JobID, seed.ToolCallID); err != nil {
			return nil, fmt.Errorf("failed to create barrier job %d: %w", seed.JobID, err)
		}
	}
	return barrier, nil
}

// GetBarrier retrieves the barrier for a run.
func (s *PostgresStore) GetBarrier(ctx context.Context, runID int64) (*Barrier, error) {
	query := `SELECT ` + barrierColumns + ` FROM hivepg_worker_barriers WHERE run_id = $1`

	barrier, err := scanBarrier(s.getExecutor(ctx).QueryRow(ctx, query, runID))
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: barrier for run %d", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get barrier: %w", err)
	}
	return barrier, nil
}

// GetBarrierJobs retrieves the child rows of a barrier in creation order.
func (s *PostgresStore) GetBarrierJobs(ctx context.Context, barrierID int64) ([]*BarrierJob, error) {
	query := `
		SELECT id, barrier_id, job_id, tool_call_id, status, result, error, created_at, updated_at
		FROM hivepg_barrier_jobs
		WHERE barrier_id = $1
		ORDER BY id`

	rows, err := s.getExecutor(ctx).Query(ctx, query, barrierID)
	if err != nil {
		return nil, fmt.Errorf("failed to query barrier jobs: %w", err)
	}
	defer rows.Close()

	var children []*BarrierJob
	for rows.Next() {
		var bj BarrierJob
		err := rows.Scan(
			&bj.ID,
			&bj.BarrierID,
			&bj.JobID,
			&bj.ToolCallID,
			&bj.Status,
			&bj.Result,
			&bj.Error,
			&bj.CreatedAt,
			&bj.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan barrier job: %w", err)
		}
		children = append(children, &bj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating barrier jobs: %w", err)
	}
	return children, nil
}

// RecordBarrierCompletion records one worker outcome against the barrier of
// its supervisor run. The barrier row is locked FOR UPDATE for the duration,
// so exactly one completer observes the count reach expected_count and wins
// the resumption claim (Claimed). Late or duplicate completions on a barrier
// that already left waiting state are reported as Skipped.
func (s *PostgresStore) RecordBarrierCompletion(ctx context.Context, params *RecordBarrierCompletionParams) (*BarrierCompletion, error) {
	completion := &BarrierCompletion{}

	err := s.WithTx(ctx, func(ctx context.Context) error {
		exec := s.getExecutor(ctx)

		barrier, err := scanBarrier(exec.QueryRow(ctx,
			`SELECT `+barrierColumns+` FROM hivepg_worker_barriers WHERE run_id = $1 FOR UPDATE`, params.RunID))
		if isNoRows(err) {
			return fmt.Errorf("%w: barrier for run %d", ErrNotFound, params.RunID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock barrier: %w", err)
		}
		completion.Barrier = barrier

		if barrier.Status != runstate.BarrierStateWaiting {
			completion.Skipped = true
			return nil
		}

		var childID int64
		var childStatus runstate.BarrierJobState
		err = exec.QueryRow(ctx,
			`SELECT id, status FROM hivepg_barrier_jobs WHERE barrier_id = $1 AND job_id = $2 FOR UPDATE`,
			barrier.ID, params.JobID).Scan(&childID, &childStatus)
		if isNoRows(err) {
			return fmt.Errorf("%w: barrier job for job %d", ErrNotFound, params.JobID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock barrier job: %w", err)
		}

		if childStatus.IsTerminal() {
			// Duplicate delivery of the same outcome.
			completion.Skipped = true
			return nil
		}

		_, err = exec.Exec(ctx,
			`UPDATE hivepg_barrier_jobs SET status = $2, result = $3, error = $4, updated_at = NOW() WHERE id = $1`,
			childID, params.Status, params.Result, params.Error)
		if err != nil {
			return fmt.Errorf("failed to update barrier job: %w", err)
		}

		var completed int
		err = exec.QueryRow(ctx,
			`UPDATE hivepg_worker_barriers SET completed_count = completed_count + 1, updated_at = NOW() WHERE id = $1 RETURNING completed_count`,
			barrier.ID).Scan(&completed)
		if err != nil {
			return fmt.Errorf("failed to increment barrier count: %w", err)
		}
		barrier.CompletedCount = completed

		if completed < barrier.ExpectedCount {
			return nil
		}

		// Last one out claims the resumption.
		_, err = exec.Exec(ctx,
			`UPDATE hivepg_worker_barriers SET status = 'resuming', updated_at = NOW() WHERE id = $1`, barrier.ID)
		if err != nil {
			return fmt.Errorf("failed to claim barrier resumption: %w", err)
		}
		barrier.Status = runstate.BarrierStateResuming
		completion.Claimed = true

		results, err := s.collectBarrierResults(ctx, barrier.ID)
		if err != nil {
			return err
		}
		completion.Results = results
		return nil
	})
	if err != nil {
		return nil, err
	}
	return completion, nil
}

// collectBarrierResults gathers the outcome of every barrier child joined
// with the worker identity on the job row.
func (s *PostgresStore) collectBarrierResults(ctx context.Context, barrierID int64) ([]BarrierJobResult, error) {
	query := `
		SELECT bj.job_id, bj.tool_call_id, bj.status,
		       COALESCE(bj.result, ''), COALESCE(bj.error, ''), COALESCE(j.worker_id, '')
		FROM hivepg_barrier_jobs bj
		JOIN hivepg_worker_jobs j ON j.id = bj.job_id
		WHERE bj.barrier_id = $1
		ORDER BY bj.id`

	rows, err := s.getExecutor(ctx).Query(ctx, query, barrierID)
	if err != nil {
		return nil, fmt.Errorf("failed to query barrier results: %w", err)
	}
	defer rows.Close()

	var results []BarrierJobResult
	for rows.Next() {
		var r BarrierJobResult
		err := rows.Scan(&r.JobID, &r.ToolCallID, &r.Status, &r.Result, &r.Error, &r.WorkerID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan barrier result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating barrier results: %w", err)
	}
	return results, nil
}

// CompleteBarrier moves a barrier to its final state after the resume fiber
// finished (or failed) rebuilding the supervisor.
func (s *PostgresStore) CompleteBarrier(ctx context.Context, runID int64, status runstate.BarrierState) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: invalid barrier state %q", ErrInvalidParams, status)
	}

	query := `UPDATE hivepg_worker_barriers SET status = $2, updated_at = NOW() WHERE run_id = $1`

	affected, err := s.getExecutor(ctx).Exec(ctx, query, runID, status)
	if err != nil {
		return fmt.Errorf("failed to complete barrier: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: barrier for run %d", ErrNotFound, runID)
	}
	return nil
}

// GetExpiredBarriers returns run IDs of waiting barriers past their
// deadline.
func (s *PostgresStore) GetExpiredBarriers(ctx context.Context, now time.Time) ([]int64, error) {
	query := `SELECT run_id FROM hivepg_worker_barriers WHERE status = 'waiting' AND deadline_at < $1 ORDER BY deadline_at`

	rows, err := s.getExecutor(ctx).Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired barriers: %w", err)
	}
	defer rows.Close()

	var runIDs []int64
	for rows.Next() {
		var runID int64
		if err := rows.Scan(&runID); err != nil {
			return nil, fmt.Errorf("failed to scan expired barrier: %w", err)
		}
		runIDs = append(runIDs, runID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired barriers: %w", err)
	}
	return runIDs, nil
}

// ClaimExpiredBarrier transitions an expired waiting barrier to resuming and
// marks its unfinished children as timed out, returning the partial results.
// Returns (nil, nil) when the barrier is locked by a live completion, has
// already left waiting state, or is not actually past its deadline; the
// reaper moves on in all three cases.
func (s *PostgresStore) ClaimExpiredBarrier(ctx context.Context, runID int64) (*BarrierCompletion, error) {
	completion := &BarrierCompletion{}
	claimed := false

	err := s.WithTx(ctx, func(ctx context.Context) error {
		exec := s.getExecutor(ctx)

		barrier, err := scanBarrier(exec.QueryRow(ctx,
			`SELECT `+barrierColumns+` FROM hivepg_worker_barriers WHERE run_id = $1 FOR UPDATE NOWAIT`, runID))
		if err != nil {
			if isNoRows(err) || sqlState(err) == sqlstateLockNotAvailable {
				return nil
			}
			return fmt.Errorf("failed to lock expired barrier: %w", err)
		}

		// Recheck under the lock with the database clock; a completion may
		// have beaten the reaper to the claim.
		affected, err := exec.Exec(ctx, `
			UPDATE hivepg_worker_barriers SET status = 'resuming', updated_at = NOW()
			WHERE id = $1 AND status = 'waiting' AND deadline_at < NOW()`, barrier.ID)
		if err != nil {
			return fmt.Errorf("failed to claim expired barrier: %w", err)
		}
		if affected == 0 {
			return nil
		}

		timeoutErr := fmt.Sprintf("barrier deadline exceeded at %s", barrier.DeadlineAt.UTC().Format(time.RFC3339))
		_, err = exec.Exec(ctx, `
			UPDATE hivepg_barrier_jobs SET status = 'timeout', error = $2, updated_at = NOW()
			WHERE barrier_id = $1 AND status IN ('created', 'queued')`, barrier.ID, timeoutErr)
		if err != nil {
			return fmt.Errorf("failed to time out barrier jobs: %w", err)
		}

		barrier.Status = runstate.BarrierStateResuming
		completion.Barrier = barrier
		completion.Claimed = true
		claimed = true

		results, err := s.collectBarrierResults(ctx, barrier.ID)
		if err != nil {
			return err
		}
		completion.Results = results
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, nil
	}
	return completion, nil
}
