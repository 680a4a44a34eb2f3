// Package storage provides the persistence layer for hivepg.
//
// The Store interface covers runs, threads, worker jobs, barriers, the
// durable event log, and instance/leadership bookkeeping. The Postgres
// implementation works over the driver.Executor abstraction, so it runs
// unchanged on pgx/v5 and database/sql.
package storage

import (
	"context"
	"time"

	"github.com/youssefsiam38/hivepg/runstate"
)

// Notification channels used with LISTEN/NOTIFY. Payloads are sent with
// pg_notify inside store transactions, so they only fire on commit.
const (
	// NotifyChannelJobQueued carries the job ID whenever a worker job
	// becomes claimable.
	NotifyChannelJobQueued = "hivepg_job_queued"

	// NotifyChannelRunEvents carries {"run_id": n, "seq": n} for every
	// appended run event.
	NotifyChannelRunEvents = "hivepg_run_events"

	// NotifyChannelLeadership is notified when the leader resigns, so
	// standbys re-elect without waiting out the lease.
	NotifyChannelLeadership = "hivepg_leadership"
)

// CreateThreadParams holds parameters for creating a thread.
type CreateThreadParams struct {
	OwnerID int64
	Kind    ThreadKind
	Title   *string
}

// AppendMessageParams holds parameters for appending a message to a thread.
type AppendMessageParams struct {
	ThreadID   int64
	Role       MessageRole
	Content    string
	ToolCalls  []ToolCall
	ToolCallID *string
	Name       *string
	ParentID   *int64
	Internal   bool
	Metadata   map[string]any
}

// AppendToolReplyParams holds parameters for persisting a tool reply.
//
// The reply is linked under the most recent assistant message in the thread
// whose tool_calls contain ToolCallID. When no such assistant message
// exists, the reply is stored as an internal user-role notification instead
// (the thread linkage invariant).
type AppendToolReplyParams struct {
	ThreadID   int64
	ToolCallID string
	Name       string
	Content    string
	Metadata   map[string]any
}

// CreateRunParams holds parameters for creating a run.
type CreateRunParams struct {
	OwnerID             int64
	ThreadID            int64
	Trigger             string
	Model               string
	ReasoningEffort     string
	TraceID             string
	AssistantMessageID  string
	ContinuationOfRunID *int64
	RootRunID           *int64
}

// UpdateRunStateParams holds parameters for a run state update.
//
// When RequiredState is set the update is conditional: it applies only if
// the run is currently in that state, and ErrStateTransitionFailed is
// returned otherwise. Terminal target states also set finished_at and
// duration_ms.
type UpdateRunStateParams struct {
	State         runstate.RunState
	RequiredState *runstate.RunState
	Error         *string
	ErrorType     *string
	Summary       *string
	TotalTokens   *int
}

// CreateWorkerJobParams holds parameters for the spawn-side job insert.
type CreateWorkerJobParams struct {
	OwnerID         int64
	SupervisorRunID int64
	ToolCallID      string
	TraceID         string
	Task            string
	Model           string
	ReasoningEffort string
	Config          JobConfig
}

// ClaimJobsParams holds parameters for claiming queued worker jobs.
type ClaimJobsParams struct {
	Max         int
	AttemptedBy string
}

// CompleteJobParams holds parameters for a worker job's terminal update.
// The update is conditional on the job still being in running state, which
// keeps externally-cancelled jobs untouched. When AttemptedBy is set the
// update additionally requires the row to still be held by that instance, so
// a stale holder racing a reclaimed job cannot overwrite the new attempt.
type CompleteJobParams struct {
	JobID       int64
	Status      runstate.JobState
	Result      *string
	Error       *string
	WorkerID    *string
	AttemptedBy string
}

// BarrierJobSeed identifies one child to register on a barrier.
type BarrierJobSeed struct {
	JobID      int64
	ToolCallID string
}

// CreateBarrierParams holds parameters for creating or rebuilding the
// barrier of a run. An existing barrier row at the same run id is reused:
// its children are deleted and its counters reset.
type CreateBarrierParams struct {
	RunID      int64
	DeadlineAt time.Time
	Jobs       []BarrierJobSeed
}

// RecordBarrierCompletionParams holds parameters for the completion-side
// barrier commit.
type RecordBarrierCompletionParams struct {
	RunID  int64
	JobID  int64
	Status runstate.BarrierJobState
	Result string
	Error  string
}

// LeaderElectParams holds parameters for leader election attempts.
type LeaderElectParams struct {
	LeaderID string
	TTL      time.Duration
}

// RegisterInstanceParams holds parameters for registering an instance.
type RegisterInstanceParams struct {
	ID       string
	Hostname string
	Metadata map[string]any
}

// Store is the persistence interface for hivepg.
type Store interface {
	// WithTx runs fn inside a database transaction. The context passed to fn
	// carries the transaction executor; every Store call made with it joins
	// the same transaction. Nested calls create savepoints.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	// =========================================================================
	// Threads and messages
	// =========================================================================

	CreateThread(ctx context.Context, params *CreateThreadParams) (*Thread, error)
	GetThread(ctx context.Context, threadID int64) (*Thread, error)

	// EnsureSupervisorThread returns the owner's supervisor thread, creating
	// it on first use. At most one supervisor thread exists per owner.
	EnsureSupervisorThread(ctx context.Context, ownerID int64) (*Thread, error)

	AppendMessage(ctx context.Context, params *AppendMessageParams) (*Message, error)

	// AppendToolReply persists a tool reply under its assistant message,
	// falling back to an internal user-role notification when the linkage
	// cannot be made.
	AppendToolReply(ctx context.Context, params *AppendToolReplyParams) (*Message, error)

	GetThreadMessages(ctx context.Context, threadID int64) ([]*Message, error)
	GetMessage(ctx context.Context, messageID int64) (*Message, error)

	// ReplaceMessageContent overwrites a message's content in place, merging
	// the given metadata. Compaction uses it so thread order is preserved.
	ReplaceMessageContent(ctx context.Context, messageID int64, content string, metadata map[string]any) error

	DeleteMessages(ctx context.Context, messageIDs []int64) error

	// =========================================================================
	// Runs
	// =========================================================================

	// CreateRun inserts a run in running state. For continuation runs the
	// insert is idempotent: when another continuation of the same parent
	// already exists, ErrContinuationExists is returned and the caller can
	// fetch the winner via GetContinuationRun.
	CreateRun(ctx context.Context, params *CreateRunParams) (*Run, error)

	GetRun(ctx context.Context, runID int64) (*Run, error)
	GetContinuationRun(ctx context.Context, parentRunID int64) (*Run, error)

	// UpdateRunState applies a state update, conditionally when
	// RequiredState is set (ErrStateTransitionFailed on a lost race).
	UpdateRunState(ctx context.Context, runID int64, params *UpdateRunStateParams) error

	// GetStuckRuns returns non-terminal runs whose last update is older than
	// the horizon. Used by leader-only cleanup.
	GetStuckRuns(ctx context.Context, olderThan time.Time) ([]*Run, error)

	// =========================================================================
	// Worker jobs
	// =========================================================================

	// FindOrCreateWorkerJob implements the spawn-side idempotency contract:
	// an existing job for (supervisor_run_id, tool_call_id) is returned with
	// created=false; otherwise a new job is inserted in created state.
	FindOrCreateWorkerJob(ctx context.Context, params *CreateWorkerJobParams) (job *WorkerJob, created bool, err error)

	GetWorkerJob(ctx context.Context, jobID int64) (*WorkerJob, error)
	GetWorkerJobsByRun(ctx context.Context, runID int64) ([]*WorkerJob, error)

	// FlipJobsToQueued moves jobs from created to queued and notifies the
	// processor channel. This is the single point at which workers become
	// eligible to run; only rows still in created state are flipped.
	FlipJobsToQueued(ctx context.Context, jobIDs []int64) (int, error)

	// ClaimQueuedJobs claims up to Max queued jobs with FOR UPDATE SKIP
	// LOCKED, flipping them to running.
	ClaimQueuedJobs(ctx context.Context, params *ClaimJobsParams) ([]*WorkerJob, error)

	// UpdateJobHeartbeat refreshes a running job's heartbeat. It reports
	// false when the job was reclaimed or is no longer running under the
	// given claimant.
	UpdateJobHeartbeat(ctx context.Context, jobID int64, attemptedBy string) (bool, error)

	// UpdateJobWorkerID records the artifact bundle id assigned by the
	// runner.
	UpdateJobWorkerID(ctx context.Context, jobID int64, workerID string) error

	// CompleteWorkerJob applies a terminal update conditional on the job
	// still running and, when AttemptedBy is set, still held by that
	// instance; it reports whether the update was applied.
	CompleteWorkerJob(ctx context.Context, params *CompleteJobParams) (bool, error)

	// CancelWorkerJob cancels a job in any non-terminal state.
	CancelWorkerJob(ctx context.Context, jobID int64) error

	// RequeueJob returns a stale running job to the queue (rescue path).
	RequeueJob(ctx context.Context, jobID int64) (bool, error)

	GetStaleRunningJobs(ctx context.Context, olderThan time.Time, limit int) ([]*WorkerJob, error)

	// GetOrphanedCreatedJobs returns jobs stuck in created older than the
	// cutoff with no barrier child row (their barrier commit never landed).
	GetOrphanedCreatedJobs(ctx context.Context, olderThan time.Time) ([]*WorkerJob, error)

	// FailOrphanedJob fails a job conditional on it still being in created
	// state.
	FailOrphanedJob(ctx context.Context, jobID int64, errMsg string) (bool, error)

	// GetRecentWorkerJobs returns the owner's most recent jobs since the
	// given time, newest first, for supervisor context injection.
	GetRecentWorkerJobs(ctx context.Context, ownerID int64, since time.Time, limit int) ([]*WorkerJob, error)

	// =========================================================================
	// Barriers
	// =========================================================================

	// CreateOrResetBarrier creates the run's barrier in waiting state with
	// the given children, or rebuilds an existing one in place. Meant to run
	// inside the phase-two commit transaction.
	CreateOrResetBarrier(ctx context.Context, params *CreateBarrierParams) (*Barrier, error)

	GetBarrier(ctx context.Context, runID int64) (*Barrier, error)
	GetBarrierJobs(ctx context.Context, barrierID int64) ([]*BarrierJob, error)

	// RecordBarrierCompletion executes the completion-side barrier commit:
	// lock the barrier, skip unless waiting, mark the child terminal,
	// increment completed_count, and when the final child landed claim the
	// barrier for resume and gather all child results. Exactly one caller
	// per barrier instance observes Claimed=true.
	RecordBarrierCompletion(ctx context.Context, params *RecordBarrierCompletionParams) (*BarrierCompletion, error)

	// CompleteBarrier moves a claimed barrier to its final state.
	CompleteBarrier(ctx context.Context, runID int64, status runstate.BarrierState) error

	// GetExpiredBarriers returns run ids whose barrier is waiting past its
	// deadline.
	GetExpiredBarriers(ctx context.Context, now time.Time) ([]int64, error)

	// ClaimExpiredBarrier locks an expired barrier non-blockingly, marks
	// outstanding children timeout, claims it for resume, and gathers all
	// results. A nil completion with nil error means another instance holds
	// the lock or the barrier is no longer waiting.
	ClaimExpiredBarrier(ctx context.Context, runID int64) (*BarrierCompletion, error)

	// =========================================================================
	// Event log
	// =========================================================================

	// AppendRunEvent inserts an event with the next per-run sequence number.
	AppendRunEvent(ctx context.Context, runID int64, eventType string, payload map[string]any) (*Event, error)

	GetRunEvents(ctx context.Context, runID int64, afterSeq int, limit int) ([]*Event, error)
	GetLatestEventSeq(ctx context.Context, runID int64) (int, error)
	GetRunEventCount(ctx context.Context, runID int64) (int, error)
	DeleteRunEvents(ctx context.Context, runID int64) (int, error)

	// =========================================================================
	// Instances and leadership
	// =========================================================================

	RegisterInstance(ctx context.Context, params *RegisterInstanceParams) error
	UpdateInstanceHeartbeat(ctx context.Context, instanceID string) error
	DeregisterInstance(ctx context.Context, instanceID string) error
	GetStaleInstances(ctx context.Context, olderThan time.Time) ([]string, error)

	LeaderAttemptElect(ctx context.Context, params *LeaderElectParams) (bool, error)
	LeaderAttemptReelect(ctx context.Context, params *LeaderElectParams) (bool, error)
	LeaderResign(ctx context.Context, leaderID string) error
	LeaderDeleteExpired(ctx context.Context) (int, error)
}
