package storage

import (
	"encoding/json"
	"time"

	"github.com/youssefsiam38/hivepg/runstate"
)

// ThreadKind distinguishes the long-lived supervisor thread from transient
// worker threads.
type ThreadKind string

const (
	// ThreadKindSuper is the single long-lived supervisor thread per owner.
	ThreadKindSuper ThreadKind = "super"

	// ThreadKindManual is a transient thread created for one worker run.
	ThreadKindManual ThreadKind = "manual"
)

// MessageRole represents the role of a message in a thread.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleTool      MessageRole = "tool"
	MessageRoleSystem    MessageRole = "system"
)

// Thread is an ordered sequence of messages belonging to an owner.
type Thread struct {
	ID        int64
	OwnerID   int64
	Kind      ThreadKind
	Title     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToolCall is one structured tool request on an assistant message.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one persisted thread message.
//
// Tool replies carry ToolCallID + Name and group under their assistant
// message via ParentID. Internal messages are hidden from user-facing
// rendering (context injections, fallback notifications).
type Message struct {
	ID         int64
	ThreadID   int64
	Role       MessageRole
	Content    string
	ToolCalls  []ToolCall
	ToolCallID *string
	Name       *string
	ParentID   *int64
	Processed  bool
	Internal   bool
	Metadata   map[string]any
	SentAt     time.Time
}

// HasToolCalls reports whether the message requests any tool invocations.
func (m *Message) HasToolCalls() bool {
	return m.Role == MessageRoleAssistant && len(m.ToolCalls) > 0
}

// Run is one stateful execution of the supervisor against its thread.
type Run struct {
	ID                  int64
	OwnerID             int64
	ThreadID            int64
	Status              runstate.RunState
	Trigger             string
	Model               string
	ReasoningEffort     string
	TraceID             string
	AssistantMessageID  string
	ContinuationOfRunID *int64
	RootRunID           *int64
	TotalTokens         int
	Summary             *string
	Error               *string
	ErrorType           *string
	StartedAt           *time.Time
	FinishedAt          *time.Time
	DurationMS          *int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// RootID returns the id of the original run in this run's continuation
// chain; a run with no root recorded is its own root.
func (r *Run) RootID() int64 {
	if r.RootRunID != nil {
		return *r.RootRunID
	}
	return r.ID
}

// JobConfig carries workspace and resume hints for a worker job.
type JobConfig struct {
	Workspace       string `json:"workspace,omitempty"`
	GitRepo         string `json:"git_repo,omitempty"`
	ResumeSessionID string `json:"resume_session_id,omitempty"`
}

// WorkerJob is one unit of delegated work owned by a supervisor run.
type WorkerJob struct {
	ID              int64
	OwnerID         int64
	SupervisorRunID *int64
	ToolCallID      *string
	TraceID         string
	Task            string
	Model           string
	ReasoningEffort string
	Config          JobConfig
	Status          runstate.JobState
	WorkerID        *string
	Result          *string
	Error           *string
	Attempt         int
	AttemptedBy     *string
	HeartbeatAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// Barrier is the per-run coordination record counting outstanding parallel
// workers.
type Barrier struct {
	ID             int64
	RunID          int64
	ExpectedCount  int
	CompletedCount int
	Status         runstate.BarrierState
	DeadlineAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BarrierJob is one child row of a barrier.
type BarrierJob struct {
	ID         int64
	BarrierID  int64
	JobID      int64
	ToolCallID string
	Status     runstate.BarrierJobState
	Result     *string
	Error      *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// BarrierJobResult is the per-worker outcome gathered when a barrier is
// claimed for resume, ordered by child row id (spawn order).
type BarrierJobResult struct {
	JobID      int64
	ToolCallID string
	Status     runstate.BarrierJobState
	Result     string
	Error      string
	WorkerID   string
}

// BarrierCompletion is the outcome of recording one worker completion
// against a barrier. Results is populated only when Claimed is true.
type BarrierCompletion struct {
	// Claimed is true when this caller observed the final child terminate
	// and atomically moved the barrier to resuming.
	Claimed bool

	// Skipped is true when the barrier was not in waiting or the child row
	// was already terminal (late or duplicate completion).
	Skipped bool

	Barrier *Barrier
	Results []BarrierJobResult
}

// Event is one durable event log row. Seq is per-run monotonic.
type Event struct {
	ID        int64
	RunID     int64
	Seq       int
	EventType string
	Payload   map[string]any
	CreatedAt time.Time
}

// Instance is one registered orchestrator process.
type Instance struct {
	ID              string
	Hostname        string
	StartedAt       time.Time
	LastHeartbeatAt time.Time
	Metadata        map[string]any
}
