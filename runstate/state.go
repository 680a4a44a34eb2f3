// Package runstate provides the state machine definitions for supervisor
// runs, worker jobs, and worker barriers.
//
// A run represents one stateful execution of the supervisor against its
// thread. Runs progress through the state machine until reaching a terminal
// state; worker spawns park the run in waiting, and deferred marks a run
// whose caller stopped waiting while the engine keeps working.
//
// Run state machine:
//
//	running -> success      (final assistant message, no workers outstanding)
//	running -> waiting      (workers spawned; barrier created)
//	running -> deferred     (soft timeout or acknowledgement turn)
//	running -> failed       (engine error)
//	running -> cancelled    (external cancellation)
//	waiting -> running      (batch resume claims the run)
//	waiting -> failed       (resume failure, barrier failure)
//	waiting -> cancelled    (external cancellation)
//	deferred -> running     (continuation run takes over)
//	deferred -> success     (background engine finished cleanly)
//	deferred -> failed      (background engine failed)
//	deferred -> cancelled   (external cancellation)
//
// Terminal states (success, cancelled, failed) cannot transition further.
package runstate

import (
	"database/sql/driver"
	"fmt"
)

// RunState represents the current state of a supervisor run.
type RunState string

const (
	// RunStateRunning indicates the engine is actively driving the run.
	// This is the initial state when a run is created.
	RunStateRunning RunState = "running"

	// RunStateWaiting indicates the run spawned workers and is parked until
	// its barrier completes. Only the resume path may move it forward.
	RunStateWaiting RunState = "waiting"

	// RunStateDeferred indicates the caller stopped waiting (soft timeout or
	// an acknowledgement turn that spawned workers) while the engine keeps
	// working in the background.
	RunStateDeferred RunState = "deferred"

	// RunStateSuccess indicates the run finished cleanly.
	RunStateSuccess RunState = "success"

	// RunStateFailed indicates the run failed with an error.
	// The error and error_type fields will be populated.
	RunStateFailed RunState = "failed"

	// RunStateCancelled indicates the run was cancelled externally.
	RunStateCancelled RunState = "cancelled"
)

// AllRunStates returns all possible run states.
func AllRunStates() []RunState {
	return []RunState{
		RunStateRunning,
		RunStateWaiting,
		RunStateDeferred,
		RunStateSuccess,
		RunStateFailed,
		RunStateCancelled,
	}
}

// TerminalRunStates returns all terminal (final) run states.
func TerminalRunStates() []RunState {
	return []RunState{
		RunStateSuccess,
		RunStateFailed,
		RunStateCancelled,
	}
}

// IsValid returns true if the state is a valid RunState value.
func (s RunState) IsValid() bool {
	switch s {
	case RunStateRunning, RunStateWaiting, RunStateDeferred,
		RunStateSuccess, RunStateFailed, RunStateCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the state is a terminal (final) state.
// Terminal states cannot transition to any other state.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateSuccess, RunStateFailed, RunStateCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if a transition from this state to the
// target state is valid.
//
// Valid transitions:
//   - running -> success | failed | cancelled | waiting | deferred
//   - waiting -> running | failed | cancelled
//   - deferred -> running | success | failed | cancelled
//
// Invalid transitions:
//   - Any terminal state to any other state
//   - Same state to same state (no-op)
//   - waiting -> success (a waiting run must resume to running first)
func (s RunState) CanTransitionTo(target RunState) bool {
	if s.IsTerminal() {
		return false
	}
	if s == target {
		return false
	}

	switch s {
	case RunStateRunning:
		return target == RunStateSuccess || target == RunStateFailed ||
			target == RunStateCancelled || target == RunStateWaiting ||
			target == RunStateDeferred
	case RunStateWaiting:
		return target == RunStateRunning || target == RunStateFailed ||
			target == RunStateCancelled
	case RunStateDeferred:
		return target == RunStateRunning || target == RunStateSuccess ||
			target == RunStateFailed || target == RunStateCancelled
	}

	return false
}

// String returns the string representation of the state.
func (s RunState) String() string {
	return string(s)
}

// Value implements driver.Valuer for database serialization.
func (s RunState) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements sql.Scanner for database deserialization.
func (s *RunState) Scan(src any) error {
	switch v := src.(type) {
	case string:
		state := RunState(v)
		if !state.IsValid() {
			return fmt.Errorf("runstate: invalid run state %q", v)
		}
		*s = state
		return nil
	case []byte:
		state := RunState(v)
		if !state.IsValid() {
			return fmt.Errorf("runstate: invalid run state %q", v)
		}
		*s = state
		return nil
	default:
		return fmt.Errorf("runstate: cannot scan type %T into RunState", src)
	}
}

// Transition represents a run state transition with validation.
type Transition struct {
	From RunState
	To   RunState
}

// Validate returns an error if the transition is invalid.
func (t Transition) Validate() error {
	if !t.From.IsValid() {
		return fmt.Errorf("runstate: invalid source state %q", t.From)
	}
	if !t.To.IsValid() {
		return fmt.Errorf("runstate: invalid target state %q", t.To)
	}
	if !t.From.CanTransitionTo(t.To) {
		return fmt.Errorf("runstate: invalid transition from %q to %q", t.From, t.To)
	}
	return nil
}

// ValidTransitions returns all valid run state transitions.
func ValidTransitions() []Transition {
	return []Transition{
		// From running
		{From: RunStateRunning, To: RunStateSuccess},
		{From: RunStateRunning, To: RunStateWaiting},
		{From: RunStateRunning, To: RunStateDeferred},
		{From: RunStateRunning, To: RunStateFailed},
		{From: RunStateRunning, To: RunStateCancelled},
		// From waiting
		{From: RunStateWaiting, To: RunStateRunning},
		{From: RunStateWaiting, To: RunStateFailed},
		{From: RunStateWaiting, To: RunStateCancelled},
		// From deferred
		{From: RunStateDeferred, To: RunStateRunning},
		{From: RunStateDeferred, To: RunStateSuccess},
		{From: RunStateDeferred, To: RunStateFailed},
		{From: RunStateDeferred, To: RunStateCancelled},
	}
}

// ErrorType represents the classification of a run or job error.
type ErrorType string

const (
	// ErrorTypeOrphan indicates the record was orphaned (barrier creation
	// failed or the owning instance disconnected).
	ErrorTypeOrphan ErrorType = "orphan"

	// ErrorTypeTimeout indicates a deadline was exceeded.
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeLLM indicates an error from the model provider.
	ErrorTypeLLM ErrorType = "llm"

	// ErrorTypeTool indicates an error during tool execution.
	ErrorTypeTool ErrorType = "tool"

	// ErrorTypeCritical indicates a critical tool error that overrode the
	// run outcome.
	ErrorTypeCritical ErrorType = "critical"

	// ErrorTypeInternal indicates an internal orchestrator error.
	ErrorTypeInternal ErrorType = "internal"

	// ErrorTypeCancelled indicates cancellation by context or request.
	ErrorTypeCancelled ErrorType = "cancelled"
)

// String returns the string representation of the error type.
func (e ErrorType) String() string {
	return string(e)
}
