package runstate

import (
	"database/sql/driver"
	"fmt"
)

// JobState represents the current state of a worker job.
//
// State transitions:
//
//	created -> queued       (barrier committed; job becomes runnable)
//	created -> failed       (orphan sweep: barrier creation never committed)
//	created -> timeout      (barrier deadline reaper)
//	created -> cancelled    (external cancellation)
//	queued -> running       (processor claims the job)
//	queued -> timeout       (barrier deadline reaper)
//	queued -> cancelled     (external cancellation)
//	running -> success      (runner finished cleanly)
//	running -> failed       (runner error or engine timeout)
//	running -> cancelled    (external cancellation)
//	running -> timeout      (barrier deadline reaper)
//	running -> queued       (rescuer reclaims a stale job)
//
// A job in created is owned by an in-flight barrier build and must never
// execute; queued is the single point at which it becomes eligible to run.
type JobState string

const (
	// JobStateCreated is the two-phase-commit holding state. The job row
	// exists so the spawn call is idempotent, but no processor may claim it.
	JobStateCreated JobState = "created"

	// JobStateQueued indicates the barrier commit made the job runnable.
	JobStateQueued JobState = "queued"

	// JobStateRunning indicates a processor claimed the job and the worker
	// runner is executing it.
	JobStateRunning JobState = "running"

	// JobStateSuccess indicates the worker finished cleanly.
	JobStateSuccess JobState = "success"

	// JobStateFailed indicates the worker failed with an error.
	JobStateFailed JobState = "failed"

	// JobStateCancelled indicates the job was cancelled externally.
	JobStateCancelled JobState = "cancelled"

	// JobStateTimeout indicates the barrier deadline passed before the
	// worker terminated.
	JobStateTimeout JobState = "timeout"
)

// AllJobStates returns all possible job states.
func AllJobStates() []JobState {
	return []JobState{
		JobStateCreated,
		JobStateQueued,
		JobStateRunning,
		JobStateSuccess,
		JobStateFailed,
		JobStateCancelled,
		JobStateTimeout,
	}
}

// TerminalJobStates returns all terminal (final) job states.
func TerminalJobStates() []JobState {
	return []JobState{
		JobStateSuccess,
		JobStateFailed,
		JobStateCancelled,
		JobStateTimeout,
	}
}

// IsValid returns true if the state is a valid JobState value.
func (s JobState) IsValid() bool {
	switch s {
	case JobStateCreated, JobStateQueued, JobStateRunning,
		JobStateSuccess, JobStateFailed, JobStateCancelled, JobStateTimeout:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the state is a terminal (final) state.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateSuccess, JobStateFailed, JobStateCancelled, JobStateTimeout:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if a transition from this state to the
// target state is valid.
func (s JobState) CanTransitionTo(target JobState) bool {
	if s.IsTerminal() {
		return false
	}
	if s == target {
		return false
	}

	switch s {
	case JobStateCreated:
		return target == JobStateQueued || target == JobStateFailed ||
			target == JobStateTimeout || target == JobStateCancelled
	case JobStateQueued:
		return target == JobStateRunning || target == JobStateTimeout ||
			target == JobStateCancelled
	case JobStateRunning:
		return target.IsTerminal() || target == JobStateQueued
	}

	return false
}

// String returns the string representation of the state.
func (s JobState) String() string {
	return string(s)
}

// Value implements driver.Valuer for database serialization.
func (s JobState) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements sql.Scanner for database deserialization.
func (s *JobState) Scan(src any) error {
	switch v := src.(type) {
	case string:
		state := JobState(v)
		if !state.IsValid() {
			return fmt.Errorf("runstate: invalid job state %q", v)
		}
		*s = state
		return nil
	case []byte:
		state := JobState(v)
		if !state.IsValid() {
			return fmt.Errorf("runstate: invalid job state %q", v)
		}
		*s = state
		return nil
	default:
		return fmt.Errorf("runstate: cannot scan type %T into JobState", src)
	}
}
