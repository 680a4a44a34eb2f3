package runstate

import (
	"database/sql/driver"
	"fmt"
)

// BarrierState represents the current state of a worker barrier.
//
// State transitions:
//
//	waiting -> resuming     (last child terminal; exactly one claimer)
//	waiting -> failed       (reaper hit a non-lock error)
//	resuming -> completed   (batch resume finished the run)
//	resuming -> failed      (batch resume failed)
//	resuming -> waiting     (re-interrupt rebuilt the barrier in place)
//
// The waiting -> resuming claim is the atomicity point: it must happen under
// a row lock (or a status-guarded conditional update) so exactly one caller
// observes completion of the final child.
type BarrierState string

const (
	// BarrierStateWaiting indicates children are still outstanding.
	BarrierStateWaiting BarrierState = "waiting"

	// BarrierStateResuming indicates one caller claimed the barrier and is
	// driving the batch resume.
	BarrierStateResuming BarrierState = "resuming"

	// BarrierStateCompleted indicates the batch resume finished.
	BarrierStateCompleted BarrierState = "completed"

	// BarrierStateFailed indicates the batch resume or the barrier itself
	// failed.
	BarrierStateFailed BarrierState = "failed"
)

// IsValid returns true if the state is a valid BarrierState value.
func (s BarrierState) IsValid() bool {
	switch s {
	case BarrierStateWaiting, BarrierStateResuming, BarrierStateCompleted, BarrierStateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the state is a terminal (final) state.
// A re-interrupt rebuilds the barrier row in place, so resuming -> waiting
// is the one backward edge.
func (s BarrierState) IsTerminal() bool {
	return s == BarrierStateCompleted || s == BarrierStateFailed
}

// CanTransitionTo returns true if a transition from this state to the
// target state is valid.
func (s BarrierState) CanTransitionTo(target BarrierState) bool {
	if s.IsTerminal() {
		return false
	}
	if s == target {
		return false
	}

	switch s {
	case BarrierStateWaiting:
		return target == BarrierStateResuming || target == BarrierStateFailed
	case BarrierStateResuming:
		return target == BarrierStateCompleted || target == BarrierStateFailed ||
			target == BarrierStateWaiting
	}

	return false
}

// String returns the string representation of the state.
func (s BarrierState) String() string {
	return string(s)
}

// Value implements driver.Valuer for database serialization.
func (s BarrierState) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements sql.Scanner for database deserialization.
func (s *BarrierState) Scan(src any) error {
	switch v := src.(type) {
	case string:
		state := BarrierState(v)
		if !state.IsValid() {
			return fmt.Errorf("runstate: invalid barrier state %q", v)
		}
		*s = state
		return nil
	case []byte:
		state := BarrierState(v)
		if !state.IsValid() {
			return fmt.Errorf("runstate: invalid barrier state %q", v)
		}
		*s = state
		return nil
	default:
		return fmt.Errorf("runstate: cannot scan type %T into BarrierState", src)
	}
}

// BarrierJobState represents the per-child status tracked on a barrier.
//
// Children are inserted as queued at barrier commit; created exists for
// rows written before the commit point. The reaper marks non-terminal
// children as timeout when the barrier deadline passes.
type BarrierJobState string

const (
	BarrierJobStateCreated   BarrierJobState = "created"
	BarrierJobStateQueued    BarrierJobState = "queued"
	BarrierJobStateCompleted BarrierJobState = "completed"
	BarrierJobStateFailed    BarrierJobState = "failed"
	BarrierJobStateTimeout   BarrierJobState = "timeout"
)

// IsValid returns true if the state is a valid BarrierJobState value.
func (s BarrierJobState) IsValid() bool {
	switch s {
	case BarrierJobStateCreated, BarrierJobStateQueued,
		BarrierJobStateCompleted, BarrierJobStateFailed, BarrierJobStateTimeout:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the state is a terminal (final) state.
func (s BarrierJobState) IsTerminal() bool {
	switch s {
	case BarrierJobStateCompleted, BarrierJobStateFailed, BarrierJobStateTimeout:
		return true
	default:
		return false
	}
}

// String returns the string representation of the state.
func (s BarrierJobState) String() string {
	return string(s)
}

// Value implements driver.Valuer for database serialization.
func (s BarrierJobState) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements sql.Scanner for database deserialization.
func (s *BarrierJobState) Scan(src any) error {
	switch v := src.(type) {
	case string:
		state := BarrierJobState(v)
		if !state.IsValid() {
			return fmt.Errorf("runstate: invalid barrier job state %q", v)
		}
		*s = state
		return nil
	case []byte:
		state := BarrierJobState(v)
		if !state.IsValid() {
			return fmt.Errorf("runstate: invalid barrier job state %q", v)
		}
		*s = state
		return nil
	default:
		return fmt.Errorf("runstate: cannot scan type %T into BarrierJobState", src)
	}
}

// JobStateToBarrierJobState maps a terminal worker job state to the
// corresponding barrier child state.
func JobStateToBarrierJobState(s JobState) BarrierJobState {
	switch s {
	case JobStateSuccess:
		return BarrierJobStateCompleted
	case JobStateTimeout:
		return BarrierJobStateTimeout
	default:
		return BarrierJobStateFailed
	}
}
