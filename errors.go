package hivepg

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrInvalidConfig is returned when the client configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRunNotFound is returned when a run does not exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunAlreadyFinalized is returned when modifying a terminal run.
	ErrRunAlreadyFinalized = errors.New("run already finalized")

	// =========================================================================
	// Engine errors
	// =========================================================================

	// ErrInterrupted signals that the engine stopped because workers were
	// spawned; the caller must perform the barrier commit. The legacy
	// single-spawn path wraps a WorkerInterrupt in it.
	ErrInterrupted = errors.New("run interrupted for worker spawn")

	// ErrIterationLimit is returned when the ReAct loop exceeds its cap.
	ErrIterationLimit = errors.New("react iteration limit exceeded")

	// ErrEmptyResponse is returned when the model produces neither text nor
	// tool calls after the corrective retry.
	ErrEmptyResponse = errors.New("empty model response")

	// =========================================================================
	// Client errors
	// =========================================================================

	// ErrNotStarted is returned when calling methods before Start().
	ErrNotStarted = errors.New("client not started")

	// ErrAlreadyStarted is returned when Start() is called twice.
	ErrAlreadyStarted = errors.New("client already started")
)

// OrchestratorError represents an error with additional context.
type OrchestratorError struct {
	Op      string         // Operation that failed
	Err     error          // Underlying error
	RunID   int64          // Run ID if applicable
	Context map[string]any // Additional context
}

// Error implements the error interface.
func (e *OrchestratorError) Error() string {
	if e.RunID != 0 {
		return fmt.Sprintf("%s (run=%d): %v", e.Op, e.RunID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *OrchestratorError) Unwrap() error {
	return e.Err
}

// WithContext adds additional context to the error.
func (e *OrchestratorError) WithContext(key string, value any) *OrchestratorError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// NewOrchestratorError creates a new OrchestratorError.
func NewOrchestratorError(op string, err error) *OrchestratorError {
	return &OrchestratorError{
		Op:  op,
		Err: err,
	}
}

// NewOrchestratorErrorWithRun creates a new OrchestratorError bound to a run.
func NewOrchestratorErrorWithRun(op string, runID int64, err error) *OrchestratorError {
	return &OrchestratorError{
		Op:    op,
		Err:   err,
		RunID: runID,
	}
}
