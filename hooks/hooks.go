// Package hooks provides observation points around the orchestrator
// lifecycle. Hooks are observational: a panicking or failing hook is logged
// and never alters run outcomes.
package hooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/youssefsiam38/hivepg/runstate"
)

// RunStartedHook is called when a supervisor run begins executing.
type RunStartedHook func(ctx context.Context, runID, ownerID int64, trigger string)

// RunFinishedHook is called when a supervisor run reaches a terminal state.
type RunFinishedHook func(ctx context.Context, runID int64, status runstate.RunState, runErr error)

// ToolCallHook is called after each tool invocation completes.
type ToolCallHook func(ctx context.Context, toolName string, input json.RawMessage, output string, toolErr error)

// WorkerCompleteHook is called when a worker job reaches a terminal state.
type WorkerCompleteHook func(ctx context.Context, jobID int64, status runstate.JobState, summary string)

// Registry holds registered hooks. It is safe for concurrent use; hooks may
// be registered while runs are executing.
type Registry struct {
	mu             sync.RWMutex
	logger         *slog.Logger
	runStarted     []RunStartedHook
	runFinished    []RunFinishedHook
	toolCall       []ToolCallHook
	workerComplete []WorkerCompleteHook
}

// NewRegistry creates an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// SetLogger sets the logger used for hook panic reports.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// OnRunStarted registers a hook called when a run begins.
func (r *Registry) OnRunStarted(h RunStartedHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runStarted = append(r.runStarted, h)
}

// OnRunFinished registers a hook called when a run finishes.
func (r *Registry) OnRunFinished(h RunFinishedHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runFinished = append(r.runFinished, h)
}

// OnToolCall registers a hook called after each tool invocation.
func (r *Registry) OnToolCall(h ToolCallHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolCall = append(r.toolCall, h)
}

// OnWorkerComplete registers a hook called when a worker job finishes.
func (r *Registry) OnWorkerComplete(h WorkerCompleteHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workerComplete = append(r.workerComplete, h)
}

// FireRunStarted invokes all run-started hooks.
func (r *Registry) FireRunStarted(ctx context.Context, runID, ownerID int64, trigger string) {
	r.mu.RLock()
	hs := append([]RunStartedHook(nil), r.runStarted...)
	r.mu.RUnlock()
	for _, h := range hs {
		r.safeCall("run_started", func() { h(ctx, runID, ownerID, trigger) })
	}
}

// FireRunFinished invokes all run-finished hooks.
func (r *Registry) FireRunFinished(ctx context.Context, runID int64, status runstate.RunState, runErr error) {
	r.mu.RLock()
	hs := append([]RunFinishedHook(nil), r.runFinished...)
	r.mu.RUnlock()
	for _, h := range hs {
		r.safeCall("run_finished", func() { h(ctx, runID, status, runErr) })
	}
}

// FireToolCall invokes all tool-call hooks.
func (r *Registry) FireToolCall(ctx context.Context, toolName string, input json.RawMessage, output string, toolErr error) {
	r.mu.RLock()
	hs := append([]ToolCallHook(nil), r.toolCall...)
	r.mu.RUnlock()
	for _, h := range hs {
		r.safeCall("tool_call", func() { h(ctx, toolName, input, output, toolErr) })
	}
}

// FireWorkerComplete invokes all worker-complete hooks.
func (r *Registry) FireWorkerComplete(ctx context.Context, jobID int64, status runstate.JobState, summary string) {
	r.mu.RLock()
	hs := append([]WorkerCompleteHook(nil), r.workerComplete...)
	r.mu.RUnlock()
	for _, h := range hs {
		r.safeCall("worker_complete", func() { h(ctx, jobID, status, summary) })
	}
}

// safeCall runs one hook, converting panics into log entries.
func (r *Registry) safeCall(kind string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log().Error("hivepg: hook panicked", "hook", kind, "panic", rec)
		}
	}()
	fn()
}

func (r *Registry) log() *slog.Logger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.logger != nil {
		return r.logger
	}
	return slog.Default()
}
