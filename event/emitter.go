// Package event provides the run event log surface: an Emitter that appends
// typed events carrying identity context (who is acting, in which run, on
// whose behalf) and an in-memory Bus that fans events out to live
// subscribers. Rows are durable in hivepg_events; the bus is best-effort and
// exists only to cut read latency for watchers in the same process.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/youssefsiam38/hivepg/storage"
)

// Kind identifies which tier of the agent hierarchy an emitter speaks for.
type Kind string

const (
	KindSupervisor Kind = "supervisor"
	KindWorker     Kind = "worker"
)

// Event type names written to the event log.
const (
	TypeSupervisorStarted  = "supervisor_started"
	TypeSupervisorThinking = "supervisor_thinking"
	TypeSupervisorWaiting  = "supervisor_waiting"
	TypeSupervisorResumed  = "supervisor_resumed"
	TypeSupervisorDeferred = "supervisor_deferred"
	TypeSupervisorComplete = "supervisor_complete"
	TypeError              = "error"
	TypeWorkerSpawned      = "worker_spawned"
	TypeWorkerStarted      = "worker_started"
	TypeWorkerSummaryReady = "worker_summary_ready"
	TypeWorkerComplete     = "worker_complete"
	TypeRunUpdated         = "run_updated"
	TypeNotification       = "notification"
)

// PreviewMaxChars caps argument and result previews stored in event payloads.
// Full values are stored alongside the preview; the preview exists so that
// monitors and UIs can render activity without dragging megabytes around.
const PreviewMaxChars = 300

// redactedKeys is the fixed list of sensitive key fragments scrubbed from
// tool arguments before previewing. Matching is case-insensitive substring.
var redactedKeys = []string{"token", "api_key", "password", "secret", "authorization", "credential"}

// Store is the slice of the storage layer the emitter appends through.
type Store interface {
	AppendRunEvent(ctx context.Context, runID int64, eventType string, payload map[string]any) (*storage.Event, error)
}

// EmitterParams identifies the actor behind an emitter. JobID and WorkerID
// are set only for worker emitters.
type EmitterParams struct {
	Kind     Kind
	RunID    int64
	OwnerID  int64
	JobID    *int64
	WorkerID string
	TraceID  string
	Logger   *slog.Logger
}

// Emitter appends events for one run with a fixed identity context. It is
// safe for concurrent use; the engine shares one emitter between the tool
// executor and the heartbeat goroutine.
type Emitter struct {
	store  Store
	bus    *Bus
	logger *slog.Logger

	kind     Kind
	runID    int64
	ownerID  int64
	jobID    *int64
	workerID string
	traceID  string

	mu        sync.Mutex
	messageID *string
	critical  string
	hasCrit   bool
}

// NewEmitter creates an emitter bound to one run. The bus may be nil for
// callers that only need durable rows.
func NewEmitter(store Store, bus *Bus, params EmitterParams) *Emitter {
	return &Emitter{
		store:    store,
		bus:      bus,
		logger:   params.Logger,
		kind:     params.Kind,
		runID:    params.RunID,
		ownerID:  params.OwnerID,
		jobID:    params.JobID,
		workerID: params.WorkerID,
		traceID:  params.TraceID,
	}
}

// RunID returns the run this emitter appends to.
func (e *Emitter) RunID() int64 {
	return e.runID
}

// Kind returns the tier this emitter speaks for.
func (e *Emitter) Kind() Kind {
	return e.kind
}

// SetMessageID records the assistant message id attached to subsequent
// events. Supervisor emitters set it to the run's stable assistant message
// id at construction; it does not change across provider responses.
func (e *Emitter) SetMessageID(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id == "" {
		e.messageID = nil
		return
	}
	e.messageID = &id
}

// MarkCriticalError records an in-memory fail-fast flag. The outer runner
// reads it after the loop finishes and converts a nominal success into a
// failure. The first message wins; later calls are ignored.
func (e *Emitter) MarkCriticalError(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hasCrit {
		return
	}
	e.critical = msg
	e.hasCrit = true
}

// CriticalError returns the recorded critical error message, if any.
func (e *Emitter) CriticalError() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.critical, e.hasCrit
}

// Emit appends one event and publishes it on the bus. Callers on paths where
// an event must not be lost (barrier commit, resume) check the error; most
// call sites go through the typed helpers, which log and swallow instead.
func (e *Emitter) Emit(ctx context.Context, eventType string, payload map[string]any) error {
	ev, err := e.Append(ctx, eventType, payload)
	if err != nil {
		return err
	}
	e.Publish(ev)
	return nil
}

// Append writes one event row without publishing it on the bus. Callers that
// append inside a transaction publish the returned event themselves after the
// transaction commits; a pre-commit publish would hand subscribers an event
// whose row may never land.
func (e *Emitter) Append(ctx context.Context, eventType string, payload map[string]any) (*storage.Event, error) {
	merged := e.basePayload()
	for k, v := range payload {
		merged[k] = v
	}

	ev, err := e.store.AppendRunEvent(ctx, e.runID, eventType, merged)
	if err != nil {
		return nil, fmt.Errorf("failed to append %s event: %w", eventType, err)
	}
	return ev, nil
}

// Publish fans a previously appended event out to live subscribers. Nil
// events and bus-less emitters are no-ops.
func (e *Emitter) Publish(ev *storage.Event) {
	if e.bus != nil && ev != nil {
		e.bus.Publish(ev)
	}
}

// EmitToolStarted records the start of one tool invocation. The args preview
// is redacted and capped; the full arguments are stored untouched.
func (e *Emitter) EmitToolStarted(ctx context.Context, toolName, toolCallID string, args json.RawMessage) {
	e.emitBestEffort(ctx, e.typeFor("tool_started"), map[string]any{
		"tool_name":    toolName,
		"tool_call_id": toolCallID,
		"args_preview": argsPreview(args),
		"args":         rawJSON(args),
	})
}

// EmitToolCompleted records a finished tool invocation with timing and a
// capped result preview alongside the full result.
func (e *Emitter) EmitToolCompleted(ctx context.Context, toolName, toolCallID string, duration time.Duration, result string) {
	e.emitBestEffort(ctx, e.typeFor("tool_completed"), map[string]any{
		"tool_name":      toolName,
		"tool_call_id":   toolCallID,
		"duration_ms":    duration.Milliseconds(),
		"result_preview": Preview(result),
		"result":         result,
	})
}

// EmitToolFailed records a failed tool invocation.
func (e *Emitter) EmitToolFailed(ctx context.Context, toolName, toolCallID string, duration time.Duration, toolErr error) {
	msg := ""
	if toolErr != nil {
		msg = toolErr.Error()
	}
	e.emitBestEffort(ctx, e.typeFor("tool_failed"), map[string]any{
		"tool_name":    toolName,
		"tool_call_id": toolCallID,
		"duration_ms":  duration.Milliseconds(),
		"error":        Preview(msg),
	})
}

// EmitHeartbeat records liveness while a long LLM call is in flight.
func (e *Emitter) EmitHeartbeat(ctx context.Context, elapsed time.Duration) {
	e.emitBestEffort(ctx, e.typeFor("heartbeat"), map[string]any{
		"elapsed_seconds": int64(elapsed.Seconds()),
	})
}

// EmitError records a non-fatal error observed during a run.
func (e *Emitter) EmitError(ctx context.Context, msg string) {
	e.emitBestEffort(ctx, TypeError, map[string]any{
		"error": Preview(msg),
	})
}

// emitBestEffort logs and swallows append failures. Losing an auxiliary
// event must never fail the run that produced it.
func (e *Emitter) emitBestEffort(ctx context.Context, eventType string, payload map[string]any) {
	if err := e.Emit(ctx, eventType, payload); err != nil {
		e.log().Warn("hivepg: failed to emit event",
			"event_type", eventType,
			"run_id", e.runID,
			"error", err)
	}
}

// typeFor prefixes a tool/heartbeat event suffix with the emitter's tier,
// producing names like worker_tool_started and supervisor_heartbeat.
func (e *Emitter) typeFor(suffix string) string {
	return string(e.kind) + "_" + suffix
}

func (e *Emitter) basePayload() map[string]any {
	p := map[string]any{
		"kind":     string(e.kind),
		"owner_id": e.ownerID,
	}
	if e.jobID != nil {
		p["job_id"] = *e.jobID
	}
	if e.workerID != "" {
		p["worker_id"] = e.workerID
	}
	if e.traceID != "" {
		p["trace_id"] = e.traceID
	}
	e.mu.Lock()
	if e.messageID != nil {
		p["message_id"] = *e.messageID
	}
	e.mu.Unlock()
	return p
}

func (e *Emitter) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	return slog.Default()
}

// Preview caps a string at PreviewMaxChars runes, appending an ellipsis when
// the input was truncated.
func Preview(s string) string {
	return previewN(s, PreviewMaxChars)
}

func previewN(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

// Redact returns a copy of args with values under sensitive keys replaced.
// Nested maps are scrubbed recursively; the input is never mutated.
func Redact(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if sensitiveKey(k) {
			out[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = Redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range redactedKeys {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// argsPreview renders a redacted, capped preview of raw tool arguments.
// Arguments that fail to parse as an object are previewed verbatim; there is
// nothing keyed to redact in them.
func argsPreview(args json.RawMessage) string {
	var parsed map[string]any
	if err := json.Unmarshal(args, &parsed); err != nil {
		return Preview(string(args))
	}
	b, err := json.Marshal(Redact(parsed))
	if err != nil {
		return Preview(string(args))
	}
	return Preview(string(b))
}

// rawJSON converts raw arguments into a payload value that serializes as
// JSON rather than base64.
func rawJSON(args json.RawMessage) any {
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return string(args)
	}
	return v
}
