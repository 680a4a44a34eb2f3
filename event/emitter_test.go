package event

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/youssefsiam38/hivepg/storage"
)

// memStore is an in-memory Store for emitter tests.
type memStore struct {
	mu     sync.Mutex
	events []*storage.Event
	err    error
}

func (m *memStore) AppendRunEvent(ctx context.Context, runID int64, eventType string, payload map[string]any) (*storage.Event, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	seq := 0
	for _, ev := range m.events {
		if ev.RunID == runID && ev.Seq > seq {
			seq = ev.Seq
		}
	}
	ev := &storage.Event{
		ID:        int64(len(m.events) + 1),
		RunID:     runID,
		Seq:       seq + 1,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *memStore) all() []*storage.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*storage.Event, len(m.events))
	copy(out, m.events)
	return out
}

func jobIDPtr(v int64) *int64 { return &v }

func TestEmitter_ToolStarted(t *testing.T) {
	store := &memStore{}
	bus := NewBus()
	ch, unsub := bus.SubscribeRun(7)
	defer unsub()

	e := NewEmitter(store, bus, EmitterParams{
		Kind:     KindWorker,
		RunID:    7,
		OwnerID:  42,
		JobID:    jobIDPtr(99),
		WorkerID: "worker-abc",
		TraceID:  "trace-1",
	})

	args := json.RawMessage(`{"query":"weather","api_key":"sk-supersecret"}`)
	e.EmitToolStarted(context.Background(), "web_fetch", "call_1", args)

	events := store.all()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.EventType != "worker_tool_started" {
		t.Errorf("EventType = %q, want worker_tool_started", ev.EventType)
	}
	if ev.Seq != 1 {
		t.Errorf("Seq = %d, want 1", ev.Seq)
	}

	p := ev.Payload
	if p["kind"] != string(KindWorker) {
		t.Errorf("kind = %v, want worker", p["kind"])
	}
	if p["owner_id"] != int64(42) {
		t.Errorf("owner_id = %v, want 42", p["owner_id"])
	}
	if p["job_id"] != int64(99) {
		t.Errorf("job_id = %v, want 99", p["job_id"])
	}
	if p["worker_id"] != "worker-abc" {
		t.Errorf("worker_id = %v, want worker-abc", p["worker_id"])
	}
	if p["tool_name"] != "web_fetch" {
		t.Errorf("tool_name = %v, want web_fetch", p["tool_name"])
	}

	preview, _ := p["args_preview"].(string)
	if !strings.Contains(preview, "[REDACTED]") {
		t.Errorf("args_preview %q should redact api_key", preview)
	}
	if strings.Contains(preview, "sk-supersecret") {
		t.Errorf("args_preview %q leaked the secret", preview)
	}

	// Full args stay untouched.
	full, ok := p["args"].(map[string]any)
	if !ok {
		t.Fatalf("args = %T, want map", p["args"])
	}
	if full["api_key"] != "sk-supersecret" {
		t.Errorf("full args api_key = %v, want the raw value", full["api_key"])
	}

	select {
	case got := <-ch:
		if got.ID != ev.ID {
			t.Errorf("Bus delivered event %d, want %d", got.ID, ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected event on bus")
	}
}

func TestEmitter_ToolCompletedPreviewCapped(t *testing.T) {
	store := &memStore{}
	e := NewEmitter(store, nil, EmitterParams{Kind: KindSupervisor, RunID: 1, OwnerID: 1})

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	e.EmitToolCompleted(context.Background(), "shell_exec", "call_2", 1500*time.Millisecond, string(long))

	events := store.all()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].EventType != "supervisor_tool_completed" {
		t.Errorf("EventType = %q, want supervisor_tool_completed", events[0].EventType)
	}
	preview, _ := events[0].Payload["result_preview"].(string)
	if len([]rune(preview)) != PreviewMaxChars {
		t.Errorf("Preview length = %d, want %d", len([]rune(preview)), PreviewMaxChars)
	}
	if events[0].Payload["duration_ms"] != int64(1500) {
		t.Errorf("duration_ms = %v, want 1500", events[0].Payload["duration_ms"])
	}
	full, _ := events[0].Payload["result"].(string)
	if len(full) != 1000 {
		t.Errorf("Full result length = %d, want 1000", len(full))
	}
}

func TestEmitter_CriticalErrorFirstWins(t *testing.T) {
	e := NewEmitter(&memStore{}, nil, EmitterParams{Kind: KindWorker, RunID: 1, OwnerID: 1})

	if _, ok := e.CriticalError(); ok {
		t.Fatal("Expected no critical error initially")
	}

	e.MarkCriticalError("auth expired")
	e.MarkCriticalError("later error")

	msg, ok := e.CriticalError()
	if !ok {
		t.Fatal("Expected critical error to be set")
	}
	if msg != "auth expired" {
		t.Errorf("Critical error = %q, want the first message", msg)
	}
}

func TestEmitter_EmitReturnsStoreError(t *testing.T) {
	wantErr := errors.New("db down")
	e := NewEmitter(&memStore{err: wantErr}, nil, EmitterParams{Kind: KindSupervisor, RunID: 1, OwnerID: 1})

	err := e.Emit(context.Background(), TypeSupervisorStarted, nil)
	if !errors.Is(err, wantErr) {
		t.Errorf("Emit() error = %v, want wrapped %v", err, wantErr)
	}

	// Best-effort helpers swallow the same failure.
	e.EmitHeartbeat(context.Background(), 10*time.Second)
}

func TestEmitter_MessageID(t *testing.T) {
	store := &memStore{}
	e := NewEmitter(store, nil, EmitterParams{Kind: KindSupervisor, RunID: 1, OwnerID: 1})

	if err := e.Emit(context.Background(), TypeSupervisorStarted, nil); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	e.SetMessageID("msg_01")
	if err := e.Emit(context.Background(), TypeSupervisorThinking, nil); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	events := store.all()
	if _, present := events[0].Payload["message_id"]; present {
		t.Error("First event should not carry message_id")
	}
	if events[1].Payload["message_id"] != "msg_01" {
		t.Errorf("message_id = %v, want msg_01", events[1].Payload["message_id"])
	}
}

func TestEmitter_AppendDefersPublish(t *testing.T) {
	store := &memStore{}
	bus := NewBus()
	ch, unsub := bus.SubscribeRun(3)
	defer unsub()

	e := NewEmitter(store, bus, EmitterParams{Kind: KindSupervisor, RunID: 3, OwnerID: 1})

	ev, err := e.Append(context.Background(), TypeSupervisorWaiting, map[string]any{"expected": 2})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if len(store.all()) != 1 {
		t.Fatalf("Expected 1 durable event, got %d", len(store.all()))
	}

	// The row is durable but subscribers have not seen it yet.
	select {
	case got := <-ch:
		t.Fatalf("Append published event %d before Publish", got.ID)
	default:
	}

	e.Publish(ev)
	select {
	case got := <-ch:
		if got.ID != ev.ID {
			t.Errorf("Bus delivered event %d, want %d", got.ID, ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected event on bus after Publish")
	}

	// A nil event is a no-op, the rollback path.
	e.Publish(nil)
	select {
	case got := <-ch:
		t.Fatalf("Publish(nil) delivered event %d", got.ID)
	default:
	}
}

func TestRedact(t *testing.T) {
	args := map[string]any{
		"query":        "hello",
		"GitHub_Token": "ghp_abc",
		"nested": map[string]any{
			"password": "hunter2",
			"host":     "db.example.com",
		},
	}

	out := Redact(args)

	if out["query"] != "hello" {
		t.Errorf("query = %v, want hello", out["query"])
	}
	if out["GitHub_Token"] != "[REDACTED]" {
		t.Errorf("GitHub_Token = %v, want [REDACTED]", out["GitHub_Token"])
	}
	nested := out["nested"].(map[string]any)
	if nested["password"] != "[REDACTED]" {
		t.Errorf("nested password = %v, want [REDACTED]", nested["password"])
	}
	if nested["host"] != "db.example.com" {
		t.Errorf("nested host = %v, want untouched", nested["host"])
	}

	// Input must not be mutated.
	if args["GitHub_Token"] != "ghp_abc" {
		t.Error("Redact mutated its input")
	}
	if args["nested"].(map[string]any)["password"] != "hunter2" {
		t.Error("Redact mutated a nested map")
	}
}

func TestPreview(t *testing.T) {
	if got := Preview("short"); got != "short" {
		t.Errorf("Preview(short) = %q", got)
	}

	long := make([]rune, PreviewMaxChars+50)
	for i := range long {
		long[i] = 'a'
	}
	got := Preview(string(long))
	if len([]rune(got)) != PreviewMaxChars {
		t.Errorf("Preview length = %d, want %d", len([]rune(got)), PreviewMaxChars)
	}
	if got[len(got)-3:] != "..." {
		t.Errorf("Preview should end with ellipsis, got %q", got[len(got)-10:])
	}
}
