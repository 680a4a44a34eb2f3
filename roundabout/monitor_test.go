package roundabout

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/youssefsiam38/hivepg/event"
	"github.com/youssefsiam38/hivepg/runstate"
	"github.com/youssefsiam38/hivepg/storage"
)

// fakeJobStore serves one mutable job row.
type fakeJobStore struct {
	mu  sync.Mutex
	job storage.WorkerJob
}

func (s *fakeJobStore) GetWorkerJob(ctx context.Context, jobID int64) (*storage.WorkerJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.job
	return &job, nil
}

func (s *fakeJobStore) setStatus(status runstate.JobState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job.Status = status
}

func strptr(s string) *string { return &s }

func TestWatchReturnsImmediatelyForTerminalJob(t *testing.T) {
	runID := int64(7)
	store := &fakeJobStore{job: storage.WorkerJob{
		ID:              42,
		OwnerID:         1,
		SupervisorRunID: &runID,
		Status:          runstate.JobStateSuccess,
		WorkerID:        strptr("worker-abc"),
		Result:          strptr("all done"),
	}}

	m, err := NewMonitor(MonitorParams{Store: store})
	if err != nil {
		t.Fatalf("NewMonitor failed: %v", err)
	}
	res, err := m.Watch(context.Background(), 42)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if res.Status != "success" {
		t.Errorf("expected success, got %s", res.Status)
	}
	if res.WorkerStillRunning {
		t.Error("terminal job is not still running")
	}
	if res.Result != "all done" {
		t.Errorf("unexpected result %q", res.Result)
	}
	if res.Evidence == "" || !strings.Contains(res.Evidence, "job_id=42") {
		t.Errorf("successful watch must carry the evidence marker, got %q", res.Evidence)
	}
}

func TestWatchObservesCompletion(t *testing.T) {
	runID := int64(7)
	store := &fakeJobStore{job: storage.WorkerJob{
		ID:              42,
		OwnerID:         1,
		SupervisorRunID: &runID,
		Status:          runstate.JobStateRunning,
	}}

	m, err := NewMonitor(MonitorParams{
		Store:  store,
		Config: Config{PollInterval: 5 * time.Millisecond, HardTimeout: time.Second},
	})
	if err != nil {
		t.Fatalf("NewMonitor failed: %v", err)
	}

	go func() {
		time.Sleep(25 * time.Millisecond)
		store.setStatus(runstate.JobStateFailed)
	}()

	res, err := m.Watch(context.Background(), 42)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if res.Status != "failed" {
		t.Errorf("expected failed, got %s", res.Status)
	}
	if res.Evidence != "" {
		t.Error("failed jobs carry no evidence marker")
	}
}

func TestWatchHardTimeoutLeavesWorkerRunning(t *testing.T) {
	runID := int64(7)
	store := &fakeJobStore{job: storage.WorkerJob{
		ID:              42,
		OwnerID:         1,
		SupervisorRunID: &runID,
		Status:          runstate.JobStateRunning,
	}}

	m, err := NewMonitor(MonitorParams{
		Store:  store,
		Config: Config{PollInterval: 5 * time.Millisecond, HardTimeout: 30 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewMonitor failed: %v", err)
	}

	res, err := m.Watch(context.Background(), 42)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if res.Status != StatusMonitorTimeout {
		t.Errorf("expected monitor_timeout, got %s", res.Status)
	}
	if !res.WorkerStillRunning {
		t.Error("monitor timeout must report the worker still running")
	}
}

func TestWatchExitsEarlyOnFinalAnswer(t *testing.T) {
	runID := int64(7)
	store := &fakeJobStore{job: storage.WorkerJob{
		ID:              42,
		OwnerID:         1,
		SupervisorRunID: &runID,
		Status:          runstate.JobStateRunning,
	}}
	bus := event.NewBus()

	m, err := NewMonitor(MonitorParams{
		Store:  store,
		Bus:    bus,
		Config: Config{PollInterval: 5 * time.Millisecond, HardTimeout: time.Second},
	})
	if err != nil {
		t.Fatalf("NewMonitor failed: %v", err)
	}

	go func() {
		time.Sleep(15 * time.Millisecond)
		bus.Publish(&storage.Event{
			RunID:     runID,
			EventType: "worker_tool_completed",
			Payload: map[string]any{
				"job_id":         float64(42),
				"tool_name":      "shell_exec",
				"result_preview": "Result: computation finished",
			},
		})
	}()

	res, err := m.Watch(context.Background(), 42)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if res.Status != StatusEarlyExit {
		t.Errorf("expected early_exit, got %s", res.Status)
	}
	if !res.WorkerStillRunning {
		t.Error("early exit leaves the worker running")
	}
	if res.Decision != DecisionExit {
		t.Errorf("expected recorded exit decision, got %s", res.Decision)
	}
}

func TestFormatResult(t *testing.T) {
	exit := 0
	res := &Result{
		Status:   "success",
		JobID:    42,
		WorkerID: "worker-abc",
		Duration: 12 * time.Second,
		Summary:  "Did the thing.",
		Evidence: "[EVIDENCE:run_id=7,job_id=42,worker_id=worker-abc]",
		ToolIndex: []ToolIndexEntry{
			{Seq: 1, Tool: "shell_exec", ExitCode: &exit, DurationMS: 234, Bytes: 1847},
			{Seq: 2, Tool: "web_fetch", Bytes: 512},
		},
	}

	text := FormatResult(res)
	for _, want := range []string{
		"Worker job 42 completed successfully.",
		"Duration: 12s | Worker: worker-abc",
		"1. shell_exec [exit=0, 234ms, 1847B]",
		"2. web_fetch [512B]",
		"Summary: Did the thing.",
		"[EVIDENCE:run_id=7,job_id=42,worker_id=worker-abc]",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("FormatResult missing %q in:\n%s", want, text)
		}
	}
}

func TestFormatResultCapsSummary(t *testing.T) {
	res := &Result{
		Status:  "success",
		JobID:   1,
		Summary: strings.Repeat("x", 900),
	}
	text := FormatResult(res)
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "Summary: ") && len(line) > len("Summary: ")+summaryRenderCap {
			t.Errorf("summary line exceeds cap: %d chars", len(line))
		}
	}
	if !strings.Contains(text, "...") {
		t.Error("capped summary should be marked truncated")
	}
}
