package artifact

import (
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s
}

func TestBundleLifecycle(t *testing.T) {
	s := newTestStore(t)
	workerID := NewWorkerID()

	b, err := s.CreateBundle(7, workerID)
	if err != nil {
		t.Fatalf("CreateBundle failed: %v", err)
	}

	st, err := b.ReadStatus()
	if err != nil {
		t.Fatalf("ReadStatus failed: %v", err)
	}
	if st.Status != StatusCreated || st.CreatedAt == nil {
		t.Errorf("Initial status = %+v, want created with timestamp", st)
	}

	if err := b.MarkRunning(); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	st, _ = b.ReadStatus()
	if st.Status != StatusRunning || st.StartedAt == nil {
		t.Errorf("Running status = %+v, want running with started_at", st)
	}

	// Tool outputs are numbered in call order; odd names are sanitized.
	for _, tc := range []struct{ tool, out string }{
		{"shell_exec", "first output"},
		{"web/fetch!", "second output"},
		{"db_query", "third output"},
	} {
		if _, err := b.WriteToolCall(tc.tool, tc.out); err != nil {
			t.Fatalf("WriteToolCall(%s) failed: %v", tc.tool, err)
		}
	}

	files, err := b.ListToolCalls()
	if err != nil {
		t.Fatalf("ListToolCalls failed: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("Expected 3 tool call files, got %d", len(files))
	}
	for i, f := range files {
		if f.Seq != i+1 {
			t.Errorf("files[%d].Seq = %d, want %d", i, f.Seq, i+1)
		}
	}
	if files[1].Tool != "web_fetch_" {
		t.Errorf("Sanitized tool name = %q, want web_fetch_", files[1].Tool)
	}

	out, err := b.ReadToolCall(2)
	if err != nil {
		t.Fatalf("ReadToolCall failed: %v", err)
	}
	if out != "second output" {
		t.Errorf("ReadToolCall(2) = %q, want second output", out)
	}
	if _, err := b.ReadToolCall(9); err == nil {
		t.Error("Expected unrecorded sequence to fail")
	}

	if err := b.WriteResult("all done"); err != nil {
		t.Fatalf("WriteResult failed: %v", err)
	}
	if err := b.MarkComplete(StatusSuccess, ""); err != nil {
		t.Fatalf("MarkComplete failed: %v", err)
	}

	// Reopening sees everything the runner wrote.
	reopened, err := s.OpenBundle(7, workerID)
	if err != nil {
		t.Fatalf("OpenBundle failed: %v", err)
	}
	result, err := reopened.ReadResult()
	if err != nil {
		t.Fatalf("ReadResult failed: %v", err)
	}
	if result != "all done" {
		t.Errorf("Result = %q, want all done", result)
	}
	st, _ = reopened.ReadStatus()
	if st.Status != StatusSuccess || st.FinishedAt == nil {
		t.Errorf("Final status = %+v, want success with finished_at", st)
	}
}

func TestBundleSummaryDefaults(t *testing.T) {
	s := newTestStore(t)
	b, err := s.CreateBundle(1, NewWorkerID())
	if err != nil {
		t.Fatalf("CreateBundle failed: %v", err)
	}

	if err := b.WriteSummary(Summary{Summary: "checked the deploy", Model: "claude-haiku-4-5"}); err != nil {
		t.Fatalf("WriteSummary failed: %v", err)
	}
	sum, err := b.ReadSummary()
	if err != nil {
		t.Fatalf("ReadSummary failed: %v", err)
	}
	if sum.Summary != "checked the deploy" {
		t.Errorf("Summary = %q", sum.Summary)
	}
	if sum.Version != SummaryVersion {
		t.Errorf("Version = %d, want %d", sum.Version, SummaryVersion)
	}
	if sum.GeneratedAt.IsZero() {
		t.Error("Expected generated_at to be defaulted")
	}
}

func TestCreateBundle_RejectsTraversal(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"", "../escape", `a\b`, "x/y", "worker-..-z"} {
		if _, err := s.CreateBundle(1, id); err == nil {
			t.Errorf("CreateBundle(%q) succeeded, want rejection", id)
		}
		if _, err := s.OpenBundle(1, id); err == nil {
			t.Errorf("OpenBundle(%q) succeeded, want rejection", id)
		}
	}
	if _, err := s.OpenBundle(1, "worker-unknown"); err == nil {
		t.Error("Expected OpenBundle of a missing bundle to fail")
	}
}

func TestToolOutputOwnerScoping(t *testing.T) {
	s := newTestStore(t)

	id, err := s.SaveToolOutput(5, "web_fetch", "big payload body")
	if err != nil {
		t.Fatalf("SaveToolOutput failed: %v", err)
	}

	got, err := s.GetToolOutput(5, id)
	if err != nil {
		t.Fatalf("GetToolOutput failed: %v", err)
	}
	if got != "big payload body" {
		t.Errorf("GetToolOutput = %q, want the stored body", got)
	}

	// Another owner cannot read it, and traversal ids are rejected outright.
	if _, err := s.GetToolOutput(6, id); err == nil {
		t.Error("Expected cross-owner read to fail")
	}
	if _, err := s.GetToolOutput(5, "../"+id); err == nil {
		t.Error("Expected traversal id to be rejected")
	}
}

func TestToolOutputMarkerRoundTrip(t *testing.T) {
	marker := ToolOutputMarker("art-123", "shell_exec", 4096)
	id, tool, bytes, ok := ParseToolOutputMarker("prefix " + marker + " suffix")
	if !ok {
		t.Fatal("Expected the marker to parse")
	}
	if id != "art-123" || tool != "shell_exec" || bytes != 4096 {
		t.Errorf("Parsed (%s, %s, %d), want (art-123, shell_exec, 4096)", id, tool, bytes)
	}

	for _, bad := range []string{
		"no marker here",
		"[TOOL_OUTPUT:unterminated",
		"[TOOL_OUTPUT:artifact_id=x,tool=y,bytes=NaN]",
		"[TOOL_OUTPUT:tool=y,bytes=1]",
	} {
		if _, _, _, ok := ParseToolOutputMarker(bad); ok {
			t.Errorf("ParseToolOutputMarker(%q) = true, want false", bad)
		}
	}
}

func TestMarkdownText(t *testing.T) {
	src := "# Deploy report\n\nAll *services* are healthy.\n\n```\nkubectl get pods\n```\n"
	got := MarkdownText(src)
	for _, want := range []string{"Deploy report", "All services are healthy.", "kubectl get pods"} {
		if !strings.Contains(got, want) {
			t.Errorf("MarkdownText output %q missing %q", got, want)
		}
	}
	if strings.Contains(got, "#") || strings.Contains(got, "*") || strings.Contains(got, "```") {
		t.Errorf("MarkdownText output %q still contains markdown syntax", got)
	}
}
