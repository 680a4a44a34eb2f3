package hivepg

import (
	"fmt"
	"strings"
	"testing"

	"github.com/youssefsiam38/hivepg/llm"
	"github.com/youssefsiam38/hivepg/runstate"
	"github.com/youssefsiam38/hivepg/storage"
)

func TestRenderWorkerResult(t *testing.T) {
	tests := []struct {
		name string
		res  storage.BarrierJobResult
		want string
	}{
		{
			name: "completed",
			res:  storage.BarrierJobResult{Status: runstate.BarrierJobStateCompleted, Result: "all good"},
			want: WorkerCompletedPrefix + "all good",
		},
		{
			name: "failed with error and partial",
			res:  storage.BarrierJobResult{Status: runstate.BarrierJobStateFailed, Error: "disk full", Result: "half done"},
			want: fmt.Sprintf(WorkerFailedFormat, "disk full", "half done"),
		},
		{
			name: "timeout without error text",
			res:  storage.BarrierJobResult{Status: runstate.BarrierJobStateTimeout, Result: "partial"},
			want: fmt.Sprintf(WorkerFailedFormat, "worker timed out before completing", "partial"),
		},
		{
			name: "failed without error text",
			res:  storage.BarrierJobResult{Status: runstate.BarrierJobStateFailed},
			want: fmt.Sprintf(WorkerFailedFormat, "unknown error", ""),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := renderWorkerResult(tt.res); got != tt.want {
				t.Errorf("renderWorkerResult() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJobIDsOf(t *testing.T) {
	results := []storage.BarrierJobResult{
		{JobID: 3}, {JobID: 1}, {JobID: 7},
	}
	ids := jobIDsOf(results)
	if len(ids) != 3 || ids[0] != 3 || ids[1] != 1 || ids[2] != 7 {
		t.Errorf("jobIDsOf() = %v, want [3 1 7]", ids)
	}
}

func TestTruncateSummary(t *testing.T) {
	tests := []struct {
		name  string
		input string
		max   int
		want  string
	}{
		{"short stays", "brief", 150, "brief"},
		{"first line only", "line one\nline two", 150, "line one"},
		{"over limit gets ellipsis", strings.Repeat("a", 20), 10, strings.Repeat("a", 7) + "..."},
		{"exactly at limit", strings.Repeat("b", 10), 10, strings.Repeat("b", 10)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncateSummary(tt.input, tt.max); got != tt.want {
				t.Errorf("truncateSummary(%q, %d) = %q, want %q", tt.input, tt.max, got, tt.want)
			}
		})
	}
}

func TestLastAssistantText(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "task"},
		{Role: llm.RoleAssistant, Content: "thinking out loud"},
		{Role: llm.RoleAssistant, Content: "   "},
		{Role: llm.RoleTool, Content: "tool output"},
	}
	if got := lastAssistantText(msgs); got != "thinking out loud" {
		t.Errorf("lastAssistantText() = %q, want the last non-blank assistant text", got)
	}
	if got := lastAssistantText(nil); got != "" {
		t.Errorf("lastAssistantText(nil) = %q, want empty", got)
	}
}
