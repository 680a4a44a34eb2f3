package roundabout

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/youssefsiam38/hivepg/artifact"
)

// Result statuses beyond the job's own terminal states.
const (
	// StatusMonitorTimeout means the monitor gave up; the worker may still
	// be running.
	StatusMonitorTimeout = "monitor_timeout"

	// StatusEarlyExit means the decider saw a final answer in the output
	// stream and stepped away before the job row turned terminal.
	StatusEarlyExit = "early_exit"
)

// summaryRenderCap bounds the summary section in the rendered result.
const summaryRenderCap = 500

// ToolIndexEntry is one line of the tool index built from the worker's
// recorded tool outputs.
type ToolIndexEntry struct {
	Seq        int
	Tool       string
	ExitCode   *int
	DurationMS int64
	Bytes      int64
	Failed     bool
}

// Result is everything one Watch observed about a worker job.
type Result struct {
	Status             string
	JobID              int64
	WorkerID           string
	Duration           time.Duration
	WorkerStillRunning bool
	Result             string
	Summary            string
	Error              string
	ActivitySummary    string
	Decision           Decision
	ToolIndex          []ToolIndexEntry
	Evidence           string
}

// buildToolIndex reads back the bundle's tool_calls directory and extracts
// what the JSON envelopes expose: exit codes and durations when present,
// byte sizes always.
func buildToolIndex(b *artifact.Bundle) []ToolIndexEntry {
	files, err := b.ListToolCalls()
	if err != nil || len(files) == 0 {
		return nil
	}
	index := make([]ToolIndexEntry, 0, len(files))
	for _, f := range files {
		entry := ToolIndexEntry{
			Seq:   f.Seq,
			Tool:  f.Tool,
			Bytes: f.Bytes,
		}
		if data, err := os.ReadFile(f.Path); err == nil {
			enrichFromEnvelope(&entry, data)
		}
		index = append(index, entry)
	}
	return index
}

// enrichFromEnvelope pulls exit_code, duration, and failure out of a stored
// tool output when it happens to be the standard JSON envelope. Plain text
// outputs contribute size only.
func enrichFromEnvelope(entry *ToolIndexEntry, data []byte) {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		return
	}
	var env struct {
		OK   *bool `json:"ok"`
		Data struct {
			ExitCode   *int  `json:"exit_code"`
			DurationMS int64 `json:"duration_ms"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return
	}
	if env.OK != nil && !*env.OK {
		entry.Failed = true
	}
	entry.ExitCode = env.Data.ExitCode
	entry.DurationMS = env.Data.DurationMS
}

// FormatResult renders the supervisor-facing text for a finished watch: a
// status line, the worker identity, a numbered tool index, the capped
// summary, and the evidence marker when the job succeeded.
func FormatResult(res *Result) string {
	var sb strings.Builder

	switch res.Status {
	case "success":
		fmt.Fprintf(&sb, "Worker job %d completed successfully.\n", res.JobID)
	case StatusMonitorTimeout:
		fmt.Fprintf(&sb, "Worker job %d is still running; monitoring stopped after %s.\n",
			res.JobID, res.Duration.Round(time.Second))
	case StatusEarlyExit:
		fmt.Fprintf(&sb, "Worker job %d appears finished; monitoring stopped early.\n", res.JobID)
	default:
		fmt.Fprintf(&sb, "Worker job %d finished with status %s.\n", res.JobID, res.Status)
	}

	fmt.Fprintf(&sb, "Duration: %s", res.Duration.Round(time.Second))
	if res.WorkerID != "" {
		fmt.Fprintf(&sb, " | Worker: %s", res.WorkerID)
	}
	sb.WriteString("\n")

	if len(res.ToolIndex) > 0 {
		sb.WriteString("Tool calls:\n")
		for i, e := range res.ToolIndex {
			fmt.Fprintf(&sb, "  %d. %s [", i+1, e.Tool)
			if e.ExitCode != nil {
				fmt.Fprintf(&sb, "exit=%d, ", *e.ExitCode)
			} else if e.Failed {
				sb.WriteString("failed, ")
			}
			if e.DurationMS > 0 {
				fmt.Fprintf(&sb, "%dms, ", e.DurationMS)
			}
			fmt.Fprintf(&sb, "%dB]\n", e.Bytes)
		}
	}

	if res.Error != "" {
		fmt.Fprintf(&sb, "Error: %s\n", res.Error)
	}
	if res.Summary != "" {
		summary := res.Summary
		if len([]rune(summary)) > summaryRenderCap {
			summary = string([]rune(summary)[:summaryRenderCap-3]) + "..."
		}
		fmt.Fprintf(&sb, "Summary: %s\n", summary)
	} else if res.Result != "" && res.Status != "success" {
		fmt.Fprintf(&sb, "Last output: %s\n", res.Result)
	}

	if res.Evidence != "" {
		sb.WriteString(res.Evidence)
		sb.WriteString("\n")
	}
	return sb.String()
}
