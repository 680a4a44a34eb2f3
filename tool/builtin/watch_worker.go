package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/youssefsiam38/hivepg/roundabout"
	"github.com/youssefsiam38/hivepg/tool"
)

// WatchWorkerToolName is referenced by the supervisor's injected context so
// the model knows how to attach to a still-running job.
const WatchWorkerToolName = "watch_worker"

// NewWatchWorker returns a tool that blocks on the roundabout monitor for a
// spawned worker job and renders what it observed. The monitor never mutates
// the worker; a monitor timeout leaves the job running.
func NewWatchWorker(monitor *roundabout.Monitor) tool.Tool {
	schema := tool.ToolSchema{
		Type: "object",
		Properties: map[string]tool.PropertyDef{
			"job_id": {
				Type:        "number",
				Description: "The worker job id to watch.",
			},
			"timeout_seconds": {
				Type:        "number",
				Description: "Optional cap on how long to watch before giving up.",
			},
		},
		Required: []string{"job_id"},
	}
	return tool.NewFuncTool(
		WatchWorkerToolName,
		"Watch a running worker job until it finishes or monitoring times out, and report its activity.",
		schema,
		func(ctx context.Context, input json.RawMessage) (string, error) {
			var params struct {
				JobID          int64   `json:"job_id"`
				TimeoutSeconds float64 `json:"timeout_seconds"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return "", fmt.Errorf("invalid input: %w", err)
			}
			if params.JobID <= 0 {
				return tool.ErrorResult("job_id is required"), nil
			}

			watchCtx := ctx
			if params.TimeoutSeconds > 0 {
				var cancel context.CancelFunc
				watchCtx, cancel = context.WithTimeout(ctx,
					time.Duration(params.TimeoutSeconds*float64(time.Second)))
				defer cancel()
			}

			res, err := monitor.Watch(watchCtx, params.JobID)
			if err != nil {
				return tool.ErrorResult(fmt.Sprintf("failed to watch worker job %d: %v", params.JobID, err)), nil
			}
			return roundabout.FormatResult(res), nil
		},
	)
}
