package hooks

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/youssefsiam38/hivepg/runstate"
)

// RegisterLogging attaches structured-logging hooks for every lifecycle
// point to the registry. Run outcomes log at Info, tool failures at Warn.
func RegisterLogging(r *Registry, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	r.OnRunStarted(func(ctx context.Context, runID, ownerID int64, trigger string) {
		logger.Info("hivepg: run started",
			"run_id", runID,
			"owner_id", ownerID,
			"trigger", trigger)
	})

	r.OnRunFinished(func(ctx context.Context, runID int64, status runstate.RunState, runErr error) {
		if runErr != nil {
			logger.Info("hivepg: run finished",
				"run_id", runID,
				"status", status,
				"error", runErr)
			return
		}
		logger.Info("hivepg: run finished",
			"run_id", runID,
			"status", status)
	})

	r.OnToolCall(func(ctx context.Context, toolName string, input json.RawMessage, output string, toolErr error) {
		if toolErr != nil {
			logger.Warn("hivepg: tool call failed",
				"tool", toolName,
				"error", toolErr)
			return
		}
		logger.Debug("hivepg: tool call",
			"tool", toolName,
			"output_bytes", len(output))
	})

	r.OnWorkerComplete(func(ctx context.Context, jobID int64, status runstate.JobState, summary string) {
		logger.Info("hivepg: worker complete",
			"job_id", jobID,
			"status", status,
			"summary", summary)
	})
}
