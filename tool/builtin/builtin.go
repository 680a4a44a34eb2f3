// Package builtin provides the infrastructure tools shipped with hivepg:
// artifact retrieval, time, web fetch, shell execution, user notification,
// worker watching, and the spawn_worker declaration the engine intercepts.
package builtin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/youssefsiam38/hivepg/tool"
)

// SpawnWorkerToolName is the tool name the engine intercepts for two-phase
// worker spawning. The declaration below only contributes the schema; its
// body is never executed on the engine path.
const SpawnWorkerToolName = "spawn_worker"

// NewSpawnWorkerDecl returns the schema-only spawn_worker declaration.
// Executing it directly (outside the engine) returns the standard error
// envelope; the engine splits spawn calls off before plain dispatch.
func NewSpawnWorkerDecl() tool.Tool {
	schema := tool.ToolSchema{
		Type: "object",
		Properties: map[string]tool.PropertyDef{
			"task": {
				Type:        "string",
				Description: "The task to delegate to a disposable worker. Be specific and self-contained; the worker has no access to this conversation.",
			},
			"model": {
				Type:        "string",
				Description: "Optional model override for the worker.",
			},
			"git_repo": {
				Type:        "string",
				Description: "Optional repository to make available in the worker workspace.",
			},
			"resume_session_id": {
				Type:        "string",
				Description: "Optional prior worker session to resume from.",
			},
		},
		Required: []string{"task"},
	}
	return tool.NewFuncTool(
		SpawnWorkerToolName,
		"Delegate a task to a disposable background worker. Multiple calls in one turn run workers in parallel; results are returned when all workers finish.",
		schema,
		func(ctx context.Context, input json.RawMessage) (string, error) {
			return tool.ErrorResult("spawn_worker must be dispatched by the run engine"), nil
		},
	)
}

// NewCurrentTime returns a tool reporting the current time in UTC and the
// local zone.
func NewCurrentTime() tool.Tool {
	schema := tool.ToolSchema{
		Type:       "object",
		Properties: map[string]tool.PropertyDef{},
	}
	return tool.NewFuncTool(
		"current_time",
		"Get the current date and time.",
		schema,
		func(ctx context.Context, input json.RawMessage) (string, error) {
			now := time.Now()
			out := map[string]string{
				"utc":   now.UTC().Format(time.RFC3339),
				"local": now.Format(time.RFC3339),
			}
			data, err := json.Marshal(out)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	)
}
