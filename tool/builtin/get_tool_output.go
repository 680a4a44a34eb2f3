package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/youssefsiam38/hivepg/artifact"
	"github.com/youssefsiam38/hivepg/tool"
)

// GetToolOutputToolName is exempt from output externalization: its whole
// purpose is returning the full stored body.
const GetToolOutputToolName = "get_tool_output"

// NewGetToolOutput returns the tool that retrieves an externalized tool
// output by artifact id. The read is scoped to the calling run's owner.
func NewGetToolOutput(store *artifact.Store) tool.Tool {
	schema := tool.ToolSchema{
		Type: "object",
		Properties: map[string]tool.PropertyDef{
			"artifact_id": {
				Type:        "string",
				Description: "The artifact id from a [TOOL_OUTPUT:...] marker.",
			},
		},
		Required: []string{"artifact_id"},
	}
	return tool.NewFuncTool(
		GetToolOutputToolName,
		"Retrieve the full content of a tool output that was stored out of band.",
		schema,
		func(ctx context.Context, input json.RawMessage) (string, error) {
			var params struct {
				ArtifactID string `json:"artifact_id"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return "", fmt.Errorf("invalid input: %w", err)
			}
			cc, ok := tool.CallContextFrom(ctx)
			if !ok {
				return tool.ErrorResult("get_tool_output requires an engine call context"), nil
			}
			content, err := store.GetToolOutput(cc.OwnerID, params.ArtifactID)
			if err != nil {
				return tool.ErrorResult(err.Error()), nil
			}
			return content, nil
		},
	)
}
