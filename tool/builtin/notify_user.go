package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/youssefsiam38/hivepg/event"
	"github.com/youssefsiam38/hivepg/tool"
)

// NewNotifyUser returns a tool that surfaces a progress message to whoever
// is watching the run. The message becomes a notification event; it does not
// alter the conversation.
func NewNotifyUser() tool.Tool {
	schema := tool.ToolSchema{
		Type: "object",
		Properties: map[string]tool.PropertyDef{
			"message": {
				Type:        "string",
				Description: "The message to surface to the user.",
			},
			"level": {
				Type:        "string",
				Description: "Severity of the notification.",
				Enum:        []string{"info", "warning", "error"},
			},
		},
		Required: []string{"message"},
	}
	return tool.NewFuncTool(
		"notify_user",
		"Send a progress notification to the user watching this run.",
		schema,
		func(ctx context.Context, input json.RawMessage) (string, error) {
			var params struct {
				Message string `json:"message"`
				Level   string `json:"level"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return "", fmt.Errorf("invalid input: %w", err)
			}
			if params.Message == "" {
				return tool.ErrorResult("message is required"), nil
			}
			emitter, ok := event.FromContext(ctx)
			if !ok {
				return tool.ErrorResult("notify_user requires an engine call context"), nil
			}
			level := params.Level
			if level == "" {
				level = "info"
			}
			if err := emitter.Emit(ctx, event.TypeNotification, map[string]any{
				"message": params.Message,
				"level":   level,
			}); err != nil {
				return tool.ErrorResult(fmt.Sprintf("failed to record notification: %v", err)), nil
			}
			return `{"ok":true}`, nil
		},
	)
}
