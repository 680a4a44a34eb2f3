package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
)

// defaultMaxTokens is used when a request does not set MaxTokens.
const defaultMaxTokens = 8192

// AnthropicAdapter implements Adapter over the Anthropic Messages API.
type AnthropicAdapter struct {
	client *anthropic.Client
}

// NewAnthropicAdapter creates an adapter over an existing API client.
func NewAnthropicAdapter(client *anthropic.Client) *AnthropicAdapter {
	return &AnthropicAdapter{client: client}
}

// Invoke sends one chat-completion request. When req.OnToken is set the call
// uses the streaming API and forwards text deltas as they arrive; otherwise
// it uses the blocking API.
func (a *AnthropicAdapter) Invoke(ctx context.Context, req *Request) (*Response, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	if req.OnToken != nil {
		return a.invokeStreaming(ctx, params, req.OnToken)
	}

	msg, err := a.client.Messages.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("anthropic message call failed: %w", err)
	}
	return responseFromMessage(msg), nil
}

func (a *AnthropicAdapter) invokeStreaming(ctx context.Context, params *anthropic.MessageNewParams, onToken func(string)) (*Response, error) {
	stream := a.client.Messages.NewStreaming(ctx, *params)

	acc := anthropic.Message{}
	for stream.Next() {
		ev := stream.Current()
		if err := acc.Accumulate(ev); err != nil {
			return nil, fmt.Errorf("failed to accumulate stream event: %w", err)
		}
		if delta, ok := ev.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
				onToken(text.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream failed: %w", err)
	}
	return responseFromMessage(&acc), nil
}

func (a *AnthropicAdapter) buildParams(req *Request) (*anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  convertMessages(req.Messages),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Type: "text", Text: req.System},
		}
	}

	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	if req.ToolChoice == ToolChoiceRequired {
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfAny: &anthropic.ToolChoiceAnyParam{},
		}
	}

	return params, nil
}

// convertMessages maps provider-neutral messages onto Anthropic params.
// System messages inside the conversation become user turns tagged as system
// notes (the API only accepts a top-level system prompt); tool replies become
// user turns carrying a tool_result block.
func convertMessages(messages []Message) []anthropic.MessageParam {
	params := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input any
				if len(tc.Arguments) > 0 {
					_ = json.Unmarshal(tc.Arguments, &input)
				}
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(""))
			}
			params = append(params, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})

		case RoleTool:
			params = append(params, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
				},
			})

		case RoleSystem:
			params = append(params, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock("<system-note>\n" + msg.Content + "\n</system-note>"),
				},
			})

		default:
			params = append(params, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				},
			})
		}
	}

	return params
}

func convertTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	unions := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, def := range tools {
		schema := def.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		properties, _ := schema["properties"]

		param := anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: properties,
			},
		}
		if required, ok := schema["required"].([]string); ok {
			param.InputSchema.Required = required
		} else if rawRequired, ok := schema["required"].([]any); ok {
			names := make([]string, 0, len(rawRequired))
			for _, r := range rawRequired {
				s, ok := r.(string)
				if !ok {
					return nil, fmt.Errorf("tool %s: required entries must be strings", def.Name)
				}
				names = append(names, s)
			}
			param.InputSchema.Required = names
		}
		unions = append(unions, anthropic.ToolUnionParam{OfTool: &param})
	}
	return unions, nil
}

func responseFromMessage(msg *anthropic.Message) *Response {
	resp := &Response{
		MessageID:  msg.ID,
		StopReason: string(msg.StopReason),
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}

	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content += b.Text
		case anthropic.ToolUseBlock:
			args := json.RawMessage(b.Input)
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: args,
			})
		}
	}

	return resp
}
