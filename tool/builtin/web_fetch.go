package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/youssefsiam38/hivepg/artifact"
	"github.com/youssefsiam38/hivepg/tool"
)

// webFetchMaxBytes caps how much of a response body is read.
const webFetchMaxBytes = 2 << 20

var collapseWhitespace = regexp.MustCompile(`[ \t]+`)
var collapseBlankLines = regexp.MustCompile(`\n{3,}`)

// NewWebFetch returns a tool that fetches a URL and reduces the body to
// readable text: HTML is stripped through a strict sanitization policy,
// markdown is flattened via the AST walker, anything else passes through.
func NewWebFetch(client *http.Client) tool.Tool {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	policy := bluemonday.StrictPolicy()

	schema := tool.ToolSchema{
		Type: "object",
		Properties: map[string]tool.PropertyDef{
			"url": {
				Type:        "string",
				Description: "The http(s) URL to fetch.",
			},
		},
		Required: []string{"url"},
	}
	return tool.NewFuncTool(
		"web_fetch",
		"Fetch a web page and return its readable text content.",
		schema,
		func(ctx context.Context, input json.RawMessage) (string, error) {
			var params struct {
				URL string `json:"url"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return "", fmt.Errorf("invalid input: %w", err)
			}
			if !strings.HasPrefix(params.URL, "http://") && !strings.HasPrefix(params.URL, "https://") {
				return tool.ErrorResult("only http and https URLs are supported"), nil
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
			if err != nil {
				return tool.ErrorResult(fmt.Sprintf("invalid URL: %v", err)), nil
			}
			resp, err := client.Do(req)
			if err != nil {
				return tool.ErrorResult(fmt.Sprintf("fetch failed: %v", err)), nil
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, webFetchMaxBytes))
			if err != nil {
				return tool.ErrorResult(fmt.Sprintf("failed to read response: %v", err)), nil
			}
			if resp.StatusCode >= 400 {
				return tool.ErrorResult(fmt.Sprintf("fetch returned HTTP %d", resp.StatusCode)), nil
			}

			contentType := resp.Header.Get("Content-Type")
			text := string(body)
			switch {
			case strings.Contains(contentType, "html"):
				text = policy.Sanitize(text)
				text = collapseWhitespace.ReplaceAllString(text, " ")
				text = collapseBlankLines.ReplaceAllString(text, "\n\n")
				text = strings.TrimSpace(text)
			case strings.Contains(contentType, "markdown"):
				text = artifact.MarkdownText(text)
			}
			return text, nil
		},
	)
}
