package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/youssefsiam38/hivepg/tool"
)

const shellExecDefaultTimeout = 120 * time.Second

// NewShellExec returns a tool that runs a shell command in its own process
// group. The whole group is killed on cancel so orphaned children cannot
// outlive the run. Non-zero exits are reported in the envelope, not as Go
// errors; the model reads exit_code and stderr and decides what to do.
func NewShellExec(workdir string) tool.Tool {
	schema := tool.ToolSchema{
		Type: "object",
		Properties: map[string]tool.PropertyDef{
			"command": {
				Type:        "string",
				Description: "The shell command to run.",
			},
			"timeout_seconds": {
				Type:        "number",
				Description: "Optional timeout in seconds (default 120).",
			},
		},
		Required: []string{"command"},
	}
	return tool.NewFuncTool(
		"shell_exec",
		"Run a shell command and return its exit code, stdout, and stderr.",
		schema,
		func(ctx context.Context, input json.RawMessage) (string, error) {
			var params struct {
				Command        string  `json:"command"`
				TimeoutSeconds float64 `json:"timeout_seconds"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return "", fmt.Errorf("invalid input: %w", err)
			}
			if params.Command == "" {
				return tool.ErrorResult("command is required"), nil
			}

			timeout := shellExecDefaultTimeout
			if params.TimeoutSeconds > 0 {
				timeout = time.Duration(params.TimeoutSeconds * float64(time.Second))
			}
			cmdCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(cmdCtx, "sh", "-c", params.Command)
			if workdir != "" {
				cmd.Dir = workdir
			}
			cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
			cmd.Cancel = func() error {
				// Negative pid signals the process group.
				return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}

			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			runErr := cmd.Run()
			exitCode := 0
			if runErr != nil {
				if exitErr, ok := runErr.(*exec.ExitError); ok {
					exitCode = exitErr.ExitCode()
				} else if cmdCtx.Err() != nil {
					return tool.ErrorResult(fmt.Sprintf("command killed: %v", cmdCtx.Err())), nil
				} else {
					return tool.ErrorResult(fmt.Sprintf("command failed to start: %v", runErr)), nil
				}
			}

			out := map[string]any{
				"ok": exitCode == 0,
				"data": map[string]any{
					"exit_code": exitCode,
					"stdout":    stdout.String(),
					"stderr":    stderr.String(),
				},
			}
			if exitCode != 0 {
				out["user_message"] = fmt.Sprintf("command exited with code %d", exitCode)
			}
			data, err := json.Marshal(out)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	)
}
