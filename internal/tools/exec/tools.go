// Package exec implements the bash built-in.
package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/forge/internal/agent"
	"github.com/haasonsaas/forge/internal/tools/schema"
)

type bashParams struct {
	Command string `json:"command" jsonschema:"description=Shell command to execute"`
}

var bashSchema = schema.MustFor("bash", &bashParams{})

// BashTool runs a shell command and reports its exit code and output.
type BashTool struct {
	runner *Runner
}

// NewBashTool creates the bash tool. Register it behind the shell
// permission guard.
func NewBashTool(runner *Runner) *BashTool {
	return &BashTool{runner: runner}
}

func (t *BashTool) Name() string            { return "bash" }
func (t *BashTool) Description() string     { return "Execute shell commands and return the output" }
func (t *BashTool) Schema() json.RawMessage { return bashSchema.Raw() }

// PermissionSubject is the command line exactly as the model sent it.
func (t *BashTool) PermissionSubject(params json.RawMessage) (string, error) {
	var input bashParams
	if err := bashSchema.Decode(params, &input); err != nil {
		return "", err
	}
	if strings.TrimSpace(input.Command) == "" {
		return "", fmt.Errorf("Missing required parameter: command")
	}
	return input.Command, nil
}

func (t *BashTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t.runner == nil {
		return toolError("shell runner unavailable"), nil
	}
	var input bashParams
	if err := bashSchema.Decode(params, &input); err != nil {
		return toolError(err.Error()), nil
	}
	if strings.TrimSpace(input.Command) == "" {
		return toolError("Missing required parameter: command"), nil
	}

	res, err := t.runner.Run(ctx, input.Command)
	if err != nil {
		return toolError(fmt.Sprintf("Error executing command '%s': %v", input.Command, err)), nil
	}
	return &agent.ToolResult{Content: Format(res), IsError: res.ExitCode != 0}, nil
}

// Format renders a result the way the model sees it.
func Format(res Result) string {
	var b strings.Builder
	if res.Stderr != "" {
		fmt.Fprintf(&b, "Exit code: %d\nStdout:\n%s\nStderr:\n%s", res.ExitCode, res.Stdout, res.Stderr)
	} else {
		fmt.Fprintf(&b, "Exit code: %d\nOutput:\n%s", res.ExitCode, res.Stdout)
	}
	if res.TimedOut {
		b.WriteString("\n(command timed out)")
	}
	return b.String()
}

func toolError(message string) *agent.ToolResult {
	return &agent.ToolResult{Content: message, IsError: true}
}
