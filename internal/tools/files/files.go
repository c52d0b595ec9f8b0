// Package files implements the filesystem built-ins: list_directory,
// read_file, write_file, edit_file, delete_file and create_directory.
//
// Every tool reports failures as error results rather than Go errors. The
// mutating tools implement agent.SubjectResolver so the permission guard
// evaluates the resolved absolute path.
package files

import (
	"encoding/json"

	"github.com/haasonsaas/forge/internal/agent"
	"github.com/haasonsaas/forge/internal/tools/schema"
)

// DefaultMaxReadBytes caps read_file output.
const DefaultMaxReadBytes = 10 << 20

// Config controls filesystem tool defaults.
type Config struct {
	// Workspace resolves relative paths. Empty means the working directory.
	Workspace string
	HomeDir   string
	// RestrictToWorkspace rejects paths outside Workspace.
	RestrictToWorkspace bool
	MaxReadBytes        int64
}

func (c Config) resolver() Resolver {
	return Resolver{Root: c.Workspace, Home: c.HomeDir, Restrict: c.RestrictToWorkspace}
}

// ReadOnlyTools returns the tools that never need permission.
func ReadOnlyTools(cfg Config) []agent.Tool {
	return []agent.Tool{
		NewListDirectoryTool(cfg),
		NewReadFileTool(cfg),
	}
}

// MutatingTools returns the tools that must be registered behind the file
// permission guard.
func MutatingTools(cfg Config) []agent.Tool {
	return []agent.Tool{
		NewWriteFileTool(cfg),
		NewEditFileTool(cfg),
		NewDeleteFileTool(cfg),
		NewCreateDirectoryTool(cfg),
	}
}

type pathParams struct {
	Path string `json:"path" jsonschema:"description=Path to the file or directory"`
}

// pathTool is the shared half of every tool that acts on one path.
type pathTool struct {
	resolver Resolver
	params   *schema.Params
}

// PermissionSubject resolves the path the call would touch.
func (t pathTool) PermissionSubject(params json.RawMessage) (string, error) {
	var in pathParams
	if err := t.params.Decode(params, &in); err != nil {
		return "", err
	}
	return t.resolver.Resolve(in.Path)
}

// decode validates params into dst and resolves the path inside it.
func (t pathTool) decode(params json.RawMessage, dst any, path *string) (string, *agent.ToolResult) {
	if err := t.params.Decode(params, dst); err != nil {
		return "", toolError(err.Error())
	}
	resolved, err := t.resolver.Resolve(*path)
	if err != nil {
		return "", toolError(err.Error())
	}
	return resolved, nil
}

func toolError(message string) *agent.ToolResult {
	return &agent.ToolResult{Content: message, IsError: true}
}

func ok(message string) *agent.ToolResult {
	return &agent.ToolResult{Content: message}
}
