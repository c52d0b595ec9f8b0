package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/haasonsaas/forge/internal/agent"
	"github.com/haasonsaas/forge/internal/tools/schema"
)

type writeParams struct {
	Path    string `json:"path" jsonschema:"description=Path to the file to write"`
	Content string `json:"content" jsonschema:"description=Content to write to the file"`
}

var writeSchema = schema.MustFor("write_file", &writeParams{})

// WriteFileTool creates or overwrites a file, creating missing parents.
type WriteFileTool struct {
	pathTool
}

func NewWriteFileTool(cfg Config) *WriteFileTool {
	return &WriteFileTool{pathTool{resolver: cfg.resolver(), params: writeSchema}}
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write content to a file (creates file if it doesn't exist)"
}
func (t *WriteFileTool) Schema() json.RawMessage { return writeSchema.Raw() }

func (t *WriteFileTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input writeParams
	path, res := t.decode(params, &input, &input.Path)
	if res != nil {
		return res, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return toolError(fmt.Sprintf("Error creating parent directory: %v", err)), nil
	}
	if err := os.WriteFile(path, []byte(input.Content), 0o644); err != nil {
		return toolError(fmt.Sprintf("Error writing to file '%s': %v", path, err)), nil
	}
	return ok("Successfully wrote to file: " + path), nil
}

type deleteParams struct {
	Path string `json:"path" jsonschema:"description=Path to the file or directory to delete"`
}

var deleteSchema = schema.MustFor("delete_file", &deleteParams{})

// DeleteFileTool removes a file, or a directory with everything in it.
type DeleteFileTool struct {
	pathTool
}

func NewDeleteFileTool(cfg Config) *DeleteFileTool {
	return &DeleteFileTool{pathTool{resolver: cfg.resolver(), params: deleteSchema}}
}

func (t *DeleteFileTool) Name() string            { return "delete_file" }
func (t *DeleteFileTool) Description() string     { return "Delete a file or directory" }
func (t *DeleteFileTool) Schema() json.RawMessage { return deleteSchema.Raw() }

func (t *DeleteFileTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input deleteParams
	path, res := t.decode(params, &input, &input.Path)
	if res != nil {
		return res, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return toolError(fmt.Sprintf("Error accessing path '%s': %v", path, err)), nil
	}
	if info.IsDir() {
		if err := os.RemoveAll(path); err != nil {
			return toolError(fmt.Sprintf("Error deleting directory '%s': %v", path, err)), nil
		}
		return ok("Successfully deleted directory: " + path), nil
	}
	if err := os.Remove(path); err != nil {
		return toolError(fmt.Sprintf("Error deleting file '%s': %v", path, err)), nil
	}
	return ok("Successfully deleted file: " + path), nil
}

type mkdirParams struct {
	Path string `json:"path" jsonschema:"description=Path to the directory to create"`
}

var mkdirSchema = schema.MustFor("create_directory", &mkdirParams{})

// CreateDirectoryTool is mkdir -p.
type CreateDirectoryTool struct {
	pathTool
}

func NewCreateDirectoryTool(cfg Config) *CreateDirectoryTool {
	return &CreateDirectoryTool{pathTool{resolver: cfg.resolver(), params: mkdirSchema}}
}

func (t *CreateDirectoryTool) Name() string { return "create_directory" }
func (t *CreateDirectoryTool) Description() string {
	return "Create a directory (and parent directories if needed)"
}
func (t *CreateDirectoryTool) Schema() json.RawMessage { return mkdirSchema.Raw() }

func (t *CreateDirectoryTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input mkdirParams
	path, res := t.decode(params, &input, &input.Path)
	if res != nil {
		return res, nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return toolError(fmt.Sprintf("Error creating directory '%s': %v", path, err)), nil
	}
	return ok("Successfully created directory: " + path), nil
}
