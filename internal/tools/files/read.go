package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haasonsaas/forge/internal/agent"
	"github.com/haasonsaas/forge/internal/tools/schema"
)

type listParams struct {
	Path string `json:"path,omitempty" jsonschema:"description=Path to the directory to list (default: current directory)"`
}

var listSchema = schema.MustFor("list_directory", &listParams{})

// ListDirectoryTool lists the entries of one directory.
type ListDirectoryTool struct {
	resolver Resolver
}

func NewListDirectoryTool(cfg Config) *ListDirectoryTool {
	return &ListDirectoryTool{resolver: cfg.resolver()}
}

func (t *ListDirectoryTool) Name() string            { return "list_directory" }
func (t *ListDirectoryTool) Description() string     { return "List contents of a directory" }
func (t *ListDirectoryTool) Schema() json.RawMessage { return listSchema.Raw() }

// Execute lists directories with a trailing slash and files with their
// size, sorted by name.
func (t *ListDirectoryTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input listParams
	if err := listSchema.Decode(params, &input); err != nil {
		return toolError(err.Error()), nil
	}
	if strings.TrimSpace(input.Path) == "" {
		input.Path = "."
	}
	dir, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return toolError(fmt.Sprintf("Error reading directory '%s': %v", dir, err)), nil
	}
	items := make([]string, 0, len(entries))
	for _, entry := range entries {
		info, err := os.Stat(filepath.Join(dir, entry.Name()))
		switch {
		case err == nil && info.IsDir():
			items = append(items, entry.Name()+"/")
		case err == nil:
			items = append(items, fmt.Sprintf("%s (%d bytes)", entry.Name(), info.Size()))
		default:
			items = append(items, fmt.Sprintf("%s (0 bytes)", entry.Name()))
		}
	}
	sort.Strings(items)

	var b strings.Builder
	fmt.Fprintf(&b, "Contents of '%s':\n", dir)
	b.WriteString(strings.Join(items, "\n"))
	return ok(b.String()), nil
}

type readParams struct {
	Path string `json:"path" jsonschema:"description=Path to the file to read"`
}

var readSchema = schema.MustFor("read_file", &readParams{})

// ReadFileTool returns a file's contents.
type ReadFileTool struct {
	pathTool
	maxReadLen int64
}

func NewReadFileTool(cfg Config) *ReadFileTool {
	limit := cfg.MaxReadBytes
	if limit <= 0 {
		limit = DefaultMaxReadBytes
	}
	return &ReadFileTool{
		pathTool:   pathTool{resolver: cfg.resolver(), params: readSchema},
		maxReadLen: limit,
	}
}

func (t *ReadFileTool) Name() string            { return "read_file" }
func (t *ReadFileTool) Description() string     { return "Read the contents of a file" }
func (t *ReadFileTool) Schema() json.RawMessage { return readSchema.Raw() }

func (t *ReadFileTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input readParams
	path, res := t.decode(params, &input, &input.Path)
	if res != nil {
		return res, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return toolError(fmt.Sprintf("Error opening file '%s': %v", path, err)), nil
	}
	defer file.Close()

	buf, err := io.ReadAll(io.LimitReader(file, t.maxReadLen+1))
	if err != nil {
		return toolError(fmt.Sprintf("Error reading file '%s': %v", path, err)), nil
	}
	content := string(buf)
	if int64(len(buf)) > t.maxReadLen {
		content = string(buf[:t.maxReadLen]) + fmt.Sprintf("\n\n(truncated at %d bytes)", t.maxReadLen)
	}
	return ok(fmt.Sprintf("File: %s\n\n%s", path, content)), nil
}
