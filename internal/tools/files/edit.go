package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/forge/internal/agent"
	"github.com/haasonsaas/forge/internal/tools/schema"
)

type editParams struct {
	Path    string `json:"path" jsonschema:"description=Path to the file to edit"`
	OldText string `json:"old_text" jsonschema:"description=Text to replace"`
	NewText string `json:"new_text" jsonschema:"description=New text to replace with"`
}

var editSchema = schema.MustFor("edit_file", &editParams{})

// EditFileTool replaces every occurrence of old_text in a file.
type EditFileTool struct {
	pathTool
}

func NewEditFileTool(cfg Config) *EditFileTool {
	return &EditFileTool{pathTool{resolver: cfg.resolver(), params: editSchema}}
}

func (t *EditFileTool) Name() string            { return "edit_file" }
func (t *EditFileTool) Description() string     { return "Replace specific text in a file with new text" }
func (t *EditFileTool) Schema() json.RawMessage { return editSchema.Raw() }

// Execute matches using the file's own line endings, so LF text from the
// model edits CRLF files too.
func (t *EditFileTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input editParams
	path, res := t.decode(params, &input, &input.Path)
	if res != nil {
		return res, nil
	}
	if input.OldText == "" {
		return toolError("old_text must not be empty"), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return toolError(fmt.Sprintf("Error reading file '%s': %v", path, err)), nil
	}
	content := string(data)
	eol := lineEnding(content)
	oldText := normalizeLineEndings(input.OldText, eol)
	if !strings.Contains(content, oldText) {
		return toolError(fmt.Sprintf("Text not found in file '%s': %s", path, oldText)), nil
	}
	content = strings.ReplaceAll(content, oldText, normalizeLineEndings(input.NewText, eol))

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return toolError(fmt.Sprintf("Error writing to file '%s': %v", path, err)), nil
	}
	return ok("Successfully edited file: " + path), nil
}

func lineEnding(content string) string {
	if strings.Contains(content, "\r\n") {
		return "\r\n"
	}
	return "\n"
}

func normalizeLineEndings(text, eol string) string {
	return strings.ReplaceAll(strings.ReplaceAll(text, "\r\n", "\n"), "\n", eol)
}
