package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/forge/pkg/models"
)

// LLMProvider is the model collaborator the orchestrator drives.
//
// Complete returns a channel of chunks that the provider closes when the
// reply is finished. Text arrives incrementally; tool calls arrive whole.
// Token usage is reported on any chunk, typically the last one. A provider
// that fails after the channel is returned sends a chunk with Error set and
// then closes the channel.
type LLMProvider interface {
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name identifies the provider in logs and metrics.
	Name() string
}

// CompletionRequest is one model call.
type CompletionRequest struct {
	Model string `json:"model"`

	// System is the system prompt. Empty means none.
	System string `json:"system,omitempty"`

	// Messages is the full transcript, oldest first.
	Messages []models.Message `json:"messages"`

	// Tools is the capability catalog offered to the model.
	Tools []Tool `json:"-"`

	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature is omitted from the request when nil.
	Temperature *float64 `json:"temperature,omitempty"`
}

// CompletionChunk is one piece of a streamed reply.
type CompletionChunk struct {
	Text string `json:"text,omitempty"`

	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	Done bool `json:"done,omitempty"`

	Error error `json:"-"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Tool is an executable capability.
type Tool interface {
	// Name is the unique function name the model uses to request the tool.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema is the JSON Schema of the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool. Expected failures such as a missing file or a
	// denied permission are reported as a result with IsError set, not as an
	// error.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is the output of one tool execution.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ExternalCatalog is the set of tools hosted by external servers.
type ExternalCatalog interface {
	// Version changes whenever the catalog may have changed.
	Version() uint64

	// Tools returns every external tool under its namespaced name.
	Tools() []Tool

	// Invoke calls tool on server. Failures come back as error results.
	Invoke(ctx context.Context, server, tool string, input json.RawMessage) (*ToolResult, error)
}

// ExternalToolPrefix marks tools routed to an ExternalCatalog.
const ExternalToolPrefix = "mcp_"

// ExternalToolName builds the namespaced name of an external tool.
func ExternalToolName(server, tool string) string {
	return ExternalToolPrefix + server + "_" + tool
}

// SplitExternalName reverses ExternalToolName. Server names never contain
// an underscore, so everything after the second separator belongs to the
// tool name.
func SplitExternalName(name string) (server, tool string, ok bool) {
	if !strings.HasPrefix(name, ExternalToolPrefix) {
		return "", "", false
	}
	parts := strings.Split(name, "_")
	if len(parts) < 3 || parts[1] == "" {
		return "", "", false
	}
	tool = strings.Join(parts[2:], "_")
	if tool == "" {
		return "", "", false
	}
	return parts[1], tool, true
}

func errorResult(content string) *ToolResult {
	return &ToolResult{Content: content, IsError: true}
}
