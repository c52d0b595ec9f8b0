package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/forge/internal/agent"
)

// ToolPrefix marks externally hosted tools in the agent's tool table.
const ToolPrefix = agent.ExternalToolPrefix

// ToolCaller is the invocation contract the bridge needs from the manager.
type ToolCaller interface {
	CallTool(ctx context.Context, server, tool string, arguments json.RawMessage) (*CallToolResult, error)
}

// ToolName returns the agent-facing name of a server tool.
func ToolName(server, tool string) string {
	return agent.ExternalToolName(server, tool)
}

// SplitToolName reverses ToolName. The tool part may itself contain
// underscores.
func SplitToolName(name string) (server, tool string, ok bool) {
	return agent.SplitExternalName(name)
}

// ToolBridge exposes one server tool as an agent.Tool.
type ToolBridge struct {
	caller ToolCaller
	server string
	tool   *Tool
}

// NewToolBridge creates a bridge for tool hosted by server.
func NewToolBridge(caller ToolCaller, server string, tool *Tool) *ToolBridge {
	return &ToolBridge{caller: caller, server: server, tool: tool}
}

func (b *ToolBridge) Name() string { return ToolName(b.server, b.tool.Name) }

func (b *ToolBridge) Description() string {
	desc := strings.TrimSpace(b.tool.Description)
	if desc == "" {
		return fmt.Sprintf("MCP tool from server: %s", b.server)
	}
	return fmt.Sprintf("%s (MCP: %s)", desc, b.server)
}

func (b *ToolBridge) Schema() json.RawMessage {
	if len(b.tool.InputSchema) == 0 {
		return DefaultInputSchema
	}
	return b.tool.InputSchema
}

func (b *ToolBridge) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	return invoke(ctx, b.caller, b.server, b.tool.Name, params), nil
}

// Catalog adapts a Manager to agent.ExternalCatalog.
type Catalog struct {
	manager *Manager
}

// NewCatalog creates a catalog over m.
func NewCatalog(m *Manager) *Catalog {
	return &Catalog{manager: m}
}

// Version returns the manager's aggregate version.
func (c *Catalog) Version() uint64 { return c.manager.Version() }

// Tools returns a bridge for every tool of every live connection.
func (c *Catalog) Tools() []agent.Tool {
	all := c.manager.AllTools()
	tools := make([]agent.Tool, 0, len(all))
	for _, st := range all {
		tools = append(tools, NewToolBridge(c.manager, st.Server, st.Tool))
	}
	return tools
}

// Invoke calls tool on server. Failures come back as error results.
func (c *Catalog) Invoke(ctx context.Context, server, tool string, input json.RawMessage) (*agent.ToolResult, error) {
	return invoke(ctx, c.manager, server, tool, input), nil
}

func invoke(ctx context.Context, caller ToolCaller, server, tool string, input json.RawMessage) *agent.ToolResult {
	result, err := caller.CallTool(ctx, server, tool, input)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotConnected):
			return &agent.ToolResult{Content: fmt.Sprintf("MCP server '%s' is not connected", server), IsError: true}
		case errors.Is(err, ErrTimeout):
			return &agent.ToolResult{Content: fmt.Sprintf("MCP tool '%s' on server '%s' timed out", tool, server), IsError: true}
		default:
			return &agent.ToolResult{Content: fmt.Sprintf("MCP tool '%s' on server '%s' failed: %v", tool, server, err), IsError: true}
		}
	}
	content, isError := FormatResult(result)
	return &agent.ToolResult{Content: content, IsError: isError}
}

// FormatResult renders a tools/call result as text. Text items are joined
// with newlines and anything else is rendered as indented JSON.
func FormatResult(result *CallToolResult) (string, bool) {
	if result == nil {
		return "", false
	}
	if result.RPCError != nil {
		return fmt.Sprintf("MCP error %d: %s", result.RPCError.Code, result.RPCError.Message), true
	}

	parts := make([]string, 0, len(result.Content))
	for _, item := range result.Content {
		if item.Type == "text" {
			parts = append(parts, item.Text)
			continue
		}
		encoded, err := json.MarshalIndent(item, "", "  ")
		if err != nil {
			parts = append(parts, fmt.Sprintf("[%s content]", item.Type))
			continue
		}
		parts = append(parts, string(encoded))
	}
	return strings.Join(parts, "\n"), result.IsError
}
