package mcp

import (
	"context"
	"fmt"
	"os"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/goleak"
)

const helperEnv = "FORGE_MCP_TEST_SERVER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		if err := server.ServeStdio(newTestMCPServer()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	goleak.VerifyTestMain(m)
}

// newTestMCPServer builds a real MCP server used by the stdio and websocket
// tests.
func newTestMCPServer() *server.MCPServer {
	s := server.NewMCPServer("forge-test", "1.0.0", server.WithToolCapabilities(true))

	s.AddTool(mcpgo.NewTool("echo",
		mcpgo.WithDescription("Echo the given text"),
		mcpgo.WithString("text", mcpgo.Required()),
	), func(_ context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		return mcpgo.NewToolResultText(req.GetString("text", "")), nil
	})

	s.AddTool(mcpgo.NewTool("read_file",
		mcpgo.WithDescription("Pretend to read a file"),
		mcpgo.WithString("path", mcpgo.Required()),
	), func(_ context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		return mcpgo.NewToolResultText("contents of " + req.GetString("path", "")), nil
	})

	s.AddTool(mcpgo.NewTool("fail",
		mcpgo.WithDescription("Always fails"),
	), func(context.Context, mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		return mcpgo.NewToolResultError("it broke"), nil
	})
	return s
}
