// Package main provides the forge command line: an interactive coding
// assistant that lets Claude read and edit files, run shell commands and
// call tools hosted by MCP servers, each mutation gated by a permission
// policy.
//
// # Basic Usage
//
// Start an interactive session in the current directory:
//
//	forge
//
// Ask a single question and exit:
//
//	forge chat -m "summarize the README"
//
// Manage MCP servers and permission policies:
//
//	forge mcp add files -- npx -y @modelcontextprotocol/server-filesystem .
//	forge permissions allow shell "make *"
//
// # Environment Variables
//
//   - FORGE_CONFIG: Path to the configuration file (default: ~/.forge/config.yaml)
//   - FORGE_MODEL: Model override
//   - ANTHROPIC_API_KEY or ANTHROPIC_AUTH_TOKEN: API credentials
//   - ANTHROPIC_BASE_URL: API endpoint override
//
// A .env file in the working directory is loaded before the configuration.
package main

import (
	"fmt"
	"os"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
