package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// MCP Commands
// =============================================================================

// buildMcpCmd creates the "mcp" command group for MCP servers.
func buildMcpCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Manage MCP servers",
		Long: `Manage the MCP servers whose tools are offered to the assistant.

Server definitions live in the mcp.servers section of the config file.`,
	}
	cmd.AddCommand(
		buildMcpListCmd(root),
		buildMcpAddCmd(root),
		buildMcpRemoveCmd(root),
		buildMcpEnableCmd(root, true),
		buildMcpEnableCmd(root, false),
		buildMcpTestCmd(root),
	)
	return cmd
}

func buildMcpListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configured MCP servers",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMcpList(cmd, root)
		},
	}
}

// mcpAddOptions hold the flags of "mcp add".
type mcpAddOptions struct {
	url      string
	workDir  string
	env      map[string]string
	headers  map[string]string
	disabled bool
}

func buildMcpAddCmd(root *rootOptions) *cobra.Command {
	opts := &mcpAddOptions{}
	cmd := &cobra.Command{
		Use:   "add <name> [-- command [args...]]",
		Short: "Add an MCP server",
		Long: `Add an MCP server reached over stdio or a websocket.

A stdio server is spawned from the command after "--":

  forge mcp add files -- npx -y @modelcontextprotocol/server-filesystem .

A websocket server is given by URL:

  forge mcp add remote --url ws://localhost:8080/mcp`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMcpAdd(cmd, root, opts, args[0], args[1:])
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "", "Websocket URL of the server")
	cmd.Flags().StringVar(&opts.workDir, "workdir", "", "Working directory for a stdio server")
	cmd.Flags().StringToStringVar(&opts.env, "env", nil, "Environment variables for a stdio server (KEY=VALUE)")
	cmd.Flags().StringToStringVar(&opts.headers, "header", nil, "Handshake headers for a websocket server (KEY=VALUE)")
	cmd.Flags().BoolVar(&opts.disabled, "disabled", false, "Add the server without enabling it")
	return cmd
}

func buildMcpRemoveCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove an MCP server",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMcpRemove(cmd, root, args[0])
		},
	}
}

func buildMcpEnableCmd(root *rootOptions, enable bool) *cobra.Command {
	use, short := "enable <name>", "Enable an MCP server"
	if !enable {
		use, short = "disable <name>", "Disable an MCP server"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMcpSetEnabled(cmd, root, args[0], enable)
		},
	}
}

func buildMcpTestCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test <name>",
		Short: "Connect to an MCP server and list its tools",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMcpTest(cmd, root, args[0])
		},
	}
}
