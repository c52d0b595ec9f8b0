package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/forge/internal/mcp"
)

// =============================================================================
// MCP Command Handlers
// =============================================================================

const mcpTestTimeout = 30 * time.Second

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// runMcpList handles the mcp list command.
func runMcpList(cmd *cobra.Command, root *rootOptions) error {
	a, err := loadApp(root, false)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	servers := a.cfg.MCP.Servers
	if len(servers) == 0 {
		fmt.Fprintln(out, "No MCP servers configured.")
		return nil
	}
	fmt.Fprintln(out, "MCP Servers:")
	for _, srv := range a.newManager().Configs() {
		state := "enabled"
		if !srv.Enabled {
			state = "disabled"
		}
		target := srv.URL
		if srv.Transport() == mcp.TransportStdio {
			target = strings.TrimSpace(srv.Command + " " + strings.Join(srv.Args, " "))
		}
		fmt.Fprintf(out, "  %s (%s) - %s\n    %s\n", srv.Name, srv.Transport(), state, target)
	}
	return nil
}

// runMcpAdd handles the mcp add command.
func runMcpAdd(cmd *cobra.Command, root *rootOptions, opts *mcpAddOptions, name string, command []string) error {
	if opts.url == "" && len(command) == 0 {
		return fmt.Errorf("either a command after -- or --url is required")
	}
	if opts.url != "" && len(command) > 0 {
		return fmt.Errorf("a server has either a command or a --url, not both")
	}
	srv := mcp.ServerConfig{
		Name:    name,
		URL:     opts.url,
		WorkDir: opts.workDir,
		Env:     opts.env,
		Headers: opts.headers,
		Enabled: !opts.disabled,
	}
	if len(command) > 0 {
		srv.Command = command[0]
		srv.Args = command[1:]
	}

	a, err := loadApp(root, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.newManager().AddServer(commandContext(cmd), srv); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added MCP server %s (%s)\n", name, srv.Transport())
	return nil
}

// runMcpRemove handles the mcp remove command.
func runMcpRemove(cmd *cobra.Command, root *rootOptions, name string) error {
	a, err := loadApp(root, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.newManager().RemoveServer(commandContext(cmd), name); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed MCP server %s\n", name)
	return nil
}

// runMcpSetEnabled handles the mcp enable and disable commands.
func runMcpSetEnabled(cmd *cobra.Command, root *rootOptions, name string, enabled bool) error {
	a, err := loadApp(root, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.newManager().SetEnabled(commandContext(cmd), name, enabled); err != nil {
		return err
	}
	verb := "Enabled"
	if !enabled {
		verb = "Disabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s MCP server %s\n", verb, name)
	return nil
}

// runMcpTest handles the mcp test command.
func runMcpTest(cmd *cobra.Command, root *rootOptions, name string) error {
	a, err := loadApp(root, false)
	if err != nil {
		return err
	}
	defer a.Close()

	mgr := a.newManager()
	defer mgr.DisconnectAll()

	ctx, cancel := context.WithTimeout(commandContext(cmd), mcpTestTimeout)
	defer cancel()
	if err := mgr.Connect(ctx, name); err != nil {
		return fmt.Errorf("connect %s: %w", name, err)
	}

	out := cmd.OutOrStdout()
	client, ok := mgr.Client(name)
	if !ok {
		return fmt.Errorf("mcp server %q is not connected", name)
	}
	info := client.ServerInfo()
	fmt.Fprintf(out, "Connected to %s (%s %s)\n", name, info.Name, info.Version)
	tools := client.Tools()
	if len(tools) == 0 {
		fmt.Fprintln(out, "No tools advertised.")
		return nil
	}
	fmt.Fprintf(out, "Tools (%d):\n", len(tools))
	for _, tool := range tools {
		fmt.Fprintf(out, "  %s", mcp.ToolName(name, tool.Name))
		if desc := strings.TrimSpace(tool.Description); desc != "" {
			fmt.Fprintf(out, " - %s", preview(desc))
		}
		fmt.Fprintln(out)
	}
	return nil
}
