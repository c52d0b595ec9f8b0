package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/forge/internal/agent"
	"github.com/haasonsaas/forge/internal/mcp"
	"github.com/haasonsaas/forge/internal/permissions"
)

const replHelp = `Commands:
  /help                          Show this help
  /new                           Start a new conversation
  /usage [reset]                 Show or reset token usage for this session
  /context                       Show the state of the current conversation
  /model [name]                  Show or switch the model
  /plan [on|off]                 Show or toggle plan mode (read-only tools)
  /agent [list|show|create|use|exit|delete]
                                 Manage subagent profiles
  /permissions [show|test|allow|deny|remove|enable|disable|ask on|off]
                                 Show or edit the shell policy
  /file-permissions [show|test|allow|deny|remove|enable|disable|ask on|off|reset-session]
                                 Show or edit the file policy
  /mcp list                      List MCP servers
  /mcp connect|disconnect|reconnect <name>
                                 Manage an MCP server connection
  /mcp connect-all|disconnect-all
  /mcp add <name> <command> [args...] | /mcp add <name> <ws-url>
  /mcp remove <name>
  /mcp tools                     List tools offered by connected servers
  /tools                         List the tools the assistant can call
  /exit                          Quit

Reference files with @path to attach them as context.
Ctrl-C cancels the running turn; at the prompt it quits.`

// interrupter routes Ctrl-C to the running turn.
type interrupter struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (i *interrupter) set(cancel context.CancelFunc) {
	i.mu.Lock()
	i.cancel = cancel
	i.mu.Unlock()
}

// interrupt cancels the running turn and reports whether there was one.
func (i *interrupter) interrupt() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancel == nil {
		return false
	}
	i.cancel()
	i.cancel = nil
	return true
}

// repl reads lines until /exit, end of input or Ctrl-C at the prompt.
func (s *session) repl(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt)
	defer signal.Stop(signals)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-signals:
				if !s.interrupts.interrupt() {
					stop()
					return
				}
			}
		}
	}()

	s.watchConfig(ctx)
	s.printf("forge %s (model %s)\nType /help for commands.\n", version, s.orch.Model())
	if s.guard.BypassEnabled() {
		s.printf("Permission checks are bypassed for this session.\n")
	}
	if s.orch.PlanMode() {
		s.printf("Plan mode is on: only read-only tools are available.\n")
	}
	s.startConversation(ctx)

	for {
		s.printf("\n> ")
		line, err := s.lines.ReadLine(ctx)
		if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
			s.printf("\n")
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if s.slash(ctx, line) {
				return nil
			}
			continue
		}
		s.turn(ctx, line)
	}
}

// turn runs one Submit that Ctrl-C can cancel.
func (s *session) turn(ctx context.Context, text string) {
	turnCtx, cancel := context.WithCancel(ctx)
	s.interrupts.set(cancel)
	defer func() {
		s.interrupts.set(nil)
		cancel()
	}()

	answer, err := s.submit(turnCtx, text)
	switch {
	case errors.Is(err, agent.ErrCancelled):
		s.printf("\n(cancelled)\n")
	case err != nil:
		s.printf("\nError: %v\n", err)
	default:
		s.finishAnswer(answer)
	}
}

func (s *session) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

// slash handles a REPL command and reports whether the session should end.
func (s *session) slash(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/exit", "/quit":
		return true
	case "/help":
		s.printf("%s\n", replHelp)
	case "/new", "/clear":
		s.printf("Started a new conversation.\n")
		s.startConversation(ctx)
	case "/usage":
		if len(fields) > 1 && fields[1] == "reset" {
			s.orch.ResetUsage()
			s.printf("Usage counters reset.\n")
			return false
		}
		s.printf("%s", formatUsage(s.orch.Usage()))
	case "/context":
		s.printf("%s", formatContext(s.orch.Context()))
	case "/model":
		s.modelCommand(fields[1:])
	case "/plan":
		s.planCommand(fields[1:])
	case "/agent":
		s.agentCommand(ctx, fields[1:])
	case "/permissions":
		s.permissionsCommand(permissions.DomainShell, fields[1:])
	case "/file-permissions":
		s.permissionsCommand(permissions.DomainFile, fields[1:])
	case "/mcp":
		s.mcpCommand(ctx, fields[1:])
	case "/tools":
		s.printf("%s", formatTools(s.orch.Tools()))
	default:
		s.printf("Unknown command: %s (type /help)\n", fields[0])
	}
	return false
}

func (s *session) mcpCommand(ctx context.Context, args []string) {
	if len(args) == 0 || args[0] == "list" {
		s.printf("%s", formatServers(s.manager.Servers()))
		return
	}
	switch args[0] {
	case "tools":
		s.printf("%s", formatServerTools(s.manager.AllTools()))
		return
	case "connect-all":
		err := s.manager.ConnectAll(ctx)
		s.orch.InvalidateExternal()
		if err != nil {
			s.printf("Some servers failed to connect: %v\n", err)
		}
		s.printf("%s", formatServers(s.manager.Servers()))
		return
	case "disconnect-all":
		s.manager.DisconnectAll()
		s.orch.InvalidateExternal()
		s.printf("Disconnected all MCP servers.\n")
		return
	case "add":
		s.mcpAdd(ctx, args[1:])
		return
	case "remove":
		if len(args) != 2 {
			s.printf("Usage: /mcp remove <name>\n")
			return
		}
		err := s.manager.RemoveServer(ctx, args[1])
		s.orch.InvalidateExternal()
		if err != nil {
			s.printf("Failed to remove %s: %v\n", args[1], err)
			return
		}
		s.printf("Removed MCP server %s\n", args[1])
		return
	}

	if len(args) != 2 {
		s.printf("Usage: /mcp connect|disconnect|reconnect <name>\n")
		return
	}
	action, name := args[0], args[1]
	var err error
	switch action {
	case "connect":
		err = s.manager.Connect(ctx, name)
	case "disconnect":
		err = s.manager.Disconnect(name)
	case "reconnect":
		err = s.manager.Reconnect(ctx, name)
	default:
		s.printf("Unknown mcp action: %s\n", action)
		return
	}
	s.orch.InvalidateExternal()
	if err != nil {
		s.printf("Failed to %s %s: %v\n", action, name, err)
		return
	}
	s.printf("%s: %sed\n", name, action)
}

func formatUsage(u agent.Usage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Requests:      %d\n", u.Requests)
	fmt.Fprintf(&b, "Input tokens:  %d\n", u.InputTokens)
	fmt.Fprintf(&b, "Output tokens: %d\n", u.OutputTokens)
	fmt.Fprintf(&b, "Total tokens:  %d\n", u.Total())
	return b.String()
}

func formatPolicies(snap permissions.Snapshot, bypass bool) string {
	var b strings.Builder
	if bypass {
		b.WriteString("Bypass mode: ON (all checks skipped)\n")
	}
	writePolicy(&b, "Shell", snap.Shell)
	writePolicy(&b, "Files", snap.Files)
	return b.String()
}

func writePolicy(b *strings.Builder, title string, p permissions.Policy) {
	fmt.Fprintf(b, "%s policy:\n", title)
	fmt.Fprintf(b, "  enabled: %t\n", p.Enabled)
	fmt.Fprintf(b, "  ask for permission: %t\n", p.AskForPermission)
	writePatterns(b, "allowed", p.Allowed)
	writePatterns(b, "denied", p.Denied)
}

func writePatterns(b *strings.Builder, label string, patterns []string) {
	if len(patterns) == 0 {
		fmt.Fprintf(b, "  %s: (none)\n", label)
		return
	}
	fmt.Fprintf(b, "  %s:\n", label)
	for _, p := range patterns {
		fmt.Fprintf(b, "    - %s\n", p)
	}
}

func formatTools(tools []agent.Tool) string {
	if len(tools) == 0 {
		return "No tools registered.\n"
	}
	names := make([]string, 0, len(tools))
	desc := make(map[string]string, len(tools))
	for _, t := range tools {
		names = append(names, t.Name())
		desc[t.Name()] = t.Description()
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "  %-28s %s\n", name, desc[name])
	}
	return b.String()
}

func formatServers(servers []mcp.ServerStatus) string {
	if len(servers) == 0 {
		return "No MCP servers configured.\n"
	}
	var b strings.Builder
	for _, st := range servers {
		enabled := "enabled"
		if !st.Enabled {
			enabled = "disabled"
		}
		fmt.Fprintf(&b, "  %s (%s, %s) - %s", st.Name, st.Transport, enabled, st.State)
		if st.Connected {
			fmt.Fprintf(&b, ", %d tools", st.Tools)
			if st.Server.Name != "" {
				fmt.Fprintf(&b, ", server %s %s", st.Server.Name, st.Server.Version)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}
