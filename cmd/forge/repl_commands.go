package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/forge/internal/agent"
	"github.com/haasonsaas/forge/internal/mcp"
	"github.com/haasonsaas/forge/internal/permissions"
	"github.com/haasonsaas/forge/internal/subagents"
)

// =============================================================================
// Session Command Handlers
// =============================================================================

func (s *session) modelCommand(args []string) {
	if len(args) == 0 {
		s.printf("Current model: %s\nUsage: /model <name>\n", s.orch.Model())
		return
	}
	name := strings.Join(args, " ")
	if err := s.orch.SetModel(name); err != nil {
		s.printf("Failed to switch model: %v\n", err)
		return
	}
	s.printf("Active model set to %s\n", s.orch.Model())
}

func (s *session) planCommand(args []string) {
	if len(args) == 0 {
		s.printf("Plan mode is %s. Usage: /plan on|off\n", onOff(s.orch.PlanMode()))
		return
	}
	switch args[0] {
	case "on":
		s.orch.SetPlanMode(true)
		s.printf("Plan mode enabled: only read-only tools are available.\n")
	case "off":
		s.orch.SetPlanMode(false)
		s.printf("Plan mode disabled: execution tools restored.\n")
	default:
		s.printf("Unknown /plan command. Use '/plan on' or '/plan off'.\n")
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// -----------------------------------------------------------------------------
// Subagents
// -----------------------------------------------------------------------------

const agentUsage = `Usage:
  /agent list                    List subagents
  /agent show <name>             Show a subagent definition
  /agent create <name> <prompt>  Create a subagent limited to read-only tools
  /agent use <name>              Switch to a subagent in a fresh conversation
  /agent exit                    Return to the previous conversation
  /agent delete <name>           Delete a subagent definition
`

func (s *session) agentCommand(ctx context.Context, args []string) {
	if len(args) == 0 {
		if p, ok := s.orch.ActiveProfile(); ok {
			s.printf("Current agent: %s (use /agent exit to return)\n", p.Name)
		} else {
			s.printf("No agent active.\n")
		}
		s.printf("%s", agentUsage)
		return
	}
	if args[0] == "exit" {
		name, err := s.orch.ExitProfile()
		if errors.Is(err, agent.ErrNoProfile) {
			s.printf("No agent is active.\n")
			return
		}
		if err != nil {
			s.printf("Failed to leave agent: %v\n", err)
			return
		}
		s.printf("Left agent %s; restored the previous conversation.\n", name)
		return
	}
	if s.agents == nil {
		s.printf("Subagents are unavailable: no agents directory.\n")
		return
	}

	switch args[0] {
	case "list":
		defs, err := s.agents.List()
		if err != nil {
			s.printf("Failed to list subagents: %v\n", err)
			return
		}
		active, _ := s.orch.ActiveProfile()
		s.printf("%s", formatAgents(defs, active.Name))
	case "show":
		if len(args) != 2 {
			s.printf("Usage: /agent show <name>\n")
			return
		}
		def, err := s.agents.Get(args[1])
		if err != nil {
			s.printf("Failed to load agent: %v\n", err)
			return
		}
		s.printf("%s", formatAgent(def))
	case "create":
		if len(args) < 3 {
			s.printf("Usage: /agent create <name> <system prompt>\n")
			return
		}
		def, err := s.agents.Create(subagents.Definition{
			Name:         args[1],
			SystemPrompt: unquote(strings.Join(args[2:], " ")),
			AllowedTools: s.orch.ReadOnlyTools(),
		})
		if err != nil {
			s.printf("Failed to create subagent: %v\n", err)
			return
		}
		s.printf("Created subagent %s\n  Config file: %s\n", def.Name, def.Path)
	case "use", "switch":
		if len(args) != 2 {
			s.printf("Usage: /agent use <name>\n")
			return
		}
		def, err := s.agents.Get(args[1])
		if err != nil {
			s.printf("Failed to load agent: %v\n", err)
			return
		}
		loaded, err := s.orch.UseProfile(ctx, agent.Profile{
			Name:         def.Name,
			SystemPrompt: def.SystemPrompt,
			Model:        def.Model,
			AllowedTools: def.AllowedTools,
			DeniedTools:  def.DeniedTools,
		})
		if err != nil {
			s.printf("Failed to switch agent: %v\n", err)
			return
		}
		s.printf("Switched to agent %s. Conversation context cleared.\n", def.Name)
		for _, path := range loaded {
			s.printf("Loaded context from %s\n", path)
		}
	case "delete":
		if len(args) != 2 {
			s.printf("Usage: /agent delete <name>\n")
			return
		}
		if err := s.agents.Delete(args[1]); err != nil {
			s.printf("Failed to delete agent: %v\n", err)
			return
		}
		s.printf("Deleted subagent %s\n", args[1])
	default:
		s.printf("Unknown agent action: %s\n%s", args[0], agentUsage)
	}
}

func formatAgents(defs []subagents.Definition, active string) string {
	if len(defs) == 0 {
		return "No subagents configured. Use /agent create to create one.\n"
	}
	var b strings.Builder
	for _, def := range defs {
		status := "inactive"
		if def.Name == active {
			status = "active"
		}
		fmt.Fprintf(&b, "  %s (%s)", def.Name, status)
		if def.Description != "" {
			fmt.Fprintf(&b, " - %s", def.Description)
		}
		b.WriteString("\n")
		if len(def.AllowedTools) > 0 {
			fmt.Fprintf(&b, "    allowed tools: %s\n", strings.Join(def.AllowedTools, ", "))
		}
		if len(def.DeniedTools) > 0 {
			fmt.Fprintf(&b, "    denied tools: %s\n", strings.Join(def.DeniedTools, ", "))
		}
	}
	return b.String()
}

func formatAgent(def subagents.Definition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent: %s\n", def.Name)
	if def.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", def.Description)
	}
	if def.Model != "" {
		fmt.Fprintf(&b, "Model: %s\n", def.Model)
	}
	writePatterns(&b, "allowed tools", def.AllowedTools)
	writePatterns(&b, "denied tools", def.DeniedTools)
	fmt.Fprintf(&b, "File: %s\n\n%s\n", def.Path, def.SystemPrompt)
	return b.String()
}

// -----------------------------------------------------------------------------
// Permissions
// -----------------------------------------------------------------------------

func (s *session) permissionsCommand(domain permissions.Domain, args []string) {
	engine, title, name := s.guard.Shell(), "Shell", "/permissions"
	if domain == permissions.DomainFile {
		engine, title, name = s.guard.Files(), "Files", "/file-permissions"
	}
	if len(args) == 0 || args[0] == "show" || args[0] == "list" {
		var b strings.Builder
		if s.guard.BypassEnabled() {
			b.WriteString("Bypass mode: ON (all checks skipped)\n")
		}
		writePolicy(&b, title, engine.Policy())
		if engine.SessionAllowed() {
			b.WriteString("  allowed for the rest of this session\n")
		}
		s.printf("%s", b.String())
		return
	}

	action, rest := args[0], args[1:]
	var op policyEdit
	switch action {
	case "test":
		s.testPermission(engine, name, rest)
		return
	case "reset-session":
		if domain != permissions.DomainFile {
			s.printf("Unknown %s action: %s\n", name, action)
			return
		}
		engine.SetSessionAllow(false)
		s.printf("Session-wide file permission cleared.\n")
		return
	case "allow":
		op = editAllow
	case "deny":
		op = editDeny
	case "remove":
		op = editRemove
	case "remove-allow":
		op = func(e *permissions.Engine, pattern string) (string, error) {
			if !e.RemoveAllowed(pattern) {
				return "", fmt.Errorf("%q is not in the %s allow list", pattern, e.Domain())
			}
			return fmt.Sprintf("Removed %q from the allow list", pattern), nil
		}
	case "remove-deny":
		op = func(e *permissions.Engine, pattern string) (string, error) {
			if !e.RemoveDenied(pattern) {
				return "", fmt.Errorf("%q is not in the %s deny list", pattern, e.Domain())
			}
			return fmt.Sprintf("Removed %q from the deny list", pattern), nil
		}
	case "enable":
		op = editEnable
	case "disable":
		op = editDisable
	case "ask", "ask-on", "ask-off":
		value := strings.TrimPrefix(action, "ask-")
		if action == "ask" {
			if len(rest) != 1 {
				s.printf("Usage: %s ask on|off\n", name)
				return
			}
			value = rest[0]
		}
		if value != "on" && value != "off" {
			s.printf("Usage: %s ask on|off\n", name)
			return
		}
		ask := value == "on"
		op = func(e *permissions.Engine, _ string) (string, error) {
			e.SetAskForPermission(ask)
			return fmt.Sprintf("Asking for %s permission is now %s", e.Domain(), value), nil
		}
		rest = nil
	default:
		s.printf("Unknown %s action: %s\n", name, action)
		return
	}

	pattern := unquote(strings.Join(rest, " "))
	if pattern == "" && (action == "allow" || action == "deny" || strings.HasPrefix(action, "remove")) {
		s.printf("Usage: %s %s <pattern>\n", name, action)
		return
	}
	message, err := op(engine, pattern)
	if err != nil {
		s.printf("Error: %v\n", err)
		return
	}
	s.orch.PersistPolicies()
	s.printf("%s\n", message)
}

// testPermission reports the decision for a subject without escalating.
// File subjects may be prefixed with the operation name.
func (s *session) testPermission(engine *permissions.Engine, name string, args []string) {
	if len(args) > 1 && engine.Domain() == permissions.DomainFile {
		if _, ok := agent.ReservedDomain(args[0]); ok {
			args = args[1:]
		}
	}
	subject := unquote(strings.Join(args, " "))
	if subject == "" {
		s.printf("Usage: %s test <subject>\n", name)
		return
	}
	switch engine.Decide(subject) {
	case permissions.Allowed:
		s.printf("'%s' is ALLOWED\n", subject)
	case permissions.Denied:
		s.printf("'%s' is DENIED\n", subject)
	default:
		s.printf("'%s' requires permission\n", subject)
	}
}

// unquote strips one pair of matching surrounding quotes.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// -----------------------------------------------------------------------------
// MCP
// -----------------------------------------------------------------------------

func (s *session) mcpAdd(ctx context.Context, args []string) {
	if len(args) < 2 {
		s.printf("Usage: /mcp add <name> <command> [args...] | /mcp add <name> <ws-url>\n")
		return
	}
	cfg := mcp.ServerConfig{Name: args[0], Enabled: true}
	if target := args[1]; strings.HasPrefix(target, "ws://") || strings.HasPrefix(target, "wss://") {
		if len(args) > 2 {
			s.printf("A websocket server takes no arguments.\n")
			return
		}
		cfg.URL = target
	} else {
		cfg.Command = target
		cfg.Args = args[2:]
	}
	if err := s.manager.AddServer(ctx, cfg); err != nil {
		s.printf("Failed to add %s: %v\n", cfg.Name, err)
		return
	}
	s.printf("Added MCP server %s (%s). Use /mcp connect %s to start it.\n", cfg.Name, cfg.Transport(), cfg.Name)
}

func formatServerTools(tools []mcp.ServerTool) string {
	if len(tools) == 0 {
		return "No MCP tools available.\n"
	}
	var b strings.Builder
	server := ""
	for _, st := range tools {
		if st.Server != server {
			server = st.Server
			fmt.Fprintf(&b, "%s:\n", server)
		}
		fmt.Fprintf(&b, "  %-28s %s\n", agent.ExternalToolName(st.Server, st.Tool.Name), st.Tool.Description)
	}
	return b.String()
}

// -----------------------------------------------------------------------------
// Context
// -----------------------------------------------------------------------------

func formatContext(info agent.ContextInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation:  %s\n", info.ConversationID)
	fmt.Fprintf(&b, "Model:         %s\n", info.Model)
	profile := info.Profile
	if profile == "" {
		profile = "(none)"
	}
	fmt.Fprintf(&b, "Agent:         %s\n", profile)
	fmt.Fprintf(&b, "Plan mode:     %s\n", onOff(info.PlanMode))
	fmt.Fprintf(&b, "Messages:      %d (%d user, %d assistant)\n", info.Messages, info.UserMessages, info.AssistantMessages)
	fmt.Fprintf(&b, "Tool calls:    %d (%d results)\n", info.ToolCalls, info.ToolResults)
	system := "(none)"
	if info.SystemPrompt != "" {
		system = preview(info.SystemPrompt)
	}
	fmt.Fprintf(&b, "System prompt: %s\n", system)
	if len(info.ContextFiles) == 0 {
		b.WriteString("Context files: (none)\n")
		return b.String()
	}
	b.WriteString("Context files:\n")
	for _, path := range info.ContextFiles {
		fmt.Fprintf(&b, "  %s\n", path)
	}
	return b.String()
}
