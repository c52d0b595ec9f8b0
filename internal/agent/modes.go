package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/forge/pkg/models"
)

// PlanModePrompt is appended to the system prompt while plan mode is on.
const PlanModePrompt = `You are in plan mode. Only read-only tools are available. ` +
	`Investigate the codebase and reply with a numbered, step-by-step plan ` +
	`for the requested change. Do not attempt to modify files or run commands.`

// Profile narrows the assistant to a named role: its own system prompt,
// optionally its own model, and a subset of the tool table.
type Profile struct {
	Name         string
	SystemPrompt string
	Model        string

	// AllowedTools lists the tools the profile may call. Empty means all.
	// A trailing "*" matches by prefix.
	AllowedTools []string
	// DeniedTools is checked before AllowedTools.
	DeniedTools []string
}

func (p *Profile) permits(name string) bool {
	if matchToolName(p.DeniedTools, name) {
		return false
	}
	return len(p.AllowedTools) == 0 || matchToolName(p.AllowedTools, name)
}

func matchToolName(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			if strings.HasPrefix(name, prefix) {
				return true
			}
			continue
		}
		if pattern == name {
			return true
		}
	}
	return false
}

// savedConversation is the main conversation parked while a profile runs.
type savedConversation struct {
	transcript     []models.Message
	conversationID string
	started        bool
	contextFiles   []string
	model          string
	system         string
}

// ContextInfo describes the state of the current conversation.
type ContextInfo struct {
	ConversationID    string
	Model             string
	SystemPrompt      string
	PlanMode          bool
	Profile           string
	Messages          int
	UserMessages      int
	AssistantMessages int
	ToolCalls         int
	ToolResults       int
	ContextFiles      []string
}

// SetPlanMode turns plan mode on or off. In plan mode the model only sees
// read-only tools and mutating calls are refused.
func (o *Orchestrator) SetPlanMode(on bool) {
	o.mu.Lock()
	o.planMode = on
	o.mu.Unlock()
	o.logger.Info("plan mode changed", "enabled", on)
}

// PlanMode reports whether plan mode is on.
func (o *Orchestrator) PlanMode() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.planMode
}

// ActiveProfile returns the profile in use, if any.
func (o *Orchestrator) ActiveProfile() (Profile, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.profile == nil {
		return Profile{}, false
	}
	return *o.profile, true
}

// UseProfile parks the main conversation and starts a fresh one under p.
// Switching from one profile to another keeps the originally parked
// conversation. It returns the AGENTS.md files seeded into the new
// conversation.
func (o *Orchestrator) UseProfile(ctx context.Context, p Profile) ([]string, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, errors.New("profile name is empty")
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		return nil, fmt.Errorf("profile %q has no system prompt", p.Name)
	}

	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	o.mu.Lock()
	if o.saved == nil {
		o.saved = &savedConversation{
			transcript:     o.transcript,
			conversationID: o.conversationID,
			started:        o.started,
			contextFiles:   o.contextFiles,
			model:          o.model,
			system:         o.system,
		}
	}
	o.system = p.SystemPrompt
	if p.Model != "" {
		o.model = p.Model
	} else {
		o.model = o.saved.model
	}
	profile := p
	o.profile = &profile
	o.mu.Unlock()

	seeded := o.resetConversation(ctx)
	o.logger.Info("switched to agent profile", "profile", p.Name, "model", o.Model())
	return seeded, nil
}

// ExitProfile drops the profile conversation and restores the parked main
// conversation with its model and system prompt.
func (o *Orchestrator) ExitProfile() (string, error) {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.profile == nil || o.saved == nil {
		return "", ErrNoProfile
	}
	name := o.profile.Name
	o.transcript = o.saved.transcript
	o.conversationID = o.saved.conversationID
	o.started = o.saved.started
	o.contextFiles = o.saved.contextFiles
	o.model = o.saved.model
	o.system = o.saved.system
	o.profile = nil
	o.saved = nil
	o.logger.Info("left agent profile", "profile", name, "conversation_id", o.conversationID)
	return name, nil
}

// Context summarizes the current conversation.
func (o *Orchestrator) Context() ContextInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()

	info := ContextInfo{
		ConversationID: o.conversationID,
		Model:          o.model,
		SystemPrompt:   o.system,
		PlanMode:       o.planMode,
		Messages:       len(o.transcript),
		ContextFiles:   append([]string(nil), o.contextFiles...),
	}
	if o.profile != nil {
		info.Profile = o.profile.Name
	}
	for _, msg := range o.transcript {
		switch msg.Role {
		case models.RoleUser:
			info.UserMessages++
		case models.RoleAssistant:
			info.AssistantMessages++
		}
		info.ToolCalls += len(msg.ToolCalls())
		info.ToolResults += len(msg.ToolResults())
	}
	return info
}

func (o *Orchestrator) effectiveSystemPrompt() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.planMode {
		return o.system
	}
	if o.system == "" {
		return PlanModePrompt
	}
	return o.system + "\n\n" + PlanModePrompt
}

// visibleTools is the tool table filtered by plan mode and the active
// profile.
func (o *Orchestrator) visibleTools() []Tool {
	all := o.registry.Tools()
	out := make([]Tool, 0, len(all))
	for _, tool := range all {
		if ok, _ := o.toolAllowed(tool.Name()); ok {
			out = append(out, tool)
		}
	}
	return out
}

// toolAllowed applies plan mode and the active profile to name. The reason
// is returned to the model as the tool result when the call is refused.
func (o *Orchestrator) toolAllowed(name string) (bool, string) {
	o.mu.RLock()
	planMode := o.planMode
	profile := o.profile
	o.mu.RUnlock()

	if planMode && !o.readOnly(name) {
		return false, fmt.Sprintf("Tool '%s' is not available in plan mode", name)
	}
	if profile != nil && !profile.permits(name) {
		return false, fmt.Sprintf("Tool '%s' is not available to agent %s", name, profile.Name)
	}
	return true, ""
}

// readOnly reports whether name can run without the permission guard.
// External tools are treated as mutating since nothing describes them.
func (o *Orchestrator) readOnly(name string) bool {
	if strings.HasPrefix(name, ExternalToolPrefix) {
		return false
	}
	if _, reserved := reservedTools[name]; reserved {
		return false
	}
	if tool, ok := o.registry.Get(name); ok {
		if _, guarded := tool.(*GuardedTool); guarded {
			return false
		}
	}
	return true
}

// ReadOnlyTools lists the registered tools that stay available in plan
// mode.
func (o *Orchestrator) ReadOnlyTools() []string {
	var names []string
	for _, tool := range o.registry.Tools() {
		if o.readOnly(tool.Name()) {
			names = append(names, tool.Name())
		}
	}
	return names
}
