package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/forge/internal/observability"
	"github.com/haasonsaas/forge/internal/permissions"
)

// SubjectResolver is implemented by tools that know which string the policy
// should be evaluated against, for example an absolute path.
type SubjectResolver interface {
	PermissionSubject(params json.RawMessage) (string, error)
}

// GuardedTool runs every invocation of inner past the permission guard
// first. Tools without a SubjectResolver are evaluated against their
// "command" (shell) or "path" (file) parameter.
type GuardedTool struct {
	inner      Tool
	guard      *permissions.Guard
	domain     permissions.Domain
	metrics    *observability.Metrics
	onRemember func()
}

// NewGuardedTool wraps inner. onRemember runs after a successful execution
// that added a pattern to the allow list; it may be nil.
func NewGuardedTool(inner Tool, guard *permissions.Guard, domain permissions.Domain, metrics *observability.Metrics, onRemember func()) *GuardedTool {
	return &GuardedTool{
		inner:      inner,
		guard:      guard,
		domain:     domain,
		metrics:    metrics,
		onRemember: onRemember,
	}
}

func (g *GuardedTool) Name() string            { return g.inner.Name() }
func (g *GuardedTool) Description() string     { return g.inner.Description() }
func (g *GuardedTool) Schema() json.RawMessage { return g.inner.Schema() }

// Unwrap returns the wrapped tool.
func (g *GuardedTool) Unwrap() Tool { return g.inner }

// Domain is the permission domain the tool is checked against.
func (g *GuardedTool) Domain() permissions.Domain { return g.domain }

func (g *GuardedTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	subject, err := g.subject(params)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	var outcome permissions.Outcome
	if g.domain == permissions.DomainShell {
		outcome = g.guard.AuthorizeCommand(ctx, subject)
	} else {
		outcome = g.guard.AuthorizeFile(ctx, g.inner.Name(), subject)
	}
	g.metrics.RecordPermission(string(g.domain), verdict(outcome))

	if !outcome.Allowed {
		reason := outcome.Reason
		if reason == "" {
			reason = fmt.Sprintf("%s on %q was not approved", g.inner.Name(), subject)
		}
		return errorResult("Permission denied: " + reason), nil
	}

	result, err := g.inner.Execute(ctx, params)
	if err != nil {
		return nil, err
	}
	if outcome.Remembered && result != nil && !result.IsError && g.onRemember != nil {
		g.onRemember()
	}
	return result, nil
}

func (g *GuardedTool) subject(params json.RawMessage) (string, error) {
	if resolver, ok := g.inner.(SubjectResolver); ok {
		return resolver.PermissionSubject(params)
	}

	key := "path"
	if g.domain == permissions.DomainShell {
		key = "command"
	}
	var args map[string]any
	if err := json.Unmarshal(params, &args); err != nil {
		return "", fmt.Errorf("Invalid parameters: %v", err)
	}
	value, _ := args[key].(string)
	if value == "" {
		return "", fmt.Errorf("Missing required parameter: %s", key)
	}
	return value, nil
}

func verdict(o permissions.Outcome) string {
	switch {
	case o.Allowed && o.Decision == permissions.Allowed:
		return "allowed"
	case o.Allowed:
		return "approved"
	case o.Decision == permissions.Denied:
		return "denied"
	default:
		return "rejected"
	}
}
