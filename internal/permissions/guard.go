package permissions

import (
	"context"
	"log/slog"
	"time"
)

// Guard bundles the shell and file engines behind one bypass switch.
type Guard struct {
	bypass *Bypass
	shell  *Engine
	files  *Engine
}

// GuardConfig configures a Guard.
type GuardConfig struct {
	Shell    Policy
	Files    Policy
	Prompter Prompter
	Timeout  time.Duration
	Bypass   bool
	Logger   *slog.Logger
}

// NewGuard creates a guard with fresh engines.
func NewGuard(cfg GuardConfig) *Guard {
	bypass := &Bypass{}
	bypass.Set(cfg.Bypass)
	opts := []EngineOption{
		WithBypass(bypass),
		WithPrompter(cfg.Prompter),
		WithEscalationTimeout(cfg.Timeout),
	}
	if cfg.Logger != nil {
		opts = append(opts, WithLogger(cfg.Logger))
	}
	return &Guard{
		bypass: bypass,
		shell:  NewEngine(DomainShell, cfg.Shell, opts...),
		files:  NewEngine(DomainFile, cfg.Files, opts...),
	}
}

// Shell returns the shell command engine.
func (g *Guard) Shell() *Engine { return g.shell }

// Files returns the file operation engine.
func (g *Guard) Files() *Engine { return g.files }

// SetBypass toggles bypass mode for both engines.
func (g *Guard) SetBypass(enabled bool) { g.bypass.Set(enabled) }

// BypassEnabled reports whether bypass mode is active.
func (g *Guard) BypassEnabled() bool { return g.bypass.Enabled() }

// AuthorizeCommand gates a shell command.
func (g *Guard) AuthorizeCommand(ctx context.Context, command string) Outcome {
	return g.shell.Authorize(ctx, "bash", command)
}

// AuthorizeFile gates a file mutation on path.
func (g *Guard) AuthorizeFile(ctx context.Context, operation, path string) Outcome {
	return g.files.Authorize(ctx, operation, path)
}

// Snapshot returns the persisted state of both engines.
func (g *Guard) Snapshot() Snapshot {
	return Snapshot{Shell: g.shell.Policy(), Files: g.files.Policy()}
}

// Apply replaces the persisted state of both engines.
func (g *Guard) Apply(s Snapshot) {
	g.shell.Apply(s.Shell)
	g.files.Apply(s.Files)
}
