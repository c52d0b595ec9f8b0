package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/forge/internal/agent"
	"github.com/haasonsaas/forge/internal/agent/providers"
	"github.com/haasonsaas/forge/internal/config"
	"github.com/haasonsaas/forge/internal/mcp"
	"github.com/haasonsaas/forge/internal/permissions"
	"github.com/haasonsaas/forge/internal/storage"
	"github.com/haasonsaas/forge/internal/subagents"
	"github.com/haasonsaas/forge/internal/tools/exec"
	"github.com/haasonsaas/forge/internal/tools/files"
	"github.com/haasonsaas/forge/pkg/models"
)

// previewLength bounds tool arguments and results echoed to the terminal.
const previewLength = 200

// session is one chat: the orchestrator plus everything it was wired to.
type session struct {
	app     *app
	orch    *agent.Orchestrator
	guard   *permissions.Guard
	manager *mcp.Manager
	store   storage.Store
	agents  *subagents.Store
	watcher *config.Watcher
	lines   *permissions.LineReader
	out     io.Writer

	// startupFiles are attached as context whenever a conversation starts.
	startupFiles []string

	// streamed is set once reply text has been printed for the current turn.
	streamed bool
	// mu serializes terminal writes from callbacks and the REPL.
	mu sync.Mutex

	interrupts interrupter
}

func runChat(cmd *cobra.Command, root *rootOptions, opts *chatOptions) error {
	interactive := opts.message == ""
	a, err := loadApp(root, interactive)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	s, err := newSession(ctx, a, opts, cmd.InOrStdin(), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer s.Close()

	if !interactive {
		return s.oneShot(ctx, opts.message)
	}
	return s.repl(ctx)
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// newSession wires the provider, guard, tools, mcp servers and stores into
// a fresh orchestrator.
func newSession(ctx context.Context, a *app, opts *chatOptions, in io.Reader, out io.Writer) (*session, error) {
	cfg := a.cfg
	if strings.TrimSpace(cfg.Anthropic.APIKey) == "" {
		return nil, errors.New("no API key configured: set ANTHROPIC_API_KEY or ANTHROPIC_AUTH_TOKEN")
	}
	provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
		APIKey:       cfg.Anthropic.APIKey,
		BaseURL:      cfg.Anthropic.BaseURL,
		DefaultModel: cfg.Model,
		MaxRetries:   cfg.Anthropic.MaxRetries,
		Backoff:      cfg.Anthropic.Backoff,
		SingleShot:   !cfg.Anthropic.Streaming,
		Logger:       a.logger,
	})
	if err != nil {
		return nil, err
	}

	s := &session{app: a, out: out, lines: permissions.NewLineReader(in)}

	// Escalation needs someone to answer; without a terminal every
	// escalated operation is denied.
	var prompter permissions.Prompter = permissions.DenyPrompter{}
	if isTerminal(in) {
		prompter = permissions.NewTerminalPrompter(s.lines, &lockedWriter{w: out, mu: &s.mu})
	}
	s.guard = permissions.NewGuard(permissions.GuardConfig{
		Shell:    cfg.Permissions.Shell,
		Files:    cfg.Permissions.Files,
		Prompter: prompter,
		Bypass:   opts.yolo,
		Logger:   a.logger.With("component", "permissions"),
	})

	store, err := a.openStore(ctx)
	if err != nil {
		a.logger.Warn("conversation history disabled", "error", err)
		fmt.Fprintf(out, "Warning: conversation history disabled: %v\n", err)
		store = storage.NewMemoryStore()
	}
	s.store = store
	s.manager = a.newManager()

	system := cfg.SystemPrompt
	if opts.system != "" {
		system = opts.system
	}
	temperature := cfg.Temperature
	s.orch = agent.NewOrchestrator(provider, agent.Options{
		Model:         cfg.Model,
		System:        system,
		MaxTokens:     cfg.MaxTokens,
		Temperature:   &temperature,
		MaxIterations: cfg.MaxIterations,
		Guard:         s.guard,
		External:      mcp.NewCatalog(s.manager),
		PolicyStore:   a.configStore(),
		Store:         store,
		Logger:        a.logger,
		Metrics:       a.metrics,
		Tracer:        a.tracer,
		OnText:        s.printText,
		OnToolCall:    s.printToolCall,
		OnToolResult:  s.printToolResult,
	})
	if err := s.registerBuiltins(); err != nil {
		s.Close()
		return nil, err
	}
	s.orch.SetPlanMode(opts.planMode)
	s.startupFiles = opts.files

	if dir, err := config.Dir(); err == nil {
		s.agents = subagents.NewStore(filepath.Join(dir, "agents"), a.logger)
	} else {
		a.logger.Warn("subagents disabled", "error", err)
	}

	if err := s.manager.ConnectAll(ctx); err != nil {
		a.logger.Warn("some mcp servers failed to connect", "error", err)
		fmt.Fprintf(out, "Warning: %v\n", err)
	}
	return s, nil
}

func (s *session) registerBuiltins() error {
	cfg := s.app.cfg
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	home, _ := os.UserHomeDir()
	fc := files.Config{
		Workspace:           wd,
		HomeDir:             home,
		RestrictToWorkspace: cfg.Tools.RestrictToWorkspace,
		MaxReadBytes:        cfg.Tools.MaxReadBytes,
	}
	for _, tool := range files.ReadOnlyTools(fc) {
		if err := s.orch.RegisterTool(tool); err != nil {
			return err
		}
	}
	for _, tool := range files.MutatingTools(fc) {
		if err := s.orch.RegisterGuarded(tool, permissions.DomainFile); err != nil {
			return err
		}
	}
	runner := exec.NewRunner(exec.RunnerConfig{Workspace: wd, Timeout: cfg.Tools.BashTimeout})
	return s.orch.RegisterGuarded(exec.NewBashTool(runner), permissions.DomainShell)
}

// watchConfig applies permission edits made to the config file while the
// session runs.
func (s *session) watchConfig(ctx context.Context) {
	w, err := config.Watch(ctx, s.app.configPath, func(cfg *config.Config) {
		s.guard.Apply(cfg.Permissions)
		s.app.logger.Info("reloaded permission policies from config")
	}, config.WithWatchLogger(s.app.logger))
	if err != nil {
		s.app.logger.Warn("config hot reload disabled", "error", err)
		return
	}
	s.watcher = w
}

// Close tears the session down. Pending policy writes finish first.
func (s *session) Close() {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	if s.orch != nil {
		_ = s.orch.Close()
	}
	if s.manager != nil {
		s.manager.DisconnectAll()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.app.logger.Warn("failed to close conversation store", "error", err)
		}
	}
}

// startConversation begins a fresh conversation and attaches the startup
// context files.
func (s *session) startConversation(ctx context.Context) {
	for _, path := range s.orch.NewConversation(ctx) {
		s.printf("Loaded context from %s\n", path)
	}
	s.addStartupFiles(ctx)
}

func (s *session) addStartupFiles(ctx context.Context) {
	for _, file := range s.startupFiles {
		path, err := s.orch.AddContextFile(ctx, file)
		if err != nil {
			s.printf("Warning: %v\n", err)
			continue
		}
		s.printf("Added context file: %s\n", path)
	}
}

// oneShot sends message, prints the answer and returns.
func (s *session) oneShot(ctx context.Context, message string) error {
	s.orch.NewConversation(ctx)
	s.addStartupFiles(ctx)
	answer, err := s.submit(ctx, message)
	if err != nil {
		return err
	}
	s.finishAnswer(answer)
	return nil
}

func (s *session) submit(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	s.streamed = false
	s.mu.Unlock()
	return s.orch.Submit(ctx, text)
}

// finishAnswer prints whatever part of answer was not already streamed.
func (s *session) finishAnswer(answer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streamed {
		fmt.Fprintln(s.out, answer)
		return
	}
	if strings.HasSuffix(answer, agent.TruncationNote) {
		fmt.Fprint(s.out, agent.TruncationNote)
	}
	fmt.Fprintln(s.out)
}

func (s *session) printText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamed = true
	fmt.Fprint(s.out, text)
}

func (s *session) printToolCall(call models.ToolCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamed {
		fmt.Fprintln(s.out)
		s.streamed = false
	}
	fmt.Fprintf(s.out, "[%s] %s\n", call.Name, preview(compactJSON(call.Input)))
}

func (s *session) printToolResult(call models.ToolCall, result models.ToolResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := "ok"
	if result.IsError {
		status = "error"
	}
	fmt.Fprintf(s.out, "[%s %s] %s\n", call.Name, status, preview(result.Content))
}

func compactJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// preview returns the first line of text, cut at previewLength runes.
func preview(text string) string {
	text = strings.TrimSpace(text)
	more := false
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
		more = true
	}
	if r := []rune(text); len(r) > previewLength {
		text = string(r[:previewLength])
		more = true
	}
	if more {
		text += " ..."
	}
	return text
}

// lockedWriter shares the session's terminal lock with the prompter.
type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
