package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/forge/internal/observability"
	"github.com/haasonsaas/forge/internal/permissions"
	"github.com/haasonsaas/forge/pkg/models"
)

const (
	// DefaultMaxIterations is the hard ceiling on model calls per Submit.
	DefaultMaxIterations = 500

	// DefaultMaxTokens is used when Options.MaxTokens is not set.
	DefaultMaxTokens = 4096

	// TruncationNote is appended to the answer when the ceiling is hit.
	TruncationNote = "\n\n(Note: Maximum tool iterations reached)"

	// EmptyResponse stands in for a final reply without text.
	EmptyResponse = "(No response received from assistant)"

	persistTimeout = 10 * time.Second
)

// reservedTools must only ever run behind the permission guard.
var reservedTools = map[string]permissions.Domain{
	"bash":             permissions.DomainShell,
	"write_file":       permissions.DomainFile,
	"edit_file":        permissions.DomainFile,
	"delete_file":      permissions.DomainFile,
	"create_directory": permissions.DomainFile,
}

// ReservedDomain reports the permission domain a reserved tool name belongs
// to.
func ReservedDomain(name string) (permissions.Domain, bool) {
	d, ok := reservedTools[name]
	return d, ok
}

// PolicyStore persists permission policies.
type PolicyStore interface {
	SavePolicies(ctx context.Context, snapshot permissions.Snapshot) error
}

// ConversationStore records the transcript and usage of each conversation.
type ConversationStore interface {
	StartConversation(ctx context.Context, id, model string) error
	SaveMessage(ctx context.Context, conversationID string, msg models.Message) error
	RecordUsage(ctx context.Context, conversationID string, delta Usage) error
}

// Options configures an Orchestrator.
type Options struct {
	Model       string
	System      string
	MaxTokens   int
	Temperature *float64

	// MaxIterations bounds model calls per Submit. Defaults to 500.
	MaxIterations int

	Guard       *permissions.Guard
	External    ExternalCatalog
	PolicyStore PolicyStore
	Store       ConversationStore

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	// OnText receives streamed reply text as it arrives.
	OnText func(text string)
	// OnToolCall runs before a tool is dispatched.
	OnToolCall func(call models.ToolCall)
	// OnToolResult runs after a tool has produced its result.
	OnToolResult func(call models.ToolCall, result models.ToolResult)

	// HomeDir and WorkDir anchor ~ and relative paths. They default to the
	// user's home and the process working directory.
	HomeDir string
	WorkDir string
}

// Orchestrator owns one conversation with the model and the tool table the
// model may call into.
type Orchestrator struct {
	provider LLMProvider
	opts     Options
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	registry *ToolRegistry

	// turnMu serializes Submit, NewConversation and profile switches.
	turnMu sync.Mutex

	mu             sync.RWMutex
	transcript     []models.Message
	usage          Usage
	conversationID string
	started        bool
	contextFiles   []string
	model          string
	system         string
	planMode       bool
	profile        *Profile
	saved          *savedConversation

	extMu           sync.Mutex
	externalVersion uint64
	externalLoaded  bool

	persistMu sync.Mutex
	persistWG sync.WaitGroup
}

// NewOrchestrator creates an orchestrator with an empty transcript and no
// tools.
func NewOrchestrator(provider LLMProvider, opts Options) *Orchestrator {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.HomeDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			opts.HomeDir = home
		}
	}
	if opts.WorkDir == "" {
		if wd, err := os.Getwd(); err == nil {
			opts.WorkDir = wd
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		provider:       provider,
		opts:           opts,
		logger:         logger.With("component", "agent"),
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		registry:       NewToolRegistry(),
		conversationID: uuid.NewString(),
		model:          opts.Model,
		system:         opts.System,
	}
}

// RegisterTool adds a built-in tool. Reserved tool names are refused here;
// they must go through RegisterGuarded.
func (o *Orchestrator) RegisterTool(tool Tool) error {
	if tool != nil {
		if _, reserved := reservedTools[tool.Name()]; reserved {
			if _, guarded := tool.(*GuardedTool); !guarded {
				return fmt.Errorf("%w: %q must be registered with a permission guard", ErrInvalidTool, tool.Name())
			}
		}
	}
	return o.registry.Register(tool)
}

// RegisterGuarded wraps tool in the permission guard for domain and
// registers it.
func (o *Orchestrator) RegisterGuarded(tool Tool, domain permissions.Domain) error {
	if o.opts.Guard == nil {
		return fmt.Errorf("%w: no permission guard configured for %q", ErrInvalidTool, tool.Name())
	}
	return o.registry.Register(NewGuardedTool(tool, o.opts.Guard, domain, o.metrics, o.PersistPolicies))
}

// Tools returns the current tool table, refreshing the external subset
// first if it changed.
func (o *Orchestrator) Tools() []Tool {
	o.refreshExternal()
	return o.registry.Tools()
}

// Registry exposes the merged tool table.
func (o *Orchestrator) Registry() *ToolRegistry { return o.registry }

// Guard returns the permission guard, if any.
func (o *Orchestrator) Guard() *permissions.Guard { return o.opts.Guard }

// Model is the model name sent with every request.
func (o *Orchestrator) Model() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.model
}

// SetModel switches the model used from the next request on.
func (o *Orchestrator) SetModel(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("model name is empty")
	}
	o.mu.Lock()
	prev := o.model
	o.model = name
	o.mu.Unlock()
	o.logger.Info("switched model", "from", prev, "to", name)
	return nil
}

// SystemPrompt is the base system prompt, without the plan mode addendum.
func (o *Orchestrator) SystemPrompt() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.system
}

// SetSystemPrompt replaces the base system prompt.
func (o *Orchestrator) SetSystemPrompt(prompt string) {
	o.mu.Lock()
	o.system = prompt
	o.mu.Unlock()
}

// Submit sends text as a user turn and runs the loop until the model stops
// requesting tools, the context is cancelled or the iteration ceiling is
// reached. Cancellation returns ErrCancelled together with whatever answer
// text was produced so far.
//
// @path references in text are attached as context files first. When
// nothing but references remains, no model call is made.
func (o *Orchestrator) Submit(ctx context.Context, text string) (string, error) {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	if o.provider == nil {
		return "", ErrNoProvider
	}

	refs := ExtractContextRefs(text)
	var added, failed []string
	for _, ref := range refs {
		path, err := o.addContextFile(ctx, ref)
		if err != nil {
			o.logger.Warn("failed to add context file", "path", ref, "error", err)
			failed = append(failed, err.Error())
			continue
		}
		added = append(added, path)
	}

	message := strings.TrimSpace(text)
	if len(refs) > 0 {
		message = StripContextRefs(text)
	}
	if message == "" {
		if len(refs) == 0 {
			return "", errors.New("message is empty")
		}
		return contextSummary(added, failed), nil
	}

	o.append(ctx, models.NewMessage(models.RoleUser, models.TextBlock(message)))
	return o.run(ctx)
}

func contextSummary(added, failed []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Added %d context file(s) to the conversation.", len(added))
	for _, path := range added {
		b.WriteString("\n  " + path)
	}
	for _, msg := range failed {
		b.WriteString("\n  " + msg)
	}
	return b.String()
}

// AddContextFile appends the content of path to the transcript as a user
// entry and returns the absolute path that was read.
func (o *Orchestrator) AddContextFile(ctx context.Context, path string) (string, error) {
	return o.addContextFile(ctx, path)
}

func (o *Orchestrator) addContextFile(ctx context.Context, path string) (string, error) {
	abs := resolvePath(path, o.opts.HomeDir, o.opts.WorkDir)
	content, err := readContextFile(abs)
	if err != nil {
		return "", err
	}
	o.append(ctx, models.NewMessage(models.RoleUser, models.TextBlock(contextMessage(abs, content))))
	o.mu.Lock()
	o.contextFiles = append(o.contextFiles, abs)
	o.mu.Unlock()
	o.logger.Debug("added context file", "path", abs)
	return abs, nil
}

// NewConversation clears the transcript, starts a new conversation id and
// reseeds the transcript with AGENTS.md from ~/.forge and then from the
// working directory, when present. It returns the files that were seeded.
func (o *Orchestrator) NewConversation(ctx context.Context) []string {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()
	return o.resetConversation(ctx)
}

// resetConversation runs with turnMu held.
func (o *Orchestrator) resetConversation(ctx context.Context) []string {
	o.mu.Lock()
	o.transcript = nil
	o.conversationID = uuid.NewString()
	o.started = false
	o.contextFiles = nil
	model := o.model
	o.mu.Unlock()

	var seeded []string
	candidates := []string{
		filepath.Join(o.opts.HomeDir, ".forge", "AGENTS.md"),
		filepath.Join(o.opts.WorkDir, "AGENTS.md"),
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		path, err := o.addContextFile(ctx, candidate)
		if err != nil {
			o.logger.Warn("failed to read AGENTS.md", "path", candidate, "error", err)
			continue
		}
		seeded = append(seeded, path)
	}
	o.logger.Info("started new conversation", "conversation_id", o.ConversationID(), "model", model, "context_files", len(seeded))
	return seeded
}

// ConversationID identifies the current conversation.
func (o *Orchestrator) ConversationID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.conversationID
}

// Transcript returns a copy of the conversation so far.
func (o *Orchestrator) Transcript() []models.Message {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]models.Message, len(o.transcript))
	copy(out, o.transcript)
	return out
}

// Len is the number of transcript entries.
func (o *Orchestrator) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.transcript)
}

// Usage returns the accumulated model usage.
func (o *Orchestrator) Usage() Usage {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.usage
}

// ResetUsage zeroes the usage counters.
func (o *Orchestrator) ResetUsage() {
	o.mu.Lock()
	o.usage = Usage{}
	o.mu.Unlock()
}

// InvalidateExternal forces the next turn to rebuild the external subset
// even if the catalog version did not change.
func (o *Orchestrator) InvalidateExternal() {
	o.extMu.Lock()
	o.externalLoaded = false
	o.extMu.Unlock()
}

// refreshExternal rebuilds the external subset when the catalog version
// moved. An unchanged version skips the rebuild entirely.
func (o *Orchestrator) refreshExternal() {
	if o.opts.External == nil {
		return
	}
	o.extMu.Lock()
	defer o.extMu.Unlock()

	version := o.opts.External.Version()
	if o.externalLoaded && version == o.externalVersion {
		return
	}
	tools := o.opts.External.Tools()
	o.registry.ReplaceExternal(tools)
	o.externalVersion = version
	o.externalLoaded = true
	o.logger.Debug("refreshed external tools", "version", version, "tools", len(tools))
}

// PersistPolicies saves the guard's policies in the background. Failures
// are logged and never rolled back; the in-memory policy stays
// authoritative.
func (o *Orchestrator) PersistPolicies() {
	if o.opts.PolicyStore == nil || o.opts.Guard == nil {
		return
	}
	o.persistWG.Add(1)
	go func() {
		defer o.persistWG.Done()
		o.persistMu.Lock()
		defer o.persistMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := o.opts.PolicyStore.SavePolicies(ctx, o.opts.Guard.Snapshot()); err != nil {
			o.logger.Warn("failed to persist permission policies", "error", err)
			o.metrics.RecordError("agent", "policy_persist")
			return
		}
		o.logger.Debug("persisted permission policies")
	}()
}

// Close waits for background persistence to finish.
func (o *Orchestrator) Close() error {
	o.persistWG.Wait()
	return nil
}

func (o *Orchestrator) append(ctx context.Context, msg models.Message) {
	o.mu.Lock()
	o.transcript = append(o.transcript, msg)
	id := o.conversationID
	start := !o.started
	o.started = true
	model := o.model
	o.mu.Unlock()

	if o.opts.Store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if start {
		if err := o.opts.Store.StartConversation(ctx, id, model); err != nil {
			o.logger.Warn("failed to record conversation", "conversation_id", id, "error", err)
		}
	}
	if err := o.opts.Store.SaveMessage(ctx, id, msg); err != nil {
		o.logger.Warn("failed to record message", "conversation_id", id, "error", err)
	}
}

func (o *Orchestrator) addUsage(ctx context.Context, input, output int) {
	o.mu.Lock()
	o.usage.Add(input, output)
	id := o.conversationID
	o.mu.Unlock()

	if o.opts.Store == nil {
		return
	}
	delta := Usage{Requests: 1, InputTokens: input, OutputTokens: output}
	if err := o.opts.Store.RecordUsage(context.WithoutCancel(ctx), id, delta); err != nil {
		o.logger.Warn("failed to record usage", "conversation_id", id, "error", err)
	}
}
