package permissions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// EscalationTimeout bounds how long an escalation waits for the user.
const EscalationTimeout = 30 * time.Second

// Engine evaluates subjects for one permission domain. Shell engines receive
// full command lines; file engines receive absolute paths.
type Engine struct {
	domain Domain
	bypass *Bypass
	logger *slog.Logger

	mu           sync.RWMutex
	enabled      bool
	ask          bool
	allowed      map[string]struct{}
	denied       map[string]struct{}
	sessionAllow bool

	prompter Prompter
	timeout  time.Duration
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithPrompter sets the prompter used for escalations.
func WithPrompter(p Prompter) EngineOption {
	return func(e *Engine) { e.prompter = p }
}

// WithEscalationTimeout overrides EscalationTimeout.
func WithEscalationTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithBypass shares a bypass switch with the engine.
func WithBypass(b *Bypass) EngineOption {
	return func(e *Engine) { e.bypass = b }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an engine for domain seeded with policy.
func NewEngine(domain Domain, policy Policy, opts ...EngineOption) *Engine {
	e := &Engine{
		domain:  domain,
		logger:  slog.Default().With("component", "permissions", "domain", string(domain)),
		timeout: EscalationTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bypass == nil {
		e.bypass = &Bypass{}
	}
	e.Apply(policy)
	return e
}

// Domain returns the domain governed by the engine.
func (e *Engine) Domain() Domain {
	return e.domain
}

// Decide evaluates subject against the current policy. It is a pure function
// of the subject and the engine state: bypass first, then the enabled flag,
// then deny patterns, the session allowance, allow patterns, and finally the
// ask flag.
func (e *Engine) Decide(subject string) Decision {
	if e.bypass.Enabled() {
		return Allowed
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.enabled {
		return Allowed
	}

	base := subject
	if e.domain == DomainShell {
		base = baseCommand(subject)
	}
	for pattern := range e.denied {
		if matchPattern(subject, pattern) || matchPattern(base, pattern) {
			return Denied
		}
	}
	if e.sessionAllow {
		return Allowed
	}
	for pattern := range e.allowed {
		if matchPattern(subject, pattern) || matchPattern(base, pattern) {
			return Allowed
		}
	}
	if e.ask {
		return RequiresPermission
	}
	return Denied
}

// Outcome is the final verdict for one operation after any escalation.
type Outcome struct {
	Decision Decision
	Allowed  bool
	// Choice is set when the user was asked.
	Choice Choice
	// Remembered reports that the allow list was mutated and should be persisted.
	Remembered bool
	// Pattern is the pattern added to the allow list, if any.
	Pattern string
	Reason  string
}

// Authorize decides and, when required, escalates.
func (e *Engine) Authorize(ctx context.Context, operation, subject string) Outcome {
	decision := e.Decide(subject)
	switch decision {
	case Allowed:
		return Outcome{Decision: decision, Allowed: true}
	case Denied:
		e.logger.Warn("operation denied by policy", "operation", operation, "subject", subject)
		return Outcome{
			Decision: decision,
			Reason:   fmt.Sprintf("%s %q is denied by the %s policy", operation, subject, e.domain),
		}
	default:
		outcome := e.Escalate(ctx, operation, subject)
		outcome.Decision = decision
		return outcome
	}
}

// Escalate asks the user how to handle subject. The wait is bounded by the
// escalation timeout; a timeout, a prompter error or an out-of-range
// selection all deny.
func (e *Engine) Escalate(ctx context.Context, operation, subject string) Outcome {
	if e.bypass.Enabled() {
		return Outcome{Decision: Allowed, Allowed: true}
	}
	if e.prompter == nil {
		return Outcome{Choice: ChoiceDeny, Reason: "no interactive prompt available to approve " + operation}
	}

	prompt := e.buildPrompt(operation, subject)
	index, err := e.choose(ctx, prompt)
	if err != nil {
		e.logger.Warn("permission prompt failed, denying", "operation", operation, "subject", subject, "error", err)
		return Outcome{Choice: ChoiceDeny, Reason: fmt.Sprintf("permission prompt failed: %v", err)}
	}
	if index < 0 || index >= len(prompt.Options) {
		e.logger.Warn("invalid permission selection, denying", "operation", operation, "selection", index+1)
		return Outcome{Choice: ChoiceDeny, Reason: "invalid selection"}
	}

	choice := prompt.Options[index].Choice
	outcome := Outcome{Choice: choice}
	switch choice {
	case ChoiceAllowOnce:
		outcome.Allowed = true
	case ChoiceAllowAlways:
		outcome.Allowed = true
		outcome.Pattern = subject
		outcome.Remembered = e.AddAllowed(subject)
	case ChoiceAllowWildcard:
		outcome.Allowed = true
		outcome.Pattern = WildcardPattern(subject)
		outcome.Remembered = e.AddAllowed(outcome.Pattern)
	case ChoiceAllowSession:
		outcome.Allowed = true
		e.SetSessionAllow(true)
	default:
		outcome.Reason = fmt.Sprintf("%s %q was denied by the user", operation, subject)
	}
	e.logger.Info("permission escalation resolved", "operation", operation, "subject", subject, "choice", choice.String())
	return outcome
}

func (e *Engine) choose(ctx context.Context, prompt Prompt) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type answer struct {
		index int
		err   error
	}
	done := make(chan answer, 1)
	go func() {
		index, err := e.prompter.Choose(ctx, prompt)
		done <- answer{index: index, err: err}
	}()

	select {
	case a := <-done:
		return a.index, a.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return -1, ErrPromptTimeout
		}
		return -1, ctx.Err()
	}
}

func (e *Engine) buildPrompt(operation, subject string) Prompt {
	prompt := Prompt{Domain: e.domain, Operation: operation, Subject: subject}
	switch e.domain {
	case DomainShell:
		prompt.Options = append(prompt.Options,
			Option{Label: "Allow this time only", Choice: ChoiceAllowOnce},
			Option{Label: "Allow and add to allowlist", Choice: ChoiceAllowAlways},
		)
		if hasArguments(subject) {
			prompt.Options = append(prompt.Options, Option{
				Label:  fmt.Sprintf("Allow and add to allowlist with wildcard: '%s'", WildcardPattern(subject)),
				Choice: ChoiceAllowWildcard,
			})
		}
	default:
		prompt.Options = append(prompt.Options,
			Option{Label: "Allow this operation only", Choice: ChoiceAllowOnce},
			Option{Label: "Allow all file operations this session", Choice: ChoiceAllowSession},
		)
	}
	prompt.Options = append(prompt.Options, Option{Label: "Deny", Choice: ChoiceDeny})
	return prompt
}

// AddAllowed inserts pattern into the allow list. It reports whether the list changed.
func (e *Engine) AddAllowed(pattern string) bool {
	return e.insert(&e.allowed, pattern)
}

// AddDenied inserts pattern into the deny list. It reports whether the list changed.
func (e *Engine) AddDenied(pattern string) bool {
	return e.insert(&e.denied, pattern)
}

// RemoveAllowed deletes pattern from the allow list.
func (e *Engine) RemoveAllowed(pattern string) bool {
	return e.remove(e.allowed, pattern)
}

// RemoveDenied deletes pattern from the deny list.
func (e *Engine) RemoveDenied(pattern string) bool {
	return e.remove(e.denied, pattern)
}

func (e *Engine) insert(set *map[string]struct{}, pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := (*set)[pattern]; ok {
		return false
	}
	(*set)[pattern] = struct{}{}
	return true
}

func (e *Engine) remove(set map[string]struct{}, pattern string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := set[pattern]; !ok {
		return false
	}
	delete(set, pattern)
	return true
}

// SetEnabled toggles policy enforcement.
func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	e.enabled = enabled
	e.mu.Unlock()
}

// SetAskForPermission toggles escalation for unmatched subjects.
func (e *Engine) SetAskForPermission(ask bool) {
	e.mu.Lock()
	e.ask = ask
	e.mu.Unlock()
}

// SetSessionAllow toggles the session-wide allowance. It is never persisted.
func (e *Engine) SetSessionAllow(allow bool) {
	e.mu.Lock()
	e.sessionAllow = allow
	e.mu.Unlock()
}

// SessionAllowed reports whether the session-wide allowance is active.
func (e *Engine) SessionAllowed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessionAllow
}

// Policy returns a copy of the persisted state with sorted pattern lists.
func (e *Engine) Policy() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Policy{
		Enabled:          e.enabled,
		AskForPermission: e.ask,
		Allowed:          sortedKeys(e.allowed),
		Denied:           sortedKeys(e.denied),
	}
}

// Apply replaces the persisted state. The session allowance is kept.
func (e *Engine) Apply(policy Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = policy.Enabled
	e.ask = policy.AskForPermission
	e.allowed = toSet(policy.Allowed)
	e.denied = toSet(policy.Denied)
}

// WildcardPattern replaces the arguments of command with "*".
func WildcardPattern(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return command
	}
	return fields[0] + " *"
}

func baseCommand(subject string) string {
	fields := strings.Fields(subject)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func hasArguments(command string) bool {
	return len(strings.Fields(command)) > 1
}
