package permissions

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrPromptTimeout is returned when the user does not answer in time.
var ErrPromptTimeout = errors.New("permission prompt timed out")

// Choice is a user answer to an escalation.
type Choice int

const (
	ChoiceDeny Choice = iota
	ChoiceAllowOnce
	ChoiceAllowAlways
	ChoiceAllowWildcard
	ChoiceAllowSession
)

func (c Choice) String() string {
	switch c {
	case ChoiceAllowOnce:
		return "allow_once"
	case ChoiceAllowAlways:
		return "allow_always"
	case ChoiceAllowWildcard:
		return "allow_wildcard"
	case ChoiceAllowSession:
		return "allow_session"
	default:
		return "deny"
	}
}

// Option is one selectable answer.
type Option struct {
	Label  string
	Choice Choice
}

// Prompt describes an escalation presented to the user.
type Prompt struct {
	Domain    Domain
	Operation string
	Subject   string
	Options   []Option
}

// Prompter asks the user to pick one of prompt.Options and returns its index.
// Implementations must return when ctx is done.
type Prompter interface {
	Choose(ctx context.Context, prompt Prompt) (int, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, prompt Prompt) (int, error)

// Choose calls f.
func (f PrompterFunc) Choose(ctx context.Context, prompt Prompt) (int, error) {
	return f(ctx, prompt)
}

// Bypass is the global unsafe switch. When enabled every decision is Allowed.
type Bypass struct {
	on atomic.Bool
}

// Set toggles bypass mode.
func (b *Bypass) Set(enabled bool) {
	b.on.Store(enabled)
}

// Enabled reports whether bypass mode is active.
func (b *Bypass) Enabled() bool {
	return b != nil && b.on.Load()
}

// LineReader fans lines from a single reader out to whoever asks next. The
// REPL and the terminal prompter share one so that neither steals input from
// the other.
type LineReader struct {
	in    io.Reader
	once  sync.Once
	lines chan string
	err   error
}

// NewLineReader wraps in. No goroutine starts until the first ReadLine.
func NewLineReader(in io.Reader) *LineReader {
	return &LineReader{in: in, lines: make(chan string)}
}

func (r *LineReader) start() {
	go func() {
		scanner := bufio.NewScanner(r.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			r.lines <- scanner.Text()
		}
		r.err = scanner.Err()
		close(r.lines)
	}()
}

// ReadLine blocks until a line arrives, the input ends or ctx is done.
func (r *LineReader) ReadLine(ctx context.Context) (string, error) {
	r.once.Do(r.start)
	select {
	case line, ok := <-r.lines:
		if !ok {
			if r.err != nil {
				return "", r.err
			}
			return "", io.EOF
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// TerminalPrompter renders escalations as a numbered menu.
type TerminalPrompter struct {
	lines *LineReader
	out   io.Writer
	mu    sync.Mutex
}

// NewTerminalPrompter creates a prompter reading answers from lines.
func NewTerminalPrompter(lines *LineReader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{lines: lines, out: out}
}

// Choose prints the menu and parses a 1-based selection.
func (p *TerminalPrompter) Choose(ctx context.Context, prompt Prompt) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.out)
	if prompt.Domain == DomainShell {
		fmt.Fprintln(p.out, "Security check: the following command is not in the allowlist:")
		fmt.Fprintf(p.out, "  %s\n", prompt.Subject)
	} else {
		fmt.Fprintln(p.out, "File operation security check:")
		fmt.Fprintf(p.out, "  Operation: %s\n", prompt.Operation)
		fmt.Fprintf(p.out, "  Path: %s\n", prompt.Subject)
	}
	fmt.Fprintln(p.out)
	for i, option := range prompt.Options {
		fmt.Fprintf(p.out, "  %d. %s\n", i+1, option.Label)
	}
	fmt.Fprintf(p.out, "Choose an option [1-%d]: ", len(prompt.Options))

	line, err := p.lines.ReadLine(ctx)
	if err != nil {
		fmt.Fprintln(p.out)
		if errors.Is(err, context.DeadlineExceeded) {
			return -1, ErrPromptTimeout
		}
		return -1, err
	}
	selection, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return -1, fmt.Errorf("invalid selection %q", strings.TrimSpace(line))
	}
	return selection - 1, nil
}

// DenyPrompter refuses every escalation. It is used when no terminal is attached.
type DenyPrompter struct{}

// Choose always fails.
func (DenyPrompter) Choose(context.Context, Prompt) (int, error) {
	return -1, errors.New("no interactive terminal attached")
}
