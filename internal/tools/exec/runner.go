package exec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/haasonsaas/forge/internal/tools/files"
)

const (
	// DefaultMaxOutput caps each of stdout and stderr.
	DefaultMaxOutput = 1 << 20

	waitDelay = 2 * time.Second
)

// Runner executes shell commands in the workspace.
type Runner struct {
	resolver  files.Resolver
	shell     string
	timeout   time.Duration
	maxOutput int
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Workspace string
	// Shell defaults to "bash".
	Shell string
	// Timeout bounds each command. Zero means no limit.
	Timeout   time.Duration
	MaxOutput int
}

func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Shell == "" {
		cfg.Shell = "bash"
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	return &Runner{
		resolver:  files.Resolver{Root: cfg.Workspace},
		shell:     cfg.Shell,
		timeout:   cfg.Timeout,
		maxOutput: cfg.MaxOutput,
	}
}

// Result summarizes one finished command.
type Result struct {
	Command  string
	Dir      string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Run executes command with "<shell> -c". A command that exits non-zero is
// a Result, not an error; err is set only when the command could not run.
func (r *Runner) Run(ctx context.Context, command string) (Result, error) {
	if command == "" {
		return Result{}, fmt.Errorf("command is required")
	}
	dir, err := r.resolver.Resolve(".")
	if err != nil {
		return Result{}, err
	}

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, r.shell, "-c", command)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay
	stdout := newLimitedBuffer(r.maxOutput)
	stderr := newLimitedBuffer(r.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err = cmd.Run()
	result := Result{
		Command:  command,
		Dir:      dir,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(err),
		Duration: time.Since(start),
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !result.TimedOut {
		return result, err
	}
	return result, nil
}

type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

// Write keeps the first max bytes and silently drops the rest so the
// command never blocks on a full pipe.
func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && len(b.buf) >= b.max {
		return len(p), nil
	}
	remaining := b.max - len(b.buf)
	if b.max > 0 && len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
