package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const (
	maxLineSize     = 16 * 1024 * 1024
	stopGracePeriod = 2 * time.Second
)

// StdioTransport speaks newline-delimited JSON over a child process's
// standard streams.
type StdioTransport struct {
	config ServerConfig
	logger *slog.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *os.File
	stderr  *os.File
	scanner *bufio.Scanner

	writeMu   sync.Mutex
	exited    chan struct{}
	waitErr   error
	closeOnce sync.Once
	stderrWG  sync.WaitGroup
}

// NewStdioTransport creates a stdio transport for cfg.
func NewStdioTransport(cfg ServerConfig, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
		exited: make(chan struct{}),
	}
}

// Start spawns the server process. The process is not bound to ctx; it lives
// until Close.
func (t *StdioTransport) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.config.Command == "" {
		return fmt.Errorf("command is required for stdio transport")
	}

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = os.Environ()
	for k, v := range t.config.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if t.config.WorkDir != "" {
		cmd.Dir = t.config.WorkDir
	}

	// Plain os.Pipe files keep exec from closing the read ends inside Wait,
	// so liveness can be observed while the read loop is still draining.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return fmt.Errorf("stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return fmt.Errorf("start %s: %w", t.config.Command, err)
	}
	_ = stdoutW.Close()
	_ = stderrW.Close()

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdoutR
	t.stderr = stderrR
	t.scanner = bufio.NewScanner(stdoutR)
	t.scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	go func() {
		t.waitErr = cmd.Wait()
		close(t.exited)
	}()

	t.stderrWG.Add(1)
	go t.logStderr()

	t.logger.Debug("mcp server process started", "pid", cmd.Process.Pid, "command", t.config.Command)
	return nil
}

// Send writes msg followed by a newline.
func (t *StdioTransport) Send(_ context.Context, msg []byte) error {
	if !t.Alive() {
		return ErrProcessExited
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(bytes.TrimRight(msg, "\n"), '\n')); err != nil {
		return fmt.Errorf("write to mcp server: %w", err)
	}
	return nil
}

// Receive returns the next non-empty line from stdout.
func (t *StdioTransport) Receive() ([]byte, error) {
	if t.scanner == nil {
		return nil, ErrNotConnected
	}
	for t.scanner.Scan() {
		line := bytes.TrimSpace(t.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Alive reports whether the child process is still running.
func (t *StdioTransport) Alive() bool {
	if t.cmd == nil {
		return false
	}
	select {
	case <-t.exited:
		return false
	default:
		return true
	}
}

// ExitErr returns the process exit error once it has exited.
func (t *StdioTransport) ExitErr() error {
	select {
	case <-t.exited:
		return t.waitErr
	default:
		return nil
	}
}

// Close closes stdin, waits briefly for the process to exit on its own and
// kills it otherwise.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		if t.cmd == nil {
			return
		}
		_ = t.stdin.Close()
		select {
		case <-t.exited:
		case <-time.After(stopGracePeriod):
			if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				t.logger.Warn("failed to kill mcp server", "error", err)
			}
			<-t.exited
		}
		_ = t.stdout.Close()
		_ = t.stderr.Close()
		t.stderrWG.Wait()
	})
	return nil
}

func (t *StdioTransport) logStderr() {
	defer t.stderrWG.Done()
	scanner := bufio.NewScanner(t.stderr)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		t.logger.Debug("mcp server stderr", "line", scanner.Text())
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
