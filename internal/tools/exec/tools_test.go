package exec

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/forge/internal/agent"
)

func bash(t *testing.T, tool *BashTool, command string) *agent.ToolResult {
	t.Helper()
	params, _ := json.Marshal(map[string]any{"command": command})
	result, err := tool.Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	return result
}

func TestBashRunsInWorkspace(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "marker.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := NewBashTool(NewRunner(RunnerConfig{Workspace: root}))

	result := bash(t, tool, "echo hello && ls")
	if result.IsError {
		t.Fatalf("expected success: %s", result.Content)
	}
	if result.Content != "Exit code: 0\nOutput:\nhello\nmarker.txt\n" {
		t.Fatalf("content = %q", result.Content)
	}
}

func TestBashReportsStderrAndExitCode(t *testing.T) {
	tool := NewBashTool(NewRunner(RunnerConfig{Workspace: t.TempDir()}))

	result := bash(t, tool, "echo out; echo err >&2; exit 3")
	if !result.IsError {
		t.Fatal("non-zero exit should be an error result")
	}
	want := "Exit code: 3\nStdout:\nout\n\nStderr:\nerr\n"
	if result.Content != want {
		t.Fatalf("content = %q, want %q", result.Content, want)
	}
}

func TestBashMissingCommand(t *testing.T) {
	tool := NewBashTool(NewRunner(RunnerConfig{}))
	result, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError || !strings.Contains(result.Content, "command") {
		t.Fatalf("result = %+v", result)
	}
	if _, err := tool.PermissionSubject(json.RawMessage(`{"command":"  "}`)); err == nil {
		t.Fatal("blank command accepted as permission subject")
	}
	subject, err := tool.PermissionSubject(json.RawMessage(`{"command":"git status"}`))
	if err != nil || subject != "git status" {
		t.Fatalf("PermissionSubject = %q, %v", subject, err)
	}
}

func TestRunnerTimeout(t *testing.T) {
	runner := NewRunner(RunnerConfig{Workspace: t.TempDir(), Timeout: 100 * time.Millisecond})
	res, err := runner.Run(context.Background(), "sleep 5")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TimedOut || res.ExitCode == 0 {
		t.Fatalf("result = %+v, want timed out", res)
	}
	if !strings.HasSuffix(Format(res), "(command timed out)") {
		t.Fatalf("Format = %q", Format(res))
	}
}

func TestRunnerMissingShell(t *testing.T) {
	runner := NewRunner(RunnerConfig{Shell: filepath.Join(t.TempDir(), "no-such-shell")})
	if _, err := runner.Run(context.Background(), "true"); err == nil {
		t.Fatal("expected start error")
	}
}

func TestLimitedBuffer(t *testing.T) {
	buf := newLimitedBuffer(4)
	n, err := buf.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	_, _ = buf.Write([]byte("gh"))
	if buf.String() != "abcd" {
		t.Fatalf("buffer = %q", buf.String())
	}
}
