package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/haasonsaas/forge/internal/agent"
	"github.com/haasonsaas/forge/internal/config"
	"github.com/haasonsaas/forge/internal/storage"
	"github.com/haasonsaas/forge/pkg/models"
)

// isolate points every environment-derived setting at a temp dir and
// returns a config path inside it.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	for _, key := range []string{"FORGE_CONFIG", "FORGE_MODEL", "ANTHROPIC_API_KEY", "ANTHROPIC_AUTH_TOKEN", "ANTHROPIC_BASE_URL"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	return filepath.Join(dir, "config.yaml")
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runCLI(t, args...)
	if err != nil {
		t.Fatalf("forge %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"chat", "mcp", "permissions", "config", "usage", "conversations"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestPermissionsCommandsPersist(t *testing.T) {
	path := isolate(t)

	mustRun(t, "--config", path, "permissions", "allow", "shell", "make *")
	mustRun(t, "--config", path, "permissions", "deny", "files", "/etc/*")
	mustRun(t, "--config", path, "permissions", "remove", "shell", "ls")
	mustRun(t, "--config", path, "permissions", "ask", "files", "off")
	mustRun(t, "--config", path, "permissions", "disable", "shell")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	shell, files := cfg.Permissions.Shell, cfg.Permissions.Files
	if !slices.Contains(shell.Allowed, "make *") || slices.Contains(shell.Allowed, "ls") {
		t.Errorf("shell allowed = %v", shell.Allowed)
	}
	if !slices.Contains(shell.Allowed, "git status") {
		t.Errorf("default allow list was lost: %v", shell.Allowed)
	}
	if shell.Enabled {
		t.Error("shell policy should be disabled")
	}
	if !slices.Contains(files.Denied, "/etc/*") || files.AskForPermission {
		t.Errorf("files policy = %+v", files)
	}

	out := mustRun(t, "--config", path, "permissions", "show")
	if !strings.Contains(out, "make *") || !strings.Contains(out, "/etc/*") {
		t.Errorf("show output:\n%s", out)
	}
}

func TestPermissionsCommandErrors(t *testing.T) {
	path := isolate(t)
	cases := [][]string{
		{"permissions", "allow", "network", "x"},
		{"permissions", "remove", "shell", "never-added"},
		{"permissions", "ask", "shell", "maybe"},
		{"permissions", "allow", "shell", " "},
	}
	for _, args := range cases {
		if _, err := runCLI(t, append([]string{"--config", path}, args...)...); err == nil {
			t.Errorf("forge %s: expected error", strings.Join(args, " "))
		}
	}
}

func TestMcpCommandsEditConfig(t *testing.T) {
	path := isolate(t)

	if _, err := runCLI(t, "--config", path, "mcp", "add", "lonely"); err == nil {
		t.Fatal("expected error for a server without command or url")
	}
	mustRun(t, "--config", path, "mcp", "add", "--env", "TOKEN=abc", "echo", "--", "/bin/echo", "hi")
	mustRun(t, "--config", path, "mcp", "add", "remote", "--url", "ws://localhost:9/mcp")
	if _, err := runCLI(t, "--config", path, "mcp", "add", "echo", "--", "/bin/true"); err == nil {
		t.Fatal("expected duplicate error")
	}
	mustRun(t, "--config", path, "mcp", "disable", "echo")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.MCP.Servers) != 2 {
		t.Fatalf("servers = %+v", cfg.MCP.Servers)
	}
	echo := cfg.MCP.Servers[0]
	if echo.Name != "echo" || echo.Command != "/bin/echo" || !slices.Equal(echo.Args, []string{"hi"}) {
		t.Errorf("echo = %+v", echo)
	}
	if echo.Enabled || echo.Env["TOKEN"] != "abc" {
		t.Errorf("echo = %+v", echo)
	}

	out := mustRun(t, "--config", path, "mcp", "list")
	if !strings.Contains(out, "echo (stdio) - disabled") || !strings.Contains(out, "remote (websocket) - enabled") {
		t.Errorf("list output:\n%s", out)
	}

	mustRun(t, "--config", path, "mcp", "remove", "echo")
	cfg, err = config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.MCP.Servers) != 1 || cfg.MCP.Servers[0].Name != "remote" {
		t.Fatalf("servers after remove = %+v", cfg.MCP.Servers)
	}
}

func TestConfigCommands(t *testing.T) {
	path := isolate(t)

	if out := mustRun(t, "--config", path, "config", "path"); strings.TrimSpace(out) != path {
		t.Errorf("config path = %q", out)
	}
	mustRun(t, "--config", path, "config", "init")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config init did not write the file: %v", err)
	}
	if _, err := runCLI(t, "--config", path, "config", "init"); err == nil {
		t.Error("expected error when the file exists")
	}

	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-REDACTED")
	out := mustRun(t, "--config", path, "config", "show")
	if strings.Contains(out, "sk-ant-secret") {
		t.Fatal("config show leaked the API key")
	}
	if !strings.Contains(out, "API key: set from environment") || !strings.Contains(out, "model: "+config.DefaultModel) {
		t.Errorf("config show output:\n%s", out)
	}

	if out := mustRun(t, "config", "schema"); !strings.Contains(out, "forge configuration") {
		t.Errorf("schema output:\n%s", out)
	}
}

func writeStorageConfig(t *testing.T, path string) string {
	t.Helper()
	db := filepath.Join(filepath.Dir(path), "data", "forge.db")
	contents := fmt.Sprintf("storage:\n  path: %s\nanthropic:\n  streaming: false\n", db)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestConversationsAndUsage(t *testing.T) {
	path := isolate(t)
	db := writeStorageConfig(t, path)

	out := mustRun(t, "--config", path, "conversations")
	if !strings.Contains(out, "No conversations stored.") {
		t.Errorf("empty list output:\n%s", out)
	}

	ctx := context.Background()
	store, err := storage.NewSQLiteStore(ctx, storage.SQLiteConfig{Path: db})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.StartConversation(ctx, "conv-1", "claude-test"); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveMessage(ctx, "conv-1", models.NewMessage(models.RoleUser, models.TextBlock("fix the build"))); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordUsage(ctx, "conv-1", agent.Usage{Requests: 2, InputTokens: 100, OutputTokens: 20}); err != nil {
		t.Fatal(err)
	}
	store.Close()

	out = mustRun(t, "--config", path, "conversations")
	if !strings.Contains(out, "conv-1") || !strings.Contains(out, "fix the build") {
		t.Errorf("list output:\n%s", out)
	}
	out = mustRun(t, "--config", path, "conversations", "show", "conv-1")
	if !strings.Contains(out, "user:\nfix the build") {
		t.Errorf("show output:\n%s", out)
	}
	if _, err := runCLI(t, "--config", path, "conversations", "show", "nope"); err == nil {
		t.Error("expected not found error")
	}
	out = mustRun(t, "--config", path, "usage")
	if !strings.Contains(out, "Conversations: 1") || !strings.Contains(out, "Total tokens:  120") {
		t.Errorf("usage output:\n%s", out)
	}
}

func TestChatRequiresAPIKey(t *testing.T) {
	path := isolate(t)
	_, err := runCLI(t, "--config", path, "chat", "-m", "hello")
	if err == nil || !strings.Contains(err.Error(), "API key") {
		t.Fatalf("err = %v", err)
	}
}

func TestOneShotChatIsRecorded(t *testing.T) {
	path := isolate(t)
	writeStorageConfig(t, path)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"Hi there."}],
			"stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":11,"output_tokens":3}}`)
	}))
	defer srv.Close()
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("ANTHROPIC_BASE_URL", srv.URL)

	out := mustRun(t, "--config", path, "chat", "-m", "hello")
	if strings.TrimSpace(out) != "Hi there." {
		t.Fatalf("chat output = %q", out)
	}

	out = mustRun(t, "--config", path, "conversations")
	if !strings.Contains(out, "2 msgs") || !strings.Contains(out, "hello") {
		t.Errorf("list output:\n%s", out)
	}
	out = mustRun(t, "--config", path, "usage")
	if !strings.Contains(out, "Requests:      1") || !strings.Contains(out, "Total tokens:  14") {
		t.Errorf("usage output:\n%s", out)
	}
}

func TestChatFlagsAreRegistered(t *testing.T) {
	root := buildRootCmd()
	chat, _, err := root.Find([]string{"chat"})
	if err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		cmd   string
		flags []string
	}{
		{"forge", []string{"yolo", "plan-mode", "file", "system"}},
		{"chat", []string{"message", "yolo", "plan-mode", "file", "system"}},
	} {
		cmd := root
		if tc.cmd == "chat" {
			cmd = chat
		}
		for _, name := range tc.flags {
			if cmd.Flags().Lookup(name) == nil {
				t.Errorf("%s is missing --%s", tc.cmd, name)
			}
		}
	}
	if root.Flags().Lookup("message") != nil {
		t.Error("root command should not take --message")
	}
	for short, long := range map[string]string{"f": "file", "s": "system", "m": "message"} {
		if f := chat.Flags().ShorthandLookup(short); f == nil || f.Name != long {
			t.Errorf("-%s does not map to --%s", short, long)
		}
	}
}

func TestOneShotChatAppliesSessionFlags(t *testing.T) {
	path := isolate(t)
	writeStorageConfig(t, path)
	notes := filepath.Join(filepath.Dir(path), "notes.md")
	if err := os.WriteFile(notes, []byte("the build uses make"), 0o600); err != nil {
		t.Fatal(err)
	}

	bodies := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		select {
		case bodies <- string(body):
		default:
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"1. Run make."}],
			"stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":5,"output_tokens":2}}`)
	}))
	defer srv.Close()
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("ANTHROPIC_BASE_URL", srv.URL)

	out := mustRun(t, "--config", path, "chat", "-m", "plan the build",
		"-s", "Be terse.", "-f", notes, "--plan-mode")
	if !strings.Contains(out, "Added context file: "+notes) || !strings.Contains(out, "1. Run make.") {
		t.Fatalf("chat output = %q", out)
	}

	body := <-bodies
	for _, want := range []string{"Be terse.", "You are in plan mode.", "the build uses make", "plan the build"} {
		if !strings.Contains(body, want) {
			t.Errorf("request body is missing %q", want)
		}
	}
	if !strings.HasPrefix(agent.PlanModePrompt, "You are in plan mode.") {
		t.Fatalf("PlanModePrompt = %q", agent.PlanModePrompt)
	}
}
