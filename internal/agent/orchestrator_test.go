package agent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/haasonsaas/forge/internal/permissions"
)

func TestExternalRefreshSkippedWhenVersionUnchanged(t *testing.T) {
	catalog := &fakeCatalog{tools: []Tool{&fakeTool{name: "mcp_fs_read"}}}
	catalog.version.Store(1)
	provider := &scriptedProvider{replies: [][]*CompletionChunk{textReply("ok", 1, 1)}}
	o := newTestOrchestrator(t, provider, Options{External: catalog})

	for i := 0; i < 3; i++ {
		if _, err := o.Submit(context.Background(), "hi"); err != nil {
			t.Fatal(err)
		}
	}
	if got := o.Registry().Generation(); got != 1 {
		t.Fatalf("generation = %d after unchanged versions, want 1", got)
	}
	if catalog.listed != 1 {
		t.Fatalf("catalog listed %d times, want 1", catalog.listed)
	}

	catalog.mu.Lock()
	catalog.tools = append(catalog.tools, &fakeTool{name: "mcp_fs_write"})
	catalog.mu.Unlock()
	catalog.version.Add(1)

	if _, err := o.Submit(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	if got := o.Registry().Generation(); got != 2 {
		t.Fatalf("generation = %d after version change, want 2", got)
	}
	last := provider.request(provider.calls() - 1)
	if len(last.Tools) != 2 {
		t.Fatalf("model saw %d tools, want 2", len(last.Tools))
	}

	// A catalog edit that leaves the version unchanged is not picked up
	// until the orchestrator is told to rebuild.
	catalog.mu.Lock()
	catalog.tools = catalog.tools[:1]
	catalog.mu.Unlock()
	if n := len(o.Tools()); n != 2 {
		t.Fatalf("tools = %d, want stale 2", n)
	}
	o.InvalidateExternal()
	if n := len(o.Tools()); n != 1 {
		t.Fatalf("tools = %d after invalidate, want 1", n)
	}
}

func TestExternalRoutingKeepsUnderscoresInToolName(t *testing.T) {
	catalog := &fakeCatalog{}
	provider := &scriptedProvider{replies: [][]*CompletionChunk{
		toolReply(call("a", "mcp_fs_read_text_file", `{"path":"x"}`), call("b", "mcp_fs", `{}`)),
		textReply("ok", 1, 1),
	}}
	o := newTestOrchestrator(t, provider, Options{External: catalog})

	if _, err := o.Submit(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}
	if len(catalog.invoked) != 1 {
		t.Fatalf("invoked = %+v, want one call", catalog.invoked)
	}
	got := catalog.invoked[0]
	if got.server != "fs" || got.tool != "read_text_file" || got.input != `{"path":"x"}` {
		t.Fatalf("invocation = %+v", got)
	}
	results := o.Transcript()[2].ToolResults()
	if results[0].Content != "fs/read_text_file" {
		t.Errorf("result 0 = %+v", results[0])
	}
	if !results[1].IsError || results[1].Content != "Unknown tool: mcp_fs" {
		t.Errorf("result 1 = %+v", results[1])
	}
}

func TestSplitExternalName(t *testing.T) {
	tests := []struct {
		name   string
		server string
		tool   string
		ok     bool
	}{
		{"mcp_fs_read", "fs", "read", true},
		{"mcp_fs_read_text_file", "fs", "read_text_file", true},
		{"mcp_fs_", "", "", false},
		{"mcp__read", "", "", false},
		{"mcp_fs", "", "", false},
		{"bash", "", "", false},
	}
	for _, tt := range tests {
		server, tool, ok := SplitExternalName(tt.name)
		if server != tt.server || tool != tt.tool || ok != tt.ok {
			t.Errorf("SplitExternalName(%q) = %q, %q, %v", tt.name, server, tool, ok)
		}
		if ok && ExternalToolName(server, tool) != tt.name {
			t.Errorf("round trip of %q failed", tt.name)
		}
	}
}

func TestReservedToolsRequireGuard(t *testing.T) {
	o := newTestOrchestrator(t, &scriptedProvider{replies: [][]*CompletionChunk{textReply("ok", 1, 1)}}, Options{})
	if err := o.RegisterTool(&fakeTool{name: "bash"}); !errors.Is(err, ErrInvalidTool) {
		t.Fatalf("RegisterTool(bash) = %v, want ErrInvalidTool", err)
	}
	if err := o.RegisterGuarded(&fakeTool{name: "bash"}, permissions.DomainShell); !errors.Is(err, ErrInvalidTool) {
		t.Fatalf("RegisterGuarded without guard = %v, want ErrInvalidTool", err)
	}
	if err := o.RegisterTool(&fakeTool{name: "mcp_x_y"}); !errors.Is(err, ErrInvalidTool) {
		t.Fatalf("RegisterTool(mcp_x_y) = %v, want ErrInvalidTool", err)
	}
}

func TestUnguardedReservedToolIsNotRun(t *testing.T) {
	bash := &fakeTool{name: "bash"}
	provider := &scriptedProvider{replies: [][]*CompletionChunk{
		toolReply(call("a", "bash", `{"command":"ls"}`)),
		textReply("ok", 1, 1),
	}}
	o := newTestOrchestrator(t, provider, Options{})
	// Bypass the orchestrator's check to simulate a misregistered table.
	if err := o.Registry().Register(bash); err != nil {
		t.Fatal(err)
	}

	if _, err := o.Submit(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}
	if bash.calls.Load() != 0 {
		t.Fatal("unguarded bash executed")
	}
	result := o.Transcript()[2].ToolResults()[0]
	if !result.IsError || !strings.Contains(result.Content, "permission guard") {
		t.Fatalf("result = %+v", result)
	}
}

func newShellGuard(choice int) *permissions.Guard {
	return permissions.NewGuard(permissions.GuardConfig{
		Shell: permissions.Policy{Enabled: true, AskForPermission: true, Denied: []string{"rm *"}},
		Files: permissions.Policy{Enabled: true, AskForPermission: true},
		Prompter: permissions.PrompterFunc(func(context.Context, permissions.Prompt) (int, error) {
			return choice, nil
		}),
	})
}

func TestRememberedApprovalIsPersisted(t *testing.T) {
	store := &fakePolicyStore{}
	bash := &fakeTool{name: "bash"}
	provider := &scriptedProvider{replies: [][]*CompletionChunk{
		toolReply(call("a", "bash", `{"command":"make build"}`)),
		textReply("built", 1, 1),
	}}
	// Option 1 is "Allow and add to allowlist".
	o := newTestOrchestrator(t, provider, Options{Guard: newShellGuard(1), PolicyStore: store})
	if err := o.RegisterGuarded(bash, permissions.DomainShell); err != nil {
		t.Fatal(err)
	}

	if _, err := o.Submit(context.Background(), "build it"); err != nil {
		t.Fatal(err)
	}
	_ = o.Close()

	if bash.calls.Load() != 1 {
		t.Fatalf("bash ran %d times, want 1", bash.calls.Load())
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.snapshots) != 1 {
		t.Fatalf("persisted %d times, want 1", len(store.snapshots))
	}
	if !slices.Contains(store.snapshots[0].Shell.Allowed, "make build") {
		t.Fatalf("persisted allow list = %v", store.snapshots[0].Shell.Allowed)
	}
}

func TestPersistFailureIsOnlyLogged(t *testing.T) {
	store := &fakePolicyStore{err: errors.New("disk full")}
	logger, logs := bufferLogger()
	provider := &scriptedProvider{replies: [][]*CompletionChunk{
		toolReply(call("a", "bash", `{"command":"make build"}`)),
		textReply("built", 1, 1),
	}}
	guard := newShellGuard(1)
	o := NewOrchestrator(provider, Options{Guard: guard, PolicyStore: store, Logger: logger, WorkDir: t.TempDir(), HomeDir: t.TempDir()})
	if err := o.RegisterGuarded(&fakeTool{name: "bash"}, permissions.DomainShell); err != nil {
		t.Fatal(err)
	}

	answer, err := o.Submit(context.Background(), "build it")
	if err != nil || answer != "built" {
		t.Fatalf("Submit = %q, %v", answer, err)
	}
	_ = o.Close()

	if !strings.Contains(logs.String(), "failed to persist permission policies") {
		t.Fatalf("persistence failure not logged:\n%s", logs.String())
	}
	// The in-memory change stands.
	if guard.Shell().Decide("make build") != permissions.Allowed {
		t.Fatal("in-memory allow list was rolled back")
	}
}

func TestDeniedCommandIsNotRun(t *testing.T) {
	bash := &fakeTool{name: "bash"}
	store := &fakePolicyStore{}
	provider := &scriptedProvider{replies: [][]*CompletionChunk{
		toolReply(call("a", "bash", `{"command":"rm -rf /"}`), call("b", "bash", `{}`)),
		textReply("ok", 1, 1),
	}}
	o := newTestOrchestrator(t, provider, Options{Guard: newShellGuard(0), PolicyStore: store})
	_ = o.RegisterGuarded(bash, permissions.DomainShell)

	if _, err := o.Submit(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}
	_ = o.Close()
	if bash.calls.Load() != 0 {
		t.Fatal("denied command executed")
	}
	results := o.Transcript()[2].ToolResults()
	if !results[0].IsError || !strings.HasPrefix(results[0].Content, "Permission denied: ") {
		t.Errorf("result 0 = %+v", results[0])
	}
	if !results[1].IsError || results[1].Content != "Missing required parameter: command" {
		t.Errorf("result 1 = %+v", results[1])
	}
	if len(store.snapshots) != 0 {
		t.Fatal("denial triggered persistence")
	}
}

type pathTool struct {
	fakeTool
}

func (p *pathTool) PermissionSubject(params json.RawMessage) (string, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return "", err
	}
	return "/abs/" + args.Path, nil
}

func TestGuardedToolUsesSubjectResolver(t *testing.T) {
	var seen string
	guard := permissions.NewGuard(permissions.GuardConfig{
		Files: permissions.Policy{Enabled: true, AskForPermission: true},
		Prompter: permissions.PrompterFunc(func(_ context.Context, p permissions.Prompt) (int, error) {
			seen = p.Subject
			return 0, nil
		}),
	})
	tool := &pathTool{fakeTool{name: "write_file"}}
	g := NewGuardedTool(tool, guard, permissions.DomainFile, nil, nil)

	res, err := g.Execute(context.Background(), json.RawMessage(`{"path":"notes.txt"}`))
	if err != nil || res.IsError {
		t.Fatalf("Execute = %+v, %v", res, err)
	}
	if seen != "/abs/notes.txt" {
		t.Fatalf("prompted for %q, want resolved path", seen)
	}
}

func TestContextReferences(t *testing.T) {
	tests := []struct {
		in    string
		refs  []string
		clean string
	}{
		{"summarize @notes.txt", []string{"notes.txt"}, "summarize"},
		{"@a.go @b.go", []string{"a.go", "b.go"}, ""},
		{"mail user@example.com now", []string{}, "mail user@example.com now"},
		{"@~/x.md\tplease", []string{"~/x.md"}, "please"},
	}
	for _, tt := range tests {
		if got := ExtractContextRefs(tt.in); !slices.Equal(got, tt.refs) {
			t.Errorf("ExtractContextRefs(%q) = %q, want %q", tt.in, got, tt.refs)
		}
		if got := StripContextRefs(tt.in); got != tt.clean {
			t.Errorf("StripContextRefs(%q) = %q, want %q", tt.in, got, tt.clean)
		}
	}
}

func TestSubmitWithOnlyContextRefsSkipsModel(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("remember this"), 0o644); err != nil {
		t.Fatal(err)
	}
	provider := &scriptedProvider{replies: [][]*CompletionChunk{textReply("ok", 1, 1)}}
	o := newTestOrchestrator(t, provider, Options{WorkDir: dir})

	summary, err := o.Submit(context.Background(), "@notes.txt @missing.txt")
	if err != nil {
		t.Fatal(err)
	}
	if provider.calls() != 0 {
		t.Fatal("model called for a context-only message")
	}
	if !strings.HasPrefix(summary, "Added 1 context file(s)") || !strings.Contains(summary, "missing.txt") {
		t.Fatalf("summary = %q", summary)
	}
	transcript := o.Transcript()
	if len(transcript) != 1 {
		t.Fatalf("transcript len = %d, want 1", len(transcript))
	}
	want := "Context from file '" + filepath.Join(dir, "notes.txt") + "':\n\n```\nremember this\n```"
	if transcript[0].Text() != want {
		t.Fatalf("context message = %q, want %q", transcript[0].Text(), want)
	}

	if _, err := o.Submit(context.Background(), "what did I say? @notes.txt"); err != nil {
		t.Fatal(err)
	}
	req := provider.request(0)
	if got := req.Messages[len(req.Messages)-1].Text(); got != "what did I say?" {
		t.Fatalf("user turn = %q", got)
	}
}

func TestNewConversationReseedsAgentsFiles(t *testing.T) {
	home, work := t.TempDir(), t.TempDir()
	if err := os.MkdirAll(filepath.Join(home, ".forge"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, ".forge", "AGENTS.md"), []byte("global rules"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(work, "AGENTS.md"), []byte("project rules"), 0o644); err != nil {
		t.Fatal(err)
	}
	provider := &scriptedProvider{replies: [][]*CompletionChunk{textReply("ok", 1, 1)}}
	o := newTestOrchestrator(t, provider, Options{HomeDir: home, WorkDir: work})

	if _, err := o.Submit(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	before := o.ConversationID()

	seeded := o.NewConversation(context.Background())
	if len(seeded) != 2 {
		t.Fatalf("seeded = %v, want two files", seeded)
	}
	if o.ConversationID() == before {
		t.Fatal("conversation id unchanged")
	}
	transcript := o.Transcript()
	if len(transcript) != 2 {
		t.Fatalf("transcript len = %d, want 2", len(transcript))
	}
	if !strings.Contains(transcript[0].Text(), "global rules") || !strings.Contains(transcript[1].Text(), "project rules") {
		t.Fatalf("unexpected seed order: %q / %q", transcript[0].Text(), transcript[1].Text())
	}
}

func TestRegistryToolsOrder(t *testing.T) {
	r := NewToolRegistry()
	_ = r.Register(&fakeTool{name: "write"})
	_ = r.Register(&fakeTool{name: "alpha"})
	r.ReplaceExternal([]Tool{&fakeTool{name: "mcp_b_x"}, &fakeTool{name: "mcp_a_y"}})

	var names []string
	for _, tool := range r.Tools() {
		names = append(names, tool.Name())
	}
	want := []string{"alpha", "write", "mcp_a_y", "mcp_b_x"}
	if !slices.Equal(names, want) {
		t.Fatalf("Tools() = %v, want %v", names, want)
	}

	r.ReplaceExternal(nil)
	if _, ok := r.Get("mcp_a_y"); ok {
		t.Fatal("external tool survived replacement")
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
}
