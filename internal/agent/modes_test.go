package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/haasonsaas/forge/internal/permissions"
)

func toolNames(tools []Tool) []string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name())
	}
	return names
}

func TestPlanModeHidesAndRefusesMutatingTools(t *testing.T) {
	bash := &fakeTool{name: "bash"}
	read := &fakeTool{name: "read_file"}
	catalog := &fakeCatalog{tools: []Tool{&fakeTool{name: "mcp_fs_write"}}}
	provider := &scriptedProvider{replies: [][]*CompletionChunk{
		toolReply(
			call("a", "read_file", `{"path":"x"}`),
			call("b", "bash", `{"command":"ls"}`),
			call("c", "mcp_fs_write", `{}`),
		),
		textReply("1. do it", 1, 1),
	}}
	o := newTestOrchestrator(t, provider, Options{Guard: newShellGuard(0), External: catalog, System: "base"})
	if err := o.RegisterTool(read); err != nil {
		t.Fatal(err)
	}
	if err := o.RegisterGuarded(bash, permissions.DomainShell); err != nil {
		t.Fatal(err)
	}
	o.SetPlanMode(true)

	if _, err := o.Submit(context.Background(), "plan it"); err != nil {
		t.Fatal(err)
	}

	req := provider.request(0)
	if got := toolNames(req.Tools); !slices.Equal(got, []string{"read_file"}) {
		t.Errorf("tools in plan mode = %v, want [read_file]", got)
	}
	if !strings.HasPrefix(req.System, "base\n\n") || !strings.HasSuffix(req.System, PlanModePrompt) {
		t.Errorf("system prompt = %q", req.System)
	}
	if read.calls.Load() != 1 || bash.calls.Load() != 0 {
		t.Fatalf("read ran %d times, bash ran %d times", read.calls.Load(), bash.calls.Load())
	}
	if len(catalog.invoked) != 0 {
		t.Fatalf("external tool invoked in plan mode: %v", catalog.invoked)
	}
	results := o.Transcript()[2].ToolResults()
	for _, idx := range []int{1, 2} {
		if !results[idx].IsError || !strings.Contains(results[idx].Content, "not available in plan mode") {
			t.Errorf("result[%d] = %+v", idx, results[idx])
		}
	}

	o.SetPlanMode(false)
	if _, err := o.Submit(context.Background(), "again"); err != nil {
		t.Fatal(err)
	}
	last := provider.request(provider.calls() - 1)
	if len(last.Tools) != 3 || last.System != "base" {
		t.Errorf("after plan mode off: tools = %v, system = %q", toolNames(last.Tools), last.System)
	}
}

func TestProfilePermits(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		tool    string
		want    bool
	}{
		{"no lists", Profile{}, "bash", true},
		{"allowed exact", Profile{AllowedTools: []string{"read_file"}}, "read_file", true},
		{"not in allowed", Profile{AllowedTools: []string{"read_file"}}, "bash", false},
		{"allowed prefix", Profile{AllowedTools: []string{"mcp_fs_*"}}, "mcp_fs_read", true},
		{"prefix mismatch", Profile{AllowedTools: []string{"mcp_fs_*"}}, "mcp_git_log", false},
		{"denied wins", Profile{AllowedTools: []string{"*"}, DeniedTools: []string{"bash"}}, "bash", false},
		{"denied prefix", Profile{DeniedTools: []string{"mcp_*"}}, "mcp_fs_read", false},
		{"denied other", Profile{DeniedTools: []string{"bash"}}, "read_file", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.profile.permits(tt.tool); got != tt.want {
				t.Errorf("permits(%q) = %v, want %v", tt.tool, got, tt.want)
			}
		})
	}
}

func TestUseProfileParksAndRestoresConversation(t *testing.T) {
	home := t.TempDir()
	if err := os.MkdirAll(filepath.Join(home, ".forge"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, ".forge", "AGENTS.md"), []byte("global rules"), 0o644); err != nil {
		t.Fatal(err)
	}
	read := &fakeTool{name: "read_file"}
	grep := &fakeTool{name: "grep"}
	provider := &scriptedProvider{replies: [][]*CompletionChunk{
		textReply("main answer", 1, 1),
		toolReply(call("a", "grep", `{}`)),
		textReply("profile answer", 1, 1),
	}}
	o := newTestOrchestrator(t, provider, Options{HomeDir: home, Model: "main-model", System: "main prompt"})
	for _, tool := range []Tool{read, grep} {
		if err := o.RegisterTool(tool); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := o.Submit(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	mainID := o.ConversationID()
	mainLen := o.Len()

	seeded, err := o.UseProfile(context.Background(), Profile{
		Name:         "reviewer",
		SystemPrompt: "review only",
		Model:        "review-model",
		AllowedTools: []string{"read_file"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seeded) != 1 {
		t.Fatalf("seeded = %v, want the global AGENTS.md", seeded)
	}
	if o.ConversationID() == mainID || o.Len() != 1 {
		t.Fatalf("profile conversation not fresh: id=%s len=%d", o.ConversationID(), o.Len())
	}
	if p, ok := o.ActiveProfile(); !ok || p.Name != "reviewer" {
		t.Fatalf("ActiveProfile() = %+v, %v", p, ok)
	}

	if _, err := o.Submit(context.Background(), "review"); err != nil {
		t.Fatal(err)
	}
	req := provider.request(1)
	if req.Model != "review-model" || req.System != "review only" {
		t.Errorf("profile request model=%q system=%q", req.Model, req.System)
	}
	if got := toolNames(req.Tools); !slices.Equal(got, []string{"read_file"}) {
		t.Errorf("profile tools = %v", got)
	}
	if grep.calls.Load() != 0 {
		t.Fatal("tool outside the profile ran")
	}

	name, err := o.ExitProfile()
	if err != nil || name != "reviewer" {
		t.Fatalf("ExitProfile() = %q, %v", name, err)
	}
	if o.ConversationID() != mainID || o.Len() != mainLen {
		t.Fatalf("main conversation not restored: id=%s len=%d", o.ConversationID(), o.Len())
	}
	if o.Model() != "main-model" || o.SystemPrompt() != "main prompt" {
		t.Errorf("restored model=%q system=%q", o.Model(), o.SystemPrompt())
	}
	if _, err := o.ExitProfile(); !errors.Is(err, ErrNoProfile) {
		t.Errorf("second ExitProfile() = %v, want ErrNoProfile", err)
	}
}

func TestUseProfileRejectsIncompleteProfiles(t *testing.T) {
	o := newTestOrchestrator(t, &scriptedProvider{replies: [][]*CompletionChunk{textReply("ok", 1, 1)}}, Options{})
	tests := []Profile{
		{SystemPrompt: "x"},
		{Name: "empty"},
	}
	for _, p := range tests {
		if _, err := o.UseProfile(context.Background(), p); err == nil {
			t.Errorf("UseProfile(%+v) succeeded", p)
		}
	}
	if _, ok := o.ActiveProfile(); ok {
		t.Fatal("profile active after rejected switches")
	}
}

func TestSetModelReachesProvider(t *testing.T) {
	store := &fakeConversationStore{}
	provider := &scriptedProvider{replies: [][]*CompletionChunk{textReply("ok", 1, 1)}}
	o := newTestOrchestrator(t, provider, Options{Model: "first", Store: store})

	if err := o.SetModel("  "); err == nil {
		t.Fatal("SetModel with blank name succeeded")
	}
	if err := o.SetModel("second"); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Submit(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	if got := provider.request(0).Model; got != "second" {
		t.Errorf("request model = %q, want second", got)
	}
}

func TestContextInfo(t *testing.T) {
	work := t.TempDir()
	if err := os.WriteFile(filepath.Join(work, "notes.md"), []byte("notes"), 0o644); err != nil {
		t.Fatal(err)
	}
	provider := &scriptedProvider{replies: [][]*CompletionChunk{
		toolReply(call("a", "echo", `{"x":1}`)),
		textReply("done", 1, 1),
	}}
	o := newTestOrchestrator(t, provider, Options{WorkDir: work, Model: "m", System: "sys"})
	if err := o.RegisterTool(echoTool("echo")); err != nil {
		t.Fatal(err)
	}
	if _, err := o.AddContextFile(context.Background(), "notes.md"); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Submit(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}
	o.SetPlanMode(true)

	info := o.Context()
	want := ContextInfo{
		ConversationID:    o.ConversationID(),
		Model:             "m",
		SystemPrompt:      "sys",
		PlanMode:          true,
		Messages:          5,
		UserMessages:      3,
		AssistantMessages: 2,
		ToolCalls:         1,
		ToolResults:       1,
		ContextFiles:      []string{filepath.Join(work, "notes.md")},
	}
	if info.ConversationID != want.ConversationID || info.Model != want.Model ||
		info.SystemPrompt != want.SystemPrompt || info.PlanMode != want.PlanMode ||
		info.Messages != want.Messages || info.UserMessages != want.UserMessages ||
		info.AssistantMessages != want.AssistantMessages || info.ToolCalls != want.ToolCalls ||
		info.ToolResults != want.ToolResults || !slices.Equal(info.ContextFiles, want.ContextFiles) {
		t.Errorf("Context() = %+v, want %+v", info, want)
	}

	o.NewConversation(context.Background())
	if files := o.Context().ContextFiles; len(files) != 0 {
		t.Errorf("context files after new conversation = %v", files)
	}
}

func TestReadOnlyTools(t *testing.T) {
	o := newTestOrchestrator(t, &scriptedProvider{replies: [][]*CompletionChunk{textReply("ok", 1, 1)}}, Options{Guard: newShellGuard(0)})
	if err := o.RegisterTool(&fakeTool{name: "read_file"}); err != nil {
		t.Fatal(err)
	}
	if err := o.RegisterGuarded(&fakeTool{name: "bash"}, permissions.DomainShell); err != nil {
		t.Fatal(err)
	}
	if err := o.RegisterGuarded(&fakeTool{name: "fetch"}, permissions.DomainShell); err != nil {
		t.Fatal(err)
	}
	if got := o.ReadOnlyTools(); !slices.Equal(got, []string{"read_file"}) {
		t.Errorf("ReadOnlyTools() = %v, want [read_file]", got)
	}
}
