package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/forge/pkg/models"
)

func TestSubmitAnswersEveryToolCallInOrder(t *testing.T) {
	provider := &scriptedProvider{replies: [][]*CompletionChunk{
		toolReply(
			call("c1", "echo", `{"n":1}`),
			call("c2", "missing", `{}`),
			call("c3", "echo", `{"n":3}`),
		),
		textReply("done", 10, 5),
	}}
	o := newTestOrchestrator(t, provider, Options{Model: "m"})
	if err := o.RegisterTool(echoTool("echo")); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}

	answer, err := o.Submit(context.Background(), "go")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if answer != "done" {
		t.Fatalf("answer = %q, want done", answer)
	}

	transcript := o.Transcript()
	if len(transcript) != 4 {
		t.Fatalf("transcript has %d messages, want 4", len(transcript))
	}
	calls := transcript[1].ToolCalls()
	results := transcript[2].ToolResults()
	if transcript[2].Role != models.RoleUser {
		t.Fatalf("results role = %s, want user", transcript[2].Role)
	}
	if len(results) != len(calls) {
		t.Fatalf("got %d results for %d calls", len(results), len(calls))
	}
	for i := range calls {
		if results[i].ToolCallID != calls[i].ID {
			t.Errorf("result %d answers %q, want %q", i, results[i].ToolCallID, calls[i].ID)
		}
	}
	if results[0].Content != `{"n":1}` || results[0].IsError {
		t.Errorf("result 0 = %+v", results[0])
	}
	if !results[1].IsError || results[1].Content != "Unknown tool: missing" {
		t.Errorf("result 1 = %+v, want unknown tool error", results[1])
	}
	if results[2].Content != `{"n":3}` {
		t.Errorf("result 2 = %+v", results[2])
	}

	// The second model call must see the results.
	second := provider.request(1)
	if got := len(second.Messages); got != 3 {
		t.Fatalf("second request carried %d messages, want 3", got)
	}
}

func TestSubmitStopsAtIterationCeiling(t *testing.T) {
	provider := &scriptedProvider{replies: [][]*CompletionChunk{
		toolReply(call("", "noop", `{}`)),
	}}
	o := newTestOrchestrator(t, provider, Options{})
	noop := &fakeTool{name: "noop"}
	if err := o.RegisterTool(noop); err != nil {
		t.Fatal(err)
	}

	answer, err := o.Submit(context.Background(), "loop forever")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if provider.calls() != DefaultMaxIterations {
		t.Fatalf("model called %d times, want %d", provider.calls(), DefaultMaxIterations)
	}
	if int(noop.calls.Load()) != DefaultMaxIterations {
		t.Fatalf("tool ran %d times, want %d", noop.calls.Load(), DefaultMaxIterations)
	}
	if answer == "" || !strings.Contains(answer, "Maximum tool iterations reached") {
		t.Fatalf("answer = %q, want truncation note", answer)
	}
	// Every generated call id is still answered.
	transcript := o.Transcript()
	last := transcript[len(transcript)-1]
	prev := transcript[len(transcript)-2]
	if last.ToolResults()[0].ToolCallID != prev.ToolCalls()[0].ID || prev.ToolCalls()[0].ID == "" {
		t.Fatal("final call left unanswered or without id")
	}
}

func TestSubmitKeepsTextWhenTruncated(t *testing.T) {
	provider := &scriptedProvider{replies: [][]*CompletionChunk{
		append([]*CompletionChunk{{Text: "step"}}, toolReply(call("x", "noop", `{}`))...),
	}}
	o := newTestOrchestrator(t, provider, Options{MaxIterations: 2})
	_ = o.RegisterTool(&fakeTool{name: "noop"})

	answer, err := o.Submit(context.Background(), "go")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "step\n\nstep"+TruncationNote {
		t.Fatalf("answer = %q", answer)
	}
}

func TestSubmitEmptyReply(t *testing.T) {
	provider := &scriptedProvider{replies: [][]*CompletionChunk{{}}}
	o := newTestOrchestrator(t, provider, Options{})

	answer, err := o.Submit(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if answer != EmptyResponse {
		t.Fatalf("answer = %q, want %q", answer, EmptyResponse)
	}
	if o.Len() != 1 {
		t.Fatalf("empty reply appended to transcript: len %d", o.Len())
	}
}

func TestSubmitCancelledBeforeModelCall(t *testing.T) {
	provider := &scriptedProvider{replies: [][]*CompletionChunk{textReply("never", 1, 1)}}
	o := newTestOrchestrator(t, provider, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Submit(ctx, "hello")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if provider.calls() != 0 {
		t.Fatalf("model called %d times after cancellation", provider.calls())
	}
	if o.Len() != 1 {
		t.Fatalf("transcript len = %d, want the user turn only", o.Len())
	}
}

func TestSubmitCancelledBetweenToolCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sawCancelled bool
	first := &fakeTool{name: "first", fn: func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
		cancel()
		sawCancelled = ctx.Err() != nil
		return &ToolResult{Content: "finished"}, nil
	}}
	second := &fakeTool{name: "second"}

	provider := &scriptedProvider{replies: [][]*CompletionChunk{
		toolReply(call("a", "first", `{}`), call("b", "second", `{}`), call("c", "second", `{}`)),
		textReply("unreachable", 1, 1),
	}}
	o := newTestOrchestrator(t, provider, Options{})
	_ = o.RegisterTool(first)
	_ = o.RegisterTool(second)

	_, err := o.Submit(ctx, "go")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if sawCancelled {
		t.Error("a started tool saw the turn cancellation")
	}
	if second.calls.Load() != 0 {
		t.Fatalf("second tool ran %d times after cancellation", second.calls.Load())
	}
	if provider.calls() != 1 {
		t.Fatalf("model called %d times, want 1", provider.calls())
	}

	transcript := o.Transcript()
	results := transcript[len(transcript)-1].ToolResults()
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Content != "finished" || results[0].IsError {
		t.Errorf("result 0 = %+v", results[0])
	}
	for _, r := range results[1:] {
		if !r.IsError || r.Content != cancelledBeforeExecution {
			t.Errorf("result %s = %+v, want cancelled", r.ToolCallID, r)
		}
	}
}

func TestToolFailuresBecomeErrorResults(t *testing.T) {
	failing := &fakeTool{name: "failing", fn: func(context.Context, json.RawMessage) (*ToolResult, error) {
		return nil, errors.New("boom")
	}}
	panicking := &fakeTool{name: "panicking", fn: func(context.Context, json.RawMessage) (*ToolResult, error) {
		panic("kaboom")
	}}
	provider := &scriptedProvider{replies: [][]*CompletionChunk{
		toolReply(call("a", "failing", `{}`), call("b", "panicking", `{}`)),
		textReply("ok", 1, 1),
	}}
	o := newTestOrchestrator(t, provider, Options{})
	_ = o.RegisterTool(failing)
	_ = o.RegisterTool(panicking)

	if _, err := o.Submit(context.Background(), "go"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	results := o.Transcript()[2].ToolResults()
	if results[0].Content != "Error executing tool 'failing': boom" || !results[0].IsError {
		t.Errorf("failing result = %+v", results[0])
	}
	if !results[1].IsError || !strings.Contains(results[1].Content, "kaboom") {
		t.Errorf("panicking result = %+v", results[1])
	}
}

func TestProviderErrorIsReturned(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("overloaded")}
	o := newTestOrchestrator(t, provider, Options{Model: "m"})

	_, err := o.Submit(context.Background(), "hi")
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProviderError", err)
	}
	if perr.Provider != "scripted" || perr.Model != "m" {
		t.Fatalf("ProviderError = %+v", perr)
	}
}

func TestStreamErrorIsReturned(t *testing.T) {
	provider := &scriptedProvider{replies: [][]*CompletionChunk{
		{{Text: "partial"}, {Error: errors.New("stream reset")}},
	}}
	o := newTestOrchestrator(t, provider, Options{})
	if _, err := o.Submit(context.Background(), "hi"); err == nil || !strings.Contains(err.Error(), "stream reset") {
		t.Fatalf("err = %v, want stream error", err)
	}
	if o.Usage().Requests != 0 {
		t.Fatal("failed request counted as usage")
	}
}

func TestUsageAccumulates(t *testing.T) {
	provider := &scriptedProvider{replies: [][]*CompletionChunk{
		append(toolReply(call("a", "noop", `{}`)), &CompletionChunk{InputTokens: 100, OutputTokens: 20}),
		textReply("done", 150, 30),
	}}
	store := &fakeConversationStore{}
	o := newTestOrchestrator(t, provider, Options{Store: store})
	_ = o.RegisterTool(&fakeTool{name: "noop"})

	if _, err := o.Submit(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}
	want := Usage{Requests: 2, InputTokens: 250, OutputTokens: 50}
	if got := o.Usage(); got != want {
		t.Fatalf("usage = %+v, want %+v", got, want)
	}
	if got := o.Usage().Total(); got != 300 {
		t.Fatalf("total = %d, want 300", got)
	}
	if store.usage != want {
		t.Fatalf("stored usage = %+v, want %+v", store.usage, want)
	}
	if len(store.started) != 1 || store.started[0] != o.ConversationID() {
		t.Fatalf("started = %v", store.started)
	}
	if got := len(store.messages[o.ConversationID()]); got != 4 {
		t.Fatalf("stored %d messages, want 4", got)
	}

	o.ResetUsage()
	if o.Usage() != (Usage{}) {
		t.Fatal("ResetUsage left counters")
	}
}

func TestStreamedTextCallback(t *testing.T) {
	provider := &scriptedProvider{replies: [][]*CompletionChunk{
		{{Text: "Hel"}, {Text: "lo"}},
	}}
	var streamed strings.Builder
	o := newTestOrchestrator(t, provider, Options{OnText: func(s string) { streamed.WriteString(s) }})

	answer, err := o.Submit(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "Hello" || streamed.String() != "Hello" {
		t.Fatalf("answer = %q streamed = %q", answer, streamed.String())
	}
}

func TestSubmitWithoutProvider(t *testing.T) {
	o := newTestOrchestrator(t, nil, Options{})
	if _, err := o.Submit(context.Background(), "hi"); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("err = %v, want ErrNoProvider", err)
	}
}
