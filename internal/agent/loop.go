package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/forge/internal/observability"
	"github.com/haasonsaas/forge/pkg/models"
)

// cancelledBeforeExecution answers tool calls that were never started
// because the turn was cancelled.
const cancelledBeforeExecution = "Cancelled by user before execution"

// modelReply is one collected model response.
type modelReply struct {
	text         string
	calls        []models.ToolCall
	inputTokens  int
	outputTokens int
}

// run drives the turn loop. Every iteration checks for cancellation, syncs
// the external tools, calls the model and dispatches the requested tools.
// All tool calls of one reply are answered, in order, in a single user
// message before the model is called again.
func (o *Orchestrator) run(ctx context.Context) (string, error) {
	convID := o.ConversationID()
	ctx = observability.WithConversation(ctx, convID)
	ctx, span := o.tracer.TraceTurn(ctx, convID)
	defer span.End()

	var answer []string
	for iteration := 1; iteration <= o.opts.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			return strings.Join(answer, "\n\n"), ErrCancelled
		}
		iterCtx := observability.WithTurn(ctx, iteration)

		o.refreshExternal()

		reply, err := o.callModel(iterCtx)
		if err != nil {
			if ctx.Err() != nil {
				return strings.Join(answer, "\n\n"), ErrCancelled
			}
			observability.RecordError(span, err)
			return strings.Join(answer, "\n\n"), err
		}

		var blocks []models.ContentBlock
		if reply.text != "" {
			blocks = append(blocks, models.TextBlock(reply.text))
			answer = append(answer, reply.text)
		}
		for _, call := range reply.calls {
			blocks = append(blocks, models.ToolUseBlock(call))
		}
		if len(blocks) > 0 {
			o.append(iterCtx, models.NewMessage(models.RoleAssistant, blocks...))
		}

		if len(reply.calls) == 0 {
			span.SetAttributes(attribute.Int("agent.iterations", iteration))
			final := strings.Join(answer, "\n\n")
			if final == "" {
				final = EmptyResponse
			}
			return final, nil
		}

		results, err := o.dispatchAll(iterCtx, reply.calls)
		resultBlocks := make([]models.ContentBlock, 0, len(results))
		for _, result := range results {
			resultBlocks = append(resultBlocks, models.ToolResultBlock(result))
		}
		o.append(iterCtx, models.NewMessage(models.RoleUser, resultBlocks...))
		if err != nil {
			return strings.Join(answer, "\n\n"), err
		}
	}

	o.logger.Warn("maximum tool iterations reached", "max_iterations", o.opts.MaxIterations)
	span.SetAttributes(attribute.Int("agent.iterations", o.opts.MaxIterations), attribute.Bool("agent.truncated", true))
	return strings.TrimLeft(strings.Join(answer, "\n\n")+TruncationNote, "\n"), nil
}

// callModel sends the transcript and the current tool table to the
// provider and collects the streamed reply.
func (o *Orchestrator) callModel(ctx context.Context) (*modelReply, error) {
	req := &CompletionRequest{
		Model:       o.Model(),
		System:      o.effectiveSystemPrompt(),
		Messages:    o.Transcript(),
		Tools:       o.visibleTools(),
		MaxTokens:   o.opts.MaxTokens,
		Temperature: o.opts.Temperature,
	}

	name := o.provider.Name()
	ctx, span := o.tracer.TraceLLMRequest(ctx, name, req.Model)
	defer span.End()

	start := time.Now()
	reply, err := o.collect(ctx, req)
	if err != nil {
		observability.RecordError(span, err)
		o.metrics.RecordLLMRequest(name, req.Model, "error", time.Since(start), 0, 0)
		o.logger.ErrorContext(ctx, "model request failed", "provider", name, "error", err)
		return nil, &ProviderError{Provider: name, Model: req.Model, Cause: err}
	}

	o.metrics.RecordLLMRequest(name, req.Model, "success", time.Since(start), reply.inputTokens, reply.outputTokens)
	o.addUsage(ctx, reply.inputTokens, reply.outputTokens)
	span.SetAttributes(
		attribute.Int("llm.input_tokens", reply.inputTokens),
		attribute.Int("llm.output_tokens", reply.outputTokens),
		attribute.Int("llm.tool_calls", len(reply.calls)),
	)
	o.logger.DebugContext(ctx, "model replied",
		"tool_calls", len(reply.calls),
		"input_tokens", reply.inputTokens,
		"output_tokens", reply.outputTokens,
		"duration", time.Since(start),
	)
	return reply, nil
}

func (o *Orchestrator) collect(ctx context.Context, req *CompletionRequest) (*modelReply, error) {
	chunks, err := o.provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	reply := &modelReply{}
	var text strings.Builder
	var streamErr error
	// Drain to the end so the provider goroutine can exit.
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			if streamErr == nil {
				streamErr = chunk.Error
			}
			continue
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			if o.opts.OnText != nil {
				o.opts.OnText(chunk.Text)
			}
		}
		if chunk.ToolCall != nil {
			call := *chunk.ToolCall
			if call.ID == "" {
				call.ID = "call_" + uuid.NewString()
			}
			reply.calls = append(reply.calls, call)
		}
		reply.inputTokens += chunk.InputTokens
		reply.outputTokens += chunk.OutputTokens
	}
	if streamErr != nil {
		return nil, streamErr
	}
	reply.text = text.String()
	return reply, nil
}

// dispatchAll runs calls in order. Cancellation is checked before each
// call; once observed, the remaining calls are answered as cancelled so
// every request still gets exactly one result.
func (o *Orchestrator) dispatchAll(ctx context.Context, calls []models.ToolCall) ([]models.ToolResult, error) {
	results := make([]models.ToolResult, 0, len(calls))
	for i, call := range calls {
		if ctx.Err() != nil {
			for _, skipped := range calls[i:] {
				results = append(results, models.ToolResult{
					ToolCallID: skipped.ID,
					Content:    cancelledBeforeExecution,
					IsError:    true,
				})
			}
			return results, ErrCancelled
		}
		results = append(results, o.dispatch(ctx, call))
	}
	return results, nil
}

// dispatch runs one call. A started call is not cancelled by the turn
// context; whatever happens inside the tool comes back as a result.
func (o *Orchestrator) dispatch(ctx context.Context, call models.ToolCall) models.ToolResult {
	if o.opts.OnToolCall != nil {
		o.opts.OnToolCall(call)
	}

	execCtx, span := o.tracer.TraceToolExecution(context.WithoutCancel(ctx), call.Name)
	start := time.Now()
	result := o.execute(execCtx, call)
	duration := time.Since(start)
	span.SetAttributes(attribute.Bool("tool.is_error", result.IsError))
	span.End()

	status := "success"
	if result.IsError {
		status = "error"
	}
	o.metrics.RecordToolExecution(call.Name, status, duration)
	o.logger.DebugContext(ctx, "tool executed", "tool", call.Name, "call_id", call.ID, "is_error", result.IsError, "duration", duration)

	out := models.ToolResult{ToolCallID: call.ID, Content: result.Content, IsError: result.IsError}
	if o.opts.OnToolResult != nil {
		o.opts.OnToolResult(call, out)
	}
	return out
}

// execute resolves the call in order: mode restrictions, external
// namespace, reserved guarded tools, then the merged table.
func (o *Orchestrator) execute(ctx context.Context, call models.ToolCall) (result *ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("tool panicked", "tool", call.Name, "panic", r, "stack", string(debug.Stack()))
			result = errorResult((&ToolError{Tool: call.Name, CallID: call.ID, Cause: fmt.Errorf("%w: %v", ErrToolPanic, r)}).Error())
		}
	}()

	if len(call.Name) > MaxToolNameLength {
		return errorResult(fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength))
	}
	if len(call.Input) > MaxToolParamsSize {
		return errorResult(fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize))
	}
	if allowed, reason := o.toolAllowed(call.Name); !allowed {
		o.logger.Info("tool refused by mode", "tool", call.Name, "call_id", call.ID, "reason", reason)
		return errorResult(reason)
	}
	input := call.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	if server, tool, ok := SplitExternalName(call.Name); ok {
		if o.opts.External == nil {
			return errorResult("Unknown tool: " + call.Name)
		}
		res, err := o.opts.External.Invoke(ctx, server, tool, input)
		return o.settle(call, res, err)
	}

	if _, reserved := reservedTools[call.Name]; reserved {
		tool, ok := o.registry.Get(call.Name)
		if !ok {
			return errorResult("Unknown tool: " + call.Name)
		}
		guarded, ok := tool.(*GuardedTool)
		if !ok {
			return errorResult(fmt.Sprintf("Tool '%s' is not behind a permission guard and was not run", call.Name))
		}
		res, err := guarded.Execute(ctx, input)
		return o.settle(call, res, err)
	}

	tool, ok := o.registry.Get(call.Name)
	if !ok {
		return errorResult("Unknown tool: " + call.Name)
	}
	res, err := tool.Execute(ctx, input)
	return o.settle(call, res, err)
}

// settle turns a handler's Go error into an error result.
func (o *Orchestrator) settle(call models.ToolCall, res *ToolResult, err error) *ToolResult {
	if err != nil {
		toolErr := &ToolError{Tool: call.Name, CallID: call.ID, Cause: err}
		o.logger.Warn("tool failed", "tool", call.Name, "call_id", call.ID, "error", err)
		if errors.Is(err, ErrToolNotFound) {
			return errorResult("Unknown tool: " + call.Name)
		}
		return errorResult(toolErr.Error())
	}
	if res == nil {
		return &ToolResult{}
	}
	return res
}
