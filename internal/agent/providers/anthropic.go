// Package providers implements the model collaborator for the agent on top of
// the Anthropic Messages API.
//
// The provider supports two delivery modes with identical semantics: a
// streaming mode that forwards text deltas as they arrive and a single-shot
// mode that returns the whole reply at once. Either way, tool calls are
// delivered whole and token usage arrives on the final chunk.
//
//	provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
//	    APIKey:       os.Getenv("ANTHROPIC_API_KEY"),
//	    DefaultModel: "claude-sonnet-4-20250514",
//	})
//	chunks, err := provider.Complete(ctx, &agent.CompletionRequest{...})
//	for chunk := range chunks {
//	    if chunk.Error != nil {
//	        break
//	    }
//	    fmt.Print(chunk.Text)
//	}
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/forge/internal/agent"
	"github.com/haasonsaas/forge/internal/backoff"
	"github.com/haasonsaas/forge/pkg/models"
)

const (
	// DefaultModel is used when neither the request nor the config names one.
	DefaultModel = "claude-sonnet-4-20250514"

	defaultMaxTokens  = 4096
	defaultMaxRetries = 3
)

// AnthropicConfig configures an AnthropicProvider. Only APIKey is required.
type AnthropicConfig struct {
	APIKey string

	// BaseURL overrides the API endpoint, e.g. for a proxy.
	BaseURL string

	DefaultModel string

	// MaxRetries is the number of extra attempts for retryable failures.
	// Zero means the default of 3; a negative value disables retries.
	MaxRetries int

	// Backoff spaces retries. The zero value means backoff.DefaultPolicy.
	Backoff backoff.Policy

	// SingleShot requests the whole reply at once instead of streaming it.
	SingleShot bool

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// AnthropicProvider implements agent.LLMProvider for Anthropic's Claude API.
// It is safe for concurrent use; each Complete call runs its own request.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	attempts     int
	backoff      backoff.Policy
	singleShot   bool
	logger       *slog.Logger
}

// NewAnthropicProvider creates a provider. The SDK's own retries are
// disabled; retries happen here so they never repeat a partly delivered
// reply.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = DefaultModel
	}
	switch {
	case config.MaxRetries == 0:
		config.MaxRetries = defaultMaxRetries
	case config.MaxRetries < 0:
		config.MaxRetries = 0
	}
	if config.Backoff.Initial <= 0 {
		config.Backoff = backoff.DefaultPolicy()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	options := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	if config.HTTPClient != nil {
		options = append(options, option.WithHTTPClient(config.HTTPClient))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: config.DefaultModel,
		attempts:     config.MaxRetries + 1,
		backoff:      config.Backoff,
		singleShot:   config.SingleShot,
		logger:       config.Logger.With("component", "anthropic"),
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete sends req and returns the reply as a channel of chunks. Request
// conversion errors are returned directly; API failures arrive as a chunk
// with Error set. The channel is always closed.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	model := string(params.Model)

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		var err error
		if p.singleShot {
			err = p.completeOnce(ctx, params, chunks)
		} else {
			err = p.completeStreaming(ctx, params, chunks)
		}
		if err != nil {
			chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model)}
		}
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.getModel(req.Model)),
		Messages:  messages,
		MaxTokens: int64(getMaxTokens(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

// completeStreaming retries only while nothing has been forwarded yet.
func (p *AnthropicProvider) completeStreaming(ctx context.Context, params anthropic.MessageNewParams, chunks chan<- *agent.CompletionChunk) error {
	model := string(params.Model)
	started := false
	return backoff.Retry(ctx, p.backoff, p.attempts, func(err error) bool {
		return !started && p.isRetryableError(err, model)
	}, func(attempt int) error {
		if attempt > 1 {
			p.logger.Warn("retrying model request", "model", model, "attempt", attempt)
		}
		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()
		var err error
		started, err = p.processStream(stream, chunks)
		return err
	})
}

func (p *AnthropicProvider) completeOnce(ctx context.Context, params anthropic.MessageNewParams, chunks chan<- *agent.CompletionChunk) error {
	model := string(params.Model)
	var message *anthropic.Message
	err := backoff.Retry(ctx, p.backoff, p.attempts, func(err error) bool {
		return p.isRetryableError(err, model)
	}, func(attempt int) error {
		if attempt > 1 {
			p.logger.Warn("retrying model request", "model", model, "attempt", attempt)
		}
		var err error
		message, err = p.client.Messages.New(ctx, params)
		return err
	})
	if err != nil {
		return err
	}

	for _, block := range message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				chunks <- &agent.CompletionChunk{Text: block.Text}
			}
		case "tool_use":
			toolUse := block.AsToolUse()
			chunks <- &agent.CompletionChunk{ToolCall: &models.ToolCall{
				ID:    toolUse.ID,
				Name:  toolUse.Name,
				Input: normalizeInput(toolUse.Input),
			}}
		}
	}
	chunks <- &agent.CompletionChunk{
		Done:         true,
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	}
	return nil
}

// processStream forwards stream events as chunks. started reports whether
// anything was forwarded before a failure.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk) (started bool, err error) {
	var (
		current      *models.ToolCall
		input        strings.Builder
		inputTokens  int
		outputTokens int
	)

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			inputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				input.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					started = true
					chunks <- &agent.CompletionChunk{Text: delta.Text}
				}
			case "input_json_delta":
				input.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if current != nil {
				current.Input = normalizeInput(json.RawMessage(input.String()))
				started = true
				chunks <- &agent.CompletionChunk{ToolCall: current}
				current = nil
			}

		case "message_delta":
			if out := event.AsMessageDelta().Usage.OutputTokens; out > 0 {
				outputTokens = int(out)
			}

		case "message_stop":
			chunks <- &agent.CompletionChunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}
			return true, nil
		}
	}
	if err := stream.Err(); err != nil {
		return started, err
	}
	// The server closed the stream without message_stop.
	return started, errors.New("anthropic: stream ended unexpectedly")
}

// normalizeInput turns an empty or invalid tool input into an empty object.
func normalizeInput(raw json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(raw))) == 0 || !json.Valid(raw) {
		return json.RawMessage(`{}`)
	}
	return raw
}

// convertMessages maps the transcript to Anthropic message params.
// Consecutive messages with the same role are merged so roles alternate.
func convertMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	var lastRole models.Role

	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		for _, block := range msg.Content {
			switch block.Type {
			case models.BlockText:
				if block.Text != "" {
					content = append(content, anthropic.NewTextBlock(block.Text))
				}
			case models.BlockToolUse:
				if block.ToolCall == nil {
					continue
				}
				content = append(content, anthropic.NewToolUseBlock(
					block.ToolCall.ID,
					normalizeInput(block.ToolCall.Input),
					block.ToolCall.Name,
				))
			case models.BlockToolResult:
				if block.ToolResult == nil {
					continue
				}
				content = append(content, anthropic.NewToolResultBlock(
					block.ToolResult.ToolCallID,
					block.ToolResult.Content,
					block.ToolResult.IsError,
				))
			default:
				return nil, fmt.Errorf("unknown content block type %q", block.Type)
			}
		}
		if len(content) == 0 {
			continue
		}

		if len(result) > 0 && msg.Role == lastRole {
			last := &result[len(result)-1]
			last.Content = append(last.Content, content...)
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
		lastRole = msg.Role
	}
	return result, nil
}

// convertTools maps tool definitions to Anthropic tool params.
func convertTools(tools []agent.Tool) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name(), err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name())
		}
		if desc := tool.Description(); desc != "" {
			param.OfTool.Description = anthropic.String(desc)
		}
		result = append(result, param)
	}
	return result, nil
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return defaultMaxTokens
	}
	return maxTokens
}

func (p *AnthropicProvider) isRetryableError(err error, model string) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return IsRetryable(p.wrapError(err, model))
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

// wrapError converts SDK errors into a ProviderError carrying the status,
// API error type and request id.
func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError("anthropic", model, err)
	}

	providerErr := (&ProviderError{
		Provider: "anthropic",
		Model:    model,
		Cause:    err,
		Reason:   ReasonUnknown,
	}).WithStatus(apiErr.StatusCode)

	requestID := apiErr.RequestID
	if raw := apiErr.RawJSON(); raw != "" {
		var payload anthropicErrorPayload
		if json.Unmarshal([]byte(raw), &payload) == nil {
			if payload.Error.Message != "" {
				providerErr.WithMessage(payload.Error.Message)
			}
			if payload.Error.Type != "" {
				providerErr.WithCode(payload.Error.Type)
			}
			if payload.RequestID != "" {
				requestID = payload.RequestID
			}
		}
	}
	if providerErr.Message == "" {
		providerErr.Message = "anthropic request failed"
	}
	if requestID != "" {
		providerErr.WithRequestID(requestID)
	}
	return providerErr
}
