package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"

	"github.com/lace-ai/lace/pkg/errs"
	"github.com/lace-ai/lace/pkg/logger"
	"github.com/lace-ai/lace/pkg/thread"
)

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
	Retry     RetryConfig
	Pricing   PricingTable
}

// RetryConfig holds per-provider retry knobs.
type RetryConfig struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	BackoffType  string // "fixed" or "exponential"
}

var DefaultRetryConfig = RetryConfig{
	Attempts:     3,
	InitialDelay: time.Second,
	MaxDelay:     10 * time.Second,
	BackoffType:  "exponential",
}

// AnthropicProvider adapts Anthropic's Messages API to the Provider
// interface.
type AnthropicProvider struct {
	client  anthropic.Client
	model   anthropic.Model
	maxTok  int64
	retry   RetryConfig
	pricing PricingTable
}

// NewAnthropicProvider builds a Provider backed by the Anthropic SDK.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}

	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}
	retryCfg := cfg.Retry
	if retryCfg.Attempts == 0 {
		retryCfg = DefaultRetryConfig
	}
	pricing := cfg.Pricing
	if pricing == nil {
		pricing = defaultPricing
	}

	return &AnthropicProvider{
		client:  anthropic.NewClient(opts...),
		model:   anthropic.Model(model),
		maxTok:  maxTokens,
		retry:   retryCfg,
		pricing: pricing,
	}
}

func (p *AnthropicProvider) Name() string  { return "anthropic" }
func (p *AnthropicProvider) Model() string { return string(p.model) }

func (p *AnthropicProvider) ContextWindow() (int, bool) {
	if pr, ok := p.pricing.Lookup(string(p.model)); ok && pr.ContextWindow > 0 {
		return pr.ContextWindow, true
	}
	return 200_000, true
}

func (p *AnthropicProvider) Cost(promptTokens, completionTokens int) (float64, bool) {
	pr, ok := p.pricing.Lookup(string(p.model))
	if !ok {
		return 0, false
	}
	return pr.Cost(promptTokens, completionTokens), true
}

func (p *AnthropicProvider) CountTokens(_ context.Context, messages []thread.Message, _ []ToolSpec) (int, bool, error) {
	return EstimateTokens(messages), false, nil
}

func (p *AnthropicProvider) buildParams(messages []thread.Message, tools []ToolSpec) anthropic.MessageNewParams {
	var system []anthropic.TextBlockParam
	var wireMessages []anthropic.MessageParam

	for _, m := range messages {
		switch m.Role {
		case thread.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case thread.RoleUser:
			if len(m.ToolResults) > 0 {
				blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.ToolResults))
				for _, tr := range m.ToolResults {
					blocks = append(blocks, anthropic.NewToolResultBlock(tr.ID, toolResultText(tr), tr.IsError))
				}
				wireMessages = append(wireMessages, anthropic.NewUserMessage(blocks...))
			} else {
				wireMessages = append(wireMessages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		case thread.RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: json.RawMessage(tc.Arguments),
					},
				})
			}
			wireMessages = append(wireMessages, anthropic.NewAssistantMessage(blocks...))
		}
	}

	anthropicTools := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var props map[string]any
		_ = json.Unmarshal(t.Schema, &struct {
			Properties *map[string]any `json:"properties"`
		}{&props})
		anthropicTools = append(anthropicTools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: props},
			},
		})
	}

	return anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: p.maxTok,
		System:    system,
		Messages:  wireMessages,
		Tools:     anthropicTools,
	}
}

func toolResultText(tr thread.ToolResult) string {
	out := ""
	for i, c := range tr.Content {
		if i > 0 {
			out += "\n"
		}
		out += c.Text
	}
	return out
}

func fromMessage(msg anthropic.Message) Response {
	var content string
	var calls []ToolCall
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			content = v.Text
		case anthropic.ToolUseBlock:
			calls = append(calls, ToolCall{ID: v.ID, Name: v.Name, Arguments: json.RawMessage(v.Input)})
		}
	}
	return Response{
		Content:   content,
		ToolCalls: calls,
		Usage: &Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
			CacheCreated:     int(msg.Usage.CacheCreationInputTokens),
			CacheRead:        int(msg.Usage.CacheReadInputTokens),
		},
	}
}

func (p *AnthropicProvider) CreateResponse(ctx context.Context, messages []thread.Message, tools []ToolSpec) (Response, error) {
	params := p.buildParams(messages, tools)

	var result anthropic.Message
	err := p.executeWithRetry(ctx, func() error {
		msg, err := p.client.Messages.New(ctx, params)
		if err != nil {
			return err
		}
		result = *msg
		return nil
	})
	if err != nil {
		return Response{}, classifyError(ctx, err)
	}
	return fromMessage(result), nil
}

func (p *AnthropicProvider) CreateStreamingResponse(ctx context.Context, messages []thread.Message, tools []ToolSpec, handler StreamHandler) (Response, error) {
	params := p.buildParams(messages, tools)

	var result anthropic.Message
	err := p.executeWithRetry(ctx, func() error {
		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		acc := anthropic.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				logger.G(ctx).WithError(err).Warn("failed to accumulate anthropic stream event")
				continue
			}
			switch v := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch d := v.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if handler.Token != nil {
						handler.Token(d.Text)
					}
				case anthropic.ThinkingDelta:
					if handler.ThinkingToken != nil {
						handler.ThinkingToken(d.Thinking)
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			return err
		}
		result = acc
		return nil
	})
	if err != nil {
		return Response{}, classifyError(ctx, err)
	}

	resp := fromMessage(result)
	if handler.UsageUpdate != nil && resp.Usage != nil {
		handler.UsageUpdate(*resp.Usage)
	}
	return resp, nil
}

// executeWithRetry wraps operation with the provider's configured retry
// policy, retrying only on errors the Anthropic SDK marks as HTTP-status
// retriable (not on cancellation).
func (p *AnthropicProvider) executeWithRetry(ctx context.Context, operation func() error) error {
	if p.retry.Attempts == 0 {
		return operation()
	}

	delayType := retry.BackOffDelay
	if p.retry.BackoffType == "fixed" {
		delayType = retry.FixedDelay
	}

	return retry.Do(
		operation,
		retry.RetryIf(isRetryableAnthropicError),
		retry.Attempts(uint(p.retry.Attempts)),
		retry.Delay(p.retry.InitialDelay),
		retry.DelayType(delayType),
		retry.MaxDelay(p.retry.MaxDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithField("attempt", n+1).Warn("retrying Anthropic API call")
		}),
	)
}

func isRetryableAnthropicError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == 429
	}
	return false
}

func classifyError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.Wrap(errs.ErrAborted, err.Error())
	}
	if isRetryableAnthropicError(err) {
		return errors.Wrap(errs.ErrTransient, err.Error())
	}
	return errors.Wrap(errs.ErrProviderError, err.Error())
}

var _ Provider = (*AnthropicProvider)(nil)
