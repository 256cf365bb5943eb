package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"github.com/avast/retry-go/v4"

	laceerrs "github.com/lace-ai/lace/pkg/errs"
	"github.com/lace-ai/lace/pkg/logger"
	"github.com/lace-ai/lace/pkg/thread"
)

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Retry   RetryConfig
	Pricing PricingTable
}

// OpenAIProvider adapts OpenAI's Chat Completions API to the Provider
// interface.
type OpenAIProvider struct {
	client  *openai.Client
	model   string
	retry   RetryConfig
	pricing PricingTable
}

// NewOpenAIProvider builds a Provider backed by the go-openai client.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4.1"
	}
	retryCfg := cfg.Retry
	if retryCfg.Attempts == 0 {
		retryCfg = DefaultRetryConfig
	}
	pricing := cfg.Pricing
	if pricing == nil {
		pricing = defaultPricing
	}

	return &OpenAIProvider{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		retry:   retryCfg,
		pricing: pricing,
	}
}

func (p *OpenAIProvider) Name() string  { return "openai" }
func (p *OpenAIProvider) Model() string { return p.model }

func (p *OpenAIProvider) ContextWindow() (int, bool) {
	if pr, ok := p.pricing.Lookup(p.model); ok && pr.ContextWindow > 0 {
		return pr.ContextWindow, true
	}
	return 0, false
}

func (p *OpenAIProvider) Cost(promptTokens, completionTokens int) (float64, bool) {
	pr, ok := p.pricing.Lookup(p.model)
	if !ok {
		return 0, false
	}
	return pr.Cost(promptTokens, completionTokens), true
}

func (p *OpenAIProvider) CountTokens(_ context.Context, messages []thread.Message, _ []ToolSpec) (int, bool, error) {
	return EstimateTokens(messages), false, nil
}

func toOpenAIMessages(messages []thread.Message) []openai.ChatCompletionMessage {
	var system []string
	var out []openai.ChatCompletionMessage

	for _, m := range messages {
		switch m.Role {
		case thread.RoleSystem:
			system = append(system, m.Content)
		case thread.RoleUser:
			if len(m.ToolResults) > 0 {
				for _, tr := range m.ToolResults {
					out = append(out, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    toolResultText(tr),
						ToolCallID: tr.ID,
					})
				}
			} else {
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
			}
		case thread.RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, msg)
		}
	}

	if len(system) > 0 {
		out = append([]openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleSystem,
			Content: strings.Join(system, "\n\n"),
		}}, out...)
	}
	return out
}

func toOpenAITools(tools []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		_ = json.Unmarshal(t.Schema, &schema)
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}

func fromOpenAIResponse(resp openai.ChatCompletionResponse) Response {
	if len(resp.Choices) == 0 {
		return Response{Usage: usageFromOpenAI(resp.Usage)}
	}
	msg := resp.Choices[0].Message
	var calls []ToolCall
	for _, tc := range msg.ToolCalls {
		calls = append(calls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: json.RawMessage(tc.Function.Arguments)})
	}
	return Response{
		Content:   msg.Content,
		ToolCalls: calls,
		Usage:     usageFromOpenAI(resp.Usage),
	}
}

func usageFromOpenAI(u openai.Usage) *Usage {
	return &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func (p *OpenAIProvider) CreateResponse(ctx context.Context, messages []thread.Message, tools []ToolSpec) (Response, error) {
	req := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: toOpenAIMessages(messages),
	}
	if len(tools) > 0 {
		req.Tools = toOpenAITools(tools)
		req.ToolChoice = "auto"
	}

	var result openai.ChatCompletionResponse
	err := p.executeWithRetry(ctx, func() error {
		resp, err := p.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return err
		}
		result = resp
		return nil
	})
	if err != nil {
		return Response{}, classifyOpenAIError(ctx, err)
	}
	return fromOpenAIResponse(result), nil
}

func (p *OpenAIProvider) CreateStreamingResponse(ctx context.Context, messages []thread.Message, tools []ToolSpec, handler StreamHandler) (Response, error) {
	req := openai.ChatCompletionRequest{
		Model:         p.model,
		Messages:      toOpenAIMessages(messages),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if len(tools) > 0 {
		req.Tools = toOpenAITools(tools)
		req.ToolChoice = "auto"
	}

	var content strings.Builder
	var toolCalls []openai.ToolCall
	var usage openai.Usage

	err := p.executeWithRetry(ctx, func() error {
		content.Reset()
		toolCalls = nil
		usage = openai.Usage{}

		stream, err := p.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			return err
		}
		defer stream.Close()

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			for _, choice := range chunk.Choices {
				delta := choice.Delta
				if delta.Content != "" {
					content.WriteString(delta.Content)
					if handler.Token != nil {
						handler.Token(delta.Content)
					}
				}
				for _, tc := range delta.ToolCalls {
					if tc.Index == nil {
						continue
					}
					idx := *tc.Index
					for len(toolCalls) <= idx {
						toolCalls = append(toolCalls, openai.ToolCall{})
					}
					if tc.ID != "" {
						toolCalls[idx].ID = tc.ID
					}
					if tc.Function.Name != "" {
						toolCalls[idx].Function.Name = tc.Function.Name
					}
					if tc.Function.Arguments != "" {
						toolCalls[idx].Function.Arguments += tc.Function.Arguments
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return Response{}, classifyOpenAIError(ctx, err)
	}

	var calls []ToolCall
	for _, tc := range toolCalls {
		calls = append(calls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: json.RawMessage(tc.Function.Arguments)})
	}
	u := usageFromOpenAI(usage)
	if handler.UsageUpdate != nil {
		handler.UsageUpdate(*u)
	}
	return Response{Content: content.String(), ToolCalls: calls, Usage: u}, nil
}

func (p *OpenAIProvider) executeWithRetry(ctx context.Context, operation func() error) error {
	if p.retry.Attempts == 0 {
		return operation()
	}
	delayType := retry.BackOffDelay
	if p.retry.BackoffType == "fixed" {
		delayType = retry.FixedDelay
	}
	return retry.Do(
		operation,
		retry.RetryIf(isRetryableOpenAIError),
		retry.Attempts(uint(p.retry.Attempts)),
		retry.Delay(p.retry.InitialDelay),
		retry.DelayType(delayType),
		retry.MaxDelay(p.retry.MaxDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithField("attempt", n+1).Warn("retrying OpenAI API call")
		}),
	)
}

func isRetryableOpenAIError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode >= 500 || apiErr.HTTPStatusCode == 429
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return true
	}
	return false
}

func classifyOpenAIError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return pkgerrors.Wrap(laceerrs.ErrAborted, err.Error())
	}
	if isRetryableOpenAIError(err) {
		return pkgerrors.Wrap(laceerrs.ErrTransient, err.Error())
	}
	return pkgerrors.Wrap(laceerrs.ErrProviderError, err.Error())
}

var _ Provider = (*OpenAIProvider)(nil)
