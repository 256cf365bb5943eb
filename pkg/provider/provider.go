// Package provider implements the Provider Abstraction (C3): a uniform
// request/stream interface over heterogeneous LLM backends, each adapter
// translating to/from the thread package's canonical conversation form.
package provider

import (
	"context"
	"encoding/json"

	"github.com/lace-ai/lace/pkg/thread"
)

// ToolSpec is the provider-facing description of a tool the model may call.
// It carries only what a request needs to build a function/tool-use
// declaration; the Tool Registry & Executor owns the rest.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Usage reports token accounting for a single provider call. PromptTokens
// already reflects the full context sent, per §4.9 of the accounting rules.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CacheCreated     int
	CacheRead        int
}

// Response is a provider's answer to a single create_response call.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *Usage
}

// StreamHandler receives incremental events during CreateStreamingResponse.
// ThinkingToken carries reasoning/thinking deltas where the provider
// exposes them; Token carries ordinary content deltas.
type StreamHandler struct {
	Token         func(text string)
	ThinkingToken func(text string)
	ToolUseStart  func(call ToolCall)
	UsageUpdate   func(usage Usage)
}

// Provider is the capability set every LLM backend adapter implements.
// CountTokens, ContextWindow and Cost are optional capabilities: an adapter
// that cannot offer them returns ok=false, and callers fall back to the
// estimator in EstimateTokens.
type Provider interface {
	// Name identifies the provider variant ("anthropic", "openai", "google", "mock").
	Name() string
	// Model returns the model this Provider instance is bound to.
	Model() string

	// CreateResponse issues a single non-streaming request.
	CreateResponse(ctx context.Context, messages []thread.Message, tools []ToolSpec) (Response, error)
	// CreateStreamingResponse issues a request and delivers incremental
	// events to handler as they arrive, returning the same aggregate
	// Response a non-streaming call would have produced.
	CreateStreamingResponse(ctx context.Context, messages []thread.Message, tools []ToolSpec, handler StreamHandler) (Response, error)

	// CountTokens returns an exact prompt token count when the backend
	// supports it.
	CountTokens(ctx context.Context, messages []thread.Message, tools []ToolSpec) (tokens int, ok bool, err error)
	// ContextWindow returns the model's context window size in tokens, or
	// ok=false if unknown.
	ContextWindow() (tokens int, ok bool)
	// Cost estimates the dollar cost of a call from token counts, or
	// ok=false if no pricing is known for this model.
	Cost(promptTokens, completionTokens int) (dollars float64, ok bool)
}

// EstimateTokens is the ceil(chars/4) fallback estimator used when a
// Provider can't count tokens exactly.
func EstimateTokens(messages []thread.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
		for _, tr := range m.ToolResults {
			for _, c := range tr.Content {
				chars += len(c.Text)
			}
		}
	}
	return (chars + 3) / 4
}
