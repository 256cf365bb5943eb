package provider

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/lace-ai/lace/pkg/thread"
)

// MockResponse is one scripted answer a MockProvider returns in sequence.
type MockResponse struct {
	Response Response
	Err      error
}

// MockProvider is a scriptable Provider for tests: each call to
// CreateResponse/CreateStreamingResponse pops the next MockResponse off its
// script, in order.
type MockProvider struct {
	mu       sync.Mutex
	name     string
	model    string
	script   []MockResponse
	calls    []CallRecord
	contextW int
	pricing  *ModelPricing
}

// CallRecord captures one request a MockProvider received, for assertions.
type CallRecord struct {
	Messages []thread.Message
	Tools    []ToolSpec
}

// NewMockProvider builds a MockProvider that returns script entries in order.
func NewMockProvider(name, model string, script ...MockResponse) *MockProvider {
	return &MockProvider{name: name, model: model, script: script, contextW: 200_000}
}

func (m *MockProvider) Name() string  { return m.name }
func (m *MockProvider) Model() string { return m.model }

// WithContextWindow overrides the context window MockProvider reports.
func (m *MockProvider) WithContextWindow(tokens int) *MockProvider {
	m.contextW = tokens
	return m
}

// WithPricing overrides the pricing MockProvider reports for Cost.
func (m *MockProvider) WithPricing(p ModelPricing) *MockProvider {
	m.pricing = &p
	return m
}

func (m *MockProvider) ContextWindow() (int, bool) {
	return m.contextW, m.contextW > 0
}

func (m *MockProvider) Cost(promptTokens, completionTokens int) (float64, bool) {
	if m.pricing == nil {
		return 0, false
	}
	return m.pricing.Cost(promptTokens, completionTokens), true
}

func (m *MockProvider) CountTokens(_ context.Context, messages []thread.Message, _ []ToolSpec) (int, bool, error) {
	return EstimateTokens(messages), false, nil
}

// Calls returns every request MockProvider received, in order.
func (m *MockProvider) Calls() []CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallRecord, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockProvider) next(messages []thread.Message, tools []ToolSpec) (Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, CallRecord{Messages: messages, Tools: tools})
	if len(m.script) == 0 {
		return Response{}, errors.New("mock provider: script exhausted")
	}
	next := m.script[0]
	m.script = m.script[1:]
	return next.Response, next.Err
}

func (m *MockProvider) CreateResponse(_ context.Context, messages []thread.Message, tools []ToolSpec) (Response, error) {
	return m.next(messages, tools)
}

func (m *MockProvider) CreateStreamingResponse(_ context.Context, messages []thread.Message, tools []ToolSpec, handler StreamHandler) (Response, error) {
	resp, err := m.next(messages, tools)
	if err != nil {
		return Response{}, err
	}
	if handler.Token != nil && resp.Content != "" {
		handler.Token(resp.Content)
	}
	for _, tc := range resp.ToolCalls {
		if handler.ToolUseStart != nil {
			handler.ToolUseStart(tc)
		}
	}
	if handler.UsageUpdate != nil && resp.Usage != nil {
		handler.UsageUpdate(*resp.Usage)
	}
	return resp, nil
}

var _ Provider = (*MockProvider)(nil)
