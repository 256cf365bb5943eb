package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lace-ai/lace/pkg/errs"
	"github.com/lace-ai/lace/pkg/events"
	"github.com/lace-ai/lace/pkg/eventbus"
	"github.com/lace-ai/lace/pkg/provider"
	"github.com/lace-ai/lace/pkg/thread"
	"github.com/lace-ai/lace/pkg/tools"
)

type fileListTool struct{}

func (fileListTool) Name() string            { return "file_list" }
func (fileListTool) Description() string     { return "lists files" }
func (fileListTool) Annotations() tools.Annotations {
	return tools.Annotations{ReadOnly: true}
}
func (fileListTool) GenerateSchema() *jsonschema.Schema { return &jsonschema.Schema{Type: "object"} }
func (fileListTool) Execute(context.Context, json.RawMessage) (string, error) {
	return "a.go\nb.go", nil
}

// testHarness bundles the collaborators every Agent test needs, wired the
// same way a host would wire them at startup.
type testHarness struct {
	agent   *Agent
	bus     *eventbus.Bus
	manager *thread.Manager
	threadID string

	mu     sync.Mutex
	events []eventbus.Event
}

func newHarness(t *testing.T, p provider.Provider) *testHarness {
	t.Helper()

	store := events.NewMemoryStore()
	manager := thread.NewManager(store)
	meta, err := manager.CreateRootThread(context.Background(), nil)
	require.NoError(t, err)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(fileListTool{}))
	executor := tools.NewExecutor(registry, tools.AlwaysAllow{}, tools.DefaultExecutorConfig)

	bus := eventbus.New()
	h := &testHarness{bus: bus, manager: manager, threadID: meta.ID}
	bus.SubscribeAll(func(e eventbus.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, e)
	})

	h.agent = New(Config{
		Provider: p,
		Executor: executor,
		Registry: registry,
		Bus:      bus,
		Manager:  manager,
		ThreadID: meta.ID,
		Now:      func() time.Time { return time.Unix(0, 0).UTC() },
		// keep the progress ticker from firing mid-assertion in short tests
		ProgressInterval: time.Hour,
	})
	return h
}

func (h *testHarness) names() []eventbus.Name {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]eventbus.Name, len(h.events))
	for i, e := range h.events {
		out[i] = e.Name
	}
	return out
}

func (h *testHarness) threadEventTypes(t *testing.T) []events.Type {
	t.Helper()
	evs, err := h.manager.Events(context.Background(), h.threadID)
	require.NoError(t, err)
	out := make([]events.Type, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

func countName(names []eventbus.Name, want eventbus.Name) int {
	n := 0
	for _, name := range names {
		if name == want {
			n++
		}
	}
	return n
}

// TestAgent_SingleToolUse covers a single-tool-use turn: the
// provider asks for one tool call, gets its result appended, then answers
// with no further tool calls.
func TestAgent_SingleToolUse(t *testing.T) {
	p := provider.NewMockProvider("mock", "mock-model",
		provider.MockResponse{Response: provider.Response{
			Content: "I'll list files",
			ToolCalls: []provider.ToolCall{
				{ID: "t1", Name: "file_list", Arguments: json.RawMessage(`{"path":"."}`)},
			},
			Usage: &provider.Usage{PromptTokens: 30, CompletionTokens: 5},
		}},
		provider.MockResponse{Response: provider.Response{
			Content: "Done.",
			Usage:   &provider.Usage{PromptTokens: 50, CompletionTokens: 5},
		}},
	)

	h := newHarness(t, p)

	metrics, err := h.agent.Send(context.Background(), "list the files", SendOptions{})
	require.NoError(t, err)

	assert.Equal(t, "completed", metrics.FinishReason)
	assert.GreaterOrEqual(t, metrics.CompletionTokens, 10)

	wantTypes := []events.Type{
		events.TypeUserMessage,
		events.TypeAgentMessage,
		events.TypeToolCall,
		events.TypeToolResult,
		events.TypeAgentMessage,
	}
	assert.Equal(t, wantTypes, h.threadEventTypes(t))

	evs, err := h.manager.Events(context.Background(), h.threadID)
	require.NoError(t, err)

	var toolResult events.ToolResultData
	require.NoError(t, events.DecodeData(evs[3], &toolResult))
	assert.Equal(t, "t1", toolResult.ID)
	assert.False(t, toolResult.IsError)

	var final events.TextData
	require.NoError(t, events.DecodeData(evs[4], &final))
	assert.Equal(t, "Done.", final.Text)
}

// TestAgent_TurnStartAndCompletePair checks exactly one turn_start and one
// turn_complete fire per normally-completing turn, sharing one turn id.
func TestAgent_TurnStartAndCompletePair(t *testing.T) {
	p := provider.NewMockProvider("mock", "mock-model",
		provider.MockResponse{Response: provider.Response{
			Content: "hi",
			Usage:   &provider.Usage{PromptTokens: 5, CompletionTokens: 2},
		}},
	)
	h := newHarness(t, p)

	metrics, err := h.agent.Send(context.Background(), "hello", SendOptions{})
	require.NoError(t, err)

	names := h.names()
	assert.Equal(t, 1, countName(names, eventbus.TurnStart))
	assert.Equal(t, 1, countName(names, eventbus.TurnComplete))

	h.mu.Lock()
	defer h.mu.Unlock()
	var startID, completeID string
	for _, e := range h.events {
		switch e.Name {
		case eventbus.TurnStart:
			startID = e.Payload.(TurnMetrics).TurnID
		case eventbus.TurnComplete:
			completeID = e.Payload.(TurnMetrics).TurnID
		}
	}
	assert.Equal(t, startID, completeID)
	assert.Equal(t, metrics.TurnID, startID)
}

// TestAgent_RejectsOverlappingSend ensures a second Send on an already-active
// Agent is rejected rather than interleaved.
func TestAgent_RejectsOverlappingSend(t *testing.T) {
	block := make(chan struct{})
	p := &blockingProvider{unblock: block}
	h := newHarness(t, p)

	started := make(chan struct{})
	firstDone := make(chan struct{})
	go func() {
		close(started)
		defer close(firstDone)
		_, _ = h.agent.Send(context.Background(), "first", SendOptions{})
	}()
	<-started
	// give the goroutine a chance to mark the turn active
	time.Sleep(20 * time.Millisecond)

	_, err := h.agent.Send(context.Background(), "second", SendOptions{})
	assert.Error(t, err)

	close(block)
	<-firstDone
}

// TestAgent_AbortIsIdempotent checks a second Abort call returns false.
func TestAgent_AbortIsIdempotent(t *testing.T) {
	block := make(chan struct{})
	p := &blockingProvider{unblock: block}
	h := newHarness(t, p)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.agent.Send(context.Background(), "hello", SendOptions{})
	}()
	time.Sleep(20 * time.Millisecond)

	assert.True(t, h.agent.Abort())
	assert.False(t, h.agent.Abort())

	close(block)
	<-done
}

// TestAgent_IterationLimitStillEmitsTurnComplete checks the loop-cap path
// appends the system message, still fires turn_complete, and returns
// errs.ErrIterationLimit.
func TestAgent_IterationLimitStillEmitsTurnComplete(t *testing.T) {
	var script []provider.MockResponse
	for i := 0; i < 3; i++ {
		script = append(script, provider.MockResponse{Response: provider.Response{
			Content: "still working",
			ToolCalls: []provider.ToolCall{
				{ID: "t", Name: "file_list", Arguments: json.RawMessage(`{}`)},
			},
			Usage: &provider.Usage{PromptTokens: 10, CompletionTokens: 2},
		}})
	}
	p := provider.NewMockProvider("mock", "mock-model", script...)
	h := newHarness(t, p)

	metrics, err := h.agent.Send(context.Background(), "loop forever", SendOptions{MaxIterations: 2})
	require.ErrorIs(t, err, errs.ErrIterationLimit)
	assert.Equal(t, "iteration_limit", metrics.FinishReason)
	assert.Equal(t, 1, countName(h.names(), eventbus.TurnComplete))

	types := h.threadEventTypes(t)
	assert.Equal(t, events.TypeLocalSystemMessage, types[len(types)-1])
}

// blockingProvider blocks CreateStreamingResponse until unblock is closed or
// ctx is cancelled, used to exercise overlapping-Send and Abort semantics.
type blockingProvider struct {
	unblock chan struct{}
}

func (b *blockingProvider) Name() string  { return "blocking" }
func (b *blockingProvider) Model() string { return "blocking-model" }
func (b *blockingProvider) ContextWindow() (int, bool) { return 0, false }
func (b *blockingProvider) Cost(int, int) (float64, bool) { return 0, false }
func (b *blockingProvider) CountTokens(context.Context, []thread.Message, []provider.ToolSpec) (int, bool, error) {
	return 0, false, nil
}

func (b *blockingProvider) CreateResponse(ctx context.Context, _ []thread.Message, _ []provider.ToolSpec) (provider.Response, error) {
	select {
	case <-b.unblock:
		return provider.Response{Content: "done"}, nil
	case <-ctx.Done():
		return provider.Response{}, ctx.Err()
	}
}

func (b *blockingProvider) CreateStreamingResponse(ctx context.Context, msgs []thread.Message, specs []provider.ToolSpec, _ provider.StreamHandler) (provider.Response, error) {
	return b.CreateResponse(ctx, msgs, specs)
}

var _ provider.Provider = (*blockingProvider)(nil)
