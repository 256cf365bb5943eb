// Package agent implements the Agent Core (C6): the turn state machine and
// agentic loop that drives a thread through provider calls and tool
// execution, emitting the engine's lifecycle events on the Event Bus.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lace-ai/lace/pkg/errs"
	"github.com/lace-ai/lace/pkg/eventbus"
	"github.com/lace-ai/lace/pkg/events"
	"github.com/lace-ai/lace/pkg/logger"
	"github.com/lace-ai/lace/pkg/provider"
	"github.com/lace-ai/lace/pkg/thread"
	"github.com/lace-ai/lace/pkg/tools"
	"github.com/lace-ai/lace/pkg/usage"
)

// Agent is the Agent Core (C6). One Agent owns one logical control flow: a
// single active turn at a time over a single thread.
type Agent struct {
	cfg Config

	accountant *usage.Accountant

	mu         sync.Mutex
	state      State
	turnActive bool
	cancel     context.CancelFunc
}

// New builds an Agent bound to cfg.ThreadID. cfg is copied and defaulted;
// the caller's copy is left untouched.
func New(cfg Config) *Agent {
	cfg.setDefaults()
	return &Agent{
		cfg:        cfg,
		accountant: usage.NewAccountant(cfg.Now()),
		state:      StateIdle,
	}
}

// State returns the Agent's current state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Usage returns the Agent's session usage snapshot (C9).
func (a *Agent) Usage() usage.SessionUsage {
	return a.accountant.Snapshot()
}

func (a *Agent) setState(to State) {
	a.mu.Lock()
	from := a.state
	a.state = to
	a.mu.Unlock()
	a.cfg.Bus.Publish(eventbus.Event{Name: eventbus.StateChange, Payload: StateChangePayload{From: from, To: to}})
}

// Abort cancels the active turn, if any. Idempotent: returns false if no
// turn is active or it was already aborted.
func (a *Agent) Abort() bool {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// ReplaySessionEvents re-emits threadID's stored events as thread_event_added,
// in chronological order, for a freshly attached UI.
func (a *Agent) ReplaySessionEvents(ctx context.Context, threadID string) error {
	evs, err := a.cfg.Manager.Events(ctx, threadID)
	if err != nil {
		return err
	}
	for _, ev := range evs {
		a.cfg.Bus.Publish(eventbus.Event{Name: eventbus.ThreadEventAdded, Payload: ev})
	}
	return nil
}

// Send runs one full agentic turn for userText and returns its metrics.
// Exactly one turn runs at a time per Agent; a concurrent call returns an
// error immediately.
func (a *Agent) Send(ctx context.Context, userText string, opts SendOptions) (TurnMetrics, error) {
	a.mu.Lock()
	if a.turnActive {
		a.mu.Unlock()
		return TurnMetrics{}, errors.New("a turn is already active on this agent")
	}
	turnCtx, cancel := context.WithCancel(ctx)
	a.turnActive = true
	a.cancel = cancel
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.turnActive = false
		a.cancel = nil
		a.mu.Unlock()
	}()

	turnID, err := newTurnID(a.cfg.Now())
	if err != nil {
		return TurnMetrics{}, errors.Wrap(err, "failed to allocate turn id")
	}

	metrics := TurnMetrics{TurnID: turnID, StartedAt: a.cfg.Now()}
	var metricsMu sync.Mutex

	a.cfg.Bus.Publish(eventbus.Event{Name: eventbus.TurnStart, Payload: metrics})

	done := make(chan struct{})
	go a.runProgressTicker(turnCtx, &metrics, &metricsMu, done)
	defer close(done)

	if err := a.ensureSystemPrompt(turnCtx); err != nil {
		return metrics, errors.Wrap(err, "failed to append system prompt")
	}

	if _, err := a.appendEvent(turnCtx, events.TypeUserMessage, events.TextData{Text: userText}); err != nil {
		return metrics, errors.Wrap(err, "failed to append user message")
	}

	maxIterations := a.cfg.MaxIterations
	if opts.MaxIterations > 0 {
		maxIterations = opts.MaxIterations
	}

	activeProvider := a.cfg.Provider
	if opts.WeakModel && a.cfg.WeakProvider != nil {
		activeProvider = a.cfg.WeakProvider
	}

	finishReason := ""
	var turnErr error

iterations:
	for iteration := 0; iteration < maxIterations; iteration++ {
		setMetric(&metricsMu, &metrics, func(m *TurnMetrics) { m.Iterations++ })

		msgs, err := a.cfg.Manager.Reconstruct(turnCtx, a.cfg.ThreadID)
		if err != nil {
			turnErr = errors.Wrap(err, "failed to reconstruct conversation")
			a.cfg.Bus.Publish(eventbus.Event{Name: eventbus.Error, Payload: turnErr.Error()})
			a.setState(StateIdle)
			return metrics, turnErr
		}

		if window, ok := activeProvider.ContextWindow(); ok {
			trimmed, dropped := applyContextManagement(msgs, window, a.cfg.ContextUtilization)
			if dropped > 0 {
				logger.G(turnCtx).WithFields(map[string]any{
					"thread_id": a.cfg.ThreadID,
					"turn_id":   turnID,
					"dropped":   dropped,
				}).Warn("context window budget exceeded, dropped oldest messages")
				a.cfg.Bus.Publish(eventbus.Event{Name: eventbus.TokenBudgetWarning, Payload: map[string]any{
					"dropped_messages": dropped,
					"context_window":   window,
				}})
			}
			msgs = trimmed
		}

		cacheable := cacheableCount(len(msgs), a.cfg.CachingStrategy, a.cfg.FreshMessageCount)
		logger.G(turnCtx).WithFields(map[string]any{
			"turn_id":          turnID,
			"caching_strategy": a.cfg.CachingStrategy,
			"cacheable_count":  cacheable,
		}).Debug("context reconstructed for provider call")

		a.setState(StateThinking)
		a.cfg.Bus.Publish(eventbus.Event{Name: eventbus.AgentThinkingStart, Payload: nil})

		toolSpecs := a.toolSpecs()
		handler := a.streamHandler(turnCtx, &metrics, &metricsMu)

		a.setState(StateStreaming)
		resp, callErr := activeProvider.CreateStreamingResponse(turnCtx, msgs, toolSpecs, handler)

		if callErr != nil {
			if turnCtx.Err() != nil {
				a.setState(StateAborted)
				a.cfg.Bus.Publish(eventbus.Event{Name: eventbus.TurnAborted, Payload: metrics})
				a.setState(StateIdle)
				return metrics, errs.ErrAborted
			}
			logger.G(turnCtx).WithError(callErr).WithField("turn_id", turnID).Error("provider call failed")
			if _, appendErr := a.appendEvent(turnCtx, events.TypeLocalSystemMessage, events.TextData{Text: fmt.Sprintf("Provider error: %s", callErr.Error())}); appendErr != nil {
				logger.G(turnCtx).WithError(appendErr).Error("failed to append provider-error system message")
			}
			a.cfg.Bus.Publish(eventbus.Event{Name: eventbus.Error, Payload: callErr.Error()})
			a.setState(StateIdle)
			return metrics, errors.Wrap(errs.ErrProviderError, callErr.Error())
		}

		a.cfg.Bus.Publish(eventbus.Event{Name: eventbus.AgentThinkingComplete, Payload: nil})

		if resp.Usage != nil {
			setMetric(&metricsMu, &metrics, func(m *TurnMetrics) {
				m.PromptTokens = resp.Usage.PromptTokens
				m.CompletionTokens += resp.Usage.CompletionTokens
				m.TotalTokens = m.PromptTokens + m.CompletionTokens
			})
			usage.LogTurnUsage(turnCtx, *resp.Usage, activeProvider, metrics.StartedAt)
		}

		if _, err := a.appendEvent(turnCtx, events.TypeAgentMessage, events.TextData{Text: resp.Content}); err != nil {
			return metrics, errors.Wrap(err, "failed to append agent message")
		}
		a.cfg.Bus.Publish(eventbus.Event{Name: eventbus.AgentResponseComplete, Payload: resp.Content})

		if len(resp.ToolCalls) == 0 {
			finishReason = "completed"
			break iterations
		}

		setMetric(&metricsMu, &metrics, func(m *TurnMetrics) { m.ToolCalls += len(resp.ToolCalls) })

		shouldStop, err := a.runToolCalls(turnCtx, resp.ToolCalls)
		if err != nil {
			turnErr = err
			if turnCtx.Err() != nil {
				a.setState(StateAborted)
				a.cfg.Bus.Publish(eventbus.Event{Name: eventbus.TurnAborted, Payload: metrics})
				a.setState(StateIdle)
				return metrics, errs.ErrAborted
			}
			a.cfg.Bus.Publish(eventbus.Event{Name: eventbus.Error, Payload: err.Error()})
			a.setState(StateIdle)
			return metrics, err
		}
		if shouldStop {
			if _, err := a.appendEvent(turnCtx, events.TypeLocalSystemMessage, events.TextData{Text: "Execution stopped by user"}); err != nil {
				logger.G(turnCtx).WithError(err).Error("failed to append stop-by-user system message")
			}
			finishReason = "stopped_by_user"
			break iterations
		}

		a.setState(StateThinking)
	}

	if finishReason == "" {
		finishReason = "iteration_limit"
		if _, err := a.appendEvent(turnCtx, events.TypeLocalSystemMessage, events.TextData{Text: "Iteration limit reached"}); err != nil {
			logger.G(turnCtx).WithError(err).Error("failed to append iteration-limit system message")
		}
		turnErr = errs.ErrIterationLimit
	}

	setMetric(&metricsMu, &metrics, func(m *TurnMetrics) { m.FinishReason = finishReason })
	final := snapshotMetric(&metricsMu, &metrics)

	a.accountant.RecordTurn(a.cfg.Now(), provider.Usage{
		PromptTokens:     final.PromptTokens,
		CompletionTokens: final.CompletionTokens,
		TotalTokens:      final.TotalTokens,
	})

	a.cfg.Bus.Publish(eventbus.Event{Name: eventbus.TurnComplete, Payload: final})
	a.cfg.Bus.Publish(eventbus.Event{Name: eventbus.ConversationComplete, Payload: final})
	a.setState(StateIdle)

	if finishReason == "iteration_limit" {
		return final, turnErr
	}
	return final, nil
}

// runToolCalls appends a TOOL_CALL event per call, executes the batch, and
// appends a TOOL_RESULT event per outcome in call order. Returns whether
// any denied result carried shouldStop.
func (a *Agent) runToolCalls(ctx context.Context, calls []provider.ToolCall) (bool, error) {
	a.setState(StateToolExecution)

	toolCalls := make([]tools.Call, len(calls))
	for i, c := range calls {
		toolCalls[i] = tools.Call{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
		if _, err := a.appendEvent(ctx, events.TypeToolCall, events.ToolCallData{ID: c.ID, Name: c.Name, Arguments: c.Arguments}); err != nil {
			return false, errors.Wrap(err, "failed to append tool call")
		}
		a.cfg.Bus.Publish(eventbus.Event{Name: eventbus.ToolCallStart, Payload: toolCalls[i]})
	}

	outcome := a.cfg.Executor.ExecuteBatch(ctx, toolCalls)

	for _, r := range outcome.Results {
		text := r.Content
		if !r.Success && text == "" {
			text = r.ActionableError
			if text == "" {
				text = "tool call failed"
			}
		}
		if _, err := a.appendEvent(ctx, events.TypeToolResult, events.ToolResultData{
			ID:      r.Call.ID,
			Content: []events.ContentBlock{{Type: "text", Text: text}},
			IsError: !r.Success,
		}); err != nil {
			return false, errors.Wrap(err, "failed to append tool result")
		}
		a.cfg.Bus.Publish(eventbus.Event{Name: eventbus.ToolCallComplete, Payload: r})
	}

	return outcome.ShouldStop, nil
}

func (a *Agent) toolSpecs() []provider.ToolSpec {
	if a.cfg.Registry == nil {
		return nil
	}
	list := a.cfg.Registry.List()
	specs := make([]provider.ToolSpec, 0, len(list))
	for _, t := range list {
		schema, err := json.Marshal(t.GenerateSchema())
		if err != nil {
			logger.L.WithError(err).WithField("tool_name", t.Name()).Warn("failed to marshal tool schema")
			continue
		}
		specs = append(specs, provider.ToolSpec{Name: t.Name(), Description: t.Description(), Schema: schema})
	}
	return specs
}

func (a *Agent) streamHandler(ctx context.Context, metrics *TurnMetrics, mu *sync.Mutex) provider.StreamHandler {
	return provider.StreamHandler{
		Token: func(text string) {
			a.cfg.Bus.Publish(eventbus.Event{Name: eventbus.AgentToken, Payload: text})
		},
		ThinkingToken: func(text string) {
			a.cfg.Bus.Publish(eventbus.Event{Name: eventbus.AgentToken, Payload: text})
		},
		ToolUseStart: func(call provider.ToolCall) {
			a.cfg.Bus.Publish(eventbus.Event{Name: eventbus.ToolCallStart, Payload: call})
		},
		UsageUpdate: func(u provider.Usage) {
			a.cfg.Bus.Publish(eventbus.Event{Name: eventbus.TokenUsageUpdate, Payload: u})
		},
	}
}

// ensureSystemPrompt appends cfg.SystemPrompt as a SYSTEM_PROMPT event the
// first time this thread is sent on, so a fresh thread always opens with
// exactly one system message regardless of how many turns follow.
func (a *Agent) ensureSystemPrompt(ctx context.Context) error {
	if a.cfg.SystemPrompt == "" {
		return nil
	}
	evs, err := a.cfg.Manager.Events(ctx, a.cfg.ThreadID)
	if err != nil {
		return err
	}
	for _, ev := range evs {
		if ev.Type == events.TypeSystemPrompt {
			return nil
		}
	}
	_, err = a.appendEvent(ctx, events.TypeSystemPrompt, events.TextData{Text: a.cfg.SystemPrompt})
	return err
}

func (a *Agent) appendEvent(ctx context.Context, typ events.Type, data any) (events.Event, error) {
	ev, err := a.cfg.Manager.Append(ctx, a.cfg.ThreadID, typ, data)
	if err != nil {
		return events.Event{}, err
	}
	a.cfg.Bus.Publish(eventbus.Event{Name: eventbus.ThreadEventAdded, Payload: ev})
	return ev, nil
}

func (a *Agent) runProgressTicker(ctx context.Context, metrics *TurnMetrics, mu *sync.Mutex, done <-chan struct{}) {
	t := time.NewTicker(a.cfg.ProgressInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			a.cfg.Bus.Publish(eventbus.Event{Name: eventbus.TurnProgress, Payload: snapshotMetric(mu, metrics)})
		}
	}
}

func setMetric(mu *sync.Mutex, m *TurnMetrics, f func(*TurnMetrics)) {
	mu.Lock()
	defer mu.Unlock()
	f(m)
}

func snapshotMetric(mu *sync.Mutex, m *TurnMetrics) TurnMetrics {
	mu.Lock()
	defer mu.Unlock()
	return *m
}

func newTurnID(now time.Time) (string, error) {
	suffix, err := thread.RandomSuffix(6)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("turn_%d_%s", now.UnixMilli(), suffix), nil
}

