package tools

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lace-ai/lace/pkg/logger"
)

// Decision is an Approval Policy verdict for a single tool call.
type Decision string

const (
	DecisionAllowOnce    Decision = "allow_once"
	DecisionAllowSession Decision = "allow_session"
	DecisionDeny         Decision = "deny"
)

// Approver gates tool calls before execution. ShouldStop signals the
// Executor that the caller should terminate the turn entirely (e.g. the
// user chose "stop" rather than just "deny this one").
type Approver interface {
	Decide(ctx context.Context, tool Tool, args json.RawMessage) (decision Decision, shouldStop bool, err error)
}

// AlwaysAllow is an Approver that approves every call; used for tests and
// trusted contexts. An Executor built with a nil Approver (such as a
// delegate executor whose parent has no approval callback) uses AlwaysDeny.
type AlwaysAllow struct{}

func (AlwaysAllow) Decide(context.Context, Tool, json.RawMessage) (Decision, bool, error) {
	return DecisionAllowOnce, false, nil
}

// AlwaysDeny is the Approver used when a delegate inherits no approval
// callback from its parent.
type AlwaysDeny struct{}

func (AlwaysDeny) Decide(context.Context, Tool, json.RawMessage) (Decision, bool, error) {
	return DecisionDeny, false, nil
}

// ExecutorConfig bundles the Tool Executor's tunables.
type ExecutorConfig struct {
	MaxConcurrentTools int
	Retry              RetryConfig
	Breaker            BreakerConfig
}

// DefaultExecutorConfig mirrors the defaults in §4.4.
var DefaultExecutorConfig = ExecutorConfig{
	MaxConcurrentTools: 10,
	Retry:              DefaultRetryConfig,
	Breaker:            DefaultBreakerConfig,
}

// Executor runs batches of tool Calls against a Registry, applying approval
// gating, bounded-concurrency parallel execution, retry with backoff, a
// per-tool circuit breaker, and sequential fallback on high batch failure
// rates.
type Executor struct {
	registry *Registry
	approver Approver
	cfg      ExecutorConfig
	breakers *CircuitBreakers
}

// NewExecutor builds an Executor over registry, gated by approver.
func NewExecutor(registry *Registry, approver Approver, cfg ExecutorConfig) *Executor {
	if approver == nil {
		approver = AlwaysDeny{}
	}
	return &Executor{
		registry: registry,
		approver: approver,
		cfg:      cfg,
		breakers: NewCircuitBreakers(cfg.Breaker),
	}
}

// BatchOutcome is the result of one ExecuteBatch call: Results in call
// order, and ShouldStop set when any approval decision in the batch came
// back with shouldStop=true. The Agent Core checks ShouldStop after each
// batch to implement §4.6 step 4h.
type BatchOutcome struct {
	Results    []Result
	ShouldStop bool
}

// ExecuteBatch runs every call in calls, preserving output order to match
// input order regardless of completion order.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []Call) BatchOutcome {
	if len(calls) == 0 {
		return BatchOutcome{}
	}

	results := make([]Result, len(calls))
	stopFlags := make([]bool, len(calls))
	retriableFlags := make([]bool, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrentTools)

	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			// Each call's failure is independent; never return a non-nil
			// error here, or errgroup would cancel sibling calls.
			res, stop, retriable := e.executeOne(gctx, call)
			results[i] = res
			stopFlags[i] = stop
			retriableFlags[i] = retriable
			return nil
		})
	}
	_ = g.Wait()

	outcome := BatchOutcome{Results: results}

	failures := 0
	retriableFailures := 0
	for i, r := range results {
		if !r.Success {
			failures++
			if retriableFlags[i] {
				retriableFailures++
			}
		}
		if stopFlags[i] {
			outcome.ShouldStop = true
		}
	}

	if len(calls) > 0 && float64(failures)/float64(len(calls)) > 0.5 && retriableFailures > 1 {
		outcome.Results = e.sequentialFallback(ctx, calls, results)
	}

	return outcome
}

// sequentialFallback re-runs the failing subset of a batch one at a time,
// per §4.4.5, marking every re-run result sequentialFallback=true.
func (e *Executor) sequentialFallback(ctx context.Context, calls []Call, results []Result) []Result {
	out := make([]Result, len(results))
	copy(out, results)

	anySuccess := false
	anyFailure := false

	for i, r := range results {
		if r.Success || r.Denied {
			if r.Success {
				anySuccess = true
			}
			continue
		}
		res, _, _ := e.executeOne(ctx, calls[i])
		res.SequentialFallback = true
		out[i] = res
		if res.Success {
			anySuccess = true
		} else {
			anyFailure = true
		}
	}

	if anySuccess && anyFailure {
		for i := range out {
			if out[i].SequentialFallback {
				out[i].GracefulDegradation = true
			}
		}
	}
	return out
}

// executeOne runs a single call through approval gating, retry and circuit
// breaking. It returns the normalized Result, whether the turn should stop,
// and whether the final failure (if any) was retriable — used by
// ExecuteBatch to decide on sequential fallback.
func (e *Executor) executeOne(ctx context.Context, call Call) (Result, bool, bool) {
	result := Result{Call: call}

	tool, err := e.registry.Get(call.Name)
	if err != nil {
		result.ActionableError = err.Error()
		return result, false, false
	}

	decision, shouldStop, err := e.approver.Decide(ctx, tool, call.Arguments)
	if err != nil || decision == DecisionDeny {
		result.Denied = true
		if err != nil {
			result.ActionableError = err.Error()
		}
		return result, shouldStop, false
	}
	result.Approved = true

	if !e.breakers.Allow(call.Name) {
		result.CircuitBroken = true
		result.ActionableError = "circuit open for tool " + call.Name
		return result, false, false
	}

	var lastErr error
	var totalDelay time.Duration
	attemptsMade := 0
	for attempt := 0; attempt <= e.cfg.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			d := e.cfg.Retry.Delay(attempt - 1)
			totalDelay += d
			select {
			case <-time.After(d):
			case <-ctx.Done():
				result.ActionableError = ctx.Err().Error()
				result.RetryAttempts = attemptsMade
				result.TotalRetryDelay = totalDelay.Seconds()
				return result, false, false
			}
		}

		attemptsMade++
		content, execErr := tool.Execute(ctx, call.Arguments)
		if execErr == nil {
			result.Success = true
			result.Content = content
			result.RetryAttempts = attemptsMade - 1
			result.TotalRetryDelay = totalDelay.Seconds()
			e.breakers.RecordSuccess(call.Name)
			return result, false, false
		}

		lastErr = execErr
		logger.G(ctx).WithError(execErr).WithField("tool_name", call.Name).WithField("attempt", attempt).Warn("tool execution failed")

		if !IsRetriable(execErr) {
			break
		}
	}

	e.breakers.RecordFailure(call.Name)
	result.RetryAttempts = attemptsMade - 1
	result.TotalRetryDelay = totalDelay.Seconds()
	retriable := lastErr != nil && IsRetriable(lastErr)
	if lastErr != nil {
		result.ActionableError = lastErr.Error()
	}
	return result, false, retriable
}
