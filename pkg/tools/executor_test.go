package tools

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTool struct {
	name string
	ann  Annotations
	exec func(ctx context.Context, args json.RawMessage) (string, error)
}

func (f *fakeTool) Name() string                        { return f.name }
func (f *fakeTool) Description() string                 { return "fake" }
func (f *fakeTool) Annotations() Annotations             { return f.ann }
func (f *fakeTool) GenerateSchema() *jsonschema.Schema   { return &jsonschema.Schema{Type: "object"} }
func (f *fakeTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return f.exec(ctx, args)
}

func registryWith(tools ...Tool) *Registry {
	r := NewRegistry()
	for _, t := range tools {
		_ = r.Register(t)
	}
	return r
}

func TestExecutor_ApprovalDeny(t *testing.T) {
	tool := &fakeTool{name: "bash", exec: func(context.Context, json.RawMessage) (string, error) { return "ran", nil }}
	exec := NewExecutor(registryWith(tool), AlwaysDeny{}, DefaultExecutorConfig)

	outcome := exec.ExecuteBatch(context.Background(), []Call{{ID: "1", Name: "bash"}})
	require.Len(t, outcome.Results, 1)
	assert.True(t, outcome.Results[0].Denied)
	assert.False(t, outcome.Results[0].Success)
}

func TestExecutor_SuccessPreservesOrder(t *testing.T) {
	slow := &fakeTool{name: "slow", exec: func(context.Context, json.RawMessage) (string, error) { return "slow-done", nil }}
	fast := &fakeTool{name: "fast", exec: func(context.Context, json.RawMessage) (string, error) { return "fast-done", nil }}
	exec := NewExecutor(registryWith(slow, fast), AlwaysAllow{}, DefaultExecutorConfig)

	calls := []Call{{ID: "1", Name: "slow"}, {ID: "2", Name: "fast"}}
	outcome := exec.ExecuteBatch(context.Background(), calls)

	require.Len(t, outcome.Results, 2)
	assert.Equal(t, "slow-done", outcome.Results[0].Content)
	assert.Equal(t, "fast-done", outcome.Results[1].Content)
}

func TestExecutor_RetriesRetriableFailureThenSucceeds(t *testing.T) {
	var attempts int32
	tool := &fakeTool{name: "flaky", exec: func(context.Context, json.RawMessage) (string, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return "", errors.New("temporary network error")
		}
		return "ok", nil
	}}
	cfg := DefaultExecutorConfig
	cfg.Retry.BaseDelay = 0
	cfg.Retry.MaxDelay = 0
	exec := NewExecutor(registryWith(tool), AlwaysAllow{}, cfg)

	outcome := exec.ExecuteBatch(context.Background(), []Call{{ID: "1", Name: "flaky"}})
	require.Len(t, outcome.Results, 1)
	assert.True(t, outcome.Results[0].Success)
	assert.Equal(t, 2, outcome.Results[0].RetryAttempts)
}

func TestExecutor_RetriesWithDefaultConfigStayWithinSpecWindow(t *testing.T) {
	var attempts int32
	tool := &fakeTool{name: "flaky", exec: func(context.Context, json.RawMessage) (string, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return "", errors.New("temporary network error")
		}
		return "ok", nil
	}}
	exec := NewExecutor(registryWith(tool), AlwaysAllow{}, DefaultExecutorConfig)

	outcome := exec.ExecuteBatch(context.Background(), []Call{{ID: "1", Name: "flaky"}})
	require.Len(t, outcome.Results, 1)
	assert.True(t, outcome.Results[0].Success)
	assert.Equal(t, 2, outcome.Results[0].RetryAttempts)

	totalDelay := outcome.Results[0].TotalRetryDelay
	assert.GreaterOrEqual(t, totalDelay, 0.2)
	assert.LessOrEqual(t, totalDelay, 0.66)
}

func TestExecutor_NonRetriableFailsImmediately(t *testing.T) {
	var attempts int32
	tool := &fakeTool{name: "strict", exec: func(context.Context, json.RawMessage) (string, error) {
		atomic.AddInt32(&attempts, 1)
		return "", errors.New("validation failed: missing field")
	}}
	exec := NewExecutor(registryWith(tool), AlwaysAllow{}, DefaultExecutorConfig)

	outcome := exec.ExecuteBatch(context.Background(), []Call{{ID: "1", Name: "strict"}})
	require.Len(t, outcome.Results, 1)
	assert.False(t, outcome.Results[0].Success)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestExecutor_CircuitBreakerOpensAfterThreshold(t *testing.T) {
	tool := &fakeTool{name: "broken", exec: func(context.Context, json.RawMessage) (string, error) {
		return "", errors.New("timeout calling downstream")
	}}
	cfg := DefaultExecutorConfig
	cfg.Retry.MaxRetries = 0
	cfg.Breaker.Threshold = 2
	exec := NewExecutor(registryWith(tool), AlwaysAllow{}, cfg)

	for i := 0; i < 2; i++ {
		outcome := exec.ExecuteBatch(context.Background(), []Call{{ID: "x", Name: "broken"}})
		assert.False(t, outcome.Results[0].Success)
		assert.False(t, outcome.Results[0].CircuitBroken)
	}

	outcome := exec.ExecuteBatch(context.Background(), []Call{{ID: "y", Name: "broken"}})
	assert.True(t, outcome.Results[0].CircuitBroken)
}

func TestExecutor_SequentialFallbackOnHighFailureRate(t *testing.T) {
	okTool := &fakeTool{name: "ok", exec: func(context.Context, json.RawMessage) (string, error) { return "ok", nil }}
	var failCount int32
	failTool1 := &fakeTool{name: "fail1", exec: func(context.Context, json.RawMessage) (string, error) {
		atomic.AddInt32(&failCount, 1)
		return "", errors.New("connection reset")
	}}
	failTool2 := &fakeTool{name: "fail2", exec: func(context.Context, json.RawMessage) (string, error) {
		return "", errors.New("connection reset")
	}}

	cfg := DefaultExecutorConfig
	cfg.Retry.MaxRetries = 0
	exec := NewExecutor(registryWith(okTool, failTool1, failTool2), AlwaysAllow{}, cfg)

	outcome := exec.ExecuteBatch(context.Background(), []Call{
		{ID: "1", Name: "ok"},
		{ID: "2", Name: "fail1"},
		{ID: "3", Name: "fail2"},
	})

	require.Len(t, outcome.Results, 3)
	assert.True(t, outcome.Results[1].SequentialFallback)
	assert.True(t, outcome.Results[2].SequentialFallback)
	assert.True(t, outcome.Results[0].GracefulDegradation == false)
}

func TestExecutor_ToolNotFound(t *testing.T) {
	exec := NewExecutor(NewRegistry(), AlwaysAllow{}, DefaultExecutorConfig)
	outcome := exec.ExecuteBatch(context.Background(), []Call{{ID: "1", Name: "missing"}})
	require.Len(t, outcome.Results, 1)
	assert.False(t, outcome.Results[0].Success)
	assert.NotEmpty(t, outcome.Results[0].ActionableError)
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, IsRetriable(errors.New("connection timeout")))
	assert.True(t, IsRetriable(errors.New("rate limit exceeded")))
	assert.False(t, IsRetriable(errors.New("permission denied")))
	assert.False(t, IsRetriable(errors.New("validation failed: bad input")))
	assert.True(t, IsRetriable(errors.New("some unrecognized error")))
	assert.False(t, IsRetriable(nil))
}
