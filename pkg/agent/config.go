package agent

import (
	"time"

	"github.com/lace-ai/lace/pkg/eventbus"
	"github.com/lace-ai/lace/pkg/provider"
	"github.com/lace-ai/lace/pkg/thread"
	"github.com/lace-ai/lace/pkg/tools"
)

// CachingStrategy controls which historical messages a context-window-aware
// provider may treat as cacheable, per §4.6.1. It is opaque to providers
// that lack cache controls.
type CachingStrategy string

const (
	CachingAggressive   CachingStrategy = "aggressive"
	CachingConservative CachingStrategy = "conservative"
	CachingDisabled     CachingStrategy = "disabled"
)

// SendOptions lets a single turn override the Agent's base Config, adapted
// adapted from a weak-model/max-turns override pattern
// (pkg/types/llm/thread.go).
type SendOptions struct {
	// WeakModel routes this turn to Config.WeakProvider instead of
	// Config.Provider, when one is configured.
	WeakModel bool
	// MaxIterations overrides Config.MaxIterations for this turn only,
	// when > 0.
	MaxIterations int
}

// Config wires an Agent to its collaborators. There is no mutable global
// state: every dependency is passed in explicitly at construction.
type Config struct {
	Provider     provider.Provider
	WeakProvider provider.Provider // optional, used when SendOptions.WeakModel is set

	Executor *tools.Executor
	Registry *tools.Registry

	Bus     *eventbus.Bus
	Manager *thread.Manager

	ThreadID     string
	SystemPrompt string

	// MaxIterations bounds the agentic loop (§4.6, default 25).
	MaxIterations int
	// ContextUtilization is the fraction of the provider's context window
	// the reconstructed conversation is allowed to occupy (default 0.70).
	ContextUtilization float64
	// CachingStrategy controls cache-hint generation (default aggressive).
	CachingStrategy CachingStrategy
	// FreshMessageCount is the number of most-recent historical messages
	// kept uncached regardless of strategy (default 2).
	FreshMessageCount int
	// ProgressInterval is the turn_progress emission cadence (default 1s).
	ProgressInterval time.Duration

	// Now overrides the wall clock, for deterministic tests.
	Now func() time.Time
}

func (c *Config) setDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 25
	}
	if c.ContextUtilization <= 0 {
		c.ContextUtilization = 0.70
	}
	if c.CachingStrategy == "" {
		c.CachingStrategy = CachingAggressive
	}
	if c.FreshMessageCount <= 0 {
		c.FreshMessageCount = 2
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// TurnMetrics is the per-turn accounting snapshot carried on turn_progress
// and turn_complete events.
type TurnMetrics struct {
	TurnID           string
	Iterations       int
	ToolCalls        int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	StartedAt        time.Time
	FinishReason     string
}
