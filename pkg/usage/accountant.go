// Package usage implements the Session Token Accountant (C9): per-session
// token accumulation across turns, cache hit-rate reporting, and the
// logging/formatting helpers a host uses to surface usage to a user.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/lace-ai/lace/pkg/logger"
	"github.com/lace-ai/lace/pkg/provider"
)

// SessionUsage is the accumulated token picture for one Agent session,
// per §4.9: promptTokens reflects only the most recent turn (it already
// covers the full reconstructed context), while completionTokens and the
// cache counters accumulate across every turn.
type SessionUsage struct {
	Messages         int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CacheHits        int
	CacheCreations   int
	SessionStart     time.Time
	LastActivity     time.Time
}

// CacheHitRate returns cacheHits / (cacheHits + cacheCreations), or 0 when
// the denominator is zero.
func (s SessionUsage) CacheHitRate() float64 {
	denom := s.CacheHits + s.CacheCreations
	if denom == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(denom)
}

// Accountant tracks SessionUsage for a single Agent session. Safe for
// concurrent use; a parent and its delegate children each own one.
type Accountant struct {
	mu      sync.Mutex
	session SessionUsage
}

// NewAccountant starts a fresh session accountant with SessionStart set to
// now.
func NewAccountant(now time.Time) *Accountant {
	return &Accountant{session: SessionUsage{SessionStart: now, LastActivity: now}}
}

// RecordTurn folds one turn's provider usage into the session total per the
// §4.9 accumulation rule and returns the resulting snapshot.
func (a *Accountant) RecordTurn(now time.Time, u provider.Usage) SessionUsage {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.session.Messages++
	a.session.PromptTokens = u.PromptTokens
	a.session.CompletionTokens += u.CompletionTokens
	a.session.TotalTokens = a.session.PromptTokens + a.session.CompletionTokens
	a.session.CacheHits += u.CacheRead
	a.session.CacheCreations += u.CacheCreated
	a.session.LastActivity = now

	return a.session
}

// Snapshot returns the current session usage without recording a turn.
func (a *Accountant) Snapshot() SessionUsage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// LogTurnUsage logs one turn's provider usage with structured fields,
// logging tokens, estimated cost, and context
// window utilization when the provider can report them, and an
// output-tokens/sec rate derived from the turn's wall clock duration.
func LogTurnUsage(ctx context.Context, u provider.Usage, p provider.Provider, turnStart time.Time) {
	fields := map[string]any{
		"model":             p.Model(),
		"prompt_tokens":     u.PromptTokens,
		"completion_tokens": u.CompletionTokens,
		"total_tokens":      u.TotalTokens,
		"cache_read":        u.CacheRead,
		"cache_created":     u.CacheCreated,
	}

	if cost, ok := p.Cost(u.PromptTokens, u.CompletionTokens); ok {
		fields["estimated_cost"] = roundToFourDecimalPlaces(cost)
	}
	if window, ok := p.ContextWindow(); ok && window > 0 {
		fields["context_window_usage_ratio"] = roundToFourDecimalPlaces(float64(u.PromptTokens) / float64(window))
	}

	duration := time.Since(turnStart)
	if duration > 0 && u.CompletionTokens > 0 {
		fields["output_tokens/s"] = roundToFourDecimalPlaces(float64(u.CompletionTokens) / duration.Seconds())
	}

	logger.G(ctx).WithFields(fields).Info("turn usage completed")
}
