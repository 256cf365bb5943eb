package agent

import (
	"github.com/lace-ai/lace/pkg/provider"
	"github.com/lace-ai/lace/pkg/thread"
)

// applyContextManagement enforces §4.6.1's budget: while the reconstructed
// conversation's estimated token count exceeds contextWindow*utilization,
// drop the oldest non-system message in whole-message units. A tool-call
// message and the tool-result message that answers it are dropped
// together, preserving the §4.2 pairing invariant. System messages are
// never dropped. Returns the (possibly trimmed) messages and how many were
// dropped.
func applyContextManagement(messages []thread.Message, contextWindow int, utilization float64) ([]thread.Message, int) {
	if contextWindow <= 0 {
		return messages, 0
	}
	if utilization <= 0 {
		utilization = 0.70
	}
	budget := int(float64(contextWindow) * utilization)
	if budget <= 0 {
		return messages, 0
	}

	trimmed := messages
	dropped := 0
	for provider.EstimateTokens(trimmed) > budget {
		idx := firstDroppableIndex(trimmed)
		if idx == -1 {
			break // nothing left to drop but system messages
		}
		end := idx + 1
		if len(trimmed[idx].ToolCalls) > 0 && end < len(trimmed) && pairsWithToolCalls(trimmed[end], trimmed[idx].ToolCalls) {
			end++
		}
		next := make([]thread.Message, 0, len(trimmed)-(end-idx))
		next = append(next, trimmed[:idx]...)
		next = append(next, trimmed[end:]...)
		dropped += end - idx
		trimmed = next
	}
	return trimmed, dropped
}

func firstDroppableIndex(messages []thread.Message) int {
	for i, m := range messages {
		if m.Role != thread.RoleSystem {
			return i
		}
	}
	return -1
}

func pairsWithToolCalls(m thread.Message, calls []thread.ToolCall) bool {
	ids := make(map[string]bool, len(calls))
	for _, c := range calls {
		ids[c.ID] = true
	}
	for _, r := range m.ToolResults {
		if ids[r.ID] {
			return true
		}
	}
	return false
}

// cacheableCount returns how many of total historical messages may be
// marked cacheable under strategy, keeping the most recent freshMessageCount
// (or one more, for the conservative strategy) always fresh.
func cacheableCount(total int, strategy CachingStrategy, freshMessageCount int) int {
	if strategy == CachingDisabled {
		return 0
	}
	fresh := freshMessageCount
	if strategy == CachingConservative {
		fresh++
	}
	n := total - fresh
	if n < 0 {
		n = 0
	}
	return n
}
