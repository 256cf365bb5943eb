package tools

import (
	"strings"
	"time"
)

// RetryConfig controls the Tool Executor's backoff-with-jitter retry policy.
type RetryConfig struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig mirrors the defaults called out in §4.4.3.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:        3,
	BaseDelay:         100 * time.Millisecond,
	MaxDelay:          30 * time.Second,
	BackoffMultiplier: 2.0,
}

var nonRetriablePhrases = []string{
	"authentication",
	"authorization",
	"permission denied",
	"access denied",
	"invalid credentials",
	"forbidden",
	"not found",
	"bad request",
	"invalid input",
	"validation failed",
}

var retriablePhrases = []string{
	"timeout",
	"network",
	"connection",
	"temporary",
	"unavailable",
	"overload",
	"rate limit",
	"too many requests",
	"service degraded",
	"concurrent",
}

// IsRetriable classifies a tool execution error by its message, per the
// retriable/non-retriable phrase lists. Anything matching neither list is
// treated as retriable.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range nonRetriablePhrases {
		if strings.Contains(msg, phrase) {
			return false
		}
	}
	for _, phrase := range retriablePhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return true
}

// jitterFn is overridable in tests to make delay computation deterministic.
var jitterFn = defaultJitter

func defaultJitter(d time.Duration) time.Duration {
	// uniform(0, 10%*delay); callers add this to the base delay.
	return time.Duration(float64(d) * 0.1 * pseudoRandom())
}

// pseudoRandom returns a value in [0,1) without pulling in math/rand's
// package-level state, so callers needing determinism can stub jitterFn
// instead.
var randSource = newRandSource()

func pseudoRandom() float64 {
	return randSource()
}

// Delay computes the backoff delay (including jitter) for retry attempt n
// (0-indexed), per §4.4.3: min(maxDelay, baseDelay * multiplier^n) + jitter.
func (c RetryConfig) Delay(attempt int) time.Duration {
	base := float64(c.BaseDelay)
	for i := 0; i < attempt; i++ {
		base *= c.BackoffMultiplier
	}
	d := time.Duration(base)
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d + jitterFn(d)
}
