// Package errs defines the Agent Orchestration Engine's error kinds. These
// are sentinel values, never internal type names, so they can safely cross
// package boundaries and surface in tool results and logs via errors.Is.
package errs

import "github.com/pkg/errors"

var (
	// ErrValidationFailed means tool arguments didn't satisfy the tool's
	// schema. Never retried; surfaced as a TOOL_RESULT with isError=true.
	ErrValidationFailed = errors.New("validation failed")

	// ErrDenied means the Approval Policy refused the call. Not retried.
	ErrDenied = errors.New("denied")

	// ErrAborted means cancellation reached the operation.
	ErrAborted = errors.New("aborted")

	// ErrProviderError means the provider rejected the request in a
	// non-retriable way.
	ErrProviderError = errors.New("provider error")

	// ErrTransient means a timeout/network/overload/rate-limit condition
	// that should be retried with backoff.
	ErrTransient = errors.New("transient error")

	// ErrCircuitOpen means a tool call was short-circuited by its breaker.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrIterationLimit means the agentic loop reached its iteration cap.
	ErrIterationLimit = errors.New("iteration limit reached")
)
