// Package tools implements the Tool Registry & Executor (C4): tool
// definitions and JSON schema generation, bounded-concurrency parallel
// execution, approval gating, retry with backoff, and a per-tool circuit
// breaker. Call arguments are passed to Tool.Execute as received; they are
// not validated against the tool's schema.
package tools

import (
	"context"
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Annotations describe a tool's side-effect profile, consulted by the
// Approval Policy's allowNonDestructiveTools rule.
type Annotations struct {
	ReadOnly    bool
	Destructive bool
	OpenWorld   bool
}

// Tool is a single callable capability exposed to a provider.
type Tool interface {
	Name() string
	Description() string
	Annotations() Annotations
	GenerateSchema() *jsonschema.Schema
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// GenerateSchema reflects T into a JSON schema using the same reflector
// reflection defaults (no $ref indirection, no unlisted properties).
func GenerateSchema[T any]() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

// Call is one tool invocation requested by a provider.
type Call struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Result is the normalized outcome of executing a single Call.
type Result struct {
	Call                Call
	Success             bool
	Denied              bool
	Approved            bool
	CircuitBroken       bool
	RetryAttempts       int
	TotalRetryDelay     float64 // seconds
	SequentialFallback  bool
	GracefulDegradation bool
	ActionableError     string
	Content             string
}
