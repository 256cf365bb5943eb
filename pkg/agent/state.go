package agent

// State is one of the Agent Core's turn lifecycle states.
type State string

const (
	StateIdle          State = "idle"
	StateThinking      State = "thinking"
	StateStreaming     State = "streaming"
	StateToolExecution State = "tool_execution"
	StateAborted       State = "aborted"
)

// StateChangePayload is the eventbus.StateChange payload.
type StateChangePayload struct {
	From State
	To   State
}
