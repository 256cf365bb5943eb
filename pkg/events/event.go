// Package events implements the append-only thread event log that is the
// sole persisted unit of Lace conversations. Everything the agent core and
// thread manager reconstruct is derived from this log.
package events

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of a ThreadEvent.
type Type string

// Event types. These are part of the stable, persisted contract.
const (
	TypeSystemPrompt       Type = "SYSTEM_PROMPT"
	TypeUserSystemPrompt   Type = "USER_SYSTEM_PROMPT"
	TypeUserMessage        Type = "USER_MESSAGE"
	TypeAgentMessage       Type = "AGENT_MESSAGE"
	TypeToolCall           Type = "TOOL_CALL"
	TypeToolResult         Type = "TOOL_RESULT"
	TypeLocalSystemMessage Type = "LOCAL_SYSTEM_MESSAGE"
)

// Event is the sole persisted unit of a thread's conversation history.
// Once written, an Event is never mutated or deleted (the store's Clear
// operation exists for test harnesses only).
type Event struct {
	ID        string          `json:"id" db:"id"`
	ThreadID  string          `json:"thread_id" db:"thread_id"`
	Type      Type            `json:"type" db:"type"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Data      json.RawMessage `json:"data" db:"data"`
}

// ContentBlock is a single piece of tool result content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextData is the payload for SYSTEM_PROMPT, USER_SYSTEM_PROMPT,
// USER_MESSAGE, AGENT_MESSAGE and LOCAL_SYSTEM_MESSAGE events.
type TextData struct {
	Text string `json:"text"`
}

// ToolCallData is the payload for TOOL_CALL events.
type ToolCallData struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResultData is the payload for TOOL_RESULT events.
type ToolResultData struct {
	ID      string         `json:"id"`
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError"`
}

// DecodeData unmarshals an event's Data into dst, a pointer to one of the
// *Data structs above matching the event's Type.
func DecodeData(e Event, dst any) error {
	return json.Unmarshal(e.Data, dst)
}

// MarshalData encodes a typed payload into the json.RawMessage stored on
// an Event. Used internally by Store implementations on Append.
func MarshalData(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
