package thread

import (
	"encoding/json"

	"github.com/lace-ai/lace/pkg/events"
)

// Role is the provider-facing role of a reconstructed Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall is a reconstructed tool invocation attached to an assistant
// message, carrying only the calls whose result arrived.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult is a reconstructed tool outcome attached to a user message.
type ToolResult struct {
	ID      string
	Content []events.ContentBlock
	IsError bool
}

// Message is one entry of the canonical, provider-ready conversation
// produced by Reconstruct. Per-provider wire formatting is a pure
// transformation on top of this form.
type Message struct {
	Role        Role
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}
