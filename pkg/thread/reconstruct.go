package thread

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/lace-ai/lace/pkg/events"
)

// Reconstruct turns an ordered event sequence into the canonical,
// provider-ready conversation. It never mutates events and is pure:
// Reconstruct(s) == Reconstruct(s) for the same input slice.
//
// Two passes, per the thread event log's pairing contract:
//
//	Pass A collects every TOOL_CALL id and every TOOL_RESULT id seen in the
//	sequence.
//	Pass B emits messages: SYSTEM_PROMPT/USER_SYSTEM_PROMPT combine into one
//	leading system message; USER_MESSAGE and AGENT_MESSAGE become user/
//	assistant messages; a TOOL_CALL lacking a matching result is suppressed;
//	a TOOL_RESULT lacking a matching call is dropped as an orphan;
//	LOCAL_SYSTEM_MESSAGE never appears in the output.
func Reconstruct(evs []events.Event) ([]Message, error) {
	toolCallIDs := make(map[string]bool)
	toolResultIDs := make(map[string]bool)

	for _, e := range evs {
		switch e.Type {
		case events.TypeToolCall:
			var d events.ToolCallData
			if err := events.DecodeData(e, &d); err != nil {
				return nil, errors.Wrap(err, "failed to decode TOOL_CALL event")
			}
			toolCallIDs[d.ID] = true
		case events.TypeToolResult:
			var d events.ToolResultData
			if err := events.DecodeData(e, &d); err != nil {
				return nil, errors.Wrap(err, "failed to decode TOOL_RESULT event")
			}
			toolResultIDs[d.ID] = true
		}
	}

	var systemParts []string
	var messages []Message
	lastAssistantIdx := -1

	for _, e := range evs {
		switch e.Type {
		case events.TypeSystemPrompt, events.TypeUserSystemPrompt:
			var d events.TextData
			if err := events.DecodeData(e, &d); err != nil {
				return nil, errors.Wrap(err, "failed to decode system prompt event")
			}
			systemParts = append(systemParts, d.Text)

		case events.TypeUserMessage:
			var d events.TextData
			if err := events.DecodeData(e, &d); err != nil {
				return nil, errors.Wrap(err, "failed to decode USER_MESSAGE event")
			}
			messages = append(messages, Message{Role: RoleUser, Content: d.Text})
			lastAssistantIdx = -1

		case events.TypeAgentMessage:
			var d events.TextData
			if err := events.DecodeData(e, &d); err != nil {
				return nil, errors.Wrap(err, "failed to decode AGENT_MESSAGE event")
			}
			messages = append(messages, Message{Role: RoleAssistant, Content: d.Text})
			lastAssistantIdx = len(messages) - 1

		case events.TypeToolCall:
			var d events.ToolCallData
			if err := events.DecodeData(e, &d); err != nil {
				return nil, errors.Wrap(err, "failed to decode TOOL_CALL event")
			}
			if !toolResultIDs[d.ID] {
				continue // suppressed: no matching result was ever recorded
			}
			if lastAssistantIdx == -1 {
				messages = append(messages, Message{Role: RoleAssistant})
				lastAssistantIdx = len(messages) - 1
			}
			messages[lastAssistantIdx].ToolCalls = append(messages[lastAssistantIdx].ToolCalls, ToolCall{
				ID:        d.ID,
				Name:      d.Name,
				Arguments: d.Arguments,
			})

		case events.TypeToolResult:
			var d events.ToolResultData
			if err := events.DecodeData(e, &d); err != nil {
				return nil, errors.Wrap(err, "failed to decode TOOL_RESULT event")
			}
			if !toolCallIDs[d.ID] {
				continue // orphan result, no matching call
			}
			messages = append(messages, Message{
				Role: RoleUser,
				ToolResults: []ToolResult{{
					ID:      d.ID,
					Content: d.Content,
					IsError: d.IsError,
				}},
			})
			lastAssistantIdx = -1

		case events.TypeLocalSystemMessage:
			// display-only; never enters the reconstructed conversation
		}
	}

	var out []Message
	if len(systemParts) > 0 {
		out = append(out, Message{Role: RoleSystem, Content: strings.Join(systemParts, "\n\n")})
	}
	out = append(out, messages...)
	return out, nil
}
