package provider

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/invopop/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"google.golang.org/genai"

	"github.com/lace-ai/lace/pkg/thread"
)

func TestBuildPrompt_FoldsSystemIntoLeadingUserContent(t *testing.T) {
	messages := []thread.Message{
		{Role: thread.RoleSystem, Content: "be terse"},
		{Role: thread.RoleUser, Content: "hi"},
	}

	prompt := buildPrompt(messages)
	require.Len(t, prompt, 2)
	assert.Equal(t, genai.RoleUser, prompt[0].Role)
	assert.Equal(t, "be terse", prompt[0].Parts[0].Text)
}

func TestBuildPrompt_AssistantToolCall(t *testing.T) {
	messages := []thread.Message{
		{
			Role:    thread.RoleAssistant,
			Content: "checking",
			ToolCalls: []thread.ToolCall{
				{Name: "calc", Arguments: json.RawMessage(`{"expr":"2+2"}`)},
			},
		},
	}

	prompt := buildPrompt(messages)
	require.Len(t, prompt, 1)
	assert.Equal(t, genai.RoleModel, prompt[0].Role)
	require.Len(t, prompt[0].Parts, 2)
	require.NotNil(t, prompt[0].Parts[1].FunctionCall)
	assert.Equal(t, "calc", prompt[0].Parts[1].FunctionCall.Name)
}

func TestConvertToGoogleSchema(t *testing.T) {
	props := orderedmap.New[string, *jsonschema.Schema]()
	props.Set("path", &jsonschema.Schema{Type: "string"})
	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   []string{"path"},
	}

	out := convertToGoogleSchema(schema)
	assert.Equal(t, genai.TypeObject, out.Type)
	require.Contains(t, out.Properties, "path")
	assert.Equal(t, genai.TypeString, out.Properties["path"].Type)
	assert.Equal(t, []string{"path"}, out.Required)
}

func TestIsRetryableGoogleError(t *testing.T) {
	assert.False(t, isRetryableGoogleError(nil))
	assert.False(t, isRetryableGoogleError(context.Canceled))
	assert.True(t, isRetryableGoogleError(&genai.APIError{Code: 500}))
	assert.True(t, isRetryableGoogleError(&genai.APIError{Code: 429}))
	assert.False(t, isRetryableGoogleError(&genai.APIError{Code: 400}))
}
