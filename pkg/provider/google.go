package provider

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/avast/retry-go/v4"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"google.golang.org/genai"

	"github.com/lace-ai/lace/pkg/errs"
	"github.com/lace-ai/lace/pkg/logger"
	"github.com/lace-ai/lace/pkg/thread"
)

// GoogleConfig configures a GoogleProvider.
type GoogleConfig struct {
	APIKey  string
	Project string
	Location string
	Backend  string // "gemini" or "vertexai"
	Model    string
	Retry    RetryConfig
	Pricing  PricingTable
}

// GoogleProvider adapts Google's GenAI API to the Provider interface.
type GoogleProvider struct {
	client  *genai.Client
	model   string
	retry   RetryConfig
	pricing PricingTable
}

// NewGoogleProvider builds a Provider backed by the google.golang.org/genai
// client, targeting either the Gemini API or Vertex AI backend.
func NewGoogleProvider(ctx context.Context, cfg GoogleConfig) (*GoogleProvider, error) {
	clientCfg := &genai.ClientConfig{}
	switch cfg.Backend {
	case "vertexai":
		clientCfg.Backend = genai.BackendVertexAI
		clientCfg.Project = cfg.Project
		clientCfg.Location = cfg.Location
	default:
		clientCfg.Backend = genai.BackendGeminiAPI
		clientCfg.APIKey = cfg.APIKey
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Google GenAI client")
	}

	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-pro"
	}
	retryCfg := cfg.Retry
	if retryCfg.Attempts == 0 {
		retryCfg = DefaultRetryConfig
	}
	pricing := cfg.Pricing
	if pricing == nil {
		pricing = defaultPricing
	}

	return &GoogleProvider{client: client, model: model, retry: retryCfg, pricing: pricing}, nil
}

func (p *GoogleProvider) Name() string  { return "google" }
func (p *GoogleProvider) Model() string { return p.model }

func (p *GoogleProvider) ContextWindow() (int, bool) {
	if pr, ok := p.pricing.Lookup(p.model); ok && pr.ContextWindow > 0 {
		return pr.ContextWindow, true
	}
	return 0, false
}

func (p *GoogleProvider) Cost(promptTokens, completionTokens int) (float64, bool) {
	pr, ok := p.pricing.Lookup(p.model)
	if !ok {
		return 0, false
	}
	return pr.Cost(promptTokens, completionTokens), true
}

func (p *GoogleProvider) CountTokens(_ context.Context, messages []thread.Message, _ []ToolSpec) (int, bool, error) {
	return EstimateTokens(messages), false, nil
}

// buildPrompt converts the canonical conversation into Google content parts,
// folding every system message into a single leading user-role content block
// since the Gemini API has no dedicated system role for this client mode.
func buildPrompt(messages []thread.Message) []*genai.Content {
	var system []string
	var prompt []*genai.Content

	for _, m := range messages {
		switch m.Role {
		case thread.RoleSystem:
			system = append(system, m.Content)
		case thread.RoleUser:
			if len(m.ToolResults) > 0 {
				var parts []*genai.Part
				for _, tr := range m.ToolResults {
					parts = append(parts, &genai.Part{
						FunctionResponse: &genai.FunctionResponse{
							Name: tr.ID,
							Response: map[string]any{
								"result": toolResultText(tr),
								"error":  tr.IsError,
							},
						},
					})
				}
				prompt = append(prompt, genai.NewContentFromParts(parts, genai.RoleUser))
			} else {
				prompt = append(prompt, genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText(m.Content)}, genai.RoleUser))
			}
		case thread.RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal(tc.Arguments, &args)
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
				})
			}
			if len(parts) > 0 {
				prompt = append(prompt, genai.NewContentFromParts(parts, genai.RoleModel))
			}
		}
	}

	if len(system) > 0 {
		systemContent := genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(strings.Join(system, "\n\n")),
		}, genai.RoleUser)
		prompt = append([]*genai.Content{systemContent}, prompt...)
	}
	return prompt
}

func toGoogleTools(tools []ToolSpec) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	var decls []*genai.FunctionDeclaration
	for _, t := range tools {
		var schema jsonschema.Schema
		_ = json.Unmarshal(t.Schema, &schema)
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  convertToGoogleSchema(&schema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func convertToGoogleSchema(schema *jsonschema.Schema) *genai.Schema {
	if schema == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	out := &genai.Schema{Type: convertSchemaType(string(schema.Type))}
	if schema.Description != "" {
		out.Description = schema.Description
	}
	if schema.Properties != nil {
		out.Properties = make(map[string]*genai.Schema)
		for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
			out.Properties[pair.Key] = convertToGoogleSchema(pair.Value)
		}
	}
	if len(schema.Required) > 0 {
		out.Required = schema.Required
	}
	if schema.Items != nil {
		out.Items = convertToGoogleSchema(schema.Items)
	}
	return out
}

func convertSchemaType(t string) genai.Type {
	switch strings.ToLower(t) {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

func (p *GoogleProvider) generate(ctx context.Context, messages []thread.Message, tools []ToolSpec, onChunk func(*genai.GenerateContentResponse)) (*Response, error) {
	prompt := buildPrompt(messages)
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(1.0)),
		Tools:       toGoogleTools(tools),
	}

	resp := &Response{}
	var content strings.Builder
	var usage *genai.UsageMetadata

	err := p.executeWithRetry(ctx, func() error {
		content.Reset()
		var calls []ToolCall

		for chunk, err := range p.client.Models.GenerateContentStream(ctx, p.model, prompt, config) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				return errors.Wrap(err, "google generate content stream failed")
			}
			if onChunk != nil {
				onChunk(chunk)
			}
			if chunk.UsageMetadata != nil {
				usage = chunk.UsageMetadata
			}
			for _, cand := range chunk.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					switch {
					case part.Text != "":
						content.WriteString(part.Text)
					case part.FunctionCall != nil:
						argsJSON, _ := json.Marshal(part.FunctionCall.Args)
						calls = append(calls, ToolCall{
							Name:      part.FunctionCall.Name,
							Arguments: argsJSON,
						})
					}
				}
			}
		}

		resp.Content = content.String()
		resp.ToolCalls = calls
		return nil
	})
	if err != nil {
		return nil, classifyGoogleError(ctx, err)
	}

	if usage != nil {
		resp.Usage = &Usage{
			PromptTokens:     int(usage.PromptTokenCount),
			CompletionTokens: int(usage.CandidatesTokenCount),
			TotalTokens:      int(usage.TotalTokenCount),
			CacheRead:        int(usage.CachedContentTokenCount),
		}
	}
	return resp, nil
}

func (p *GoogleProvider) CreateResponse(ctx context.Context, messages []thread.Message, tools []ToolSpec) (Response, error) {
	resp, err := p.generate(ctx, messages, tools, nil)
	if err != nil {
		return Response{}, err
	}
	return *resp, nil
}

func (p *GoogleProvider) CreateStreamingResponse(ctx context.Context, messages []thread.Message, tools []ToolSpec, handler StreamHandler) (Response, error) {
	resp, err := p.generate(ctx, messages, tools, func(chunk *genai.GenerateContentResponse) {
		if handler.Token == nil {
			return
		}
		for _, cand := range chunk.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					handler.Token(part.Text)
				}
			}
		}
	})
	if err != nil {
		return Response{}, err
	}
	if handler.UsageUpdate != nil && resp.Usage != nil {
		handler.UsageUpdate(*resp.Usage)
	}
	return *resp, nil
}

func (p *GoogleProvider) executeWithRetry(ctx context.Context, operation func() error) error {
	if p.retry.Attempts == 0 {
		return operation()
	}
	delayType := retry.BackOffDelay
	if p.retry.BackoffType == "fixed" {
		delayType = retry.FixedDelay
	}
	return retry.Do(
		operation,
		retry.RetryIf(isRetryableGoogleError),
		retry.Attempts(uint(p.retry.Attempts)),
		retry.Delay(p.retry.InitialDelay),
		retry.DelayType(delayType),
		retry.MaxDelay(p.retry.MaxDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithField("attempt", n+1).Warn("retrying Google GenAI API call")
		}),
	)
}

func isRetryableGoogleError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 500 || apiErr.Code == 429
	}
	return false
}

func classifyGoogleError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.Wrap(errs.ErrAborted, err.Error())
	}
	if isRetryableGoogleError(err) {
		return errors.Wrap(errs.ErrTransient, err.Error())
	}
	return errors.Wrap(errs.ErrProviderError, err.Error())
}

var _ Provider = (*GoogleProvider)(nil)
