package provider

import (
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Spec is a parsed "<provider>:<model>" model specification, the format the
// Delegation Subsystem accepts for a sub-agent's model_spec argument.
type Spec struct {
	Provider string
	Model    string
}

// ParseSpec parses a "<provider>:<model>" string. The provider name is
// lower-cased; an empty model falls back to the named provider's default.
func ParseSpec(spec string) (Spec, error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 || parts[0] == "" {
		return Spec{}, errors.Errorf("invalid model spec %q, want \"<provider>:<model>\"", spec)
	}
	return Spec{Provider: strings.ToLower(parts[0]), Model: parts[1]}, nil
}

// Build instantiates a Provider for spec, reading API credentials from the
// environment. "mock" is accepted so tests
// and delegation dry-runs never need real credentials.
func Build(ctx context.Context, spec Spec) (Provider, error) {
	switch spec.Provider {
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey: os.Getenv("ANTHROPIC_API_KEY"),
			Model:  spec.Model,
			Retry:  DefaultRetryConfig,
		}), nil
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey: os.Getenv("OPENAI_API_KEY"),
			Model:  spec.Model,
			Retry:  DefaultRetryConfig,
		}), nil
	case "google":
		return NewGoogleProvider(ctx, GoogleConfig{
			APIKey: os.Getenv("GOOGLE_API_KEY"),
			Model:  spec.Model,
			Retry:  DefaultRetryConfig,
		})
	case "mock":
		return NewMockProvider("mock", spec.Model), nil
	default:
		return nil, errors.Errorf("unknown provider %q", spec.Provider)
	}
}
