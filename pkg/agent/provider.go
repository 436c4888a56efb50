package agent

import (
	"context"
	"fmt"

	"github.com/gigachain-team/giga-agent/pkg/registry"
)

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes an LLM API call
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for LLM call
type LLMRequest struct {
	Model        string
	Messages     []Message
	Tools        []registry.Descriptor
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	// ParallelToolCalls is always false for turn calls: the loop processes
	// one tool call per response.
	ParallelToolCalls bool
}

// LLMResponse contains the response from LLM
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
	// Metadata carries provider extras, e.g. a legacy function_call.
	Metadata map[string]any
}

// ProviderCreator creates LLM providers from auth profiles.
type ProviderCreator interface {
	NewProvider(profile AuthProfile) (LLMProvider, error)
}

// ProviderFactory creates LLM providers
type ProviderFactory struct{}

// NewProvider creates a new LLM provider based on auth profile
func (f *ProviderFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// parameters returns a descriptor's schema, defaulting to an empty object.
func parameters(d registry.Descriptor) map[string]any {
	if d.Parameters == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return d.Parameters
}

func description(d registry.Descriptor) string {
	if d.Description == "" {
		return "."
	}
	return d.Description
}
