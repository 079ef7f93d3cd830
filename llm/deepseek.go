// DeepSeek Provider implementation using go-openai library.
//
// Information Hiding:
// - Uses OpenAI-compatible API with different base URL
// - Token limit sent as max_completion_tokens

package llm

import (
	"context"

	openai "github.com/sashabaranov/go-openai"
)

const deepseekBaseURL = "https://api.deepseek.com/v1"

// DeepSeekProvider implements the Provider interface for DeepSeek.
type DeepSeekProvider struct {
	client   *openai.Client
	model    string
	defaults generation
}

// NewDeepSeekProvider creates a new DeepSeek provider.
func NewDeepSeekProvider(apiKey, model string, maxTokens uint32, temperature float32) *DeepSeekProvider {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = deepseekBaseURL

	return &DeepSeekProvider{
		client:   openai.NewClientWithConfig(config),
		model:    model,
		defaults: generation{maxTokens: int(maxTokens), temperature: temperature},
	}
}

// Name returns the provider name.
func (p *DeepSeekProvider) Name() string {
	return "deepseek"
}

// Model returns the current model.
func (p *DeepSeekProvider) Model() string {
	return p.model
}

// Complete sends a chat completion request with tool definitions.
func (p *DeepSeekProvider) Complete(ctx context.Context, req Request) (Response, error) {
	gen := p.defaults.resolve(req)
	return openAIComplete(ctx, p.client, openai.ChatCompletionRequest{
		Model:               p.model,
		Messages:            convertToOpenAIMessages(req.Messages),
		MaxCompletionTokens: gen.maxTokens,
		Temperature:         gen.temperature,
		Tools:               convertToOpenAITools(req.Tools),
	})
}

// Verify DeepSeekProvider implements Provider
var _ Provider = (*DeepSeekProvider)(nil)
