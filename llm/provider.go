// Package llm provides LLM provider abstractions.
//
// LLM Provider interface - the abstract interface for LLM providers.
// Each provider implementation hides:
// - API client initialization and authentication
// - Request/response format conversion
// - Tool schema translation per vendor

package llm

import (
	"context"
)

// Provider defines the abstract interface for LLM providers.
// Implementations hide provider-specific details while exposing
// a consistent interface for tool-calling chat completions.
type Provider interface {
	// Name returns the provider name (for logging/debugging).
	Name() string

	// Model returns the current model being used.
	Model() string

	// Complete sends a chat completion request with optional tool definitions.
	// The LLM may respond with tool calls in Response.ToolCalls.
	Complete(ctx context.Context, req Request) (Response, error)
}

// generation resolves per-request overrides against provider defaults.
type generation struct {
	maxTokens   int
	temperature float32
}

func (g generation) resolve(req Request) generation {
	out := g
	if req.MaxTokens > 0 {
		out.maxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		out.temperature = *req.Temperature
	}
	return out
}
