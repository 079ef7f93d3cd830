// Package llm provides shared data models for LLM providers.
package llm

import "strconv"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolTypeFunction is the only tool call type the runner executes.
const ToolTypeFunction = "function"

// ChatMessage represents a chat message with role and content.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // For assistant messages with tool calls
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool result messages
	Name       string     `json:"name,omitempty"`         // Tool name on tool result messages
}

// ToolCall represents a tool call from the LLM.
// Arguments is the raw, possibly malformed, JSON text emitted by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Type      string `json:"type,omitempty"` // empty means function
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// IsFunction reports whether the call is a function call.
func (tc ToolCall) IsFunction() bool {
	return tc.Type == "" || tc.Type == ToolTypeFunction
}

// UniqueCallIDs returns a copy of calls in which every ID is set and
// distinct. The first call carrying an ID keeps it; empty and repeated IDs
// become call_<index>, suffixed until free.
func UniqueCallIDs(calls []ToolCall) []ToolCall {
	out := append([]ToolCall(nil), calls...)
	taken := make(map[string]bool, len(out))
	needsID := make([]bool, len(out))
	for i, c := range out {
		if c.ID == "" || taken[c.ID] {
			needsID[i] = true
			continue
		}
		taken[c.ID] = true
	}
	for i := range out {
		if !needsID[i] {
			continue
		}
		base := "call_" + strconv.Itoa(i)
		id := base
		for n := 1; taken[id]; n++ {
			id = base + "_" + strconv.Itoa(n)
		}
		taken[id] = true
		out[i].ID = id
	}
	return out
}

// ToolDefinition defines a tool that the LLM can call.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// SystemMessage creates a system message.
func SystemMessage(content string) ChatMessage {
	return ChatMessage{
		Role:    RoleSystem,
		Content: content,
	}
}

// UserMessage creates a user message.
func UserMessage(content string) ChatMessage {
	return ChatMessage{
		Role:    RoleUser,
		Content: content,
	}
}

// AssistantMessage creates an assistant message.
func AssistantMessage(content string) ChatMessage {
	return ChatMessage{
		Role:    RoleAssistant,
		Content: content,
	}
}

// AssistantToolCallMessage creates an assistant message carrying tool calls.
func AssistantToolCallMessage(content string, calls []ToolCall) ChatMessage {
	return ChatMessage{
		Role:      RoleAssistant,
		Content:   content,
		ToolCalls: calls,
	}
}

// ToolMessage creates a tool result message answering callID.
func ToolMessage(callID, name, content string) ChatMessage {
	return ChatMessage{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: callID,
		Name:       name,
	}
}

// Request is one completion request.
// Temperature and MaxTokens override the provider defaults when set.
type Request struct {
	Messages    []ChatMessage
	Tools       []ToolDefinition
	Temperature *float32
	MaxTokens   int
}

// Response represents a response from an LLM provider.
type Response struct {
	Content   string
	ToolCalls []ToolCall // Tool calls requested by the LLM
	Usage     *TokenUsage
}

// TokenUsage contains token usage statistics.
type TokenUsage struct {
	PromptTokens     uint32
	CompletionTokens uint32
	TotalTokens      uint32
}
