// Package agent runs the per-thread model I/O loop.
//
// Contains the types produced by the loop and the response classifier.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	jsonutil "github.com/richinex/ledgerline/internal/json"
	"github.com/richinex/ledgerline/llm"
	"github.com/richinex/ledgerline/tools"
)

// ErrRoundLimit is returned when a message exhausts MaxRounds without an answer.
var ErrRoundLimit = errors.New("round limit reached without a final answer")

// ToolRunner executes the tool calls of one round.
// *runner.Runner satisfies it.
type ToolRunner interface {
	Definitions(ctx context.Context) ([]llm.ToolDefinition, error)
	Run(ctx context.Context, calls []llm.ToolCall) (map[string]tools.Result, error)
}

// Answer is the outcome of one user message.
type Answer struct {
	Text      string
	Rounds    int
	ToolCalls int
}

// Parsed is the classification of one model response.
type Parsed struct {
	// Message is the assistant turn to append to the transcript.
	Message llm.ChatMessage
	// ToolCalls are the calls to execute, with ids assigned.
	ToolCalls []llm.ToolCall
	// Text is the user-visible assistant text, possibly empty.
	Text string
	// ShouldLoop is false only for a final answer.
	ShouldLoop bool
}

// embeddedCall is a tool call written into the response text.
// Arguments may be a JSON object or a JSON-encoded string.
type embeddedCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"-"`
}

func (c *embeddedCall) UnmarshalJSON(data []byte) error {
	type alias embeddedCall
	aux := &struct {
		Arguments json.RawMessage `json:"arguments"`
		Function  *struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"function"`
		*alias
	}{alias: (*alias)(c)}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	raw := aux.Arguments
	if aux.Function != nil {
		if c.Name == "" {
			c.Name = aux.Function.Name
		}
		if len(raw) == 0 {
			raw = aux.Function.Arguments
		}
	}
	if len(raw) == 0 {
		c.Arguments = "{}"
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		c.Arguments = s
		return nil
	}
	c.Arguments = string(raw)
	return nil
}

type embeddedEnvelope struct {
	ToolCalls []embeddedCall `json:"tool_calls"`
}

// ParseResponse classifies a model response. Native tool calls win over
// calls embedded in the text. Calls without an id get "call_<i>".
func ParseResponse(resp llm.Response) Parsed {
	text := strings.TrimSpace(resp.Content)
	calls := append([]llm.ToolCall(nil), resp.ToolCalls...)

	if len(calls) == 0 && text != "" {
		if embedded, rest, ok := extractEmbeddedCalls(text); ok {
			calls = embedded
			text = rest
		}
	}

	if len(calls) > 0 {
		calls = llm.UniqueCallIDs(calls)
		return Parsed{
			Message:    llm.AssistantToolCallMessage(text, calls),
			ToolCalls:  calls,
			Text:       text,
			ShouldLoop: true,
		}
	}
	return Parsed{
		Message:    llm.AssistantMessage(text),
		Text:       text,
		ShouldLoop: text == "",
	}
}

// extractEmbeddedCalls finds a {"tool_calls": [...]} object in text and
// returns the calls with the narration that preceded the object.
func extractEmbeddedCalls(text string) ([]llm.ToolCall, string, bool) {
	obj, err := jsonutil.ExtractObject(text)
	if err != nil {
		return nil, "", false
	}
	env, err := jsonutil.Decode[embeddedEnvelope](obj)
	if err != nil || len(env.ToolCalls) == 0 {
		return nil, "", false
	}

	calls := make([]llm.ToolCall, 0, len(env.ToolCalls))
	for _, c := range env.ToolCalls {
		if c.Name == "" {
			return nil, "", false
		}
		calls = append(calls, llm.ToolCall{
			ID:        c.ID,
			Type:      llm.ToolTypeFunction,
			Name:      c.Name,
			Arguments: c.Arguments,
		})
	}

	rest := text
	if idx := strings.Index(text, obj); idx >= 0 {
		rest = text[:idx]
	}
	rest = strings.TrimSpace(rest)
	rest = strings.TrimSuffix(rest, "```json")
	rest = strings.TrimSuffix(rest, "```")
	return calls, strings.TrimSpace(rest), true
}
