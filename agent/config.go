// Model I/O configuration types.
//
// Information Hiding:
// - Default values hidden
// - Collaborator wiring grouped in Deps

package agent

import (
	"log/slog"

	"github.com/richinex/ledgerline/delivery"
	"github.com/richinex/ledgerline/llm"
	"github.com/richinex/ledgerline/storage"
	"github.com/richinex/ledgerline/usage"
)

// DefaultMaxRounds bounds model calls per user message.
const DefaultMaxRounds = 12

// DefaultIntent labels usage when no intent is configured.
const DefaultIntent = "chat"

// DefaultSystemPrompt guides tool use over the accounting API.
const DefaultSystemPrompt = `You are a bookkeeping assistant with read-only access to the user's accounting data.
Call schema_retriever to learn which entities and fields exist before writing a query.
Use size_retriever with SELECT COUNT(*) to size a query before retrieving rows.
Use user_data_retriever with an ORDER BY clause to fetch rows; pagination is automatic.
Use code_executor to compute over retrieved rows instead of doing arithmetic in your head.
Answer in plain language once you have what you need.`

// Config holds per-thread model I/O settings.
type Config struct {
	ThreadID     int64
	UserID       string
	Intent       string
	SystemPrompt string
	MaxRounds    int
	// Temperature overrides the provider default when set.
	Temperature *float32
}

// DefaultConfig returns a configuration for threadID with defaults applied.
func DefaultConfig(threadID int64) Config {
	return Config{
		ThreadID:     threadID,
		Intent:       DefaultIntent,
		SystemPrompt: DefaultSystemPrompt,
		MaxRounds:    DefaultMaxRounds,
	}
}

func (c Config) withDefaults() Config {
	if c.Intent == "" {
		c.Intent = DefaultIntent
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	return c
}

// Deps are the collaborators of a ModelIO. Provider and Tools are required;
// the rest are optional.
type Deps struct {
	Provider    llm.Provider
	Tools       ToolRunner
	Sink        delivery.Sink
	Events      storage.EventStore
	Transcripts storage.TranscriptStore
	Usage       *usage.Monitor
	Logger      *slog.Logger
}
