// Model I/O loop implementation.
//
// One ModelIO owns one thread's transcript. Each user message runs rounds of
// model call, classification and tool execution until a final answer.
//
// Information Hiding:
// - Transcript bookkeeping hidden
// - Audit and usage recording hidden
// - Delivery of intermediate and final text hidden

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/richinex/ledgerline/delivery"
	"github.com/richinex/ledgerline/llm"
	"github.com/richinex/ledgerline/storage"
	"github.com/richinex/ledgerline/tools"
	"github.com/richinex/ledgerline/usage"
)

// ModelIO drives the conversation for one thread. Send calls are serialized.
type ModelIO struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	mu      sync.Mutex
	history []llm.ChatMessage
}

// New creates a ModelIO. Provider and Tools are required.
func New(cfg Config, deps Deps) (*ModelIO, error) {
	if deps.Provider == nil {
		return nil, errors.New("agent: provider is required")
	}
	if deps.Tools == nil {
		return nil, errors.New("agent: tool runner is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg = cfg.withDefaults()
	return &ModelIO{
		cfg:  cfg,
		deps: deps,
		log:  logger.With("thread_id", cfg.ThreadID),
	}, nil
}

// Resume replaces the in-memory transcript with the stored one.
func (m *ModelIO) Resume(ctx context.Context) error {
	if m.deps.Transcripts == nil {
		return nil
	}
	history, err := m.deps.Transcripts.LoadTranscript(ctx, m.cfg.ThreadID)
	if err != nil {
		return fmt.Errorf("failed to load transcript: %w", err)
	}
	m.mu.Lock()
	m.history = history
	m.mu.Unlock()
	return nil
}

// History returns a copy of the transcript.
func (m *ModelIO) History() []llm.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.ChatMessage(nil), m.history...)
}

// Send runs one user message to completion and returns the final answer.
// It returns ErrRoundLimit when MaxRounds pass without one, and fails hard
// only when the context ends or the tool registry is unavailable.
func (m *ModelIO) Send(ctx context.Context, messageID, text string) (Answer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.persist(ctx)

	if messageID == "" {
		messageID = uuid.NewString()
	}
	log := m.log.With("message_id", messageID)
	m.history = append(m.history, llm.UserMessage(text))

	var answer Answer
	for round := 1; round <= m.cfg.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return answer, err
		}
		answer.Rounds = round

		defs, err := m.deps.Tools.Definitions(ctx)
		if err != nil {
			return answer, fmt.Errorf("failed to load tool definitions: %w", err)
		}
		req := llm.Request{
			Messages:    m.requestMessages(),
			Tools:       defs,
			Temperature: m.cfg.Temperature,
		}

		log.Debug("model round", "round", round, "messages", len(req.Messages))
		resp, callErr := m.deps.Provider.Complete(ctx, req)
		m.recordUsage(req, resp, callErr)

		if callErr != nil {
			m.audit(ctx, messageID, round, resp, nil, callErr)
			if err := ctx.Err(); err != nil {
				return answer, err
			}
			log.Warn("model provider error", "round", round, "error", callErr)
			m.history = append(m.history, llm.UserMessage("Model provider error: "+callErr.Error()))
			continue
		}

		parsed := ParseResponse(resp)
		m.audit(ctx, messageID, round, resp, parsed.ToolCalls, nil)
		if !parsed.ShouldLoop {
			m.history = append(m.history, parsed.Message)
			m.deliver(ctx, delivery.TypeFinal, parsed.Text)
			answer.Text = parsed.Text
			return answer, nil
		}

		if len(parsed.ToolCalls) == 0 {
			log.Debug("empty model response, retrying", "round", round)
			continue
		}

		if parsed.Text != "" {
			m.deliver(ctx, delivery.TypeIntermediate, parsed.Text)
		}
		m.history = append(m.history, parsed.Message)

		results, err := m.deps.Tools.Run(ctx, parsed.ToolCalls)
		if err != nil {
			return answer, fmt.Errorf("failed to run tool calls: %w", err)
		}
		answer.ToolCalls += len(parsed.ToolCalls)
		for _, call := range parsed.ToolCalls {
			result, ok := results[call.ID]
			if !ok {
				inv := tools.Invocation{ThreadID: m.cfg.ThreadID, ToolCallID: call.ID}
				result = tools.Failure(call.Name, inv, tools.Protocolf("no result for tool call '%s'", call.ID))
			}
			m.history = append(m.history, llm.ToolMessage(call.ID, call.Name, result.String()))
		}
	}

	log.Warn("round limit reached", "max_rounds", m.cfg.MaxRounds)
	return answer, ErrRoundLimit
}

func (m *ModelIO) requestMessages() []llm.ChatMessage {
	msgs := make([]llm.ChatMessage, 0, len(m.history)+1)
	msgs = append(msgs, llm.SystemMessage(m.cfg.SystemPrompt))
	return append(msgs, m.history...)
}

func (m *ModelIO) deliver(ctx context.Context, kind, text string) {
	if m.deps.Sink == nil || text == "" {
		return
	}
	err := m.deps.Sink.Send(ctx, delivery.Notification{
		Type:      kind,
		UserID:    m.cfg.UserID,
		ThreadID:  m.cfg.ThreadID,
		Message:   text,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		m.log.Warn("delivery failed", "type", kind, "error", err)
	}
}

// audit appends a ModelEvent recording the calls the round issues; failures
// are logged only.
func (m *ModelIO) audit(ctx context.Context, messageID string, round int, resp llm.Response, calls []llm.ToolCall, callErr error) {
	if m.deps.Events == nil {
		return
	}
	event := storage.ModelEvent{
		ID:           uuid.NewString(),
		ThreadID:     m.cfg.ThreadID,
		MessageID:    messageID,
		Round:        round,
		Intent:       m.cfg.Intent,
		Model:        m.deps.Provider.Model(),
		SystemPrompt: m.cfg.SystemPrompt,
		Transcript:   append([]llm.ChatMessage(nil), m.history...),
		ToolCalls:    calls,
		Response:     resp.Content,
		CreatedAt:    time.Now().UTC(),
	}
	if callErr != nil {
		event.Error = callErr.Error()
	}
	if err := m.deps.Events.CreateModelEvent(ctx, event); err != nil {
		m.log.Warn("failed to store model event", "round", round, "error", err)
	}
}

func (m *ModelIO) recordUsage(req llm.Request, resp llm.Response, callErr error) {
	if m.deps.Usage == nil {
		return
	}
	r := usage.Round{
		Model:  m.deps.Provider.Model(),
		Intent: m.cfg.Intent,
		Input:  renderMessages(req.Messages),
	}
	if callErr == nil {
		r.Output = renderResponse(resp)
		r.Reported = resp.Usage
	}
	m.deps.Usage.Record(r)
}

// persist saves the transcript; failures are logged only.
func (m *ModelIO) persist(ctx context.Context) {
	if m.deps.Transcripts == nil {
		return
	}
	if err := m.deps.Transcripts.SaveTranscript(context.WithoutCancel(ctx), m.cfg.ThreadID, m.history); err != nil {
		m.log.Warn("failed to save transcript", "error", err)
	}
}

func renderMessages(msgs []llm.ChatMessage) string {
	var b strings.Builder
	for _, msg := range msgs {
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteByte('\n')
		for _, tc := range msg.ToolCalls {
			b.WriteString(tc.Name)
			b.WriteString(tc.Arguments)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func renderResponse(resp llm.Response) string {
	var b strings.Builder
	b.WriteString(resp.Content)
	for _, tc := range resp.ToolCalls {
		b.WriteByte('\n')
		b.WriteString(tc.Name)
		b.WriteString(tc.Arguments)
	}
	return b.String()
}
