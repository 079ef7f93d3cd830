// Package storage provides task, audit, cache and transcript persistence.
//
// Information Hiding:
// - Storage backend implementation details hidden behind interfaces
// - Allows swapping between memory and SQLite without API changes
// - Serialization of opaque payloads (arguments, outputs, pages) encapsulated

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/richinex/ledgerline/llm"
)

// Sentinel errors shared by all backends.
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskSettled  = errors.New("task already settled")
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// ParseTaskStatus parses a stored status string.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case TaskPending, TaskCompleted, TaskFailed:
		return TaskStatus(s), nil
	default:
		return "", fmt.Errorf("unknown task status: %s", s)
	}
}

// Task is a scheduled unit of tool execution.
type Task struct {
	ID         int64           `json:"id,string"`
	ThreadID   int64           `json:"thread_id,string"`
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Arguments  map[string]any  `json:"arguments"`
	Handle     string          `json:"handle"`
	DependsOn  []int64         `json:"depends_on"`
	Status     TaskStatus      `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	SettledAt  *time.Time      `json:"settled_at,omitempty"`
}

// TaskStore persists Tasks. Only the creator writes a Task; the background
// execution writes its terminal status exactly once.
type TaskStore interface {
	// CreateTask stores a new PENDING task and returns it with its id assigned.
	CreateTask(ctx context.Context, task Task) (Task, error)

	// SettleTask moves a PENDING task to a terminal status.
	// Returns ErrTaskSettled if the task is already terminal.
	SettleTask(ctx context.Context, id int64, status TaskStatus, output json.RawMessage, errMsg string) error

	// GetTask returns a task by id or ErrTaskNotFound.
	GetTask(ctx context.Context, id int64) (Task, error)

	// GetTaskByHandle returns the newest task with the handle in a thread.
	GetTaskByHandle(ctx context.Context, threadID int64, handle string) (Task, error)

	// ListTasks returns a thread's tasks in creation order.
	ListTasks(ctx context.Context, threadID int64) ([]Task, error)
}

// ModelEvent is the immutable audit record of one agent round.
type ModelEvent struct {
	ID           string            `json:"id"`
	ThreadID     int64             `json:"thread_id,string"`
	MessageID    string            `json:"message_id"`
	Round        int               `json:"round"`
	Intent       string            `json:"intent"`
	Model        string            `json:"model"`
	SystemPrompt string            `json:"system_prompt"`
	Transcript   []llm.ChatMessage `json:"transcript"`
	ToolCalls    []llm.ToolCall    `json:"tool_calls"`
	Response     string            `json:"response"`
	Error        string            `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// EventStore is an append-only audit log.
type EventStore interface {
	// CreateModelEvent appends an audit record.
	CreateModelEvent(ctx context.Context, event ModelEvent) error

	// ListModelEvents returns a thread's events in creation order.
	ListModelEvents(ctx context.Context, threadID int64) ([]ModelEvent, error)
}

// PageSet is a cached, ordered sequence of API response pages.
type PageSet struct {
	Key     string
	Pages   []json.RawMessage
	SavedAt time.Time
}

// PageStore persists retriever cache entries.
type PageStore interface {
	// LoadPages returns the page set for key. found is false on a miss.
	LoadPages(ctx context.Context, key string) (set PageSet, found bool, err error)

	// SavePages stores pages under key, replacing any previous entry.
	SavePages(ctx context.Context, key string, pages []json.RawMessage) error
}

// TranscriptStore persists conversation transcripts per thread.
type TranscriptStore interface {
	// SaveTranscript replaces the stored transcript for a thread.
	SaveTranscript(ctx context.Context, threadID int64, history []llm.ChatMessage) error

	// LoadTranscript loads a thread's transcript.
	// Returns empty slice (not nil) if the thread doesn't exist.
	LoadTranscript(ctx context.Context, threadID int64) ([]llm.ChatMessage, error)

	// ListThreads lists thread ids, most recently updated first.
	ListThreads(ctx context.Context) ([]int64, error)
}

// Store is the full persistence surface used by the process wiring.
type Store interface {
	TaskStore
	EventStore
	PageStore
	TranscriptStore
	Close() error
}
