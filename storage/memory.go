// Package storage provides in-memory persistence.
//
// Information Hiding:
// - Map storage structures hidden from users
// - Thread-safe access via RWMutex hidden behind interfaces
// - Suitable for testing and ephemeral sessions

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/richinex/ledgerline/llm"
)

type transcriptEntry struct {
	history   []llm.ChatMessage
	updatedAt time.Time
}

// InMemoryStorage implements Store using in-memory maps.
// Data is lost when process terminates.
type InMemoryStorage struct {
	mu          sync.RWMutex
	nextTaskID  int64
	tasks       map[int64]Task
	events      []ModelEvent
	pages       map[string]PageSet
	transcripts map[int64]transcriptEntry
	now         func() time.Time
}

// NewInMemoryStorage creates a new in-memory storage.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		tasks:       make(map[int64]Task),
		pages:       make(map[string]PageSet),
		transcripts: make(map[int64]transcriptEntry),
		now:         time.Now,
	}
}

// Close is a no-op.
func (s *InMemoryStorage) Close() error {
	return nil
}

// CreateTask stores a new PENDING task.
func (s *InMemoryStorage) CreateTask(ctx context.Context, task Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, dep := range task.DependsOn {
		if _, ok := s.tasks[dep]; !ok {
			return Task{}, fmt.Errorf("failed to create task: dependency %d: %w", dep, ErrTaskNotFound)
		}
	}

	s.nextTaskID++
	task.ID = s.nextTaskID
	task.Status = TaskPending
	task.Output = nil
	task.Error = ""
	task.SettledAt = nil
	task.CreatedAt = s.now().UTC()
	task.Arguments = copyArgs(task.Arguments)
	task.DependsOn = append([]int64{}, task.DependsOn...)

	s.tasks[task.ID] = task
	return task, nil
}

// SettleTask moves a PENDING task to a terminal status.
func (s *InMemoryStorage) SettleTask(ctx context.Context, id int64, status TaskStatus, output json.RawMessage, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot settle task %d with status %s", id, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status.Terminal() {
		return ErrTaskSettled
	}

	settled := s.now().UTC()
	task.Status = status
	task.Output = append(json.RawMessage(nil), output...)
	task.Error = errMsg
	task.SettledAt = &settled
	s.tasks[id] = task
	return nil
}

// GetTask returns a task by id.
func (s *InMemoryStorage) GetTask(ctx context.Context, id int64) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return task, nil
}

// GetTaskByHandle returns the newest task with the handle in a thread.
func (s *InMemoryStorage) GetTaskByHandle(ctx context.Context, threadID int64, handle string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found Task
	for _, task := range s.tasks {
		if task.ThreadID == threadID && task.Handle == handle && task.ID > found.ID {
			found = task
		}
	}
	if found.ID == 0 {
		return Task{}, ErrTaskNotFound
	}
	return found, nil
}

// ListTasks returns a thread's tasks in creation order.
func (s *InMemoryStorage) ListTasks(ctx context.Context, threadID int64) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := []Task{}
	for _, task := range s.tasks {
		if task.ThreadID == threadID {
			tasks = append(tasks, task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// CreateModelEvent appends an audit record.
func (s *InMemoryStorage) CreateModelEvent(ctx context.Context, event ModelEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now().UTC()
	}
	event.Transcript = append([]llm.ChatMessage{}, event.Transcript...)
	event.ToolCalls = append([]llm.ToolCall{}, event.ToolCalls...)
	s.events = append(s.events, event)
	return nil
}

// ListModelEvents returns a thread's events in creation order.
func (s *InMemoryStorage) ListModelEvents(ctx context.Context, threadID int64) ([]ModelEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := []ModelEvent{}
	for _, event := range s.events {
		if event.ThreadID == threadID {
			events = append(events, event)
		}
	}
	return events, nil
}

// LoadPages returns the cached pages for key.
func (s *InMemoryStorage) LoadPages(ctx context.Context, key string) (PageSet, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.pages[key]
	if !ok {
		return PageSet{}, false, nil
	}
	set.Pages = copyPages(set.Pages)
	return set, true, nil
}

// SavePages stores pages under key.
func (s *InMemoryStorage) SavePages(ctx context.Context, key string, pages []json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pages[key] = PageSet{Key: key, Pages: copyPages(pages), SavedAt: s.now().UTC()}
	return nil
}

// SaveTranscript replaces the transcript for a thread.
func (s *InMemoryStorage) SaveTranscript(ctx context.Context, threadID int64, history []llm.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Make a copy to avoid external mutations
	copied := make([]llm.ChatMessage, len(history))
	copy(copied, history)
	s.transcripts[threadID] = transcriptEntry{history: copied, updatedAt: s.now()}

	return nil
}

// LoadTranscript loads a thread's transcript.
func (s *InMemoryStorage) LoadTranscript(ctx context.Context, threadID int64) ([]llm.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.transcripts[threadID]
	if !ok {
		return []llm.ChatMessage{}, nil
	}

	// Return a copy to avoid external mutations
	copied := make([]llm.ChatMessage, len(entry.history))
	copy(copied, entry.history)
	return copied, nil
}

// ListThreads lists thread ids, most recently updated first.
func (s *InMemoryStorage) ListThreads(ctx context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	threads := make([]int64, 0, len(s.transcripts))
	for id := range s.transcripts {
		threads = append(threads, id)
	}
	sort.Slice(threads, func(i, j int) bool {
		return s.transcripts[threads[i]].updatedAt.After(s.transcripts[threads[j]].updatedAt)
	})
	return threads, nil
}

func copyArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

func copyPages(pages []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, len(pages))
	for i, p := range pages {
		out[i] = append(json.RawMessage(nil), p...)
	}
	return out
}

// Verify InMemoryStorage implements Store
var _ Store = (*InMemoryStorage)(nil)
