// Package storage provides SQLite persistence.
//
// Information Hiding:
// - SQLite connection management hidden behind interfaces
// - Schema and migration details encapsulated
// - Thread-safe via sql.DB's built-in connection pooling

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/richinex/ledgerline/llm"
)

// SqliteStorage implements Store using SQLite.
// Thread-safe: sql.DB handles connection pooling and concurrent access.
type SqliteStorage struct {
	db *sql.DB
}

// OpenSqlite opens or creates a SQLite database at the given path.
// Creates parent directories if they don't exist.
func OpenSqlite(path string) (*SqliteStorage, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	storage := &SqliteStorage{db: db}
	if err := storage.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// NewSqliteInMemory creates an in-memory database (useful for testing).
func NewSqliteInMemory() (*SqliteStorage, error) {
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory SQLite: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	storage := &SqliteStorage{db: db}
	if err := storage.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// Close closes the database connection.
func (s *SqliteStorage) Close() error {
	return s.db.Close()
}

func (s *SqliteStorage) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id INTEGER NOT NULL,
			tool_call_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			arguments TEXT NOT NULL,
			handle TEXT NOT NULL,
			status TEXT NOT NULL,
			output TEXT,
			error TEXT,
			created_at INTEGER NOT NULL,
			settled_at INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_thread_handle
		ON tasks(thread_id, handle);

		CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id INTEGER NOT NULL,
			depends_on INTEGER NOT NULL,
			PRIMARY KEY (task_id, depends_on),
			FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
			FOREIGN KEY (depends_on) REFERENCES tasks(id)
		);

		CREATE TABLE IF NOT EXISTS model_events (
			id TEXT PRIMARY KEY,
			thread_id INTEGER NOT NULL,
			message_id TEXT NOT NULL,
			round INTEGER NOT NULL,
			intent TEXT NOT NULL,
			model TEXT NOT NULL,
			system_prompt TEXT NOT NULL,
			transcript TEXT NOT NULL,
			tool_calls TEXT NOT NULL,
			response TEXT NOT NULL,
			error TEXT,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_model_events_thread
		ON model_events(thread_id, created_at);

		CREATE TABLE IF NOT EXISTS cache_pages (
			cache_key TEXT PRIMARY KEY,
			pages TEXT NOT NULL,
			saved_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS threads (
			thread_id INTEGER PRIMARY KEY,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id INTEGER NOT NULL,
			message_index INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT,
			name TEXT,
			FOREIGN KEY (thread_id) REFERENCES threads(thread_id) ON DELETE CASCADE,
			UNIQUE(thread_id, message_index)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_thread
		ON messages(thread_id, message_index);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// TaskStore implementation

// CreateTask stores a new PENDING task and its dependency edges.
func (s *SqliteStorage) CreateTask(ctx context.Context, task Task) (Task, error) {
	args, err := json.Marshal(nonNilArgs(task.Arguments))
	if err != nil {
		return Task{}, fmt.Errorf("failed to encode task arguments: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	// defer tx.Rollback() is safe even after Commit() - it becomes a no-op
	defer func() { _ = tx.Rollback() }()

	created := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (thread_id, tool_call_id, tool_name, arguments, handle, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ThreadID, task.ToolCallID, task.ToolName, string(args), task.Handle,
		string(TaskPending), created.UnixMilli(),
	)
	if err != nil {
		return Task{}, fmt.Errorf("failed to insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Task{}, fmt.Errorf("failed to read task id: %w", err)
	}

	for _, dep := range task.DependsOn {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks WHERE id = ?", dep).Scan(&exists); err != nil {
			return Task{}, fmt.Errorf("failed to check dependency: %w", err)
		}
		if exists == 0 {
			return Task{}, fmt.Errorf("failed to create task: dependency %d: %w", dep, ErrTaskNotFound)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO task_dependencies (task_id, depends_on) VALUES (?, ?)",
			id, dep); err != nil {
			return Task{}, fmt.Errorf("failed to insert task dependency: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Task{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	task.ID = id
	task.Status = TaskPending
	task.Output = nil
	task.Error = ""
	task.SettledAt = nil
	task.CreatedAt = time.UnixMilli(created.UnixMilli()).UTC()
	task.DependsOn = append([]int64{}, task.DependsOn...)
	return task, nil
}

// SettleTask moves a PENDING task to a terminal status.
// The status guard in the UPDATE keeps the transition one-way.
func (s *SqliteStorage) SettleTask(ctx context.Context, id int64, status TaskStatus, output json.RawMessage, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot settle task %d with status %s", id, status)
	}

	var out, msg any
	if len(output) > 0 {
		out = string(output)
	}
	if errMsg != "" {
		msg = errMsg
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, output = ?, error = ?, settled_at = ?
		WHERE id = ? AND status = ?`,
		string(status), out, msg, time.Now().UTC().UnixMilli(), id, string(TaskPending),
	)
	if err != nil {
		return fmt.Errorf("failed to settle task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to settle task: %w", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.GetTask(ctx, id); err != nil {
		return err
	}
	return ErrTaskSettled
}

const taskColumns = `id, thread_id, tool_call_id, tool_name, arguments, handle, status, output, error, created_at, settled_at`

// GetTask returns a task by id.
func (s *SqliteStorage) GetTask(ctx context.Context, id int64) (Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if err != nil {
		return Task{}, err
	}
	return s.withDependencies(ctx, task)
}

// GetTaskByHandle returns the newest task with the handle in a thread.
func (s *SqliteStorage) GetTaskByHandle(ctx context.Context, threadID int64, handle string) (Task, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE thread_id = ? AND handle = ? ORDER BY id DESC LIMIT 1",
		threadID, handle)
	task, err := scanTask(row)
	if err != nil {
		return Task{}, err
	}
	return s.withDependencies(ctx, task)
}

// ListTasks returns a thread's tasks in creation order.
func (s *SqliteStorage) ListTasks(ctx context.Context, threadID int64) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE thread_id = ? ORDER BY id ASC", threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []Task{} // Start with empty slice, not nil
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	for i := range tasks {
		if tasks[i], err = s.withDependencies(ctx, tasks[i]); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var task Task
	var args, status string
	var output, errMsg sql.NullString
	var created int64
	var settled sql.NullInt64

	err := row.Scan(&task.ID, &task.ThreadID, &task.ToolCallID, &task.ToolName, &args,
		&task.Handle, &status, &output, &errMsg, &created, &settled)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("failed to scan task: %w", err)
	}

	if err := json.Unmarshal([]byte(args), &task.Arguments); err != nil {
		return Task{}, fmt.Errorf("invalid arguments for task %d: %w", task.ID, err)
	}
	if task.Status, err = ParseTaskStatus(status); err != nil {
		return Task{}, fmt.Errorf("invalid status for task %d: %w", task.ID, err)
	}
	if output.Valid {
		task.Output = json.RawMessage(output.String)
	}
	if errMsg.Valid {
		task.Error = errMsg.String
	}
	task.CreatedAt = time.UnixMilli(created).UTC()
	if settled.Valid {
		t := time.UnixMilli(settled.Int64).UTC()
		task.SettledAt = &t
	}
	return task, nil
}

func (s *SqliteStorage) withDependencies(ctx context.Context, task Task) (Task, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT depends_on FROM task_dependencies WHERE task_id = ? ORDER BY depends_on ASC", task.ID)
	if err != nil {
		return Task{}, fmt.Errorf("failed to query task dependencies: %w", err)
	}
	defer rows.Close()

	task.DependsOn = []int64{}
	for rows.Next() {
		var dep int64
		if err := rows.Scan(&dep); err != nil {
			return Task{}, fmt.Errorf("failed to scan task dependency: %w", err)
		}
		task.DependsOn = append(task.DependsOn, dep)
	}
	if err := rows.Err(); err != nil {
		return Task{}, fmt.Errorf("error iterating task dependencies: %w", err)
	}
	return task, nil
}

// EventStore implementation

// CreateModelEvent appends an audit record.
func (s *SqliteStorage) CreateModelEvent(ctx context.Context, event ModelEvent) error {
	transcript, err := json.Marshal(nonNilMessages(event.Transcript))
	if err != nil {
		return fmt.Errorf("failed to encode transcript: %w", err)
	}
	calls := event.ToolCalls
	if calls == nil {
		calls = []llm.ToolCall{}
	}
	toolCalls, err := json.Marshal(calls)
	if err != nil {
		return fmt.Errorf("failed to encode tool calls: %w", err)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	var errMsg any
	if event.Error != "" {
		errMsg = event.Error
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO model_events
		(id, thread_id, message_id, round, intent, model, system_prompt, transcript, tool_calls, response, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.ThreadID, event.MessageID, event.Round, event.Intent, event.Model,
		event.SystemPrompt, string(transcript), string(toolCalls), event.Response, errMsg,
		event.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to store model event: %w", err)
	}
	return nil
}

// ListModelEvents returns a thread's events in creation order.
func (s *SqliteStorage) ListModelEvents(ctx context.Context, threadID int64) ([]ModelEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, message_id, round, intent, model, system_prompt, transcript, tool_calls, response, error, created_at
		FROM model_events WHERE thread_id = ? ORDER BY created_at ASC, rowid ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query model events: %w", err)
	}
	defer rows.Close()

	events := []ModelEvent{}
	for rows.Next() {
		var event ModelEvent
		var transcript, toolCalls string
		var errMsg sql.NullString
		var created int64
		if err := rows.Scan(&event.ID, &event.ThreadID, &event.MessageID, &event.Round, &event.Intent,
			&event.Model, &event.SystemPrompt, &transcript, &toolCalls, &event.Response, &errMsg, &created); err != nil {
			return nil, fmt.Errorf("failed to scan model event: %w", err)
		}
		if err := json.Unmarshal([]byte(transcript), &event.Transcript); err != nil {
			return nil, fmt.Errorf("invalid transcript for event %s: %w", event.ID, err)
		}
		if err := json.Unmarshal([]byte(toolCalls), &event.ToolCalls); err != nil {
			return nil, fmt.Errorf("invalid tool calls for event %s: %w", event.ID, err)
		}
		if errMsg.Valid {
			event.Error = errMsg.String
		}
		event.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating model events: %w", err)
	}
	return events, nil
}

// PageStore implementation

// LoadPages returns the cached pages for key.
func (s *SqliteStorage) LoadPages(ctx context.Context, key string) (PageSet, bool, error) {
	var pages string
	var saved int64
	err := s.db.QueryRowContext(ctx,
		"SELECT pages, saved_at FROM cache_pages WHERE cache_key = ?", key).Scan(&pages, &saved)
	if errors.Is(err, sql.ErrNoRows) {
		return PageSet{}, false, nil
	}
	if err != nil {
		return PageSet{}, false, fmt.Errorf("failed to load cache pages: %w", err)
	}

	set := PageSet{Key: key, SavedAt: time.UnixMilli(saved).UTC()}
	if err := json.Unmarshal([]byte(pages), &set.Pages); err != nil {
		return PageSet{}, false, fmt.Errorf("invalid cache pages for %s: %w", key, err)
	}
	return set, true, nil
}

// SavePages stores pages under key.
func (s *SqliteStorage) SavePages(ctx context.Context, key string, pages []json.RawMessage) error {
	if pages == nil {
		pages = []json.RawMessage{}
	}
	data, err := json.Marshal(pages)
	if err != nil {
		return fmt.Errorf("failed to encode cache pages: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO cache_pages (cache_key, pages, saved_at) VALUES (?, ?, ?)",
		key, string(data), time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save cache pages: %w", err)
	}
	return nil
}

// TranscriptStore implementation

func (s *SqliteStorage) ensureThread(ctx context.Context, threadID int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO threads (thread_id) VALUES (?)",
		threadID,
	)
	if err != nil {
		return fmt.Errorf("failed to ensure thread: %w", err)
	}
	return nil
}

// SaveTranscript replaces the transcript for a thread.
func (s *SqliteStorage) SaveTranscript(ctx context.Context, threadID int64, history []llm.ChatMessage) error {
	if err := s.ensureThread(ctx, threadID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, "DELETE FROM messages WHERE thread_id = ?", threadID)
	if err != nil {
		return fmt.Errorf("failed to clear old messages: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (thread_id, message_index, role, content, tool_calls, tool_call_id, name)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer stmt.Close()

	for i, msg := range history {
		var toolCalls, toolCallID, name any
		if len(msg.ToolCalls) > 0 {
			data, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("failed to encode tool calls: %w", err)
			}
			toolCalls = string(data)
		}
		if msg.ToolCallID != "" {
			toolCallID = msg.ToolCallID
		}
		if msg.Name != "" {
			name = msg.Name
		}
		if _, err = stmt.ExecContext(ctx, threadID, i, msg.Role, msg.Content, toolCalls, toolCallID, name); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE threads SET updated_at = datetime('now') WHERE thread_id = ?",
		threadID)
	if err != nil {
		return fmt.Errorf("failed to update thread timestamp: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// LoadTranscript loads a thread's transcript.
// Returns empty slice if thread doesn't exist.
func (s *SqliteStorage) LoadTranscript(ctx context.Context, threadID int64) ([]llm.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, tool_calls, tool_call_id, name
		FROM messages WHERE thread_id = ? ORDER BY message_index ASC`,
		threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []llm.ChatMessage{} // Start with empty slice, not nil
	for rows.Next() {
		var msg llm.ChatMessage
		var toolCalls, toolCallID, name sql.NullString
		if err := rows.Scan(&msg.Role, &msg.Content, &toolCalls, &toolCallID, &name); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if toolCalls.Valid {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("invalid tool calls in transcript: %w", err)
			}
		}
		msg.ToolCallID = toolCallID.String
		msg.Name = name.String
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

// ListThreads lists thread ids, most recently updated first.
func (s *SqliteStorage) ListThreads(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT thread_id FROM threads ORDER BY updated_at DESC, thread_id DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	threads := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threads: %w", err)
	}
	return threads, nil
}

func nonNilArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}

func nonNilMessages(msgs []llm.ChatMessage) []llm.ChatMessage {
	if msgs == nil {
		return []llm.ChatMessage{}
	}
	return msgs
}

// Verify SqliteStorage implements Store
var _ Store = (*SqliteStorage)(nil)
