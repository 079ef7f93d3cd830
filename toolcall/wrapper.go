// Package toolcall executes one named tool under the validate, schedule or
// retrieve phase.
//
// Information Hiding:
// - Tool construction and error classification hidden behind Execute
// - Task creation, handle generation and dependency edges hidden
// - Background settlement of scheduled tasks hidden

package toolcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/richinex/ledgerline/storage"
	"github.com/richinex/ledgerline/taskqueue"
	"github.com/richinex/ledgerline/tools"
)

// Phase selects what Execute does with a tool.
type Phase string

const (
	PhaseValidate Phase = "validate"
	PhaseSchedule Phase = "schedule"
	PhaseRetrieve Phase = "retrieve"
)

// ParsePhase parses a phase name.
func ParsePhase(s string) (Phase, error) {
	switch Phase(strings.ToLower(strings.TrimSpace(s))) {
	case PhaseValidate:
		return PhaseValidate, nil
	case PhaseSchedule:
		return PhaseSchedule, nil
	case PhaseRetrieve, "":
		return PhaseRetrieve, nil
	default:
		return "", fmt.Errorf("unknown phase: %s", s)
	}
}

// Scheduler accepts background jobs. *taskqueue.Queue satisfies it.
type Scheduler interface {
	Submit(job taskqueue.Job) error
}

const (
	defaultDependencyTimeout = 2 * time.Minute
	dependencyPollInterval   = 100 * time.Millisecond
)

// Options configure a Wrapper.
type Options struct {
	// ChainTasks makes every scheduled task depend on all tasks this wrapper
	// scheduled earlier in the same thread.
	ChainTasks bool
	// DependencyTimeout bounds how long a scheduled job waits for its
	// dependencies to settle.
	DependencyTimeout time.Duration
	Logger            *slog.Logger
}

// Wrapper runs tools from a registry. Safe for concurrent use.
type Wrapper struct {
	registry  *tools.Registry
	tasks     storage.TaskStore
	scheduler Scheduler
	opts      Options
	logger    *slog.Logger

	mu      sync.Mutex
	created map[int64][]int64 // thread id -> scheduled task ids
}

// New creates a Wrapper. tasks and scheduler may be nil when the schedule
// phase is not used.
func New(registry *tools.Registry, tasks storage.TaskStore, scheduler Scheduler, opts Options) *Wrapper {
	if opts.DependencyTimeout <= 0 {
		opts.DependencyTimeout = defaultDependencyTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Wrapper{
		registry:  registry,
		tasks:     tasks,
		scheduler: scheduler,
		opts:      opts,
		logger:    logger,
		created:   make(map[int64][]int64),
	}
}

// Registry returns the wrapped registry.
func (w *Wrapper) Registry() *tools.Registry {
	return w.registry
}

// Execute runs the named tool in phase. Failures of any kind, including
// panics, come back as error results.
func (w *Wrapper) Execute(ctx context.Context, phase Phase, name string, inv tools.Invocation) (result tools.Result) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("tool panicked", "tool", name, "phase", phase, "panic", r)
			result = tools.Failure(name, inv, tools.FromPanic(r))
		}
	}()

	factory, ok := w.registry.Get(name)
	if !ok {
		return tools.Failure(name, inv, tools.Protocolf("unknown tool '%s'", name))
	}
	tool, err := factory(inv)
	if err != nil {
		return tools.Failure(name, inv, err)
	}

	switch phase {
	case PhaseValidate:
		if err := tool.Validate(ctx); err != nil {
			return tools.Failure(name, inv, err)
		}
		return tools.Success(name, inv, nil)

	case PhaseSchedule:
		return w.schedule(ctx, name, inv, tool)

	case PhaseRetrieve:
		out, err := tool.Call(ctx)
		if err != nil {
			w.logger.Debug("tool call failed", "tool", name, "tool_call_id", inv.ToolCallID, "error", err)
			return tools.Failure(name, inv, err)
		}
		return tools.Success(name, inv, out)

	default:
		return tools.Failure(name, inv, tools.Protocolf("unknown phase '%s'", phase))
	}
}

func (w *Wrapper) schedule(ctx context.Context, name string, inv tools.Invocation, tool tools.Tool) tools.Result {
	if w.tasks == nil || w.scheduler == nil {
		return tools.Failure(name, inv, tools.Protocolf("tool '%s' cannot be scheduled: no task queue configured", name))
	}
	if err := tool.Validate(ctx); err != nil {
		return tools.Failure(name, inv, err)
	}

	dependsOn, err := w.dependencies(inv)
	if err != nil {
		return tools.Failure(name, inv, err)
	}
	handle := inv.String("output_handle")
	if handle == "" {
		handle = GenerateHandle(name)
	}

	task, err := w.tasks.CreateTask(ctx, storage.Task{
		ThreadID:   inv.ThreadID,
		ToolCallID: inv.ToolCallID,
		ToolName:   name,
		Arguments:  inv.Arguments,
		Handle:     handle,
		DependsOn:  dependsOn,
	})
	if errors.Is(err, storage.ErrTaskNotFound) {
		return tools.Failure(name, inv, tools.Validationf("depends_on references an unknown task: %v", err))
	}
	if err != nil {
		return tools.Failure(name, inv, fmt.Errorf("failed to create task: %w", err))
	}

	w.mu.Lock()
	w.created[inv.ThreadID] = append(w.created[inv.ThreadID], task.ID)
	w.mu.Unlock()

	log := w.logger.With("tool", name, "task_id", task.ID, "handle", handle)
	job := taskqueue.Job{
		TaskID: task.ID,
		Name:   name,
		Run: func(jobCtx context.Context) (any, error) {
			if err := w.awaitDependencies(jobCtx, task.DependsOn); err != nil {
				return nil, err
			}
			return tool.Call(jobCtx)
		},
		OnSettle: func(out any, err error) {
			w.settle(task.ID, out, err, log)
		},
	}
	if err := w.scheduler.Submit(job); err != nil {
		w.settle(task.ID, nil, err, log)
		return tools.Failure(name, inv, fmt.Errorf("failed to schedule task: %w", err))
	}

	log.Info("task scheduled", "depends_on", task.DependsOn)
	return tools.Scheduled(name, inv, handle, task.ID)
}

// dependencies merges explicit depends_on ids with the chained ids.
func (w *Wrapper) dependencies(inv tools.Invocation) ([]int64, error) {
	explicit, err := inv.Int64s("depends_on")
	if err != nil {
		return nil, tools.Validationf("%v", err)
	}

	ids := []int64{}
	seen := map[int64]bool{}
	add := func(id int64) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, id := range explicit {
		add(id)
	}
	if w.opts.ChainTasks {
		w.mu.Lock()
		for _, id := range w.created[inv.ThreadID] {
			add(id)
		}
		w.mu.Unlock()
	}
	return ids, nil
}

// awaitDependencies blocks until every dependency is settled. A failed
// dependency fails the dependent task.
func (w *Wrapper) awaitDependencies(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, w.opts.DependencyTimeout)
	defer cancel()

	ticker := time.NewTicker(dependencyPollInterval)
	defer ticker.Stop()

	pending := append([]int64(nil), ids...)
	for {
		remaining := pending[:0]
		for _, id := range pending {
			task, err := w.tasks.GetTask(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to load dependency %d: %w", id, err)
			}
			switch task.Status {
			case storage.TaskFailed:
				return &DependencyError{TaskID: id, Handle: task.Handle}
			case storage.TaskPending:
				remaining = append(remaining, id)
			}
		}
		if len(remaining) == 0 {
			return nil
		}
		pending = remaining

		select {
		case <-ctx.Done():
			if err := parent.Err(); err != nil {
				return fmt.Errorf("dependencies %v did not settle: %w", pending, err)
			}
			return &DependencyTimeoutError{Pending: pending, Timeout: w.opts.DependencyTimeout}
		case <-ticker.C:
		}
	}
}

// settle records the terminal status. Persistence failures are logged only.
func (w *Wrapper) settle(taskID int64, out any, runErr error, log *slog.Logger) {
	// The request context is gone by now.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status := storage.TaskCompleted
	var output json.RawMessage
	errMsg := ""
	if runErr != nil {
		status = storage.TaskFailed
		errMsg = fmt.Sprintf("%s: %s", tools.ErrorType(runErr), runErr.Error())
	} else if out != nil {
		data, err := json.Marshal(out)
		if err != nil {
			status = storage.TaskFailed
			errMsg = fmt.Sprintf("failed to encode output: %v", err)
		} else {
			output = data
		}
	}

	if err := w.tasks.SettleTask(ctx, taskID, status, output, errMsg); err != nil {
		log.Warn("failed to settle task", "status", status, "error", err)
		return
	}
	log.Info("task settled", "status", status)
}

// DependencyError reports that a task this task depends on failed.
type DependencyError struct {
	TaskID int64
	Handle string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency task %d (%s) failed", e.TaskID, e.Handle)
}

// Retryable is false; the dependency will not recover.
func (e *DependencyError) Retryable() bool {
	return false
}

// DependencyTimeoutError reports dependencies still pending after the
// configured wait.
type DependencyTimeoutError struct {
	Pending []int64
	Timeout time.Duration
}

func (e *DependencyTimeoutError) Error() string {
	return fmt.Sprintf("dependencies %v did not settle within %s", e.Pending, e.Timeout)
}

// Retryable is false; a retry would wait the full timeout again.
func (e *DependencyTimeoutError) Retryable() bool {
	return false
}

// GenerateHandle returns "<tool>_<8 hex chars>".
func GenerateHandle(toolName string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return toolName + "_" + id[:8]
}
