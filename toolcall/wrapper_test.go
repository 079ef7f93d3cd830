package toolcall

import (
	"context"
	"errors"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/richinex/ledgerline/storage"
	"github.com/richinex/ledgerline/taskqueue"
	"github.com/richinex/ledgerline/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeTool validates against a fixed error and returns a fixed output.
type fakeTool struct {
	validateErr error
	callErr     error
	out         any
	panicWith   any
	calls       *atomic.Int32
	gate        chan struct{}
}

func (t *fakeTool) Validate(ctx context.Context) error {
	return t.validateErr
}

func (t *fakeTool) Call(ctx context.Context) (any, error) {
	if t.calls != nil {
		t.calls.Add(1)
	}
	if t.gate != nil {
		<-t.gate
	}
	if t.panicWith != nil {
		panic(t.panicWith)
	}
	if err := t.Validate(ctx); err != nil {
		return nil, err
	}
	return t.out, t.callErr
}

func register(t *testing.T, reg *tools.Registry, name string, tool *fakeTool) {
	t.Helper()
	require.NoError(t, reg.Register(tools.Descriptor{Name: name, Description: name, Category: tools.CategoryBulk},
		func(inv tools.Invocation) (tools.Tool, error) { return tool, nil }))
}

type fixture struct {
	wrapper *Wrapper
	store   *storage.InMemoryStorage
	queue   *taskqueue.Queue
	reg     *tools.Registry
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store := storage.NewInMemoryStorage()
	queue := taskqueue.New(taskqueue.Config{Workers: 2, MaxAttempts: 1}, nil)
	t.Cleanup(func() { _ = queue.Shutdown(context.Background()) })
	reg := tools.NewRegistry()
	return &fixture{wrapper: New(reg, store, queue, opts), store: store, queue: queue, reg: reg}
}

func invocation(args map[string]any) tools.Invocation {
	return tools.Invocation{ThreadID: 9007199254740993, ToolCallID: "call_1", Arguments: args}
}

func waitSettled(t *testing.T, store storage.TaskStore, id int64) storage.Task {
	t.Helper()
	var task storage.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = store.GetTask(context.Background(), id)
		return err == nil && task.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
	return task
}

func TestExecuteUnknownTool(t *testing.T) {
	f := newFixture(t, Options{})
	for _, phase := range []Phase{PhaseValidate, PhaseSchedule, PhaseRetrieve} {
		r := f.wrapper.Execute(context.Background(), phase, "nope", invocation(nil))
		assert.Equal(t, tools.StatusError, r.Status)
		assert.Equal(t, "ProtocolError", r.ErrorType)
		assert.Equal(t, "unknown tool 'nope'", r.ErrorMessage)
		assert.Equal(t, "call_1", r.ToolCallID)
	}
}

func TestExecuteValidate(t *testing.T) {
	f := newFixture(t, Options{})
	calls := &atomic.Int32{}
	register(t, f.reg, "ok", &fakeTool{calls: calls})
	register(t, f.reg, "bad", &fakeTool{validateErr: tools.Validationf("ORDER BY clause is missing")})

	r := f.wrapper.Execute(context.Background(), PhaseValidate, "ok", invocation(nil))
	assert.Equal(t, tools.StatusSuccess, r.Status)
	assert.Nil(t, r.Content)
	assert.Zero(t, calls.Load(), "validate must not call the tool")

	r = f.wrapper.Execute(context.Background(), PhaseValidate, "bad", invocation(nil))
	assert.Equal(t, tools.StatusError, r.Status)
	assert.Equal(t, "ValidationError", r.ErrorType)
	assert.Equal(t, "ORDER BY clause is missing", r.ErrorMessage)
	require.NoError(t, r.Validate())
}

func TestExecuteRetrieve(t *testing.T) {
	f := newFixture(t, Options{})
	register(t, f.reg, "rows", &fakeTool{out: map[string]any{"rows": []int{1, 2}}})
	register(t, f.reg, "down", &fakeTool{callErr: &tools.TransportError{Op: "query", StatusCode: 502, Err: errors.New("bad gateway")}})
	register(t, f.reg, "boom", &fakeTool{panicWith: "kaboom"})

	r := f.wrapper.Execute(context.Background(), PhaseRetrieve, "rows", invocation(nil))
	require.Equal(t, tools.StatusSuccess, r.Status)
	assert.Equal(t, map[string]any{"rows": []int{1, 2}}, r.Content)

	r = f.wrapper.Execute(context.Background(), PhaseRetrieve, "down", invocation(nil))
	require.Equal(t, tools.StatusError, r.Status)
	assert.Equal(t, "TransportError", r.ErrorType)
	require.NotNil(t, r.StatusCode)
	assert.Equal(t, 502, *r.StatusCode)

	r = f.wrapper.Execute(context.Background(), PhaseRetrieve, "boom", invocation(nil))
	require.Equal(t, tools.StatusError, r.Status)
	assert.Equal(t, tools.UnknownErrorType, r.ErrorType)
	assert.Contains(t, r.ErrorMessage, "kaboom")
}

func TestExecuteScheduleCompletes(t *testing.T) {
	f := newFixture(t, Options{})
	register(t, f.reg, "user_data_retriever", &fakeTool{out: map[string]any{"row_count": 2}})

	r := f.wrapper.Execute(context.Background(), PhaseSchedule, "user_data_retriever", invocation(map[string]any{"query": "q"}))
	require.Equal(t, tools.StatusScheduled, r.Status, r.ErrorMessage)
	assert.Regexp(t, regexp.MustCompile(`^user_data_retriever_[0-9a-f]{8}$`), r.TaskHandle)
	assert.NotZero(t, r.TaskID)

	task := waitSettled(t, f.store, r.TaskID)
	assert.Equal(t, storage.TaskCompleted, task.Status)
	assert.JSONEq(t, `{"row_count":2}`, string(task.Output))
	assert.Equal(t, int64(9007199254740993), task.ThreadID)
	assert.Equal(t, "q", task.Arguments["query"])
}

func TestExecuteScheduleFailureSettlesFailed(t *testing.T) {
	f := newFixture(t, Options{})
	register(t, f.reg, "down", &fakeTool{callErr: &tools.TransportError{Op: "query", StatusCode: 500, Err: errors.New("boom")}})

	r := f.wrapper.Execute(context.Background(), PhaseSchedule, "down", invocation(map[string]any{"output_handle": "bills"}))
	require.Equal(t, tools.StatusScheduled, r.Status)
	assert.Equal(t, "bills", r.TaskHandle)

	task := waitSettled(t, f.store, r.TaskID)
	assert.Equal(t, storage.TaskFailed, task.Status)
	assert.Contains(t, task.Error, "TransportError")
}

func TestExecuteScheduleValidationCreatesNoTask(t *testing.T) {
	f := newFixture(t, Options{})
	register(t, f.reg, "bad", &fakeTool{validateErr: tools.Validationf("ORDER BY clause is missing")})

	inv := invocation(nil)
	r := f.wrapper.Execute(context.Background(), PhaseSchedule, "bad", inv)
	assert.Equal(t, "ORDER BY clause is missing", r.ErrorMessage)

	tasks, err := f.store.ListTasks(context.Background(), inv.ThreadID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestExecuteScheduleChainsDependencies(t *testing.T) {
	f := newFixture(t, Options{ChainTasks: true})
	gate := make(chan struct{})
	register(t, f.reg, "slow", &fakeTool{out: "first", gate: gate})
	register(t, f.reg, "fast", &fakeTool{out: "second"})
	ctx := context.Background()

	first := f.wrapper.Execute(ctx, PhaseSchedule, "slow", invocation(nil))
	second := f.wrapper.Execute(ctx, PhaseSchedule, "fast", invocation(nil))
	require.Equal(t, tools.StatusScheduled, first.Status)
	require.Equal(t, tools.StatusScheduled, second.Status)

	task, err := f.store.GetTask(ctx, second.TaskID)
	require.NoError(t, err)
	assert.Equal(t, []int64{first.TaskID}, task.DependsOn)

	// The dependent waits for the gated task.
	time.Sleep(50 * time.Millisecond)
	task, err = f.store.GetTask(ctx, second.TaskID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskPending, task.Status)

	close(gate)
	assert.Equal(t, storage.TaskCompleted, waitSettled(t, f.store, first.TaskID).Status)
	assert.Equal(t, storage.TaskCompleted, waitSettled(t, f.store, second.TaskID).Status)
}

func TestExecuteScheduleFailedDependency(t *testing.T) {
	f := newFixture(t, Options{})
	register(t, f.reg, "down", &fakeTool{callErr: errors.New("boom")})
	register(t, f.reg, "next", &fakeTool{out: "never"})
	ctx := context.Background()

	first := f.wrapper.Execute(ctx, PhaseSchedule, "down", invocation(nil))
	waitSettled(t, f.store, first.TaskID)

	second := f.wrapper.Execute(ctx, PhaseSchedule, "next", invocation(map[string]any{
		"depends_on": []any{first.TaskID},
	}))
	require.Equal(t, tools.StatusScheduled, second.Status)

	task := waitSettled(t, f.store, second.TaskID)
	assert.Equal(t, storage.TaskFailed, task.Status)
	assert.Contains(t, task.Error, "DependencyError")
}

func TestExecuteScheduleDependencyTimeoutNotRetried(t *testing.T) {
	store := storage.NewInMemoryStorage()
	queue := taskqueue.New(taskqueue.Config{Workers: 2, MaxAttempts: 3, BaseBackoff: time.Millisecond}, nil)
	t.Cleanup(func() { _ = queue.Shutdown(context.Background()) })
	reg := tools.NewRegistry()
	w := New(reg, store, queue, Options{DependencyTimeout: 50 * time.Millisecond})

	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })
	register(t, reg, "stuck", &fakeTool{gate: gate})
	calls := &atomic.Int32{}
	register(t, reg, "next", &fakeTool{out: "never", calls: calls})
	ctx := context.Background()

	first := w.Execute(ctx, PhaseSchedule, "stuck", invocation(nil))
	second := w.Execute(ctx, PhaseSchedule, "next", invocation(map[string]any{
		"depends_on": []any{first.TaskID},
	}))
	require.Equal(t, tools.StatusScheduled, second.Status)

	task := waitSettled(t, store, second.TaskID)
	assert.Equal(t, storage.TaskFailed, task.Status)
	assert.Contains(t, task.Error, "DependencyTimeoutError")
	assert.Zero(t, calls.Load())
	assert.Zero(t, queue.Stats().Retried)
}

func TestExecuteScheduleUnknownDependency(t *testing.T) {
	f := newFixture(t, Options{})
	register(t, f.reg, "next", &fakeTool{})

	r := f.wrapper.Execute(context.Background(), PhaseSchedule, "next", invocation(map[string]any{
		"depends_on": []any{"12345"},
	}))
	assert.Equal(t, tools.StatusError, r.Status)
	assert.Equal(t, "ValidationError", r.ErrorType)
}

func TestExecuteScheduleWithoutQueue(t *testing.T) {
	reg := tools.NewRegistry()
	register(t, reg, "rows", &fakeTool{})
	w := New(reg, nil, nil, Options{})

	r := w.Execute(context.Background(), PhaseSchedule, "rows", invocation(nil))
	assert.Equal(t, "ProtocolError", r.ErrorType)
}

func TestParsePhase(t *testing.T) {
	tests := []struct {
		in      string
		want    Phase
		wantErr bool
	}{
		{"validate", PhaseValidate, false},
		{"SCHEDULE", PhaseSchedule, false},
		{"", PhaseRetrieve, false},
		{"explode", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePhase(tt.in)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
