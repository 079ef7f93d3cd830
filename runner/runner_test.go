package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/richinex/ledgerline/llm"
	"github.com/richinex/ledgerline/storage"
	"github.com/richinex/ledgerline/toolcall"
	"github.com/richinex/ledgerline/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	tool     string
	validate bool
	body     map[string]any
}

// fakeEndpoint implements GET /tools and POST /{tool}.
type fakeEndpoint struct {
	mu           sync.Mutex
	calls        []recordedCall
	registryHits atomic.Int32
	descriptors  []tools.Descriptor
	registryOK   bool
	// respond builds the result dictionary for a call.
	respond func(tool string, validate bool, body map[string]any) (int, map[string]any)
}

func (e *fakeEndpoint) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tools", func(w http.ResponseWriter, r *http.Request) {
		e.registryHits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": e.registryOK, "tools": e.descriptors})
	})
	mux.HandleFunc("POST /{tool}", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		tool := r.PathValue("tool")
		validate, _ := body["validate"].(bool)

		e.mu.Lock()
		e.calls = append(e.calls, recordedCall{tool: tool, validate: validate, body: body})
		e.mu.Unlock()

		code, out := e.respond(tool, validate, body)
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(out)
	})
	return mux
}

func (e *fakeEndpoint) callsFor(tool string) []recordedCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []recordedCall
	for _, c := range e.calls {
		if c.tool == tool {
			out = append(out, c)
		}
	}
	return out
}

func success(tool string, body map[string]any, content any) map[string]any {
	return map[string]any{
		"status":       "success",
		"tool_name":    tool,
		"tool_call_id": body["tool_call_id"],
		"thread_id":    body["thread_id"],
		"content":      content,
	}
}

func failure(tool string, body map[string]any, errType, msg string) map[string]any {
	return map[string]any{
		"status":        "error",
		"tool_name":     tool,
		"tool_call_id":  body["tool_call_id"],
		"thread_id":     body["thread_id"],
		"error_type":    errType,
		"error_message": msg,
	}
}

func defaultDescriptors() []tools.Descriptor {
	return []tools.Descriptor{
		{Name: "schema_retriever", Description: "schemas", Category: tools.CategoryMetadata},
		{Name: "size_retriever", Description: "counts", Category: tools.CategoryMetadata},
		{Name: "user_data_retriever", Description: "rows", Category: tools.CategoryBulk},
	}
}

func newEndpoint(t *testing.T) (*fakeEndpoint, *httptest.Server) {
	t.Helper()
	e := &fakeEndpoint{
		descriptors: defaultDescriptors(),
		registryOK:  true,
		respond: func(tool string, validate bool, body map[string]any) (int, map[string]any) {
			if validate {
				return http.StatusOK, success(tool, body, nil)
			}
			return http.StatusOK, success(tool, body, map[string]any{"tool": tool})
		},
	}
	srv := httptest.NewServer(e.handler())
	t.Cleanup(srv.Close)
	return e, srv
}

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Type: llm.ToolTypeFunction, Name: name, Arguments: args}
}

func TestRunMetadataToolCalledOnce(t *testing.T) {
	e, srv := newEndpoint(t)
	r := New(Options{BaseURL: srv.URL, ThreadID: 42, CBID: "cb"})

	results, err := r.Run(context.Background(), []llm.ToolCall{
		call("c1", "size_retriever", `{"query":"SELECT COUNT(*) FROM Bill WHERE TxnDate='2025-01-01'"}`),
	})
	require.NoError(t, err)

	res := results["c1"]
	assert.Equal(t, tools.StatusSuccess, res.Status)
	assert.Equal(t, int64(42), res.ThreadID)

	calls := e.callsFor("size_retriever")
	require.Len(t, calls, 1)
	assert.False(t, calls[0].validate)
	assert.Equal(t, "42", calls[0].body["thread_id"], "thread id travels as a decimal string")
	assert.Equal(t, "cb", calls[0].body["cbid"])
	assert.Contains(t, calls[0].body["query"], "COUNT(*)")
}

func TestRunBulkValidateThenRetrieve(t *testing.T) {
	e, srv := newEndpoint(t)
	store := storage.NewInMemoryStorage()
	r := New(Options{BaseURL: srv.URL, ThreadID: 1, Tasks: store, ChainTasks: true})
	ctx := context.Background()

	results, err := r.Run(ctx, []llm.ToolCall{
		call("c1", "user_data_retriever", `{"query":"SELECT * FROM Bill ORDER BY Id","output_handle":"bills"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, tools.StatusSuccess, results["c1"].Status)
	assert.Equal(t, map[string]any{"tool": "user_data_retriever", "output_handle": "bills"}, results["c1"].Content)

	calls := e.callsFor("user_data_retriever")
	require.Len(t, calls, 2)
	assert.True(t, calls[0].validate)
	assert.False(t, calls[1].validate)

	tasks, err := store.ListTasks(ctx, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "bills", tasks[0].Handle)
	assert.Equal(t, storage.TaskCompleted, tasks[0].Status)

	// A second bulk call depends on the first task.
	second, err := r.Run(ctx, []llm.ToolCall{call("c2", "user_data_retriever", `{"query":"SELECT * FROM Invoice ORDER BY Id"}`)})
	require.NoError(t, err)
	tasks, err = store.ListTasks(ctx, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, []int64{tasks[0].ID}, tasks[1].DependsOn)

	// A generated handle is shown to the model and its stored output stays clean.
	content, ok := second["c2"].Content.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, tasks[1].Handle, content["output_handle"])
	assert.Contains(t, tasks[1].Handle, "user_data_retriever_")
	assert.JSONEq(t, `{"tool":"user_data_retriever"}`, string(tasks[1].Output))
}

func TestWithHandleWrapsNonObjectContent(t *testing.T) {
	assert.Equal(t, map[string]any{"output_handle": "h", "result": []any{1.0}}, withHandle([]any{1.0}, "h"))
}

func TestRunBulkValidationFailureSkipsRetrieve(t *testing.T) {
	e, srv := newEndpoint(t)
	e.respond = func(tool string, validate bool, body map[string]any) (int, map[string]any) {
		return http.StatusOK, failure(tool, body, "ValidationError", "ORDER BY clause is missing")
	}
	store := storage.NewInMemoryStorage()
	r := New(Options{BaseURL: srv.URL, ThreadID: 1, Tasks: store})

	results, err := r.Run(context.Background(), []llm.ToolCall{
		call("c1", "user_data_retriever", `{"query":"SELECT * FROM Bill"}`),
	})
	require.NoError(t, err)

	res := results["c1"]
	assert.Equal(t, tools.StatusError, res.Status)
	assert.Equal(t, "ORDER BY clause is missing", res.ErrorMessage)
	assert.Len(t, e.callsFor("user_data_retriever"), 1, "retrieve must not be issued")

	tasks, err := store.ListTasks(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestRunFanOutIsolation(t *testing.T) {
	e, srv := newEndpoint(t)
	e.respond = func(tool string, validate bool, body map[string]any) (int, map[string]any) {
		if body["tool_call_id"] == "c3" {
			return http.StatusInternalServerError, map[string]any{"detail": "boom"}
		}
		return http.StatusOK, success(tool, body, "ok")
	}
	r := New(Options{BaseURL: srv.URL, ThreadID: 1, Parallelism: 2})

	calls := []llm.ToolCall{
		call("c1", "schema_retriever", `{}`),
		call("c2", "size_retriever", `{"query":"SELECT COUNT(*) FROM Bill"}`),
		call("c3", "size_retriever", `{"query":"SELECT COUNT(*) FROM Invoice"}`),
		call("c4", "schema_retriever", `{"entity":"Bill"}`),
		call("c5", "user_data_retriever", `{"query":"SELECT * FROM Bill ORDER BY Id"}`),
	}
	results, err := r.Run(context.Background(), calls)
	require.NoError(t, err)
	require.Len(t, results, len(calls))

	for _, c := range calls {
		res := results[c.ID]
		if c.ID == "c3" {
			assert.Equal(t, tools.StatusError, res.Status)
			assert.Equal(t, "TransportError", res.ErrorType)
			require.NotNil(t, res.StatusCode)
			assert.Equal(t, 500, *res.StatusCode)
			continue
		}
		assert.Equal(t, tools.StatusSuccess, res.Status, c.ID)
	}
}

func TestRunProtocolErrors(t *testing.T) {
	_, srv := newEndpoint(t)
	r := New(Options{BaseURL: srv.URL, ThreadID: 1})

	results, err := r.Run(context.Background(), []llm.ToolCall{
		{ID: "c1", Type: "retrieval", Name: "size_retriever", Arguments: `{}`},
		call("c2", "size_retriever", `{"query": "SELECT`),
		call("c3", "drop_tables", `{}`),
		call("c4", "schema_retriever", `{'entity': 'Bill',}`),
		call("c5", "schema_retriever", `[1, 2]`),
	})
	require.NoError(t, err)
	require.Len(t, results, 5)

	assert.Equal(t, "ProtocolError", results["c1"].ErrorType)
	assert.Contains(t, results["c1"].ErrorMessage, "unsupported tool call type")
	assert.Equal(t, "ProtocolError", results["c3"].ErrorType)
	assert.Equal(t, "unknown tool 'drop_tables'", results["c3"].ErrorMessage)
	assert.Equal(t, tools.StatusSuccess, results["c4"].Status, "repairable arguments are repaired")
	assert.Equal(t, "ProtocolError", results["c5"].ErrorType)

	// Truncated JSON is either repaired or reported, never fatal.
	assert.Contains(t, []tools.Status{tools.StatusSuccess, tools.StatusError}, results["c2"].Status)
}

func TestRunEmptyCallIDs(t *testing.T) {
	_, srv := newEndpoint(t)
	r := New(Options{BaseURL: srv.URL})

	results, err := r.Run(context.Background(), []llm.ToolCall{
		{Name: "schema_retriever", Arguments: `{}`},
		{Name: "schema_retriever", Arguments: `{}`},
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Contains(t, results, "call_0")
	assert.Contains(t, results, "call_1")
}

func TestRunCollidingCallIDs(t *testing.T) {
	_, srv := newEndpoint(t)
	r := New(Options{BaseURL: srv.URL})

	results, err := r.Run(context.Background(), []llm.ToolCall{
		call("", "schema_retriever", `{}`),
		call("call_0", "schema_retriever", `{}`),
		call("dup", "schema_retriever", `{}`),
		call("dup", "schema_retriever", `{}`),
	})
	require.NoError(t, err)
	require.Len(t, results, 4, "every call gets its own result")
	for _, id := range []string{"call_0_1", "call_0", "dup", "call_3"} {
		require.Contains(t, results, id)
		assert.Equal(t, id, results[id].ToolCallID)
	}
}

func TestToolsCachedForRunnerLifetime(t *testing.T) {
	e, srv := newEndpoint(t)
	r := New(Options{BaseURL: srv.URL})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		defs, err := r.Definitions(ctx)
		require.NoError(t, err)
		assert.Len(t, defs, 3)
	}
	assert.Equal(t, int32(1), e.registryHits.Load())
}

func TestToolsRegistryFailureIsFatal(t *testing.T) {
	tests := []struct {
		name  string
		setup func(e *fakeEndpoint)
	}{
		{"unsuccessful", func(e *fakeEndpoint) { e.registryOK = false }},
		{"empty", func(e *fakeEndpoint) { e.descriptors = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, srv := newEndpoint(t)
			tt.setup(e)
			r := New(Options{BaseURL: srv.URL})

			_, err := r.Run(context.Background(), []llm.ToolCall{call("c1", "schema_retriever", `{}`)})
			assert.ErrorIs(t, err, ErrRegistryUnavailable)
		})
	}

	r := New(Options{BaseURL: "http://127.0.0.1:1"})
	_, err := r.Tools(context.Background())
	assert.ErrorIs(t, err, ErrRegistryUnavailable)
}

// localTool is a category local tool executed in-process.
type localTool struct{ inv tools.Invocation }

func (t *localTool) Validate(ctx context.Context) error { return nil }
func (t *localTool) Call(ctx context.Context) (any, error) {
	return map[string]any{"stdout": t.inv.String("code")}, nil
}

func TestRunLocalTool(t *testing.T) {
	e, srv := newEndpoint(t)
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(
		tools.Descriptor{Name: "code_executor", Description: "run code"},
		func(inv tools.Invocation) (tools.Tool, error) { return &localTool{inv: inv}, nil },
	))
	r := New(Options{BaseURL: srv.URL, Local: toolcall.New(reg, nil, nil, toolcall.Options{})})

	descs, err := r.Tools(context.Background())
	require.NoError(t, err)
	assert.Len(t, descs, 4)

	results, err := r.Run(context.Background(), []llm.ToolCall{call("c1", "code_executor", `{"code":"print(1)"}`)})
	require.NoError(t, err)
	assert.Equal(t, tools.StatusSuccess, results["c1"].Status)
	assert.Equal(t, map[string]any{"stdout": "print(1)"}, results["c1"].Content)
	assert.Empty(t, e.callsFor("code_executor"), "local tools never hit the endpoint")
}
