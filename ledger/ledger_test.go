package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/richinex/ledgerline/retriever"
	"github.com/richinex/ledgerline/storage"
	"github.com/richinex/ledgerline/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pageFetcher replays canned pages and records the statements it saw.
type pageFetcher struct {
	mu         sync.Mutex
	pages      []string
	counts     []int
	statements []string
}

func (f *pageFetcher) FetchPage(ctx context.Context, token string, q retriever.Query, start, size int) (retriever.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statements = append(f.statements, q.Statement)
	i := (start - 1) / size
	if i >= len(f.pages) {
		return retriever.Page{Payload: json.RawMessage(`{"QueryResponse":{}}`), Count: 0}, nil
	}
	return retriever.Page{Payload: json.RawMessage(f.pages[i]), Count: f.counts[i]}, nil
}

func newRegistry(t *testing.T, fetcher retriever.Fetcher, pageSize int) (*tools.Registry, *storage.InMemoryStorage) {
	t.Helper()
	store := storage.NewInMemoryStorage()
	r := retriever.New(retriever.StaticConnection("tok"), fetcher, nil, retriever.Config{PageSize: pageSize}, nil)
	reg := tools.NewRegistry()
	require.NoError(t, Register(reg, Deps{Retriever: r, Tasks: store}))
	return reg, store
}

func build(t *testing.T, reg *tools.Registry, name string, args map[string]any) tools.Tool {
	t.Helper()
	factory, ok := reg.Get(name)
	require.True(t, ok, "tool %s not registered", name)
	tool, err := factory(tools.Invocation{ThreadID: 7, ToolCallID: "call_1", Arguments: args})
	require.NoError(t, err)
	return tool
}

func TestRegisterMatchesPublishedNames(t *testing.T) {
	reg, _ := newRegistry(t, &pageFetcher{}, 10)
	require.NoError(t, reg.Verify(Names))

	desc, ok := reg.Descriptor(UserDataRetrieverName)
	require.True(t, ok)
	assert.Equal(t, tools.CategoryBulk, desc.Category)

	desc, ok = reg.Descriptor(SizeRetrieverName)
	require.True(t, ok)
	assert.Equal(t, tools.CategoryMetadata, desc.Category)
}

func TestRegisterRequiresDeps(t *testing.T) {
	assert.Error(t, Register(tools.NewRegistry(), Deps{}))
}

func TestSizeRetrieverValidation(t *testing.T) {
	reg, _ := newRegistry(t, &pageFetcher{}, 10)

	tests := []struct {
		name    string
		query   string
		wantErr string
	}{
		{"valid", "SELECT COUNT(*) FROM Bill WHERE TxnDate='2025-01-01'", ""},
		{"trailing semicolon", "select count(*) from invoice;", ""},
		{"empty", "", "query is required"},
		{"no count", "SELECT * FROM Bill", "COUNT(*) is missing; size queries must select COUNT(*)"},
		{"between", "SELECT COUNT(*) FROM Bill WHERE TxnDate BETWEEN '2025-01-01' AND '2025-02-01'", "BETWEEN is not supported; use >= and <= instead"},
		{"unknown entity", "SELECT COUNT(*) FROM Widget", `unknown entity "Widget"; call schema_retriever to list entities`},
		{"entity prefix", "SELECT COUNT(*) FROM Bil", `unknown entity "Bil"; did you mean Bill or BillPayment?`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := build(t, reg, SizeRetrieverName, map[string]any{"query": tt.query}).Validate(context.Background())
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			var validation *tools.ValidationError
			require.ErrorAs(t, err, &validation)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestSizeRetrieverReturnsQueryResponse(t *testing.T) {
	fetcher := &pageFetcher{
		pages:  []string{`{"QueryResponse":{"totalCount":42},"time":"2025-01-01T00:00:00Z"}`},
		counts: []int{0},
	}
	reg, _ := newRegistry(t, fetcher, 10)

	out, err := build(t, reg, SizeRetrieverName, map[string]any{
		"query": "SELECT COUNT(*) FROM Bill WHERE TxnDate='2025-01-01'",
	}).Call(context.Background())
	require.NoError(t, err)

	content, ok := out.(map[string]any)
	require.True(t, ok)
	qr, ok := content["QueryResponse"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, json.Number("42"), qr["totalCount"])
	assert.Len(t, fetcher.statements, 1)
}

func TestUserDataRetrieverValidation(t *testing.T) {
	reg, _ := newRegistry(t, &pageFetcher{}, 10)

	tests := []struct {
		name    string
		args    map[string]any
		wantErr string
	}{
		{"valid", map[string]any{"query": "SELECT * FROM Invoice ORDER BY TxnDate"}, ""},
		{"missing order by", map[string]any{"query": "SELECT * FROM Bill WHERE TotalAmt > '100'"}, "ORDER BY clause is missing"},
		{"pagination clause", map[string]any{"query": "SELECT * FROM Bill ORDER BY Id MAXRESULTS 10"}, "STARTPOSITION and MAXRESULTS are not allowed; pagination is automatic"},
		{"count query", map[string]any{"query": "SELECT COUNT(*) FROM Bill ORDER BY Id"}, "COUNT(*) queries belong in size_retriever"},
		{"not select", map[string]any{"query": "DELETE FROM Bill"}, "query must start with SELECT"},
		{"no from", map[string]any{"query": "SELECT Id ORDER BY Id"}, "FROM clause is missing"},
		{"max rows too large", map[string]any{"query": "SELECT * FROM Bill ORDER BY Id", "max_rows": float64(AbsoluteMaxRows + 1)}, "max_rows must be between 1 and 10000"},
		{"max rows zero", map[string]any{"query": "SELECT * FROM Bill ORDER BY Id", "max_rows": 0}, "max_rows must be between 1 and 10000"},
		{"max rows not integer", map[string]any{"query": "SELECT * FROM Bill ORDER BY Id", "max_rows": "many"}, "max_rows must be an integer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := build(t, reg, UserDataRetrieverName, tt.args).Validate(context.Background())
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
			assert.Equal(t, "ValidationError", tools.ErrorType(err))
		})
	}
}

func TestUserDataRetrieverFlattensPages(t *testing.T) {
	fetcher := &pageFetcher{
		pages: []string{
			`{"QueryResponse":{"Bill":[{"Id":"1"},{"Id":"2"}],"startPosition":1,"maxResults":2}}`,
			`{"QueryResponse":{"Bill":[{"Id":"3"}],"startPosition":3,"maxResults":1}}`,
		},
		counts: []int{2, 1},
	}
	reg, _ := newRegistry(t, fetcher, 2)

	out, err := build(t, reg, UserDataRetrieverName, map[string]any{
		"query": "SELECT * FROM bill ORDER BY Id",
	}).Call(context.Background())
	require.NoError(t, err)

	content := out.(map[string]any)
	assert.Equal(t, "Bill", content["entity"])
	assert.Equal(t, 3, content["row_count"])
	assert.Equal(t, false, content["truncated"])

	data, err := json.Marshal(content["rows"])
	require.NoError(t, err)
	assert.JSONEq(t, `[{"Id":"1"},{"Id":"2"},{"Id":"3"}]`, string(data))
}

func TestUserDataRetrieverMaxRows(t *testing.T) {
	fetcher := &pageFetcher{
		pages: []string{
			`{"QueryResponse":{"Invoice":[{"Id":"1"},{"Id":"2"}]}}`,
			`{"QueryResponse":{"Invoice":[{"Id":"3"},{"Id":"4"}]}}`,
			`{"QueryResponse":{"Invoice":[{"Id":"5"},{"Id":"6"}]}}`,
		},
		counts: []int{2, 2, 2},
	}
	reg, _ := newRegistry(t, fetcher, 2)

	out, err := build(t, reg, UserDataRetrieverName, map[string]any{
		"query":    "SELECT * FROM Invoice ORDER BY Id",
		"max_rows": 3,
	}).Call(context.Background())
	require.NoError(t, err)

	content := out.(map[string]any)
	assert.Equal(t, 3, content["row_count"])
	assert.Equal(t, true, content["truncated"])
	assert.Len(t, fetcher.statements, 2, "only the pages needed for max_rows are fetched")
}

func TestUserDataRetrieverTruncationOnPageBoundary(t *testing.T) {
	pages := []string{
		`{"QueryResponse":{"Invoice":[{"Id":"1"},{"Id":"2"}]}}`,
		`{"QueryResponse":{"Invoice":[{"Id":"3"},{"Id":"4"}]}}`,
	}
	tests := []struct {
		name          string
		maxRows       int
		wantRows      int
		wantTruncated bool
	}{
		{"more rows beyond limit", 2, 2, true},
		{"limit equals result size", 4, 4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _ := newRegistry(t, &pageFetcher{pages: pages, counts: []int{2, 2}}, 2)

			out, err := build(t, reg, UserDataRetrieverName, map[string]any{
				"query":    "SELECT * FROM Invoice ORDER BY Id",
				"max_rows": tt.maxRows,
			}).Call(context.Background())
			require.NoError(t, err)

			content := out.(map[string]any)
			assert.Equal(t, tt.wantRows, content["row_count"])
			assert.Equal(t, tt.wantTruncated, content["truncated"])
		})
	}
}

func TestSchemaRetriever(t *testing.T) {
	reg, _ := newRegistry(t, &pageFetcher{}, 10)
	ctx := context.Background()

	out, err := build(t, reg, SchemaRetrieverName, nil).Call(ctx)
	require.NoError(t, err)
	assert.Contains(t, out.(map[string]any)["entities"], "Bill")

	out, err = build(t, reg, SchemaRetrieverName, map[string]any{"entity": "invoice"}).Call(ctx)
	require.NoError(t, err)
	content := out.(map[string]any)
	assert.Equal(t, "Invoice", content["entity"])
	assert.NotEmpty(t, content["fields"])

	err = build(t, reg, SchemaRetrieverName, map[string]any{"entity": "Widget"}).Validate(ctx)
	assert.Error(t, err)
}

func TestTaskStatus(t *testing.T) {
	reg, store := newRegistry(t, &pageFetcher{}, 10)
	ctx := context.Background()

	task, err := store.CreateTask(ctx, storage.Task{
		ThreadID:   7,
		ToolCallID: "call_0",
		ToolName:   UserDataRetrieverName,
		Handle:     "bills_2025",
		Status:     storage.TaskPending,
	})
	require.NoError(t, err)

	out, err := build(t, reg, TaskStatusName, map[string]any{"handle": "bills_2025"}).Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, "PENDING", out.(map[string]any)["status"])

	require.NoError(t, store.SettleTask(ctx, task.ID, storage.TaskFailed, nil, "HTTP 500"))
	out, err = build(t, reg, TaskStatusName, map[string]any{"handle": "bills_2025"}).Call(ctx)
	require.NoError(t, err)
	content := out.(map[string]any)
	assert.Equal(t, "FAILED", content["status"])
	assert.Equal(t, "HTTP 500", content["error"])

	_, err = build(t, reg, TaskStatusName, map[string]any{"handle": "missing"}).Call(ctx)
	var validation *tools.ValidationError
	assert.True(t, errors.As(err, &validation))
}
