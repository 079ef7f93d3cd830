package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinex/ledgerline/config"
	"github.com/richinex/ledgerline/llm"
	"github.com/richinex/ledgerline/storage"
)

// accountingAPI answers COUNT(*) queries with 42 and row queries with two bills.
func accountingAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.URL.Query().Get("query"), "COUNT(*)") {
			w.Write([]byte(`{"QueryResponse":{"totalCount":42}}`))
			return
		}
		w.Write([]byte(`{"QueryResponse":{"Bill":[{"Id":"1","TotalAmt":10},{"Id":"2","TotalAmt":32}]}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testSettings(apiURL string) config.Settings {
	return config.Settings{
		LLM:   config.LLMConfig{Provider: "openai", Model: "fake-model"},
		Agent: config.AgentConfig{MaxRounds: 4, Intent: "bills", UserID: "u1"},
		Tools: config.ToolsConfig{Timeout: 5 * time.Second, Parallelism: 4, ChainTasks: true, DependencyTimeout: time.Second},
		Queue: config.QueueConfig{Workers: 2, Size: 8, MaxAttempts: 1, JobTimeout: 5 * time.Second},
		Retriever: config.RetrieverConfig{
			BaseURL:      apiURL,
			RealmID:      "123",
			AccessToken:  "tok",
			PageSize:     100,
			MaxPages:     5,
			FetchTimeout: 5 * time.Second,
			CacheSize:    16,
			CacheTTL:     time.Minute,
		},
		Sandbox: config.SandboxConfig{Timeout: 5 * time.Second, MaxOutputBytes: 4096},
		Log:     config.LogConfig{Level: "info", Format: "text"},
	}
}

func startToolServer(t *testing.T, s *config.Settings) {
	t.Helper()
	store, err := OpenStore(s.Storage)
	require.NoError(t, err)
	ts, err := NewToolServer(*s, store, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(ts)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ts.Queue.Shutdown(ctx)
		store.Close()
	})
	s.Tools.EndpointURL = srv.URL
}

type scriptedProvider struct {
	mu       sync.Mutex
	replies  []llm.Response
	requests []llm.Request
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "fake-model" }

func (p *scriptedProvider) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.replies) == 0 {
		return llm.Response{Content: "done"}, nil
	}
	next := p.replies[0]
	p.replies = p.replies[1:]
	return next, nil
}

func TestNewToolServerPublishesLedgerTools(t *testing.T) {
	s := testSettings("http://unused")
	store := storage.NewInMemoryStorage()
	ts, err := NewToolServer(s, store, nil)
	require.NoError(t, err)
	defer ts.Queue.Shutdown(context.Background())

	assert.ElementsMatch(t, []string{"schema_retriever", "size_retriever", "user_data_retriever", "task_status"}, ts.Registry.Names())
}

func TestChatEndToEnd(t *testing.T) {
	api := accountingAPI(t)
	s := testSettings(api.URL)
	startToolServer(t, &s)

	provider := &scriptedProvider{replies: []llm.Response{
		{
			Content: "Counting your bills.",
			ToolCalls: []llm.ToolCall{{
				ID:        "c1",
				Name:      "size_retriever",
				Arguments: `{"query":"SELECT COUNT(*) FROM Bill"}`,
			}},
		},
		{Content: "You have 42 bills."},
	}}

	var out bytes.Buffer
	in := strings.NewReader("How many bills do I have?\nexit\n")
	err := Chat(context.Background(), s, nil, ChatOptions{Provider: provider}, in, &out)
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "... Counting your bills.")
	assert.Contains(t, text, "You have 42 bills.")
	assert.Contains(t, text, "Usage: 2 rounds")

	require.Len(t, provider.requests, 2)
	second := provider.requests[1].Messages
	last := second[len(second)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	assert.Contains(t, last.Content, `"status":"success"`)
	assert.Contains(t, last.Content, "42")

	var names []string
	for _, def := range provider.requests[0].Tools {
		names = append(names, def.Name)
	}
	assert.Contains(t, names, "code_executor")
	assert.Contains(t, names, "user_data_retriever")
}

func TestChatRegistryUnavailable(t *testing.T) {
	s := testSettings("http://unused")
	s.Tools.EndpointURL = "http://127.0.0.1:1"
	s.Tools.Timeout = 500 * time.Millisecond

	var out bytes.Buffer
	err := Chat(context.Background(), s, nil, ChatOptions{Provider: &scriptedProvider{}}, strings.NewReader("hi\n"), &out)
	require.Error(t, err)
}

func TestListTools(t *testing.T) {
	s := testSettings("http://unused")
	startToolServer(t, &s)

	var out bytes.Buffer
	require.NoError(t, ListTools(context.Background(), s, nil, &out, true))

	text := out.String()
	assert.Contains(t, text, "size_retriever [metadata]")
	assert.Contains(t, text, "user_data_retriever [bulk]")
	assert.Contains(t, text, "code_executor [local]")
	assert.Contains(t, text, "query*: string")
}

func TestResolveThread(t *testing.T) {
	ctx := context.Background()
	store := storage.NewInMemoryStorage()

	id, err := resolveThread(ctx, store, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	require.NoError(t, store.SaveTranscript(ctx, 9, []llm.ChatMessage{llm.UserMessage("hi")}))
	id, err = resolveThread(ctx, store, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(9), id)

	id, err = resolveThread(ctx, store, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), id)
}
