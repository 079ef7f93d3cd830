// Package runner executes one round of model tool calls.
//
// Information Hiding:
// - Parallel fan-out and result aggregation hidden behind Run
// - Per-category staging policy hidden
// - Tool endpoint wire format and registry caching hidden

package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	ijson "github.com/richinex/ledgerline/internal/json"
	"github.com/richinex/ledgerline/llm"
	"github.com/richinex/ledgerline/storage"
	"github.com/richinex/ledgerline/toolcall"
	"github.com/richinex/ledgerline/tools"
	"golang.org/x/sync/errgroup"
)

// ErrRegistryUnavailable means the tool registry could not be loaded.
// Nothing can run without it.
var ErrRegistryUnavailable = errors.New("tool registry unavailable")

const (
	defaultTimeout  = 60 * time.Second
	maxResponseBody = 32 << 20
)

// Options configure a Runner.
type Options struct {
	// BaseURL of the tool execution endpoint.
	BaseURL    string
	HTTPClient *http.Client
	// Timeout bounds each endpoint call when HTTPClient is nil.
	Timeout time.Duration
	// Parallelism caps concurrent calls per round. Zero means unlimited.
	Parallelism int

	ThreadID int64
	CBID     string

	// Tasks records bulk staging. Nil disables task records.
	Tasks storage.TaskStore
	// ChainTasks makes each bulk task depend on every task this runner
	// created before it.
	ChainTasks bool

	// Local executes category local tools in-process.
	Local *toolcall.Wrapper

	Logger *slog.Logger
}

// Runner dispatches tool calls for one conversation thread.
type Runner struct {
	opts   Options
	client *http.Client
	logger *slog.Logger

	registryMu sync.Mutex
	registry   []tools.Descriptor
	byName     map[string]tools.Descriptor

	tasksMu sync.Mutex
	created []int64
}

// New creates a Runner.
func New(opts Options) *Runner {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Runner{opts: opts, client: client, logger: logger.With("thread_id", opts.ThreadID)}
}

// Tools returns the tool registry: the endpoint's GET /tools merged with
// local tools. The endpoint is fetched once; failures are not cached.
func (r *Runner) Tools(ctx context.Context) ([]tools.Descriptor, error) {
	r.registryMu.Lock()
	defer r.registryMu.Unlock()
	if r.registry != nil {
		return r.registry, nil
	}

	remote, err := r.fetchRegistry(ctx)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]tools.Descriptor, len(remote))
	for _, d := range remote {
		byName[d.Name] = d
	}
	if r.opts.Local != nil {
		for _, d := range r.opts.Local.Registry().Descriptors() {
			d.Category = tools.CategoryLocal
			byName[d.Name] = d
		}
	}
	if len(byName) == 0 {
		return nil, fmt.Errorf("%w: registry is empty", ErrRegistryUnavailable)
	}

	registry := make([]tools.Descriptor, 0, len(byName))
	for _, d := range byName {
		registry = append(registry, d)
	}
	sort.Slice(registry, func(i, j int) bool { return registry[i].Name < registry[j].Name })

	r.registry = registry
	r.byName = byName
	r.logger.Info("tool registry loaded", "tools", len(registry))
	return registry, nil
}

// Definitions returns the registry as model tool definitions.
func (r *Runner) Definitions(ctx context.Context) ([]llm.ToolDefinition, error) {
	registry, err := r.Tools(ctx)
	if err != nil {
		return nil, err
	}
	defs := make([]llm.ToolDefinition, len(registry))
	for i, d := range registry {
		defs[i] = llm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return defs, nil
}

func (r *Runner) fetchRegistry(ctx context.Context) ([]tools.Descriptor, error) {
	if r.opts.BaseURL == "" {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.opts.BaseURL+"/tools", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", ErrRegistryUnavailable, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrRegistryUnavailable, resp.StatusCode)
	}
	var body struct {
		Success bool               `json:"success"`
		Tools   []tools.Descriptor `json:"tools"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: failed to decode registry: %v", ErrRegistryUnavailable, err)
	}
	if !body.Success {
		return nil, fmt.Errorf("%w: endpoint reported failure", ErrRegistryUnavailable)
	}
	if len(body.Tools) == 0 {
		return nil, fmt.Errorf("%w: registry is empty", ErrRegistryUnavailable)
	}
	return body.Tools, nil
}

// Run executes every call concurrently and returns one result per call id.
// The only error is a registry failure; per-call failures are error results.
func (r *Runner) Run(ctx context.Context, calls []llm.ToolCall) (map[string]tools.Result, error) {
	if _, err := r.Tools(ctx); err != nil {
		return nil, err
	}

	results := make(map[string]tools.Result, len(calls))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	if r.opts.Parallelism > 0 {
		g.SetLimit(r.opts.Parallelism)
	}
	for _, call := range llm.UniqueCallIDs(calls) {
		g.Go(func() error {
			result := r.dispatch(gctx, call)
			mu.Lock()
			results[call.ID] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// dispatch runs one call to completion. It never panics.
func (r *Runner) dispatch(ctx context.Context, call llm.ToolCall) (result tools.Result) {
	inv := tools.Invocation{ThreadID: r.opts.ThreadID, ToolCallID: call.ID, CBID: r.opts.CBID}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool dispatch panicked", "tool", call.Name, "panic", p)
			result = tools.Failure(call.Name, inv, tools.FromPanic(p))
		}
	}()

	if !call.IsFunction() {
		return tools.Failure(call.Name, inv, tools.Protocolf("unsupported tool call type '%s'", call.Type))
	}
	args, err := ijson.RepairObject([]byte(call.Arguments))
	if err != nil {
		return tools.Failure(call.Name, inv, tools.Protocolf("malformed arguments for tool '%s': %v", call.Name, err))
	}
	inv.Arguments = args

	r.registryMu.Lock()
	desc, ok := r.byName[call.Name]
	r.registryMu.Unlock()
	if !ok {
		return tools.Failure(call.Name, inv, tools.Protocolf("unknown tool '%s'", call.Name))
	}

	log := r.logger.With("tool", call.Name, "tool_call_id", call.ID, "category", desc.Category)
	log.Debug("dispatching tool call")

	switch desc.Category {
	case tools.CategoryLocal:
		if r.opts.Local == nil {
			return tools.Failure(call.Name, inv, tools.Protocolf("local tool '%s' has no executor", call.Name))
		}
		return r.opts.Local.Execute(ctx, toolcall.PhaseRetrieve, call.Name, inv)
	case tools.CategoryBulk:
		return r.stageBulk(ctx, call.Name, inv, log)
	default:
		return r.post(ctx, call.Name, inv, false)
	}
}

// stageBulk validates, records a task, then retrieves.
func (r *Runner) stageBulk(ctx context.Context, name string, inv tools.Invocation, log *slog.Logger) tools.Result {
	validated := r.post(ctx, name, inv, true)
	if validated.IsError() {
		log.Info("validation rejected tool call", "error", validated.ErrorMessage)
		return validated
	}

	taskID, handle, recorded := r.createTask(ctx, name, inv, log)
	result := r.post(ctx, name, inv, false)
	if recorded {
		r.settleTask(taskID, result, log)
		if !result.IsError() {
			result.Content = withHandle(result.Content, handle)
		}
	}
	return result
}

// withHandle exposes the task handle so later calls can reference the output.
func withHandle(content any, handle string) any {
	if m, ok := content.(map[string]any); ok {
		out := make(map[string]any, len(m)+1)
		for k, v := range m {
			out[k] = v
		}
		out["output_handle"] = handle
		return out
	}
	return map[string]any{"output_handle": handle, "result": content}
}

func (r *Runner) createTask(ctx context.Context, name string, inv tools.Invocation, log *slog.Logger) (int64, string, bool) {
	if r.opts.Tasks == nil {
		return 0, "", false
	}

	handle := inv.String("output_handle")
	if handle == "" {
		handle = toolcall.GenerateHandle(name)
	}

	// Hold the lock across creation so chained dependencies form a total order.
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	var dependsOn []int64
	if r.opts.ChainTasks {
		dependsOn = append(dependsOn, r.created...)
	}
	task, err := r.opts.Tasks.CreateTask(ctx, storage.Task{
		ThreadID:   inv.ThreadID,
		ToolCallID: inv.ToolCallID,
		ToolName:   name,
		Arguments:  inv.Arguments,
		Handle:     handle,
		DependsOn:  dependsOn,
	})
	if err != nil {
		log.Warn("failed to record task", "error", err)
		return 0, "", false
	}
	r.created = append(r.created, task.ID)
	return task.ID, task.Handle, true
}

func (r *Runner) settleTask(taskID int64, result tools.Result, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status := storage.TaskCompleted
	var output json.RawMessage
	errMsg := ""
	if result.IsError() {
		status = storage.TaskFailed
		errMsg = fmt.Sprintf("%s: %s", result.ErrorType, result.ErrorMessage)
	} else if data, err := json.Marshal(result.Content); err == nil {
		output = data
	}
	if err := r.opts.Tasks.SettleTask(ctx, taskID, status, output, errMsg); err != nil {
		log.Warn("failed to settle task", "task_id", taskID, "error", err)
	}
}

// post calls POST /<name>. Transport and decoding failures become error results.
func (r *Runner) post(ctx context.Context, name string, inv tools.Invocation, validate bool) tools.Result {
	op := "POST /" + name
	body := make(map[string]any, len(inv.Arguments)+4)
	for k, v := range inv.Arguments {
		body[k] = v
	}
	body["cbid"] = inv.CBID
	body["thread_id"] = strconv.FormatInt(inv.ThreadID, 10)
	body["tool_call_id"] = inv.ToolCallID
	body["validate"] = validate

	payload, err := json.Marshal(body)
	if err != nil {
		return tools.Failure(name, inv, tools.Protocolf("failed to encode arguments: %v", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.opts.BaseURL+"/"+name, bytes.NewReader(payload))
	if err != nil {
		return tools.Failure(name, inv, &tools.TransportError{Op: op, Err: err})
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return tools.Failure(name, inv, &tools.TransportError{Op: op, Err: err})
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return tools.Failure(name, inv, &tools.TransportError{Op: op, StatusCode: resp.StatusCode, Err: err})
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return tools.Failure(name, inv, &tools.TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(summarize(data))})
	}

	var result tools.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return tools.Failure(name, inv, tools.Protocolf("invalid result from tool endpoint: %v", err))
	}
	// The endpoint answers for this call even if it echoed other ids.
	result.ToolName = name
	result.ToolCallID = inv.ToolCallID
	result.ThreadID = inv.ThreadID
	return result
}

func summarize(body []byte) string {
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "empty response body"
	}
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	return s
}
