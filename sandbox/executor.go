// Package sandbox runs model-written code snippets in-process next to the runner.
//
// Information Hiding:
// - Interpreter allowlist and environment policy hidden
// - Scratch directory lifecycle hidden
// - Output capture and truncation hidden

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/richinex/ledgerline/storage"
	"github.com/richinex/ledgerline/tools"
)

// ToolName is the published name of the code execution tool.
const ToolName = "code_executor"

const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxCodeBytes   = 64 << 10
	DefaultMaxOutputBytes = 64 << 10
)

// Policy defines the execution constraints.
type Policy struct {
	// Interpreters maps a language name to its command line. The snippet
	// path is appended as the last argument.
	Interpreters map[string][]string
	// AllowedEnv lists host environment variables passed through. Nil uses
	// the default list; an empty non-nil slice passes nothing.
	AllowedEnv     []string
	Timeout        time.Duration
	MaxCodeBytes   int
	MaxOutputBytes int
}

// DefaultPolicy allows python3 and sh.
func DefaultPolicy() Policy {
	return Policy{
		Interpreters: map[string][]string{
			"python": {"python3", "-I"},
			"sh":     {"sh"},
		},
		AllowedEnv:     []string{"PATH", "LANG", "LC_ALL", "TZ"},
		Timeout:        DefaultTimeout,
		MaxCodeBytes:   DefaultMaxCodeBytes,
		MaxOutputBytes: DefaultMaxOutputBytes,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if len(p.Interpreters) == 0 {
		p.Interpreters = d.Interpreters
	}
	if p.AllowedEnv == nil {
		p.AllowedEnv = d.AllowedEnv
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.MaxCodeBytes <= 0 {
		p.MaxCodeBytes = d.MaxCodeBytes
	}
	if p.MaxOutputBytes <= 0 {
		p.MaxOutputBytes = d.MaxOutputBytes
	}
	return p
}

func (p Policy) languages() []string {
	langs := make([]string, 0, len(p.Interpreters))
	for lang := range p.Interpreters {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// ExecutionError reports a snippet that exited non-zero or timed out.
type ExecutionError struct {
	ExitCode int
	TimedOut bool
	Stderr   string
}

func (e *ExecutionError) Error() string {
	if e.TimedOut {
		return "execution timed out: " + e.Stderr
	}
	return fmt.Sprintf("execution failed with exit code %d: %s", e.ExitCode, e.Stderr)
}

// Retryable is false; the same code fails the same way.
func (e *ExecutionError) Retryable() bool {
	return false
}

// Executor builds code_executor tools.
type Executor struct {
	policy Policy
	tasks  storage.TaskStore
}

// New creates an Executor. tasks resolves the inputs argument and may be nil.
func New(policy Policy, tasks storage.TaskStore) *Executor {
	return &Executor{policy: policy.withDefaults(), tasks: tasks}
}

// Register adds code_executor to reg.
func (e *Executor) Register(reg *tools.Registry) error {
	return reg.Register(e.Descriptor(), e.Factory)
}

// Descriptor returns the tool descriptor.
func (e *Executor) Descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name: ToolName,
		Description: "Run a short code snippet to analyse retrieved data. Each handle in inputs is " +
			"written to <handle>.json in the working directory. Returns stdout, stderr and the exit code.",
		Parameters: tools.Schema(
			tools.Parameter{Name: "language", ParamType: "string", Description: "Snippet language", Required: true, Enum: e.policy.languages()},
			tools.Parameter{Name: "code", ParamType: "string", Description: "Source code to run", Required: true},
			tools.Parameter{Name: "inputs", ParamType: "array", Description: "Task handles whose output the snippet reads"},
		),
		Category: tools.CategoryLocal,
	}
}

// Factory instantiates the tool for one invocation.
func (e *Executor) Factory(inv tools.Invocation) (tools.Tool, error) {
	var inputs []string
	if raw, ok := inv.Arguments["inputs"].([]any); ok {
		for _, v := range raw {
			s, _ := v.(string)
			inputs = append(inputs, strings.TrimSpace(s))
		}
	} else if inv.Arguments["inputs"] != nil {
		inputs = []string{""}
	}
	return &codeExecutor{
		exec:     e,
		inv:      inv,
		language: strings.ToLower(inv.String("language")),
		code:     rawString(inv.Arguments["code"]),
		inputs:   inputs,
	}, nil
}

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type codeExecutor struct {
	exec     *Executor
	inv      tools.Invocation
	language string
	code     string
	inputs   []string
}

func (t *codeExecutor) Validate(ctx context.Context) error {
	if strings.TrimSpace(t.code) == "" {
		return tools.Validationf("code cannot be empty")
	}
	if len(t.code) > t.exec.policy.MaxCodeBytes {
		return tools.Validationf("code exceeds %d bytes", t.exec.policy.MaxCodeBytes)
	}
	if _, ok := t.exec.policy.Interpreters[t.language]; !ok {
		return tools.Validationf("language '%s' is not allowed; use one of: %s", t.language, strings.Join(t.exec.policy.languages(), ", "))
	}
	for _, h := range t.inputs {
		if !handlePattern.MatchString(h) {
			return tools.Validationf("input handle '%s' is invalid", h)
		}
	}
	if len(t.inputs) > 0 && t.exec.tasks == nil {
		return tools.Validationf("inputs are not available in this session")
	}
	return nil
}

func (t *codeExecutor) Call(ctx context.Context) (any, error) {
	if err := t.Validate(ctx); err != nil {
		return nil, err
	}
	policy := t.exec.policy

	dir, err := os.MkdirTemp("", "ledgerline-sandbox-")
	if err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := t.writeInputs(ctx, dir); err != nil {
		return nil, err
	}
	script := filepath.Join(dir, "snippet")
	if err := os.WriteFile(script, []byte(t.code), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write snippet: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	argv := append(append([]string{}, policy.Interpreters[t.language]...), script)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = t.environment(dir)
	stdout := &limitedBuffer{limit: policy.MaxOutputBytes}
	stderr := &limitedBuffer{limit: policy.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, &ExecutionError{TimedOut: true, ExitCode: -1, Stderr: fmt.Sprintf("killed after %s", policy.Timeout)}
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, &ExecutionError{ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], runErr)
	}

	return map[string]any{
		"language":    t.language,
		"exit_code":   0,
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"truncated":   stdout.truncated || stderr.truncated,
		"duration_ms": elapsed.Milliseconds(),
	}, nil
}

// writeInputs stores each referenced task's output as <handle>.json.
func (t *codeExecutor) writeInputs(ctx context.Context, dir string) error {
	for _, handle := range t.inputs {
		task, err := t.exec.tasks.GetTaskByHandle(ctx, t.inv.ThreadID, handle)
		if errors.Is(err, storage.ErrTaskNotFound) {
			return tools.Validationf("no task with handle '%s'", handle)
		}
		if err != nil {
			return fmt.Errorf("failed to load input %s: %w", handle, err)
		}
		if task.Status != storage.TaskCompleted {
			return tools.Validationf("input '%s' is %s, not COMPLETED", handle, task.Status)
		}
		if err := os.WriteFile(filepath.Join(dir, handle+".json"), task.Output, 0o600); err != nil {
			return fmt.Errorf("failed to write input %s: %w", handle, err)
		}
	}
	return nil
}

func (t *codeExecutor) environment(dir string) []string {
	env := []string{"HOME=" + dir, "TMPDIR=" + dir}
	for _, key := range t.exec.policy.AllowedEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// rawString returns s without trimming; indentation matters in code.
func rawString(v any) string {
	s, _ := v.(string)
	return s
}

// limitedBuffer keeps the first limit bytes and drops the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
