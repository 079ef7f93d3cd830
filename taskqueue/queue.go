// Package taskqueue runs scheduled tool executions on a bounded worker pool.
//
// Information Hiding:
// - Worker goroutines and the job channel hidden
// - Retry strategy and backoff algorithm hidden
// - Shutdown draining hidden behind Shutdown

package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/richinex/ledgerline/tools"
)

var (
	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("task queue is closed")
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("task queue is full")
)

const (
	DefaultWorkers     = 4
	DefaultQueueSize   = 64
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = 100 * time.Millisecond
	DefaultMaxBackoff  = 5 * time.Second
)

// Config configures a Queue. Zero values fall back to defaults.
type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// JobTimeout bounds each attempt. Zero means no queue-level bound.
	JobTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	return c
}

// Job is one background execution.
type Job struct {
	// TaskID and Name identify the job in logs.
	TaskID int64
	Name   string
	// Run performs the work. It may be called more than once.
	Run func(ctx context.Context) (any, error)
	// OnSettle receives the final outcome exactly once.
	OnSettle func(out any, err error)
}

// Stats are cumulative queue counters.
type Stats struct {
	Submitted uint64
	Succeeded uint64
	Failed    uint64
	Retried   uint64
	Queued    int
}

// Queue is a bounded worker pool.
type Queue struct {
	cfg    Config
	logger *slog.Logger
	jobs   chan Job

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	submitted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
}

// New starts a queue with cfg.Workers workers. A nil logger discards.
func New(cfg Config, logger *slog.Logger) *Queue {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:    cfg,
		logger: logger,
		jobs:   make(chan Job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	q.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go q.worker()
	}
	return q
}

// Submit enqueues job without blocking.
func (q *Queue) Submit(job Job) error {
	if job.Run == nil {
		return errors.New("job has no run function")
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.jobs <- job:
		q.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting jobs and waits for queued and running jobs to
// settle. If ctx ends first, in-flight jobs are cancelled and ctx's error
// is returned once the workers exit.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Submitted: q.submitted.Load(),
		Succeeded: q.succeeded.Load(),
		Failed:    q.failed.Load(),
		Retried:   q.retried.Load(),
		Queued:    len(q.jobs),
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for job := range q.jobs {
		out, err := q.execute(job)
		if err != nil {
			q.failed.Add(1)
		} else {
			q.succeeded.Add(1)
		}
		q.settle(job, out, err)
	}
}

// execute runs job with retries.
func (q *Queue) execute(job Job) (any, error) {
	log := q.logger.With("task_id", job.TaskID, "job", job.Name)
	var lastErr error

	for attempt := 0; attempt < q.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			q.retried.Add(1)
			backoff := q.calculateBackoff(attempt)
			log.Debug("retrying job", "attempt", attempt+1, "backoff", backoff, "error", lastErr)
			select {
			case <-q.ctx.Done():
				return nil, fmt.Errorf("job cancelled after %d attempts: %w", attempt, lastErr)
			case <-time.After(backoff):
			}
		}

		out, err := q.runOnce(job)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !tools.IsRetryable(err) {
			break
		}
	}

	log.Warn("job failed", "error", lastErr)
	return nil, lastErr
}

func (q *Queue) runOnce(job Job) (out any, err error) {
	ctx := q.ctx
	if q.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.JobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &panicError{cause: tools.FromPanic(r)}
		}
	}()
	return job.Run(ctx)
}

func (q *Queue) settle(job Job, out any, err error) {
	if job.OnSettle == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("settle callback panicked", "task_id", job.TaskID, "panic", r)
		}
	}()
	job.OnSettle(out, err)
}

// calculateBackoff returns the backoff duration for the given attempt.
func (q *Queue) calculateBackoff(attempt int) time.Duration {
	if attempt > 30 {
		return q.cfg.MaxBackoff
	}
	delay := q.cfg.BaseBackoff * time.Duration(1<<attempt)
	if delay > q.cfg.MaxBackoff || delay <= 0 {
		delay = q.cfg.MaxBackoff
	}
	return delay
}

// panicError marks a recovered panic. Panics are not retried.
type panicError struct {
	cause error
}

func (e *panicError) Error() string   { return "job panicked: " + e.cause.Error() }
func (e *panicError) Unwrap() error   { return e.cause }
func (e *panicError) Retryable() bool { return false }
