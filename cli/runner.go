// Command execution for CLI commands.
//
// Information Hiding:
// - HTTP listener lifecycle and graceful shutdown hidden
// - Interactive chat loop hidden
// - Output formatting hidden

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/richinex/ledgerline/agent"
	"github.com/richinex/ledgerline/config"
	"github.com/richinex/ledgerline/delivery"
	"github.com/richinex/ledgerline/llm"
	"github.com/richinex/ledgerline/runner"
	"github.com/richinex/ledgerline/storage"
	"github.com/richinex/ledgerline/taskqueue"
	"github.com/richinex/ledgerline/tools"
	"github.com/richinex/ledgerline/usage"
)

const shutdownTimeout = 30 * time.Second

// Serve runs the tool execution endpoint until ctx ends.
// GET /metrics exposes queue and process metrics.
func Serve(ctx context.Context, s config.Settings, logger *slog.Logger) error {
	store, err := OpenStore(s.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	ts, err := NewToolServer(s, store, logger)
	if err != nil {
		return err
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	registerQueueMetrics(metrics, ts.Queue)
	ts.Engine().GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics, promhttp.HandlerOpts{})))

	srv := &http.Server{Addr: s.Server.Addr, Handler: ts.Engine(), ReadHeaderTimeout: 10 * time.Second}
	logger.Info("tool endpoint listening", "addr", s.Server.Addr, "tools", ts.Registry.Names())

	serveErr := listen(ctx, srv)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ts.Queue.Shutdown(shutdownCtx); err != nil {
		logger.Warn("task queue did not drain", "error", err)
	}
	return serveErr
}

// listen serves until ctx ends, then shuts srv down gracefully.
func listen(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve on %s: %w", srv.Addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

func registerQueueMetrics(reg prometheus.Registerer, q *taskqueue.Queue) {
	gauge := func(name, help string, value func(taskqueue.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "ledgerline",
			Subsystem: "taskqueue",
			Name:      name,
			Help:      help,
		}, func() float64 { return value(q.Stats()) })
	}
	reg.MustRegister(
		gauge("submitted", "Jobs accepted by the queue.", func(s taskqueue.Stats) float64 { return float64(s.Submitted) }),
		gauge("succeeded", "Jobs that completed.", func(s taskqueue.Stats) float64 { return float64(s.Succeeded) }),
		gauge("failed", "Jobs that failed after retries.", func(s taskqueue.Stats) float64 { return float64(s.Failed) }),
		gauge("retried", "Job attempts that were retried.", func(s taskqueue.Stats) float64 { return float64(s.Retried) }),
		gauge("queued", "Jobs waiting for a worker.", func(s taskqueue.Stats) float64 { return float64(s.Queued) }),
	)
}

// ChatOptions configure an interactive session.
type ChatOptions struct {
	// ThreadID resumes a thread; zero resumes the most recent one or starts thread 1.
	ThreadID int64
	// Listen, when set, serves GET /ws (delivery) and GET /metrics (usage).
	Listen string
	// Provider overrides the provider built from settings.
	Provider llm.Provider
	// Quiet hides intermediate narration.
	Quiet bool
}

// Chat runs an interactive ModelIO session reading lines from in.
func Chat(ctx context.Context, s config.Settings, logger *slog.Logger, opts ChatOptions, in io.Reader, out io.Writer) error {
	provider := opts.Provider
	if provider == nil {
		p, err := createProvider(s)
		if err != nil {
			return err
		}
		provider = p
	}

	store, err := OpenStore(s.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	threadID, err := resolveThread(ctx, store, opts.ThreadID)
	if err != nil {
		return err
	}

	local, err := NewLocalTools(s, store, logger)
	if err != nil {
		return err
	}
	tr := runner.New(runner.Options{
		BaseURL:     s.Tools.EndpointURL,
		Timeout:     s.Tools.Timeout,
		Parallelism: s.Tools.Parallelism,
		ThreadID:    threadID,
		CBID:        s.Agent.UserID,
		Tasks:       store,
		ChainTasks:  s.Tools.ChainTasks,
		Local:       local,
		Logger:      logger,
	})

	costs, err := config.LoadCostTable(s.Usage.CostFile)
	if err != nil {
		return err
	}
	metrics := prometheus.NewRegistry()
	monitor := usage.NewMonitor(costs, metrics, logger)

	writer := delivery.NewWriterSink(out)
	writer.ShowIntermediate = !opts.Quiet
	sinks := delivery.Multi{writer}
	if opts.Listen != "" {
		hub := delivery.NewHub(nil, logger)
		defer hub.Close()
		sinks = append(sinks, hub)

		mux := http.NewServeMux()
		mux.Handle("GET /ws", hub)
		mux.Handle("GET /metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: opts.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		listenCtx, stop := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- listen(listenCtx, srv) }()
		defer func() {
			stop()
			if err := <-done; err != nil {
				logger.Warn("delivery listener stopped", "error", err)
			}
		}()
		logger.Info("delivery listening", "addr", opts.Listen)
	}

	cfg := agent.NewBuilder(threadID).
		UserID(s.Agent.UserID).
		Intent(s.Agent.Intent).
		MaxRounds(s.Agent.MaxRounds).
		Build()
	mio, err := agent.New(cfg, agent.Deps{
		Provider:    provider,
		Tools:       tr,
		Sink:        sinks,
		Events:      store,
		Transcripts: store,
		Usage:       monitor,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if err := mio.Resume(ctx); err != nil {
		return err
	}
	if n := len(mio.History()); n > 0 {
		fmt.Fprintf(out, "Resuming thread %d (%d messages)\n\n", threadID, n)
	}

	fmt.Fprintf(out, "Chat on thread %d with %s. Type 'exit' to quit.\n\n", threadID, provider.Model())

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		_, err := mio.Send(ctx, "", input)
		switch {
		case err == nil:
		case errors.Is(err, agent.ErrRoundLimit):
			fmt.Fprintf(out, "\nNo answer after %d rounds. Try rephrasing the question.\n", cfg.MaxRounds)
		default:
			return err
		}
		fmt.Fprintln(out)
	}

	printUsage(out, monitor.Report())
	return scanner.Err()
}

func resolveThread(ctx context.Context, store storage.TranscriptStore, requested int64) (int64, error) {
	if requested != 0 {
		return requested, nil
	}
	threads, err := store.ListThreads(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list threads: %w", err)
	}
	if len(threads) > 0 {
		return threads[0], nil
	}
	return 1, nil
}

func printUsage(out io.Writer, r usage.Report) {
	if r.Total.Rounds == 0 {
		return
	}
	fmt.Fprintf(out, "Usage: %d rounds, %d input tokens, %d output tokens, $%.4f\n",
		r.Total.Rounds, r.Total.InputTokens, r.Total.OutputTokens, r.Total.CostUSD)
}

// ListTools prints the endpoint's registry merged with local tools.
func ListTools(ctx context.Context, s config.Settings, logger *slog.Logger, out io.Writer, verbose bool) error {
	local, err := NewLocalTools(s, nil, logger)
	if err != nil {
		return err
	}
	tr := runner.New(runner.Options{
		BaseURL: s.Tools.EndpointURL,
		Timeout: s.Tools.Timeout,
		Local:   local,
		Logger:  logger,
	})
	descs, err := tr.Tools(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Available tools:")
	fmt.Fprintln(out)
	for _, d := range descs {
		fmt.Fprintf(out, "  %s [%s]\n", d.Name, d.Category)
		fmt.Fprintf(out, "    %s\n", d.Description)
		if verbose {
			printParameters(out, d)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func printParameters(out io.Writer, d tools.Descriptor) {
	props, _ := d.Parameters["properties"].(map[string]any)
	if len(props) == 0 {
		return
	}
	required := map[string]bool{}
	switch req := d.Parameters["required"].(type) {
	case []string:
		for _, name := range req {
			required[name] = true
		}
	case []any:
		for _, name := range req {
			if s, ok := name.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(out, "    Parameters:")
	for _, name := range names {
		prop, _ := props[name].(map[string]any)
		mark := ""
		if required[name] {
			mark = "*"
		}
		fmt.Fprintf(out, "      %s%s: %v - %v\n", name, mark, prop["type"], prop["description"])
	}
}
