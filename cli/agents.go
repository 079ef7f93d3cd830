// Component construction for CLI commands.
//
// Information Hiding:
// - Storage backend selection hidden
// - Retriever, registry, queue and wrapper wiring hidden
// - Provider construction from settings hidden

package cli

import (
	"fmt"
	"log/slog"

	"github.com/richinex/ledgerline/config"
	"github.com/richinex/ledgerline/ledger"
	"github.com/richinex/ledgerline/llm"
	"github.com/richinex/ledgerline/retriever"
	"github.com/richinex/ledgerline/sandbox"
	"github.com/richinex/ledgerline/storage"
	"github.com/richinex/ledgerline/taskqueue"
	"github.com/richinex/ledgerline/toolcall"
	"github.com/richinex/ledgerline/tools"
	"github.com/richinex/ledgerline/toolserver"
)

// OpenStore opens SQLite at cfg.Path, or in-memory SQLite when Path is empty.
func OpenStore(cfg config.StorageConfig) (storage.Store, error) {
	if cfg.Path == "" {
		s, err := storage.NewSqliteInMemory()
		if err != nil {
			return nil, fmt.Errorf("failed to open in-memory database: %w", err)
		}
		return s, nil
	}
	s, err := storage.OpenSqlite(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return s, nil
}

// ToolServer is the assembled tool execution endpoint.
type ToolServer struct {
	*toolserver.Server
	Queue    *taskqueue.Queue
	Registry *tools.Registry
}

// NewToolServer wires the accounting retriever, the published tools, the
// background queue and the HTTP surface. The registry must match ledger.Names.
func NewToolServer(s config.Settings, store storage.Store, logger *slog.Logger) (*ToolServer, error) {
	rc := s.Retriever
	fetcher := retriever.NewQueryFetcher(rc.BaseURL, rc.RealmID, rc.FetchTimeout)
	if rc.MinorVersion != "" {
		fetcher.WithMinorVersion(rc.MinorVersion)
	}
	cache := retriever.Tiered{
		Front: retriever.NewLRUCache(rc.CacheSize, rc.CacheTTL),
		Back:  retriever.NewStoreCache(store, rc.CacheTTL),
	}
	ret := retriever.New(retriever.StaticConnection(rc.AccessToken), fetcher, cache,
		retriever.Config{PageSize: rc.PageSize, MaxPages: rc.MaxPages}, logger)

	reg := tools.NewRegistry()
	if err := ledger.Register(reg, ledger.Deps{Retriever: ret, Tasks: store}); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	if err := reg.Verify(ledger.Names); err != nil {
		return nil, fmt.Errorf("tool registry does not match published list: %w", err)
	}

	queue := taskqueue.New(taskqueue.Config{
		Workers:     s.Queue.Workers,
		QueueSize:   s.Queue.Size,
		MaxAttempts: s.Queue.MaxAttempts,
		JobTimeout:  s.Queue.JobTimeout,
	}, logger)
	wrapper := toolcall.New(reg, store, queue, toolcall.Options{
		ChainTasks:        s.Tools.ChainTasks,
		DependencyTimeout: s.Tools.DependencyTimeout,
		Logger:            logger,
	})

	return &ToolServer{
		Server:   toolserver.New(wrapper, store, logger),
		Queue:    queue,
		Registry: reg,
	}, nil
}

// NewLocalTools builds the in-process wrapper for category local tools.
func NewLocalTools(s config.Settings, tasks storage.TaskStore, logger *slog.Logger) (*toolcall.Wrapper, error) {
	reg := tools.NewRegistry()
	exec := sandbox.New(sandbox.Policy{
		Timeout:        s.Sandbox.Timeout,
		MaxOutputBytes: s.Sandbox.MaxOutputBytes,
	}, tasks)
	if err := exec.Register(reg); err != nil {
		return nil, fmt.Errorf("failed to register local tools: %w", err)
	}
	return toolcall.New(reg, nil, nil, toolcall.Options{Logger: logger}), nil
}

// createProvider builds the configured model provider.
func createProvider(s config.Settings) (llm.Provider, error) {
	providerType, err := llm.ParseProviderType(s.LLM.Provider)
	if err != nil {
		return nil, err
	}

	apiKey, err := config.APIKeyFor(s.LLM.Provider)
	if err != nil {
		return nil, err
	}

	return providerType.
		Model(s.LLM.Model).
		BaseURL(s.LLM.BaseURL).
		MaxTokens(s.LLM.MaxTokens).
		Temperature(float32(s.LLM.Temperature)).
		APIKey(apiKey)
}
