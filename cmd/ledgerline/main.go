// Package main provides the ledgerline CLI entry point.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/richinex/ledgerline/cli"
	"github.com/richinex/ledgerline/config"
	"github.com/richinex/ledgerline/internal/logging"
)

var (
	// Global flags
	provider  string
	storePath string
	logLevel  string

	settings config.Settings
	logger   *slog.Logger
)

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:   "ledgerline",
		Short: "Conversational access to accounting data through validated tool calls",
		Long: `A model-driven assistant that answers questions about accounting data.

Two processes cooperate:
- serve: the tool execution endpoint (schema, size, user data and task status tools)
- chat: the model I/O loop, which calls the endpoint and runs code locally`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			name := provider
			if name == "" {
				name = os.Getenv("LLM_PROVIDER")
			}
			if name == "" {
				name = "openai"
			}
			s, err := config.New(name)
			if err != nil {
				return err
			}
			if storePath != "" {
				s.Storage.Path = storePath
			}
			if logLevel != "" {
				s.Log.Level = logLevel
			}
			l, err := logging.New(os.Stderr, s.Log.Level, s.Log.Format)
			if err != nil {
				return err
			}
			settings, logger = s, l
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&provider, "provider", "p", "", "LLM provider (openai, anthropic, deepseek, gemini)")
	rootCmd.PersistentFlags().StringVar(&storePath, "db", "", "SQLite database path (default in-memory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd(ctx))
	rootCmd.AddCommand(chatCmd(ctx))
	rootCmd.AddCommand(toolsCmd(ctx))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd(ctx context.Context) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tool execution endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				settings.Server.Addr = addr
			}
			return cli.Serve(ctx, settings, logger)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default SERVER_ADDR or :8080)")

	return cmd
}

func chatCmd(ctx context.Context) *cobra.Command {
	var opts cli.ChatOptions
	var endpoint string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session against the tool endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if endpoint != "" {
				settings.Tools.EndpointURL = endpoint
			}
			return cli.Chat(ctx, settings, logger, opts, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().Int64Var(&opts.ThreadID, "thread", 0, "Thread id to resume (default most recent)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "Serve websocket delivery and usage metrics on this address")
	cmd.Flags().BoolVarP(&opts.Quiet, "quiet", "q", false, "Hide intermediate narration")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Tool endpoint URL (default TOOL_ENDPOINT_URL)")

	return cmd
}

func toolsCmd(ctx context.Context) *cobra.Command {
	var verboseTools bool
	var endpoint string

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List available tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			if endpoint != "" {
				settings.Tools.EndpointURL = endpoint
			}
			return cli.ListTools(ctx, settings, logger, os.Stdout, verboseTools)
		},
	}

	cmd.Flags().BoolVarP(&verboseTools, "verbose", "V", false, "Show tool parameters")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Tool endpoint URL (default TOOL_ENDPOINT_URL)")

	return cmd
}
