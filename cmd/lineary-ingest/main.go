package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/48Nauts-Operator/lineary-ingest/internal/config"
	"github.com/48Nauts-Operator/lineary-ingest/internal/fingerprint"
	"github.com/48Nauts-Operator/lineary-ingest/internal/hermes"
	"github.com/48Nauts-Operator/lineary-ingest/internal/knowledge"
	"github.com/48Nauts-Operator/lineary-ingest/internal/slack"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "lineary-ingest",
		Short:         "Ingest Claude Code transcripts into the knowledge store",
		Long:          "lineary-ingest parses conversation transcripts, drops the ones already stored and delivers the rest to the knowledge store.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file (default $INGEST_CONFIG)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newWatchCmd(&configPath))
	cmd.AddCommand(newBackfillCmd(&configPath))
	cmd.AddCommand(newImportCmd(&configPath))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lineary-ingest %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}

// app holds the wired dependencies shared by the ingest commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	index  fingerprint.Index
	client *knowledge.Client
	bus    *hermes.Client
	poster *slack.Poster
}

// setup loads configuration and connects the index and optional sinks.
// requireURL is false only for dry runs.
func setup(ctx context.Context, cmd *cobra.Command, configPath string, requireURL bool) (*app, error) {
	if configPath == "" {
		configPath = os.Getenv("INGEST_CONFIG")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if requireURL && cfg.Knowledge.URL == "" {
		return nil, errors.New("KNOWLEDGE_URL is required")
	}

	logger := setupLogging(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)

	index, err := fingerprint.Open(ctx, fingerprint.Config{Driver: cfg.Index.Driver, DSN: cfg.Index.DSN})
	if err != nil {
		return nil, fmt.Errorf("open fingerprint index: %w", err)
	}
	logger.Info("fingerprint index ready", "driver", cfg.Index.Driver)

	a := &app{
		cfg:    cfg,
		logger: logger,
		index:  index,
		client: knowledge.NewClient(knowledge.Config{
			URL:         cfg.Knowledge.URL,
			Token:       cfg.Knowledge.Token,
			Timeout:     cfg.Knowledge.Timeout,
			MaxAttempts: cfg.Knowledge.MaxAttempts,
			Backoff:     knowledge.Backoff{Base: cfg.Knowledge.BackoffBase, Max: cfg.Knowledge.BackoffMax},
		}, index, logger),
	}

	// NATS is optional; ingest works without the event stream.
	if cfg.NATS.URL != "" {
		bus, err := hermes.NewClient(cfg.NATS.URL, cfg.NATS.Token, logger)
		if err != nil {
			logger.Warn("event stream disabled", "error", err)
		} else {
			a.bus = bus
		}
	}

	if cfg.Slack.BotToken != "" {
		poster, err := slack.NewPoster(slack.PosterOpts{Token: cfg.Slack.BotToken, Channel: cfg.Slack.Channel}, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		a.poster = poster
		logger.Info("slack poster ready", "channel", cfg.Slack.Channel)
	}

	return a, nil
}

func (a *app) close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if err := a.index.Close(); err != nil {
		a.logger.Warn("failed to close fingerprint index", "error", err)
	}
}

// setupLogging builds the process logger. The "auto" format picks text for
// a terminal and JSON otherwise.
func setupLogging(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	if format == "auto" {
		format = "json"
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			format = "text"
		}
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
