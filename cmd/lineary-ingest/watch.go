package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/48Nauts-Operator/lineary-ingest/internal/api"
	"github.com/48Nauts-Operator/lineary-ingest/internal/fingerprint"
	"github.com/48Nauts-Operator/lineary-ingest/internal/hermes"
	"github.com/48Nauts-Operator/lineary-ingest/internal/source"
)

func newWatchCmd(configPath *string) *cobra.Command {
	var (
		root   string
		noAPI  bool
		rescan string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the transcript tree and ingest new conversations",
		Long:  "Sweeps the transcript root once, then ingests files as they are created or appended to. Runs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd, *configPath, root, rescan, noAPI)
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "transcript root to watch (overrides config)")
	cmd.Flags().StringVar(&rescan, "rescan", "", "cron schedule for reconciliation sweeps, e.g. \"@every 10m\"")
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "do not serve the status API")
	return cmd
}

func runWatch(ctx context.Context, cmd *cobra.Command, configPath, root, rescan string, noAPI bool) error {
	a, err := setup(ctx, cmd, configPath, true)
	if err != nil {
		return err
	}
	defer a.close()

	if root == "" {
		root = a.cfg.Sources.Root
	}
	if rescan == "" {
		rescan = a.cfg.Sources.RescanSchedule
	}

	proc := source.NewProcessor(source.ProcessorConfig{MaxMessages: a.cfg.Sources.MaxMessages}, a.client, a.logger)
	if a.bus != nil {
		proc.Observe(hermes.ConversationObserver(a.bus, a.logger))
	}

	w := source.NewWatcher(source.WatcherConfig{
		Root:           root,
		SettleDelay:    a.cfg.Sources.SettleDelay,
		EventDelay:     a.cfg.Sources.EventDelay,
		RescanSchedule: rescan,
	}, proc, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })

	if !noAPI && a.cfg.Port > 0 {
		var counter fingerprint.Counter
		if c, ok := a.index.(fingerprint.Counter); ok {
			counter = c
		}
		srv := api.NewServer(a.cfg.Port, w, counter, a.logger)
		g.Go(func() error { return srv.Start(gctx) })
	}

	if a.bus != nil {
		if err := a.bus.Publish(hermes.SubjectWatcherStarted, map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"port":      a.cfg.Port,
			"root":      root,
		}); err != nil {
			a.logger.Warn("failed to publish registration", "error", err)
		}
	}

	a.logger.Info("lineary-ingest watching", "root", root, "port", a.cfg.Port)
	return g.Wait()
}
