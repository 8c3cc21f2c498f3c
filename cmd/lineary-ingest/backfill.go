package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/48Nauts-Operator/lineary-ingest/internal/backfill"
)

type runFlags struct {
	reportPath string
	dryRun     bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.reportPath, "report", "", "write the run report as JSON to this path")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "parse and fingerprint without delivering")
}

func newBackfillCmd(configPath *string) *cobra.Command {
	var (
		flags    runFlags
		root     string
		pattern  string
		projects []string
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Ingest every transcript under the root once",
		Long:  "Scans the transcript root, processes projects in name order and smaller files first, then prints a run summary.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runner, a, err := newRunner(ctx, cmd, *configPath, flags, func(c *backfill.Config) {
				if root != "" {
					c.Root = root
				}
				if pattern != "" {
					c.Pattern = pattern
				}
				if len(projects) > 0 {
					c.Projects = projects
				}
			})
			if err != nil {
				return err
			}
			defer a.close()

			rep, err := runner.Run(ctx)
			if err != nil {
				return err
			}
			return finishRun(cmd, a, rep, flags.reportPath)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&root, "root", "", "transcript root to scan (overrides config)")
	cmd.Flags().StringVar(&pattern, "pattern", "", "file name glob (overrides config)")
	cmd.Flags().StringSliceVarP(&projects, "project", "p", nil, "only ingest these projects (repeatable)")
	return cmd
}

func newImportCmd(configPath *string) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Ingest a single transcript file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runner, a, err := newRunner(ctx, cmd, *configPath, flags, nil)
			if err != nil {
				return err
			}
			defer a.close()

			rep, err := runner.Import(ctx, args[0])
			if err != nil {
				return err
			}
			if err := finishRun(cmd, a, rep, flags.reportPath); err != nil {
				return err
			}
			if rep.FileErrors > 0 {
				return fmt.Errorf("import %s: %s", args[0], strings.Join(rep.Errors, "; "))
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func newRunner(ctx context.Context, cmd *cobra.Command, configPath string, flags runFlags, override func(*backfill.Config)) (*backfill.Runner, *app, error) {
	a, err := setup(ctx, cmd, configPath, !flags.dryRun)
	if err != nil {
		return nil, nil, err
	}

	cfg := backfill.Config{
		Root:          a.cfg.Sources.Root,
		Pattern:       a.cfg.Sources.Pattern,
		Projects:      a.cfg.Sources.Projects,
		FileDelay:     a.cfg.Sources.FileDelay,
		DeliveryDelay: a.cfg.Sources.DeliveryDelay,
		MaxMessages:   a.cfg.Sources.MaxMessages,
		DryRun:        flags.dryRun,
	}
	if override != nil {
		override(&cfg)
	}

	runner := backfill.NewRunner(cfg, a.client, a.logger)
	if a.poster != nil {
		runner.SetPoster(a.poster)
	}
	if a.bus != nil {
		runner.SetPublisher(a.bus)
	}
	return runner, a, nil
}

func finishRun(cmd *cobra.Command, a *app, rep *backfill.Report, reportPath string) error {
	fmt.Fprint(cmd.OutOrStdout(), rep.Summary())
	if reportPath == "" {
		return nil
	}
	if err := rep.Save(reportPath); err != nil {
		return err
	}
	a.logger.Info("run report written", "path", reportPath)
	return nil
}
