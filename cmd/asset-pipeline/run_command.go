package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tendant/simple-asset-pipeline/internal/config"
	"github.com/tendant/simple-asset-pipeline/internal/ledger"
	"github.com/tendant/simple-asset-pipeline/internal/logging"
	"github.com/tendant/simple-asset-pipeline/internal/metrics"
	"github.com/tendant/simple-asset-pipeline/internal/workflows"
	"github.com/tendant/simple-asset-pipeline/pkg/pipeline"
)

type runOptions struct {
	dryRun       bool
	workers      int
	ext          string
	metricsFile  string
	ledgerDriver string
	ledgerDSN    string
	noProgress   bool
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [roots...]",
		Short: "Process asset roots (the configured roots when none are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			runCfg := *cfg
			if err := opts.apply(cmd, &runCfg, args); err != nil {
				return err
			}
			logger, err := ctx.logger(&runCfg)
			if err != nil {
				return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
			}
			if ctx.configPath != "" {
				logger.Debug("configuration resolved", logging.String("path", ctx.configPath))
			}
			return runPipeline(cmd.Context(), cmd, runCfg, opts, logger)
		},
	}

	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Log planned conversions and renames without writing")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 0, "Concurrent conversions (default: number of CPUs)")
	cmd.Flags().StringVar(&opts.ext, "ext", "", "Output extension for every tier, e.g. .webp")
	cmd.Flags().StringVar(&opts.metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile after the run")
	cmd.Flags().StringVar(&opts.ledgerDriver, "ledger-driver", "", "Ingest ledger driver: sqlite or postgres")
	cmd.Flags().StringVar(&opts.ledgerDSN, "ledger-dsn", "", "Ingest ledger DSN; enables the ledger")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress bars")

	return cmd
}

// apply layers command line flags over the loaded configuration
func (o runOptions) apply(cmd *cobra.Command, cfg *config.Config, roots []string) error {
	flags := cmd.Flags()
	if len(roots) > 0 {
		cfg.Roots = roots
	}
	if flags.Changed("dry-run") {
		cfg.DryRun = o.dryRun
	}
	if flags.Changed("workers") {
		cfg.Workers = o.workers
	}
	if flags.Changed("ext") {
		cfg.Extension = o.ext
	}
	if flags.Changed("metrics-file") {
		cfg.Metrics.File = o.metricsFile
	}
	if flags.Changed("ledger-driver") {
		cfg.Ledger.Driver = o.ledgerDriver
	}
	if flags.Changed("ledger-dsn") {
		cfg.Ledger.DSN = o.ledgerDSN
	}
	cfg.Normalize()
	return cfg.Validate()
}

func runPipeline(ctx context.Context, cmd *cobra.Command, cfg config.Config, opts runOptions, logger *slog.Logger) error {
	deps := workflows.Dependencies{
		Logger:  logger,
		Metrics: metrics.New(),
	}

	if cfg.Ledger.DSN != "" && !cfg.DryRun {
		l, err := ledger.Open(ctx, cfg.Ledger.Driver, cfg.Ledger.DSN)
		if err != nil {
			logger.Warn("ingest ledger unavailable, continuing without it", logging.Error(err))
		} else {
			defer l.Close()
			deps.Ledger = l
		}
	}

	if !opts.noProgress && isatty.IsTerminal(os.Stderr.Fd()) {
		deps.Progress = newBarProgress(os.Stderr)
	}

	logger.Info("asset pipeline starting",
		logging.Int("roots", len(cfg.Roots)),
		logging.Int("workers", cfg.Workers),
		logging.String("extension", cfg.Extension),
		slog.Bool("dry_run", cfg.DryRun))

	reports := workflows.NewCoordinator(cfg, deps).Run(ctx)

	fmt.Fprintln(cmd.OutOrStdout(), renderReports(reports))

	if cfg.Metrics.File != "" {
		if err := deps.Metrics.WriteTextfile(cfg.Metrics.File); err != nil {
			logger.Warn("metrics not written", logging.Error(err))
		}
	}
	return ctx.Err()
}

func renderReports(reports []*pipeline.RootReport) string {
	headers := []string{"Root", "Pending", "Converted", "Failed", "Renamed", "Blocked", "Total", "Status"}
	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		status := "ok"
		switch {
		case r.Skipped:
			status = "skipped"
		case r.Err != nil:
			status = "error: " + r.Err.Error()
		case r.DryRun:
			status = "dry run"
		}
		rows = append(rows, []string{
			r.Root,
			strconv.Itoa(r.Pending),
			strconv.Itoa(r.Converted),
			strconv.Itoa(len(r.Failed)),
			strconv.Itoa(len(r.Moves)),
			strconv.Itoa(len(r.Blocked)),
			strconv.Itoa(r.Total),
			status,
		})
	}
	return renderTable(headers, rows, []columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft})
}
