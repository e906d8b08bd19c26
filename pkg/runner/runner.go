// Package runner embeds the asset pipeline in another Go program.
package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tendant/simple-asset-pipeline/internal/config"
	"github.com/tendant/simple-asset-pipeline/internal/ledger"
	"github.com/tendant/simple-asset-pipeline/internal/logging"
	"github.com/tendant/simple-asset-pipeline/internal/metrics"
	"github.com/tendant/simple-asset-pipeline/internal/workflows"
	"github.com/tendant/simple-asset-pipeline/pkg/pipeline"
)

// Config holds the configuration for initializing the pipeline runner
type Config struct {
	Roots        []string     // Asset roots processed in order
	Extension    string       // Output extension, e.g. ".webp"
	Workers      int          // Concurrent conversions; 0 uses the CPU count
	DryRun       bool         // Log planned work without writing
	LedgerDriver string       // "sqlite" or "postgres"
	LedgerDSN    string       // Optional: enables the ingest ledger
	Logger       *slog.Logger // Optional: defaults to a discarding logger
}

// Runner provides a high-level API for running the pipeline over asset roots
type Runner struct {
	coordinator *workflows.Coordinator
	ledger      *ledger.Ledger
	metrics     *metrics.Metrics
}

// New creates a runner. Roots left empty fall back to the built-in defaults.
func New(ctx context.Context, cfg Config) (*Runner, error) {
	full := config.Default()
	if len(cfg.Roots) > 0 {
		full.Roots = cfg.Roots
	}
	if cfg.Extension != "" {
		full.Extension = cfg.Extension
	}
	if cfg.Workers > 0 {
		full.Workers = cfg.Workers
	}
	full.DryRun = cfg.DryRun
	full.Ledger.Driver = cfg.LedgerDriver
	full.Ledger.DSN = cfg.LedgerDSN
	full.Normalize()
	if err := full.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	r := &Runner{metrics: metrics.New()}
	deps := workflows.Dependencies{Logger: logger, Metrics: r.metrics}
	if full.Ledger.DSN != "" && !full.DryRun {
		l, err := ledger.Open(ctx, full.Ledger.Driver, full.Ledger.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open ingest ledger: %w", err)
		}
		r.ledger = l
		deps.Ledger = l
	}
	r.coordinator = workflows.NewCoordinator(full, deps)
	return r, nil
}

// Run processes every configured root and returns one report per root
func (r *Runner) Run(ctx context.Context) []*pipeline.RootReport {
	return r.coordinator.Run(ctx)
}

// RunRoot processes a single root
func (r *Runner) RunRoot(ctx context.Context, root string) (*pipeline.RootReport, error) {
	return r.coordinator.RunRoot(ctx, root)
}

// WriteMetrics writes the accumulated run metrics in Prometheus text format
func (r *Runner) WriteMetrics(path string) error {
	return r.metrics.WriteTextfile(path)
}

// Close releases the ingest ledger, if one was opened
func (r *Runner) Close() error {
	if r.ledger != nil {
		return r.ledger.Close()
	}
	return nil
}
