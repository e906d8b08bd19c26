// Package metrics records per-root pipeline counters and exports them in the
// Prometheus text format.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tendant/simple-asset-pipeline/pkg/pipeline"
)

const namespace = "asset_pipeline"

// Rename outcomes
const (
	OutcomeMoved   = "moved"
	OutcomeBlocked = "blocked"
	OutcomeFailed  = "failed"
)

// Metrics holds the pipeline collectors on a private registry
type Metrics struct {
	Registry *prometheus.Registry

	TiersWritten *prometheus.CounterVec
	AssetsFailed *prometheus.CounterVec
	Renames      *prometheus.CounterVec
	Assets       *prometheus.GaugeVec
	RunDuration  *prometheus.HistogramVec
}

// New creates and registers the pipeline collectors
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		TiersWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiers_written_total",
			Help:      "Tier files encoded, by root and tier.",
		}, []string{"root", "tier"}),
		AssetsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assets_failed_total",
			Help:      "Source assets whose derivation failed.",
		}, []string{"root"}),
		Renames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renames_total",
			Help:      "Renumbering rename pairs, by outcome.",
		}, []string{"root", "outcome"}),
		Assets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "assets",
			Help:      "Highest asset slot after the last run.",
		}, []string{"root"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "root_run_duration_seconds",
			Help:      "Wall time of one pass over a root.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"root"}),
	}
	m.Registry.MustRegister(m.TiersWritten, m.AssetsFailed, m.Renames, m.Assets, m.RunDuration)
	return m
}

// ObserveDerivation counts the tiers written for one asset
func (m *Metrics) ObserveDerivation(root string, result *pipeline.DerivationResult) {
	if m == nil || result == nil {
		return
	}
	for _, tier := range result.Written {
		m.TiersWritten.WithLabelValues(root, string(tier)).Inc()
	}
}

// ObserveRoot records the outcome of one root pass
func (m *Metrics) ObserveRoot(report *pipeline.RootReport) {
	if m == nil || report == nil || report.Skipped {
		return
	}
	root := report.Root
	if n := len(report.Failed); n > 0 {
		m.AssetsFailed.WithLabelValues(root).Add(float64(n))
	}
	m.Renames.WithLabelValues(root, OutcomeMoved).Add(float64(len(report.Moves)))
	m.Renames.WithLabelValues(root, OutcomeBlocked).Add(float64(len(report.Blocked)))
	m.Renames.WithLabelValues(root, OutcomeFailed).Add(float64(report.RenameFailures))
	m.Assets.WithLabelValues(root).Set(float64(report.Total))
	m.RunDuration.WithLabelValues(root).Observe(report.Duration.Seconds())
}

// WriteTextfile writes every collected metric to path in the text format,
// suitable for the node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
