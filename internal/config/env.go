package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Environment variables that override file settings
const (
	EnvRoots        = "ASSET_PIPELINE_ROOTS"
	EnvExtension    = "ASSET_PIPELINE_EXT"
	EnvWorkers      = "ASSET_PIPELINE_WORKERS"
	EnvDryRun       = "ASSET_PIPELINE_DRY_RUN"
	EnvLogLevel     = "ASSET_PIPELINE_LOG_LEVEL"
	EnvLogFormat    = "ASSET_PIPELINE_LOG_FORMAT"
	EnvLedgerDriver = "ASSET_PIPELINE_LEDGER_DRIVER"
	EnvLedgerDSN    = "ASSET_PIPELINE_LEDGER_DSN"
	EnvMetricsFile  = "ASSET_PIPELINE_METRICS_FILE"
)

// ApplyEnv overrides fields from environment variables read through lookup.
// ASSET_PIPELINE_ROOTS is a comma separated list.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvRoots); ok && strings.TrimSpace(v) != "" {
		c.Roots = splitList(v)
	}
	if v, ok := lookup(EnvExtension); ok && v != "" {
		c.Extension = v
	}
	if v, ok := lookup(EnvWorkers); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, EnvWorkers, v)
		}
		c.Workers = n
	}
	if v, ok := lookup(EnvDryRun); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidConfig, EnvDryRun, v)
		}
		c.DryRun = b
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		c.Logging.Format = v
	}
	if v, ok := lookup(EnvLedgerDriver); ok && v != "" {
		c.Ledger.Driver = v
	}
	if v, ok := lookup(EnvLedgerDSN); ok && v != "" {
		c.Ledger.DSN = v
	}
	if v, ok := lookup(EnvMetricsFile); ok && v != "" {
		c.Metrics.File = v
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
