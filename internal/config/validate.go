package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tendant/simple-asset-pipeline/internal/derive"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if len(c.Roots) == 0 {
		return fmt.Errorf("%w: at least one root is required", ErrInvalidConfig)
	}
	if _, err := derive.NewCodec(c.Extension); err != nil {
		return fmt.Errorf("%w: extension: %w", ErrInvalidConfig, err)
	}
	for _, q := range []struct {
		name  string
		value int
	}{
		{"half_quality", c.HalfQuality},
		{"quarter_quality", c.QuarterQuality},
	} {
		if q.value < 1 || q.value > 100 {
			return fmt.Errorf("%w: %s must be between 1 and 100, got %d", ErrInvalidConfig, q.name, q.value)
		}
	}
	if err := c.validateDirs(); err != nil {
		return err
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be positive", ErrInvalidConfig)
	}
	switch c.Ledger.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: ledger.driver must be sqlite or postgres, got %q", ErrInvalidConfig, c.Ledger.Driver)
	}
	return nil
}

func (c *Config) validateDirs() error {
	for _, d := range []struct {
		name  string
		value string
	}{
		{"half_dir", c.HalfDir},
		{"quarter_dir", c.QuarterDir},
		{"summary_name", c.SummaryName},
		{"manifest_name", c.ManifestName},
	} {
		if d.value == "." || d.value == ".." || strings.ContainsAny(d.value, `/\`) || filepath.Base(d.value) != d.value {
			return fmt.Errorf("%w: %s must be a plain name, got %q", ErrInvalidConfig, d.name, d.value)
		}
	}
	if c.HalfDir == c.QuarterDir {
		return fmt.Errorf("%w: half_dir and quarter_dir must differ", ErrInvalidConfig)
	}
	if c.SummaryName == c.ManifestName {
		return fmt.Errorf("%w: summary_name and manifest_name must differ", ErrInvalidConfig)
	}
	return nil
}
