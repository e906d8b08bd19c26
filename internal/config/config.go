// Package config loads asset pipeline settings from a TOML or YAML file, the
// environment and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/adrg/xdg"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// AppName is the directory name used under the XDG config home
const AppName = "asset-pipeline"

// ErrInvalidConfig is returned for configuration that cannot be used
var ErrInvalidConfig = errors.New("invalid configuration")

// Logging contains configuration for log output.
type Logging struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// Ledger contains configuration for the optional ingest history database.
type Ledger struct {
	// Driver is "sqlite" or "postgres"
	Driver string `toml:"driver" yaml:"driver"`
	// DSN enables the ledger when set. For sqlite this is a file path.
	DSN string `toml:"dsn" yaml:"dsn"`
}

// Metrics contains configuration for run metrics export.
type Metrics struct {
	// File receives the Prometheus text exposition after each run
	File string `toml:"file" yaml:"file"`
}

// Config holds pipeline configuration
type Config struct {
	// Roots are the asset directories processed in order
	Roots []string `toml:"roots" yaml:"roots"`

	// Extension is the output format of every tier, including the dot
	Extension string `toml:"extension" yaml:"extension"`

	// SourceExtensions are the input formats picked up by discovery
	SourceExtensions []string `toml:"source_extensions" yaml:"source_extensions"`

	HalfDir    string `toml:"half_dir" yaml:"half_dir"`
	QuarterDir string `toml:"quarter_dir" yaml:"quarter_dir"`

	SummaryName  string `toml:"summary_name" yaml:"summary_name"`
	ManifestName string `toml:"manifest_name" yaml:"manifest_name"`

	HalfQuality    int  `toml:"half_quality" yaml:"half_quality"`
	QuarterQuality int  `toml:"quarter_quality" yaml:"quarter_quality"`
	AutoOrient     bool `toml:"auto_orient" yaml:"auto_orient"`

	// Workers bounds concurrent derivations. Defaults to the CPU count.
	Workers int  `toml:"workers" yaml:"workers"`
	DryRun  bool `toml:"dry_run" yaml:"dry_run"`

	Logging Logging `toml:"logging" yaml:"logging"`
	Ledger  Ledger  `toml:"ledger" yaml:"ledger"`
	Metrics Metrics `toml:"metrics" yaml:"metrics"`
}

// Default returns the built-in configuration
func Default() Config {
	cfg := Config{
		Roots:      []string{"movieposters", "transparentimages", "images", "AIimages"},
		AutoOrient: true,
	}
	cfg.WithDefaults()
	return cfg
}

// WithDefaults fills in default values for optional fields
func (c *Config) WithDefaults() {
	if c.Extension == "" {
		c.Extension = ".webp"
	}
	if len(c.SourceExtensions) == 0 {
		c.SourceExtensions = []string{".png", ".jpg", ".jpeg", ".webp"}
	}
	if c.HalfDir == "" {
		c.HalfDir = "half"
	}
	if c.QuarterDir == "" {
		c.QuarterDir = "quarter"
	}
	if c.SummaryName == "" {
		c.SummaryName = "config.json"
	}
	if c.ManifestName == "" {
		c.ManifestName = "manifest.json"
	}
	if c.HalfQuality == 0 {
		c.HalfQuality = 85
	}
	if c.QuarterQuality == 0 {
		c.QuarterQuality = 80
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "auto"
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "sqlite"
	}
}

// DefaultPath returns the default configuration file location
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, AppName, "config.toml")
}

// Load reads the configuration file at path, or the default location when
// path is empty, then applies environment overrides and validates the
// result. A missing default file is not an error; a missing explicit file is.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolved, exists, err := resolvePath(path)
	if err != nil {
		return nil, "", false, err
	}
	if exists {
		if err := decodeFile(resolved, &cfg); err != nil {
			return nil, "", false, err
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, "", false, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolved, exists, nil
}

func resolvePath(path string) (string, bool, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", false, fmt.Errorf("%w: config file %s not found", ErrInvalidConfig, path)
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return path, true, nil
	}

	xdg.Reload()
	for _, name := range []string{"config.toml", "config.yaml", "config.yml"} {
		found, err := xdg.SearchConfigFile(filepath.Join(AppName, name))
		if err == nil {
			return found, true, nil
		}
	}
	return DefaultPath(), false, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, path, err)
		}
	default:
		return fmt.Errorf("%w: unsupported config format %q", ErrInvalidConfig, filepath.Ext(path))
	}
	return nil
}

// Normalize lower-cases extensions, makes sure each carries its dot and
// fills in defaults for anything left empty.
func (c *Config) Normalize() {
	c.Extension = normalizeExt(c.Extension)
	for i, ext := range c.SourceExtensions {
		c.SourceExtensions[i] = normalizeExt(ext)
	}
	c.Ledger.Driver = strings.ToLower(strings.TrimSpace(c.Ledger.Driver))
	c.WithDefaults()
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
