// Package storage persists the per-root summary and manifest documents and
// guards a root against concurrent pipeline runs.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/tendant/simple-asset-pipeline/internal/logging"
	"github.com/tendant/simple-asset-pipeline/internal/manifest"
	"github.com/tendant/simple-asset-pipeline/pkg/pipeline"
)

// Default document names
const (
	DefaultSummaryName  = "config.json"
	DefaultManifestName = "manifest.json"
	LockName            = ".asset-pipeline.lock"
)

var (
	// ErrInvalidName indicates a document name that would escape the root
	ErrInvalidName = errors.New("invalid document name")

	// ErrLocked indicates another process holds the root lock
	ErrLocked = errors.New("root is locked by another process")
)

// Options names the documents a Store reads and writes
type Options struct {
	SummaryName  string
	ManifestName string
}

// Store reads and writes the documents of one asset root
type Store struct {
	root         *Filesystem
	summaryName  string
	manifestName string
	now          func() time.Time
	logger       *slog.Logger
}

// NewStore creates a store for the documents in root
func NewStore(root string, opts Options, logger *slog.Logger) (*Store, error) {
	if opts.SummaryName == "" {
		opts.SummaryName = DefaultSummaryName
	}
	if opts.ManifestName == "" {
		opts.ManifestName = DefaultManifestName
	}
	fs := NewFilesystem(root)
	for _, name := range []string{opts.SummaryName, opts.ManifestName} {
		if _, err := fs.resolve(name); err != nil {
			return nil, err
		}
	}
	return &Store{
		root:         fs,
		summaryName:  opts.SummaryName,
		manifestName: opts.ManifestName,
		now:          time.Now,
		logger:       logging.NewComponentLogger(logger, "storage"),
	}, nil
}

// LoadManifest reads the manifest document. A missing document yields an
// empty manifest; so does a corrupt one, after a warning.
func (s *Store) LoadManifest() (*manifest.Manifest, error) {
	data, err := s.root.ReadFile(s.manifestName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return manifest.New(), nil
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var entries map[string]string
	if err := json.Unmarshal(jsonc.ToJSON(data), &entries); err != nil {
		s.logger.Warn("manifest unreadable, starting empty",
			logging.String("path", s.root.Path(s.manifestName)),
			logging.Error(err))
		return manifest.New(), nil
	}
	return manifest.FromMap(entries), nil
}

// LoadSummary reads the summary document. It returns nil when none exists.
func (s *Store) LoadSummary() (*pipeline.Summary, error) {
	data, err := s.root.ReadFile(s.summaryName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read summary: %w", err)
	}
	var summary pipeline.Summary
	if err := json.Unmarshal(jsonc.ToJSON(data), &summary); err != nil {
		return nil, fmt.Errorf("failed to decode summary: %w", err)
	}
	return &summary, nil
}

// Save writes the summary for total assets and the manifest
func (s *Store) Save(total int, m *manifest.Manifest) error {
	if err := s.SaveSummary(total); err != nil {
		return err
	}
	return s.SaveManifest(m)
}

// SaveSummary writes the summary document with the current time
func (s *Store) SaveSummary(total int) error {
	formats := make([]string, 0, len(pipeline.Tiers))
	for _, tier := range pipeline.Tiers {
		formats = append(formats, string(tier))
	}
	now := s.now()
	summary := pipeline.Summary{
		TotalImages: total,
		LastUpdated: float64(now.Unix()) + float64(now.Nanosecond())/1e9,
		Formats:     formats,
	}
	if err := s.writeJSON(s.summaryName, summary); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

// SaveManifest writes the manifest document
func (s *Store) SaveManifest(m *manifest.Manifest) error {
	if err := s.writeJSON(s.manifestName, m.Map()); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	return s.root.WriteFileAtomic(name, append(data, '\n'))
}
