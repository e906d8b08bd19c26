// Package derive computes the full, half and quarter tiers of a source image.
package derive

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/tendant/simple-asset-pipeline/internal/logging"
	"github.com/tendant/simple-asset-pipeline/internal/tiers"
	"github.com/tendant/simple-asset-pipeline/pkg/pipeline"
)

// Options controls tier encoding
type Options struct {
	HalfQuality    int
	QuarterQuality int
	AutoOrient     bool
	DryRun         bool
}

// Task is one unit of derivation work
type Task struct {
	Source   string // path of the source image
	Original string // source filename recorded in the manifest
	Name     string // pre-renumber asset name shared by the three tiers
}

// Engine derives tier files for tasks inside one asset root
type Engine struct {
	layout tiers.Layout
	codec  Codec
	opts   Options
	logger *slog.Logger
}

// NewEngine creates a derivation engine writing into layout
func NewEngine(layout tiers.Layout, opts Options, logger *slog.Logger) (*Engine, error) {
	codec, err := NewCodec(layout.Ext)
	if err != nil {
		return nil, err
	}
	return &Engine{
		layout: layout,
		codec:  codec,
		opts:   opts,
		logger: logging.NewComponentLogger(logger, "derive"),
	}, nil
}

// NewTask builds the task for a discovered source file
func (e *Engine) NewTask(source string) Task {
	return Task{
		Source:   source,
		Original: filepath.Base(source),
		Name:     e.layout.TargetName(source),
	}
}

// Process brings the three tiers of task up to date. Each tier is checked
// only against its immediate upstream: full against the source, half against
// full and quarter against half.
func (e *Engine) Process(ctx context.Context, task Task) (*pipeline.DerivationResult, error) {
	result := &pipeline.DerivationResult{Name: task.Name, Original: task.Original}
	if e.opts.DryRun {
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, e.fail(task, "start", err)
	}

	paths := e.layout.Paths(task.Name)

	// Step 1: format-normalize the source into the full tier
	if filepath.Clean(task.Source) != filepath.Clean(paths.Full) && staleAgainst(task.Source, paths.Full) {
		img, err := imaging.Open(task.Source, imaging.AutoOrientation(e.opts.AutoOrient))
		if err != nil {
			return nil, e.fail(task, "decode source", err)
		}
		if err := e.write(paths.Full, img, Lossless); err != nil {
			return nil, e.fail(task, "write full tier", err)
		}
		result.Written = append(result.Written, pipeline.TierFull)
	}

	// Step 2: half from full
	if staleAgainst(paths.Full, paths.Half) {
		if err := e.halve(paths.Full, paths.Half, e.opts.HalfQuality); err != nil {
			return nil, e.fail(task, "derive half tier", err)
		}
		result.Written = append(result.Written, pipeline.TierHalf)
	}

	// Step 3: quarter from half, never from full
	if _, err := os.Stat(paths.Half); err == nil && staleAgainst(paths.Half, paths.Quarter) {
		if err := e.halve(paths.Half, paths.Quarter, e.opts.QuarterQuality); err != nil {
			return nil, e.fail(task, "derive quarter tier", err)
		}
		result.Written = append(result.Written, pipeline.TierQuarter)
	}

	if len(result.Written) > 0 {
		e.logger.Debug("tiers written",
			logging.String("name", task.Name),
			slog.Any("tiers", result.Written))
	}
	return result, nil
}

// HalfSize returns the dimensions of one halving step, floored at one pixel.
func HalfSize(width, height int) (int, int) {
	return max(1, width/2), max(1, height/2)
}

func (e *Engine) halve(src, dst string, quality int) error {
	img, err := imaging.Open(src, imaging.AutoOrientation(e.opts.AutoOrient))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", filepath.Base(src), err)
	}
	bounds := img.Bounds()
	width, height := HalfSize(bounds.Dx(), bounds.Dy())
	return e.write(dst, imaging.Resize(img, width, height, imaging.Lanczos), quality)
}

// write encodes img into a hidden temp file next to dst and renames it into
// place so a partial encode never looks like a fresh tier.
func (e *Engine) write(dst string, img image.Image, quality int) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	renamed := false
	defer func() {
		if !renamed {
			_ = os.Remove(tmpName)
		}
	}()

	if err := e.codec.Encode(tmp, img, quality); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(dst), err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", filepath.Base(dst), err)
	}
	renamed = true
	return nil
}

func (e *Engine) fail(task Task, step string, err error) error {
	return fmt.Errorf("%w: %s: %s: %w", ErrDerivation, task.Original, step, err)
}
