// Package renumber keeps the numeric asset namespace of a root dense and
// moves the three tier trees and the manifest in lockstep.
package renumber

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/tendant/simple-asset-pipeline/internal/discovery"
	"github.com/tendant/simple-asset-pipeline/internal/logging"
	"github.com/tendant/simple-asset-pipeline/internal/manifest"
	"github.com/tendant/simple-asset-pipeline/internal/tiers"
	"github.com/tendant/simple-asset-pipeline/pkg/pipeline"
)

// Partition splits the root tier listing into slot files and everything else
type Partition struct {
	Numeric map[int]string // slot number -> filename
	Others  []string       // sorted
}

// Failure records a tier file that could not be renamed
type Failure struct {
	Move pipeline.Move
	Tier pipeline.Tier
	Err  error
}

// Report summarizes one renumbering pass
type Report struct {
	Total   int // highest slot assigned
	Moves   []pipeline.Move
	Blocked []pipeline.Move
	Failed  []Failure
}

// Renumberer applies dense numbering to one asset root
type Renumberer struct {
	layout   tiers.Layout
	manifest *manifest.Manifest
	dryRun   bool
	logger   *slog.Logger
	rename   func(oldpath, newpath string) error
}

// New creates a renumberer for layout that re-keys m as files move
func New(layout tiers.Layout, m *manifest.Manifest, dryRun bool, logger *slog.Logger) *Renumberer {
	return &Renumberer{
		layout:   layout,
		manifest: m,
		dryRun:   dryRun,
		logger:   logging.NewComponentLogger(logger, "renumber"),
		rename:   os.Rename,
	}
}

// Split partitions names by whether they belong to the numeric slot space.
// Names without the layout extension are ignored.
func Split(names []string, layout tiers.Layout) Partition {
	p := Partition{Numeric: make(map[int]string)}
	for _, name := range names {
		if n, ok := layout.ParseSlot(name); ok {
			p.Numeric[n] = name
			continue
		}
		if name != layout.Ext && strings.HasSuffix(name, layout.Ext) {
			p.Others = append(p.Others, name)
		}
	}
	sort.Strings(p.Others)
	return p
}

// Scan lists the regular files at the top level of the root tier, including
// symlinks to regular files.
func (r *Renumberer) Scan() ([]string, error) {
	entries, err := os.ReadDir(r.layout.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to list root tier: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if discovery.IsRegular(r.layout.Root, entry) {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// Renumber fills gaps below the highest slot by moving the highest slots
// down, then appends the other files after the highest remaining slot.
func (r *Renumberer) Renumber(p Partition) Report {
	var report Report

	slots := make([]int, 0, len(p.Numeric))
	for n := range p.Numeric {
		slots = append(slots, n)
	}
	sort.Ints(slots)

	// Gaps are found by walking up from 1, so the work is bounded by the
	// number of slots rather than by the highest slot.
	high := len(slots) - 1
	gap := 0
	for high >= 0 {
		gap = nextGap(p.Numeric, gap+1)
		source := slots[high]
		// A slot below the gap cannot move up into it.
		if source < gap {
			break
		}
		r.move(p.Numeric[source], r.layout.SlotName(gap), &report)
		slots[high] = gap
		high--
	}

	next := 1
	for _, n := range slots {
		if n+1 > next {
			next = n + 1
		}
	}
	for _, name := range p.Others {
		r.move(name, r.layout.SlotName(next), &report)
		next++
	}

	report.Total = next - 1
	return report
}

// nextGap returns the smallest integer >= from that is not an occupied slot
func nextGap(occupied map[int]string, from int) int {
	for {
		if _, ok := occupied[from]; !ok {
			return from
		}
		from++
	}
}

// move renames from -> to across all three trees. The pair is skipped when
// the destination is already taken in the root tier. The manifest entry
// follows the root tier file.
func (r *Renumberer) move(from, to string, report *Report) {
	mv := pipeline.Move{From: from, To: to}

	if _, err := os.Lstat(r.layout.Path(pipeline.TierFull, to)); err == nil {
		r.logger.Warn("rename blocked: destination slot already occupied",
			logging.String("from", from),
			logging.String("to", to))
		report.Blocked = append(report.Blocked, mv)
		return
	}

	if r.dryRun {
		r.logger.Info("dry run: would rename", logging.String("from", from), logging.String("to", to))
		r.manifest.Rekey(from, to)
		report.Moves = append(report.Moves, mv)
		return
	}

	fullMoved := false
	for _, tier := range pipeline.Tiers {
		src := r.layout.Path(tier, from)
		if _, err := os.Lstat(src); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				report.Failed = append(report.Failed, Failure{Move: mv, Tier: tier, Err: err})
			}
			continue
		}
		if err := r.rename(src, r.layout.Path(tier, to)); err != nil {
			r.logger.Error("rename failed",
				logging.String("tier", string(tier)),
				logging.String("from", from),
				logging.String("to", to),
				logging.Error(err))
			report.Failed = append(report.Failed, Failure{Move: mv, Tier: tier, Err: err})
			continue
		}
		if tier == pipeline.TierFull {
			fullMoved = true
		}
	}

	if fullMoved {
		r.manifest.Rekey(from, to)
		report.Moves = append(report.Moves, mv)
		r.logger.Debug("renamed", logging.String("from", from), logging.String("to", to))
	}
}
