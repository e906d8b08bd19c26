// Package tiers maps asset names onto the three resolution trees of an asset root.
package tiers

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tendant/simple-asset-pipeline/pkg/pipeline"
)

// Layout describes one asset root: full tier files at the top level plus two
// child directories mirroring the same names.
type Layout struct {
	Root       string
	HalfDir    string
	QuarterDir string
	Ext        string
}

// Paths holds the three tier paths for a single asset name
type Paths struct {
	Full    string
	Half    string
	Quarter string
}

// Get returns the path for the given tier
func (p Paths) Get(t pipeline.Tier) string {
	switch t {
	case pipeline.TierHalf:
		return p.Half
	case pipeline.TierQuarter:
		return p.Quarter
	default:
		return p.Full
	}
}

// Dir returns the directory holding the given tier
func (l Layout) Dir(t pipeline.Tier) string {
	switch t {
	case pipeline.TierHalf:
		return filepath.Join(l.Root, l.HalfDir)
	case pipeline.TierQuarter:
		return filepath.Join(l.Root, l.QuarterDir)
	default:
		return l.Root
	}
}

// Path returns the path of name inside the given tier
func (l Layout) Path(t pipeline.Tier, name string) string {
	return filepath.Join(l.Dir(t), name)
}

// Paths returns all three tier paths for name
func (l Layout) Paths(name string) Paths {
	return Paths{
		Full:    l.Path(pipeline.TierFull, name),
		Half:    l.Path(pipeline.TierHalf, name),
		Quarter: l.Path(pipeline.TierQuarter, name),
	}
}

// TargetName converts a source filename into its pre-renumber asset name.
func (l Layout) TargetName(source string) string {
	base := filepath.Base(source)
	return strings.TrimSuffix(base, filepath.Ext(base)) + l.Ext
}

// SlotName returns the canonical name of numeric slot n
func (l Layout) SlotName(n int) string {
	return strconv.Itoa(n) + l.Ext
}

// ParseSlot reports the slot number of name. Only names carrying the exact
// layout extension and a canonical decimal base (no sign, no leading zeros)
// belong to the slot space.
func (l Layout) ParseSlot(name string) (int, bool) {
	if !strings.HasSuffix(name, l.Ext) {
		return 0, false
	}
	base := strings.TrimSuffix(name, l.Ext)
	n, err := strconv.Atoi(base)
	if err != nil || n < 0 || strconv.Itoa(n) != base {
		return 0, false
	}
	return n, true
}

// Exists reports whether the root directory exists
func (l Layout) Exists() bool {
	info, err := os.Stat(l.Root)
	return err == nil && info.IsDir()
}

// Ensure creates the half and quarter directories under an existing root.
func (l Layout) Ensure() error {
	if !l.Exists() {
		return fmt.Errorf("root %q does not exist", l.Root)
	}
	for _, t := range []pipeline.Tier{pipeline.TierHalf, pipeline.TierQuarter} {
		if err := os.MkdirAll(l.Dir(t), 0755); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", t, err)
		}
	}
	return nil
}
