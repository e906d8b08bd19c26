package pipeline

import "time"

// Tier identifies one of the three resolution variants of an asset
type Tier string

// Tier constants, ordered from the root tier downwards
const (
	TierFull    Tier = "full"
	TierHalf    Tier = "half"
	TierQuarter Tier = "quarter"
)

// Tiers lists every tier in derivation order
var Tiers = []Tier{TierFull, TierHalf, TierQuarter}

// DerivationResult is returned by the derivation engine for one source asset
type DerivationResult struct {
	Name     string `json:"name"`     // pre-renumber name in the asset trees
	Original string `json:"original"` // source filename at discovery time
	Written  []Tier `json:"written,omitempty"`
}

// Summary is the per-root summary document
type Summary struct {
	TotalImages int      `json:"totalImages"`
	LastUpdated float64  `json:"lastUpdated"` // unix seconds
	Formats     []string `json:"formats"`
}

// Move describes one rename pair applied across the tier trees
type Move struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RootReport describes the outcome of one pass over one asset root
type RootReport struct {
	Root      string   `json:"root"`
	RunID     string   `json:"run_id"`
	Skipped   bool     `json:"skipped"`
	Pending   int      `json:"pending"`
	Converted int      `json:"converted"`
	Failed    []string `json:"failed,omitempty"`
	Deferred  []string `json:"deferred,omitempty"`
	Moves     []Move   `json:"moves,omitempty"`
	Blocked   []Move   `json:"blocked,omitempty"`
	// RenameFailures counts tier files that could not be moved
	RenameFailures int           `json:"rename_failures,omitempty"`
	Total          int           `json:"total"`
	DryRun         bool          `json:"dry_run"`
	Duration       time.Duration `json:"duration"`
	Err            error         `json:"-"`
}
