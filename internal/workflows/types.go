package workflows

import (
	"context"
	"log/slog"

	"github.com/tendant/simple-asset-pipeline/internal/ledger"
	"github.com/tendant/simple-asset-pipeline/internal/manifest"
	"github.com/tendant/simple-asset-pipeline/internal/storage"
	"github.com/tendant/simple-asset-pipeline/internal/tiers"
	"github.com/tendant/simple-asset-pipeline/pkg/pipeline"
)

// RunContext carries the state of one pass over one root between steps
type RunContext struct {
	Ctx      context.Context
	RunID    string
	Layout   tiers.Layout
	Store    *storage.Store
	Manifest *manifest.Manifest
	Logger   *slog.Logger
	Report   *pipeline.RootReport

	// Produced lists the asset names written by this run's derivations
	Produced []string
}

// Progress receives conversion progress for one root. Advance may be called
// from several goroutines.
type Progress interface {
	Begin(root string, total int)
	Advance()
	End()
}

// Ledger records ingest history
type Ledger interface {
	RecordIngest(ctx context.Context, in ledger.Ingest) (int, error)
	RecordRun(ctx context.Context, run ledger.Run) error
	MoveSlot(ctx context.Context, root, from, to string) error
}

type nopProgress struct{}

func (nopProgress) Begin(string, int) {}
func (nopProgress) Advance()          {}
func (nopProgress) End()              {}
