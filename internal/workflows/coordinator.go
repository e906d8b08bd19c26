// Package workflows runs the asset pipeline over configured roots: discover,
// derive tiers in parallel, renumber, persist.
package workflows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-asset-pipeline/internal/config"
	"github.com/tendant/simple-asset-pipeline/internal/derive"
	"github.com/tendant/simple-asset-pipeline/internal/discovery"
	"github.com/tendant/simple-asset-pipeline/internal/ledger"
	"github.com/tendant/simple-asset-pipeline/internal/logging"
	"github.com/tendant/simple-asset-pipeline/internal/metrics"
	"github.com/tendant/simple-asset-pipeline/internal/renumber"
	"github.com/tendant/simple-asset-pipeline/internal/storage"
	"github.com/tendant/simple-asset-pipeline/internal/tiers"
	"github.com/tendant/simple-asset-pipeline/pkg/pipeline"
)

// Dependencies are the optional collaborators of a Coordinator
type Dependencies struct {
	Logger   *slog.Logger
	Ledger   Ledger
	Metrics  *metrics.Metrics
	Progress Progress
}

// Coordinator runs the pipeline for every configured root
type Coordinator struct {
	cfg      config.Config
	logger   *slog.Logger
	ledger   Ledger
	metrics  *metrics.Metrics
	progress Progress
	now      func() time.Time
}

// outcome is what one worker leaves behind for the join step
type outcome struct {
	task   derive.Task
	result *pipeline.DerivationResult
	digest string
	// tracked is set when the target already has a manifest entry
	tracked bool
	err     error
}

// NewCoordinator creates a coordinator for cfg
func NewCoordinator(cfg config.Config, deps Dependencies) *Coordinator {
	cfg.WithDefaults()
	progress := deps.Progress
	if progress == nil {
		progress = nopProgress{}
	}
	return &Coordinator{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(deps.Logger, "coordinator"),
		ledger:   deps.Ledger,
		metrics:  deps.Metrics,
		progress: progress,
		now:      time.Now,
	}
}

// Run processes every configured root in order. A failing root is logged and
// does not stop the others.
func (c *Coordinator) Run(ctx context.Context) []*pipeline.RootReport {
	var reports []*pipeline.RootReport
	for _, status := range discovery.Roots(c.cfg.Roots) {
		if err := ctx.Err(); err != nil {
			c.logger.Warn("run cancelled", logging.Error(err))
			break
		}
		if !status.Exists {
			c.logger.Warn("asset root does not exist, skipping", logging.String(logging.FieldRoot, status.Path))
			reports = append(reports, &pipeline.RootReport{
				Root:    status.Path,
				Skipped: true,
				DryRun:  c.cfg.DryRun,
				Err:     fmt.Errorf("%w: %s", ErrRootMissing, status.Path),
			})
			continue
		}

		report, err := c.RunRoot(ctx, status.Path)
		if err != nil {
			c.logger.Error("root failed",
				logging.String(logging.FieldRoot, status.Path),
				logging.Error(err))
		}
		reports = append(reports, report)
	}
	return reports
}

// RunRoot performs one pass over root. Per-asset and per-rename failures are
// recorded in the report; the returned error covers failures of the root as
// a whole.
func (c *Coordinator) RunRoot(ctx context.Context, root string) (report *pipeline.RootReport, err error) {
	started := c.now()
	rc := &RunContext{
		Ctx:   ctx,
		RunID: uuid.New().String(),
		Layout: tiers.Layout{
			Root:       root,
			HalfDir:    c.cfg.HalfDir,
			QuarterDir: c.cfg.QuarterDir,
			Ext:        c.cfg.Extension,
		},
	}
	rc.Logger = c.logger.With(
		logging.String(logging.FieldRunID, rc.RunID),
		logging.String(logging.FieldRoot, root))
	rc.Report = &pipeline.RootReport{Root: root, RunID: rc.RunID, DryRun: c.cfg.DryRun}

	defer func() {
		rc.Report.Duration = c.now().Sub(started)
		if err != nil {
			rc.Report.Err = err
		}
		c.metrics.ObserveRoot(rc.Report)
	}()

	rc.Logger.Info("processing root", slog.Bool("dry_run", c.cfg.DryRun))

	// Step 1: layout
	if !rc.Layout.Exists() {
		rc.Report.Skipped = true
		return rc.Report, fmt.Errorf("%w: %s", ErrRootMissing, root)
	}
	if !c.cfg.DryRun {
		if err := rc.Layout.Ensure(); err != nil {
			return rc.Report, err
		}
	}

	store, err := storage.NewStore(root, storage.Options{
		SummaryName:  c.cfg.SummaryName,
		ManifestName: c.cfg.ManifestName,
	}, rc.Logger)
	if err != nil {
		return rc.Report, err
	}
	rc.Store = store

	// Step 2: exclusive access
	if !c.cfg.DryRun {
		lock, err := store.LockRoot()
		if err != nil {
			if errors.Is(err, storage.ErrLocked) {
				return rc.Report, fmt.Errorf("%w: %s", ErrRootLocked, root)
			}
			return rc.Report, err
		}
		defer func() {
			if err := lock.Unlock(); err != nil {
				rc.Logger.Warn("failed to release root lock", logging.Error(err))
			}
		}()
	}

	// Step 3: prior manifest
	rc.Manifest, err = store.LoadManifest()
	if err != nil {
		return rc.Report, err
	}

	// Step 4: pending sources
	sources, err := discovery.Sources(root, c.cfg.SourceExtensions, rc.Manifest.Sources())
	if err != nil {
		return rc.Report, err
	}
	rc.Report.Pending = len(sources)
	rc.Logger.Info("discovered sources", logging.Int("pending", len(sources)))

	engine, err := derive.NewEngine(rc.Layout, derive.Options{
		HalfQuality:    c.cfg.HalfQuality,
		QuarterQuality: c.cfg.QuarterQuality,
		AutoOrient:     c.cfg.AutoOrient,
		DryRun:         c.cfg.DryRun,
	}, rc.Logger)
	if err != nil {
		return rc.Report, err
	}

	// Step 5: plan
	tasks := c.plan(rc, engine, sources)

	// Step 6: derive on the worker pool; the join is the barrier before renumbering
	outcomes := c.derive(rc, engine, tasks)

	// Step 7: fold successes into the manifest
	ingests := c.fold(rc, outcomes)

	// Step 8: renumber, even with nothing pending
	if err := c.renumber(rc); err != nil {
		return rc.Report, err
	}

	// Step 9: persist and record
	if err := c.persist(rc, ingests, started); err != nil {
		return rc.Report, err
	}

	rc.Logger.Info("root complete",
		logging.Int("converted", rc.Report.Converted),
		logging.Int("failed", len(rc.Report.Failed)),
		logging.Int("renamed", len(rc.Report.Moves)),
		logging.Int("total", rc.Report.Total))
	return rc.Report, nil
}

// plan turns sources into tasks. Sources that share a target name are
// deferred to a later run, keeping the one already at its target path or
// else the first in sorted order. A source whose target is a tracked asset
// from a different original is rejected.
func (c *Coordinator) plan(rc *RunContext, engine *derive.Engine, sources []string) []derive.Task {
	byTarget := make(map[string]int)
	var tasks []derive.Task

	for _, source := range sources {
		task := engine.NewTask(source)
		inPlace := filepath.Clean(source) == filepath.Clean(rc.Layout.Path(pipeline.TierFull, task.Name))

		if i, ok := byTarget[task.Name]; ok {
			deferred := source
			if inPlace {
				deferred = tasks[i].Source
				tasks[i] = task
			}
			rc.Logger.Warn("sources share a target name, deferring",
				logging.String("target", task.Name),
				logging.String("deferred", filepath.Base(deferred)))
			rc.Report.Deferred = append(rc.Report.Deferred, filepath.Base(deferred))
			continue
		}

		if !inPlace {
			if owner, ok := rc.Manifest.Get(task.Name); ok && owner != task.Original {
				if _, exists := derive.ModTime(rc.Layout.Path(pipeline.TierFull, task.Name)); exists {
					conflict := fmt.Errorf("%w: %s would overwrite %s (from %s)", ErrSlotConflict, task.Original, task.Name, owner)
					rc.Logger.Warn("source rejected", logging.Error(conflict))
					rc.Report.Failed = append(rc.Report.Failed, task.Original)
					continue
				}
			}
		}

		byTarget[task.Name] = len(tasks)
		tasks = append(tasks, task)
	}
	return tasks
}

// derive runs the engine over tasks with at most Workers in flight. Each
// worker writes only its own slot of the outcome slice.
func (c *Coordinator) derive(rc *RunContext, engine *derive.Engine, tasks []derive.Task) []outcome {
	outcomes := make([]outcome, len(tasks))
	if len(tasks) == 0 {
		return outcomes
	}

	c.progress.Begin(rc.Layout.Root, len(tasks))
	defer c.progress.End()

	digest := c.ledger != nil && !c.cfg.DryRun

	var g errgroup.Group
	g.SetLimit(c.cfg.Workers)
	for i, task := range tasks {
		outcomes[i].task = task
		_, outcomes[i].tracked = rc.Manifest.Get(task.Name)
		hash := digest && !outcomes[i].tracked
		if err := rc.Ctx.Err(); err != nil {
			outcomes[i].err = fmt.Errorf("%w: %s: not started: %w", derive.ErrDerivation, task.Original, err)
			c.progress.Advance()
			continue
		}
		g.Go(func() error {
			defer c.progress.Advance()
			result, err := engine.Process(rc.Ctx, task)
			if err != nil {
				outcomes[i].err = err
				return nil
			}
			outcomes[i].result = result
			if hash {
				sum, err := ledger.Digest(task.Source)
				if err != nil {
					rc.Logger.Warn("failed to hash source", logging.String("source", task.Original), logging.Error(err))
				}
				outcomes[i].digest = sum
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// fold records successful outcomes in the manifest in task order and returns
// the ingests that are new to it.
func (c *Coordinator) fold(rc *RunContext, outcomes []outcome) []ledger.Ingest {
	var ingests []ledger.Ingest
	for _, o := range outcomes {
		if o.err != nil {
			rc.Logger.Error("conversion failed",
				logging.String("source", o.task.Original),
				logging.Error(o.err))
			rc.Report.Failed = append(rc.Report.Failed, o.task.Original)
			continue
		}
		if len(o.result.Written) > 0 || (c.cfg.DryRun && !o.tracked) {
			rc.Report.Converted++
		}
		rc.Produced = append(rc.Produced, o.result.Name)
		if c.metrics != nil {
			c.metrics.ObserveDerivation(rc.Layout.Root, o.result)
		}
		if rc.Manifest.Record(o.result.Name, o.result.Original) {
			ingests = append(ingests, ledger.Ingest{
				Root:     rc.Layout.Root,
				Original: o.result.Original,
				Slot:     o.result.Name,
				Digest:   o.digest,
			})
		}
	}
	return ingests
}

func (c *Coordinator) renumber(rc *RunContext) error {
	r := renumber.New(rc.Layout, rc.Manifest, c.cfg.DryRun, rc.Logger)
	names, err := r.Scan()
	if err != nil {
		return err
	}
	if c.cfg.DryRun {
		// Nothing was written, so plan with the names a real run would produce.
		for _, name := range rc.Produced {
			if !slices.Contains(names, name) {
				names = append(names, name)
			}
		}
	}
	result := r.Renumber(renumber.Split(names, rc.Layout))

	rc.Report.Moves = result.Moves
	rc.Report.Blocked = result.Blocked
	rc.Report.RenameFailures = len(result.Failed)
	rc.Report.Total = result.Total
	return nil
}

// persist writes the summary and manifest, then records the run in the
// ledger. Nothing is written in dry-run mode.
func (c *Coordinator) persist(rc *RunContext, ingests []ledger.Ingest, started time.Time) error {
	if c.cfg.DryRun {
		rc.Logger.Info("dry run: skipping summary and manifest", logging.Int("total", rc.Report.Total))
		return nil
	}
	if err := rc.Store.Save(rc.Report.Total, rc.Manifest); err != nil {
		return err
	}

	if c.ledger == nil {
		return nil
	}

	// Moves apply in order so a slot vacated by one move can be reused by a
	// later one.
	moved := make(map[string]string, len(rc.Report.Moves))
	for _, mv := range rc.Report.Moves {
		moved[mv.From] = mv.To
		if err := c.ledger.MoveSlot(rc.Ctx, rc.Layout.Root, mv.From, mv.To); err != nil {
			rc.Logger.Warn("ledger slot not moved",
				logging.String("from", mv.From),
				logging.String("to", mv.To),
				logging.Error(err))
		}
	}
	for _, in := range ingests {
		if to, ok := moved[in.Slot]; ok {
			in.Slot = to
		}
		seen, err := c.ledger.RecordIngest(rc.Ctx, in)
		if err != nil {
			rc.Logger.Warn("ledger ingest not recorded", logging.String("source", in.Original), logging.Error(err))
			continue
		}
		if seen > 1 {
			rc.Logger.Info("source ingested before", logging.String("source", in.Original), logging.Int("seen_count", seen))
		}
	}

	err := c.ledger.RecordRun(rc.Ctx, ledger.Run{
		RunID:      rc.RunID,
		Root:       rc.Layout.Root,
		StartedAt:  started,
		FinishedAt: c.now(),
		Pending:    rc.Report.Pending,
		Converted:  rc.Report.Converted,
		Failed:     len(rc.Report.Failed),
		Renamed:    len(rc.Report.Moves),
		Blocked:    len(rc.Report.Blocked),
		Total:      rc.Report.Total,
		DryRun:     rc.Report.DryRun,
	})
	if err != nil {
		rc.Logger.Warn("ledger run not recorded", logging.Error(err))
	}
	return nil
}
