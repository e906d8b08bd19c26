package workflows

import (
	"context"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tendant/simple-asset-pipeline/internal/config"
	"github.com/tendant/simple-asset-pipeline/internal/derive"
	"github.com/tendant/simple-asset-pipeline/internal/ledger"
	"github.com/tendant/simple-asset-pipeline/internal/manifest"
	"github.com/tendant/simple-asset-pipeline/internal/metrics"
	"github.com/tendant/simple-asset-pipeline/internal/storage"
	"github.com/tendant/simple-asset-pipeline/internal/tiers"
	"github.com/tendant/simple-asset-pipeline/pkg/pipeline"
)

func testConfig(roots ...string) config.Config {
	cfg := config.Default()
	cfg.Roots = roots
	cfg.Extension = ".jpg"
	cfg.Workers = 2
	return cfg
}

func writeImage(t *testing.T, path string, width, height int) {
	t.Helper()
	img := imaging.New(width, height, color.NRGBA{R: 30, G: 120, B: 200, A: 255})
	if err := imaging.Save(img, path); err != nil {
		t.Fatalf("save %s: %v", path, err)
	}
}

func imageWidth(t *testing.T, path string) int {
	t.Helper()
	img, err := imaging.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	return img.Bounds().Dx()
}

func mustExist(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected %s to exist: %v", path, err)
	}
}

func loadManifest(t *testing.T, root string) map[string]string {
	t.Helper()
	store, err := storage.NewStore(root, storage.Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	m, err := store.LoadManifest()
	if err != nil {
		t.Fatal(err)
	}
	return m.Map()
}

func saveManifest(t *testing.T, root string, entries map[string]string) {
	t.Helper()
	store, err := storage.NewStore(root, storage.Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveManifest(manifest.FromMap(entries)); err != nil {
		t.Fatal(err)
	}
}

func tierNames(t *testing.T, dir, ext string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && filepath.Ext(entry.Name()) == ext {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names
}

func slotNames(n int, ext string) []string {
	var names []string
	for i := 1; i <= n; i++ {
		names = append(names, strconv.Itoa(i)+ext)
	}
	sort.Strings(names)
	return names
}

func runRoot(t *testing.T, c *Coordinator, root string) *pipeline.RootReport {
	t.Helper()
	report, err := c.RunRoot(context.Background(), root)
	if err != nil {
		t.Fatalf("RunRoot failed: %v", err)
	}
	return report
}

func TestRunRootSinglePhoto(t *testing.T) {
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "photo.png"), 40, 20)

	cfg := testConfig(root)
	cfg.Extension = ".webp"
	report := runRoot(t, NewCoordinator(cfg, Dependencies{}), root)

	if report.Total != 1 || report.Converted != 1 || report.Pending != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	for _, dir := range []string{"", "half", "quarter"} {
		mustExist(t, filepath.Join(root, dir, "1.webp"))
	}
	if _, err := os.Stat(filepath.Join(root, "photo.webp")); !os.IsNotExist(err) {
		t.Fatal("pre-renumber name should be gone")
	}
	if got := loadManifest(t, root); len(got) != 1 || got["1.webp"] != "photo.png" {
		t.Fatalf("manifest: got %v", got)
	}

	store, err := storage.NewStore(root, storage.Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	summary, err := store.LoadSummary()
	if err != nil {
		t.Fatal(err)
	}
	if summary == nil || summary.TotalImages != 1 {
		t.Fatalf("summary: got %+v", summary)
	}
}

func TestRunRootDenseConvergence(t *testing.T) {
	root := t.TempDir()
	originals := []string{"delta.png", "alpha.jpeg", "charlie.png", "bravo.jpg", "echo.png"}
	for i, name := range originals {
		writeImage(t, filepath.Join(root, name), 16+i, 12)
	}

	report := runRoot(t, NewCoordinator(testConfig(root), Dependencies{}), root)
	if report.Total != len(originals) {
		t.Fatalf("Total: got %d, want %d", report.Total, len(originals))
	}
	want := slotNames(len(originals), ".jpg")
	for _, dir := range []string{root, filepath.Join(root, "half"), filepath.Join(root, "quarter")} {
		if got := tierNames(t, dir, ".jpg"); !slices.Equal(got, want) {
			t.Fatalf("%s: got %v, want %v", dir, got, want)
		}
	}

	got := loadManifest(t, root)
	var values []string
	for _, v := range got {
		values = append(values, v)
	}
	sort.Strings(values)
	sorted := slices.Clone(originals)
	sort.Strings(sorted)
	if !slices.Equal(values, sorted) {
		t.Fatalf("manifest originals: got %v, want %v", values, sorted)
	}
	// Others are appended in sorted order: alpha, bravo, charlie, delta, echo.
	if got["1.jpg"] != "alpha.jpeg" || got["5.jpg"] != "echo.png" {
		t.Fatalf("unexpected assignment: %v", got)
	}
}

func TestRunRootIdempotent(t *testing.T) {
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "a.png"), 30, 30)
	writeImage(t, filepath.Join(root, "b.png"), 20, 10)

	m := metrics.New()
	c := NewCoordinator(testConfig(root), Dependencies{Metrics: m})
	runRoot(t, c, root)

	before := loadManifest(t, root)
	mtimes := map[string]time.Time{}
	for _, dir := range []string{"", "half", "quarter"} {
		for _, name := range []string{"1.jpg", "2.jpg"} {
			path := filepath.Join(root, dir, name)
			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			mtimes[path] = info.ModTime()
		}
	}
	written := testutil.ToFloat64(m.TiersWritten.WithLabelValues(root, "half"))

	report := runRoot(t, c, root)
	if len(report.Moves) != 0 || len(report.Failed) != 0 {
		t.Fatalf("second run changed things: %+v", report)
	}
	if report.Converted != 0 {
		t.Fatalf("Converted: got %d on second run, want 0", report.Converted)
	}
	if report.Total != 2 {
		t.Fatalf("Total: got %d, want 2", report.Total)
	}
	for path, mtime := range mtimes {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if !info.ModTime().Equal(mtime) {
			t.Fatalf("%s rewritten on second run", path)
		}
	}
	if got := testutil.ToFloat64(m.TiersWritten.WithLabelValues(root, "half")); got != written {
		t.Fatalf("half tiers written: got %v after second run, want %v", got, written)
	}
	after := loadManifest(t, root)
	if len(after) != len(before) {
		t.Fatalf("manifest changed: %v -> %v", before, after)
	}
	for k, v := range before {
		if after[k] != v {
			t.Fatalf("manifest changed: %v -> %v", before, after)
		}
	}
}

func TestRunRootKnownSourceNotReconverted(t *testing.T) {
	root := t.TempDir()
	source := filepath.Join(root, "photo.png")
	writeImage(t, source, 10, 10)

	c := NewCoordinator(testConfig(root), Dependencies{})
	runRoot(t, c, root)

	// Corrupt the source and push it into the past: any decode would fail.
	if err := os.WriteFile(source, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(source, old, old); err != nil {
		t.Fatal(err)
	}

	report := runRoot(t, c, root)
	if len(report.Failed) != 0 {
		t.Fatalf("known source was reprocessed: %v", report.Failed)
	}
	if got := loadManifest(t, root); len(got) != 1 || got["1.jpg"] != "photo.png" {
		t.Fatalf("manifest: got %v", got)
	}
}

func TestRunRootIsolatesFailures(t *testing.T) {
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "good.png"), 12, 12)
	if err := os.WriteFile(filepath.Join(root, "bad.png"), []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}

	report := runRoot(t, NewCoordinator(testConfig(root), Dependencies{}), root)
	if !slices.Equal(report.Failed, []string{"bad.png"}) {
		t.Fatalf("failed: got %v", report.Failed)
	}
	if report.Converted != 1 || report.Total != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if got := loadManifest(t, root); len(got) != 1 || got["1.jpg"] != "good.png" {
		t.Fatalf("manifest: got %v", got)
	}
}

func TestRunRootHousekeepingWithoutPending(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{"half", "quarter"} {
		if err := os.Mkdir(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	for _, n := range []int{3, 9} {
		name := strconv.Itoa(n) + ".jpg"
		writeImage(t, filepath.Join(root, name), 8*n, 8)
		writeImage(t, filepath.Join(root, "half", name), 4*n, 4)
		writeImage(t, filepath.Join(root, "quarter", name), 2*n, 2)
	}
	saveManifest(t, root, map[string]string{"3.jpg": "three.png", "9.jpg": "nine.png"})

	cfg := testConfig(root)
	cfg.SourceExtensions = []string{".png"}
	report := runRoot(t, NewCoordinator(cfg, Dependencies{}), root)

	if report.Pending != 0 {
		t.Fatalf("Pending: got %d, want 0", report.Pending)
	}
	if report.Total != 2 {
		t.Fatalf("Total: got %d, want 2", report.Total)
	}
	got := loadManifest(t, root)
	if got["1.jpg"] != "nine.png" || got["2.jpg"] != "three.png" || len(got) != 2 {
		t.Fatalf("manifest: got %v", got)
	}
	if w := imageWidth(t, filepath.Join(root, "quarter", "1.jpg")); w != 18 {
		t.Fatalf("quarter/1.jpg should be the former 9.jpg, width %d", w)
	}
}

func TestRunRootFillsGapAfterDeletion(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a.png", "b.png", "c.png", "d.png"} {
		writeImage(t, filepath.Join(root, name), 10, 10)
	}
	c := NewCoordinator(testConfig(root), Dependencies{})
	runRoot(t, c, root)

	for _, dir := range []string{"", "half", "quarter"} {
		if err := os.Remove(filepath.Join(root, dir, "2.jpg")); err != nil {
			t.Fatal(err)
		}
	}

	report := runRoot(t, c, root)
	if report.Total != 3 {
		t.Fatalf("Total: got %d, want 3", report.Total)
	}
	if !slices.Contains(report.Moves, pipeline.Move{From: "4.jpg", To: "2.jpg"}) {
		t.Fatalf("moves: got %v", report.Moves)
	}
	if got := loadManifest(t, root); got["2.jpg"] != "d.png" {
		t.Fatalf("manifest[2.jpg]: got %q, want d.png", got["2.jpg"])
	}
}

func TestRunRootDefersDuplicateTargets(t *testing.T) {
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "a.jpeg"), 10, 10)
	writeImage(t, filepath.Join(root, "a.png"), 20, 20)

	c := NewCoordinator(testConfig(root), Dependencies{})
	report := runRoot(t, c, root)
	if !slices.Equal(report.Deferred, []string{"a.png"}) {
		t.Fatalf("deferred: got %v", report.Deferred)
	}
	if got := loadManifest(t, root); len(got) != 1 || got["1.jpg"] != "a.jpeg" {
		t.Fatalf("manifest after first run: %v", got)
	}

	report = runRoot(t, c, root)
	if report.Total != 2 {
		t.Fatalf("Total: got %d, want 2", report.Total)
	}
	if got := loadManifest(t, root); got["2.jpg"] != "a.png" {
		t.Fatalf("manifest after second run: %v", got)
	}
}

func TestRunRootRejectsSlotConflict(t *testing.T) {
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "x.jpg"), 8, 8)
	writeImage(t, filepath.Join(root, "x.png"), 30, 30)
	saveManifest(t, root, map[string]string{"x.jpg": "old.png"})

	cfg := testConfig(root)
	cfg.SourceExtensions = []string{".png"}
	report := runRoot(t, NewCoordinator(cfg, Dependencies{}), root)

	if !slices.Equal(report.Failed, []string{"x.png"}) {
		t.Fatalf("failed: got %v", report.Failed)
	}
	got := loadManifest(t, root)
	if got["1.jpg"] != "old.png" {
		t.Fatalf("manifest: got %v", got)
	}
	if w := imageWidth(t, filepath.Join(root, "1.jpg")); w != 8 {
		t.Fatalf("tracked asset overwritten: width %d", w)
	}
}

func TestRunRootDryRunWritesNothing(t *testing.T) {
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "photo.png"), 10, 10)

	cfg := testConfig(root)
	cfg.DryRun = true
	report := runRoot(t, NewCoordinator(cfg, Dependencies{}), root)

	if !report.DryRun || report.Total != 1 || len(report.Moves) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "photo.png" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("dry run wrote files: %v", names)
	}
}

func TestRunRootLocked(t *testing.T) {
	root := t.TempDir()
	store, err := storage.NewStore(root, storage.Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	lock, err := store.LockRoot()
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Unlock()

	_, err = NewCoordinator(testConfig(root), Dependencies{}).RunRoot(context.Background(), root)
	if !errors.Is(err, ErrRootLocked) {
		t.Fatalf("got %v, want ErrRootLocked", err)
	}
}

func TestRunRootCancelledCountsFailures(t *testing.T) {
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "a.png"), 10, 10)
	writeImage(t, filepath.Join(root, "b.png"), 10, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := NewCoordinator(testConfig(root), Dependencies{}).RunRoot(ctx, root)
	if err != nil {
		t.Fatalf("RunRoot failed: %v", err)
	}
	if len(report.Failed) != 2 || report.Converted != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	// The root still reaches persistence.
	mustExist(t, filepath.Join(root, storage.DefaultSummaryName))
}

func TestRunSkipsMissingRoots(t *testing.T) {
	present := t.TempDir()
	writeImage(t, filepath.Join(present, "photo.png"), 10, 10)
	missing := filepath.Join(t.TempDir(), "AIimages")

	reports := NewCoordinator(testConfig(missing, present), Dependencies{}).Run(context.Background())
	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(reports))
	}
	if !reports[0].Skipped || !errors.Is(reports[0].Err, ErrRootMissing) {
		t.Fatalf("missing root report: %+v", reports[0])
	}
	if reports[1].Skipped || reports[1].Total != 1 {
		t.Fatalf("present root report: %+v", reports[1])
	}
}

func TestRunRootRecordsLedger(t *testing.T) {
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "photo.png"), 10, 10)

	l, err := ledger.Open(context.Background(), ledger.DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	report := runRoot(t, NewCoordinator(testConfig(root), Dependencies{Ledger: l}), root)

	ingests, err := l.Ingests(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if len(ingests) != 1 || ingests[0].Original != "photo.png" || ingests[0].Slot != "1.jpg" {
		t.Fatalf("ingests: got %+v", ingests)
	}
	if len(ingests[0].Digest) != 64 {
		t.Fatalf("digest: got %q", ingests[0].Digest)
	}
	runs, err := l.Runs(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].RunID != report.RunID || runs[0].Total != 1 {
		t.Fatalf("runs: got %+v", runs)
	}
}

func TestRunRootLedgerFollowsGapFill(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		writeImage(t, filepath.Join(root, name), 8, 8)
	}

	l, err := ledger.Open(context.Background(), ledger.DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	c := NewCoordinator(testConfig(root), Dependencies{Ledger: l})
	runRoot(t, c, root)

	// Removing slot 1 makes the next pass move 3.jpg down into it.
	for _, dir := range []string{"", "half", "quarter"} {
		if err := os.Remove(filepath.Join(root, dir, "1.jpg")); err != nil {
			t.Fatal(err)
		}
	}
	report := runRoot(t, c, root)
	if !slices.Equal(report.Moves, []pipeline.Move{{From: "3.jpg", To: "1.jpg"}}) {
		t.Fatalf("moves: got %v", report.Moves)
	}

	ingests, err := l.Ingests(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	slots := map[string]string{}
	for _, in := range ingests {
		slots[in.Original] = in.Slot
	}
	if slots["c.png"] != "1.jpg" || slots["b.png"] != "2.jpg" {
		t.Fatalf("ledger slots: got %v", slots)
	}
}

type countingLedger struct {
	ingests int
}

func (l *countingLedger) RecordIngest(context.Context, ledger.Ingest) (int, error) {
	l.ingests++
	return 1, nil
}
func (l *countingLedger) RecordRun(context.Context, ledger.Run) error { return nil }

func (l *countingLedger) MoveSlot(context.Context, string, string, string) error { return nil }

func TestDeriveHashesOnlyUntrackedTargets(t *testing.T) {
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "1.jpg"), 8, 8)
	writeImage(t, filepath.Join(root, "new.png"), 8, 8)

	cfg := testConfig(root)
	c := NewCoordinator(cfg, Dependencies{Ledger: &countingLedger{}})
	rc := &RunContext{
		Ctx: context.Background(),
		Layout: tiers.Layout{
			Root:       root,
			HalfDir:    cfg.HalfDir,
			QuarterDir: cfg.QuarterDir,
			Ext:        cfg.Extension,
		},
		Manifest: manifest.FromMap(map[string]string{"1.jpg": "old.png"}),
		Report:   &pipeline.RootReport{},
	}
	rc.Logger = c.logger
	if err := rc.Layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	engine, err := derive.NewEngine(rc.Layout, derive.Options{HalfQuality: 85, QuarterQuality: 80}, c.logger)
	if err != nil {
		t.Fatal(err)
	}
	tasks := []derive.Task{
		engine.NewTask(filepath.Join(root, "1.jpg")),
		engine.NewTask(filepath.Join(root, "new.png")),
	}

	outcomes := c.derive(rc, engine, tasks)
	for _, o := range outcomes {
		if o.err != nil {
			t.Fatalf("%s: %v", o.task.Original, o.err)
		}
	}
	if outcomes[0].digest != "" || !outcomes[0].tracked {
		t.Fatalf("tracked target hashed: %+v", outcomes[0])
	}
	if len(outcomes[1].digest) != 64 || outcomes[1].tracked {
		t.Fatalf("new target not hashed: %+v", outcomes[1])
	}
}
