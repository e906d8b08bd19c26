// Package ledger keeps an optional SQL history of ingested sources and
// pipeline runs. SQLite is the default backend; Postgres is supported for
// shared deployments.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq"  // Postgres driver for database/sql
	_ "modernc.org/sqlite" // SQLite driver for database/sql
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed migrations
var migrationFiles embed.FS

// ErrUnsupportedDriver is returned by Open for unknown driver names
var ErrUnsupportedDriver = errors.New("unsupported ledger driver")

// Ingest is one source file recorded against an asset root
type Ingest struct {
	Root      string
	Original  string
	Slot      string
	Digest    string
	FirstSeen time.Time
	LastSeen  time.Time
	SeenCount int
}

// Run is the outcome of one pass over one root
type Run struct {
	RunID      string
	Root       string
	StartedAt  time.Time
	FinishedAt time.Time
	Pending    int
	Converted  int
	Failed     int
	Renamed    int
	Blocked    int
	Total      int
	DryRun     bool
}

// Ledger records ingests and runs
type Ledger struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects to the ledger database and applies pending migrations
func Open(ctx context.Context, driver, dsn string) (*Ledger, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = openSQLite(dsn)
	case DriverPostgres:
		db, err = sql.Open("postgres", dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping ledger: %w", err)
	}
	if err := runMigrations(db, driver); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Ledger{db: db, driver: driver, now: time.Now}, nil
}

func openSQLite(dsn string) (*sql.DB, error) {
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
		abs, err := filepath.Abs(dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve ledger path: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", filepath.ToSlash(abs))
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// An in-memory database lives only as long as its connection.
	db.SetMaxOpenConns(1)
	return db, nil
}

func runMigrations(db *sql.DB, driver string) error {
	var (
		target database.Driver
		err    error
	)
	switch driver {
	case DriverSQLite:
		target, err = sqlite.WithInstance(db, &sqlite.Config{})
	case DriverPostgres:
		target, err = postgres.WithInstance(db, &postgres.Config{})
	}
	if err != nil {
		return fmt.Errorf("failed to initialise migrate driver: %w", err)
	}

	source, err := iofs.New(migrationFiles, "migrations/"+driver)
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	defer func() {
		_ = source.Close()
	}()

	migrator, err := migrate.NewWithInstance("iofs", source, driver, target)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the database
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// RecordIngest records that original was ingested into root as slot and
// returns how many times it has been seen.
func (l *Ledger) RecordIngest(ctx context.Context, in Ingest) (int, error) {
	now := l.now().Unix()
	query := l.rebind(`
		INSERT INTO ingests (root, original, slot, digest, first_seen, last_seen, seen_count)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (root, original) DO UPDATE
		SET slot = excluded.slot,
		    digest = excluded.digest,
		    last_seen = excluded.last_seen,
		    seen_count = ingests.seen_count + 1
		RETURNING seen_count
	`)

	var seenCount int
	err := l.db.QueryRowContext(ctx, query, in.Root, in.Original, in.Slot, in.Digest, now, now).Scan(&seenCount)
	if err != nil {
		return 0, fmt.Errorf("failed to record ingest: %w", err)
	}
	return seenCount, nil
}

// MoveSlot follows a rename: rows of root at slot from now point at to
func (l *Ledger) MoveSlot(ctx context.Context, root, from, to string) error {
	query := l.rebind(`UPDATE ingests SET slot = ? WHERE root = ? AND slot = ?`)
	if _, err := l.db.ExecContext(ctx, query, to, root, from); err != nil {
		return fmt.Errorf("failed to move slot %s to %s: %w", from, to, err)
	}
	return nil
}

// RecordRun stores the outcome of one root pass
func (l *Ledger) RecordRun(ctx context.Context, run Run) error {
	query := l.rebind(`
		INSERT INTO runs (run_id, root, started_at, finished_at, pending, converted, failed, renamed, blocked, total, dry_run)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := l.db.ExecContext(ctx, query,
		run.RunID, run.Root, run.StartedAt.Unix(), run.FinishedAt.Unix(),
		run.Pending, run.Converted, run.Failed, run.Renamed, run.Blocked, run.Total, run.DryRun)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// Ingests lists the ingest history of root ordered by original filename
func (l *Ledger) Ingests(ctx context.Context, root string) ([]Ingest, error) {
	query := l.rebind(`
		SELECT root, original, slot, digest, first_seen, last_seen, seen_count
		FROM ingests WHERE root = ? ORDER BY original
	`)
	rows, err := l.db.QueryContext(ctx, query, root)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingests: %w", err)
	}
	defer rows.Close()

	var ingests []Ingest
	for rows.Next() {
		var (
			in              Ingest
			first, lastSeen int64
		)
		if err := rows.Scan(&in.Root, &in.Original, &in.Slot, &in.Digest, &first, &lastSeen, &in.SeenCount); err != nil {
			return nil, fmt.Errorf("failed to scan ingest: %w", err)
		}
		in.FirstSeen = time.Unix(first, 0)
		in.LastSeen = time.Unix(lastSeen, 0)
		ingests = append(ingests, in)
	}
	return ingests, rows.Err()
}

// Runs lists the recorded runs of root, most recent first
func (l *Ledger) Runs(ctx context.Context, root string) ([]Run, error) {
	query := l.rebind(`
		SELECT run_id, root, started_at, finished_at, pending, converted, failed, renamed, blocked, total, dry_run
		FROM runs WHERE root = ? ORDER BY started_at DESC, run_id
	`)
	rows, err := l.db.QueryContext(ctx, query, root)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run               Run
			started, finished int64
		)
		if err := rows.Scan(&run.RunID, &run.Root, &started, &finished, &run.Pending, &run.Converted,
			&run.Failed, &run.Renamed, &run.Blocked, &run.Total, &run.DryRun); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.StartedAt = time.Unix(started, 0)
		run.FinishedAt = time.Unix(finished, 0)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// rebind converts ? placeholders to $n for Postgres
func (l *Ledger) rebind(query string) string {
	if l.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
