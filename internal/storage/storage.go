// Package storage provides a SQLite-backed ledger of panel runs and of the
// monthly archives they downloaded.
//
// The ledger is bookkeeping only: the panel never reads it back to decide
// what to fetch. Archive rows let an operator see where each cached file came
// from and verify it by checksum; run rows record parameters and outcomes.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rewired-gh/relaypanel/internal/collector"
	_ "modernc.org/sqlite"
)

// Run status values
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusEmpty     = "empty"
	StatusFailed    = "failed"
)

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("run not found")

// Run is one invocation of the panel builder
type Run struct {
	ID           string
	StartedAt    time.Time
	FinishedAt   time.Time
	StartDay     string
	EndDay       string
	Hours        []int
	Output       string
	Days         int
	CommonRelays int
	Rows         int
	Status       string
	Error        string
}

// RunDay records which consensus entry a run used for one day.
type RunDay struct {
	Day       string
	Hour      int
	Entry     string
	Relays    int
	Malformed int
}

// Storage is the SQLite ledger
type Storage struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (creating if needed) the ledger database at path.
func New(path string) (*Storage, error) {
	if path == "" {
		return nil, errors.New("storage path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates the required tables.
func (s *Storage) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS archives (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		month TEXT NOT NULL,
		url TEXT NOT NULL,
		path TEXT NOT NULL,
		bytes INTEGER NOT NULL,
		sha256 TEXT NOT NULL,
		fetched_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_archives_month ON archives(month);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		start_day TEXT NOT NULL,
		end_day TEXT NOT NULL,
		hours TEXT NOT NULL,
		output TEXT NOT NULL,
		days INTEGER NOT NULL DEFAULT 0,
		common_relays INTEGER NOT NULL DEFAULT 0,
		row_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS run_days (
		run_id TEXT NOT NULL REFERENCES runs(id),
		day TEXT NOT NULL,
		hour INTEGER NOT NULL,
		entry TEXT NOT NULL,
		relays INTEGER NOT NULL,
		malformed INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, day)
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database
func (s *Storage) Close() error {
	return s.db.Close()
}

// RecordArchive stores a row for a downloaded archive.
func (s *Storage) RecordArchive(ctx context.Context, rec collector.ArchiveRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO archives (month, url, path, bytes, sha256, fetched_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Month, rec.URL, rec.Path, rec.Bytes, rec.SHA256, rec.FetchedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record archive %s: %w", rec.Month, err)
	}
	return nil
}

// Archives returns every recorded download for month, oldest first.
func (s *Storage) Archives(ctx context.Context, month string) ([]collector.ArchiveRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT month, url, path, bytes, sha256, fetched_at FROM archives WHERE month = ? ORDER BY id`, month)
	if err != nil {
		return nil, fmt.Errorf("failed to query archives: %w", err)
	}
	defer rows.Close()

	var out []collector.ArchiveRecord
	for rows.Next() {
		var rec collector.ArchiveRecord
		var fetchedAt string
		if err := rows.Scan(&rec.Month, &rec.URL, &rec.Path, &rec.Bytes, &rec.SHA256, &fetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan archive: %w", err)
		}
		rec.FetchedAt, err = time.Parse(time.RFC3339Nano, fetchedAt)
		if err != nil {
			return nil, fmt.Errorf("invalid fetched_at %q: %w", fetchedAt, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StartRun inserts a run in the running state.
func (s *Storage) StartRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		return errors.New("run ID must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, start_day, end_day, hours, output, status) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UTC().Format(time.RFC3339Nano), run.StartDay, run.EndDay,
		formatHours(run.Hours), run.Output, StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to start run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun records the outcome of a run.
func (s *Storage) FinishRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, days = ?, common_relays = ?, row_count = ?, status = ?, error = ? WHERE id = ?`,
		run.FinishedAt.UTC().Format(time.RFC3339Nano), run.Days, run.CommonRelays, run.Rows,
		run.Status, run.Error, run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	return nil
}

// RecordRunDays stores the per-day resolution of a run in one transaction.
func (s *Storage) RecordRunDays(ctx context.Context, runID string, days []RunDay) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, d := range days {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO run_days (run_id, day, hour, entry, relays, malformed) VALUES (?, ?, ?, ?, ?, ?)`,
			runID, d.Day, d.Hour, d.Entry, d.Relays, d.Malformed)
		if err != nil {
			return fmt.Errorf("failed to record day %s of run %s: %w", d.Day, runID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run days: %w", err)
	}
	return nil
}

// RunDays returns the recorded days of a run in day order.
func (s *Storage) RunDays(ctx context.Context, runID string) ([]RunDay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT day, hour, entry, relays, malformed FROM run_days WHERE run_id = ? ORDER BY day`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run days: %w", err)
	}
	defer rows.Close()

	var out []RunDay
	for rows.Next() {
		var d RunDay
		if err := rows.Scan(&d.Day, &d.Hour, &d.Entry, &d.Relays, &d.Malformed); err != nil {
			return nil, fmt.Errorf("failed to scan run day: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetRun retrieves a run by ID
func (s *Storage) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		run        Run
		startedAt  string
		finishedAt sql.NullString
		hours      string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at, start_day, end_day, hours, output, days, common_relays, row_count, status, error
		 FROM runs WHERE id = ?`, id).
		Scan(&run.ID, &startedAt, &finishedAt, &run.StartDay, &run.EndDay, &hours, &run.Output,
			&run.Days, &run.CommonRelays, &run.Rows, &run.Status, &run.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}

	if run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("invalid started_at %q: %w", startedAt, err)
	}
	if finishedAt.Valid {
		if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt.String); err != nil {
			return nil, fmt.Errorf("invalid finished_at %q: %w", finishedAt.String, err)
		}
	}
	if run.Hours, err = parseHours(hours); err != nil {
		return nil, err
	}
	return &run, nil
}

func formatHours(hours []int) string {
	parts := make([]string, len(hours))
	for i, h := range hours {
		parts[i] = strconv.Itoa(h)
	}
	return strings.Join(parts, ",")
}

func parseHours(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var hours []int
	for _, p := range strings.Split(s, ",") {
		h, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid hours %q: %w", s, err)
		}
		hours = append(hours, h)
	}
	return hours, nil
}
