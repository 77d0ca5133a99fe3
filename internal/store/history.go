// Package store keeps a local SQLite history of repair runs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"pimrepair/internal/logging"
)

var (
	// ErrRunNotFound is returned when no run matches an ID or prefix.
	ErrRunNotFound = errors.New("run not found")
	// ErrAmbiguousID is returned when an ID prefix matches several runs.
	ErrAmbiguousID = errors.New("run id prefix is ambiguous")
)

// Run is one generate+verify invocation.
type Run struct {
	ID           string
	CreatedAt    time.Time
	Provider     string
	Model        string
	QueryID      string
	Task         string
	Attempts     int
	Pass         bool
	ISACompliant bool
	NumTests     int
	Seed         int64
	Duration     time.Duration
	InputTokens  int64
	OutputTokens int64
	Error        string
	// ReportJSON and OutputJSON hold the verification report and the parsed
	// model output of the final attempt.
	ReportJSON string
	OutputJSON string
}

// Summary aggregates the history table.
type Summary struct {
	Total  int
	Passed int
	Tokens int64
}

// HistoryStore persists runs in SQLite.
type HistoryStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// createdAtLayout is fixed width so created_at sorts correctly as text.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	query_id TEXT NOT NULL DEFAULT '',
	task TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	pass INTEGER NOT NULL DEFAULT 0,
	isa_compliant INTEGER NOT NULL DEFAULT 0,
	num_tests INTEGER NOT NULL DEFAULT 0,
	seed INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	report_json TEXT NOT NULL DEFAULT '',
	output_json TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_runs_query_id ON runs(query_id);
`

// Open opens (or creates) the history database at path. ":memory:" is
// accepted for tests.
func Open(path string) (*HistoryStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			logging.StoreError("Failed to create directory for %s: %v", path, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		logging.StoreError("Failed to initialize schema at %s: %v", path, err)
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.StoreDebug("History store ready at %s", path)
	return &HistoryStore{db: db, dbPath: path}, nil
}

// Close closes the database.
func (s *HistoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the database file path.
func (s *HistoryStore) Path() string { return s.dbPath }

// RecordRun inserts run. Missing ID and CreatedAt are filled in and written
// back to run.
func (s *HistoryStore) RecordRun(ctx context.Context, run *Run) error {
	timer := logging.StartTimer(logging.CategoryStore, "RecordRun")
	defer timer.Stop()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs
		 (id, created_at, provider, model, query_id, task, attempts, pass, isa_compliant, num_tests, seed, duration_ms, input_tokens, output_tokens, error, report_json, output_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.CreatedAt.UTC().Format(createdAtLayout), run.Provider, run.Model, run.QueryID, run.Task,
		run.Attempts, run.Pass, run.ISACompliant, run.NumTests, run.Seed, run.Duration.Milliseconds(),
		run.InputTokens, run.OutputTokens, run.Error, run.ReportJSON, run.OutputJSON,
	)
	if err != nil {
		logging.StoreError("Failed to record run %s: %v", run.ID, err)
		return fmt.Errorf("failed to record run: %w", err)
	}

	logging.StoreDebug("Recorded run %s: query=%s pass=%v attempts=%d", run.ID, run.QueryID, run.Pass, run.Attempts)
	return nil
}

const runColumns = `id, created_at, provider, model, query_id, task, attempts, pass, isa_compliant, num_tests, seed, duration_ms, input_tokens, output_tokens, error, report_json, output_json`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run        Run
		createdAt  string
		durationMS int64
	)
	err := row.Scan(&run.ID, &createdAt, &run.Provider, &run.Model, &run.QueryID, &run.Task,
		&run.Attempts, &run.Pass, &run.ISACompliant, &run.NumTests, &run.Seed, &durationMS,
		&run.InputTokens, &run.OutputTokens, &run.Error, &run.ReportJSON, &run.OutputJSON)
	if err != nil {
		return nil, err
	}
	if t, err := time.Parse(createdAtLayout, createdAt); err == nil {
		run.CreatedAt = t
	}
	run.Duration = time.Duration(durationMS) * time.Millisecond
	return &run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *HistoryStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ListRuns")
	defer timer.Stop()

	if limit <= 0 {
		limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		logging.StoreError("Failed to list runs: %v", err)
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	logging.StoreDebug("Listed %d runs", len(runs))
	return runs, nil
}

// GetRun looks a run up by full ID or by a unique ID prefix.
func (s *HistoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	if id == "" {
		return nil, ErrRunNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE substr(id, 1, ?) = ? LIMIT 2`, utf8.RuneCountInString(id), id)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	defer rows.Close()

	var matches []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		matches = append(matches, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrAmbiguousID, id)
	}
}

// Summarize counts all runs and passing runs.
func (s *HistoryStore) Summarize(ctx context.Context) (Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum Summary
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(pass), 0), COALESCE(SUM(input_tokens + output_tokens), 0) FROM runs`,
	).Scan(&sum.Total, &sum.Passed, &sum.Tokens)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to summarize runs: %w", err)
	}
	return sum, nil
}
