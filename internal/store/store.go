// Package store is the append-only durable record of runs (C9), backed by
// SQLite. The orchestrator is its sole writer; readers tolerate concurrent
// appends via SQLite's normal transaction isolation.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"setarb/internal/errs"
	"setarb/internal/logger"

	_ "modernc.org/sqlite"
)

const logTag = "store"

// Store wraps a SQLite connection holding the runs/run_sets schema.
type Store struct {
	sql *sql.DB
}

// Open opens (or creates) the SQLite database at path and runs migrations.
// path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errs.New(errs.Storage, "creating database directory", err)
			}
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.New(errs.Storage, "opening database", err)
	}
	if path == ":memory:" {
		// Every SQLite connection to ":memory:" opens its own empty
		// database, so the pool is held to the one connection that
		// carries the schema.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, errs.New(errs.Storage, "pinging database", err)
	}

	s := &Store{sql: sqlDB}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, errs.New(errs.Storage, "migrating database", err)
	}
	logger.Success(logTag, "opened "+path)
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.sql.Close()
}

func (s *Store) migrate() error {
	version := 0
	s.sql.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`).Scan(&version)

	if version < 1 {
		_, err := s.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS runs (
				run_id          INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp       TEXT NOT NULL,
				strategy        TEXT NOT NULL,
				execution_mode  TEXT NOT NULL,
				total_sets      INTEGER NOT NULL,
				profitable_sets INTEGER NOT NULL,
				payload_blob    BLOB NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_runs_timestamp ON runs(timestamp);

			CREATE TABLE IF NOT EXISTS run_sets (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id        INTEGER NOT NULL REFERENCES runs(run_id),
				set_slug      TEXT NOT NULL,
				set_name      TEXT NOT NULL,
				profit_margin REAL NOT NULL,
				lowest_price  REAL NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_run_sets_run ON run_sets(run_id);
			CREATE INDEX IF NOT EXISTS idx_run_sets_slug ON run_sets(set_slug);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		logger.Info(logTag, "applied migration v1")
	}

	return nil
}

// RunSetSummary is one row of run_sets: the compact projection for the fast
// history view, independent of decoding payload_blob.
type RunSetSummary struct {
	Slug         string  `json:"slug"`
	Name         string  `json:"name"`
	ProfitMargin float64 `json:"profit_margin"`
	LowestPrice  float64 `json:"lowest_price"`
}

// RunSummary is the header-level view of a run (for /api/history).
type RunSummary struct {
	RunID          int64     `json:"run_id"`
	Timestamp      time.Time `json:"timestamp"`
	Strategy       string    `json:"strategy"`
	ExecutionMode  string    `json:"execution_mode"`
	TotalSets      int       `json:"total_sets"`
	ProfitableSets int       `json:"profitable_sets"`
}

// RunDetail is a RunSummary plus its compact per-set projection.
type RunDetail struct {
	RunSummary
	Sets []RunSetSummary `json:"sets"`
}

// Run is what the orchestrator appends: a header plus the full scored
// payload (self-describing JSON, opaque to the store) and the compact
// per-set summary rows.
type Run struct {
	Timestamp      time.Time
	Strategy       string
	ExecutionMode  string
	TotalSets      int
	ProfitableSets int
	Payload        json.RawMessage
	SetSummaries   []RunSetSummary
}

// SetHistoryPoint is one run's observation of a single set, used by
// /api/sets/{slug}/history (§4 supplement).
type SetHistoryPoint struct {
	RunID        int64     `json:"run_id"`
	Timestamp    time.Time `json:"timestamp"`
	ProfitMargin float64   `json:"profit_margin"`
	LowestPrice  float64   `json:"lowest_price"`
}

// Stats is the aggregate counters returned by /api/stats.
type Stats struct {
	RunCount       int64     `json:"run_count"`
	TotalBytes     int64     `json:"total_bytes"`
	FirstRunAt     time.Time `json:"first_run_at"`
	LastRunAt      time.Time `json:"last_run_at"`
}

// Append persists a Run atomically: both the runs row and its run_sets
// projection commit in one transaction, or neither does.
func (s *Store) Append(run Run) (int64, error) {
	tx, err := s.sql.Begin()
	if err != nil {
		return 0, errs.New(errs.Storage, "beginning transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO runs (timestamp, strategy, execution_mode, total_sets, profitable_sets, payload_blob)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.Timestamp.UTC().Format(time.RFC3339Nano), run.Strategy, run.ExecutionMode,
		run.TotalSets, run.ProfitableSets, []byte(run.Payload),
	)
	if err != nil {
		return 0, errs.New(errs.Storage, "inserting run", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return 0, errs.New(errs.Storage, "reading inserted run id", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO run_sets (run_id, set_slug, set_name, profit_margin, lowest_price) VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, errs.New(errs.Storage, "preparing run_sets insert", err)
	}
	defer stmt.Close()

	for _, set := range run.SetSummaries {
		if _, err := stmt.Exec(runID, set.Slug, set.Name, set.ProfitMargin, set.LowestPrice); err != nil {
			return 0, errs.New(errs.Storage, "inserting run_sets row", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.New(errs.Storage, "committing run", err)
	}
	return runID, nil
}

// List returns a page of run summaries, newest first.
func (s *Store) List(page, pageSize int) ([]RunSummary, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	rows, err := s.sql.Query(
		`SELECT run_id, timestamp, strategy, execution_mode, total_sets, profitable_sets
		 FROM runs ORDER BY run_id DESC LIMIT ? OFFSET ?`,
		pageSize, offset,
	)
	if err != nil {
		return nil, errs.New(errs.Storage, "listing runs", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var ts string
		if err := rows.Scan(&r.RunID, &ts, &r.Strategy, &r.ExecutionMode, &r.TotalSets, &r.ProfitableSets); err != nil {
			return nil, errs.New(errs.Storage, "scanning run row", err)
		}
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns a run's summary and compact per-set projection.
func (s *Store) Get(runID int64) (RunDetail, error) {
	var d RunDetail
	var ts string
	err := s.sql.QueryRow(
		`SELECT run_id, timestamp, strategy, execution_mode, total_sets, profitable_sets
		 FROM runs WHERE run_id = ?`, runID,
	).Scan(&d.RunID, &ts, &d.Strategy, &d.ExecutionMode, &d.TotalSets, &d.ProfitableSets)
	if err == sql.ErrNoRows {
		return RunDetail{}, errs.New(errs.NotFound, fmt.Sprintf("run %d not found", runID), nil)
	}
	if err != nil {
		return RunDetail{}, errs.New(errs.Storage, "reading run", err)
	}
	d.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)

	rows, err := s.sql.Query(
		`SELECT set_slug, set_name, profit_margin, lowest_price FROM run_sets WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return RunDetail{}, errs.New(errs.Storage, "reading run_sets", err)
	}
	defer rows.Close()
	for rows.Next() {
		var set RunSetSummary
		if err := rows.Scan(&set.Slug, &set.Name, &set.ProfitMargin, &set.LowestPrice); err != nil {
			return RunDetail{}, errs.New(errs.Storage, "scanning run_sets row", err)
		}
		d.Sets = append(d.Sets, set)
	}
	return d, rows.Err()
}

// GetFull returns the full scored payload for faithful replay (rescoring,
// `/api/history/{id}/analysis`).
func (s *Store) GetFull(runID int64) (json.RawMessage, error) {
	var blob []byte
	err := s.sql.QueryRow(`SELECT payload_blob FROM runs WHERE run_id = ?`, runID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("run %d not found", runID), nil)
	}
	if err != nil {
		return nil, errs.New(errs.Storage, "reading payload", err)
	}
	return json.RawMessage(blob), nil
}

// Latest returns the most recently appended run's id, or ok=false if the
// store is empty.
func (s *Store) Latest() (runID int64, ok bool, err error) {
	e := s.sql.QueryRow(`SELECT run_id FROM runs ORDER BY run_id DESC LIMIT 1`).Scan(&runID)
	if e == sql.ErrNoRows {
		return 0, false, nil
	}
	if e != nil {
		return 0, false, errs.New(errs.Storage, "reading latest run", e)
	}
	return runID, true, nil
}

// HistoryForSet returns a set's profit_margin/lowest_price across its most
// recent runs, newest first, for the catalog detail view.
func (s *Store) HistoryForSet(slug string, limit int) ([]SetHistoryPoint, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.sql.Query(
		`SELECT r.run_id, r.timestamp, rs.profit_margin, rs.lowest_price
		 FROM run_sets rs JOIN runs r ON r.run_id = rs.run_id
		 WHERE rs.set_slug = ? ORDER BY r.run_id DESC LIMIT ?`,
		slug, limit,
	)
	if err != nil {
		return nil, errs.New(errs.Storage, "reading set history", err)
	}
	defer rows.Close()

	var out []SetHistoryPoint
	for rows.Next() {
		var p SetHistoryPoint
		var ts string
		if err := rows.Scan(&p.RunID, &ts, &p.ProfitMargin, &p.LowestPrice); err != nil {
			return nil, errs.New(errs.Storage, "scanning set history row", err)
		}
		p.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountStats returns the aggregate counters for /api/stats.
func (s *Store) CountStats() (Stats, error) {
	var st Stats
	var firstTS, lastTS sql.NullString
	err := s.sql.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(payload_blob)), 0), MIN(timestamp), MAX(timestamp) FROM runs`,
	).Scan(&st.RunCount, &st.TotalBytes, &firstTS, &lastTS)
	if err != nil {
		return Stats{}, errs.New(errs.Storage, "reading stats", err)
	}
	if firstTS.Valid {
		st.FirstRunAt, _ = time.Parse(time.RFC3339Nano, firstTS.String)
	}
	if lastTS.Valid {
		st.LastRunAt, _ = time.Parse(time.RFC3339Nano, lastTS.String)
	}
	return st, nil
}
