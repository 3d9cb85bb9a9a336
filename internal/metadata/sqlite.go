package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/sirupsen/logrus"

	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/pipeline"
)

// SQLite stores the watermark and run history in a local database
// file. It implements pipeline.MetadataStore.
//
// Timestamps are stored as RFC 3339 UTC strings.
type SQLite struct {
	db     *sql.DB
	path   string
	logger *logrus.Logger
}

// OpenSQLite opens (creating if needed) the database file at path and
// creates the metadata schema.
func OpenSQLite(ctx context.Context, path string, logger *logrus.Logger) (*SQLite, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating metadata directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}

	// A single connection sidesteps writer contention; this store sees
	// one pipeline run at a time.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to metadata store: %w", err)
	}

	pragmas := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configuring metadata store: %w", err)
		}
	}

	store := &SQLite{db: db, path: path, logger: logger}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *SQLite) Path() string {
	return s.path
}

func (s *SQLite) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sync_metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			outcome TEXT NOT NULL,
			rows_loaded INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating metadata schema: %w", err)
		}
	}
	return nil
}

// Get returns the value stored under key, with false when the key has
// never been written.
func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading metadata key %q: %w", key, err)
	}
	return value, true, nil
}

// Upsert writes value under key, inserting or replacing atomically.
func (s *SQLite) Upsert(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_metadata (key, value, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting metadata key %q: %w", key, err)
	}
	return nil
}

// RecordRun appends one run to the history.
func (s *SQLite) RecordRun(ctx context.Context, rec pipeline.RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (run_id, started_at, finished_at, outcome, rows_loaded, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.StartedAt.UTC().Format(time.RFC3339),
		rec.FinishedAt.UTC().Format(time.RFC3339),
		rec.Outcome, rec.Rows, rec.Error)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", rec.ID, err)
	}
	return nil
}

// RecentRuns returns up to limit history entries, newest first.
func (s *SQLite) RecentRuns(ctx context.Context, limit int) ([]pipeline.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, started_at, finished_at, outcome, rows_loaded, error
		 FROM sync_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var records []pipeline.RunRecord
	for rows.Next() {
		var rec pipeline.RunRecord
		var started, finished string
		if err := rows.Scan(&rec.ID, &started, &finished, &rec.Outcome, &rec.Rows, &rec.Error); err != nil {
			return nil, fmt.Errorf("scanning run record: %w", err)
		}
		if rec.StartedAt, err = time.Parse(time.RFC3339, started); err != nil {
			return nil, fmt.Errorf("parsing run start time %q: %w", started, err)
		}
		if rec.FinishedAt, err = time.Parse(time.RFC3339, finished); err != nil {
			return nil, fmt.Errorf("parsing run finish time %q: %w", finished, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return records, nil
}

// Close checkpoints the WAL and releases the database handle.
func (s *SQLite) Close() error {
	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		s.logger.WithField("error", err).Debug("wal checkpoint on close failed")
	}
	return s.db.Close()
}
