package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/pipeline"
)

// Postgres stores the watermark and run history in a Postgres
// database, by default the same one holding the destination table. It
// implements pipeline.MetadataStore.
type Postgres struct {
	db     *sql.DB
	owned  bool
	logger *logrus.Logger
}

// OpenPostgres connects to dsn, verifies the connection and creates
// the metadata schema. The returned store owns the connection pool.
func OpenPostgres(ctx context.Context, dsn string, logger *logrus.Logger) (*Postgres, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}
	db.SetMaxOpenConns(2)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to metadata store: %w", err)
	}

	store := &Postgres{db: db, owned: true, logger: logger}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgres wraps an existing connection pool without taking
// ownership; Close leaves the pool open. The schema is not created,
// call InitSchema when needed.
func NewPostgres(db *sql.DB, logger *logrus.Logger) *Postgres {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Postgres{db: db, logger: logger}
}

// InitSchema creates the metadata tables if they do not exist.
func (s *Postgres) InitSchema(ctx context.Context) error {
	return s.initSchema(ctx)
}

func (s *Postgres) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sync_metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS sync_runs (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			outcome TEXT NOT NULL,
			rows_loaded BIGINT NOT NULL DEFAULT 0,
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
func (s *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_metadata WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading metadata key %q: %w", key, err)
	}
	return value, true, nil
}

// Upsert writes value under key, inserting or replacing atomically.
func (s *Postgres) Upsert(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_metadata (key, value, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = now()`,
		key, value)
	if err != nil {
		return fmt.Errorf("upserting metadata key %q: %w", key, err)
	}
	return nil
}

// RecordRun appends one run to the history.
func (s *Postgres) RecordRun(ctx context.Context, rec pipeline.RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (run_id, started_at, finished_at, outcome, rows_loaded, error)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.StartedAt, rec.FinishedAt, rec.Outcome, rec.Rows, rec.Error)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", rec.ID, err)
	}
	return nil
}

// RecentRuns returns up to limit history entries, newest first.
func (s *Postgres) RecentRuns(ctx context.Context, limit int) ([]pipeline.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, started_at, finished_at, outcome, rows_loaded, error
		 FROM sync_runs ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var records []pipeline.RunRecord
	for rows.Next() {
		var rec pipeline.RunRecord
		if err := rows.Scan(&rec.ID, &rec.StartedAt, &rec.FinishedAt, &rec.Outcome, &rec.Rows, &rec.Error); err != nil {
			return nil, fmt.Errorf("scanning run record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return records, nil
}

// Close releases the connection pool when this store owns it.
func (s *Postgres) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
