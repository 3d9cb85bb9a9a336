// Package loader implements the schema-aware destination loader: it
// parses a tabular export, compares its column set against the live
// destination table, and replaces the table's contents in a single
// transaction.
package loader

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/export"
	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/pipeline"
)

// Config configures the destination.
type Config struct {
	// Table is the destination table name (required).
	Table string

	// Schema is the destination schema. Empty selects "public".
	Schema string

	// Policy selects the drift reaction. Empty selects DriftAbort.
	Policy pipeline.DriftPolicy
}

// Postgres loads exports into a Postgres table. It implements
// pipeline.Loader.
type Postgres struct {
	db     *sql.DB
	table  string
	schema string
	policy pipeline.DriftPolicy
	logger *logrus.Logger
}

// New creates a loader on an existing connection pool. The pool is
// shared with the caller and never closed by the loader.
func New(db *sql.DB, cfg Config, logger *logrus.Logger) *Postgres {
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.Policy == "" {
		cfg.Policy = pipeline.DriftAbort
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Postgres{
		db:     db,
		table:  cfg.Table,
		schema: cfg.Schema,
		policy: cfg.Policy,
		logger: logger,
	}
}

// OpenDB opens and verifies a Postgres connection pool for the
// destination database.
func OpenDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening destination database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to destination database: %w", err)
	}
	return db, nil
}

// Load replaces the destination table's contents with the rows of the
// export at exportPath.
//
// The export is parsed and validated completely before the first
// statement touches the destination, so a malformed file can never
// leave the table half-replaced. The truncate and every insert run in
// one transaction that is rolled back on any failure.
func (l *Postgres) Load(ctx context.Context, exportPath string) (pipeline.LoadResult, error) {
	start := time.Now()

	doc, err := export.ReadFile(exportPath)
	if err != nil {
		return pipeline.LoadResult{}, err
	}

	tableColumns, err := l.tableColumns(ctx)
	if err != nil {
		return pipeline.LoadResult{}, err
	}

	insertColumns := doc.Columns
	var drift *pipeline.SchemaDriftError
	if !sameColumnSet(doc.Columns, tableColumns) {
		drift = pipeline.NewSchemaDriftError(doc.Columns, tableColumns)
		fields := logrus.Fields{
			"table":          l.qualifiedTable(),
			"export_columns": drift.ExportColumns,
			"table_columns":  drift.TableColumns,
		}

		switch l.policy {
		case pipeline.DriftIntersect:
			l.logger.WithFields(fields).Warn("schema drift detected, loading intersection columns")
		case pipeline.DriftWarn:
			l.logger.WithFields(fields).Error("schema drift detected, loading intersection columns")
		default:
			l.logger.WithFields(fields).Error("schema drift detected, aborting load")
			return pipeline.LoadResult{}, fmt.Errorf("loading %s: %w", l.qualifiedTable(), drift)
		}

		insertColumns = intersectInOrder(doc.Columns, tableColumns)
		if len(insertColumns) == 0 {
			return pipeline.LoadResult{}, fmt.Errorf("loading %s: no columns in common: %w", l.qualifiedTable(), drift)
		}
	}

	if err := l.replace(ctx, doc, insertColumns); err != nil {
		return pipeline.LoadResult{}, err
	}

	result := pipeline.LoadResult{
		Rows:    len(doc.Records),
		Columns: insertColumns,
		Drift:   drift,
		Elapsed: time.Since(start),
	}

	l.logger.WithFields(logrus.Fields{
		"table":   l.qualifiedTable(),
		"rows":    result.Rows,
		"elapsed": result.Elapsed.Round(time.Millisecond),
	}).Info("destination replaced")

	return result, nil
}

// replace performs the transactional truncate-and-insert. Values are
// bound by column name so the export's column order never matters.
func (l *Postgres) replace(ctx context.Context, doc *export.Document, columns []string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %v", pipeline.ErrLoad, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "TRUNCATE TABLE "+l.qualifiedTable()); err != nil {
		return fmt.Errorf("%w: truncating %s: %v", pipeline.ErrLoad, l.qualifiedTable(), err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyInSchema(l.schema, l.table, columns...))
	if err != nil {
		return fmt.Errorf("%w: preparing bulk insert: %v", pipeline.ErrLoad, err)
	}

	args := make([]any, len(columns))
	for i, rec := range doc.Records {
		for j, col := range columns {
			args[j] = rec[col]
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			stmt.Close()
			return fmt.Errorf("%w: inserting row %d of %d: %v", pipeline.ErrLoad, i+1, len(doc.Records), err)
		}
	}

	// A final Exec with no arguments flushes the bulk insert buffer.
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("%w: flushing bulk insert: %v", pipeline.ErrLoad, err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("%w: closing bulk insert: %v", pipeline.ErrLoad, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing: %v", pipeline.ErrLoad, err)
	}
	return nil
}

// tableColumns reads the destination's live column set.
func (l *Postgres) tableColumns(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = $1 AND table_name = $2
		 ORDER BY ordinal_position`,
		l.schema, l.table)
	if err != nil {
		return nil, fmt.Errorf("%w: introspecting %s: %v", pipeline.ErrLoad, l.qualifiedTable(), err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("%w: scanning column name: %v", pipeline.ErrLoad, err)
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: introspecting %s: %v", pipeline.ErrLoad, l.qualifiedTable(), err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: destination table %s does not exist", pipeline.ErrLoad, l.qualifiedTable())
	}
	return columns, nil
}

func (l *Postgres) qualifiedTable() string {
	return pq.QuoteIdentifier(l.schema) + "." + pq.QuoteIdentifier(l.table)
}

// sameColumnSet compares the two column lists as sets.
func sameColumnSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	member := make(map[string]bool, len(a))
	for _, c := range a {
		member[c] = true
	}
	for _, c := range b {
		if !member[c] {
			return false
		}
	}
	return true
}

// intersectInOrder returns the members of ordered that also appear in
// other, preserving ordered's order.
func intersectInOrder(ordered, other []string) []string {
	member := make(map[string]bool, len(other))
	for _, c := range other {
		member[c] = true
	}
	var out []string
	for _, c := range ordered {
		if member[c] {
			out = append(out, c)
		}
	}
	return out
}
