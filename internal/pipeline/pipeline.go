// Package pipeline defines the contracts between the stages of the
// registry synchronization pipeline.
//
// The pipeline turns a remote archive snapshot into the contents of a
// relational table, touching each stage at most once per run:
//
//	Upstream ──HEAD──> freshness decision
//	Upstream ──GET───> ArchiveCache ──> Converter ──> Loader ──> table
//	                                                    │
//	                                 MetadataStore <── watermark
//
// Each stage is an interface so the coordinator can be exercised with
// test doubles, and so alternative backends (a different destination,
// a different metadata store) can be swapped in without touching the
// sequencing logic.
//
// # Implementations
//
//   - internal/upstream: HTTP client for the remote archive endpoint
//   - internal/archive: local archive cache with integrity checking
//   - internal/convert: external conversion tool adapter
//   - internal/loader: Postgres schema-aware loader
//   - internal/metadata: Postgres and SQLite watermark stores
package pipeline

import (
	"context"
	"io"
	"time"
)

// WatermarkKey is the metadata-store key holding the last successfully
// synchronized remote modification timestamp, stored as an RFC 1123
// GMT string exactly as reported by the remote endpoint.
const WatermarkKey = "last_modified"

// CacheState describes the condition of the local archive copy.
type CacheState string

const (
	// CacheAbsent means no local archive file exists.
	CacheAbsent CacheState = "absent"

	// CacheInvalid means a file exists but is empty or fails the
	// container self-test. It must never be handed to the converter.
	CacheInvalid CacheState = "invalid"

	// CacheValid means the archive exists and passed the self-test.
	CacheValid CacheState = "valid"
)

// String returns the string representation of the cache state.
func (s CacheState) String() string {
	return string(s)
}

// DriftPolicy selects how the loader reacts when the export's column
// set does not match the destination table's column set.
type DriftPolicy string

const (
	// DriftAbort fails the load without touching the destination.
	// This is the default: silently dropping unmatched columns loses
	// data without anyone noticing.
	DriftAbort DriftPolicy = "abort"

	// DriftIntersect proceeds using only the columns present on both
	// sides. The drift is still reported on the LoadResult.
	DriftIntersect DriftPolicy = "intersect"

	// DriftWarn behaves like DriftIntersect but logs the mismatch at
	// error level so it surfaces in alerting.
	DriftWarn DriftPolicy = "warn"
)

// String returns the string representation of the drift policy.
func (p DriftPolicy) String() string {
	return string(p)
}

// Stamp is a remote modification timestamp: the parsed calendar time
// used for freshness comparison, plus the verbatim header value it was
// parsed from. The raw form is what gets persisted as the watermark, so
// a stored watermark always matches the remote's reported value exactly.
type Stamp struct {
	Time time.Time
	Raw  string
}

// Upstream is the remote archive endpoint.
//
// LastModified issues a metadata probe (HTTP HEAD) and returns the
// remote's reported modification time. Download streams the archive
// body into w without buffering it in memory.
type Upstream interface {
	// LastModified returns the remote snapshot's modification time.
	//
	// Returns ErrFetch for transport failures or non-success status,
	// and ErrMetadata when the response carries no parseable
	// modification timestamp.
	LastModified(ctx context.Context) (Stamp, error)

	// Download streams the archive body into w and returns the number
	// of bytes written. Returns ErrFetch on transport failure or
	// non-success status.
	Download(ctx context.Context, w io.Writer) (int64, error)

	// URL returns the endpoint being synchronized, for logging.
	URL() string
}

// ArchiveCache owns the single local copy of the remote archive.
//
// The cache is a three-state machine (absent, invalid, valid). Ensure
// moves it to valid or fails; it never leaves a partially written file
// visible under the archive path. A downloaded archive carries its
// snapshot's remote modification time as the file's mtime, so the cache
// can tell a current copy from a structurally valid but outdated one.
type ArchiveCache interface {
	// Ensure returns the path to a validated local archive matching
	// the remote snapshot described by remote. The cached copy is
	// reused only when it passes the integrity check and its recorded
	// modification time is not older than remote.Time; otherwise the
	// archive is re-fetched. Returns ErrFetch when the fetch fails or
	// the fetched file still does not validate.
	Ensure(ctx context.Context, remote Stamp) (string, error)

	// State re-inspects the local file and reports its condition.
	State() CacheState

	// Path returns the archive's location on disk, whether or not a
	// file currently exists there.
	Path() string
}

// Converter turns a validated archive into a tabular export file.
//
// The conversion itself is an external collaborator invoked in two
// stages; only the exit status of each stage is interpreted. A failed
// conversion never leaves a stale export behind.
type Converter interface {
	// Convert runs the conversion stages against archivePath and
	// returns the path of the produced export. Returns ErrConversion
	// when either stage fails.
	Convert(ctx context.Context, archivePath string) (string, error)
}

// Loader replaces the destination table's contents with the rows of a
// tabular export.
//
// The replace is atomic: on any failure the destination is left
// exactly as it was before the call.
type Loader interface {
	// Load parses the export, checks its column set against the live
	// destination schema, and performs a transactional
	// truncate-and-insert. Returns ErrParse, ErrSchemaDrift or
	// ErrLoad; on error the destination is unchanged.
	Load(ctx context.Context, exportPath string) (LoadResult, error)
}

// LoadResult reports what a successful load did.
type LoadResult struct {
	// Rows is the number of rows inserted.
	Rows int

	// Columns are the destination columns that received values, in
	// insert order.
	Columns []string

	// Drift is non-nil when a column-set mismatch was detected but
	// the configured policy allowed the load to proceed.
	Drift *SchemaDriftError

	// Elapsed is the wall-clock duration of the load.
	Elapsed time.Duration
}

// MetadataStore persists the synchronization watermark and the run
// history. Implementations must make Upsert atomic per key so the
// watermark can never hold a torn value.
type MetadataStore interface {
	// Get returns the value stored under key. The second return is
	// false when the key has never been written.
	Get(ctx context.Context, key string) (string, bool, error)

	// Upsert writes value under key, inserting or replacing.
	Upsert(ctx context.Context, key, value string) error

	// RecordRun appends one run to the history. History is advisory:
	// it never participates in the freshness decision.
	RecordRun(ctx context.Context, rec RunRecord) error

	// RecentRuns returns up to limit history entries, newest first.
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)

	// Close releases the underlying connection resources.
	Close() error
}

// RunRecord is one entry in the synchronization run history.
type RunRecord struct {
	// ID is the run's identifier (a UUID assigned by the coordinator).
	ID string

	// StartedAt and FinishedAt bound the run.
	StartedAt  time.Time
	FinishedAt time.Time

	// Outcome is the run's terminal state ("up_to_date", "refreshed"
	// or "failed").
	Outcome string

	// Rows is the number of rows loaded into the destination; zero
	// when the run never reached the load stage.
	Rows int

	// Error holds the failure text for failed runs, empty otherwise.
	Error string
}
