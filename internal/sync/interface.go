package sync

import (
	"context"
	"time"

	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/pipeline"
)

// Outcome is the terminal state of a sync run.
type Outcome string

const (
	// OutcomeUpToDate means the destination already matched the remote
	// snapshot and no stage beyond the freshness probe ran.
	OutcomeUpToDate Outcome = "up_to_date"

	// OutcomeRefreshed means the full chain ran and the destination
	// table now holds the latest snapshot.
	OutcomeRefreshed Outcome = "refreshed"

	// OutcomeFailed means a stage failed and the run was aborted. The
	// watermark was not advanced.
	OutcomeFailed Outcome = "failed"
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	return string(o)
}

// Result describes what a sync run did.
type Result struct {
	// RunID identifies the run in logs and in the run history.
	RunID string

	// Outcome is the run's terminal state.
	Outcome Outcome

	// RemoteLastModified is the remote snapshot's modification time as
	// reported by the freshness probe. Zero when the probe itself
	// failed.
	RemoteLastModified time.Time

	// Rows is the number of rows loaded into the destination; zero for
	// runs that stopped before the load stage.
	Rows int

	// Drift is non-nil when the load detected a column-set mismatch
	// but the configured policy let it proceed.
	Drift *pipeline.SchemaDriftError

	// Elapsed is the wall-clock duration of the run.
	Elapsed time.Duration
}

// Freshness is the input and outcome of the refresh decision.
type Freshness struct {
	// Remote is the snapshot timestamp reported by the endpoint.
	Remote pipeline.Stamp

	// Stored is the persisted watermark value, verbatim. Empty when no
	// watermark has ever been written.
	Stored string

	// StoredTime is the parsed watermark. Only meaningful when
	// HaveStored is true.
	StoredTime time.Time

	// HaveStored is true when a watermark exists and parsed cleanly. A
	// stored value that cannot be parsed is treated as absent, since
	// it cannot prove freshness.
	HaveStored bool

	// ArchiveState is the local archive's condition at decision time.
	ArchiveState pipeline.CacheState

	// RefreshNeeded is the decision: true unless the watermark proves
	// the remote is not newer and the local archive is valid.
	RefreshNeeded bool
}

// Coordinator sequences one synchronization run end to end.
//
// The coordinator owns no state of its own: everything it decides on
// lives in the metadata store, the archive file, and the destination
// table, so runs are independently retryable. A failed run changes
// nothing except possibly healing the archive cache, and the next run
// starts from the same baseline.
type Coordinator interface {
	// Run executes one synchronization attempt.
	//
	// The stages run in order: freshness probe, archive ensure,
	// conversion, load, watermark write. Any stage failure aborts the
	// run, leaves the watermark untouched, and is returned with its
	// original kind intact so callers can classify it with errors.Is
	// against the pipeline sentinels.
	//
	// Run never retries internally. Invoking it again after an
	// upstream change was already synchronized is a cheap no-op: the
	// probe is a single HEAD request and the outcome is
	// OutcomeUpToDate.
	//
	// The returned Result is meaningful even when err is non-nil; its
	// Outcome is OutcomeFailed and its RunID matches the failure's
	// entry in the run history.
	Run(ctx context.Context) (Result, error)

	// Check evaluates the freshness decision without side effects.
	//
	// It issues the HEAD probe, reads the stored watermark, and
	// inspects the archive, but never downloads, converts, loads, or
	// writes. Useful for status displays and for operators deciding
	// whether a manual run is worthwhile.
	Check(ctx context.Context) (Freshness, error)
}
