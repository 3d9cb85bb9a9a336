package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Failure kinds surfaced by the pipeline stages.
//
// Stages wrap these sentinels with fmt.Errorf("...: %w", ...) so a
// caller can classify any error in the chain:
//
//	if errors.Is(err, pipeline.ErrSchemaDrift) {
//	    // destination schema no longer matches the export
//	}
var (
	// ErrFetch is returned when the archive body cannot be retrieved:
	// transport failure, non-success status, a write failure while
	// persisting the stream, or a fetched file that fails validation.
	ErrFetch = errors.New("archive fetch failed")

	// ErrMetadata is returned when the remote endpoint does not report
	// a parseable modification timestamp, leaving the freshness
	// decision without an input.
	ErrMetadata = errors.New("remote modification time unavailable")

	// ErrConversion is returned when either stage of the external
	// conversion collaborator exits unsuccessfully.
	ErrConversion = errors.New("conversion failed")

	// ErrParse is returned when the tabular export cannot be read as
	// header-plus-rows.
	ErrParse = errors.New("tabular export malformed")

	// ErrSchemaDrift is returned when the export's column set differs
	// from the destination table's column set and the configured
	// policy does not permit the load to proceed.
	ErrSchemaDrift = errors.New("schema drift detected")

	// ErrLoad is returned when the destination rejects the replace:
	// the transaction, the truncate, or any row insert failed.
	ErrLoad = errors.New("destination load failed")
)

// Kind maps an error chain to a stable label suitable for metrics and
// log fields. Returns "" for nil and "internal" for errors outside the
// pipeline's failure kinds.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrFetch):
		return "fetch"
	case errors.Is(err, ErrMetadata):
		return "metadata"
	case errors.Is(err, ErrConversion):
		return "conversion"
	case errors.Is(err, ErrSchemaDrift):
		return "schema_drift"
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, ErrLoad):
		return "load"
	default:
		return "internal"
	}
}

// SchemaDriftError describes a mismatch between the export's column
// set and the destination table's column set. Both sets travel with
// the error so operators can see exactly what moved.
type SchemaDriftError struct {
	// ExportColumns is the sorted column set of the tabular export.
	ExportColumns []string

	// TableColumns is the sorted column set of the destination table.
	TableColumns []string
}

// NewSchemaDriftError builds a SchemaDriftError from the two column
// sets. Both are copied and sorted.
func NewSchemaDriftError(exportColumns, tableColumns []string) *SchemaDriftError {
	return &SchemaDriftError{
		ExportColumns: sortedCopy(exportColumns),
		TableColumns:  sortedCopy(tableColumns),
	}
}

// Error renders the mismatch with both partitions spelled out.
func (e *SchemaDriftError) Error() string {
	var b strings.Builder
	b.WriteString("schema drift detected")
	if missing := e.Missing(); len(missing) > 0 {
		fmt.Fprintf(&b, ": table columns missing from export: %s", strings.Join(missing, ", "))
	}
	if extra := e.Extra(); len(extra) > 0 {
		fmt.Fprintf(&b, ": export columns missing from table: %s", strings.Join(extra, ", "))
	}
	return b.String()
}

// Is reports ErrSchemaDrift so errors.Is works across the wrap chain.
func (e *SchemaDriftError) Is(target error) bool {
	return target == ErrSchemaDrift
}

// Missing returns the destination columns absent from the export.
func (e *SchemaDriftError) Missing() []string {
	return difference(e.TableColumns, e.ExportColumns)
}

// Extra returns the export columns absent from the destination.
func (e *SchemaDriftError) Extra() []string {
	return difference(e.ExportColumns, e.TableColumns)
}

// Intersection returns the columns present on both sides, sorted.
func (e *SchemaDriftError) Intersection() []string {
	member := make(map[string]bool, len(e.TableColumns))
	for _, c := range e.TableColumns {
		member[c] = true
	}
	var out []string
	for _, c := range e.ExportColumns {
		if member[c] {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// AsSchemaDrift extracts the typed drift error from an error chain.
func AsSchemaDrift(err error) (*SchemaDriftError, bool) {
	var drift *SchemaDriftError
	if errors.As(err, &drift) {
		return drift, true
	}
	return nil, false
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

func difference(a, b []string) []string {
	member := make(map[string]bool, len(b))
	for _, c := range b {
		member[c] = true
	}
	var out []string
	for _, c := range a {
		if !member[c] {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}
