// Package sync provides the coordinator that keeps the destination
// table synchronized with the remote registry archive.
//
// Overview
//
// The sync package implements the decision engine of the pipeline. It
// probes the remote endpoint for its modification timestamp, compares
// it against the persisted watermark and the local archive's condition,
// and either stops (the destination is already current) or drives the
// full refresh chain.
//
// Architecture
//
// One run walks the stages in order and stops at the first failure:
//
//	Remote endpoint ──HEAD──> freshness decision ──up to date──> done
//	                                │
//	                          refresh needed
//	                                ↓
//	                          ArchiveCache.Ensure   (GET on miss)
//	                                ↓
//	                          Converter.Convert     (two-stage tool)
//	                                ↓
//	                          Loader.Load           (transactional)
//	                                ↓
//	                          MetadataStore.Upsert  (watermark)
//
// Usage
//
// Basic usage:
//
//	coordinator := sync.New(sync.Config{
//	    Upstream:  upstreamClient,
//	    Cache:     archiveCache,
//	    Converter: converter,
//	    Loader:    loader,
//	    Metadata:  store,
//	})
//
//	result, err := coordinator.Run(ctx)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(result.Outcome)
//
// Error Handling
//
// The coordinator never retries and never downgrades a failure:
//
//   - The first stage error aborts the run and is returned unwrapped
//     enough for errors.Is to match the pipeline sentinels
//   - The watermark is written only after a fully successful load, so
//     a failed run retries from the same baseline
//   - Run history recording is advisory and cannot fail a run
//
// Concurrency
//
// A coordinator must not run concurrently with itself: two runs would
// race on the shared archive file and on the destination table's
// truncate-and-insert window. Callers serialize invocations; the daemon
// does this with a mutex around its trigger paths.
package sync
