// Package metadata persists the synchronization watermark and the run
// history.
//
// The watermark is a single key/value pair: the remote snapshot's
// Last-Modified string under the key "last_modified". It is read at
// the start of every run and upserted only after a fully successful
// one, so a failed run retries from the same baseline.
//
// Two backends are provided:
//
//   - Postgres: lives alongside the destination table, the default
//   - SQLite: a local file, for deployments where the destination
//     database is not writable for bookkeeping
//
// Both create their schema on open and are safe to reopen.
package metadata
