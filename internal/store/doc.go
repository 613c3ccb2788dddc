// Package store owns all durable state: file records, run history,
// and the append-only failure log, kept in a single SQLite database.
//
// Every other component reads through the store's query methods and
// writes through its update methods; nothing else touches stored
// state. File records are keyed by canonical path and upserted in
// place - normal operation never deletes one, which is what preserves
// processing history across re-runs.
//
// Concurrency model: WAL mode allows concurrent readers while the
// connection pool is capped at one writer, so concurrent workers'
// updates to the same path serialize at the store. ClaimProcessing is
// the per-path mutual exclusion point; MarkDuplicate re-checks its
// canonical target inside a transaction so a duplicate can never be
// anchored to a conversion that has not actually succeeded.
package store
