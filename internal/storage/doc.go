// Package storage is the durable record of newsletter jobs and their
// per-recipient delivery attempts.
//
// It is the only component with transactional semantics: the
// pending -> running transition is a compare-and-swap that succeeds for
// exactly one caller, which is what makes dispatch at-most-once across
// racing schedulers.
//
// Drivers:
//   - "memory": process-local maps (tests, single-node dry runs)
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
package storage
