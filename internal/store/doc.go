// Package store exports finished reports to SQLite.
//
// A run is written once, in a single transaction:
//   - runs: one row per run, with the canonical report JSON
//   - implementations: one row per implementation, with its status and counts
//   - cells: one row per (case, implementation, test)
//
// Rows are keyed by the run ID, so several runs can share one database file
// and be compared with plain SQL.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait up to 5s for locks
//   - foreign_keys=ON: Enforce referential integrity
package store
