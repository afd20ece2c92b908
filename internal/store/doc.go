// Package store provides the SQLite-backed Mapper through which fragments,
// cluster node state and document locks reach the backing store.
//
// A DB owns the connection pool; each Mapper owns at most one physical
// connection (a *sql.Conn) at a time and is NOT safe for concurrent use. The
// isolation package confines every Mapper to a single goroutine.
//
// # Tables
//
//   - cluster_nodes: one row per live cluster node
//   - cluster_invals: invalidation log, one entry per target node
//   - locks: one row per locked document (absence means unlocked)
//   - id_sequence: counter backing the "sequence" id type
//
// Fragment tables are addressed by name and created by the schema layer.
// Table and column names are validated as plain identifiers before they are
// interpolated into SQL.
//
// # Database Configuration
//
// Per-connection settings are passed in the DSN so every pooled connection
// gets them:
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
//   - BEGIN IMMEDIATE: write conflicts surface when a transaction starts
//
// # Errors
//
// Every failure is returned as a *Error carrying a Code. The Mapper never
// retries; IsRetryable tells callers which failures are worth another
// attempt.
package store
