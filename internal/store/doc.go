// Package store owns the single SQLite handle a broker serves.
//
// # The broker lock
//
// Owner wraps one database connection, opened once at broker startup and
// never reopened, with a mutex around every query. At most one query executes
// at any instant no matter how many channels are connected; this is the only
// synchronization the underlying engine ever sees. Across channels the lock
// guarantees mutual exclusion, not FIFO fairness.
//
// # Pass-through semantics
//
// Execute hands the query text and parameters to the engine untouched: no
// rewriting, no validation, no caching. Correctness of the query is entirely
// the caller's responsibility, matching direct embedded-database access.
// Engine errors propagate unchanged.
//
// # SQLite configuration
//
// The owner uses modernc.org/sqlite with WAL mode:
//
//	PRAGMA journal_mode=WAL
//
// Results come back in the wire value model (nil, bool, int64, float64,
// string, []byte and sequences of those). SQLite has no boolean column type,
// so booleans sent as parameters return as integers; time.Time columns are
// rendered as RFC 3339 text.
//
// The handle is pinned to a single connection for the owner's lifetime. This
// also makes ":memory:" behave as one shared database across all sessions
// instead of a fresh empty database per pooled connection.
package store
