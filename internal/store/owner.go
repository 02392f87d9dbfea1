// ABOUTME: Database owner holding a broker's single exclusive SQLite handle
// ABOUTME: Serializes all access through one lock and one pinned connection

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/2389/seance/internal/dbpath"
	"github.com/2389/seance/internal/wire"
)

// Owner holds the one database handle a broker serves. All queries run under
// its lock, so at most one executes at any instant regardless of how many
// channels are connected.
type Owner struct {
	identity string
	db       *sql.DB
	conn     *sql.Conn
	mu       sync.Mutex
	logger   *slog.Logger
}

// Open opens the database for the given canonical identity. Parent
// directories are created for file-backed databases. The connection is pinned
// for the owner's lifetime and never reopened; for ":memory:" this is what
// makes every session see the same database rather than a fresh empty one.
func Open(identity string, logger *slog.Logger) (*Owner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if !dbpath.IsMemory(identity) {
		dir := filepath.Dir(identity)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", identity)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("acquiring database connection: %w", err)
	}

	// Enable WAL mode for better concurrent read performance. ":memory:"
	// ignores the pragma, which is fine.
	if _, err := conn.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	o := &Owner{
		identity: identity,
		db:       db,
		conn:     conn,
		logger:   logger,
	}

	logger.Info("database opened", "identity", identity)
	return o, nil
}

// Identity returns the canonical database identity this owner was opened
// for. It never changes over the owner's lifetime.
func (o *Owner) Identity() string {
	return o.identity
}

// Execute runs one query under the broker lock and returns every result row
// in the wire value model. Statements that return no rows (INSERT, CREATE,
// ...) yield a nil row set. The query and parameters reach the engine
// untouched, and engine errors propagate unchanged.
func (o *Owner) Execute(ctx context.Context, query string, params []any) ([][]any, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rows, err := o.conn.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading result columns: %w", err)
	}

	var result [][]any
	for rows.Next() {
		scanned := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range scanned {
			ptrs[i] = &scanned[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}

		row := make([]any, len(cols))
		for i, v := range scanned {
			nv, err := wire.Normalize(v)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", cols[i], err)
			}
			row[i] = nv
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// Close releases the pinned connection and the database handle.
func (o *Owner) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.logger.Info("closing database", "identity", o.identity)
	if err := o.conn.Close(); err != nil {
		o.db.Close()
		return fmt.Errorf("releasing database connection: %w", err)
	}
	return o.db.Close()
}
