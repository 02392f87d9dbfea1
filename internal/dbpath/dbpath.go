// ABOUTME: Canonicalization of database identities shared by clients and brokers
// ABOUTME: Absolute lexical paths, with the in-memory marker passed through

package dbpath

import (
	"fmt"
	"path/filepath"
)

// Memory is the identity of the shared in-memory database.
const Memory = ":memory:"

// Canonical returns the canonical identity for a database path: the cleaned
// absolute path, or the in-memory marker unchanged. Both sides of the protocol
// canonicalize so that identity comparison is independent of working
// directories. Symlinks are not resolved; the database file may not exist yet.
func Canonical(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("database path is empty")
	}
	if path == Memory {
		return Memory, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving database path %q: %w", path, err)
	}
	return filepath.Clean(abs), nil
}

// IsMemory reports whether identity names the in-memory database.
func IsMemory(identity string) bool {
	return identity == Memory
}
