package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Open returns a Database for the named backend ("memory", "leveldb" or "bolt").
// File-backed backends live under dir.
func Open(backend, dir string) (Database, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "memory":
		return NewMemDB(), nil
	case "leveldb":
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("storage: create dir: %w", err)
		}
		return NewLevelDB(filepath.Join(dir, "session.ldb"))
	case "bolt", "bbolt":
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("storage: create dir: %w", err)
		}
		return NewBoltDB(filepath.Join(dir, "session.db"), nil)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
}
