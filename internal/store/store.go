package store

import (
	"fmt"
	"os"
)

// EnsureDir creates dir (and parents) with owner-only permissions if it
// does not already exist, so every FileStore constructor can assume its
// root directory is writable.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("store: ensure dir %s: %w", dir, err)
	}
	return nil
}
