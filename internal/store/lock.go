package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// CollectionLock is a cross-process writer lock on <dir>/.lock. The store
// holds it from the freshness check before a mutation until both files are
// rewritten, so two supportbuddy processes never interleave a
// read-modify-rewrite cycle.
type CollectionLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewCollectionLock creates a lock for the collection directory dir.
func NewCollectionLock(dir string) *CollectionLock {
	path := filepath.Join(dir, lockFileName)
	return &CollectionLock{
		path:  path,
		flock: flock.New(path),
	}
}

// Lock blocks until the exclusive lock is acquired.
func (l *CollectionLock) Lock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	if err := l.flock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire collection lock: %w", err)
	}
	l.locked = true
	return nil
}

// Unlock releases the lock. Unlocking an unlocked lock is a no-op.
func (l *CollectionLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release collection lock: %w", err)
	}
	return nil
}
