package store

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// withLock acquires a blocking exclusive advisory lock on
// locks/<name>.lock, runs fn, and releases the lock before returning. It
// generalizes the single whole-process instance guard in
// internal/health/flock.go into one lock file per named collection, using
// a blocking LOCK_EX instead of LOCK_EX|LOCK_NB since callers here want to
// wait their turn rather than fail fast.
func (s *JSONStore) withLock(name string, fn func() error) error {
	path := filepath.Join(s.locksDir, name+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("lock: open %s: %w", path, err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock: flock %s: %w", path, err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	return fn()
}
