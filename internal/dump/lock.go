package dump

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/lexidb/lexid/internal/meilierr"
)

// DirLock is an on-disk advisory lock on a data directory: only one holder
// at a time per data directory. CreateDump, ImportDump and the scheduler's
// dump and snapshot batches do not acquire it themselves; the scheduler
// already runs one batch at a time.
type DirLock struct {
	path string
	fl   *flock.Flock
}

// NewDirLock creates a lock for dataDir. The lock file lives at
// <dataDir>/.dump.lock and is never removed; only its advisory lock state
// matters.
func NewDirLock(dataDir string) *DirLock {
	path := filepath.Join(dataDir, ".dump.lock")
	return &DirLock{path: path, fl: flock.New(path)}
}

// TryLock attempts to acquire the lock without blocking. ok is false if
// another process already holds it.
func (l *DirLock) TryLock() (ok bool, err error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}
	ok, err = l.fl.TryLock()
	if err != nil {
		return false, meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}
	return ok, nil
}

// Unlock releases the lock. Safe to call even if TryLock was never called
// or failed.
func (l *DirLock) Unlock() error {
	return l.fl.Unlock()
}
