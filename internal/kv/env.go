// Package kv wraps go.etcd.io/bbolt as the single-writer, MVCC copy-on-write
// store backing every index (documents, word postings and facet values live
// in named buckets inside one bbolt file per index) and the task queue, which
// has a bbolt file of its own.
package kv

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/meilierr"
)

// Options configures an Env.
type Options struct {
	// MaxMapSizeMB bounds the backing file's maximum growth.
	MaxMapSizeMB int
	// ReadOnly opens the file read-only under a shared file lock and skips
	// bucket creation.
	ReadOnly bool
	// OpenTimeout bounds how long Open waits on another process's file lock.
	OpenTimeout time.Duration
}

// DefaultOptions returns sensible defaults for a 4GB index.
func DefaultOptions() Options {
	return Options{
		MaxMapSizeMB: 4096,
		OpenTimeout:  2 * time.Second,
	}
}

// Env is a single bbolt database file with a fixed set of top-level buckets.
// Every mutation goes through exactly one writer (the scheduler); readers use
// independent snapshot transactions that never block the writer, matching
// bbolt's single-writer/many-reader MVCC model.
type Env struct {
	db   *bbolt.DB
	path string
}

// Open opens (creating if necessary) the bbolt file at path, ensuring every
// bucket name in buckets exists.
func Open(path string, opts Options, buckets ...string) (*Env, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, meilierr.Wrap(meilierr.CodeKVStoreCorruption, fmt.Errorf("create data dir: %w", err))
	}

	db, err := bbolt.Open(path, 0o644, &bbolt.Options{
		Timeout:  opts.OpenTimeout,
		ReadOnly: opts.ReadOnly,
	})
	if err != nil {
		return nil, meilierr.Wrap(meilierr.CodeKVStoreCorruption, fmt.Errorf("open %s: %w", path, err))
	}

	if !opts.ReadOnly {
		err = db.Update(func(tx *bbolt.Tx) error {
			for _, name := range buckets {
				if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			_ = db.Close()
			return nil, meilierr.Wrap(meilierr.CodeKVStoreCorruption, fmt.Errorf("init buckets: %w", err))
		}
	}

	return &Env{db: db, path: path}, nil
}

// Close releases the file lock.
func (e *Env) Close() error {
	return e.db.Close()
}

// Path returns the backing file path.
func (e *Env) Path() string {
	return e.path
}

// View runs fn in a read-only snapshot transaction. Readers never block the
// writer and never observe a partially-committed batch.
func (e *Env) View(fn func(*bbolt.Tx) error) error {
	return e.db.View(fn)
}

// Update runs fn in the single read-write transaction, committing atomically
// on success and rolling back entirely on error or panic. Every batch commit
// in the scheduler goes through exactly one Update call.
func (e *Env) Update(fn func(*bbolt.Tx) error) error {
	return e.db.Update(fn)
}

// Snapshot runs w in a read-only transaction, giving it a consistent
// point-in-time view of the entire database; the global processor reads
// indexes through it.
func (e *Env) Snapshot(w func(*bbolt.Tx) error) error {
	return e.db.View(w)
}

// Stats returns bbolt's size/usage statistics for the database.
func (e *Env) Stats() bbolt.Stats {
	return e.db.Stats()
}
