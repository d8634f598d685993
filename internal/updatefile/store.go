// Package updatefile stores the raw NDJSON payload of a document-addition
// task on disk, keyed by a uuid so the task queue itself only ever carries a
// small reference instead of the full payload. The scheduler streams an
// update file once, at batch-processing time, instead of holding every
// pending task's documents in memory.
package updatefile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/lexidb/lexid/internal/meilierr"
)

// Store is a directory of update files named by random uuid, one per
// document-addition or document-edit task.
type Store struct {
	dir string
}

// Open returns a Store rooted at dir, creating it if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, meilierr.Wrap(meilierr.CodeKVStoreCorruption, fmt.Errorf("create update-file dir: %w", err))
	}
	return &Store{dir: dir}, nil
}

// New allocates a fresh update file with a random uuid and returns a writer
// for its NDJSON body plus the id to record on the owning task.
func (s *Store) New() (uuid.UUID, io.WriteCloser, error) {
	id := uuid.New()
	f, err := os.Create(s.path(id))
	if err != nil {
		return uuid.Nil, nil, meilierr.Wrap(meilierr.CodeKVStoreCorruption, fmt.Errorf("create update file: %w", err))
	}
	return id, f, nil
}

// Open returns a reader for the update file content of id.
func (s *Store) Open(id uuid.UUID) (io.ReadCloser, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, meilierr.New(meilierr.CodeUnexpectedState, fmt.Sprintf("update file %s missing", id), err)
		}
		return nil, meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}
	return f, nil
}

// Delete removes the update file for id once its owning task has been
// committed into the index and no replay of it is ever needed again.
func (s *Store) Delete(id uuid.UUID) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return meilierr.Wrap(meilierr.CodeKVStoreCorruption, fmt.Errorf("delete update file %s: %w", id, err))
	}
	return nil
}

// Size returns the size in bytes of the update file for id.
func (s *Store) Size(id uuid.UUID) (int64, error) {
	info, err := os.Stat(s.path(id))
	if err != nil {
		return 0, meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}
	return info.Size(), nil
}

func (s *Store) path(id uuid.UUID) string {
	return filepath.Join(s.dir, id.String()+".ndjson")
}
