package indexstore

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/lexidb/lexid/internal/kv"
	"github.com/lexidb/lexid/internal/meilierr"
)

// Store manages the set of open indexes under a data directory, one
// subdirectory (and one kv.Env) per index uid. Index creation/deletion is
// itself driven by scheduler tasks (IndexCreation/IndexDeletion), so this
// type's mutating methods are only ever called from within a batch's write
// path.
type Store struct {
	dataDir string
	opts    kv.Options

	mu      sync.RWMutex
	indexes map[string]*Index
}

// OpenStore scans dataDir for existing index subdirectories and opens each one.
func OpenStore(dataDir string, opts kv.Options) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}

	s := &Store{dataDir: dataDir, opts: opts, indexes: map[string]*Index{}}

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		uid := e.Name()
		idx, err := Open(uid, s.dataFile(uid), opts)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.indexes[uid] = idx
	}
	return s, nil
}

func (s *Store) pathFor(uid string) string {
	return filepath.Join(s.dataDir, uid)
}

func (s *Store) dataFile(uid string) string {
	return filepath.Join(s.pathFor(uid), "data.bbolt")
}

// Get returns the open index for uid, or (nil, false) if it does not exist.
func (s *Store) Get(uid string) (*Index, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.indexes[uid]
	return idx, ok
}

// List returns every open index uid.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.indexes))
	for uid := range s.indexes {
		out = append(out, uid)
	}
	return out
}

// Create opens a brand-new index directory for uid. Returns
// meilierr.CodeIndexAlreadyExists if uid is already open.
func (s *Store) Create(uid string) (*Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.indexes[uid]; ok {
		return nil, meilierr.New(meilierr.CodeIndexAlreadyExists, "index already exists: "+uid, nil)
	}

	idx, err := Open(uid, s.dataFile(uid), s.opts)
	if err != nil {
		return nil, err
	}
	s.indexes[uid] = idx
	return idx, nil
}

// Delete closes and removes uid's on-disk directory entirely.
func (s *Store) Delete(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.indexes[uid]
	if !ok {
		return meilierr.New(meilierr.CodeIndexNotFound, "index not found: "+uid, nil)
	}
	if err := idx.Close(); err != nil {
		return meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}
	delete(s.indexes, uid)
	return os.RemoveAll(s.pathFor(uid))
}

// Rename swaps the in-memory registration of two indexes in place
// (IndexSwap), without moving any on-disk data: the directories keep their
// original names, only the in-memory uid->Index association changes, so the
// physical swap is O(1) regardless of index size.
func (s *Store) Rename(a, b string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idxA, ok := s.indexes[a]
	if !ok {
		return meilierr.New(meilierr.CodeIndexNotFound, "index not found: "+a, nil)
	}
	idxB, ok := s.indexes[b]
	if !ok {
		return meilierr.New(meilierr.CodeIndexNotFound, "index not found: "+b, nil)
	}
	idxA.Uid, idxB.Uid = b, a
	s.indexes[a], s.indexes[b] = idxB, idxA
	return nil
}

// Close closes every open index.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, idx := range s.indexes {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
