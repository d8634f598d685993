package search

import (
	"bytes"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/blevesearch/vellum"
	"github.com/blevesearch/vellum/levenshtein"
	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/indexstore"
)

// wordFST is a sorted-FST snapshot of every distinct word in one index,
// used to resolve typo-tolerant candidates via a Levenshtein automaton
// (github.com/blevesearch/vellum, the FST library bleve itself builds its
// inverted-index term dictionaries on). The automaton walks the FST rather
// than scanning every stored word, so the cost of a typo query depends on
// the automaton's branching factor, not the vocabulary size.
type wordFST struct {
	fst       *vellum.FST
	docCount  int // snapshot marker for cheap staleness detection
}

// fstCache builds and memoizes one wordFST per index, rebuilding whenever
// the index's document count changes. This is a documented simplification:
// a size-based invalidation trigger misses in-place updates that leave the
// document count unchanged, so a long-lived cache entry can serve stale
// typo candidates for updated-but-not-added documents until the count next
// moves. A generation counter bumped by the indexer on every commit would
// close this gap; it is not threaded through today.
type fstCache struct {
	mu      sync.Mutex
	entries map[string]*wordFST
}

func newFSTCache() *fstCache {
	return &fstCache{entries: map[string]*wordFST{}}
}

func (c *fstCache) get(tx *bbolt.Tx, idx *indexstore.Index) (*wordFST, error) {
	count, err := idx.DocumentCount()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[idx.Uid]; ok && entry.docCount == count {
		return entry, nil
	}

	fst, err := buildWordFST(tx, idx)
	if err != nil {
		return nil, err
	}
	entry := &wordFST{fst: fst, docCount: count}
	c.entries[idx.Uid] = entry
	return entry, nil
}

func buildWordFST(tx *bbolt.Tx, idx *indexstore.Index) (*vellum.FST, error) {
	var buf bytes.Buffer
	builder, err := vellum.New(&buf, nil)
	if err != nil {
		return nil, err
	}

	// vellum requires keys inserted in sorted order; ScanWords walks the
	// word-postings bucket in bbolt's native byte order, which is already
	// lexicographic.
	var insertErr error
	err = idx.ScanWords(tx, func(word string, bm *roaring.Bitmap) bool {
		if insertErr = builder.Insert([]byte(word), 0); insertErr != nil {
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if insertErr != nil {
		return nil, insertErr
	}
	if err := builder.Close(); err != nil {
		return nil, err
	}

	return vellum.Load(buf.Bytes())
}

// typoCandidates returns every indexed word within editDistance of word,
// including word itself, by walking the FST with a Levenshtein automaton.
func typoCandidates(f *wordFST, word string, editDistance uint8) ([]string, error) {
	if editDistance == 0 {
		return []string{word}, nil
	}

	lb, err := levenshtein.NewLevenshteinAutomatonBuilder(editDistance, true)
	if err != nil {
		return nil, err
	}
	dfa, err := lb.BuildDfa(word, editDistance)
	if err != nil {
		return nil, err
	}

	itr, err := f.fst.Search(dfa, nil, nil)
	var out []string
	for err == nil {
		key, _ := itr.Current()
		out = append(out, string(key))
		err = itr.Next()
	}
	if err != nil && err != vellum.ErrIteratorDone {
		return nil, err
	}
	return out, nil
}

// editDistanceBudget applies spec.md §4.5 step 2's word-length thresholds:
// words shorter than MinWordSizeFor1Typo are exact-only, words at or above
// it but below MinWordSizeFor2Typos allow one typo, longer words allow two.
func editDistanceBudget(word string, tt indexstore.TypoTolerance) uint8 {
	if !tt.Enabled {
		return 0
	}
	n := len([]rune(word))
	switch {
	case tt.MinWordSizeFor2Typos > 0 && n >= tt.MinWordSizeFor2Typos:
		return 2
	case tt.MinWordSizeFor1Typo > 0 && n >= tt.MinWordSizeFor1Typo:
		return 1
	default:
		return 0
	}
}
