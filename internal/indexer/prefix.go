package indexer

import (
	"go.etcd.io/bbolt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/lexidb/lexid/internal/indexstore"
)

// recomputePrefixCache rebuilds the 1- and 2-rune prefix-postings cache
// entries whose underlying word postings changed this batch (spec.md §4.4
// step 8): for every distinct prefix derived from a touched word, union the
// postings of every word-postings key sharing that prefix.
func recomputePrefixCache(tx *bbolt.Tx, idx *indexstore.Index, touchedWords map[string]bool) error {
	prefixes := map[string]bool{}
	for word := range touchedWords {
		for _, p := range prefixesOf(word) {
			prefixes[p] = true
		}
	}

	for prefix := range prefixes {
		union := roaring.New()
		err := idx.ScanWordPostingsPrefix(tx, prefix, func(_ string, bm *roaring.Bitmap) {
			union.Or(bm)
		})
		if err != nil {
			return err
		}
		if err := idx.PutWordPrefixPostings(tx, prefix, union); err != nil {
			return err
		}
	}
	return nil
}

// prefixesOf returns word's 1- and 2-rune prefixes (or just the 1-rune
// prefix if word is a single rune).
func prefixesOf(word string) []string {
	runes := []rune(word)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) == 1 {
		return []string{string(runes[0])}
	}
	return []string{string(runes[0]), string(runes[:2])}
}
