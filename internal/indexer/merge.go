package indexer

import (
	"github.com/RoaringBitmap/roaring/v2"
	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/indexstore"
)

// wordPairKey identifies one accumulated word-pair-proximity bucket.
type wordPairKey struct {
	a, b string
	dist int
}

// merger accumulates the del/add diff for an entire batch in memory and
// applies it to the index's KV postings in one read-modify-write pass per
// touched key, mirroring spec.md §4.4 step 7's "merge runs into the KV
// sub-databases using a del/add log" without materializing external sorted
// runs on disk — the in-process map plays the same role for a
// single-machine, bounded-document-count batch.
type merger struct {
	wordAdd    map[string]*roaring.Bitmap
	wordDel    map[string]*roaring.Bitmap
	pairAdd    map[wordPairKey]*roaring.Bitmap
	pairDel    map[wordPairKey]*roaring.Bitmap
	facetSAdd  map[string]*roaring.Bitmap // key: fieldID\x00value
	facetSDel  map[string]*roaring.Bitmap
	facetNAdd  map[string]*roaring.Bitmap // key: fieldID\x00float-bits
	facetNDel  map[string]*roaring.Bitmap
	touchedWords map[string]bool // words needing a prefix-cache recompute
}

func newMerger() *merger {
	return &merger{
		wordAdd:      map[string]*roaring.Bitmap{},
		wordDel:      map[string]*roaring.Bitmap{},
		pairAdd:      map[wordPairKey]*roaring.Bitmap{},
		pairDel:      map[wordPairKey]*roaring.Bitmap{},
		facetSAdd:    map[string]*roaring.Bitmap{},
		facetSDel:    map[string]*roaring.Bitmap{},
		facetNAdd:    map[string]*roaring.Bitmap{},
		facetNDel:    map[string]*roaring.Bitmap{},
		touchedWords: map[string]bool{},
	}
}

func bitmapFor(m map[string]*roaring.Bitmap, key string) *roaring.Bitmap {
	bm, ok := m[key]
	if !ok {
		bm = roaring.New()
		m[key] = bm
	}
	return bm
}

func (m *merger) addWord(word string, docid uint32, fieldID uint16) {
	bitmapFor(m.wordAdd, word).Add(docid)
	bitmapFor(m.wordAdd, fieldWordKey(word, fieldID)).Add(docid)
	m.touchedWords[word] = true
}

func (m *merger) removeWord(word string, docid uint32, fieldID uint16) {
	bitmapFor(m.wordDel, word).Add(docid)
	bitmapFor(m.wordDel, fieldWordKey(word, fieldID)).Add(docid)
	m.touchedWords[word] = true
}

func fieldWordKey(word string, fieldID uint16) string {
	buf := make([]byte, 0, len(word)+3)
	buf = append(buf, word...)
	buf = append(buf, 0)
	buf = append(buf, byte(fieldID>>8), byte(fieldID))
	return string(buf)
}

func (m *merger) addPair(a, b string, dist int, docid uint32) {
	bitmapFor2(m.pairAdd, wordPairKey{a, b, dist}).Add(docid)
}

func (m *merger) removePair(a, b string, dist int, docid uint32) {
	bitmapFor2(m.pairDel, wordPairKey{a, b, dist}).Add(docid)
}

func bitmapFor2(m map[wordPairKey]*roaring.Bitmap, key wordPairKey) *roaring.Bitmap {
	bm, ok := m[key]
	if !ok {
		bm = roaring.New()
		m[key] = bm
	}
	return bm
}

func facetStringKey(fieldID uint16, value string) string {
	return indexstore.FacetStringKey(fieldID, value)
}

func (m *merger) addFacetString(fieldID uint16, value string, docid uint32) {
	bitmapFor(m.facetSAdd, facetStringKey(fieldID, value)).Add(docid)
}

func (m *merger) removeFacetString(fieldID uint16, value string, docid uint32) {
	bitmapFor(m.facetSDel, facetStringKey(fieldID, value)).Add(docid)
}

func (m *merger) addFacetNumeric(fieldID uint16, value float64, docid uint32) {
	bitmapFor(m.facetNAdd, facetNumericKey(fieldID, value)).Add(docid)
}

func (m *merger) removeFacetNumeric(fieldID uint16, value float64, docid uint32) {
	bitmapFor(m.facetNDel, facetNumericKey(fieldID, value)).Add(docid)
}

// Flush applies every accumulated del/add bitmap into the index's KV
// postings inside tx, then recomputes the 1- and 2-rune prefix cache for
// every word touched in this batch (step 8).
func (m *merger) Flush(tx *bbolt.Tx, idx *indexstore.Index) error {
	if err := flushWords(tx, idx, m.wordAdd, m.wordDel); err != nil {
		return err
	}
	if err := flushPairs(tx, idx, m.pairAdd, m.pairDel); err != nil {
		return err
	}
	if err := flushFacetStrings(tx, idx, m.facetSAdd, m.facetSDel); err != nil {
		return err
	}
	if err := flushFacetNumerics(tx, idx, m.facetNAdd, m.facetNDel); err != nil {
		return err
	}
	return recomputePrefixCache(tx, idx, m.touchedWords)
}

func flushWords(tx *bbolt.Tx, idx *indexstore.Index, add, del map[string]*roaring.Bitmap) error {
	for word := range union(add, del) {
		bm, err := idx.WordPostings(tx, word)
		if err != nil {
			return err
		}
		if d, ok := del[word]; ok {
			bm.AndNot(d)
		}
		if a, ok := add[word]; ok {
			bm.Or(a)
		}
		if err := idx.PutWordPostings(tx, word, bm); err != nil {
			return err
		}
	}
	return nil
}

func flushPairs(tx *bbolt.Tx, idx *indexstore.Index, add, del map[wordPairKey]*roaring.Bitmap) error {
	keys := map[wordPairKey]bool{}
	for k := range add {
		keys[k] = true
	}
	for k := range del {
		keys[k] = true
	}
	for k := range keys {
		bm, err := idx.WordPairProximityPostings(tx, k.a, k.b, k.dist)
		if err != nil {
			return err
		}
		if d, ok := del[k]; ok {
			bm.AndNot(d)
		}
		if a, ok := add[k]; ok {
			bm.Or(a)
		}
		if err := idx.PutWordPairProximityPostings(tx, k.a, k.b, k.dist, bm); err != nil {
			return err
		}
	}
	return nil
}

func flushFacetStrings(tx *bbolt.Tx, idx *indexstore.Index, add, del map[string]*roaring.Bitmap) error {
	for key := range union(add, del) {
		bm, err := idx.FacetStringPostings(tx, key)
		if err != nil {
			return err
		}
		if d, ok := del[key]; ok {
			bm.AndNot(d)
		}
		if a, ok := add[key]; ok {
			bm.Or(a)
		}
		if err := idx.PutFacetStringPostings(tx, key, bm); err != nil {
			return err
		}
	}
	return nil
}

func flushFacetNumerics(tx *bbolt.Tx, idx *indexstore.Index, add, del map[string]*roaring.Bitmap) error {
	for key := range union(add, del) {
		bm, err := idx.FacetNumericPostings(tx, key)
		if err != nil {
			return err
		}
		if d, ok := del[key]; ok {
			bm.AndNot(d)
		}
		if a, ok := add[key]; ok {
			bm.Or(a)
		}
		if err := idx.PutFacetNumericPostings(tx, key, bm); err != nil {
			return err
		}
	}
	return nil
}

func union(a, b map[string]*roaring.Bitmap) map[string]bool {
	out := map[string]bool{}
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}
