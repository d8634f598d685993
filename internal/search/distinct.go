package search

import (
	"encoding/json"

	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/indexstore"
)

// DistinctFilter keeps only the first occurrence of each distinct value of
// attr among ordered (already in rank order), dropping the rest entirely
// rather than merely skipping them — spec.md §4.5 step 5: a later duplicate
// must not consume any of the offset/limit budget, and estimatedTotalHits
// must reflect the distinct-corrected count.
func DistinctFilter(tx *bbolt.Tx, idx *indexstore.Index, attr string, ordered []uint32) ([]uint32, error) {
	if attr == "" {
		return ordered, nil
	}
	fieldID, ok := idx.Fields().ID(attr)
	if !ok {
		return ordered, nil
	}

	seen := map[string]bool{}
	out := ordered[:0]
	for _, docid := range ordered {
		doc, ok, err := idx.GetDocument(tx, docid)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		raw, ok := doc.Get(fieldID)
		if !ok {
			out = append(out, docid) // no value to dedup on, keep
			continue
		}
		key := distinctKey(raw)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, docid)
	}
	return out, nil
}

func distinctKey(raw []byte) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	canon, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(canon)
}
