package search

import (
	"sort"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2"
	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/indexstore"
)

// FacetDistribution computes, for every requested facet attribute, the
// count of final-candidate documents carrying each distinct value
// (spec.md §4.5 step 10). maxValues caps the number of distinct values
// returned per facet, dropped in descending count order.
func FacetDistribution(tx *bbolt.Tx, idx *indexstore.Index, candidates *roaring.Bitmap, attrs []string, maxValues int, sortBy string) (map[string]map[string]int, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	filterable := map[string]bool{}
	for _, a := range idx.Settings().FilterableAttributes {
		filterable[a] = true
	}

	out := map[string]map[string]int{}
	for _, attr := range attrs {
		if !filterable[attr] {
			continue
		}
		fieldID, ok := idx.Fields().ID(attr)
		if !ok {
			out[attr] = map[string]int{}
			continue
		}

		counts := map[string]int{}
		err := idx.ScanFacetString(tx, func(key string, bm *roaring.Bitmap) bool {
			kf, v, ok := indexstore.DecodeFacetStringKey(key)
			if ok && kf == fieldID {
				n := roaring.And(bm, candidates).GetCardinality()
				if n > 0 {
					counts[v] = int(n)
				}
			}
			return true
		})
		if err != nil {
			return nil, err
		}
		err = idx.ScanFacetNumeric(tx, func(key string, bm *roaring.Bitmap) bool {
			kf, v, ok := indexstore.DecodeFacetNumericKey(key)
			if ok && kf == fieldID {
				n := roaring.And(bm, candidates).GetCardinality()
				if n > 0 {
					counts[formatFacetNumber(v)] = int(n)
				}
			}
			return true
		})
		if err != nil {
			return nil, err
		}

		out[attr] = capFacetValues(counts, maxValues, sortBy)
	}
	return out, nil
}

func capFacetValues(counts map[string]int, maxValues int, sortBy string) map[string]int {
	if maxValues <= 0 || len(counts) <= maxValues {
		return counts
	}
	type kv struct {
		k string
		v int
	}
	entries := make([]kv, 0, len(counts))
	for k, v := range counts {
		entries = append(entries, kv{k, v})
	}
	if sortBy == "alpha" {
		sort.Slice(entries, func(i, j int) bool { return entries[i].k < entries[j].k })
	} else {
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].v != entries[j].v {
				return entries[i].v > entries[j].v
			}
			return entries[i].k < entries[j].k
		})
	}
	out := make(map[string]int, maxValues)
	for _, e := range entries[:maxValues] {
		out[e.k] = e.v
	}
	return out
}

func formatFacetNumber(v float64) string {
	// Mirrors the JSON scalar formatting the indexer already uses for
	// numeric facet values (internal/indexer.extractDocument's facetValues).
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
