package search

import (
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/indexstore"
)

// groupBitmap is the union of every candidate node's postings for one
// query-graph position: any node matching satisfies the position.
func groupBitmap(tx *bbolt.Tx, idx *indexstore.Index, g TermGroup) (*roaring.Bitmap, error) {
	out := roaring.New()
	for _, n := range g.Nodes {
		bm, err := nodeBitmap(tx, idx, n)
		if err != nil {
			return nil, err
		}
		out.Or(bm)
	}
	return out, nil
}

func nodeBitmap(tx *bbolt.Tx, idx *indexstore.Index, n TermNode) (*roaring.Bitmap, error) {
	switch n.Kind {
	case nodePrefix:
		out := roaring.New()
		err := idx.ScanWordPostingsPrefix(tx, n.Word, func(_ string, bm *roaring.Bitmap) {
			out.Or(bm)
		})
		return out, err
	case nodeSplitWord:
		parts := strings.SplitN(n.Word, " ", 2)
		if len(parts) != 2 {
			return roaring.New(), nil
		}
		a, err := idx.WordPostings(tx, parts[0])
		if err != nil {
			return nil, err
		}
		b, err := idx.WordPostings(tx, parts[1])
		if err != nil {
			return nil, err
		}
		return roaring.And(a, b), nil
	default:
		return idx.WordPostings(tx, n.Word)
	}
}

// pairBitmap returns the docids where a and b appear adjacent (dist 1..window).
func pairBitmap(tx *bbolt.Tx, idx *indexstore.Index, a, b string, window int) (*roaring.Bitmap, error) {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	out := roaring.New()
	for d := 1; d <= window; d++ {
		bm, err := idx.WordPairProximityPostings(tx, lo, hi, d)
		if err != nil {
			return nil, err
		}
		out.Or(bm)
	}
	return out, nil
}
