package filter

import (
	"fmt"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2"
	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/indexstore"
	"github.com/lexidb/lexid/internal/meilierr"
)

// Eval resolves expr against idx inside tx, returning the matching docid
// bitmap. Every referenced attribute must be declared filterable (spec.md
// §4.5 step 1: "A filter references only filterable attributes... otherwise
// the query is rejected with a typed error").
func Eval(tx *bbolt.Tx, idx *indexstore.Index, expr Expr) (*roaring.Bitmap, error) {
	settings := idx.Settings()
	filterable := map[string]bool{}
	for _, a := range settings.FilterableAttributes {
		filterable[a] = true
	}
	return evalNode(tx, idx, filterable, expr)
}

func evalNode(tx *bbolt.Tx, idx *indexstore.Index, filterable map[string]bool, expr Expr) (*roaring.Bitmap, error) {
	switch e := expr.(type) {
	case *And:
		left, err := evalNode(tx, idx, filterable, e.Left)
		if err != nil {
			return nil, err
		}
		right, err := evalNode(tx, idx, filterable, e.Right)
		if err != nil {
			return nil, err
		}
		return roaring.And(left, right), nil

	case *Or:
		left, err := evalNode(tx, idx, filterable, e.Left)
		if err != nil {
			return nil, err
		}
		right, err := evalNode(tx, idx, filterable, e.Right)
		if err != nil {
			return nil, err
		}
		return roaring.Or(left, right), nil

	case *Not:
		inner, err := evalNode(tx, idx, filterable, e.Inner)
		if err != nil {
			return nil, err
		}
		universe, err := idx.AllDocIDs(tx)
		if err != nil {
			return nil, err
		}
		universe.AndNot(inner)
		return universe, nil

	case *Compare:
		return evalCompare(tx, idx, filterable, e)

	default:
		return nil, meilierr.New(meilierr.CodeInvalidFilter, "unsupported filter node", nil)
	}
}

func evalCompare(tx *bbolt.Tx, idx *indexstore.Index, filterable map[string]bool, c *Compare) (*roaring.Bitmap, error) {
	if !filterable[c.Attribute] {
		return nil, meilierr.New(meilierr.CodeInvalidDocumentFilter,
			fmt.Sprintf("attribute %q is not filterable", c.Attribute), nil).
			WithDetail("attribute", c.Attribute)
	}

	fieldID, ok := idx.Fields().ID(c.Attribute)
	if !ok {
		return roaring.New(), nil
	}

	switch c.Op {
	case OpExists:
		return existsBitmap(tx, idx, fieldID)

	case OpEq:
		return equalityBitmap(tx, idx, fieldID, c.Value)

	case OpNeq:
		eq, err := equalityBitmap(tx, idx, fieldID, c.Value)
		if err != nil {
			return nil, err
		}
		universe, err := idx.AllDocIDs(tx)
		if err != nil {
			return nil, err
		}
		universe.AndNot(eq)
		return universe, nil

	case OpIn:
		out := roaring.New()
		for _, v := range c.Values {
			bm, err := equalityBitmap(tx, idx, fieldID, v)
			if err != nil {
				return nil, err
			}
			out.Or(bm)
		}
		return out, nil

	case OpGt, OpGte, OpLt, OpLte:
		if !c.Value.IsNumber {
			return nil, meilierr.New(meilierr.CodeInvalidDocumentFilter,
				fmt.Sprintf("operator %s requires a numeric value for %q", c.Op, c.Attribute), nil)
		}
		return rangeBitmap(tx, idx, fieldID, c.Op, c.Value.Number)

	default:
		return nil, meilierr.New(meilierr.CodeInvalidDocumentFilter, "unsupported operator", nil)
	}
}

func equalityBitmap(tx *bbolt.Tx, idx *indexstore.Index, fieldID uint16, v Value) (*roaring.Bitmap, error) {
	if v.IsNumber {
		return idx.FacetNumericPostings(tx, indexstore.FacetNumericKey(fieldID, v.Number))
	}
	// A value may have been indexed as either a string or a numeric facet
	// (e.g. "2" in a filter against a numeric rating field); try both.
	strBm, err := idx.FacetStringPostings(tx, indexstore.FacetStringKey(fieldID, v.Text))
	if err != nil {
		return nil, err
	}
	if n, err := strconv.ParseFloat(v.Text, 64); err == nil {
		numBm, err := idx.FacetNumericPostings(tx, indexstore.FacetNumericKey(fieldID, n))
		if err != nil {
			return nil, err
		}
		strBm.Or(numBm)
	}
	return strBm, nil
}

func rangeBitmap(tx *bbolt.Tx, idx *indexstore.Index, fieldID uint16, op Op, value float64) (*roaring.Bitmap, error) {
	out := roaring.New()
	err := idx.ScanFacetNumeric(tx, func(key string, bm *roaring.Bitmap) bool {
		kf, kv, ok := indexstore.DecodeFacetNumericKey(key)
		if !ok || kf != fieldID {
			return true
		}
		var match bool
		switch op {
		case OpGt:
			match = kv > value
		case OpGte:
			match = kv >= value
		case OpLt:
			match = kv < value
		case OpLte:
			match = kv <= value
		}
		if match {
			out.Or(bm)
		}
		return true
	})
	return out, err
}

func existsBitmap(tx *bbolt.Tx, idx *indexstore.Index, fieldID uint16) (*roaring.Bitmap, error) {
	out := roaring.New()
	err := idx.ScanFacetString(tx, func(key string, bm *roaring.Bitmap) bool {
		if kf, _, ok := indexstore.DecodeFacetStringKey(key); ok && kf == fieldID {
			out.Or(bm)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	err = idx.ScanFacetNumeric(tx, func(key string, bm *roaring.Bitmap) bool {
		if kf, _, ok := indexstore.DecodeFacetNumericKey(key); ok && kf == fieldID {
			out.Or(bm)
		}
		return true
	})
	return out, err
}
