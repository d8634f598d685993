package filter_test

import (
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/filter"
	"github.com/lexidb/lexid/internal/indexstore"
	"github.com/lexidb/lexid/internal/kv"
)

func newFilterTestIndex(t *testing.T, settings indexstore.Settings) *indexstore.Index {
	t.Helper()
	idx, err := indexstore.Open("catalog", filepath.Join(t.TempDir(), "data.bbolt"), kv.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	require.NoError(t, idx.Env().Update(func(tx *bbolt.Tx) error {
		return idx.PutSettings(tx, settings)
	}))
	return idx
}

func putFacetString(t *testing.T, idx *indexstore.Index, attr string, value string, docid uint32) {
	t.Helper()
	require.NoError(t, idx.Env().Update(func(tx *bbolt.Tx) error {
		fieldID, err := idx.Fields().GetOrAllocate(tx, attr)
		if err != nil {
			return err
		}
		key := indexstore.FacetStringKey(fieldID, value)
		bm, err := idx.FacetStringPostings(tx, key)
		if err != nil {
			return err
		}
		bm.Add(docid)
		return idx.PutFacetStringPostings(tx, key, bm)
	}))
}

func putFacetNumeric(t *testing.T, idx *indexstore.Index, attr string, value float64, docid uint32) {
	t.Helper()
	require.NoError(t, idx.Env().Update(func(tx *bbolt.Tx) error {
		fieldID, err := idx.Fields().GetOrAllocate(tx, attr)
		if err != nil {
			return err
		}
		key := indexstore.FacetNumericKey(fieldID, value)
		bm, err := idx.FacetNumericPostings(tx, key)
		if err != nil {
			return err
		}
		bm.Add(docid)
		return idx.PutFacetNumericPostings(tx, key, bm)
	}))
}

func markKnownDocument(t *testing.T, idx *indexstore.Index, docid uint32) {
	t.Helper()
	require.NoError(t, idx.Env().Update(func(tx *bbolt.Tx) error {
		return idx.PutDocument(tx, docid, indexstore.NewObkv(nil))
	}))
}

func evalFilter(t *testing.T, idx *indexstore.Index, expr string) *roaring.Bitmap {
	t.Helper()
	parsed, err := filter.Parse(expr)
	require.NoError(t, err)

	var bm *roaring.Bitmap
	require.NoError(t, idx.Env().View(func(tx *bbolt.Tx) error {
		var err error
		bm, err = filter.Eval(tx, idx, parsed)
		return err
	}))
	return bm
}

func TestEvalStringEquality(t *testing.T) {
	settings := indexstore.DefaultSettings()
	settings.FilterableAttributes = []string{"genre"}
	idx := newFilterTestIndex(t, settings)
	putFacetString(t, idx, "genre", "scifi", 1)
	putFacetString(t, idx, "genre", "drama", 2)

	bm := evalFilter(t, idx, `genre = "scifi"`)
	assert.True(t, bm.Contains(1))
	assert.False(t, bm.Contains(2))
}

func TestEvalNumericRange(t *testing.T) {
	settings := indexstore.DefaultSettings()
	settings.FilterableAttributes = []string{"rating"}
	idx := newFilterTestIndex(t, settings)
	putFacetNumeric(t, idx, "rating", 9.1, 1)
	putFacetNumeric(t, idx, "rating", 4.0, 2)

	bm := evalFilter(t, idx, `rating >= 8`)
	assert.True(t, bm.Contains(1))
	assert.False(t, bm.Contains(2))
}

func TestEvalNegativeNumericRange(t *testing.T) {
	settings := indexstore.DefaultSettings()
	settings.FilterableAttributes = []string{"elevation"}
	idx := newFilterTestIndex(t, settings)
	putFacetNumeric(t, idx, "elevation", -40, 1)
	putFacetNumeric(t, idx, "elevation", 10, 2)

	bm := evalFilter(t, idx, `elevation < 0`)
	assert.True(t, bm.Contains(1))
	assert.False(t, bm.Contains(2))
}

func TestEvalAndCombinesPredicates(t *testing.T) {
	settings := indexstore.DefaultSettings()
	settings.FilterableAttributes = []string{"genre", "rating"}
	idx := newFilterTestIndex(t, settings)
	putFacetString(t, idx, "genre", "scifi", 1)
	putFacetString(t, idx, "genre", "scifi", 2)
	putFacetNumeric(t, idx, "rating", 9.0, 1)
	putFacetNumeric(t, idx, "rating", 2.0, 2)

	bm := evalFilter(t, idx, `genre = "scifi" AND rating >= 8`)
	assert.True(t, bm.Contains(1))
	assert.False(t, bm.Contains(2))
}

func TestEvalNotComplementsAgainstKnownDocuments(t *testing.T) {
	settings := indexstore.DefaultSettings()
	settings.FilterableAttributes = []string{"genre"}
	idx := newFilterTestIndex(t, settings)
	markKnownDocument(t, idx, 1)
	markKnownDocument(t, idx, 2)
	putFacetString(t, idx, "genre", "scifi", 1)

	bm := evalFilter(t, idx, `NOT genre = "scifi"`)
	assert.False(t, bm.Contains(1))
	assert.True(t, bm.Contains(2))
}

func TestEvalInUnionsValues(t *testing.T) {
	settings := indexstore.DefaultSettings()
	settings.FilterableAttributes = []string{"genre"}
	idx := newFilterTestIndex(t, settings)
	putFacetString(t, idx, "genre", "scifi", 1)
	putFacetString(t, idx, "genre", "drama", 2)
	putFacetString(t, idx, "genre", "horror", 3)

	bm := evalFilter(t, idx, `genre IN ["scifi", "drama"]`)
	assert.True(t, bm.Contains(1))
	assert.True(t, bm.Contains(2))
	assert.False(t, bm.Contains(3))
}

func TestEvalRejectsNonFilterableAttribute(t *testing.T) {
	settings := indexstore.DefaultSettings()
	idx := newFilterTestIndex(t, settings)

	parsed, err := filter.Parse(`genre = "scifi"`)
	require.NoError(t, err)

	err = idx.Env().View(func(tx *bbolt.Tx) error {
		_, err := filter.Eval(tx, idx, parsed)
		return err
	})
	assert.Error(t, err)
}

func TestEvalExistsUnionsStringAndNumericFacets(t *testing.T) {
	settings := indexstore.DefaultSettings()
	settings.FilterableAttributes = []string{"tag"}
	idx := newFilterTestIndex(t, settings)
	putFacetString(t, idx, "tag", "x", 1)
	putFacetNumeric(t, idx, "tag", 3, 2)

	bm := evalFilter(t, idx, `tag EXISTS`)
	assert.True(t, bm.Contains(1))
	assert.True(t, bm.Contains(2))
}
