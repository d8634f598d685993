package indexer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func TestMergerFlushAppliesAddsAndRemovesToWordPostings(t *testing.T) {
	idx := openTestIndex(t)

	m := newMerger()
	m.addWord("fox", 1, 0)
	m.addWord("fox", 2, 0)
	require.NoError(t, idx.Env().Update(func(tx *bbolt.Tx) error { return m.Flush(tx, idx) }))

	err := idx.Env().View(func(tx *bbolt.Tx) error {
		bm, err := idx.WordPostings(tx, "fox")
		require.NoError(t, err)
		assert.True(t, bm.Contains(1))
		assert.True(t, bm.Contains(2))
		return nil
	})
	require.NoError(t, err)

	m2 := newMerger()
	m2.removeWord("fox", 1, 0)
	require.NoError(t, idx.Env().Update(func(tx *bbolt.Tx) error { return m2.Flush(tx, idx) }))

	err = idx.Env().View(func(tx *bbolt.Tx) error {
		bm, err := idx.WordPostings(tx, "fox")
		require.NoError(t, err)
		assert.False(t, bm.Contains(1))
		assert.True(t, bm.Contains(2))
		return nil
	})
	require.NoError(t, err)
}

func TestMergerFlushRecomputesPrefixCache(t *testing.T) {
	idx := openTestIndex(t)

	m := newMerger()
	m.addWord("cat", 1, 0)
	m.addWord("car", 2, 0)
	require.NoError(t, idx.Env().Update(func(tx *bbolt.Tx) error { return m.Flush(tx, idx) }))

	err := idx.Env().View(func(tx *bbolt.Tx) error {
		bm, err := idx.WordPrefixPostings(tx, "ca")
		require.NoError(t, err)
		assert.True(t, bm.Contains(1))
		assert.True(t, bm.Contains(2))
		return nil
	})
	require.NoError(t, err)
}

func TestMergerFacetStringRoundTrips(t *testing.T) {
	idx := openTestIndex(t)

	m := newMerger()
	m.addFacetString(3, "action", 7)
	require.NoError(t, idx.Env().Update(func(tx *bbolt.Tx) error { return m.Flush(tx, idx) }))

	err := idx.Env().View(func(tx *bbolt.Tx) error {
		bm, err := idx.FacetStringPostings(tx, facetStringKey(3, "action"))
		require.NoError(t, err)
		assert.True(t, bm.Contains(7))
		return nil
	})
	require.NoError(t, err)
}

func TestMergerPairProximityRoundTrips(t *testing.T) {
	idx := openTestIndex(t)

	m := newMerger()
	m.addPair("brown", "fox", 1, 9)
	require.NoError(t, idx.Env().Update(func(tx *bbolt.Tx) error { return m.Flush(tx, idx) }))

	err := idx.Env().View(func(tx *bbolt.Tx) error {
		bm, err := idx.WordPairProximityPostings(tx, "brown", "fox", 1)
		require.NoError(t, err)
		assert.True(t, bm.Contains(9))
		return nil
	})
	require.NoError(t, err)
}
