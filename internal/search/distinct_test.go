package search_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/search"
)

func TestDistinctFilterKeepsFirstOccurrencePerValue(t *testing.T) {
	idx := buildTestIndex(t, movieSettings(),
		map[string]any{"id": "1", "title": "A", "overview": "x", "genre": "scifi", "year": 2000.0},
		map[string]any{"id": "2", "title": "B", "overview": "x", "genre": "scifi", "year": 2001.0},
		map[string]any{"id": "3", "title": "C", "overview": "x", "genre": "drama", "year": 2002.0},
	)

	var docIDs []uint32
	require.NoError(t, idx.Env().View(func(tx *bbolt.Tx) error {
		bm, err := idx.AllDocIDs(tx)
		if err != nil {
			return err
		}
		docIDs = bm.ToArray()
		return nil
	}))
	require.Len(t, docIDs, 3)

	var filtered []uint32
	require.NoError(t, idx.Env().View(func(tx *bbolt.Tx) error {
		var err error
		filtered, err = search.DistinctFilter(tx, idx, "genre", docIDs)
		return err
	}))

	assert.Len(t, filtered, 2)
}

func TestDistinctFilterNoopWhenAttributeEmpty(t *testing.T) {
	idx := buildTestIndex(t, movieSettings(),
		map[string]any{"id": "1", "title": "A", "overview": "x", "genre": "scifi", "year": 2000.0},
	)
	var docIDs []uint32
	require.NoError(t, idx.Env().View(func(tx *bbolt.Tx) error {
		bm, err := idx.AllDocIDs(tx)
		if err != nil {
			return err
		}
		docIDs = bm.ToArray()
		return nil
	}))

	var filtered []uint32
	require.NoError(t, idx.Env().View(func(tx *bbolt.Tx) error {
		var err error
		filtered, err = search.DistinctFilter(tx, idx, "", docIDs)
		return err
	}))
	assert.Equal(t, docIDs, filtered)
}
