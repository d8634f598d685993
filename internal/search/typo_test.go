package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/indexstore"
)

func TestBuildWordFSTResolvesTypoCandidates(t *testing.T) {
	idx := buildWordIndex(t,
		map[string]any{"id": "1", "title": "hello world"},
		map[string]any{"id": "2", "title": "yellow submarine"},
	)

	require.NoError(t, idx.Env().View(func(tx *bbolt.Tx) error {
		fst, err := buildWordFST(tx, idx)
		require.NoError(t, err)
		wf := &wordFST{fst: fst}

		cands, err := typoCandidates(wf, "hello", 1)
		require.NoError(t, err)
		assert.Contains(t, cands, "hello")

		cands, err = typoCandidates(wf, "hxllo", 1)
		require.NoError(t, err)
		assert.Contains(t, cands, "hello")
		return nil
	}))
}

func TestTypoCandidatesZeroDistanceReturnsWordVerbatim(t *testing.T) {
	cands, err := typoCandidates(&wordFST{}, "anything", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"anything"}, cands)
}

func TestEditDistanceBudgetRespectsWordLengthThresholds(t *testing.T) {
	tt := indexstore.TypoTolerance{Enabled: true, MinWordSizeFor1Typo: 4, MinWordSizeFor2Typos: 8}

	assert.Equal(t, uint8(0), editDistanceBudget("abc", tt))
	assert.Equal(t, uint8(1), editDistanceBudget("abcd", tt))
	assert.Equal(t, uint8(2), editDistanceBudget("abcdefgh", tt))
}

func TestEditDistanceBudgetZeroWhenDisabled(t *testing.T) {
	tt := indexstore.TypoTolerance{Enabled: false, MinWordSizeFor1Typo: 1, MinWordSizeFor2Typos: 1}
	assert.Equal(t, uint8(0), editDistanceBudget("anything", tt))
}

func TestFSTCacheRebuildsOnDocumentCountChange(t *testing.T) {
	idx := buildWordIndex(t, map[string]any{"id": "1", "title": "hello world"})
	cache := newFSTCache()

	var first, second *wordFST
	require.NoError(t, idx.Env().View(func(tx *bbolt.Tx) error {
		var err error
		first, err = cache.get(tx, idx)
		return err
	}))
	require.NotNil(t, first)

	require.NoError(t, idx.Env().Update(func(tx *bbolt.Tx) error {
		return idx.PutDocument(tx, 99, indexstore.NewObkv(map[uint16][]byte{}))
	}))

	require.NoError(t, idx.Env().View(func(tx *bbolt.Tx) error {
		var err error
		second, err = cache.get(tx, idx)
		return err
	}))
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
}
