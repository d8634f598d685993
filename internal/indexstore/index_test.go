package indexstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/kv"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open("doggos", filepath.Join(t.TempDir(), "data.bbolt"), kv.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestFieldsIDMapAllocatesMonotonically(t *testing.T) {
	idx := openTestIndex(t)

	var idTitle, idBody uint16
	err := idx.Env().Update(func(tx *bbolt.Tx) error {
		var err error
		idTitle, err = idx.Fields().GetOrAllocate(tx, "title")
		if err != nil {
			return err
		}
		idBody, err = idx.Fields().GetOrAllocate(tx, "body")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(0), idTitle)
	assert.Equal(t, uint16(1), idBody)

	id, ok := idx.Fields().ID("title")
	assert.True(t, ok)
	assert.Equal(t, idTitle, id)
	_ = idBody
}

func TestFieldsIDMapSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bbolt")
	idx1, err := Open("doggos", path, kv.DefaultOptions())
	require.NoError(t, err)
	err = idx1.Env().Update(func(tx *bbolt.Tx) error {
		_, err := idx1.Fields().GetOrAllocate(tx, "title")
		return err
	})
	require.NoError(t, err)
	require.NoError(t, idx1.Close())

	idx2, err := Open("doggos", path, kv.DefaultOptions())
	require.NoError(t, err)
	defer idx2.Close()

	id, ok := idx2.Fields().ID("title")
	require.True(t, ok)
	assert.Equal(t, uint16(0), id)

	var next uint16
	err = idx2.Env().Update(func(tx *bbolt.Tx) error {
		var err error
		next, err = idx2.Fields().GetOrAllocate(tx, "body")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(1), next)
}

func TestPutAndGetDocument(t *testing.T) {
	idx := openTestIndex(t)
	rec := NewObkv(map[uint16][]byte{0: []byte(`"toto"`)})

	err := idx.Env().Update(func(tx *bbolt.Tx) error {
		return idx.PutDocument(tx, 1, rec)
	})
	require.NoError(t, err)

	err = idx.Env().View(func(tx *bbolt.Tx) error {
		got, ok, err := idx.GetDocument(tx, 1)
		require.NoError(t, err)
		require.True(t, ok)
		v, ok := got.Get(0)
		require.True(t, ok)
		assert.Equal(t, `"toto"`, string(v))
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteDocumentRemovesRecord(t *testing.T) {
	idx := openTestIndex(t)
	rec := NewObkv(map[uint16][]byte{0: []byte(`1`)})
	require.NoError(t, idx.Env().Update(func(tx *bbolt.Tx) error { return idx.PutDocument(tx, 1, rec) }))
	require.NoError(t, idx.Env().Update(func(tx *bbolt.Tx) error { return idx.DeleteDocument(tx, 1) }))

	err := idx.Env().View(func(tx *bbolt.Tx) error {
		_, ok, err := idx.GetDocument(tx, 1)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestWordPostingsRoundTrip(t *testing.T) {
	idx := openTestIndex(t)
	bm := roaring.New()
	bm.AddMany([]uint32{1, 4, 9})

	err := idx.Env().Update(func(tx *bbolt.Tx) error {
		return idx.PutWordPostings(tx, "hello", bm)
	})
	require.NoError(t, err)

	err = idx.Env().View(func(tx *bbolt.Tx) error {
		got, err := idx.WordPostings(tx, "hello")
		require.NoError(t, err)
		assert.True(t, got.Equals(bm))
		return nil
	})
	require.NoError(t, err)
}

func TestSettingsPersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bbolt")
	idx1, err := Open("doggos", path, kv.DefaultOptions())
	require.NoError(t, err)

	settings := DefaultSettings()
	settings.SearchableAttributes = []string{"title", "body"}
	err = idx1.Env().Update(func(tx *bbolt.Tx) error {
		return idx1.PutSettings(tx, settings)
	})
	require.NoError(t, err)
	require.NoError(t, idx1.Close())

	idx2, err := Open("doggos", path, kv.DefaultOptions())
	require.NoError(t, err)
	defer idx2.Close()

	assert.Equal(t, []string{"title", "body"}, idx2.Settings().SearchableAttributes)
}

func TestTouchUpdatedAtSetsCreatedAtOnlyOnce(t *testing.T) {
	idx := openTestIndex(t)
	first := time.Now().UTC().Truncate(time.Second)
	second := first.Add(time.Hour)

	require.NoError(t, idx.Env().Update(func(tx *bbolt.Tx) error { return idx.TouchUpdatedAt(tx, first) }))
	require.NoError(t, idx.Env().Update(func(tx *bbolt.Tx) error { return idx.TouchUpdatedAt(tx, second) }))

	meta := idx.Meta()
	assert.True(t, meta.CreatedAt.Equal(first))
	assert.True(t, meta.UpdatedAt.Equal(second))
}

func TestScanWordsSkipsFieldScopedCompositeKeys(t *testing.T) {
	idx := openTestIndex(t)

	one := roaring.New()
	one.Add(1)

	err := idx.Env().Update(func(tx *bbolt.Tx) error {
		if err := idx.PutWordPostings(tx, "hello", one); err != nil {
			return err
		}
		composite := string(append([]byte("hello"), 0x00, 0x00, 0x01))
		return idx.PutWordPostings(tx, composite, one)
	})
	require.NoError(t, err)

	var words []string
	err = idx.Env().View(func(tx *bbolt.Tx) error {
		return idx.ScanWords(tx, func(word string, _ *roaring.Bitmap) bool {
			words = append(words, word)
			return true
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, words)
}
