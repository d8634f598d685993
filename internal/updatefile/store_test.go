package updatefile

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWriteThenOpenRoundTrips(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	id, w, err := store.New()
	require.NoError(t, err)
	_, err = w.Write([]byte(`{"id":1,"title":"doggo"}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := store.Open(id)
	require.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, `{"id":1,"title":"doggo"}`+"\n", string(data))
}

func TestDeleteRemovesFile(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	id, w, err := store.New()
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, store.Delete(id))

	_, err = store.Open(id)
	assert.Error(t, err)
}

func TestDeleteMissingIsNotAnError(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	id, w, err := store.New()
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, store.Delete(id))

	assert.NoError(t, store.Delete(id))
}

func TestSizeReflectsWrittenBytes(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	id, w, err := store.New()
	require.NoError(t, err)
	n, err := w.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	size, err := store.Size(id)
	require.NoError(t, err)
	assert.EqualValues(t, n, size)
}
