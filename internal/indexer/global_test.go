package indexer

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/indexstore"
	"github.com/lexidb/lexid/internal/kv"
	"github.com/lexidb/lexid/internal/meilierr"
	"github.com/lexidb/lexid/internal/scheduler"
	"github.com/lexidb/lexid/internal/tasks"
)

func newTestGlobalProcessor(t *testing.T, store *indexstore.Store) (*GlobalProcessor, *tasks.Queue) {
	t.Helper()
	q, err := tasks.Open(filepath.Join(t.TempDir(), "tasks.db"), kv.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	g := NewGlobalProcessor(GlobalConfig{
		Store:       store,
		Queue:       q,
		DumpDir:     t.TempDir(),
		SnapshotDir: t.TempDir(),
	})
	return g, q
}

func TestGlobalProcessorIndexSwapRenamesIndexes(t *testing.T) {
	store, err := indexstore.OpenStore(t.TempDir(), kv.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.Create("movies-staging")
	require.NoError(t, err)
	_, err = store.Create("movies")
	require.NoError(t, err)

	g, _ := newTestGlobalProcessor(t, store)
	payload, _ := json.Marshal(IndexSwapPayload{Swaps: [][2]string{{"movies-staging", "movies"}}})

	results, err := g.Process(context.Background(), nil, []*tasks.Task{
		{Uid: 1, Kind: tasks.KindIndexSwap, Payload: payload},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	_, ok := store.Get("movies-staging")
	assert.True(t, ok, "swap exchanges names, it does not delete either index")
}

func TestGlobalProcessorRejectsMultiTaskBatch(t *testing.T) {
	store, err := indexstore.OpenStore(t.TempDir(), kv.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	g, _ := newTestGlobalProcessor(t, store)
	_, err = g.Process(context.Background(), nil, []*tasks.Task{
		{Uid: 1, Kind: tasks.KindIndexSwap},
		{Uid: 2, Kind: tasks.KindIndexSwap},
	})
	require.Error(t, err)
	var merr *meilierr.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, meilierr.CodeInvalidTask, merr.Code)
}

func TestGlobalProcessorRejectsUnsupportedKind(t *testing.T) {
	store, err := indexstore.OpenStore(t.TempDir(), kv.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	g, _ := newTestGlobalProcessor(t, store)
	_, err = g.Process(context.Background(), nil, []*tasks.Task{
		{Uid: 1, Kind: tasks.KindDocumentClear},
	})
	require.Error(t, err, "document-targeted kinds never route to GlobalProcessor")
}

func TestGlobalProcessorDumpCreationWritesArchive(t *testing.T) {
	store, err := indexstore.OpenStore(t.TempDir(), kv.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	_, err = store.Create("movies")
	require.NoError(t, err)

	g, q := newTestGlobalProcessor(t, store)
	_, err = q.Enqueue(tasks.KindIndexCreation, "movies", nil)
	require.NoError(t, err)

	results, err := g.Process(context.Background(), nil, []*tasks.Task{{Uid: 1, Kind: tasks.KindDumpCreation}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, string(results[0].Details), "dumpUid")
}

func TestGlobalProcessorDumpCreationRejectedWithoutDumpDir(t *testing.T) {
	store, err := indexstore.OpenStore(t.TempDir(), kv.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	q, err := tasks.Open(filepath.Join(t.TempDir(), "tasks.db"), kv.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	g := NewGlobalProcessor(GlobalConfig{Store: store, Queue: q})
	_, err = g.Process(context.Background(), nil, []*tasks.Task{{Uid: 1, Kind: tasks.KindDumpCreation}})
	require.Error(t, err)
}

func TestGlobalProcessorSnapshotCreationCopiesIndexFiles(t *testing.T) {
	store, err := indexstore.OpenStore(t.TempDir(), kv.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	_, err = store.Create("movies")
	require.NoError(t, err)

	g, q := newTestGlobalProcessor(t, store)

	var results []scheduler.ProcessedTask
	err = q.WithWriteTx(func(tx *bbolt.Tx) error {
		var perr error
		results, perr = g.Process(context.Background(), tx, []*tasks.Task{{Uid: 1, Kind: tasks.KindSnapshotCreation}})
		return perr
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	var details map[string]string
	require.NoError(t, json.Unmarshal(results[0].Details, &details))
	assert.DirExists(t, filepath.Join(details["snapshotPath"], "indexes", "movies"))
}

func TestGlobalProcessorUpgradeBumpsVersion(t *testing.T) {
	store, err := indexstore.OpenStore(t.TempDir(), kv.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	g, q := newTestGlobalProcessor(t, store)

	err = q.WithWriteTx(func(tx *bbolt.Tx) error {
		_, err := g.Process(context.Background(), tx, []*tasks.Task{{Uid: 1, Kind: tasks.KindUpgradeDatabase}})
		return err
	})
	require.NoError(t, err)

	v, err := q.Version()
	require.NoError(t, err)
	assert.Equal(t, tasks.CurrentDBVersion, v)
}

func TestGlobalProcessorUpgradeFailureLeavesVersionUnmoved(t *testing.T) {
	store, err := indexstore.OpenStore(t.TempDir(), kv.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	q, err := tasks.Open(filepath.Join(t.TempDir(), "tasks.db"), kv.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	g := NewGlobalProcessor(GlobalConfig{
		Store: store,
		Queue: q,
		Upgrade: func(_ *bbolt.Tx, _, _ int) error {
			return assert.AnError
		},
	})

	err = q.WithWriteTx(func(tx *bbolt.Tx) error {
		_, err := g.Process(context.Background(), tx, []*tasks.Task{{Uid: 1, Kind: tasks.KindUpgradeDatabase}})
		return err
	})
	require.Error(t, err)
	assert.True(t, meilierr.IsFatal(err), "an Upgrade failure must be fatal so the scheduler sticks down")

	v, err := q.Version()
	require.NoError(t, err)
	assert.Equal(t, 0, v, "a failed migration must not advance the stamped version")
}

func TestGlobalProcessorTaskDeletionRemovesTerminalTasksOnly(t *testing.T) {
	store, err := indexstore.OpenStore(t.TempDir(), kv.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	g, q := newTestGlobalProcessor(t, store)
	done, err := q.Enqueue(tasks.KindIndexCreation, "movies", nil)
	require.NoError(t, err)
	require.NoError(t, q.WithWriteTx(func(tx *bbolt.Tx) error {
		_, err := q.UpdateStatus(tx, done.Uid, tasks.StatusSucceeded, done.EnqueuedAt, nil, nil, nil)
		return err
	}))

	pending, err := q.Enqueue(tasks.KindIndexCreation, "movies", nil)
	require.NoError(t, err)

	payload, _ := json.Marshal(TaskDeletionPayload{Filter: tasks.Filter{}})
	del, err := q.Enqueue(tasks.KindTaskDeletion, "", nil)
	require.NoError(t, err)

	err = q.WithWriteTx(func(tx *bbolt.Tx) error {
		_, err := g.Process(context.Background(), tx, []*tasks.Task{{Uid: del.Uid, Kind: tasks.KindTaskDeletion, Payload: payload}})
		return err
	})
	require.NoError(t, err)

	_, err = q.Get(done.Uid)
	assert.Error(t, err, "the succeeded task must have been deleted")

	still, err := q.Get(pending.Uid)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusEnqueued, still.Status, "a still-enqueued task must survive TaskDeletion")
}

func TestGlobalProcessorTaskCancelationCancelsEnqueuedOnly(t *testing.T) {
	store, err := indexstore.OpenStore(t.TempDir(), kv.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	g, q := newTestGlobalProcessor(t, store)
	pending, err := q.Enqueue(tasks.KindIndexCreation, "movies", nil)
	require.NoError(t, err)

	payload, _ := json.Marshal(TaskCancelationPayload{Filter: tasks.Filter{Statuses: []tasks.Status{tasks.StatusEnqueued}}})
	cancel, err := q.Enqueue(tasks.KindTaskCancelation, "", nil)
	require.NoError(t, err)

	err = q.WithWriteTx(func(tx *bbolt.Tx) error {
		_, err := g.Process(context.Background(), tx, []*tasks.Task{{Uid: cancel.Uid, Kind: tasks.KindTaskCancelation, Payload: payload}})
		return err
	})
	require.NoError(t, err)

	got, err := q.Get(pending.Uid)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCanceled, got.Status)
}
