package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/config"
	"github.com/lexidb/lexid/internal/kv"
	"github.com/lexidb/lexid/internal/meilierr"
	"github.com/lexidb/lexid/internal/tasks"
)

// fakeProcessor lets tests script success/failure per call without touching
// a real index.
type fakeProcessor struct {
	calls int32
	fn    func(batch []*tasks.Task) ([]ProcessedTask, error)
}

func (f *fakeProcessor) Process(_ context.Context, _ *bbolt.Tx, batch []*tasks.Task) ([]ProcessedTask, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.fn != nil {
		return f.fn(batch)
	}
	results := make([]ProcessedTask, len(batch))
	for i, t := range batch {
		results[i] = ProcessedTask{Uid: t.Uid}
	}
	return results, nil
}

func openTestQueue(t *testing.T) *tasks.Queue {
	t.Helper()
	q, err := tasks.Open(filepath.Join(t.TempDir(), "tasks.db"), kv.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition not met within timeout")
}

func TestTickProcessesEnqueuedBatchSuccessfully(t *testing.T) {
	q := openTestQueue(t)
	task, err := q.Enqueue(tasks.KindDocumentAdditionOrUpdate, "doggos", nil)
	require.NoError(t, err)

	proc := &fakeProcessor{}
	s := New(q, proc, proc, nil)

	advanced, fatal := s.tick(context.Background())
	assert.True(t, advanced)
	assert.False(t, fatal)
	assert.Equal(t, int32(1), proc.calls)

	got, err := q.Get(task.Uid)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusSucceeded, got.Status)
	assert.NotNil(t, got.FinishedAt)
}

func TestTickNoEnqueuedTasksDoesNotAdvance(t *testing.T) {
	q := openTestQueue(t)
	proc := &fakeProcessor{}
	s := New(q, proc, proc, nil)

	advanced, fatal := s.tick(context.Background())
	assert.False(t, advanced)
	assert.False(t, fatal)
	assert.Zero(t, proc.calls)
}

func TestTickMarksTaskFailedOnNonFatalProcessorError(t *testing.T) {
	q := openTestQueue(t)
	task, err := q.Enqueue(tasks.KindDocumentAdditionOrUpdate, "doggos", nil)
	require.NoError(t, err)

	proc := &fakeProcessor{fn: func(batch []*tasks.Task) ([]ProcessedTask, error) {
		return nil, meilierr.New(meilierr.CodeInvalidDocumentFilter, "bad filter", nil)
	}}
	s := New(q, proc, proc, nil)

	advanced, fatal := s.tick(context.Background())
	assert.True(t, advanced)
	assert.False(t, fatal)

	got, err := q.Get(task.Uid)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, meilierr.CodeInvalidDocumentFilter, got.Error.Code)
}

func TestTickMarksFatalOnFatalProcessorErrorAndSleepsFloor(t *testing.T) {
	q := openTestQueue(t)
	task, err := q.Enqueue(tasks.KindDocumentAdditionOrUpdate, "doggos", nil)
	require.NoError(t, err)

	proc := &fakeProcessor{fn: func(batch []*tasks.Task) ([]ProcessedTask, error) {
		return nil, meilierr.New(meilierr.CodeKVStoreCorruption, "corrupt", nil)
	}}
	s := New(q, proc, proc, nil)

	start := time.Now()
	advanced, fatal := s.tick(context.Background())
	elapsed := time.Since(start)

	assert.True(t, advanced)
	assert.True(t, fatal)
	assert.GreaterOrEqual(t, elapsed, MinRetryDelay)

	got, err := q.Get(task.Uid)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, got.Status)
}

func TestRunStopsAcceptingBatchesAfterFatalError(t *testing.T) {
	q := openTestQueue(t)
	_, err := q.Enqueue(tasks.KindDocumentAdditionOrUpdate, "doggos", nil)
	require.NoError(t, err)

	proc := &fakeProcessor{fn: func(batch []*tasks.Task) ([]ProcessedTask, error) {
		return nil, meilierr.New(meilierr.CodeKVStoreCorruption, "corrupt", nil)
	}}
	s := New(q, proc, proc, nil)

	s.Start(context.Background())
	defer s.Stop()

	waitUntil(t, 5*time.Second, s.IsDown)
	assert.True(t, s.IsDown())
}

func TestWakeTriggersImmediateProcessing(t *testing.T) {
	q := openTestQueue(t)
	proc := &fakeProcessor{}
	s := New(q, proc, proc, nil)

	s.Start(context.Background())
	defer s.Stop()

	task, err := q.Enqueue(tasks.KindDocumentAdditionOrUpdate, "doggos", nil)
	require.NoError(t, err)
	s.Wake()

	waitUntil(t, 2*time.Second, func() bool {
		got, err := q.Get(task.Uid)
		return err == nil && got.Status == tasks.StatusSucceeded
	})
}

// TestSchedulerLogsThroughConfiguredLogger checks that a Scheduler built
// with config.Config's configured logger (internal/logging, not
// slog.Default) actually writes batch-commit lines to it.
func TestSchedulerLogsThroughConfiguredLogger(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Data.Path = t.TempDir()
	logger, cleanup, err := cfg.Logger()
	require.NoError(t, err)
	defer cleanup()

	q := openTestQueue(t)
	_, err = q.Enqueue(tasks.KindDocumentAdditionOrUpdate, "doggos", nil)
	require.NoError(t, err)

	proc := &fakeProcessor{}
	s := New(q, proc, proc, logger)

	advanced, fatal := s.tick(context.Background())
	assert.True(t, advanced)
	assert.False(t, fatal)
	cleanup()

	data, err := os.ReadFile(filepath.Join(cfg.Data.Path, "lexid.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "batch committed")
}
