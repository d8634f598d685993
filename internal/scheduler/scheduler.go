package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/meilierr"
	"github.com/lexidb/lexid/internal/tasks"
)

// Processor executes one planned batch's work against its target index (or
// the global environment, for global-kind batches). It receives the queue's
// write transaction that the scheduler opened for the batch and later
// commits with the task statuses. GlobalProcessor makes its queue mutations
// inside it; Processor ignores it and commits index mutations in the
// index's own environment, separately from the task-status commit.
// Implemented twice by internal/indexer: Processor for document/settings/
// index-lifecycle batches, GlobalProcessor for index swap, dump, snapshot,
// upgrade and task deletion/cancelation batches.
type Processor interface {
	// Process executes batch against tx and returns per-task result details
	// (nil entries mean "no details") or an error that fails the whole batch.
	Process(ctx context.Context, tx *bbolt.Tx, batch []*tasks.Task) ([]ProcessedTask, error)
}

// ProcessedTask is one task's outcome from a Processor.
type ProcessedTask struct {
	Uid     uint32
	Details []byte
}

// MinRetryDelay is the floor the scheduler waits after a critical mid-commit
// failure before attempting the next iteration (spec.md §4.3: "tests MUST
// observe this floor").
const MinRetryDelay = 1 * time.Second

// Scheduler drains the task queue: plan -> mark Processing -> dispatch to a
// Processor -> commit -> repeat. Modeled on the teacher's BackgroundIndexer
// start/stop/doneCh lifecycle, generalized from a one-shot indexing run to a
// perpetual loop with a wake channel.
type Scheduler struct {
	queue      *tasks.Queue
	processors map[bool]Processor // keyed by tasks.IsGlobal(kind)
	log        *slog.Logger

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	running bool
	down    bool // sticky "scheduler down" flag, set on fatal errors
}

// New creates a Scheduler over queue. globalProcessor handles batches whose
// kind is global (dump, snapshot, upgrade, task deletion/cancelation, index
// swap); indexProcessor handles document/settings/index-lifecycle batches.
func New(queue *tasks.Queue, indexProcessor, globalProcessor Processor, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		queue: queue,
		processors: map[bool]Processor{
			false: indexProcessor,
			true:  globalProcessor,
		},
		log:    log,
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Wake signals the scheduler to re-plan immediately, e.g. after Enqueue.
// Non-blocking: if a wake is already pending, this is a no-op.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// IsDown reports whether the scheduler has hit a fatal error and stopped
// accepting further batches until operator restart.
func (s *Scheduler) IsDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		if s.IsDown() {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			}
		}

		advanced, fatal := s.tick(ctx)
		if fatal {
			s.mu.Lock()
			s.down = true
			s.mu.Unlock()
			s.log.Error("scheduler down after fatal batch error")
			continue
		}

		if !advanced {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-s.wakeCh:
			case <-ticker.C:
			}
		}
	}
}

// tick plans and executes at most one batch. It returns whether a batch was
// executed (advanced) and whether the error, if any, was scheduler-fatal.
func (s *Scheduler) tick(ctx context.Context) (advanced bool, fatal bool) {
	prefix, err := s.queue.EnqueuedPrefix()
	if err != nil {
		s.log.Error("failed reading enqueued prefix", "error", err)
		return false, false
	}

	batch := Plan(prefix)
	if len(batch) == 0 {
		return false, false
	}

	batchUids := make([]uint32, len(batch))
	for i, t := range batch {
		batchUids[i] = t.Uid
	}

	started := time.Now().UTC()
	var batchRecord *tasks.Batch

	err = s.queue.WithWriteTx(func(tx *bbolt.Tx) error {
		b, err := s.queue.CreateBatch(tx, batchUids, started)
		if err != nil {
			return err
		}
		batchRecord = b
		for _, uid := range batchUids {
			if _, err := s.queue.UpdateStatus(tx, uid, tasks.StatusProcessing, started, &b.Uid, nil, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.Error("failed marking batch processing", "error", err)
		return false, false
	}

	processor := s.processors[tasks.IsGlobal(batch[0].Kind)]
	var results []ProcessedTask
	var processErr error

	err = s.queue.WithWriteTx(func(tx *bbolt.Tx) error {
		results, processErr = processor.Process(ctx, tx, batch)
		if processErr != nil {
			return processErr
		}
		return s.commitSuccess(tx, batchRecord, batch, results)
	})

	finished := time.Now().UTC()

	if err != nil {
		return s.handleBatchFailure(batchRecord, batch, finished, err)
	}

	s.log.Info("batch committed", "batch_uid", batchRecord.Uid, "task_count", len(batch), "duration_ms", finished.Sub(started).Milliseconds())
	return true, false
}

func (s *Scheduler) commitSuccess(tx *bbolt.Tx, batchRecord *tasks.Batch, batch []*tasks.Task, results []ProcessedTask) error {
	now := time.Now().UTC()
	detailsByUid := map[uint32][]byte{}
	for _, r := range results {
		detailsByUid[r.Uid] = r.Details
	}

	stats := tasks.BatchStats{TotalTasks: len(batch), KindCounts: map[tasks.Kind]int{}}
	for _, t := range batch {
		stats.KindCounts[t.Kind]++
		stats.TotalSucceeded++
		if _, err := s.queue.UpdateStatus(tx, t.Uid, tasks.StatusSucceeded, now, &batchRecord.Uid, nil, detailsByUid[t.Uid]); err != nil {
			return err
		}
	}

	return s.queue.FinishBatch(tx, batchRecord, now, stats)
}

// handleBatchFailure rolls forward a fresh transaction marking every task in
// the batch Failed, per spec step 7. It returns whether the error was
// scheduler-fatal.
func (s *Scheduler) handleBatchFailure(batchRecord *tasks.Batch, batch []*tasks.Task, finished time.Time, batchErr error) (advanced bool, fatal bool) {
	taskErr := &tasks.TaskError{
		Code:    meilierr.Code(batchErr),
		Message: batchErr.Error(),
		Type:    string(meilierr.TypeOf(batchErr)),
	}

	err := s.queue.WithWriteTx(func(tx *bbolt.Tx) error {
		stats := tasks.BatchStats{TotalTasks: len(batch), KindCounts: map[tasks.Kind]int{}}
		for _, t := range batch {
			stats.KindCounts[t.Kind]++
			stats.TotalFailed++
			if _, err := s.queue.UpdateStatus(tx, t.Uid, tasks.StatusFailed, finished, &batchRecord.Uid, taskErr, nil); err != nil {
				return err
			}
		}
		return s.queue.FinishBatch(tx, batchRecord, finished, stats)
	})
	if err != nil {
		s.log.Error("failed recording batch failure", "error", err)
	}

	s.log.Error("batch failed", "batch_uid", batchRecord.Uid, "error", batchErr)

	if meilierr.IsFatal(batchErr) {
		time.Sleep(MinRetryDelay)
		return true, true
	}
	return true, false
}

// ErrSchedulerDown is returned by callers that try to enqueue work once the
// sticky down flag is set.
var ErrSchedulerDown = fmt.Errorf("scheduler is down, awaiting operator restart")
