package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/dump"
	"github.com/lexidb/lexid/internal/indexstore"
	"github.com/lexidb/lexid/internal/meilierr"
	"github.com/lexidb/lexid/internal/scheduler"
	"github.com/lexidb/lexid/internal/tasks"
)

// GlobalConfig configures a GlobalProcessor.
type GlobalConfig struct {
	Store *indexstore.Store
	Queue *tasks.Queue

	// DumpDir and SnapshotDir are the destination directories DumpCreation
	// and SnapshotCreation batches write under. A task of either kind fails
	// with CodeInvalidTask if the matching directory is empty, rather than
	// writing somewhere the operator never configured.
	DumpDir     string
	SnapshotDir string

	// Upgrade runs any migration steps between the queue's recorded version
	// and tasks.CurrentDBVersion, inside the same write transaction the
	// version bump commits in. nil means no migration logic exists yet, so
	// an UpgradeDatabase task only has to bump the stamped version. Tests
	// substitute a failing stub to exercise spec.md §8 scenario 4 (a forced
	// Upgrade failure leaving the scheduler down).
	Upgrade func(tx *bbolt.Tx, from, to int) error
}

// GlobalProcessor implements scheduler.Processor for the global-kind
// singleton batches: index swap, dump/snapshot export, schema upgrade, and
// task deletion/cancelation.
type GlobalProcessor struct {
	store       *indexstore.Store
	queue       *tasks.Queue
	dumpDir     string
	snapshotDir string
	upgrade     func(tx *bbolt.Tx, from, to int) error
}

// NewGlobalProcessor builds a GlobalProcessor from cfg.
func NewGlobalProcessor(cfg GlobalConfig) *GlobalProcessor {
	return &GlobalProcessor{
		store:       cfg.Store,
		queue:       cfg.Queue,
		dumpDir:     cfg.DumpDir,
		snapshotDir: cfg.SnapshotDir,
		upgrade:     cfg.Upgrade,
	}
}

// Process implements scheduler.Processor. tx is the queue's own write
// transaction (the scheduler always calls Process from inside
// tasks.Queue.WithWriteTx), so handlers that mutate the queue's meta or task
// buckets do it through tx rather than opening a second transaction on the
// same environment.
func (g *GlobalProcessor) Process(_ context.Context, tx *bbolt.Tx, batch []*tasks.Task) ([]scheduler.ProcessedTask, error) {
	if len(batch) != 1 {
		return nil, meilierr.New(meilierr.CodeInvalidTask, "global task batches must be singletons", nil)
	}
	t := batch[0]

	switch t.Kind {
	case tasks.KindIndexSwap:
		return g.processIndexSwap(t)
	case tasks.KindDumpCreation:
		return g.processDumpCreation(t)
	case tasks.KindSnapshotCreation:
		return g.processSnapshotCreation(tx, t)
	case tasks.KindUpgradeDatabase:
		return g.processUpgrade(tx, t)
	case tasks.KindTaskDeletion:
		return g.processTaskDeletion(tx, t)
	case tasks.KindTaskCancelation:
		return g.processTaskCancelation(tx, t)
	default:
		return nil, meilierr.New(meilierr.CodeInvalidTask,
			fmt.Sprintf("task kind %q is not yet supported", t.Kind), nil)
	}
}

func (g *GlobalProcessor) processIndexSwap(t *tasks.Task) ([]scheduler.ProcessedTask, error) {
	var payload IndexSwapPayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return nil, meilierr.Wrap(meilierr.CodeInvalidFieldFormat, err)
	}

	for _, pair := range payload.Swaps {
		if err := g.store.Rename(pair[0], pair[1]); err != nil {
			return nil, err
		}
	}

	return []scheduler.ProcessedTask{{Uid: t.Uid}}, nil
}

// processDumpCreation writes a full archive via internal/dump. The archive
// itself is built from each index's own snapshot transaction, so it never
// holds the queue's write transaction open for the duration of the export.
func (g *GlobalProcessor) processDumpCreation(t *tasks.Task) ([]scheduler.ProcessedTask, error) {
	if g.dumpDir == "" {
		return nil, meilierr.New(meilierr.CodeInvalidTask, "dumps are not configured for this instance", nil)
	}

	path, err := dump.CreateDump(g.store, g.queue, g.dumpDir)
	if err != nil {
		return nil, err
	}

	details, err := json.Marshal(map[string]string{"dumpUid": filepath.Base(path)})
	if err != nil {
		return nil, meilierr.Wrap(meilierr.CodeSerialization, err)
	}
	return []scheduler.ProcessedTask{{Uid: t.Uid, Details: details}}, nil
}

// processSnapshotCreation copies every open index's bbolt file, each
// through its own environment's snapshot transaction, plus the task queue's
// own file, into a fresh timestamped directory. The queue's file is copied
// straight from tx (the write transaction this handler is already running
// inside) rather than through a second Env().Snapshot call, since opening
// another transaction on the same bbolt environment while one is already
// open is the one thing bbolt's single-writer model forbids. Unlike a dump,
// a snapshot is a raw file copy: no JSON re-encoding, and it restores by
// pointing a new instance's data directory straight at it.
func (g *GlobalProcessor) processSnapshotCreation(tx *bbolt.Tx, t *tasks.Task) ([]scheduler.ProcessedTask, error) {
	if g.snapshotDir == "" {
		return nil, meilierr.New(meilierr.CodeInvalidTask, "snapshots are not configured for this instance", nil)
	}

	dest := filepath.Join(g.snapshotDir, time.Now().UTC().Format("20060102-150405.000000000"))
	if err := os.MkdirAll(filepath.Join(dest, "indexes"), 0o755); err != nil {
		return nil, meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}

	for _, uid := range g.store.List() {
		idx, ok := g.store.Get(uid)
		if !ok {
			continue
		}
		idxDir := filepath.Join(dest, "indexes", uid)
		if err := os.MkdirAll(idxDir, 0o755); err != nil {
			return nil, meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
		}
		snapPath := filepath.Join(idxDir, filepath.Base(idx.Env().Path()))
		err := idx.Env().Snapshot(func(itx *bbolt.Tx) error {
			return itx.CopyFile(snapPath, 0o644)
		})
		if err != nil {
			return nil, meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
		}
	}

	queuePath := filepath.Join(dest, filepath.Base(g.queue.Env().Path()))
	if err := tx.CopyFile(queuePath, 0o644); err != nil {
		return nil, meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}

	details, err := json.Marshal(map[string]string{"snapshotPath": dest})
	if err != nil {
		return nil, meilierr.Wrap(meilierr.CodeSerialization, err)
	}
	return []scheduler.ProcessedTask{{Uid: t.Uid, Details: details}}, nil
}

// processUpgrade compares the queue's recorded schema version against
// tasks.CurrentDBVersion. A no-op upgrade (the common case, nothing to
// migrate yet) just bumps the stamped version. A failing g.upgrade makes the
// task fail with the fatal CodeUpgradeFailed code, which the scheduler turns
// into its sticky down flag (spec.md §8 scenario 4): the version is left
// unmoved, so the same Upgrade task is retried verbatim on restart.
func (g *GlobalProcessor) processUpgrade(tx *bbolt.Tx, t *tasks.Task) ([]scheduler.ProcessedTask, error) {
	current, err := g.queue.VersionTx(tx)
	if err != nil {
		return nil, err
	}
	if current >= tasks.CurrentDBVersion {
		details, _ := json.Marshal(map[string]int{"dbVersion": current})
		return []scheduler.ProcessedTask{{Uid: t.Uid, Details: details}}, nil
	}

	if g.upgrade != nil {
		if err := g.upgrade(tx, current, tasks.CurrentDBVersion); err != nil {
			return nil, meilierr.Wrap(meilierr.CodeUpgradeFailed, err)
		}
	}
	if err := g.queue.SetVersion(tx, tasks.CurrentDBVersion); err != nil {
		return nil, err
	}

	details, err := json.Marshal(map[string]int{"dbVersion": tasks.CurrentDBVersion})
	if err != nil {
		return nil, meilierr.Wrap(meilierr.CodeSerialization, err)
	}
	return []scheduler.ProcessedTask{{Uid: t.Uid, Details: details}}, nil
}

// processTaskDeletion removes every terminal task matching the payload
// filter. Non-terminal matches (still Enqueued or Processing) are left
// alone: a TaskDeletion task only prunes history, it never cancels work.
func (g *GlobalProcessor) processTaskDeletion(tx *bbolt.Tx, t *tasks.Task) ([]scheduler.ProcessedTask, error) {
	var payload TaskDeletionPayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return nil, meilierr.Wrap(meilierr.CodeInvalidFieldFormat, err)
	}

	matched := g.queue.MatchUids(payload.Filter)
	deleted := 0
	for _, uid := range matched {
		if uid == t.Uid {
			continue // never delete the TaskDeletion task recording its own progress
		}
		match, err := g.queue.GetTx(tx, uid)
		if err != nil {
			return nil, err
		}
		if !match.Status.IsTerminal() {
			continue
		}
		if err := g.queue.DeleteTaskTx(tx, uid); err != nil {
			return nil, err
		}
		deleted++
	}

	details, err := json.Marshal(map[string]int{"deletedTasks": deleted})
	if err != nil {
		return nil, meilierr.Wrap(meilierr.CodeSerialization, err)
	}
	return []scheduler.ProcessedTask{{Uid: t.Uid, Details: details}}, nil
}

// processTaskCancelation moves every still-Enqueued task matching the
// payload filter to Canceled. A task already Processing (or terminal) is
// left alone: cancellation only withdraws work that has not started, per
// tasks.Task.CanTransitionTo.
func (g *GlobalProcessor) processTaskCancelation(tx *bbolt.Tx, t *tasks.Task) ([]scheduler.ProcessedTask, error) {
	var payload TaskCancelationPayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return nil, meilierr.Wrap(meilierr.CodeInvalidFieldFormat, err)
	}

	now := time.Now().UTC()
	matched := g.queue.MatchUids(payload.Filter)
	canceled := 0
	for _, uid := range matched {
		if uid == t.Uid {
			continue
		}
		match, err := g.queue.GetTx(tx, uid)
		if err != nil {
			return nil, err
		}
		if !match.CanTransitionTo(tasks.StatusCanceled) {
			continue
		}
		if _, err := g.queue.UpdateStatus(tx, uid, tasks.StatusCanceled, now, nil, nil, nil); err != nil {
			return nil, err
		}
		canceled++
	}

	details, err := json.Marshal(map[string]int{"canceledTasks": canceled})
	if err != nil {
		return nil, meilierr.Wrap(meilierr.CodeSerialization, err)
	}
	return []scheduler.ProcessedTask{{Uid: t.Uid, Details: details}}, nil
}
