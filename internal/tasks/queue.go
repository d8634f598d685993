package tasks

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/kv"
	"github.com/lexidb/lexid/internal/meilierr"
)

const (
	bucketTasks   = "tasks"
	bucketBatches = "batches"
	bucketMeta    = "meta"

	keyNextTaskUid  = "next_task_uid"
	keyNextBatchUid = "next_batch_uid"
	keyDBVersion    = "db_version"
)

// Queue is the persisted, ordered log of tasks, with in-memory roaring
// bitmap secondary indexes rebuilt from the bbolt-backed log at Open time.
// Enqueue is safe for concurrent callers; only the scheduler transitions a
// task out of Enqueued.
type Queue struct {
	env *kv.Env

	mu          sync.RWMutex
	byStatus    map[Status]*roaring.Bitmap
	byKind      map[Kind]*roaring.Bitmap
	byIndexUid  map[string]*roaring.Bitmap
	byBatchUid  map[uint32]*roaring.Bitmap
	byEnqueued  map[string]*roaring.Bitmap // date bucket (YYYY-MM-DD) -> task uids
}

// Open opens the queue's bbolt environment at path and rebuilds its
// secondary indexes from persisted tasks.
func Open(path string, opts kv.Options) (*Queue, error) {
	env, err := kv.Open(path, opts, bucketTasks, bucketBatches, bucketMeta)
	if err != nil {
		return nil, err
	}

	q := &Queue{
		env:        env,
		byStatus:   map[Status]*roaring.Bitmap{},
		byKind:     map[Kind]*roaring.Bitmap{},
		byIndexUid: map[string]*roaring.Bitmap{},
		byBatchUid: map[uint32]*roaring.Bitmap{},
		byEnqueued: map[string]*roaring.Bitmap{},
	}

	if err := q.rebuildIndexes(); err != nil {
		_ = env.Close()
		return nil, err
	}

	return q, nil
}

func (q *Queue) rebuildIndexes() error {
	return q.env.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketTasks))
		return b.ForEach(func(_, v []byte) error {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return meilierr.Wrap(meilierr.CodeSerialization, err)
			}
			q.index(&t)
			return nil
		})
	})
}

// indexLocked adds t's uid to every secondary bitmap it belongs to. Caller must
// hold q.mu for writing.
func (q *Queue) indexLocked(t *Task) {
	q.bitmap(q.byStatus, t.Status).Add(t.Uid)
	q.bitmap(q.byKind, t.Kind).Add(t.Uid)
	if t.IndexUid != "" {
		q.bitmapStr(q.byIndexUid, t.IndexUid).Add(t.Uid)
	}
	if t.BatchUid != nil {
		q.bitmapU32(q.byBatchUid, *t.BatchUid).Add(t.Uid)
	}
	q.bitmapStr(q.byEnqueued, t.EnqueuedAt.Format("2006-01-02")).Add(t.Uid)
}

func (q *Queue) index(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.indexLocked(t)
}

// unindexStatusLocked removes t's uid from the bitmap of oldStatus; the
// kind, index, date and batch bitmaps are left as they are.
func (q *Queue) unindexStatusLocked(t *Task, oldStatus Status) {
	if bm, ok := q.byStatus[oldStatus]; ok {
		bm.Remove(t.Uid)
	}
}

func (q *Queue) bitmap(m map[Status]*roaring.Bitmap, k Status) *roaring.Bitmap {
	bm, ok := m[k]
	if !ok {
		bm = roaring.New()
		m[k] = bm
	}
	return bm
}

func (q *Queue) bitmapStr(m map[string]*roaring.Bitmap, k string) *roaring.Bitmap {
	bm, ok := m[k]
	if !ok {
		bm = roaring.New()
		m[k] = bm
	}
	return bm
}

func (q *Queue) bitmapU32(m map[uint32]*roaring.Bitmap, k uint32) *roaring.Bitmap {
	bm, ok := m[k]
	if !ok {
		bm = roaring.New()
		m[k] = bm
	}
	return bm
}

// Close closes the backing environment.
func (q *Queue) Close() error {
	return q.env.Close()
}

// Env returns the queue's backing environment, for callers that need to
// commit a version bump or other global-kind mutation (internal/indexer's
// GlobalProcessor) inside the same transaction the scheduler already opened.
func (q *Queue) Env() *kv.Env {
	return q.env
}

// CurrentDBVersion is the schema version this build writes and expects.
// UpgradeDatabase tasks carry the recorded version forward to this value;
// a mismatch at startup is what triggers auto-enqueuing one (spec.md §8
// scenario 4).
const CurrentDBVersion = 1

// Version returns the on-disk schema version recorded in the global
// environment, or 0 if none has ever been recorded (a brand-new queue).
func (q *Queue) Version() (int, error) {
	var v int
	err := q.env.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketMeta))
		data := b.Get([]byte(keyDBVersion))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &v)
	})
	return v, err
}

// SetVersion records v as the on-disk schema version, inside tx so it
// commits atomically with whatever batch wrote it (the Upgrade task).
func (q *Queue) SetVersion(tx *bbolt.Tx, v int) error {
	data, err := json.Marshal(v)
	if err != nil {
		return meilierr.Wrap(meilierr.CodeSerialization, err)
	}
	b := tx.Bucket([]byte(bucketMeta))
	if err := b.Put([]byte(keyDBVersion), data); err != nil {
		return meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}
	return nil
}

// VersionTx is Version read through a transaction the caller already has
// open, so an UpgradeDatabase handler running inside the scheduler's write
// transaction never opens a second, nested one on the same environment.
func (q *Queue) VersionTx(tx *bbolt.Tx) (int, error) {
	var v int
	b := tx.Bucket([]byte(bucketMeta))
	data := b.Get([]byte(keyDBVersion))
	if data == nil {
		return 0, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, meilierr.Wrap(meilierr.CodeSerialization, err)
	}
	return v, nil
}

// Enqueue persists a new task and assigns it the next strictly increasing
// uid. Safe for concurrent use by many callers.
func (q *Queue) Enqueue(kind Kind, indexUid string, payload any) (*Task, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, meilierr.Wrap(meilierr.CodeSerialization, err)
	}

	t := &Task{
		IndexUid:   indexUid,
		Kind:       kind,
		Payload:    payloadJSON,
		Status:     StatusEnqueued,
		EnqueuedAt: time.Now().UTC(),
	}

	err = q.env.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		uid, err := nextUid(meta, keyNextTaskUid)
		if err != nil {
			return err
		}
		t.Uid = uid

		data, err := json.Marshal(t)
		if err != nil {
			return meilierr.Wrap(meilierr.CodeSerialization, err)
		}

		return tx.Bucket([]byte(bucketTasks)).Put(kv.EncodeUint64(uint64(uid)), data)
	})
	if err != nil {
		return nil, err
	}

	q.index(t)
	return t, nil
}

// RestoreTask writes t verbatim at its own uid, preserving status, batch_uid
// and every timestamp, and advances the uid counter past it so a later
// Enqueue never collides. Used by internal/dump's tasks/queue.jsonl replay;
// unlike Enqueue, the caller supplies the uid.
func (q *Queue) RestoreTask(t *Task) error {
	err := q.env.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		if err := bumpUidCeiling(meta, keyNextTaskUid, t.Uid); err != nil {
			return err
		}
		data, err := json.Marshal(t)
		if err != nil {
			return meilierr.Wrap(meilierr.CodeSerialization, err)
		}
		return tx.Bucket([]byte(bucketTasks)).Put(kv.EncodeUint64(uint64(t.Uid)), data)
	})
	if err != nil {
		return err
	}
	q.index(t)
	return nil
}

// bumpUidCeiling raises the uid counter stored under key to at least uid, so
// a restored record never collides with the next freshly Enqueued one.
func bumpUidCeiling(meta *bbolt.Bucket, key string, uid uint32) error {
	cur := uint32(0)
	if raw := meta.Get([]byte(key)); raw != nil {
		cur = binaryToUint32(raw)
	}
	if uid <= cur {
		return nil
	}
	if err := meta.Put([]byte(key), uint32ToBinary(uid)); err != nil {
		return meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}
	return nil
}

// nextUid atomically reads and increments a uint32 counter stored under key
// in the meta bucket. Caller must already be inside a write transaction.
func nextUid(meta *bbolt.Bucket, key string) (uint32, error) {
	var next uint32 = 1
	if raw := meta.Get([]byte(key)); raw != nil {
		next = binaryToUint32(raw) + 1
	}
	if err := meta.Put([]byte(key), uint32ToBinary(next)); err != nil {
		return 0, meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}
	return next, nil
}

func uint32ToBinary(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func binaryToUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Get returns the task with the given uid.
func (q *Queue) Get(uid uint32) (*Task, error) {
	var t Task
	err := q.env.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketTasks)).Get(kv.EncodeUint64(uint64(uid)))
		if data == nil {
			return meilierr.New(meilierr.CodeTaskNotFound, fmt.Sprintf("task %d not found", uid), nil)
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Filter selects tasks whose fields match; nil/empty slices mean "any".
type Filter struct {
	Statuses   []Status
	Kinds      []Kind
	IndexUids  []string
	BatchUids  []uint32
}

// Query resolves filter by intersecting the relevant secondary bitmaps and
// returns the matching tasks in descending uid order (newest first), as the
// HTTP GET /tasks endpoint returns them.
func (q *Queue) Query(filter Filter) ([]*Task, error) {
	q.mu.RLock()
	result := q.matchLocked(filter)
	q.mu.RUnlock()

	uids := result.ToArray()
	tasks := make([]*Task, 0, len(uids))
	err := q.env.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketTasks))
		for i := len(uids) - 1; i >= 0; i-- {
			data := b.Get(kv.EncodeUint64(uint64(uids[i])))
			if data == nil {
				continue
			}
			var t Task
			if err := json.Unmarshal(data, &t); err != nil {
				return meilierr.Wrap(meilierr.CodeSerialization, err)
			}
			tasks = append(tasks, &t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (q *Queue) matchLocked(filter Filter) *roaring.Bitmap {
	var result *roaring.Bitmap

	intersect := func(next *roaring.Bitmap) {
		if result == nil {
			result = next.Clone()
			return
		}
		result.And(next)
	}

	unionOf := func(m map[string]*roaring.Bitmap, keys []string) *roaring.Bitmap {
		union := roaring.New()
		for _, k := range keys {
			if bm, ok := m[k]; ok {
				union.Or(bm)
			}
		}
		return union
	}

	if len(filter.Statuses) > 0 {
		union := roaring.New()
		for _, s := range filter.Statuses {
			if bm, ok := q.byStatus[s]; ok {
				union.Or(bm)
			}
		}
		intersect(union)
	}
	if len(filter.Kinds) > 0 {
		union := roaring.New()
		for _, k := range filter.Kinds {
			if bm, ok := q.byKind[k]; ok {
				union.Or(bm)
			}
		}
		intersect(union)
	}
	if len(filter.IndexUids) > 0 {
		intersect(unionOf(q.byIndexUid, filter.IndexUids))
	}
	if len(filter.BatchUids) > 0 {
		union := roaring.New()
		for _, b := range filter.BatchUids {
			if bm, ok := q.byBatchUid[b]; ok {
				union.Or(bm)
			}
		}
		intersect(union)
	}

	if result == nil {
		result = roaring.New()
		for _, bm := range q.byStatus {
			result.Or(bm)
		}
	}
	return result
}

// MatchUids resolves filter against the in-memory secondary indexes only,
// touching no bbolt transaction. Safe to call from inside a transaction
// already open on q.env (TaskDeletion/TaskCancelation do this, since they
// run inside the scheduler's write transaction and Query's own q.env.View
// would nest a second transaction on it).
func (q *Queue) MatchUids(filter Filter) []uint32 {
	q.mu.RLock()
	result := q.matchLocked(filter)
	q.mu.RUnlock()
	return result.ToArray()
}

// GetTx is Get read through a transaction the caller already has open.
func (q *Queue) GetTx(tx *bbolt.Tx, uid uint32) (*Task, error) {
	var t Task
	data := tx.Bucket([]byte(bucketTasks)).Get(kv.EncodeUint64(uint64(uid)))
	if data == nil {
		return nil, meilierr.New(meilierr.CodeTaskNotFound, fmt.Sprintf("task %d not found", uid), nil)
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, meilierr.Wrap(meilierr.CodeSerialization, err)
	}
	return &t, nil
}

// DeleteTaskTx removes a task record outright, for TaskDeletion batches.
// Only terminal-status tasks reach here; the caller is responsible for that
// check, since what counts as deletable is scheduler policy, not the
// queue's.
func (q *Queue) DeleteTaskTx(tx *bbolt.Tx, uid uint32) error {
	t, err := q.GetTx(tx, uid)
	if err != nil {
		return err
	}
	if err := tx.Bucket([]byte(bucketTasks)).Delete(kv.EncodeUint64(uint64(uid))); err != nil {
		return meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}

	q.mu.Lock()
	q.unindexStatusLocked(t, t.Status)
	if bm, ok := q.byKind[t.Kind]; ok {
		bm.Remove(t.Uid)
	}
	if t.IndexUid != "" {
		if bm, ok := q.byIndexUid[t.IndexUid]; ok {
			bm.Remove(t.Uid)
		}
	}
	if t.BatchUid != nil {
		if bm, ok := q.byBatchUid[*t.BatchUid]; ok {
			bm.Remove(t.Uid)
		}
	}
	if bm, ok := q.byEnqueued[t.EnqueuedAt.Format("2006-01-02")]; ok {
		bm.Remove(t.Uid)
	}
	q.mu.Unlock()
	return nil
}

// EnqueuedPrefix returns every Enqueued task in ascending uid order, the
// input the batch planner scans.
func (q *Queue) EnqueuedPrefix() ([]*Task, error) {
	tasks, err := q.Query(Filter{Statuses: []Status{StatusEnqueued}})
	if err != nil {
		return nil, err
	}
	// Query returns newest-first; the planner needs ascending id order.
	for i, j := 0, len(tasks)-1; i < j; i, j = i+1, j-1 {
		tasks[i], tasks[j] = tasks[j], tasks[i]
	}
	return tasks, nil
}

// UpdateStatus transitions a task's status, persisting the new status plus
// any timestamps/error/details supplied, inside the given transaction so
// callers can commit it together with the batch's other queue writes.
// now is passed in so scheduler tests can control timestamps deterministically.
func (q *Queue) UpdateStatus(tx *bbolt.Tx, uid uint32, next Status, now time.Time, batchUid *uint32, taskErr *TaskError, details json.RawMessage) (*Task, error) {
	b := tx.Bucket([]byte(bucketTasks))
	data := b.Get(kv.EncodeUint64(uint64(uid)))
	if data == nil {
		return nil, meilierr.New(meilierr.CodeTaskNotFound, fmt.Sprintf("task %d not found", uid), nil)
	}

	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, meilierr.Wrap(meilierr.CodeSerialization, err)
	}

	if !t.CanTransitionTo(next) {
		return nil, meilierr.New(meilierr.CodeInvalidTask, fmt.Sprintf("task %d cannot move from %s to %s", uid, t.Status, next), nil)
	}

	oldStatus := t.Status
	t.Status = next
	switch next {
	case StatusProcessing:
		t.StartedAt = &now
		t.BatchUid = batchUid
	case StatusSucceeded, StatusFailed, StatusCanceled:
		t.FinishedAt = &now
		if taskErr != nil {
			t.Error = taskErr
		}
		if details != nil {
			t.Details = details
		}
	}

	newData, err := json.Marshal(&t)
	if err != nil {
		return nil, meilierr.Wrap(meilierr.CodeSerialization, err)
	}
	if err := b.Put(kv.EncodeUint64(uint64(uid)), newData); err != nil {
		return nil, meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}

	q.mu.Lock()
	q.unindexStatusLocked(&t, oldStatus)
	q.bitmap(q.byStatus, next).Add(t.Uid)
	if batchUid != nil {
		q.bitmapU32(q.byBatchUid, *batchUid).Add(t.Uid)
	}
	q.mu.Unlock()

	return &t, nil
}

// CreateBatch allocates a new monotonic batch uid and persists the batch
// record inside tx, so batch allocation and task Processing transitions
// commit together (spec step 3: "commit this status transition before
// executing work").
func (q *Queue) CreateBatch(tx *bbolt.Tx, taskUids []uint32, startedAt time.Time) (*Batch, error) {
	meta := tx.Bucket([]byte(bucketMeta))
	uid, err := nextUid(meta, keyNextBatchUid)
	if err != nil {
		return nil, err
	}

	batch := &Batch{
		Uid:       uid,
		TaskUids:  taskUids,
		StartedAt: startedAt,
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return nil, meilierr.Wrap(meilierr.CodeSerialization, err)
	}
	if err := tx.Bucket([]byte(bucketBatches)).Put(kv.EncodeUint64(uint64(uid)), data); err != nil {
		return nil, meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}
	return batch, nil
}

// FinishBatch persists the final stats and finished_at for a batch.
func (q *Queue) FinishBatch(tx *bbolt.Tx, batch *Batch, finishedAt time.Time, stats BatchStats) error {
	batch.FinishedAt = &finishedAt
	batch.Stats = stats
	data, err := json.Marshal(batch)
	if err != nil {
		return meilierr.Wrap(meilierr.CodeSerialization, err)
	}
	return tx.Bucket([]byte(bucketBatches)).Put(kv.EncodeUint64(uint64(batch.Uid)), data)
}

// GetBatch returns the batch with the given uid.
func (q *Queue) GetBatch(uid uint32) (*Batch, error) {
	var batch Batch
	err := q.env.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketBatches)).Get(kv.EncodeUint64(uint64(uid)))
		if data == nil {
			return meilierr.New(meilierr.CodeBatchNotFound, fmt.Sprintf("batch %d not found", uid), nil)
		}
		return json.Unmarshal(data, &batch)
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// WithWriteTx runs fn inside the queue's single write transaction, exposing
// the *bbolt.Tx so the scheduler commits task statuses and global-kind queue
// mutations in one atomic commit. Index mutations are committed in each
// index's own environment and are not part of this transaction.
func (q *Queue) WithWriteTx(fn func(tx *bbolt.Tx) error) error {
	return q.env.Update(fn)
}
