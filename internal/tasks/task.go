// Package tasks persists the ordered log of Tasks: an immutable request plus
// an evolving status, keyed by a monotonic uid. Secondary indexes over
// status, kind, index name and date buckets are maintained as roaring
// bitmaps so that queries of the form "status IN … AND kind IN … AND
// indexUid IN …" resolve by set intersection instead of a full scan.
package tasks

import (
	"encoding/json"
	"time"
)

// Kind identifies the request carried by a task.
type Kind string

const (
	KindDocumentAdditionOrUpdate Kind = "documentAdditionOrUpdate"
	KindDocumentDeletion         Kind = "documentDeletion"
	KindDocumentDeletionByFilter Kind = "documentDeletionByFilter"
	KindDocumentClear            Kind = "documentClear"
	KindSettingsUpdate           Kind = "settingsUpdate"
	KindIndexCreation            Kind = "indexCreation"
	KindIndexUpdate              Kind = "indexUpdate"
	KindIndexDeletion            Kind = "indexDeletion"
	KindIndexSwap                Kind = "indexSwap"
	KindTaskDeletion             Kind = "taskDeletion"
	KindTaskCancelation          Kind = "taskCancelation"
	KindDumpCreation             Kind = "dumpCreation"
	KindSnapshotCreation         Kind = "snapshotCreation"
	KindUpgradeDatabase          Kind = "upgradeDatabase"
)

// globalKinds run against no single index; they have no IndexUid.
var globalKinds = map[Kind]bool{
	KindTaskDeletion:     true,
	KindTaskCancelation:  true,
	KindDumpCreation:     true,
	KindSnapshotCreation: true,
	KindUpgradeDatabase:  true,
	KindIndexSwap:        true,
}

// IsGlobal reports whether kind targets no single index.
func IsGlobal(kind Kind) bool {
	return globalKinds[kind]
}

// Status is a task's position in the Enqueued -> Processing -> terminal
// lifecycle.
type Status string

const (
	StatusEnqueued   Status = "enqueued"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// IsTerminal reports whether s is a final status; terminal tasks are
// immutable except for deletion by a TaskDeletion task.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// TaskError records the taxonomy + message set on a Failed task.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Task is the immutable request plus evolving status persisted by the
// queue. Payload and Details are kind-specific and stored as raw JSON so the
// queue itself never needs to know every request shape.
type Task struct {
	Uid        uint32          `json:"uid"`
	IndexUid   string          `json:"index_uid,omitempty"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Status     Status          `json:"status"`
	BatchUid   *uint32         `json:"batch_uid,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Error      *TaskError      `json:"error,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// CanTransitionTo reports whether moving from t.Status to next is legal
// under the Enqueued -> Processing -> {Succeeded, Failed, Canceled}
// invariant (Enqueued -> Canceled is also allowed, for pre-start
// cancellation).
func (t *Task) CanTransitionTo(next Status) bool {
	switch t.Status {
	case StatusEnqueued:
		return next == StatusProcessing || next == StatusCanceled
	case StatusProcessing:
		return next == StatusSucceeded || next == StatusFailed || next == StatusCanceled
	default:
		return false
	}
}
