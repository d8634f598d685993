package tasks

import "time"

// Batch is one atomic execution unit: a group of tasks the scheduler plans
// and runs together. At most one batch is Processing at any time; its uid is
// monotonic and independent of task uids.
type Batch struct {
	Uid        uint32     `json:"uid"`
	TaskUids   []uint32   `json:"task_uids"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Stats      BatchStats `json:"stats"`
}

// BatchStats summarizes the outcome of a committed batch for the /batches
// HTTP endpoint.
type BatchStats struct {
	TotalTasks      int            `json:"total_tasks"`
	TotalSucceeded  int            `json:"total_succeeded"`
	TotalFailed     int            `json:"total_failed"`
	TotalCanceled   int            `json:"total_canceled"`
	KindCounts      map[Kind]int   `json:"kind_counts,omitempty"`
}
