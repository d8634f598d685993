// Package scheduler implements the auto-batching planner and the scheduler
// loop that drains the task queue, grounded on the autobatcher compatibility
// table in Meilisearch's index-scheduler crate and on the teacher's
// start/stop/doneCh background-goroutine lifecycle
// (internal/async.BackgroundIndexer).
package scheduler

import (
	"github.com/lexidb/lexid/internal/tasks"
)

// planState is the batch accumulator's current compatibility class. The
// first task in the enqueued prefix fixes the state; each subsequent task
// either extends it, collapses it into a broader state, or stops the batch.
type planState int

const (
	stateNone planState = iota
	stateDocumentAddition
	stateDocumentDeletion
	stateDocumentClear
	stateSettings
	stateSettingsAndDocumentAddition
	stateClearAndSettings
	stateIndexDeletion
)

// Plan selects the next maximal set of compatible tasks from the enqueued
// prefix (already in ascending uid order). It returns nil if the prefix is
// empty. Global singleton kinds (Upgrade, Dump, Snapshot, TaskDeletion,
// TaskCancelation, IndexSwap) always run alone; an UpgradeDatabase task
// anywhere in the prefix takes priority over everything else enqueued.
func Plan(prefix []*tasks.Task) []*tasks.Task {
	if len(prefix) == 0 {
		return nil
	}

	if up := firstOfKind(prefix, tasks.KindUpgradeDatabase); up != nil {
		return []*tasks.Task{up}
	}

	first := prefix[0]

	if isSingleton(first.Kind) {
		return []*tasks.Task{first}
	}

	state := stateFor(first.Kind)
	batch := []*tasks.Task{first}

	for _, next := range prefix[1:] {
		if next.IndexUid != first.IndexUid {
			// Only same-index tasks batch together (global tasks never reach
			// here since they are singletons handled above).
			break
		}
		newState, ok := accumulate(state, next.Kind)
		if !ok {
			break
		}
		state = newState
		batch = append(batch, next)
		if terminal(newState) {
			break
		}
	}

	return batch
}

func firstOfKind(prefix []*tasks.Task, kind tasks.Kind) *tasks.Task {
	for _, t := range prefix {
		if t.Kind == kind {
			return t
		}
	}
	return nil
}

// isSingleton reports whether kind always runs in a batch of exactly one:
// either it is a global kind, or it is an index-lifecycle kind that must
// not be batched with document/settings operations.
func isSingleton(kind tasks.Kind) bool {
	if tasks.IsGlobal(kind) {
		return true
	}
	switch kind {
	case tasks.KindIndexCreation, tasks.KindIndexUpdate:
		return true
	default:
		return false
	}
}

func stateFor(kind tasks.Kind) planState {
	switch kind {
	case tasks.KindDocumentAdditionOrUpdate:
		return stateDocumentAddition
	case tasks.KindDocumentDeletion, tasks.KindDocumentDeletionByFilter:
		return stateDocumentDeletion
	case tasks.KindDocumentClear:
		return stateDocumentClear
	case tasks.KindSettingsUpdate:
		return stateSettings
	default:
		return stateNone
	}
}

// terminal reports whether state is a collapse target that should not
// accumulate further (index deletion subsumes everything preceding it and
// always stops the batch there).
func terminal(state planState) bool {
	return state == stateIndexDeletion
}

// accumulate applies one more task's kind to the current state, returning
// the resulting state and whether the task extends the batch (false means
// "stop, do not include this task").
func accumulate(state planState, kind tasks.Kind) (planState, bool) {
	if kind == tasks.KindIndexDeletion {
		// Index deletion can batch with everything preceding it but always
		// stops the batch there (it subsumes prior tasks of the same index).
		switch state {
		case stateDocumentAddition, stateDocumentDeletion, stateDocumentClear,
			stateSettings, stateSettingsAndDocumentAddition, stateClearAndSettings:
			return stateIndexDeletion, true
		default:
			return state, false
		}
	}

	switch state {
	case stateDocumentAddition:
		switch kind {
		case tasks.KindDocumentAdditionOrUpdate:
			return stateDocumentAddition, true
		case tasks.KindSettingsUpdate:
			return stateSettingsAndDocumentAddition, true
		default:
			return state, false
		}

	case stateDocumentDeletion:
		switch kind {
		case tasks.KindDocumentDeletion, tasks.KindDocumentDeletionByFilter:
			return stateDocumentDeletion, true
		case tasks.KindDocumentClear:
			// Collapses to DocumentClear, covering the prior deletions.
			return stateDocumentClear, true
		default:
			return state, false
		}

	case stateDocumentClear:
		switch kind {
		case tasks.KindDocumentClear:
			return stateDocumentClear, true
		default:
			return state, false
		}

	case stateSettings:
		switch kind {
		case tasks.KindSettingsUpdate:
			return stateSettings, true
		case tasks.KindDocumentClear:
			return stateClearAndSettings, true
		default:
			return state, false
		}

	case stateSettingsAndDocumentAddition:
		switch kind {
		case tasks.KindDocumentAdditionOrUpdate, tasks.KindSettingsUpdate:
			return stateSettingsAndDocumentAddition, true
		default:
			return state, false
		}

	case stateClearAndSettings:
		switch kind {
		case tasks.KindSettingsUpdate, tasks.KindDocumentClear:
			return stateClearAndSettings, true
		default:
			return state, false
		}

	default:
		return state, false
	}
}
