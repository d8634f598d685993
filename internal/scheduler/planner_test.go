package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexidb/lexid/internal/tasks"
)

func mk(uid uint32, kind tasks.Kind, indexUid string) *tasks.Task {
	return &tasks.Task{Uid: uid, Kind: kind, IndexUid: indexUid, Status: tasks.StatusEnqueued}
}

func uids(batch []*tasks.Task) []uint32 {
	out := make([]uint32, len(batch))
	for i, t := range batch {
		out[i] = t.Uid
	}
	return out
}

func TestPlanEmptyPrefix(t *testing.T) {
	assert.Nil(t, Plan(nil))
}

func TestPlanExtendsConsecutiveDocumentAdditions(t *testing.T) {
	prefix := []*tasks.Task{
		mk(1, tasks.KindDocumentAdditionOrUpdate, "doggos"),
		mk(2, tasks.KindDocumentAdditionOrUpdate, "doggos"),
		mk(3, tasks.KindDocumentDeletion, "doggos"),
	}
	batch := Plan(prefix)
	assert.Equal(t, []uint32{1, 2}, uids(batch))
}

func TestPlanSettlesAdditionThenSettingsIntoCombinedState(t *testing.T) {
	prefix := []*tasks.Task{
		mk(1, tasks.KindDocumentAdditionOrUpdate, "doggos"),
		mk(2, tasks.KindSettingsUpdate, "doggos"),
		mk(3, tasks.KindDocumentAdditionOrUpdate, "doggos"),
	}
	batch := Plan(prefix)
	assert.Equal(t, []uint32{1, 2, 3}, uids(batch))
}

func TestPlanCollapsesDeletionsIntoClear(t *testing.T) {
	prefix := []*tasks.Task{
		mk(1, tasks.KindDocumentDeletion, "doggos"),
		mk(2, tasks.KindDocumentDeletion, "doggos"),
		mk(3, tasks.KindDocumentClear, "doggos"),
		mk(4, tasks.KindDocumentAdditionOrUpdate, "doggos"),
	}
	batch := Plan(prefix)
	assert.Equal(t, []uint32{1, 2, 3}, uids(batch))
}

func TestPlanIndexDeletionSubsumesAndStops(t *testing.T) {
	prefix := []*tasks.Task{
		mk(1, tasks.KindDocumentAdditionOrUpdate, "doggos"),
		mk(2, tasks.KindIndexDeletion, "doggos"),
		mk(3, tasks.KindDocumentAdditionOrUpdate, "doggos"),
	}
	batch := Plan(prefix)
	assert.Equal(t, []uint32{1, 2}, uids(batch))
}

func TestPlanGlobalSingletonsRunAlone(t *testing.T) {
	for _, kind := range []tasks.Kind{
		tasks.KindDumpCreation, tasks.KindSnapshotCreation,
		tasks.KindTaskDeletion, tasks.KindTaskCancelation,
		tasks.KindUpgradeDatabase, tasks.KindIndexSwap,
	} {
		prefix := []*tasks.Task{
			mk(1, kind, ""),
			mk(2, tasks.KindDocumentAdditionOrUpdate, "doggos"),
		}
		batch := Plan(prefix)
		require.Len(t, batch, 1, "kind %s should run alone", kind)
		assert.Equal(t, uint32(1), batch[0].Uid)
	}
}

func TestPlanIndexCreationAndUpdateRunAlone(t *testing.T) {
	prefix := []*tasks.Task{
		mk(1, tasks.KindIndexCreation, "doggos"),
		mk(2, tasks.KindDocumentAdditionOrUpdate, "doggos"),
	}
	assert.Equal(t, []uint32{1}, uids(Plan(prefix)))
}

func TestPlanUpgradeTakesPriorityOverEverythingEnqueued(t *testing.T) {
	prefix := []*tasks.Task{
		mk(1, tasks.KindDocumentAdditionOrUpdate, "doggos"),
		mk(2, tasks.KindUpgradeDatabase, ""),
	}
	batch := Plan(prefix)
	require.Len(t, batch, 1)
	assert.Equal(t, uint32(2), batch[0].Uid)
}

func TestPlanDifferentIndexesDoNotBatch(t *testing.T) {
	prefix := []*tasks.Task{
		mk(1, tasks.KindDocumentAdditionOrUpdate, "doggos"),
		mk(2, tasks.KindDocumentAdditionOrUpdate, "cattos"),
	}
	assert.Equal(t, []uint32{1}, uids(Plan(prefix)))
}

func TestPlanSingleIncompatibleTaskBatchesAlone(t *testing.T) {
	prefix := []*tasks.Task{
		mk(1, tasks.KindDocumentAdditionOrUpdate, "doggos"),
	}
	assert.Equal(t, []uint32{1}, uids(Plan(prefix)))
}
