package indexer

import (
	"github.com/google/uuid"

	"github.com/lexidb/lexid/internal/indexstore"
	"github.com/lexidb/lexid/internal/tasks"
)

// AdditionPayload is the tasks.Task.Payload shape for
// tasks.KindDocumentAdditionOrUpdate.
type AdditionPayload struct {
	UpdateFileIDs []uuid.UUID `json:"update_file_ids"`
	PrimaryKey    *string     `json:"primary_key,omitempty"`
}

// DeletionPayload is the payload shape for tasks.KindDocumentDeletion.
type DeletionPayload struct {
	DocumentIDs []string `json:"document_ids"`
}

// DeletionByFilterPayload is the payload shape for
// tasks.KindDocumentDeletionByFilter.
type DeletionByFilterPayload struct {
	Filter string `json:"filter"`
}

// SettingsPayload is the payload shape for tasks.KindSettingsUpdate.
type SettingsPayload struct {
	Settings indexstore.Settings `json:"settings"`
}

// IndexLifecyclePayload is the payload shape for IndexCreation/IndexUpdate.
type IndexLifecyclePayload struct {
	PrimaryKey *string `json:"primary_key,omitempty"`
}

// IndexSwapPayload is the payload shape for tasks.KindIndexSwap.
type IndexSwapPayload struct {
	Swaps [][2]string `json:"swaps"`
}

// TaskDeletionPayload is the payload shape for tasks.KindTaskDeletion: every
// terminal task matching Filter is removed from the log.
type TaskDeletionPayload struct {
	Filter tasks.Filter `json:"filter"`
}

// TaskCancelationPayload is the payload shape for tasks.KindTaskCancelation:
// every still-Enqueued task matching Filter moves to Canceled.
type TaskCancelationPayload struct {
	Filter tasks.Filter `json:"filter"`
}
