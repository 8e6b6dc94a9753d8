package models

import "time"

// DeletionCheckTask statuses. A task is claimed with an atomic status
// update so it is never owned by two consumers at once.
const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusDone       = "done"
	TaskStatusError      = "error"
)

// ChangeTypeLocalDeleted marks a task whose producer already confirmed
// the local record is gone. The consumer deletes the remote copy instead
// of probing it; a probe would find the remote event alive and do nothing.
const ChangeTypeLocalDeleted = "local_deleted"

// DeletionCheckTask is a queued unit of work verifying whether a specific
// remote event still exists. Produced by webhook ingestion or the
// orchestrator's orphan scan; consumed by the deletion service. EventID
// is always the remote-side event id.
type DeletionCheckTask struct {
	ID         string     `json:"id"`
	BridgeName string     `json:"bridge_name"`
	CalendarID string     `json:"calendar_id"`
	EventID    string     `json:"event_id"`
	ChangeType string     `json:"change_type,omitempty"` // "updated", "deleted", "local_deleted", "" when unknown
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  *string    `json:"last_error,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
}
