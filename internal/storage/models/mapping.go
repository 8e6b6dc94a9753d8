// Package models contains the domain models for the sync engine.
package models

import (
	"time"
)

// SourceKind categorizes the local side of a mapping.
const (
	SourceKindEvent      = "event"
	SourceKindBooking    = "booking"
	SourceKindAllocation = "allocation"
)

// SyncStatus constants for the mapping state machine.
const (
	SyncStatusPending   = "pending"
	SyncStatusSynced    = "synced"
	SyncStatusError     = "error"
	SyncStatusConflict  = "conflict"
	SyncStatusCancelled = "cancelled"
)

// SyncDirection constants.
const (
	DirectionToRemote      = "to_remote"
	DirectionFromRemote    = "from_remote"
	DirectionBidirectional = "bidirectional"
)

// Mapping is the durable record linking a local reservation to a remote
// event. One row per tracked relationship; the table's uniqueness
// constraints are what make re-sync idempotent.
type Mapping struct {
	ID                 string     `json:"id"`
	SourceKind         string     `json:"source_kind"`
	SourceID           *string    `json:"source_id,omitempty"` // nil for remote-originated rows
	ResourceID         string     `json:"resource_id"`
	RemoteCalendarID   string     `json:"remote_calendar_id"`
	RemoteEventID      *string    `json:"remote_event_id,omitempty"` // nil until first create
	SyncStatus         string     `json:"sync_status"`
	SyncDirection      string     `json:"sync_direction"`
	PriorityLevel      int        `json:"priority_level"` // lower wins conflicts
	LastSyncAt         *time.Time `json:"last_sync_at,omitempty"`
	LastModifiedSource *time.Time `json:"last_modified_source,omitempty"`
	LastModifiedRemote *time.Time `json:"last_modified_remote,omitempty"`
	ErrorMessage       *string    `json:"error_message,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// IsActive reports whether the mapping participates in sync.
func (m *Mapping) IsActive() bool {
	return m.SyncStatus != SyncStatusCancelled
}

// ConflictRecord is the audit trail of one conflict-resolution decision.
type ConflictRecord struct {
	ID           string    `json:"id"`
	ResourceID   string    `json:"resource_id"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	WinnerID     string    `json:"winner_mapping_id"`
	LoserID      string    `json:"loser_mapping_id"`
	Reason       string    `json:"reason"` // "priority" or "last_modified"
	ResolvedAt   time.Time `json:"resolved_at"`
}
