package models

import "time"

// Reservation is a local booking-system record as seen by the direct-store
// strategy of the booking bridge. Rows are soft-deleted: the Active flag
// flips, the row stays.
type Reservation struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"` // SourceKind* constant
	ResourceID   string     `json:"resource_id"`
	Subject      string     `json:"subject"`
	Description  string     `json:"description,omitempty"`
	Location     string     `json:"location,omitempty"`
	Organizer    string     `json:"organizer,omitempty"`
	StartAt      time.Time  `json:"start_at"`
	EndAt        time.Time  `json:"end_at"`
	Active       bool       `json:"active"`
	RemoteOrigin *string    `json:"remote_origin,omitempty"` // provenance for remote-created rows
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}
