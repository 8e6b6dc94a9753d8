package models

import "time"

// ChangeDetectionState tracks incremental polling progress for one remote
// calendar. The delta cursor is an opaque continuation token: stored and
// echoed back, never parsed.
type ChangeDetectionState struct {
	CalendarID            string     `json:"calendar_id"`
	DeltaCursor           *string    `json:"delta_cursor,omitempty"`
	LastPollAt            *time.Time `json:"last_poll_at,omitempty"`
	LastSuccessfulPollAt  *time.Time `json:"last_successful_poll_at,omitempty"`
	ConsecutiveErrorCount int        `json:"consecutive_error_count"`
	Healthy               bool       `json:"healthy"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// WebhookSubscription is one active change-notification subscription on a
// remote calendar. Inbound notifications are validated against this table.
type WebhookSubscription struct {
	ID                string    `json:"id"`
	SubscriptionID    string    `json:"subscription_id"`
	BridgeName        string    `json:"bridge_name"`
	CalendarID        string    `json:"calendar_id"`
	ExpiresAt         time.Time `json:"expires_at"`
	NotificationCount int       `json:"notification_count"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Expired reports whether the subscription is past its expiry at the
// given instant.
func (s *WebhookSubscription) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
