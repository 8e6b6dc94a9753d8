// Package bridge defines the uniform contract over an external calendar
// system and the generic event model shared by all adapters.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Event is the generic calendar event exchanged through a Bridge.
// Adapters translate their native wire formats to and from this shape.
type Event struct {
	ID           string     `json:"id"`
	Subject      string     `json:"subject"`
	Start        time.Time  `json:"start"`
	End          time.Time  `json:"end"`
	Location     string     `json:"location,omitempty"`
	Description  string     `json:"description,omitempty"`
	Organizer    string     `json:"organizer,omitempty"`
	Attendees    []string   `json:"attendees,omitempty"`
	AllDay       bool       `json:"all_day"`
	LastModified *time.Time `json:"last_modified,omitempty"`

	// Provenance is non-nil when the event was created by this engine.
	// See provenance.go for the encoding on the wire.
	Provenance *Provenance `json:"provenance,omitempty"`
}

// Validate checks the fields required for creation.
func (e *Event) Validate() error {
	var missing []string
	if e.Subject == "" {
		missing = append(missing, "subject")
	}
	if e.Start.IsZero() {
		missing = append(missing, "start")
	}
	if e.End.IsZero() {
		missing = append(missing, "end")
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing, Reason: "required field missing"}
	}
	if !e.Start.Before(e.End) {
		return &ValidationError{Fields: []string{"start", "end"}, Reason: "start must be before end"}
	}
	return nil
}

// Calendar describes one calendar/resource exposed by a bridge.
type Calendar struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ReadOnly bool   `json:"read_only"`
}

// Capabilities is a static description of what a bridge supports,
// consulted by the orchestrator to choose a strategy.
type Capabilities struct {
	SupportsWebhooks   bool `json:"supports_webhooks"`
	SupportsRecurring  bool `json:"supports_recurring"`
	SupportsAllDay     bool `json:"supports_all_day"`
	MaxEventsPerRequest int `json:"max_events_per_request"`
	RateLimitPerMinute  int `json:"rate_limit_per_minute"`
}

// HealthResult reports the outcome of a health probe.
type HealthResult struct {
	Status  string        `json:"status"` // "healthy" or "unhealthy"
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// ChangeSet is the result of a delta query against a bridge.
type ChangeSet struct {
	Events     []Event `json:"events"`
	DeletedIDs []string `json:"deleted_ids,omitempty"`
	NextCursor string  `json:"next_cursor"`
}

// Bridge is the uniform adapter contract over one external calendar system.
// All methods take a context; every network call must honor its deadline.
type Bridge interface {
	// Name identifies this bridge in provenance tags and mappings.
	Name() string

	// ListEvents returns all events overlapping [start, end). An empty
	// result is not an error.
	ListEvents(ctx context.Context, calendarID string, start, end time.Time) ([]Event, error)

	// CreateEvent creates the event and returns the external id assigned
	// by the remote system. The event's provenance tag must already be
	// stamped by the caller.
	CreateEvent(ctx context.Context, calendarID string, event Event) (string, error)

	// UpdateEvent replaces the remote event. Returns NotFoundError if the
	// id no longer exists (the primary deletion-detection signal).
	UpdateEvent(ctx context.Context, calendarID, externalID string, event Event) error

	// DeleteEvent removes the remote event. Returns NotFoundError if the
	// id no longer exists.
	DeleteEvent(ctx context.Context, calendarID, externalID string) error

	// GetEvent fetches a single event by id, used for existence probes
	// and provenance checks. Returns NotFoundError if absent.
	GetEvent(ctx context.Context, calendarID, externalID string) (*Event, error)

	ListCalendars(ctx context.Context) ([]Calendar, error)

	// SubscribeToChanges registers a change-notification subscription
	// delivering to callbackURL. Bridges without webhook support return
	// ErrNotSupported.
	SubscribeToChanges(ctx context.Context, calendarID, callbackURL string) (string, error)
	UnsubscribeFromChanges(ctx context.Context, subscriptionID string) error

	Capabilities() Capabilities
}

// ChangePoller is implemented by bridges that support incremental
// "changes since cursor" queries. An empty cursor requests a baseline.
type ChangePoller interface {
	ChangesSince(ctx context.Context, calendarID, cursor string) (*ChangeSet, error)
}

// ErrNotSupported is returned for operations a bridge cannot perform.
var ErrNotSupported = errors.New("operation not supported by bridge")

// ErrInvalidCursor is returned by ChangesSince when the remote system
// rejects a delta cursor as expired or malformed. Callers fall back to a
// full-window fetch.
var ErrInvalidCursor = errors.New("delta cursor rejected by remote")

// ValidationError marks a malformed event. Never retried.
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event (%s): %v", e.Reason, e.Fields)
}

// NotFoundError marks a 404-equivalent on an expected event or calendar.
// Treated as a deletion signal, not a failure.
type NotFoundError struct {
	Kind string // "event", "calendar", "subscription"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// TransientError marks a network/5xx/timeout failure. The owning mapping
// is set to error status and retried on the next pass.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsTransient reports whether err is a TransientError or a context deadline.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// CheckHealth probes a bridge by listing calendars and timing the call.
func CheckHealth(ctx context.Context, b Bridge) HealthResult {
	start := time.Now()
	_, err := b.ListCalendars(ctx)
	latency := time.Since(start)

	if err != nil {
		return HealthResult{Status: "unhealthy", Latency: latency, Error: err.Error()}
	}
	return HealthResult{Status: "healthy", Latency: latency}
}
