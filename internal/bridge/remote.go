package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

// RemoteConfig holds the configuration for the remote calendar API.
// Everything is explicit; nothing is read from globals at call time.
type RemoteConfig struct {
	// Name identifies this bridge in mappings and provenance tags.
	Name string

	// BaseURL is the calendar API base URL.
	BaseURL string

	// Token is the bearer token for API authentication.
	Token string

	// Timeout for API requests.
	Timeout time.Duration

	// Capabilities overrides the defaults when non-nil.
	Capabilities *Capabilities
}

// DefaultRemoteConfig returns a configuration seeded from environment
// variables, with defaults.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Name:    getEnv("REMOTE_BRIDGE_NAME", "remote"),
		BaseURL: getEnv("REMOTE_CAL_URL", "http://localhost:8200"),
		Token:   getEnv("REMOTE_CAL_TOKEN", ""),
		Timeout: 30 * time.Second,
	}
}

// getEnv returns an environment variable value or a default if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// RemoteBridge adapts a JSON/HTTP calendar API to the Bridge contract.
type RemoteBridge struct {
	config     RemoteConfig
	httpClient *http.Client
}

// NewRemoteBridge creates a remote calendar API adapter.
func NewRemoteBridge(config RemoteConfig) *RemoteBridge {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &RemoteBridge{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Name identifies this bridge.
func (b *RemoteBridge) Name() string {
	return b.config.Name
}

// Capabilities reports what the remote API supports.
func (b *RemoteBridge) Capabilities() Capabilities {
	if b.config.Capabilities != nil {
		return *b.config.Capabilities
	}
	return Capabilities{
		SupportsWebhooks:    true,
		SupportsRecurring:   true,
		SupportsAllDay:      true,
		MaxEventsPerRequest: 250,
		RateLimitPerMinute:  120,
	}
}

// remoteEvent is the wire shape of an event on the remote API.
type remoteEvent struct {
	ID           string     `json:"id,omitempty"`
	Subject      string     `json:"subject"`
	Start        time.Time  `json:"start"`
	End          time.Time  `json:"end"`
	Location     string     `json:"location,omitempty"`
	Body         string     `json:"body,omitempty"`
	Organizer    string     `json:"organizer,omitempty"`
	Attendees    []string   `json:"attendees,omitempty"`
	AllDay       bool       `json:"is_all_day"`
	LastModified *time.Time `json:"last_modified,omitempty"`
}

func (b *RemoteBridge) toEvent(re remoteEvent) Event {
	return Event{
		ID:           re.ID,
		Subject:      re.Subject,
		Start:        re.Start,
		End:          re.End,
		Location:     re.Location,
		Description:  StripProvenance(re.Body),
		Organizer:    re.Organizer,
		Attendees:    re.Attendees,
		AllDay:       re.AllDay,
		LastModified: re.LastModified,
		Provenance:   ParseProvenance(re.Body),
	}
}

func toRemoteEvent(e Event) remoteEvent {
	body := e.Description
	if e.Provenance != nil {
		body = StampProvenance(body, *e.Provenance)
	}
	return remoteEvent{
		Subject:   e.Subject,
		Start:     e.Start,
		End:       e.End,
		Location:  e.Location,
		Body:      body,
		Organizer: e.Organizer,
		Attendees: e.Attendees,
		AllDay:    e.AllDay,
	}
}

// ListEvents returns events overlapping [start, end).
func (b *RemoteBridge) ListEvents(ctx context.Context, calendarID string, start, end time.Time) ([]Event, error) {
	path := fmt.Sprintf("/calendars/%s/events?start=%s&end=%s",
		url.PathEscape(calendarID),
		url.QueryEscape(start.UTC().Format(time.RFC3339)),
		url.QueryEscape(end.UTC().Format(time.RFC3339)))

	var wire []remoteEvent
	if err := b.doJSON(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(wire))
	for _, re := range wire {
		events = append(events, b.toEvent(re))
	}
	return events, nil
}

// CreateEvent creates the event and returns its assigned id.
func (b *RemoteBridge) CreateEvent(ctx context.Context, calendarID string, event Event) (string, error) {
	if err := event.Validate(); err != nil {
		return "", err
	}

	path := fmt.Sprintf("/calendars/%s/events", url.PathEscape(calendarID))
	var created remoteEvent
	if err := b.doJSON(ctx, http.MethodPost, path, toRemoteEvent(event), &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", &TransientError{Op: "createEvent", Err: fmt.Errorf("remote returned no event id")}
	}
	return created.ID, nil
}

// UpdateEvent replaces the remote event.
func (b *RemoteBridge) UpdateEvent(ctx context.Context, calendarID, externalID string, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(externalID))
	return b.doJSON(ctx, http.MethodPut, path, toRemoteEvent(event), nil)
}

// DeleteEvent removes the remote event.
func (b *RemoteBridge) DeleteEvent(ctx context.Context, calendarID, externalID string) error {
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(externalID))
	return b.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// GetEvent fetches one event by id.
func (b *RemoteBridge) GetEvent(ctx context.Context, calendarID, externalID string) (*Event, error) {
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(externalID))
	var wire remoteEvent
	if err := b.doJSON(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}
	ev := b.toEvent(wire)
	return &ev, nil
}

// ListCalendars returns all calendars visible to the configured token.
func (b *RemoteBridge) ListCalendars(ctx context.Context) ([]Calendar, error) {
	var cals []Calendar
	if err := b.doJSON(ctx, http.MethodGet, "/calendars", nil, &cals); err != nil {
		return nil, err
	}
	return cals, nil
}

// SubscribeToChanges registers a webhook subscription.
func (b *RemoteBridge) SubscribeToChanges(ctx context.Context, calendarID, callbackURL string) (string, error) {
	body := map[string]string{
		"calendar_id":  calendarID,
		"callback_url": callbackURL,
	}
	var resp struct {
		SubscriptionID string `json:"subscription_id"`
	}
	if err := b.doJSON(ctx, http.MethodPost, "/subscriptions", body, &resp); err != nil {
		return "", err
	}
	return resp.SubscriptionID, nil
}

// UnsubscribeFromChanges deletes a webhook subscription.
func (b *RemoteBridge) UnsubscribeFromChanges(ctx context.Context, subscriptionID string) error {
	path := fmt.Sprintf("/subscriptions/%s", url.PathEscape(subscriptionID))
	return b.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// ChangesSince requests the incremental delta feed. An empty cursor asks
// for a baseline. The returned cursor is opaque.
func (b *RemoteBridge) ChangesSince(ctx context.Context, calendarID, cursor string) (*ChangeSet, error) {
	path := fmt.Sprintf("/calendars/%s/delta", url.PathEscape(calendarID))
	if cursor != "" {
		path += "?cursor=" + url.QueryEscape(cursor)
	}

	var wire struct {
		Events     []remoteEvent `json:"events"`
		DeletedIDs []string      `json:"deleted_ids"`
		NextCursor string        `json:"next_cursor"`
	}
	if err := b.doJSON(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}

	cs := &ChangeSet{DeletedIDs: wire.DeletedIDs, NextCursor: wire.NextCursor}
	for _, re := range wire.Events {
		cs.Events = append(cs.Events, b.toEvent(re))
	}
	return cs, nil
}

// doJSON performs one API call, mapping HTTP failures onto the bridge
// error taxonomy.
func (b *RemoteBridge) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.config.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if b.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.config.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return &TransientError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{Kind: "event", ID: path}
	case resp.StatusCode == http.StatusGone:
		// Delta cursor expired.
		return ErrInvalidCursor
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		payload, _ := io.ReadAll(resp.Body)
		return &ValidationError{Reason: fmt.Sprintf("remote rejected request (status %d): %s", resp.StatusCode, payload)}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		payload, _ := io.ReadAll(resp.Body)
		return &TransientError{Op: method + " " + path,
			Err: fmt.Errorf("API error (status %d): %s", resp.StatusCode, payload)}
	case resp.StatusCode >= 300:
		payload, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, payload)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
