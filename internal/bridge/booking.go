package bridge

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/calsync-bridge/backend/internal/storage"
	"github.com/calsync-bridge/backend/internal/storage/models"
)

// BookingConfig holds the configuration for the local booking-system
// adapter. The adapter reaches the booking system one of two ways,
// selected explicitly by UseDirectStore: through its REST API, or by
// reading and writing the shared reservation store. Exceptions are never
// used to pick between them.
type BookingConfig struct {
	Name           string
	BaseURL        string
	Token          string
	Timeout        time.Duration
	UseDirectStore bool
}

// DefaultBookingConfig returns a configuration seeded from environment
// variables, with defaults.
func DefaultBookingConfig() BookingConfig {
	return BookingConfig{
		Name:           getEnv("BOOKING_BRIDGE_NAME", "booking"),
		BaseURL:        getEnv("BOOKING_API_URL", "http://localhost:8100"),
		Token:          getEnv("BOOKING_API_TOKEN", ""),
		Timeout:        30 * time.Second,
		UseDirectStore: getEnv("BOOKING_DIRECT_STORE", "") == "1",
	}
}

// reservationStore is the strategy seam: both the REST client and the
// direct-store client implement it.
type reservationStore interface {
	listActive(ctx context.Context, resourceID string, start, end time.Time) ([]models.Reservation, error)
	get(ctx context.Context, id string) (*models.Reservation, error)
	create(ctx context.Context, res *models.Reservation) error
	update(ctx context.Context, res *models.Reservation) error
	softDelete(ctx context.Context, id, note string) error
	listResources(ctx context.Context) ([]string, error)
}

// BookingBridge adapts the local booking system to the Bridge contract.
// Calendars on this side are resources; events are reservations.
type BookingBridge struct {
	config BookingConfig
	store  reservationStore
}

// NewBookingBridge creates the adapter. db may be nil when UseDirectStore
// is false.
func NewBookingBridge(config BookingConfig, db *storage.DB) (*BookingBridge, error) {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	var store reservationStore
	if config.UseDirectStore {
		if db == nil {
			return nil, fmt.Errorf("direct-store booking bridge requires a database")
		}
		store = &directStore{repo: storage.NewReservationRepository(db)}
	} else {
		store = &apiStore{
			baseURL: config.BaseURL,
			token:   config.Token,
			client:  &http.Client{Timeout: config.Timeout},
		}
	}

	return &BookingBridge{config: config, store: store}, nil
}

// Name identifies this bridge.
func (b *BookingBridge) Name() string {
	return b.config.Name
}

// Capabilities: the booking system has no webhook or recurrence support.
func (b *BookingBridge) Capabilities() Capabilities {
	return Capabilities{
		SupportsWebhooks:    false,
		SupportsRecurring:   false,
		SupportsAllDay:      false,
		MaxEventsPerRequest: 500,
		RateLimitPerMinute:  600,
	}
}

func reservationToEvent(res models.Reservation) Event {
	lm := res.UpdatedAt
	ev := Event{
		ID:           res.ID,
		Subject:      res.Subject,
		Start:        res.StartAt,
		End:          res.EndAt,
		Location:     res.Location,
		Description:  StripProvenance(res.Description),
		Organizer:    res.Organizer,
		LastModified: &lm,
		Provenance:   ParseProvenance(res.Description),
	}
	if ev.Provenance == nil && res.RemoteOrigin != nil {
		ev.Provenance = ParseProvenance(*res.RemoteOrigin)
	}
	return ev
}

// ListEvents returns active reservations overlapping [start, end).
func (b *BookingBridge) ListEvents(ctx context.Context, calendarID string, start, end time.Time) ([]Event, error) {
	reservations, err := b.store.listActive(ctx, calendarID, start, end)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(reservations))
	for _, res := range reservations {
		events = append(events, reservationToEvent(res))
	}
	return events, nil
}

// CreateEvent creates a reservation tagged with its remote origin.
func (b *BookingBridge) CreateEvent(ctx context.Context, calendarID string, event Event) (string, error) {
	if err := event.Validate(); err != nil {
		return "", err
	}

	res := &models.Reservation{
		Kind:        models.SourceKindBooking,
		ResourceID:  calendarID,
		Subject:     event.Subject,
		Description: event.Description,
		Location:    event.Location,
		Organizer:   event.Organizer,
		StartAt:     event.Start,
		EndAt:       event.End,
		Active:      true,
	}
	if event.Provenance != nil {
		origin := StampProvenance("", *event.Provenance)
		res.RemoteOrigin = &origin
	}

	if err := b.store.create(ctx, res); err != nil {
		return "", err
	}
	return res.ID, nil
}

// UpdateEvent replaces a reservation's fields.
func (b *BookingBridge) UpdateEvent(ctx context.Context, calendarID, externalID string, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	res, err := b.store.get(ctx, externalID)
	if err != nil {
		return err
	}
	if res == nil || !res.Active {
		return &NotFoundError{Kind: "event", ID: externalID}
	}

	res.Subject = event.Subject
	res.Description = event.Description
	res.Location = event.Location
	res.Organizer = event.Organizer
	res.StartAt = event.Start
	res.EndAt = event.End
	return b.store.update(ctx, res)
}

// DeleteEvent soft-deletes the reservation.
func (b *BookingBridge) DeleteEvent(ctx context.Context, calendarID, externalID string) error {
	return b.store.softDelete(ctx, externalID, "")
}

// GetEvent fetches one reservation by id.
func (b *BookingBridge) GetEvent(ctx context.Context, calendarID, externalID string) (*Event, error) {
	res, err := b.store.get(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if res == nil || !res.Active {
		return nil, &NotFoundError{Kind: "event", ID: externalID}
	}
	ev := reservationToEvent(*res)
	return &ev, nil
}

// ListCalendars exposes booking resources as calendars.
func (b *BookingBridge) ListCalendars(ctx context.Context) ([]Calendar, error) {
	ids, err := b.store.listResources(ctx)
	if err != nil {
		return nil, err
	}
	cals := make([]Calendar, 0, len(ids))
	for _, id := range ids {
		cals = append(cals, Calendar{ID: id, Name: "resource " + id})
	}
	return cals, nil
}

// SubscribeToChanges is unsupported: the booking system pushes nothing.
func (b *BookingBridge) SubscribeToChanges(ctx context.Context, calendarID, callbackURL string) (string, error) {
	return "", ErrNotSupported
}

// UnsubscribeFromChanges is unsupported.
func (b *BookingBridge) UnsubscribeFromChanges(ctx context.Context, subscriptionID string) error {
	return ErrNotSupported
}

// directStore reads and writes the shared reservation tables.
type directStore struct {
	repo *storage.ReservationRepository
}

func (s *directStore) listActive(ctx context.Context, resourceID string, start, end time.Time) ([]models.Reservation, error) {
	return s.repo.ListActiveInWindow(ctx, resourceID, start, end)
}

func (s *directStore) get(ctx context.Context, id string) (*models.Reservation, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *directStore) create(ctx context.Context, res *models.Reservation) error {
	return s.repo.Create(ctx, res)
}

func (s *directStore) update(ctx context.Context, res *models.Reservation) error {
	return s.repo.Update(ctx, res)
}

func (s *directStore) softDelete(ctx context.Context, id, note string) error {
	err := s.repo.SoftDelete(ctx, id, note)
	if err == sql.ErrNoRows {
		return &NotFoundError{Kind: "event", ID: id}
	}
	return err
}

func (s *directStore) listResources(ctx context.Context) ([]string, error) {
	rows, err := s.repo.DB().QueryContext(ctx,
		`SELECT DISTINCT resource_id FROM reservations ORDER BY resource_id`)
	if err != nil {
		return nil, fmt.Errorf("querying resources: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning resource id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// apiStore talks to the booking system's REST API.
type apiStore struct {
	baseURL string
	token   string
	client  *http.Client
}

func (s *apiStore) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &TransientError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{Kind: "event", ID: path}
	case resp.StatusCode >= 500:
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

func (s *apiStore) listActive(ctx context.Context, resourceID string, start, end time.Time) ([]models.Reservation, error) {
	path := fmt.Sprintf("/resources/%s/reservations?start=%s&end=%s&active=1",
		url.PathEscape(resourceID),
		url.QueryEscape(start.UTC().Format(time.RFC3339)),
		url.QueryEscape(end.UTC().Format(time.RFC3339)))
	var out []models.Reservation
	if err := s.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *apiStore) get(ctx context.Context, id string) (*models.Reservation, error) {
	var out models.Reservation
	err := s.doJSON(ctx, http.MethodGet, "/reservations/"+url.PathEscape(id), nil, &out)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *apiStore) create(ctx context.Context, res *models.Reservation) error {
	var out models.Reservation
	if err := s.doJSON(ctx, http.MethodPost, "/reservations", res, &out); err != nil {
		return err
	}
	res.ID = out.ID
	return nil
}

func (s *apiStore) update(ctx context.Context, res *models.Reservation) error {
	return s.doJSON(ctx, http.MethodPut, "/reservations/"+url.PathEscape(res.ID), res, nil)
}

func (s *apiStore) softDelete(ctx context.Context, id, note string) error {
	body := map[string]string{"note": note}
	return s.doJSON(ctx, http.MethodDelete, "/reservations/"+url.PathEscape(id), body, nil)
}

func (s *apiStore) listResources(ctx context.Context) ([]string, error) {
	var out []struct {
		ID string `json:"id"`
	}
	if err := s.doJSON(ctx, http.MethodGet, "/resources", nil, &out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out))
	for _, r := range out {
		ids = append(ids, r.ID)
	}
	return ids, nil
}
