// Package bridgetest provides an in-memory Bridge for tests.
package bridgetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/calsync-bridge/backend/internal/bridge"
)

// Fake is an in-memory Bridge. Every mutation is recorded; failures can
// be injected per operation.
type Fake struct {
	name string

	mu      sync.Mutex
	nextID  int
	events  map[string]map[string]bridge.Event // calendarID -> eventID -> event
	subs    map[string]string                  // subscriptionID -> calendarID
	cursor  int
	deleted map[string][]string // calendarID -> deleted event ids since last delta

	// Caps overrides the default capabilities when non-nil.
	Caps *bridge.Capabilities

	// FailOps maps an operation name ("create", "update", "delete",
	// "list", "get", "delta", "calendars") to an error returned instead
	// of performing it.
	FailOps map[string]error

	// RejectCursor makes ChangesSince return ErrInvalidCursor once for
	// any non-empty cursor, then clears itself.
	RejectCursor bool

	// Counters.
	Creates, Updates, Deletes, Lists int
}

// New creates an empty fake bridge with the given name.
func New(name string) *Fake {
	return &Fake{
		name:    name,
		events:  make(map[string]map[string]bridge.Event),
		subs:    make(map[string]string),
		deleted: make(map[string][]string),
	}
}

func (f *Fake) Name() string { return f.name }

func (f *Fake) Capabilities() bridge.Capabilities {
	if f.Caps != nil {
		return *f.Caps
	}
	return bridge.Capabilities{
		SupportsWebhooks:    true,
		MaxEventsPerRequest: 100,
		RateLimitPerMinute:  1000,
	}
}

func (f *Fake) fail(op string) error {
	if f.FailOps == nil {
		return nil
	}
	return f.FailOps[op]
}

// Seed inserts an event directly, bypassing counters. Returns the id.
func (f *Fake) Seed(calendarID string, ev bridge.Event) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.ID == "" {
		f.nextID++
		ev.ID = fmt.Sprintf("%s-ev-%d", f.name, f.nextID)
	}
	if ev.LastModified == nil {
		now := time.Now().UTC()
		ev.LastModified = &now
	}
	if f.events[calendarID] == nil {
		f.events[calendarID] = make(map[string]bridge.Event)
	}
	f.events[calendarID][ev.ID] = ev
	return ev.ID
}

// Remove drops an event directly and records it for the delta feed.
func (f *Fake) Remove(calendarID, eventID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events[calendarID], eventID)
	f.deleted[calendarID] = append(f.deleted[calendarID], eventID)
}

// Get returns a stored event and whether it exists.
func (f *Fake) Get(calendarID, eventID string) (bridge.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[calendarID][eventID]
	return ev, ok
}

func (f *Fake) ListEvents(ctx context.Context, calendarID string, start, end time.Time) ([]bridge.Event, error) {
	if err := f.fail("list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Lists++

	var out []bridge.Event
	for _, ev := range f.events[calendarID] {
		if ev.Start.Before(end) && ev.End.After(start) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *Fake) CreateEvent(ctx context.Context, calendarID string, event bridge.Event) (string, error) {
	if err := event.Validate(); err != nil {
		return "", err
	}
	if err := f.fail("create"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Creates++
	f.nextID++
	event.ID = fmt.Sprintf("%s-ev-%d", f.name, f.nextID)
	now := time.Now().UTC()
	event.LastModified = &now
	if f.events[calendarID] == nil {
		f.events[calendarID] = make(map[string]bridge.Event)
	}
	f.events[calendarID][event.ID] = event
	return event.ID, nil
}

func (f *Fake) UpdateEvent(ctx context.Context, calendarID, externalID string, event bridge.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if err := f.fail("update"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[calendarID][externalID]; !ok {
		return &bridge.NotFoundError{Kind: "event", ID: externalID}
	}
	f.Updates++
	event.ID = externalID
	now := time.Now().UTC()
	event.LastModified = &now
	f.events[calendarID][externalID] = event
	return nil
}

func (f *Fake) DeleteEvent(ctx context.Context, calendarID, externalID string) error {
	if err := f.fail("delete"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[calendarID][externalID]; !ok {
		return &bridge.NotFoundError{Kind: "event", ID: externalID}
	}
	f.Deletes++
	delete(f.events[calendarID], externalID)
	f.deleted[calendarID] = append(f.deleted[calendarID], externalID)
	return nil
}

func (f *Fake) GetEvent(ctx context.Context, calendarID, externalID string) (*bridge.Event, error) {
	if err := f.fail("get"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[calendarID][externalID]
	if !ok {
		return nil, &bridge.NotFoundError{Kind: "event", ID: externalID}
	}
	return &ev, nil
}

func (f *Fake) ListCalendars(ctx context.Context) ([]bridge.Calendar, error) {
	if err := f.fail("calendars"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []bridge.Calendar
	for id := range f.events {
		out = append(out, bridge.Calendar{ID: id, Name: id})
	}
	return out, nil
}

func (f *Fake) SubscribeToChanges(ctx context.Context, calendarID, callbackURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("%s-sub-%d", f.name, f.nextID)
	f.subs[id] = calendarID
	return id, nil
}

func (f *Fake) UnsubscribeFromChanges(ctx context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[subscriptionID]; !ok {
		return &bridge.NotFoundError{Kind: "subscription", ID: subscriptionID}
	}
	delete(f.subs, subscriptionID)
	return nil
}

// ChangesSince implements bridge.ChangePoller. Events and deletions
// accumulated since the last call are returned with a fresh cursor.
func (f *Fake) ChangesSince(ctx context.Context, calendarID, cursor string) (*bridge.ChangeSet, error) {
	if err := f.fail("delta"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if cursor != "" && f.RejectCursor {
		f.RejectCursor = false
		return nil, bridge.ErrInvalidCursor
	}

	f.cursor++
	cs := &bridge.ChangeSet{NextCursor: fmt.Sprintf("cursor-%d", f.cursor)}
	for _, ev := range f.events[calendarID] {
		cs.Events = append(cs.Events, ev)
	}
	cs.DeletedIDs = append(cs.DeletedIDs, f.deleted[calendarID]...)
	f.deleted[calendarID] = nil
	return cs, nil
}
