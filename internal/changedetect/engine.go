// Package changedetect produces change signals for remote calendars, via
// webhook ingestion and delta-cursor polling with a full-snapshot
// fallback. Both paths converge on the deletion-check queue.
package changedetect

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/calsync-bridge/backend/internal/bridge"
	"github.com/calsync-bridge/backend/internal/queue"
	"github.com/calsync-bridge/backend/internal/storage"
	"github.com/calsync-bridge/backend/internal/storage/models"
)

// Config tunes the engine.
type Config struct {
	// LookbackDays and LookaheadDays bound the full-window fallback fetch.
	LookbackDays  int
	LookaheadDays int

	// UnhealthyThreshold is the consecutive-error count past which a
	// calendar's state is flagged unhealthy. Surfaced to operators, never
	// fatal to a pass.
	UnhealthyThreshold int
}

// DefaultConfig returns the standard -30/+30 day window and a threshold
// of 5 consecutive failures.
func DefaultConfig() Config {
	return Config{LookbackDays: 30, LookaheadDays: 30, UnhealthyThreshold: 5}
}

// PollResult aggregates one polling pass over all tracked calendars.
type PollResult struct {
	Success         bool     `json:"success"`
	CalendarsPolled int      `json:"calendars_polled"`
	ChangesSeen     int      `json:"changes_seen"`
	TasksQueued     int      `json:"tasks_queued"`
	Fallbacks       int      `json:"full_window_fallbacks"`
	Errors          []string `json:"errors,omitempty"`
}

// Engine is the dual-mode change detector for one remote bridge.
type Engine struct {
	remote   bridge.Bridge
	states   *storage.ChangeStateRepository
	subs     *storage.SubscriptionRepository
	mappings *storage.MappingRepository
	tasks    queue.Queue
	config   Config
}

// NewEngine creates the engine. The remote bridge may optionally
// implement bridge.ChangePoller; without it every poll is a full-window
// snapshot.
func NewEngine(remote bridge.Bridge, states *storage.ChangeStateRepository, subs *storage.SubscriptionRepository, mappings *storage.MappingRepository, tasks queue.Queue, config Config) *Engine {
	if config.LookbackDays <= 0 {
		config.LookbackDays = 30
	}
	if config.LookaheadDays <= 0 {
		config.LookaheadDays = 30
	}
	if config.UnhealthyThreshold <= 0 {
		config.UnhealthyThreshold = 5
	}
	return &Engine{
		remote:   remote,
		states:   states,
		subs:     subs,
		mappings: mappings,
		tasks:    tasks,
		config:   config,
	}
}

// PollChanges runs one polling pass over every tracked calendar. Errors
// on one calendar never abort the pass.
func (e *Engine) PollChanges(ctx context.Context) *PollResult {
	result := &PollResult{Success: true}

	calendars, err := e.trackedCalendars(ctx)
	if err != nil {
		result.Success = false
		result.Errors = append(result.Errors, fmt.Sprintf("listing tracked calendars: %v", err))
		return result
	}

	for _, calendarID := range calendars {
		changes, queued, fellBack, err := e.pollCalendar(ctx, calendarID)
		result.CalendarsPolled++
		result.ChangesSeen += changes
		result.TasksQueued += queued
		if fellBack {
			result.Fallbacks++
		}
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("calendar %s: %v", calendarID, err))
			if stateErr := e.states.RecordFailure(ctx, calendarID, time.Now().UTC(), e.config.UnhealthyThreshold); stateErr != nil {
				log.Printf("Failed to record poll failure for %s: %v", calendarID, stateErr)
			}
		}
	}

	result.Success = len(result.Errors) == 0
	return result
}

// trackedCalendars unions the state table with calendars referenced by
// live mappings, so a mapping created before any poll still gets polled.
func (e *Engine) trackedCalendars(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var out []string

	states, err := e.states.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, st := range states {
		if !seen[st.CalendarID] {
			seen[st.CalendarID] = true
			out = append(out, st.CalendarID)
		}
	}

	rows, err := e.mappings.DB().QueryContext(ctx, `
		SELECT DISTINCT remote_calendar_id FROM mappings WHERE sync_status != 'cancelled'
	`)
	if err != nil {
		return nil, fmt.Errorf("querying mapped calendars: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning calendar id: %w", err)
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, rows.Err()
}

// pollCalendar performs one incremental or fallback poll of a calendar.
func (e *Engine) pollCalendar(ctx context.Context, calendarID string) (changes, queued int, fellBack bool, err error) {
	if err := e.states.Track(ctx, calendarID); err != nil {
		return 0, 0, false, err
	}
	st, err := e.states.Get(ctx, calendarID)
	if err != nil {
		return 0, 0, false, err
	}

	poller, pollable := e.remote.(bridge.ChangePoller)

	cursor := ""
	if st != nil && st.DeltaCursor != nil {
		cursor = *st.DeltaCursor
	}

	if pollable && cursor != "" {
		cs, err := poller.ChangesSince(ctx, calendarID, cursor)
		if err == nil {
			queued = e.consumeChangeSet(ctx, calendarID, cs)
			if err := e.states.RecordSuccess(ctx, calendarID, &cs.NextCursor, time.Now().UTC()); err != nil {
				return len(cs.Events), queued, false, err
			}
			return len(cs.Events) + len(cs.DeletedIDs), queued, false, nil
		}
		if !errors.Is(err, bridge.ErrInvalidCursor) {
			return 0, 0, false, err
		}
		// Cursor expired remotely. Drop it and take the snapshot path.
		if clearErr := e.states.ClearCursor(ctx, calendarID); clearErr != nil {
			log.Printf("Failed to clear rejected cursor for %s: %v", calendarID, clearErr)
		}
		fellBack = true
	}

	changes, queued, err = e.pollSnapshot(ctx, calendarID, poller, pollable)
	return changes, queued, fellBack, err
}

// pollSnapshot fetches a bounded full window and derives deletion signals
// from absence: a snapshot alone carries no explicit delete records.
func (e *Engine) pollSnapshot(ctx context.Context, calendarID string, poller bridge.ChangePoller, pollable bool) (changes, queued int, err error) {
	var (
		events     []bridge.Event
		nextCursor *string
	)

	if pollable {
		// A baseline delta request doubles as the snapshot and yields the
		// fresh cursor in one call.
		cs, csErr := poller.ChangesSince(ctx, calendarID, "")
		if csErr != nil {
			// Snapshot unavailable: fall back to existence probes so this
			// cycle still produces deletion signals.
			probed, probeErr := e.probeSyncedMappings(ctx, calendarID)
			if probeErr != nil {
				return 0, 0, csErr
			}
			return 0, probed, csErr
		}
		events = cs.Events
		nextCursor = &cs.NextCursor
		queued += e.enqueueDeleted(ctx, calendarID, cs.DeletedIDs)
	} else {
		now := time.Now().UTC()
		start := now.AddDate(0, 0, -e.config.LookbackDays)
		end := now.AddDate(0, 0, e.config.LookaheadDays)
		events, err = e.remote.ListEvents(ctx, calendarID, start, end)
		if err != nil {
			probed, probeErr := e.probeSyncedMappings(ctx, calendarID)
			if probeErr != nil {
				return 0, 0, err
			}
			return 0, probed, err
		}
	}

	queued += e.detectAbsent(ctx, calendarID, events)

	if err := e.states.RecordSuccess(ctx, calendarID, nextCursor, time.Now().UTC()); err != nil {
		return len(events), queued, err
	}
	return len(events), queued, nil
}

// consumeChangeSet turns explicit delta records into deletion-check tasks.
func (e *Engine) consumeChangeSet(ctx context.Context, calendarID string, cs *bridge.ChangeSet) int {
	queued := e.enqueueDeleted(ctx, calendarID, cs.DeletedIDs)
	for _, ev := range cs.Events {
		// Self-originated changes carry our provenance tag; re-ingesting
		// them would loop.
		if ev.Provenance != nil {
			continue
		}
		if e.enqueue(ctx, calendarID, ev.ID, "updated") {
			queued++
		}
	}
	return queued
}

func (e *Engine) enqueueDeleted(ctx context.Context, calendarID string, ids []string) int {
	queued := 0
	for _, id := range ids {
		if e.enqueue(ctx, calendarID, id, "deleted") {
			queued++
		}
	}
	return queued
}

// detectAbsent queues a check for every synced mapping whose remote event
// is missing from a fresh snapshot.
func (e *Engine) detectAbsent(ctx context.Context, calendarID string, snapshot []bridge.Event) int {
	present := make(map[string]bool, len(snapshot))
	for _, ev := range snapshot {
		present[ev.ID] = true
	}

	mappings, err := e.mappings.ListByCalendar(ctx, calendarID, models.SyncStatusSynced, models.SyncStatusError)
	if err != nil {
		log.Printf("Failed to list mappings for %s: %v", calendarID, err)
		return 0
	}

	queued := 0
	for _, m := range mappings {
		if m.RemoteEventID == nil || present[*m.RemoteEventID] {
			continue
		}
		if e.enqueue(ctx, calendarID, *m.RemoteEventID, "deleted") {
			queued++
		}
	}
	return queued
}

// probeSyncedMappings is the no-snapshot fallback: an explicit existence
// probe per synced mapping.
func (e *Engine) probeSyncedMappings(ctx context.Context, calendarID string) (int, error) {
	mappings, err := e.mappings.ListByCalendar(ctx, calendarID, models.SyncStatusSynced)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, m := range mappings {
		if m.RemoteEventID == nil {
			continue
		}
		_, err := e.remote.GetEvent(ctx, calendarID, *m.RemoteEventID)
		if err == nil {
			continue
		}
		if !bridge.IsNotFound(err) {
			continue
		}
		if e.enqueue(ctx, calendarID, *m.RemoteEventID, "deleted") {
			queued++
		}
	}
	return queued, nil
}

func (e *Engine) enqueue(ctx context.Context, calendarID, eventID, changeType string) bool {
	task := &models.DeletionCheckTask{
		BridgeName: e.remote.Name(),
		CalendarID: calendarID,
		EventID:    eventID,
		ChangeType: changeType,
	}
	if err := e.tasks.Enqueue(ctx, task); err != nil {
		log.Printf("Failed to enqueue change task for %s/%s: %v", calendarID, eventID, err)
		return false
	}
	return true
}
