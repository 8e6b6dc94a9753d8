// Package deletion propagates deletes and reactivations symmetrically
// between the local booking store and the remote calendar. It consumes
// deletion-check tasks at-least-once; every outcome is one idempotent
// mapping update, so re-running a partially failed check converges.
package deletion

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/calsync-bridge/backend/internal/bridge"
	"github.com/calsync-bridge/backend/internal/queue"
	"github.com/calsync-bridge/backend/internal/storage"
	"github.com/calsync-bridge/backend/internal/storage/models"
)

// Result aggregates one queue drain or cancellation scan.
type Result struct {
	Success     bool     `json:"success"`
	Processed   int      `json:"processed"`
	Cancelled   int      `json:"cancelled"`
	Reactivated int      `json:"reactivated"`
	Errors      []string `json:"errors,omitempty"`
}

// EventSink receives cancellation notifications. Nil sinks are ignored.
type EventSink interface {
	MappingCancelled(mappingID, reason string)
}

// Service is the deletion/cancellation propagator.
type Service struct {
	remote       bridge.Bridge
	mappings     *storage.MappingRepository
	reservations *storage.ReservationRepository
	tasks        queue.Queue
	sink         EventSink

	// scanWindow bounds how far back the cancellation scan looks for
	// recently deactivated reservations.
	scanWindow time.Duration
}

// NewService creates the deletion service. scanWindow zero means 7 days.
func NewService(remote bridge.Bridge, mappings *storage.MappingRepository, reservations *storage.ReservationRepository, tasks queue.Queue, sink EventSink, scanWindow time.Duration) *Service {
	if scanWindow <= 0 {
		scanWindow = 7 * 24 * time.Hour
	}
	return &Service{
		remote:       remote,
		mappings:     mappings,
		reservations: reservations,
		tasks:        tasks,
		sink:         sink,
		scanWindow:   scanWindow,
	}
}

// ProcessQueue drains up to limit pending deletion-check tasks.
func (s *Service) ProcessQueue(ctx context.Context, limit int) *Result {
	result := &Result{Success: true}
	if limit <= 0 {
		limit = 50
	}

	tasks, err := s.tasks.Claim(ctx, limit)
	if err != nil {
		result.Success = false
		result.Errors = append(result.Errors, fmt.Sprintf("claiming tasks: %v", err))
		return result
	}

	for _, task := range tasks {
		cancelled, err := s.processTask(ctx, task)
		result.Processed++
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("task %s (%s): %v", task.ID, task.EventID, err))
			if failErr := s.tasks.Fail(ctx, task.ID, err.Error()); failErr != nil {
				log.Printf("Failed to return task %s to queue: %v", task.ID, failErr)
			}
			continue
		}
		if cancelled {
			result.Cancelled++
		}
		if err := s.tasks.Complete(ctx, task.ID); err != nil {
			log.Printf("Failed to complete task %s: %v", task.ID, err)
		}
	}

	result.Success = len(result.Errors) == 0
	return result
}

// processTask propagates one confirmed or suspected deletion. Tasks
// tagged local_deleted delete the remote copy outright; all others probe
// the remote event and, when it is confirmed gone, cancel the mapped
// local reservation.
func (s *Service) processTask(ctx context.Context, task models.DeletionCheckTask) (cancelled bool, err error) {
	m, err := s.mappings.GetByRemoteEvent(ctx, task.EventID)
	if err != nil {
		return false, err
	}
	// No mapping, or one already cancelled: nothing to propagate.
	if m == nil || m.SyncStatus == models.SyncStatusCancelled {
		return false, nil
	}

	// The producer already confirmed the local record is gone. The remote
	// copy is still alive, so probing it would be a no-op; delete it and
	// terminate the mapping.
	if task.ChangeType == models.ChangeTypeLocalDeleted {
		return true, s.cancelFromLocal(ctx, m)
	}

	_, probeErr := s.remote.GetEvent(ctx, task.CalendarID, task.EventID)
	if probeErr == nil {
		// Event still exists; the change was an update, which the next
		// sync pass reconciles. Not a deletion.
		return false, nil
	}
	if !bridge.IsNotFound(probeErr) {
		return false, probeErr
	}

	return true, s.cancelFromRemote(ctx, m)
}

// cancelFromRemote handles a remote-confirmed deletion: the local record
// is deactivated with an audit note and the mapping terminates.
func (s *Service) cancelFromRemote(ctx context.Context, m *models.Mapping) error {
	if m.SourceID != nil && s.reservations != nil {
		note := fmt.Sprintf("[cancelled %s: remote event removed from calendar %s]",
			time.Now().UTC().Format(time.RFC3339), m.RemoteCalendarID)
		if err := s.reservations.SoftDelete(ctx, *m.SourceID, note); err != nil {
			// Already gone locally is fine; anything else must retry.
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("deactivating reservation %s: %w", *m.SourceID, err)
			}
		}
	}

	if err := s.mappings.MarkCancelled(ctx, m.ID); err != nil {
		return err
	}
	if s.sink != nil {
		s.sink.MappingCancelled(m.ID, "remote_deleted")
	}
	return nil
}

// DetectAndSyncCancellations is the local-state half: reservations whose
// active flag flipped off get their remote event deleted, and cancelled
// mappings whose reservation came back go pending with a cleared remote
// id so the next pass creates a fresh event.
func (s *Service) DetectAndSyncCancellations(ctx context.Context) *Result {
	result := &Result{Success: true}
	if s.reservations == nil {
		result.Errors = append(result.Errors, "no local reservation store configured")
		result.Success = false
		return result
	}

	cutoff := time.Now().UTC().Add(-s.scanWindow)
	deactivated, err := s.reservations.ListInactiveSince(ctx, cutoff)
	if err != nil {
		result.Success = false
		result.Errors = append(result.Errors, fmt.Sprintf("scanning deactivated reservations: %v", err))
		return result
	}

	for _, res := range deactivated {
		m, err := s.mappings.GetBySource(ctx, res.Kind, res.ID, res.ResourceID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("reservation %s: %v", res.ID, err))
			continue
		}
		if m == nil {
			continue
		}
		if m.SyncStatus != models.SyncStatusSynced && m.SyncStatus != models.SyncStatusError {
			continue
		}
		result.Processed++

		if err := s.cancelFromLocal(ctx, m); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("reservation %s: %v", res.ID, err))
			continue
		}
		result.Cancelled++
	}

	reactivated, err := s.reactivateReturned(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("reactivation scan: %v", err))
	}
	result.Reactivated = reactivated

	result.Success = len(result.Errors) == 0
	return result
}

// cancelFromLocal deletes the remote event for a locally deactivated
// reservation. A remote 404 means it is already gone; both outcomes end
// with the mapping cancelled.
func (s *Service) cancelFromLocal(ctx context.Context, m *models.Mapping) error {
	if m.RemoteEventID != nil {
		err := s.remote.DeleteEvent(ctx, m.RemoteCalendarID, *m.RemoteEventID)
		if err != nil && !bridge.IsNotFound(err) {
			if markErr := s.mappings.MarkError(ctx, m.ID, err.Error()); markErr != nil {
				log.Printf("Failed to mark mapping %s error: %v", m.ID, markErr)
			}
			return err
		}
	}

	if err := s.mappings.MarkCancelled(ctx, m.ID); err != nil {
		return err
	}
	if s.sink != nil {
		s.sink.MappingCancelled(m.ID, "local_deactivated")
	}
	return nil
}

// reactivateReturned finds cancelled mappings whose reservation is active
// again and resets them to pending with the stale remote id cleared.
func (s *Service) reactivateReturned(ctx context.Context) (int, error) {
	rows, err := s.mappings.DB().QueryContext(ctx, `
		SELECT m.id FROM mappings m
		JOIN reservations r ON r.id = m.source_id
		WHERE m.sync_status = 'cancelled' AND r.active = 1
	`)
	if err != nil {
		return 0, fmt.Errorf("querying reactivated reservations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scanning mapping id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, id := range ids {
		if err := s.mappings.Reactivate(ctx, id); err != nil {
			log.Printf("Failed to reactivate mapping %s: %v", id, err)
			continue
		}
		count++
	}
	return count, nil
}
