package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/calsync-bridge/backend/internal/storage/models"
)

const mappingColumns = `id, source_kind, source_id, resource_id, remote_calendar_id,
	remote_event_id, sync_status, sync_direction, priority_level,
	last_sync_at, last_modified_source, last_modified_remote, error_message,
	created_at, updated_at`

// MappingRepository provides data access for sync mappings.
type MappingRepository struct {
	BaseRepository
}

// NewMappingRepository creates a new mapping repository.
func NewMappingRepository(db *DB) *MappingRepository {
	return &MappingRepository{BaseRepository: NewBaseRepository(db)}
}

// Upsert inserts the mapping or, when a live row already exists for the
// same (source_kind, source_id, resource_id) or the same remote event,
// updates that row in place. Two overlapping passes that both try to
// create the same mapping converge here: one insert wins, the other
// collapses into an update. There is no advisory lock around a whole pass.
func (r *MappingRepository) Upsert(ctx context.Context, m *models.Mapping) error {
	now := r.Now()
	if m.ID == "" {
		m.ID = GenerateID()
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO mappings (`+mappingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_kind, source_id, resource_id)
		WHERE sync_status != 'cancelled' AND source_id IS NOT NULL
		DO UPDATE SET
			remote_calendar_id = excluded.remote_calendar_id,
			sync_direction = excluded.sync_direction,
			priority_level = excluded.priority_level,
			last_modified_source = excluded.last_modified_source,
			updated_at = excluded.updated_at
		ON CONFLICT (remote_event_id)
		WHERE remote_event_id IS NOT NULL
		DO UPDATE SET
			remote_calendar_id = excluded.remote_calendar_id,
			sync_direction = excluded.sync_direction,
			priority_level = excluded.priority_level,
			last_modified_remote = excluded.last_modified_remote,
			updated_at = excluded.updated_at
	`,
		m.ID, m.SourceKind, m.SourceID, m.ResourceID, m.RemoteCalendarID,
		m.RemoteEventID, m.SyncStatus, m.SyncDirection, m.PriorityLevel,
		m.LastSyncAt, m.LastModifiedSource, m.LastModifiedRemote, m.ErrorMessage,
		m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting mapping: %w", err)
	}
	return nil
}

// GetByID retrieves a mapping by its ID.
func (r *MappingRepository) GetByID(ctx context.Context, id string) (*models.Mapping, error) {
	row := r.DB().QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM mappings WHERE id = ?`, id)
	return scanMapping(row)
}

// GetBySource retrieves the live (non-cancelled) mapping for a local
// source record, or nil when none exists.
func (r *MappingRepository) GetBySource(ctx context.Context, sourceKind, sourceID, resourceID string) (*models.Mapping, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT `+mappingColumns+` FROM mappings
		WHERE source_kind = ? AND source_id = ? AND resource_id = ?
		  AND sync_status != 'cancelled'
	`, sourceKind, sourceID, resourceID)
	return scanMapping(row)
}

// GetAnyBySource retrieves the most recent mapping for a source record
// regardless of status. Used by reactivation, which must find the
// cancelled row.
func (r *MappingRepository) GetAnyBySource(ctx context.Context, sourceKind, sourceID, resourceID string) (*models.Mapping, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT `+mappingColumns+` FROM mappings
		WHERE source_kind = ? AND source_id = ? AND resource_id = ?
		ORDER BY updated_at DESC LIMIT 1
	`, sourceKind, sourceID, resourceID)
	return scanMapping(row)
}

// GetByRemoteEvent retrieves the mapping owning a remote event id, or nil.
func (r *MappingRepository) GetByRemoteEvent(ctx context.Context, remoteEventID string) (*models.Mapping, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT `+mappingColumns+` FROM mappings WHERE remote_event_id = ?
	`, remoteEventID)
	return scanMapping(row)
}

// ListByCalendar retrieves mappings for a remote calendar, optionally
// filtered by status.
func (r *MappingRepository) ListByCalendar(ctx context.Context, calendarID string, statuses ...string) ([]models.Mapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM mappings WHERE remote_calendar_id = ?`
	args := []any{calendarID}
	if len(statuses) > 0 {
		query += ` AND sync_status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY created_at`

	rows, err := r.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying mappings: %w", err)
	}
	defer rows.Close()

	return scanMappings(rows)
}

// ListByResource retrieves live mappings for a local resource.
func (r *MappingRepository) ListByResource(ctx context.Context, resourceID string) ([]models.Mapping, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+mappingColumns+` FROM mappings
		WHERE resource_id = ? AND sync_status != 'cancelled'
		ORDER BY created_at
	`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("querying mappings by resource: %w", err)
	}
	defer rows.Close()

	return scanMappings(rows)
}

// MarkSynced records a successful create/update against the remote side.
func (r *MappingRepository) MarkSynced(ctx context.Context, id string, remoteEventID string, remoteModified time.Time) error {
	now := r.Now()
	_, err := r.DB().ExecContext(ctx, `
		UPDATE mappings
		SET sync_status = ?, remote_event_id = ?, last_sync_at = ?,
		    last_modified_remote = ?, error_message = NULL, updated_at = ?
		WHERE id = ?
	`, models.SyncStatusSynced, remoteEventID, now, remoteModified, now, id)
	if err != nil {
		return fmt.Errorf("marking mapping synced: %w", err)
	}
	return nil
}

// MarkSyncedLocal records a successful create/update of the local copy of
// a remote-originated event. The local record id lands in source_id;
// remote_event_id is untouched, it already identifies the remote original.
func (r *MappingRepository) MarkSyncedLocal(ctx context.Context, id string, localID string, remoteModified time.Time) error {
	now := r.Now()
	_, err := r.DB().ExecContext(ctx, `
		UPDATE mappings
		SET sync_status = ?, source_id = ?, last_sync_at = ?,
		    last_modified_remote = ?, error_message = NULL, updated_at = ?
		WHERE id = ?
	`, models.SyncStatusSynced, localID, now, remoteModified, now, id)
	if err != nil {
		return fmt.Errorf("marking mapping synced from remote: %w", err)
	}
	return nil
}

// MarkError records a remote-call failure; the row is retried next pass.
func (r *MappingRepository) MarkError(ctx context.Context, id, message string) error {
	now := r.Now()
	_, err := r.DB().ExecContext(ctx, `
		UPDATE mappings
		SET sync_status = ?, error_message = ?, updated_at = ?
		WHERE id = ?
	`, models.SyncStatusError, message, now, id)
	if err != nil {
		return fmt.Errorf("marking mapping error: %w", err)
	}
	return nil
}

// MarkConflict records a lost arbitration. The row is never synced while
// conflicting.
func (r *MappingRepository) MarkConflict(ctx context.Context, id string) error {
	now := r.Now()
	_, err := r.DB().ExecContext(ctx, `
		UPDATE mappings SET sync_status = ?, updated_at = ? WHERE id = ?
	`, models.SyncStatusConflict, now, id)
	if err != nil {
		return fmt.Errorf("marking mapping conflict: %w", err)
	}
	return nil
}

// ClearConflict returns a conflicting mapping to pending after it wins a
// later arbitration. Rows in any other status are left alone.
func (r *MappingRepository) ClearConflict(ctx context.Context, id string) error {
	now := r.Now()
	_, err := r.DB().ExecContext(ctx, `
		UPDATE mappings SET sync_status = ?, updated_at = ?
		WHERE id = ? AND sync_status = ?
	`, models.SyncStatusPending, now, id, models.SyncStatusConflict)
	if err != nil {
		return fmt.Errorf("clearing mapping conflict: %w", err)
	}
	return nil
}

// MarkCancelled terminates the mapping after a deletion on either side.
func (r *MappingRepository) MarkCancelled(ctx context.Context, id string) error {
	now := r.Now()
	_, err := r.DB().ExecContext(ctx, `
		UPDATE mappings SET sync_status = ?, updated_at = ? WHERE id = ?
	`, models.SyncStatusCancelled, now, id)
	if err != nil {
		return fmt.Errorf("marking mapping cancelled: %w", err)
	}
	return nil
}

// Reactivate resets a cancelled mapping to pending and clears the remote
// event id so the next sync pass creates a fresh remote event. A stale
// remote id is never reused.
func (r *MappingRepository) Reactivate(ctx context.Context, id string) error {
	now := r.Now()
	res, err := r.DB().ExecContext(ctx, `
		UPDATE mappings
		SET sync_status = ?, remote_event_id = NULL, error_message = NULL,
		    last_modified_remote = NULL, updated_at = ?
		WHERE id = ? AND sync_status = ?
	`, models.SyncStatusPending, now, id, models.SyncStatusCancelled)
	if err != nil {
		return fmt.Errorf("reactivating mapping: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reactivating mapping %s: not cancelled", id)
	}
	return nil
}

// RecordConflict appends one conflict-resolution decision for audit.
func (r *MappingRepository) RecordConflict(ctx context.Context, rec *models.ConflictRecord) error {
	if rec.ID == "" {
		rec.ID = GenerateID()
	}
	if rec.ResolvedAt.IsZero() {
		rec.ResolvedAt = r.Now()
	}
	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO conflict_records
			(id, resource_id, window_start, window_end, winner_mapping_id, loser_mapping_id, reason, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.ResourceID, rec.WindowStart, rec.WindowEnd, rec.WinnerID, rec.LoserID, rec.Reason, rec.ResolvedAt)
	if err != nil {
		return fmt.Errorf("recording conflict: %w", err)
	}
	return nil
}

// ListConflictRecords retrieves the audit trail for a resource.
func (r *MappingRepository) ListConflictRecords(ctx context.Context, resourceID string) ([]models.ConflictRecord, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT id, resource_id, window_start, window_end, winner_mapping_id, loser_mapping_id, reason, resolved_at
		FROM conflict_records WHERE resource_id = ? ORDER BY resolved_at
	`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("querying conflict records: %w", err)
	}
	defer rows.Close()

	var recs []models.ConflictRecord
	for rows.Next() {
		var rec models.ConflictRecord
		if err := rows.Scan(&rec.ID, &rec.ResourceID, &rec.WindowStart, &rec.WindowEnd,
			&rec.WinnerID, &rec.LoserID, &rec.Reason, &rec.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scanning conflict record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMappingFields(s rowScanner, m *models.Mapping) error {
	return s.Scan(
		&m.ID, &m.SourceKind, &m.SourceID, &m.ResourceID, &m.RemoteCalendarID,
		&m.RemoteEventID, &m.SyncStatus, &m.SyncDirection, &m.PriorityLevel,
		&m.LastSyncAt, &m.LastModifiedSource, &m.LastModifiedRemote, &m.ErrorMessage,
		&m.CreatedAt, &m.UpdatedAt,
	)
}

func scanMapping(row *sql.Row) (*models.Mapping, error) {
	m := &models.Mapping{}
	err := scanMappingFields(row, m)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning mapping: %w", err)
	}
	return m, nil
}

func scanMappings(rows *sql.Rows) ([]models.Mapping, error) {
	var mappings []models.Mapping
	for rows.Next() {
		var m models.Mapping
		if err := scanMappingFields(rows, &m); err != nil {
			return nil, fmt.Errorf("scanning mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}
