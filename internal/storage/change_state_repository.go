package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/calsync-bridge/backend/internal/storage/models"
)

const changeStateColumns = `calendar_id, delta_cursor, last_poll_at, last_successful_poll_at,
	consecutive_error_count, healthy, created_at, updated_at`

// ChangeStateRepository provides data access for per-calendar polling state.
type ChangeStateRepository struct {
	BaseRepository
}

// NewChangeStateRepository creates a new change-detection state repository.
func NewChangeStateRepository(db *DB) *ChangeStateRepository {
	return &ChangeStateRepository{BaseRepository: NewBaseRepository(db)}
}

// Get retrieves the state row for a calendar, or nil when the calendar has
// never been polled.
func (r *ChangeStateRepository) Get(ctx context.Context, calendarID string) (*models.ChangeDetectionState, error) {
	st := &models.ChangeDetectionState{}
	err := r.DB().QueryRowContext(ctx, `
		SELECT `+changeStateColumns+` FROM change_detection_state WHERE calendar_id = ?
	`, calendarID).Scan(
		&st.CalendarID, &st.DeltaCursor, &st.LastPollAt, &st.LastSuccessfulPollAt,
		&st.ConsecutiveErrorCount, &st.Healthy, &st.CreatedAt, &st.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying change state: %w", err)
	}
	return st, nil
}

// List retrieves state rows for all tracked calendars.
func (r *ChangeStateRepository) List(ctx context.Context) ([]models.ChangeDetectionState, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+changeStateColumns+` FROM change_detection_state ORDER BY calendar_id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying change states: %w", err)
	}
	defer rows.Close()

	var states []models.ChangeDetectionState
	for rows.Next() {
		var st models.ChangeDetectionState
		if err := rows.Scan(
			&st.CalendarID, &st.DeltaCursor, &st.LastPollAt, &st.LastSuccessfulPollAt,
			&st.ConsecutiveErrorCount, &st.Healthy, &st.CreatedAt, &st.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning change state: %w", err)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// Track ensures a state row exists for the calendar so it is included in
// future polling passes.
func (r *ChangeStateRepository) Track(ctx context.Context, calendarID string) error {
	now := r.Now()
	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO change_detection_state (calendar_id, healthy, created_at, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT (calendar_id) DO NOTHING
	`, calendarID, now, now)
	if err != nil {
		return fmt.Errorf("tracking calendar: %w", err)
	}
	return nil
}

// RecordSuccess stores the new cursor after a successful poll and resets
// the error count.
func (r *ChangeStateRepository) RecordSuccess(ctx context.Context, calendarID string, cursor *string, at time.Time) error {
	now := r.Now()
	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO change_detection_state
			(calendar_id, delta_cursor, last_poll_at, last_successful_poll_at,
			 consecutive_error_count, healthy, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, 1, ?, ?)
		ON CONFLICT (calendar_id) DO UPDATE SET
			delta_cursor = excluded.delta_cursor,
			last_poll_at = excluded.last_poll_at,
			last_successful_poll_at = excluded.last_successful_poll_at,
			consecutive_error_count = 0,
			healthy = 1,
			updated_at = excluded.updated_at
	`, calendarID, cursor, at, at, now, now)
	if err != nil {
		return fmt.Errorf("recording poll success: %w", err)
	}
	return nil
}

// RecordFailure increments the consecutive error count and flips the
// healthy flag once the threshold is crossed. Never fatal to a pass.
func (r *ChangeStateRepository) RecordFailure(ctx context.Context, calendarID string, at time.Time, unhealthyThreshold int) error {
	now := r.Now()
	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO change_detection_state
			(calendar_id, last_poll_at, consecutive_error_count, healthy, created_at, updated_at)
		VALUES (?, ?, 1, 1, ?, ?)
		ON CONFLICT (calendar_id) DO UPDATE SET
			last_poll_at = excluded.last_poll_at,
			consecutive_error_count = change_detection_state.consecutive_error_count + 1,
			healthy = CASE
				WHEN change_detection_state.consecutive_error_count + 1 >= ? THEN 0
				ELSE change_detection_state.healthy
			END,
			updated_at = excluded.updated_at
	`, calendarID, at, now, now, unhealthyThreshold)
	if err != nil {
		return fmt.Errorf("recording poll failure: %w", err)
	}
	return nil
}

// ClearCursor drops a cursor the remote rejected, forcing the next poll to
// take the full-window path.
func (r *ChangeStateRepository) ClearCursor(ctx context.Context, calendarID string) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE change_detection_state SET delta_cursor = NULL, updated_at = ? WHERE calendar_id = ?
	`, r.Now(), calendarID)
	if err != nil {
		return fmt.Errorf("clearing cursor: %w", err)
	}
	return nil
}
