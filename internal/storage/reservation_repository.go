package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/calsync-bridge/backend/internal/storage/models"
)

const reservationColumns = `id, kind, resource_id, subject, description, location, organizer,
	start_at, end_at, active, remote_origin, created_at, updated_at, deleted_at`

// ReservationRepository provides data access for local booking records,
// used by the direct-store strategy of the booking bridge and by the
// cancellation scan.
type ReservationRepository struct {
	BaseRepository
}

// NewReservationRepository creates a new reservation repository.
func NewReservationRepository(db *DB) *ReservationRepository {
	return &ReservationRepository{BaseRepository: NewBaseRepository(db)}
}

// Create inserts a new reservation.
func (r *ReservationRepository) Create(ctx context.Context, res *models.Reservation) error {
	if res.ID == "" {
		res.ID = GenerateID()
	}
	if res.Kind == "" {
		res.Kind = models.SourceKindBooking
	}
	res.CreatedAt = r.Now()
	res.UpdatedAt = res.CreatedAt

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, res.ID, res.Kind, res.ResourceID, res.Subject, res.Description, res.Location,
		res.Organizer, res.StartAt, res.EndAt, res.Active, res.RemoteOrigin,
		res.CreatedAt, res.UpdatedAt, res.DeletedAt)
	if err != nil {
		return fmt.Errorf("inserting reservation: %w", err)
	}
	return nil
}

// GetByID retrieves a reservation, or nil when absent.
func (r *ReservationRepository) GetByID(ctx context.Context, id string) (*models.Reservation, error) {
	row := r.DB().QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	res := &models.Reservation{}
	err := scanReservationFields(row, res)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying reservation: %w", err)
	}
	return res, nil
}

// ListActiveInWindow retrieves active reservations for a resource
// overlapping [start, end).
func (r *ReservationRepository) ListActiveInWindow(ctx context.Context, resourceID string, start, end time.Time) ([]models.Reservation, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE resource_id = ? AND active = 1 AND start_at < ? AND end_at > ?
		ORDER BY start_at
	`, resourceID, end, start)
	if err != nil {
		return nil, fmt.Errorf("querying reservations in window: %w", err)
	}
	defer rows.Close()

	return scanReservations(rows)
}

// ListInactiveSince retrieves reservations deactivated at or after the
// cutoff, for the cancellation scan.
func (r *ReservationRepository) ListInactiveSince(ctx context.Context, cutoff time.Time) ([]models.Reservation, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE active = 0 AND updated_at >= ?
		ORDER BY updated_at
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying inactive reservations: %w", err)
	}
	defer rows.Close()

	return scanReservations(rows)
}

// Update replaces the mutable fields of a reservation.
func (r *ReservationRepository) Update(ctx context.Context, res *models.Reservation) error {
	res.UpdatedAt = r.Now()
	_, err := r.DB().ExecContext(ctx, `
		UPDATE reservations
		SET subject = ?, description = ?, location = ?, organizer = ?,
		    start_at = ?, end_at = ?, active = ?, updated_at = ?
		WHERE id = ?
	`, res.Subject, res.Description, res.Location, res.Organizer,
		res.StartAt, res.EndAt, res.Active, res.UpdatedAt, res.ID)
	if err != nil {
		return fmt.Errorf("updating reservation: %w", err)
	}
	return nil
}

// SoftDelete flips the active flag and stamps deleted_at. The row stays.
func (r *ReservationRepository) SoftDelete(ctx context.Context, id string, note string) error {
	now := r.Now()
	query := `
		UPDATE reservations
		SET active = 0, deleted_at = ?, updated_at = ?`
	args := []any{now, now}
	if note != "" {
		query += `, description = description || ?`
		args = append(args, "\n"+note)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("soft-deleting reservation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Reactivate flips the active flag back on.
func (r *ReservationRepository) Reactivate(ctx context.Context, id string) error {
	now := r.Now()
	_, err := r.DB().ExecContext(ctx, `
		UPDATE reservations SET active = 1, deleted_at = NULL, updated_at = ? WHERE id = ?
	`, now, id)
	if err != nil {
		return fmt.Errorf("reactivating reservation: %w", err)
	}
	return nil
}

func scanReservationFields(s rowScanner, res *models.Reservation) error {
	return s.Scan(&res.ID, &res.Kind, &res.ResourceID, &res.Subject, &res.Description,
		&res.Location, &res.Organizer, &res.StartAt, &res.EndAt, &res.Active,
		&res.RemoteOrigin, &res.CreatedAt, &res.UpdatedAt, &res.DeletedAt)
}

func scanReservations(rows *sql.Rows) ([]models.Reservation, error) {
	var out []models.Reservation
	for rows.Next() {
		var res models.Reservation
		if err := scanReservationFields(rows, &res); err != nil {
			return nil, fmt.Errorf("scanning reservation: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
