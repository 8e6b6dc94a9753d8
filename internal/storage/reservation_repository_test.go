package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/calsync-bridge/backend/internal/storage/models"
)

func newReservation(resourceID string, start time.Time) *models.Reservation {
	return &models.Reservation{
		ResourceID: resourceID,
		Subject:    "Planning",
		StartAt:    start,
		EndAt:      start.Add(time.Hour),
		Active:     true,
	}
}

func TestSoftDeleteAppendsAuditNote(t *testing.T) {
	repo := NewReservationRepository(testDB(t))
	ctx := context.Background()

	res := newReservation("room-1", time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	res.Description = "original notes"
	if err := repo.Create(ctx, res); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := repo.SoftDelete(ctx, res.ID, "[cancelled by test]"); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	got, err := repo.GetByID(ctx, res.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Active {
		t.Error("reservation still active")
	}
	if got.DeletedAt == nil {
		t.Error("deleted_at not stamped")
	}
	if !strings.Contains(got.Description, "original notes") || !strings.Contains(got.Description, "[cancelled by test]") {
		t.Errorf("description = %q", got.Description)
	}
}

func TestSoftDeleteMissingRow(t *testing.T) {
	repo := NewReservationRepository(testDB(t))

	err := repo.SoftDelete(context.Background(), "nope", "")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestListActiveInWindow(t *testing.T) {
	repo := NewReservationRepository(testDB(t))
	ctx := context.Background()

	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	inside := newReservation("room-1", base)
	outside := newReservation("room-1", base.AddDate(0, 2, 0))
	otherRoom := newReservation("room-2", base)
	for _, r := range []*models.Reservation{inside, outside, otherRoom} {
		if err := repo.Create(ctx, r); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	inactive := newReservation("room-1", base.Add(2*time.Hour))
	if err := repo.Create(ctx, inactive); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.SoftDelete(ctx, inactive.ID, ""); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	got, err := repo.ListActiveInWindow(ctx, "room-1", base.AddDate(0, 0, -1), base.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("ListActiveInWindow: %v", err)
	}
	if len(got) != 1 || got[0].ID != inside.ID {
		t.Errorf("window list = %d rows", len(got))
	}
}

func TestListInactiveSince(t *testing.T) {
	repo := NewReservationRepository(testDB(t))
	ctx := context.Background()

	res := newReservation("room-1", time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	if err := repo.Create(ctx, res); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.SoftDelete(ctx, res.ID, ""); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	recent, err := repo.ListInactiveSince(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListInactiveSince: %v", err)
	}
	if len(recent) != 1 {
		t.Errorf("recent inactive = %d rows, want 1", len(recent))
	}

	none, err := repo.ListInactiveSince(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("ListInactiveSince future cutoff: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("future cutoff returned %d rows", len(none))
	}
}

func TestReactivateReservation(t *testing.T) {
	repo := NewReservationRepository(testDB(t))
	ctx := context.Background()

	res := newReservation("room-1", time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	if err := repo.Create(ctx, res); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.SoftDelete(ctx, res.ID, ""); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if err := repo.Reactivate(ctx, res.ID); err != nil {
		t.Fatalf("Reactivate: %v", err)
	}

	got, _ := repo.GetByID(ctx, res.ID)
	if !got.Active {
		t.Error("reservation not active after reactivation")
	}
	if got.DeletedAt != nil {
		t.Error("deleted_at not cleared")
	}
}
