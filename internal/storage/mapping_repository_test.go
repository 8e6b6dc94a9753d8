package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/calsync-bridge/backend/internal/storage/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := RunMigrations(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	return db
}

func strPtr(s string) *string { return &s }

func newMapping(sourceID string) *models.Mapping {
	return &models.Mapping{
		SourceKind:       models.SourceKindBooking,
		SourceID:         strPtr(sourceID),
		ResourceID:       "room-1",
		RemoteCalendarID: "cal-1",
		SyncStatus:       models.SyncStatusPending,
		SyncDirection:    models.DirectionToRemote,
		PriorityLevel:    2,
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	repo := NewMappingRepository(testDB(t))
	ctx := context.Background()

	m := newMapping("res-1")
	if err := repo.Upsert(ctx, m); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	firstID := m.ID

	// A second pass building the same candidate must collapse into the
	// existing row rather than inserting a duplicate.
	dup := newMapping("res-1")
	dup.PriorityLevel = 3
	if err := repo.Upsert(ctx, dup); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := repo.GetBySource(ctx, models.SourceKindBooking, "res-1", "room-1")
	if err != nil {
		t.Fatalf("GetBySource: %v", err)
	}
	if got == nil {
		t.Fatal("mapping not found")
	}
	if got.ID != firstID {
		t.Errorf("upsert created a second row: id %s != %s", got.ID, firstID)
	}
	if got.PriorityLevel != 3 {
		t.Errorf("priority not updated in place: %d", got.PriorityLevel)
	}
}

func TestCancelledRowDoesNotBlockNewMapping(t *testing.T) {
	repo := NewMappingRepository(testDB(t))
	ctx := context.Background()

	m := newMapping("res-2")
	if err := repo.Upsert(ctx, m); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.MarkCancelled(ctx, m.ID); err != nil {
		t.Fatalf("MarkCancelled: %v", err)
	}

	// The partial unique index only covers live rows, so a fresh mapping
	// for the same source is allowed once the old one is cancelled.
	fresh := newMapping("res-2")
	if err := repo.Upsert(ctx, fresh); err != nil {
		t.Fatalf("upsert after cancellation: %v", err)
	}
	if fresh.ID == m.ID {
		t.Error("expected a new row, got the cancelled one")
	}

	got, err := repo.GetBySource(ctx, models.SourceKindBooking, "res-2", "room-1")
	if err != nil {
		t.Fatalf("GetBySource: %v", err)
	}
	if got == nil || got.ID != fresh.ID {
		t.Errorf("GetBySource returned %+v, want fresh row %s", got, fresh.ID)
	}
}

func TestMarkSyncedAndError(t *testing.T) {
	repo := NewMappingRepository(testDB(t))
	ctx := context.Background()

	m := newMapping("res-3")
	if err := repo.Upsert(ctx, m); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	remoteModified := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	if err := repo.MarkSynced(ctx, m.ID, "ext-99", remoteModified); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	got, _ := repo.GetByID(ctx, m.ID)
	if got.SyncStatus != models.SyncStatusSynced {
		t.Errorf("status = %s, want synced", got.SyncStatus)
	}
	if got.RemoteEventID == nil || *got.RemoteEventID != "ext-99" {
		t.Errorf("remote event id = %v", got.RemoteEventID)
	}
	if got.LastSyncAt == nil {
		t.Error("last_sync_at not set")
	}

	if err := repo.MarkError(ctx, m.ID, "remote 503"); err != nil {
		t.Fatalf("MarkError: %v", err)
	}
	got, _ = repo.GetByID(ctx, m.ID)
	if got.SyncStatus != models.SyncStatusError {
		t.Errorf("status = %s, want error", got.SyncStatus)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "remote 503" {
		t.Errorf("error message = %v", got.ErrorMessage)
	}
	// The remote id survives an error; only the status flips.
	if got.RemoteEventID == nil || *got.RemoteEventID != "ext-99" {
		t.Errorf("remote event id lost on error: %v", got.RemoteEventID)
	}

	// A later success clears the error message.
	if err := repo.MarkSynced(ctx, m.ID, "ext-99", remoteModified); err != nil {
		t.Fatalf("re-MarkSynced: %v", err)
	}
	got, _ = repo.GetByID(ctx, m.ID)
	if got.ErrorMessage != nil {
		t.Errorf("error message not cleared: %v", *got.ErrorMessage)
	}
}

func TestReactivateClearsRemoteEventID(t *testing.T) {
	repo := NewMappingRepository(testDB(t))
	ctx := context.Background()

	m := newMapping("res-4")
	if err := repo.Upsert(ctx, m); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.MarkSynced(ctx, m.ID, "ext-old", time.Now().UTC()); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	// Reactivating a live row must fail.
	if err := repo.Reactivate(ctx, m.ID); err == nil {
		t.Error("expected error reactivating a non-cancelled mapping")
	}

	if err := repo.MarkCancelled(ctx, m.ID); err != nil {
		t.Fatalf("MarkCancelled: %v", err)
	}
	if err := repo.Reactivate(ctx, m.ID); err != nil {
		t.Fatalf("Reactivate: %v", err)
	}

	got, _ := repo.GetByID(ctx, m.ID)
	if got.SyncStatus != models.SyncStatusPending {
		t.Errorf("status = %s, want pending", got.SyncStatus)
	}
	if got.RemoteEventID != nil {
		t.Errorf("stale remote event id kept: %v", *got.RemoteEventID)
	}
}

func TestGetByRemoteEvent(t *testing.T) {
	repo := NewMappingRepository(testDB(t))
	ctx := context.Background()

	m := newMapping("res-5")
	if err := repo.Upsert(ctx, m); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.MarkSynced(ctx, m.ID, "ext-5", time.Now().UTC()); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	got, err := repo.GetByRemoteEvent(ctx, "ext-5")
	if err != nil {
		t.Fatalf("GetByRemoteEvent: %v", err)
	}
	if got == nil || got.ID != m.ID {
		t.Errorf("GetByRemoteEvent returned %+v", got)
	}

	none, err := repo.GetByRemoteEvent(ctx, "ext-unknown")
	if err != nil {
		t.Fatalf("GetByRemoteEvent miss: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil for unknown remote event, got %+v", none)
	}
}

func TestListByCalendarStatusFilter(t *testing.T) {
	repo := NewMappingRepository(testDB(t))
	ctx := context.Background()

	a := newMapping("res-a")
	b := newMapping("res-b")
	c := newMapping("res-c")
	for _, m := range []*models.Mapping{a, b, c} {
		if err := repo.Upsert(ctx, m); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if err := repo.MarkSynced(ctx, a.ID, "ext-a", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if err := repo.MarkCancelled(ctx, c.ID); err != nil {
		t.Fatal(err)
	}

	all, err := repo.ListByCalendar(ctx, "cal-1")
	if err != nil {
		t.Fatalf("ListByCalendar: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("unfiltered list = %d rows, want 3", len(all))
	}

	synced, err := repo.ListByCalendar(ctx, "cal-1", models.SyncStatusSynced)
	if err != nil {
		t.Fatalf("filtered ListByCalendar: %v", err)
	}
	if len(synced) != 1 || synced[0].ID != a.ID {
		t.Errorf("synced filter returned %d rows", len(synced))
	}
}

func TestConflictRecordAudit(t *testing.T) {
	repo := NewMappingRepository(testDB(t))
	ctx := context.Background()

	rec := &models.ConflictRecord{
		ResourceID:  "room-1",
		WindowStart: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		WinnerID:    "map-w",
		LoserID:     "map-l",
		Reason:      "priority",
	}
	if err := repo.RecordConflict(ctx, rec); err != nil {
		t.Fatalf("RecordConflict: %v", err)
	}

	recs, err := repo.ListConflictRecords(ctx, "room-1")
	if err != nil {
		t.Fatalf("ListConflictRecords: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].WinnerID != "map-w" || recs[0].LoserID != "map-l" || recs[0].Reason != "priority" {
		t.Errorf("unexpected record: %+v", recs[0])
	}
}

func TestUpsertConvergesOnRemoteEvent(t *testing.T) {
	repo := NewMappingRepository(testDB(t))
	ctx := context.Background()

	remote := func() *models.Mapping {
		return &models.Mapping{
			SourceKind:       models.SourceKindBooking,
			ResourceID:       "room-1",
			RemoteCalendarID: "cal-1",
			RemoteEventID:    strPtr("R1"),
			SyncStatus:       models.SyncStatusPending,
			SyncDirection:    models.DirectionFromRemote,
			PriorityLevel:    2,
		}
	}

	m := remote()
	if err := repo.Upsert(ctx, m); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// Rows keyed by remote event have no source_id yet, so the source
	// triple cannot dedupe them; the remote event id must.
	dup := remote()
	dup.PriorityLevel = 4
	if err := repo.Upsert(ctx, dup); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := repo.GetByRemoteEvent(ctx, "R1")
	if err != nil {
		t.Fatalf("GetByRemoteEvent: %v", err)
	}
	if got == nil {
		t.Fatal("mapping not found")
	}
	if got.ID != m.ID {
		t.Errorf("upsert created a second row: id %s != %s", got.ID, m.ID)
	}
	if got.PriorityLevel != 4 {
		t.Errorf("priority not updated in place: %d", got.PriorityLevel)
	}
}

func TestMarkSyncedLocalStoresLocalID(t *testing.T) {
	repo := NewMappingRepository(testDB(t))
	ctx := context.Background()

	m := &models.Mapping{
		SourceKind:       models.SourceKindBooking,
		ResourceID:       "room-1",
		RemoteCalendarID: "cal-1",
		RemoteEventID:    strPtr("R1"),
		SyncStatus:       models.SyncStatusPending,
		SyncDirection:    models.DirectionFromRemote,
	}
	if err := repo.Upsert(ctx, m); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	edited := time.Now().UTC().Add(-time.Hour)
	if err := repo.MarkSyncedLocal(ctx, m.ID, "res-9", edited); err != nil {
		t.Fatalf("MarkSyncedLocal: %v", err)
	}

	got, _ := repo.GetByRemoteEvent(ctx, "R1")
	if got.SyncStatus != models.SyncStatusSynced {
		t.Errorf("status = %s, want synced", got.SyncStatus)
	}
	if got.SourceID == nil || *got.SourceID != "res-9" {
		t.Errorf("source_id = %v, want the local copy id", got.SourceID)
	}
	if got.RemoteEventID == nil || *got.RemoteEventID != "R1" {
		t.Errorf("remote_event_id = %v, want untouched", got.RemoteEventID)
	}
	if got.LastModifiedRemote == nil || !got.LastModifiedRemote.Equal(edited) {
		t.Errorf("last_modified_remote = %v, want the remote edit time", got.LastModifiedRemote)
	}
}

func TestClearConflictOnlyThawsConflictRows(t *testing.T) {
	repo := NewMappingRepository(testDB(t))
	ctx := context.Background()

	m := newMapping("res-7")
	if err := repo.Upsert(ctx, m); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.MarkConflict(ctx, m.ID); err != nil {
		t.Fatalf("MarkConflict: %v", err)
	}

	if err := repo.ClearConflict(ctx, m.ID); err != nil {
		t.Fatalf("ClearConflict: %v", err)
	}
	got, _ := repo.GetByID(ctx, m.ID)
	if got.SyncStatus != models.SyncStatusPending {
		t.Errorf("status = %s, want pending", got.SyncStatus)
	}

	// A second clear on a non-conflicting row changes nothing.
	if err := repo.MarkSynced(ctx, m.ID, "ev-1", time.Now().UTC()); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	if err := repo.ClearConflict(ctx, m.ID); err != nil {
		t.Fatalf("ClearConflict on synced row: %v", err)
	}
	got, _ = repo.GetByID(ctx, m.ID)
	if got.SyncStatus != models.SyncStatusSynced {
		t.Errorf("status = %s, want synced untouched", got.SyncStatus)
	}
}
