package deletion

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/calsync-bridge/backend/internal/bridge"
	"github.com/calsync-bridge/backend/internal/bridge/bridgetest"
	"github.com/calsync-bridge/backend/internal/queue"
	"github.com/calsync-bridge/backend/internal/storage"
	"github.com/calsync-bridge/backend/internal/storage/models"
	"github.com/calsync-bridge/backend/internal/syncer"
)

type fixture struct {
	service      *Service
	db           *storage.DB
	remote       *bridgetest.Fake
	tasks        *queue.Memory
	mappings     *storage.MappingRepository
	reservations *storage.ReservationRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "deletion.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.RunMigrations(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}

	f := &fixture{
		db:           db,
		remote:       bridgetest.New("remote"),
		tasks:        queue.NewMemory(),
		mappings:     storage.NewMappingRepository(db),
		reservations: storage.NewReservationRepository(db),
	}
	f.service = NewService(f.remote, f.mappings, f.reservations, f.tasks, nil, 0)
	return f
}

// linked creates an active reservation mirrored to a remote event, with
// the mapping in synced state. When seedRemote is true the remote event
// actually exists on the fake bridge.
func (f *fixture) linked(t *testing.T, resID, remoteEventID string, seedRemote bool) *models.Mapping {
	t.Helper()
	ctx := context.Background()
	day := time.Now().UTC().AddDate(0, 0, 1).Truncate(24 * time.Hour)

	res := &models.Reservation{
		ID:         resID,
		ResourceID: "room-1",
		Subject:    "Reservation " + resID,
		StartAt:    day.Add(9 * time.Hour),
		EndAt:      day.Add(10 * time.Hour),
		Active:     true,
	}
	if err := f.reservations.Create(ctx, res); err != nil {
		t.Fatalf("Create reservation: %v", err)
	}

	if seedRemote {
		f.remote.Seed("cal-1", bridge.Event{
			ID:      remoteEventID,
			Subject: res.Subject,
			Start:   res.StartAt,
			End:     res.EndAt,
		})
	}

	m := &models.Mapping{
		SourceKind:       models.SourceKindBooking,
		SourceID:         &res.ID,
		ResourceID:       "room-1",
		RemoteCalendarID: "cal-1",
		SyncStatus:       models.SyncStatusPending,
		SyncDirection:    models.DirectionToRemote,
	}
	if err := f.mappings.Upsert(ctx, m); err != nil {
		t.Fatalf("Upsert mapping: %v", err)
	}
	if err := f.mappings.MarkSynced(ctx, m.ID, remoteEventID, time.Now().UTC()); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	return m
}

func (f *fixture) enqueue(t *testing.T, eventID string) {
	t.Helper()
	err := f.tasks.Enqueue(context.Background(), &models.DeletionCheckTask{
		BridgeName: "remote",
		CalendarID: "cal-1",
		EventID:    eventID,
		ChangeType: "deleted",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func TestProcessQueueCancelsConfirmedDeletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The remote event is gone; only the mapping remembers it.
	m := f.linked(t, "res-1", "remote-ev-1", false)
	f.enqueue(t, "remote-ev-1")

	result := f.service.ProcessQueue(ctx, 10)
	if !result.Success {
		t.Fatalf("drain failed: %v", result.Errors)
	}
	if result.Processed != 1 || result.Cancelled != 1 {
		t.Errorf("result = processed:%d cancelled:%d, want 1/1", result.Processed, result.Cancelled)
	}

	got, _ := f.mappings.GetByID(ctx, m.ID)
	if got.SyncStatus != models.SyncStatusCancelled {
		t.Errorf("mapping status = %s, want cancelled", got.SyncStatus)
	}

	res, _ := f.reservations.GetByID(ctx, "res-1")
	if res.Active {
		t.Error("reservation still active after remote deletion")
	}
	if res.DeletedAt == nil {
		t.Error("deleted_at not stamped")
	}

	n, _ := f.tasks.PendingCount(ctx)
	if n != 0 {
		t.Errorf("queue still holds %d tasks", n)
	}
}

func TestProcessQueueEventStillExistsIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := f.linked(t, "res-1", "remote-ev-1", true)
	f.enqueue(t, "remote-ev-1")

	result := f.service.ProcessQueue(ctx, 10)
	if !result.Success {
		t.Fatalf("drain failed: %v", result.Errors)
	}
	if result.Cancelled != 0 {
		t.Errorf("cancelled = %d for a live event", result.Cancelled)
	}

	got, _ := f.mappings.GetByID(ctx, m.ID)
	if got.SyncStatus != models.SyncStatusSynced {
		t.Errorf("mapping status = %s, want synced untouched", got.SyncStatus)
	}
	res, _ := f.reservations.GetByID(ctx, "res-1")
	if !res.Active {
		t.Error("reservation deactivated for a live event")
	}
}

func TestProcessQueueUnknownEventIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "never-mapped")

	result := f.service.ProcessQueue(context.Background(), 10)
	if !result.Success {
		t.Fatalf("drain failed: %v", result.Errors)
	}
	if result.Cancelled != 0 {
		t.Errorf("cancelled = %d with no mapping", result.Cancelled)
	}
}

func TestProcessQueueTransientProbeFailureRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.linked(t, "res-1", "remote-ev-1", false)
	f.enqueue(t, "remote-ev-1")

	f.remote.FailOps = map[string]error{
		"get": &bridge.TransientError{Op: "get", Err: context.DeadlineExceeded},
	}

	result := f.service.ProcessQueue(ctx, 10)
	if result.Success {
		t.Error("drain reported success with the probe failing")
	}
	if result.Cancelled != 0 {
		t.Error("cancelled on an unconfirmed deletion")
	}

	// The task went back to pending for a later attempt.
	n, _ := f.tasks.PendingCount(ctx)
	if n != 1 {
		t.Errorf("pending = %d, want the task back in the queue", n)
	}

	// Probe recovers; the retry completes the cancellation.
	f.remote.FailOps = nil
	retry := f.service.ProcessQueue(ctx, 10)
	if !retry.Success || retry.Cancelled != 1 {
		t.Errorf("retry = %+v", retry)
	}
}

func TestDetectCancellationsPropagatesToRemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := f.linked(t, "res-1", "remote-ev-1", true)
	if err := f.reservations.SoftDelete(ctx, "res-1", ""); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	result := f.service.DetectAndSyncCancellations(ctx)
	if !result.Success {
		t.Fatalf("scan failed: %v", result.Errors)
	}
	if result.Cancelled != 1 {
		t.Errorf("cancelled = %d, want 1", result.Cancelled)
	}

	if _, ok := f.remote.Get("cal-1", "remote-ev-1"); ok {
		t.Error("remote event survived local cancellation")
	}
	got, _ := f.mappings.GetByID(ctx, m.ID)
	if got.SyncStatus != models.SyncStatusCancelled {
		t.Errorf("mapping status = %s, want cancelled", got.SyncStatus)
	}
}

func TestDetectCancellationsRemoteAlreadyGone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Remote event never seeded: DeleteEvent will 404, which still counts
	// as a completed cancellation.
	m := f.linked(t, "res-1", "remote-ev-1", false)
	if err := f.reservations.SoftDelete(ctx, "res-1", ""); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	result := f.service.DetectAndSyncCancellations(ctx)
	if !result.Success {
		t.Fatalf("scan failed: %v", result.Errors)
	}
	got, _ := f.mappings.GetByID(ctx, m.ID)
	if got.SyncStatus != models.SyncStatusCancelled {
		t.Errorf("mapping status = %s, want cancelled", got.SyncStatus)
	}
}

func TestReactivationClearsStaleRemoteID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := f.linked(t, "res-1", "remote-ev-1", true)
	if err := f.reservations.SoftDelete(ctx, "res-1", ""); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	f.service.DetectAndSyncCancellations(ctx)

	// The reservation comes back. The next scan must reset the mapping to
	// pending with no remote id, so the mirrored event is recreated fresh
	// rather than pointing at the deleted one.
	if err := f.reservations.Reactivate(ctx, "res-1"); err != nil {
		t.Fatalf("Reactivate reservation: %v", err)
	}

	result := f.service.DetectAndSyncCancellations(ctx)
	if !result.Success {
		t.Fatalf("scan failed: %v", result.Errors)
	}
	if result.Reactivated != 1 {
		t.Errorf("reactivated = %d, want 1", result.Reactivated)
	}

	got, _ := f.mappings.GetByID(ctx, m.ID)
	if got.SyncStatus != models.SyncStatusPending {
		t.Errorf("mapping status = %s, want pending", got.SyncStatus)
	}
	if got.RemoteEventID != nil {
		t.Errorf("stale remote event id kept: %v", *got.RemoteEventID)
	}
}

func TestProcessQueueSourceDeletionRemovesRemoteCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	start, end := now.AddDate(0, 0, -30), now.AddDate(0, 0, 30)

	// Mirror one booking to the remote calendar, then hard-delete the
	// booking out from under the engine.
	booking := bridgetest.New("booking")
	day := now.AddDate(0, 0, 1).Truncate(24 * time.Hour)
	booking.Seed("room-1", bridge.Event{
		ID:      "res-1",
		Subject: "Reservation res-1",
		Start:   day.Add(9 * time.Hour),
		End:     day.Add(10 * time.Hour),
	})

	o := syncer.NewOrchestrator(f.mappings, f.tasks, nil, "booking", nil)
	if r := o.Sync(ctx, booking, f.remote, "room-1", "cal-1", start, end, syncer.Options{}); !r.Success {
		t.Fatalf("initial sync failed: %v", r.Errors)
	}
	m, _ := f.mappings.GetBySource(ctx, models.SourceKindBooking, "res-1", "room-1")
	if m == nil || m.RemoteEventID == nil {
		t.Fatal("initial sync did not link the booking")
	}

	booking.Remove("room-1", "res-1")
	orphans := o.Sync(ctx, booking, f.remote, "room-1", "cal-1", start, end, syncer.Options{HandleDeletions: true})
	if orphans.Deletions != 1 {
		t.Fatalf("deletions queued = %d, want 1", orphans.Deletions)
	}

	result := f.service.ProcessQueue(ctx, 10)
	if !result.Success || result.Cancelled != 1 {
		t.Fatalf("drain = %+v, want one cancellation", result)
	}

	if _, ok := f.remote.Get("cal-1", *m.RemoteEventID); ok {
		t.Error("remote copy survived the source deletion")
	}
	got, _ := f.mappings.GetByID(ctx, m.ID)
	if got.SyncStatus != models.SyncStatusCancelled {
		t.Errorf("mapping status = %s, want cancelled", got.SyncStatus)
	}
}

func TestProcessQueueRemoteDeletionDeactivatesLocalCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	start, end := now.AddDate(0, 0, -30), now.AddDate(0, 0, 30)

	booking, err := bridge.NewBookingBridge(bridge.BookingConfig{Name: "booking", UseDirectStore: true}, f.db)
	if err != nil {
		t.Fatalf("NewBookingBridge: %v", err)
	}

	day := now.AddDate(0, 0, 1).Truncate(24 * time.Hour)
	f.remote.Seed("cal-1", bridge.Event{
		ID:      "R1",
		Subject: "Offsite visit",
		Start:   day.Add(9 * time.Hour),
		End:     day.Add(10 * time.Hour),
	})

	// Pull the remote event into the local store, then delete it remotely.
	o := syncer.NewOrchestrator(f.mappings, f.tasks, nil, "booking", nil)
	if r := o.Sync(ctx, f.remote, booking, "cal-1", "room-1", start, end, syncer.Options{}); !r.Success {
		t.Fatalf("initial sync failed: %v", r.Errors)
	}
	m, err := f.mappings.GetByRemoteEvent(ctx, "R1")
	if err != nil {
		t.Fatalf("GetByRemoteEvent: %v", err)
	}
	if m == nil || m.SourceID == nil {
		t.Fatal("remote event not mapped to a local copy")
	}

	f.remote.Remove("cal-1", "R1")
	f.enqueue(t, "R1")

	result := f.service.ProcessQueue(ctx, 10)
	if !result.Success || result.Cancelled != 1 {
		t.Fatalf("drain = %+v, want one cancellation", result)
	}

	got, _ := f.mappings.GetByID(ctx, m.ID)
	if got.SyncStatus != models.SyncStatusCancelled {
		t.Errorf("mapping status = %s, want cancelled", got.SyncStatus)
	}
	res, _ := f.reservations.GetByID(ctx, *m.SourceID)
	if res == nil {
		t.Fatal("local copy missing entirely")
	}
	if res.Active {
		t.Error("local copy still active after remote deletion")
	}
	if _, err := booking.GetEvent(ctx, "room-1", *m.SourceID); !bridge.IsNotFound(err) {
		t.Errorf("local copy still served by the booking bridge: %v", err)
	}
}
