package storage

import (
	"context"
	"testing"
	"time"
)

func TestRecordSuccessStoresCursor(t *testing.T) {
	repo := NewChangeStateRepository(testDB(t))
	ctx := context.Background()

	cursor := "delta-token-1"
	at := time.Now().UTC()
	if err := repo.RecordSuccess(ctx, "cal-1", &cursor, at); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}

	st, err := repo.Get(ctx, "cal-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st == nil {
		t.Fatal("state row missing")
	}
	if st.DeltaCursor == nil || *st.DeltaCursor != "delta-token-1" {
		t.Errorf("cursor = %v", st.DeltaCursor)
	}
	if !st.Healthy {
		t.Error("expected healthy after success")
	}
}

func TestRecordFailureFlipsHealthyAtThreshold(t *testing.T) {
	repo := NewChangeStateRepository(testDB(t))
	ctx := context.Background()

	if err := repo.Track(ctx, "cal-2"); err != nil {
		t.Fatalf("Track: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := repo.RecordFailure(ctx, "cal-2", time.Now().UTC(), 3); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}
	st, _ := repo.Get(ctx, "cal-2")
	if st.ConsecutiveErrorCount != 2 {
		t.Errorf("error count = %d, want 2", st.ConsecutiveErrorCount)
	}
	if !st.Healthy {
		t.Error("flagged unhealthy below threshold")
	}

	if err := repo.RecordFailure(ctx, "cal-2", time.Now().UTC(), 3); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	st, _ = repo.Get(ctx, "cal-2")
	if st.Healthy {
		t.Error("still healthy at threshold")
	}

	// One success resets everything.
	if err := repo.RecordSuccess(ctx, "cal-2", nil, time.Now().UTC()); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	st, _ = repo.Get(ctx, "cal-2")
	if st.ConsecutiveErrorCount != 0 || !st.Healthy {
		t.Errorf("not reset after success: count=%d healthy=%v", st.ConsecutiveErrorCount, st.Healthy)
	}
}

func TestClearCursor(t *testing.T) {
	repo := NewChangeStateRepository(testDB(t))
	ctx := context.Background()

	cursor := "expired-token"
	if err := repo.RecordSuccess(ctx, "cal-3", &cursor, time.Now().UTC()); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if err := repo.ClearCursor(ctx, "cal-3"); err != nil {
		t.Fatalf("ClearCursor: %v", err)
	}

	st, _ := repo.Get(ctx, "cal-3")
	if st.DeltaCursor != nil {
		t.Errorf("cursor survived clear: %v", *st.DeltaCursor)
	}
}

func TestTrackIsIdempotent(t *testing.T) {
	repo := NewChangeStateRepository(testDB(t))
	ctx := context.Background()

	if err := repo.Track(ctx, "cal-4"); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if err := repo.Track(ctx, "cal-4"); err != nil {
		t.Fatalf("second Track: %v", err)
	}

	states, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(states) != 1 {
		t.Errorf("got %d state rows, want 1", len(states))
	}
}
