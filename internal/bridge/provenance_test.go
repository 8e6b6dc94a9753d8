package bridge

import (
	"strings"
	"testing"
	"time"
)

func TestStampAndParseProvenance(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := Provenance{OriginBridge: "booking", OriginEventID: "res-42", SyncedAt: at}

	desc := StampProvenance("Team offsite", p)
	if !strings.Contains(desc, "Team offsite") {
		t.Errorf("original description lost: %q", desc)
	}

	got := ParseProvenance(desc)
	if got == nil {
		t.Fatal("expected provenance, got nil")
	}
	if got.OriginBridge != "booking" || got.OriginEventID != "res-42" {
		t.Errorf("unexpected provenance: %+v", got)
	}
	if !got.SyncedAt.Equal(at) {
		t.Errorf("SyncedAt = %v, want %v", got.SyncedAt, at)
	}
}

func TestStampProvenanceReplacesExistingTag(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	desc := StampProvenance("notes", Provenance{OriginBridge: "a", OriginEventID: "1", SyncedAt: at})
	desc = StampProvenance(desc, Provenance{OriginBridge: "b", OriginEventID: "2", SyncedAt: at})

	if n := strings.Count(desc, "[calsync"); n != 1 {
		t.Fatalf("expected exactly one tag, got %d in %q", n, desc)
	}
	got := ParseProvenance(desc)
	if got == nil || got.OriginBridge != "b" || got.OriginEventID != "2" {
		t.Errorf("unexpected provenance after re-stamp: %+v", got)
	}
}

func TestStampProvenanceEmptyDescription(t *testing.T) {
	desc := StampProvenance("", Provenance{OriginBridge: "booking", OriginEventID: "x", SyncedAt: time.Now()})
	if strings.HasPrefix(desc, "\n") {
		t.Errorf("leading newline on bare tag: %q", desc)
	}
	if ParseProvenance(desc) == nil {
		t.Error("expected parseable tag")
	}
}

func TestParseProvenanceLenient(t *testing.T) {
	cases := []string{
		"",
		"plain description",
		"[calsync origin=x]",
		"[calsync origin=x event=y at=not-a-time]",
		"prefix [calsync origin=x event=y at=2025-06-01T12:00:00Z] suffix",
	}
	for _, c := range cases {
		if got := ParseProvenance(c); got != nil {
			t.Errorf("ParseProvenance(%q) = %+v, want nil", c, got)
		}
	}
}

func TestStripProvenance(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	desc := StampProvenance("Room booking\nsecond line", Provenance{OriginBridge: "booking", OriginEventID: "1", SyncedAt: at})

	got := StripProvenance(desc)
	if got != "Room booking\nsecond line" {
		t.Errorf("StripProvenance = %q", got)
	}
	if StripProvenance("no tag here") != "no tag here" {
		t.Error("untagged description changed")
	}
}
