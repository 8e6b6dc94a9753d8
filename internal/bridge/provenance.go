package bridge

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Provenance identifies the origin of an engine-created event. It is
// checked before treating an inbound change as external, which is what
// keeps bidirectional sync loop-free.
type Provenance struct {
	OriginBridge  string    `json:"origin_bridge"`
	OriginEventID string    `json:"origin_event_id"`
	SyncedAt      time.Time `json:"synced_at"`
}

// The tag is carried as a single marker line appended to the event
// description, since neither side's API is assumed to support arbitrary
// extended properties. Format:
//
//	[calsync origin=<bridge> event=<id> at=<rfc3339>]
var provenancePattern = regexp.MustCompile(`(?m)^\[calsync origin=([^ \]]+) event=([^ \]]+) at=([^ \]]+)\]$`)

// StampProvenance returns the description with the tag line appended,
// replacing any existing tag.
func StampProvenance(description string, p Provenance) string {
	base := StripProvenance(description)
	tag := fmt.Sprintf("[calsync origin=%s event=%s at=%s]",
		p.OriginBridge, p.OriginEventID, p.SyncedAt.UTC().Format(time.RFC3339))
	if base == "" {
		return tag
	}
	return base + "\n\n" + tag
}

// ParseProvenance extracts the tag from a description. Parsing is
// lenient: a missing or malformed tag means the event is external.
func ParseProvenance(description string) *Provenance {
	m := provenancePattern.FindStringSubmatch(description)
	if m == nil {
		return nil
	}
	at, err := time.Parse(time.RFC3339, m[3])
	if err != nil {
		return nil
	}
	return &Provenance{OriginBridge: m[1], OriginEventID: m[2], SyncedAt: at}
}

// StripProvenance removes the tag line and surrounding blank padding.
func StripProvenance(description string) string {
	out := provenancePattern.ReplaceAllString(description, "")
	return strings.TrimRight(out, " \n")
}
