package syncer

import (
	"sort"
	"time"

	"github.com/calsync-bridge/backend/internal/bridge"
)

// Candidate is one source event competing for a resource/time slot during
// a sync pass, annotated with its arbitration inputs.
type Candidate struct {
	Event         bridge.Event
	MappingID     string
	PriorityLevel int // lower wins
	LastModified  time.Time
}

// ConflictGroup is a transient set of candidates whose windows overlap on
// one resource. Never persisted; computed on demand per pass.
type ConflictGroup struct {
	ResourceID  string
	WindowStart time.Time
	WindowEnd   time.Time
	Candidates  []Candidate
}

// Resolution is the outcome of arbitrating one group.
type Resolution struct {
	Winner Candidate
	Losers []Candidate
	Reason string // "priority" or "last_modified"
}

// GroupCandidates partitions candidates into overlap groups for one
// resource. Overlap is transitive: a chain of pairwise-overlapping events
// forms one group.
func GroupCandidates(resourceID string, candidates []Candidate) []ConflictGroup {
	if len(candidates) == 0 {
		return nil
	}

	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Event.Start.Before(sorted[j].Event.Start)
	})

	var groups []ConflictGroup
	current := ConflictGroup{
		ResourceID:  resourceID,
		WindowStart: sorted[0].Event.Start,
		WindowEnd:   sorted[0].Event.End,
		Candidates:  []Candidate{sorted[0]},
	}

	for _, c := range sorted[1:] {
		if c.Event.Start.Before(current.WindowEnd) {
			current.Candidates = append(current.Candidates, c)
			if c.Event.End.After(current.WindowEnd) {
				current.WindowEnd = c.Event.End
			}
			continue
		}
		groups = append(groups, current)
		current = ConflictGroup{
			ResourceID:  resourceID,
			WindowStart: c.Event.Start,
			WindowEnd:   c.Event.End,
			Candidates:  []Candidate{c},
		}
	}
	groups = append(groups, current)
	return groups
}

// Resolve arbitrates one group: lowest priority level wins; ties go to the
// latest source edit. Deterministic regardless of input order.
func Resolve(g ConflictGroup) Resolution {
	ordered := make([]Candidate, len(g.Candidates))
	copy(ordered, g.Candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].PriorityLevel != ordered[j].PriorityLevel {
			return ordered[i].PriorityLevel < ordered[j].PriorityLevel
		}
		if !ordered[i].LastModified.Equal(ordered[j].LastModified) {
			return ordered[i].LastModified.After(ordered[j].LastModified)
		}
		// Stable final tie-break so two passes agree.
		return ordered[i].Event.ID < ordered[j].Event.ID
	})

	reason := "priority"
	if len(ordered) > 1 && ordered[0].PriorityLevel == ordered[1].PriorityLevel {
		reason = "last_modified"
	}

	return Resolution{Winner: ordered[0], Losers: ordered[1:], Reason: reason}
}
