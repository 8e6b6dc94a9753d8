// Package syncer drives bridge-to-bridge sync passes and arbitrates
// conflicting candidates. Each pass is a short-lived, idempotent unit of
// work over the mapping store; there is no resident worker.
package syncer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/calsync-bridge/backend/internal/bridge"
	"github.com/calsync-bridge/backend/internal/queue"
	"github.com/calsync-bridge/backend/internal/storage"
	"github.com/calsync-bridge/backend/internal/storage/models"
)

// Options tunes one sync pass.
type Options struct {
	// HandleDeletions scans for mappings whose source record disappeared
	// and hands them to the deletion queue.
	HandleDeletions bool

	// DryRun computes the candidate diff and stops before any mutation.
	DryRun bool

	// SourceKind categorizes the local record behind each mapping.
	// Defaults to "booking".
	SourceKind string
}

// PlannedChange is one entry of a dry-run diff.
type PlannedChange struct {
	SourceEventID string `json:"source_event_id"`
	Subject       string `json:"subject"`
	Action        string `json:"action"` // "create", "update", "skip", "conflict"
}

// Result aggregates one pass. Per-event failures never abort the pass;
// they land in Errors and the pass continues.
type Result struct {
	Success   bool            `json:"success"`
	Processed int             `json:"processed"`
	Created   int             `json:"created"`
	Updated   int             `json:"updated"`
	Skipped   int             `json:"skipped"`
	Conflicts int             `json:"conflicts"`
	Deletions int             `json:"deletions_queued"`
	Errors    []string        `json:"errors,omitempty"`
	DryRun    bool            `json:"dry_run,omitempty"`
	Plan      []PlannedChange `json:"plan,omitempty"`
	Duration  time.Duration   `json:"duration"`
}

// EventSink receives pass lifecycle notifications. Satisfied by the
// websocket broadcaster; nil sinks are ignored.
type EventSink interface {
	SyncPassCompleted(sourceBridge, targetBridge string, created, updated, conflicts, errs int)
	ConflictDetected(resourceID, winnerID, loserID, reason string)
}

// Orchestrator runs sync passes. One instance serves all bridge pairs.
type Orchestrator struct {
	mappings        *storage.MappingRepository
	tasks           queue.Queue
	sink            EventSink
	localBridge     string
	priorityByKind  map[string]int
	defaultPriority int
}

// NewOrchestrator creates an orchestrator. localBridgeName identifies the
// booking-side bridge, used to infer sync direction. priorityByKind maps
// source kinds to conflict priority (lower wins); missing kinds get the
// default of 5.
func NewOrchestrator(mappings *storage.MappingRepository, tasks queue.Queue, sink EventSink, localBridgeName string, priorityByKind map[string]int) *Orchestrator {
	if priorityByKind == nil {
		priorityByKind = map[string]int{
			models.SourceKindEvent:      1,
			models.SourceKindBooking:    2,
			models.SourceKindAllocation: 3,
		}
	}
	return &Orchestrator{
		mappings:        mappings,
		tasks:           tasks,
		sink:            sink,
		localBridge:     localBridgeName,
		priorityByKind:  priorityByKind,
		defaultPriority: 5,
	}
}

func (o *Orchestrator) priorityFor(kind string) int {
	if p, ok := o.priorityByKind[kind]; ok {
		return p
	}
	return o.defaultPriority
}

func (o *Orchestrator) directionFor(source bridge.Bridge) string {
	if source.Name() == o.localBridge {
		return models.DirectionToRemote
	}
	return models.DirectionFromRemote
}

// passContext pins down which calendar sits on which side for one pass.
// Mapping fields are side-fixed: source_* always names the local record
// and remote_* the remote event, whichever direction the pass runs.
type passContext struct {
	opts             Options
	direction        string
	resourceID       string // local resource / calendar
	remoteCalendarID string
	sourceCalendarID string
	targetCalendarID string
}

// targetEventID returns the id of the event's copy on the target side of
// the pass, or nil when it was never created.
func targetEventID(m *models.Mapping, direction string) *string {
	if direction == models.DirectionFromRemote {
		return m.SourceID
	}
	return m.RemoteEventID
}

// Sync runs one pass from source to target over [start, end). Events are
// processed in the order the source returns them; there is no ordering
// guarantee across passes.
func (o *Orchestrator) Sync(ctx context.Context, source, target bridge.Bridge, sourceCalendarID, targetCalendarID string, start, end time.Time, opts Options) *Result {
	began := time.Now()
	result := &Result{Success: true, DryRun: opts.DryRun}
	defer func() { result.Duration = time.Since(began) }()

	if opts.SourceKind == "" {
		opts.SourceKind = models.SourceKindBooking
	}
	p := passContext{
		opts:             opts,
		direction:        o.directionFor(source),
		resourceID:       sourceCalendarID,
		remoteCalendarID: targetCalendarID,
		sourceCalendarID: sourceCalendarID,
		targetCalendarID: targetCalendarID,
	}
	if p.direction == models.DirectionFromRemote {
		p.resourceID = targetCalendarID
		p.remoteCalendarID = sourceCalendarID
	}

	events, err := source.ListEvents(ctx, sourceCalendarID, start, end)
	if err != nil {
		result.Success = false
		result.Errors = append(result.Errors, fmt.Sprintf("listing source events: %v", err))
		return result
	}

	// Loop prevention: events this engine created from the target carry a
	// provenance tag naming the target bridge. Syncing them back would
	// bounce forever.
	candidates := make([]Candidate, 0, len(events))
	for _, ev := range events {
		if ev.Provenance != nil && ev.Provenance.OriginBridge == target.Name() {
			result.Skipped++
			continue
		}
		lm := time.Time{}
		if ev.LastModified != nil {
			lm = *ev.LastModified
		}
		candidates = append(candidates, Candidate{
			Event:         ev,
			PriorityLevel: o.priorityFor(opts.SourceKind),
			LastModified:  lm,
		})
	}

	winners, losers, resolutions := o.arbitrate(p.resourceID, candidates)
	result.Conflicts = len(losers)

	if opts.DryRun {
		o.planPass(ctx, result, winners, losers, p)
		return result
	}

	for _, res := range resolutions {
		for _, loser := range res.Losers {
			if err := o.markConflict(ctx, res, loser, p); err != nil {
				result.Errors = append(result.Errors, err.Error())
			}
		}
	}

	seen := make(map[string]bool, len(winners))
	for _, cand := range winners {
		seen[cand.Event.ID] = true
		created, updated, err := o.syncOne(ctx, source, target, cand, p)
		result.Processed++
		switch {
		case err != nil:
			result.Errors = append(result.Errors, fmt.Sprintf("event %s: %v", cand.Event.ID, err))
		case created:
			result.Created++
		case updated:
			result.Updated++
		default:
			result.Skipped++
		}
	}

	if opts.HandleDeletions {
		queued, err := o.queueOrphans(ctx, source, target, seen, p)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("orphan scan: %v", err))
		}
		result.Deletions = queued
	}

	result.Success = len(result.Errors) == 0
	if o.sink != nil {
		o.sink.SyncPassCompleted(source.Name(), target.Name(), result.Created, result.Updated, result.Conflicts, len(result.Errors))
	}
	return result
}

// arbitrate resolves every overlap group and splits candidates into
// winners and losers.
func (o *Orchestrator) arbitrate(resourceID string, candidates []Candidate) (winners, losers []Candidate, resolutions []Resolution) {
	for _, g := range GroupCandidates(resourceID, candidates) {
		if len(g.Candidates) == 1 {
			winners = append(winners, g.Candidates[0])
			continue
		}
		res := Resolve(g)
		winners = append(winners, res.Winner)
		losers = append(losers, res.Losers...)
		resolutions = append(resolutions, res)
	}
	return winners, losers, resolutions
}

// lookupMapping finds the live mapping row for a source event. To-remote
// passes key on the local source triple, from-remote passes on the remote
// event id.
func (o *Orchestrator) lookupMapping(ctx context.Context, cand Candidate, p passContext) (*models.Mapping, error) {
	if p.direction == models.DirectionFromRemote {
		return o.mappings.GetByRemoteEvent(ctx, cand.Event.ID)
	}
	return o.mappings.GetBySource(ctx, p.opts.SourceKind, cand.Event.ID, p.resourceID)
}

// ensureMapping looks up or creates the mapping row for a source event.
func (o *Orchestrator) ensureMapping(ctx context.Context, cand Candidate, p passContext) (*models.Mapping, error) {
	m, err := o.lookupMapping(ctx, cand, p)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return m, nil
	}

	lm := cand.LastModified
	m = &models.Mapping{
		SourceKind:       p.opts.SourceKind,
		ResourceID:       p.resourceID,
		RemoteCalendarID: p.remoteCalendarID,
		SyncStatus:       models.SyncStatusPending,
		SyncDirection:    p.direction,
		PriorityLevel:    cand.PriorityLevel,
	}
	if p.direction == models.DirectionFromRemote {
		remoteEventID := cand.Event.ID
		m.RemoteEventID = &remoteEventID
		m.LastModifiedRemote = &lm
	} else {
		sourceID := cand.Event.ID
		m.SourceID = &sourceID
		m.LastModifiedSource = &lm
	}
	if err := o.mappings.Upsert(ctx, m); err != nil {
		return nil, err
	}
	// Re-read: a concurrent pass may have won the insert race, in which
	// case its row is the one we must mutate from here on.
	return o.lookupMapping(ctx, cand, p)
}

// syncOne reconciles a single winner event against the target bridge.
func (o *Orchestrator) syncOne(ctx context.Context, source, target bridge.Bridge, cand Candidate, p passContext) (created, updated bool, err error) {
	m, err := o.ensureMapping(ctx, cand, p)
	if err != nil || m == nil {
		return false, false, fmt.Errorf("ensuring mapping: %w", err)
	}

	if m.SyncStatus == models.SyncStatusCancelled {
		return false, false, nil
	}
	// A conflicting row that reaches this point just won arbitration,
	// either because the competing event went away or because it now
	// carries the latest edit. Thaw it.
	if m.SyncStatus == models.SyncStatusConflict {
		if err := o.mappings.ClearConflict(ctx, m.ID); err != nil {
			return false, false, err
		}
		m.SyncStatus = models.SyncStatusPending
	}

	outbound := cand.Event
	outbound.Provenance = &bridge.Provenance{
		OriginBridge:  source.Name(),
		OriginEventID: cand.Event.ID,
		SyncedAt:      time.Now().UTC(),
	}

	targetID := targetEventID(m, p.direction)
	if targetID == nil {
		externalID, err := target.CreateEvent(ctx, p.targetCalendarID, outbound)
		if err != nil {
			if markErr := o.mappings.MarkError(ctx, m.ID, err.Error()); markErr != nil {
				log.Printf("Failed to mark mapping %s error: %v", m.ID, markErr)
			}
			return false, false, err
		}
		if err := o.markSynced(ctx, m, externalID, cand, p); err != nil {
			return false, false, err
		}
		return true, false, nil
	}

	// Only push an update when the source edit is newer than what we last
	// wrote, or when the last attempt never landed. Keeps redundant writes
	// off the rate limit.
	needsPush := m.SyncStatus == models.SyncStatusPending ||
		m.SyncStatus == models.SyncStatusError ||
		m.LastModifiedRemote == nil ||
		cand.LastModified.After(*m.LastModifiedRemote)
	if !needsPush {
		return false, false, nil
	}

	if err := target.UpdateEvent(ctx, p.targetCalendarID, *targetID, outbound); err != nil {
		if bridge.IsNotFound(err) {
			// The target copy vanished under us. A vanished remote event
			// gets an existence probe; a vanished local copy means someone
			// deleted it here, so the deletion propagates outward.
			if p.direction == models.DirectionFromRemote {
				o.enqueueCheck(ctx, source.Name(), p.remoteCalendarID, *m.RemoteEventID, models.ChangeTypeLocalDeleted)
			} else {
				o.enqueueCheck(ctx, target.Name(), p.remoteCalendarID, *m.RemoteEventID, "")
			}
			return false, false, nil
		}
		if markErr := o.mappings.MarkError(ctx, m.ID, err.Error()); markErr != nil {
			log.Printf("Failed to mark mapping %s error: %v", m.ID, markErr)
		}
		return false, false, err
	}
	if err := o.markSynced(ctx, m, *targetID, cand, p); err != nil {
		return false, false, err
	}
	return false, true, nil
}

// markSynced records a successful write of the target-side copy. For
// from-remote passes the remote edit time is the freshness watermark; for
// to-remote passes the write time stands in for it.
func (o *Orchestrator) markSynced(ctx context.Context, m *models.Mapping, targetID string, cand Candidate, p passContext) error {
	if p.direction == models.DirectionFromRemote {
		return o.mappings.MarkSyncedLocal(ctx, m.ID, targetID, cand.LastModified)
	}
	return o.mappings.MarkSynced(ctx, m.ID, targetID, time.Now().UTC())
}

func (o *Orchestrator) markConflict(ctx context.Context, res Resolution, loser Candidate, p passContext) error {
	lm, err := o.ensureMapping(ctx, loser, p)
	if err != nil || lm == nil {
		return fmt.Errorf("event %s: ensuring loser mapping: %w", loser.Event.ID, err)
	}
	// Already frozen and recorded on an earlier pass. Re-recording a
	// persistent conflict would grow the audit trail every pass.
	if lm.SyncStatus == models.SyncStatusConflict {
		return nil
	}
	if err := o.mappings.MarkConflict(ctx, lm.ID); err != nil {
		return fmt.Errorf("event %s: %w", loser.Event.ID, err)
	}

	winnerMappingID := res.Winner.MappingID
	if winnerMappingID == "" {
		if wm, err := o.ensureMapping(ctx, res.Winner, p); err == nil && wm != nil {
			winnerMappingID = wm.ID
		}
	}
	rec := &models.ConflictRecord{
		ResourceID:  p.resourceID,
		WindowStart: loser.Event.Start,
		WindowEnd:   loser.Event.End,
		WinnerID:    winnerMappingID,
		LoserID:     lm.ID,
		Reason:      res.Reason,
	}
	if rec.WinnerID == "" {
		// Mapping creation failed; record the source event id instead of
		// losing the decision.
		rec.WinnerID = res.Winner.Event.ID
	}
	if err := o.mappings.RecordConflict(ctx, rec); err != nil {
		log.Printf("Failed to record conflict for %s: %v", loser.Event.ID, err)
	}
	if o.sink != nil {
		o.sink.ConflictDetected(p.resourceID, rec.WinnerID, lm.ID, res.Reason)
	}
	return nil
}

// planPass fills the dry-run diff without touching the store or bridges.
func (o *Orchestrator) planPass(ctx context.Context, result *Result, winners, losers []Candidate, p passContext) {
	for _, cand := range winners {
		change := PlannedChange{SourceEventID: cand.Event.ID, Subject: cand.Event.Subject}
		m, err := o.lookupMapping(ctx, cand, p)
		switch {
		case err != nil:
			result.Errors = append(result.Errors, fmt.Sprintf("event %s: %v", cand.Event.ID, err))
			continue
		case m == nil || targetEventID(m, p.direction) == nil:
			change.Action = "create"
			result.Created++
		case m.LastModifiedRemote == nil || cand.LastModified.After(*m.LastModifiedRemote):
			change.Action = "update"
			result.Updated++
		default:
			change.Action = "skip"
			result.Skipped++
		}
		result.Plan = append(result.Plan, change)
		result.Processed++
	}
	for _, cand := range losers {
		result.Plan = append(result.Plan, PlannedChange{
			SourceEventID: cand.Event.ID, Subject: cand.Event.Subject, Action: "conflict",
		})
	}
	result.Success = len(result.Errors) == 0
}

// queueOrphans finds mappings whose source event vanished from the window
// and, after an existence probe confirms the absence, queues a deletion
// check instead of deleting inline. The deletion service owns retry
// semantics. A to-remote orphan carries the local_deleted tag so the
// consumer deletes the still-live remote copy; a from-remote orphan goes
// through the plain probe path, which confirms the remote deletion and
// deactivates the local copy.
func (o *Orchestrator) queueOrphans(ctx context.Context, source, target bridge.Bridge, seen map[string]bool, p passContext) (int, error) {
	mappings, err := o.mappings.ListByResource(ctx, p.resourceID)
	if err != nil {
		return 0, err
	}

	remoteBridge := target.Name()
	changeType := models.ChangeTypeLocalDeleted
	if p.direction == models.DirectionFromRemote {
		remoteBridge = source.Name()
		changeType = ""
	}

	queued := 0
	for _, m := range mappings {
		if m.RemoteEventID == nil || m.SyncDirection != p.direction || m.SourceKind != p.opts.SourceKind {
			continue
		}
		if m.SyncStatus != models.SyncStatusSynced && m.SyncStatus != models.SyncStatusError {
			continue
		}
		sourceEventID := ""
		if p.direction == models.DirectionFromRemote {
			sourceEventID = *m.RemoteEventID
		} else if m.SourceID != nil {
			sourceEventID = *m.SourceID
		}
		if sourceEventID == "" || seen[sourceEventID] {
			continue
		}

		// Absent from the window is not proof: the event may have moved
		// outside it. Probe before queueing.
		_, err := source.GetEvent(ctx, p.sourceCalendarID, sourceEventID)
		if err == nil {
			continue
		}
		if !bridge.IsNotFound(err) {
			log.Printf("Existence probe for %s failed: %v", sourceEventID, err)
			continue
		}

		o.enqueueCheck(ctx, remoteBridge, p.remoteCalendarID, *m.RemoteEventID, changeType)
		queued++
	}
	return queued, nil
}

func (o *Orchestrator) enqueueCheck(ctx context.Context, bridgeName, calendarID, eventID, changeType string) {
	if o.tasks == nil {
		return
	}
	task := &models.DeletionCheckTask{
		BridgeName: bridgeName,
		CalendarID: calendarID,
		EventID:    eventID,
		ChangeType: changeType,
	}
	if err := o.tasks.Enqueue(ctx, task); err != nil {
		log.Printf("Failed to enqueue deletion check for %s/%s: %v", calendarID, eventID, err)
	}
}
