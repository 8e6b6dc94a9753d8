package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/calsync-bridge/backend/internal/api/middleware"
	"github.com/calsync-bridge/backend/internal/bridge"
	"github.com/calsync-bridge/backend/internal/syncer"
)

// SyncRequest is the body of POST /api/sync.
type SyncRequest struct {
	SourceBridge     string `json:"source_bridge"`
	TargetBridge     string `json:"target_bridge"`
	SourceCalendarID string `json:"source_calendar_id"`
	TargetCalendarID string `json:"target_calendar_id"`
	StartDate        string `json:"start_date"` // RFC 3339 or YYYY-MM-DD
	EndDate          string `json:"end_date"`
	Options          struct {
		HandleDeletions bool   `json:"handle_deletions"`
		DryRun          bool   `json:"dry_run"`
		SourceKind      string `json:"source_kind,omitempty"`
	} `json:"options"`
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// Sync returns the handler running one orchestrator pass. An unknown
// bridge name is the one input that fails the whole call; everything
// else surfaces as a partial-failure result.
func Sync(orch *syncer.Orchestrator, bridges map[string]bridge.Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SyncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "invalid request body")
			return
		}

		source, ok := bridges[req.SourceBridge]
		if !ok {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest,
				fmt.Sprintf("unknown source bridge: %s", req.SourceBridge))
			return
		}
		target, ok := bridges[req.TargetBridge]
		if !ok {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest,
				fmt.Sprintf("unknown target bridge: %s", req.TargetBridge))
			return
		}

		start, err := parseDate(req.StartDate)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "invalid start_date")
			return
		}
		end, err := parseDate(req.EndDate)
		if err != nil || !start.Before(end) {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "invalid end_date")
			return
		}

		result := orch.Sync(r.Context(), source, target,
			req.SourceCalendarID, req.TargetCalendarID, start, end,
			syncer.Options{
				HandleDeletions: req.Options.HandleDeletions,
				DryRun:          req.Options.DryRun,
				SourceKind:      req.Options.SourceKind,
			})

		writeJSON(w, http.StatusOK, result)
	}
}
