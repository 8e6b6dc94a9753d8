package handlers

import (
	"net/http"
	"strconv"

	"github.com/calsync-bridge/backend/internal/deletion"
)

// ProcessDeletionQueue returns the handler draining pending
// deletion-check tasks on POST /api/deletion-queue/process.
func ProcessDeletionQueue(svc *deletion.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		writeJSON(w, http.StatusOK, svc.ProcessQueue(r.Context(), limit))
	}
}

// DetectCancellations returns the handler running the local-state scan on
// POST /api/cancellations/detect.
func DetectCancellations(svc *deletion.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.DetectAndSyncCancellations(r.Context()))
	}
}
