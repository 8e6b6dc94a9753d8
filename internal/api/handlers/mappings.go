package handlers

import (
	"net/http"

	"github.com/calsync-bridge/backend/internal/api/middleware"
	"github.com/calsync-bridge/backend/internal/storage"
	"github.com/calsync-bridge/backend/internal/storage/models"
)

// ListMappings returns the handler for GET /api/mappings. The mapping
// row shape is the wire contract for reporting tools.
func ListMappings(mappings *storage.MappingRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calendarID := r.URL.Query().Get("calendar_id")
		if calendarID == "" {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "calendar_id is required")
			return
		}

		var statuses []string
		if s := r.URL.Query().Get("status"); s != "" {
			statuses = append(statuses, s)
		}

		rows, err := mappings.ListByCalendar(r.Context(), calendarID, statuses...)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, err.Error())
			return
		}
		if rows == nil {
			rows = []models.Mapping{}
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

// ChangeState returns the handler for GET /api/change-state, the
// operator view of per-calendar polling health.
func ChangeState(states *storage.ChangeStateRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := states.List(r.Context())
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, err.Error())
			return
		}
		if rows == nil {
			rows = []models.ChangeDetectionState{}
		}
		writeJSON(w, http.StatusOK, rows)
	}
}
