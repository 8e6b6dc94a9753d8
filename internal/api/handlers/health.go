// Package handlers provides HTTP request handlers for the engine's entry
// points. This layer stays thin: it maps requests onto the core services
// and owns no sync logic itself.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/calsync-bridge/backend/internal/bridge"
	"github.com/calsync-bridge/backend/internal/storage"
)

// HealthResponse aggregates per-bridge health with database connectivity.
type HealthResponse struct {
	Status  string                         `json:"status"`
	DB      bool                           `json:"db_connected"`
	Bridges map[string]bridge.HealthResult `json:"bridges"`
}

// HealthStatus returns a handler probing every registered bridge and the
// database.
func HealthStatus(db *storage.DB, bridges map[string]bridge.Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		resp := HealthResponse{
			Status:  "healthy",
			DB:      db.Ping() == nil,
			Bridges: make(map[string]bridge.HealthResult, len(bridges)),
		}
		if !resp.DB {
			resp.Status = "degraded"
		}

		for name, b := range bridges {
			result := bridge.CheckHealth(ctx, b)
			resp.Bridges[name] = result
			if result.Status != "healthy" {
				resp.Status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
