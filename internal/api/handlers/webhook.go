package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/calsync-bridge/backend/internal/api/middleware"
	"github.com/calsync-bridge/backend/internal/changedetect"
)

// Webhook returns the handler for inbound change notifications on
// POST /api/webhooks/{bridge}. Subscription-verification challenges are
// answered inline: the provided token is echoed back verbatim as text.
func Webhook(engines map[string]*changedetect.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bridgeName := mux.Vars(r)["bridge"]
		engine, ok := engines[bridgeName]
		if !ok {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound,
				fmt.Sprintf("unknown bridge: %s", bridgeName))
			return
		}

		// Validation handshake: echo the token, content-type text.
		if token := r.URL.Query().Get("validationToken"); token != "" {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, token)
			return
		}

		var n changedetect.Notification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "invalid notification body")
			return
		}

		result, err := engine.IngestNotification(r.Context(), n)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, err.Error())
			return
		}

		// Notification sources typically retry non-2xx; a rejected
		// notification is still acknowledged.
		writeJSON(w, http.StatusAccepted, result)
	}
}

// Poll returns the handler running one polling pass on POST /api/poll.
func Poll(engines map[string]*changedetect.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		combined := struct {
			Success bool                                  `json:"success"`
			Bridges map[string]*changedetect.PollResult `json:"bridges"`
		}{Success: true, Bridges: make(map[string]*changedetect.PollResult, len(engines))}

		for name, engine := range engines {
			result := engine.PollChanges(r.Context())
			combined.Bridges[name] = result
			if !result.Success {
				combined.Success = false
			}
		}

		writeJSON(w, http.StatusOK, combined)
	}
}
