// Package api wires the engine's entry points onto HTTP routes. The
// controller layer is deliberately thin; authentication and deployment
// concerns live outside this service.
package api

import (
	"github.com/gorilla/mux"

	"github.com/calsync-bridge/backend/internal/api/handlers"
	"github.com/calsync-bridge/backend/internal/api/middleware"
	"github.com/calsync-bridge/backend/internal/bridge"
	"github.com/calsync-bridge/backend/internal/changedetect"
	"github.com/calsync-bridge/backend/internal/deletion"
	"github.com/calsync-bridge/backend/internal/storage"
	"github.com/calsync-bridge/backend/internal/syncer"
	"github.com/calsync-bridge/backend/internal/ws"
)

// Services bundles the core services exposed over HTTP.
type Services struct {
	DB           *storage.DB
	Bridges      map[string]bridge.Bridge
	Orchestrator *syncer.Orchestrator
	Engines      map[string]*changedetect.Engine
	Deletion     *deletion.Service
	Mappings     *storage.MappingRepository
	States       *storage.ChangeStateRepository
	Hub          *ws.Hub
}

// NewRouter creates and configures the HTTP router with all API routes.
func NewRouter(s Services) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.Logging)
	r.Use(middleware.ErrorRecovery)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", handlers.HealthStatus(s.DB, s.Bridges)).Methods("GET")

	api.HandleFunc("/sync", handlers.Sync(s.Orchestrator, s.Bridges)).Methods("POST")
	api.HandleFunc("/poll", handlers.Poll(s.Engines)).Methods("POST")
	api.HandleFunc("/webhooks/{bridge}", handlers.Webhook(s.Engines)).Methods("POST")
	api.HandleFunc("/deletion-queue/process", handlers.ProcessDeletionQueue(s.Deletion)).Methods("POST")
	api.HandleFunc("/cancellations/detect", handlers.DetectCancellations(s.Deletion)).Methods("POST")

	api.HandleFunc("/mappings", handlers.ListMappings(s.Mappings)).Methods("GET")
	api.HandleFunc("/change-state", handlers.ChangeState(s.States)).Methods("GET")

	if s.Hub != nil {
		api.HandleFunc("/ws", handlers.WebSocketUpgrade(s.Hub)).Methods("GET")
	}

	return r
}
