// Package main is the entry point for the calendar sync engine server.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/calsync-bridge/backend/internal/api"
	"github.com/calsync-bridge/backend/internal/bridge"
	"github.com/calsync-bridge/backend/internal/changedetect"
	"github.com/calsync-bridge/backend/internal/config"
	"github.com/calsync-bridge/backend/internal/deletion"
	"github.com/calsync-bridge/backend/internal/queue"
	"github.com/calsync-bridge/backend/internal/schedule"
	"github.com/calsync-bridge/backend/internal/storage"
	"github.com/calsync-bridge/backend/internal/syncer"
	"github.com/calsync-bridge/backend/internal/ws"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
// Defaults to "dev" when not provided.
var version = "dev"

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "Path to YAML config file (optional)")
	addr := flag.String("addr", "", "HTTP server address (overrides config)")
	dataDir := flag.String("data", "", "Data directory for SQLite database (overrides config)")
	healthCheck := flag.Bool("health-check", false, "Run health check and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	// Health check mode for Docker HEALTHCHECK
	if *healthCheck {
		if err := runHealthCheck(cfg.ListenAddr); err != nil {
			log.Fatalf("Health check failed: %v", err)
		}
		os.Exit(0)
	}

	// Allow overriding version via environment (e.g., injected by container build/runtime)
	if envVer := os.Getenv("VERSION"); envVer != "" {
		version = envVer
	}

	log.Printf("Starting Calendar Sync Engine (version: %s)...", version)

	// Initialize database
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data directory %q: %v", cfg.DataDir, err)
	}
	dbPath := filepath.Join(cfg.DataDir, "calsync.db")
	db, err := storage.NewDB(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	// Run migrations
	if err := storage.RunMigrations(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Database migrations complete")

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()
	events := ws.NewBroadcaster(hub)

	// Initialize repositories
	mappingRepo := storage.NewMappingRepository(db)
	stateRepo := storage.NewChangeStateRepository(db)
	subRepo := storage.NewSubscriptionRepository(db)
	reservationRepo := storage.NewReservationRepository(db)

	// Initialize the deletion-check task queue
	tasks := buildQueue(cfg.Queue, db)

	// Initialize bridges
	bookingBridge, err := bridge.NewBookingBridge(bridge.BookingConfig{
		Name:           cfg.Booking.Name,
		BaseURL:        cfg.Booking.APIURL,
		Token:          cfg.Booking.Token,
		UseDirectStore: cfg.Booking.DirectStore,
	}, db)
	if err != nil {
		log.Fatalf("Failed to create booking bridge: %v", err)
	}
	remoteBridge := bridge.NewRemoteBridge(bridge.RemoteConfig{
		Name:    cfg.Remote.Name,
		BaseURL: cfg.Remote.BaseURL,
		Token:   cfg.Remote.Token,
	})

	bridges := map[string]bridge.Bridge{
		bookingBridge.Name(): bookingBridge,
		remoteBridge.Name():  remoteBridge,
	}

	// Initialize sync orchestrator
	orchestrator := syncer.NewOrchestrator(mappingRepo, tasks, events, bookingBridge.Name(), cfg.Sync.Priorities)

	// Initialize the change-detection engine for the remote bridge
	detectCfg := changedetect.Config{
		LookbackDays:       cfg.Sync.LookbackDays,
		LookaheadDays:      cfg.Sync.LookaheadDays,
		UnhealthyThreshold: cfg.Sync.UnhealthyAfter,
	}
	engines := map[string]*changedetect.Engine{
		remoteBridge.Name(): changedetect.NewEngine(remoteBridge, stateRepo, subRepo, mappingRepo, tasks, detectCfg),
	}

	// Initialize deletion and cancellation service
	deletionSvc := deletion.NewService(remoteBridge, mappingRepo, reservationRepo, tasks, events, 7*24*time.Hour)

	// Initialize and start the scheduler
	scheduler := schedule.New(cfg, bridges, orchestrator, engines, deletionSvc, events)
	if err := scheduler.Start(); err != nil {
		log.Printf("Warning: Failed to start scheduler: %v", err)
	}

	// Initialize HTTP router with services
	router := api.NewRouter(api.Services{
		DB:           db,
		Bridges:      bridges,
		Orchestrator: orchestrator,
		Engines:      engines,
		Deletion:     deletionSvc,
		Mappings:     mappingRepo,
		States:       stateRepo,
		Hub:          hub,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	go func() {
		log.Printf("Server listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	scheduler.Stop()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}

// buildQueue assembles the deletion-check queue from config. The memory
// backend always carries the durable store as fallback so queued checks
// survive a restart when the in-memory side is unavailable.
func buildQueue(cfg config.QueueConfig, db *storage.DB) queue.Queue {
	store := queue.NewStore(db, cfg.StaleClaim())
	if cfg.Backend == "store" {
		return store
	}
	return queue.NewWithFallback(queue.NewMemory(), store)
}

// runHealthCheck performs a health check against the running server.
func runHealthCheck(addr string) error {
	url := "http://localhost" + addr + "/api/health"
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return http.ErrAbortHandler
	}
	return nil
}
