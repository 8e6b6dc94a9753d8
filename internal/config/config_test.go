package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8090" {
		t.Errorf("ListenAddr = %s", cfg.ListenAddr)
	}
	if !cfg.Sync.HandleDeletions {
		t.Error("deletion handling off by default")
	}
	if cfg.Queue.Backend != "memory" {
		t.Errorf("queue backend = %s", cfg.Queue.Backend)
	}
	if cfg.Queue.StaleClaim() != 10*time.Minute {
		t.Errorf("stale claim = %v", cfg.Queue.StaleClaim())
	}
	if cfg.Webhook.TTL() != 72*time.Hour {
		t.Errorf("webhook ttl = %v", cfg.Webhook.TTL())
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen_addr: ":9999"
booking:
  name: pms
  direct_store: true
sync:
  lookback_days: 7
  dry_run: true
  priorities:
    event: 1
    booking: 4
  pairs:
    - source_bridge: pms
      target_bridge: remote
      source_calendar_id: room-1
      target_calendar_id: cal-1
queue:
  backend: store
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %s", cfg.ListenAddr)
	}
	if cfg.Booking.Name != "pms" || !cfg.Booking.DirectStore {
		t.Errorf("booking = %+v", cfg.Booking)
	}
	if cfg.Sync.LookbackDays != 7 || !cfg.Sync.DryRun {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	if cfg.Sync.Priorities["booking"] != 4 {
		t.Errorf("priorities = %v", cfg.Sync.Priorities)
	}
	if len(cfg.Sync.Pairs) != 1 || cfg.Sync.Pairs[0].SourceCalendarID != "room-1" {
		t.Errorf("pairs = %+v", cfg.Sync.Pairs)
	}
	if cfg.Queue.Backend != "store" {
		t.Errorf("queue backend = %s", cfg.Queue.Backend)
	}
	// Unset fields keep their defaults.
	if cfg.Sync.LookaheadDays != 30 {
		t.Errorf("lookahead = %d, want default", cfg.Sync.LookaheadDays)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: \":9999\"\n"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	t.Setenv("LISTEN_ADDR", ":7777")
	t.Setenv("SYNC_DRY_RUN", "true")
	t.Setenv("SYNC_LOOKBACK_DAYS", "14")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7777" {
		t.Errorf("env did not override file: %s", cfg.ListenAddr)
	}
	if !cfg.Sync.DryRun {
		t.Error("SYNC_DRY_RUN ignored")
	}
	if cfg.Sync.LookbackDays != 14 {
		t.Errorf("lookback = %d", cfg.Sync.LookbackDays)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
