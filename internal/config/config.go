// Package config loads engine configuration from an optional YAML file
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`

	Booking BookingConfig `yaml:"booking"`
	Remote  RemoteConfig  `yaml:"remote"`

	Sync     SyncConfig     `yaml:"sync"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Queue    QueueConfig    `yaml:"queue"`
	Schedule ScheduleConfig `yaml:"schedule"`
}

// BookingConfig configures the local booking-system bridge.
type BookingConfig struct {
	Name        string `yaml:"name"`
	APIURL      string `yaml:"api_url"`
	Token       string `yaml:"token"`
	DirectStore bool   `yaml:"direct_store"`
}

// RemoteConfig configures the remote calendar API bridge.
type RemoteConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// SyncConfig tunes sync passes and conflict arbitration.
type SyncConfig struct {
	LookbackDays    int            `yaml:"lookback_days"`
	LookaheadDays   int            `yaml:"lookahead_days"`
	HandleDeletions bool           `yaml:"handle_deletions"`
	DryRun          bool           `yaml:"dry_run"`
	Priorities      map[string]int `yaml:"priorities"` // source kind -> priority level, lower wins
	UnhealthyAfter  int            `yaml:"unhealthy_after"`

	// Pairs are the bridge/calendar pairs the scheduler syncs on its own.
	Pairs []PairConfig `yaml:"pairs"`
}

// PairConfig names one scheduled sync direction.
type PairConfig struct {
	SourceBridge     string `yaml:"source_bridge"`
	TargetBridge     string `yaml:"target_bridge"`
	SourceCalendarID string `yaml:"source_calendar_id"`
	TargetCalendarID string `yaml:"target_calendar_id"`
	SourceKind       string `yaml:"source_kind"`
}

// WebhookConfig tunes subscription lifecycle.
type WebhookConfig struct {
	CallbackURL      string `yaml:"callback_url"`
	TTLHours         int    `yaml:"ttl_hours"`
	RenewalLeadHours int    `yaml:"renewal_lead_hours"`
}

// TTL returns the subscription time-to-live.
func (w WebhookConfig) TTL() time.Duration {
	return time.Duration(w.TTLHours) * time.Hour
}

// RenewalLead returns how early before expiry renewal starts.
func (w WebhookConfig) RenewalLead() time.Duration {
	return time.Duration(w.RenewalLeadHours) * time.Hour
}

// QueueConfig selects and tunes the task queue backend.
type QueueConfig struct {
	// Backend is "memory" (with durable fallback) or "store".
	Backend           string `yaml:"backend"`
	StaleClaimMinutes int    `yaml:"stale_claim_minutes"`
}

// StaleClaim returns how long a claim may dangle before reclamation.
func (q QueueConfig) StaleClaim() time.Duration {
	return time.Duration(q.StaleClaimMinutes) * time.Minute
}

// ScheduleConfig tunes the cron trigger intervals, in minutes.
type ScheduleConfig struct {
	SyncIntervalMin  int `yaml:"sync_interval_min"`
	PollIntervalMin  int `yaml:"poll_interval_min"`
	DrainIntervalMin int `yaml:"drain_interval_min"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		ListenAddr: ":8090",
		DataDir:    "/data",
		Booking: BookingConfig{
			Name:   "booking",
			APIURL: "http://localhost:8100",
		},
		Remote: RemoteConfig{
			Name:    "remote",
			BaseURL: "http://localhost:8200",
		},
		Sync: SyncConfig{
			LookbackDays:    30,
			LookaheadDays:   30,
			HandleDeletions: true,
			UnhealthyAfter:  5,
		},
		Webhook: WebhookConfig{
			TTLHours:         72,
			RenewalLeadHours: 12,
		},
		Queue: QueueConfig{
			Backend:           "memory",
			StaleClaimMinutes: 10,
		},
		Schedule: ScheduleConfig{
			SyncIntervalMin:  15,
			PollIntervalMin:  5,
			DrainIntervalMin: 2,
		},
	}
}

// Load reads the config file at path (when non-empty) over the defaults,
// then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.DataDir, "DATA_DIR")
	setString(&cfg.Booking.APIURL, "BOOKING_API_URL")
	setString(&cfg.Booking.Token, "BOOKING_API_TOKEN")
	setBool(&cfg.Booking.DirectStore, "BOOKING_DIRECT_STORE")
	setString(&cfg.Remote.BaseURL, "REMOTE_CAL_URL")
	setString(&cfg.Remote.Token, "REMOTE_CAL_TOKEN")
	setString(&cfg.Webhook.CallbackURL, "WEBHOOK_CALLBACK_URL")
	setBool(&cfg.Sync.HandleDeletions, "SYNC_HANDLE_DELETIONS")
	setBool(&cfg.Sync.DryRun, "SYNC_DRY_RUN")
	setInt(&cfg.Sync.LookbackDays, "SYNC_LOOKBACK_DAYS")
	setInt(&cfg.Sync.LookaheadDays, "SYNC_LOOKAHEAD_DAYS")
	setString(&cfg.Queue.Backend, "QUEUE_BACKEND")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
