// Package daemon wires every gateway component together and manages
// its configuration and lifecycle.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all gateway configuration.
type Config struct {
	TCP       TCPConfig       `toml:"tcp"`
	Cloud     CloudConfig     `toml:"cloud"`
	Activity  ActivityConfig  `toml:"activity"`
	Session   SessionConfig   `toml:"session"`
	Offline   OfflineConfig   `toml:"offline"`
	Sync      SyncConfig      `toml:"sync"`
	API       APIConfig       `toml:"api"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// TCPConfig controls the scale listener (component B).
type TCPConfig struct {
	Host              string `toml:"host"`
	Port              string `toml:"port"`
	RegistrationGraceMS int  `toml:"registration_grace_ms"`
}

// CloudConfig controls the REST client (component H).
type CloudConfig struct {
	APIURL               string  `toml:"api_url"`
	ClientVersion        string  `toml:"client_version"`
	EventSendTimeoutMS   int     `toml:"event_send_timeout_ms"`
	MaxRetries           int     `toml:"max_retries"`
	RetryDelayMS         int     `toml:"retry_delay_ms"`
	BackoffMultiplier    float64 `toml:"backoff_multiplier"`
	MaxRetryDelayMS      int     `toml:"max_retry_delay_ms"`
	MaxQueueSize         int     `toml:"max_queue_size"`
}

// ActivityConfig controls the heartbeat/activity monitor (component D).
type ActivityConfig struct {
	CheckIntervalMS    int `toml:"check_interval_ms"`
	HeartbeatTimeoutMS int `toml:"heartbeat_timeout_ms"`
	IdleMS             int `toml:"idle_ms"`
	StaleMS            int `toml:"stale_ms"`
}

// SessionConfig controls the session cache (component E).
type SessionConfig struct {
	PollIntervalMS    int `toml:"poll_interval_ms"`
	CleanupIntervalMS int `toml:"cleanup_interval_ms"`
	ExpiryMS          int `toml:"expiry_ms"`
}

// OfflineConfig controls the offline batch manager (component G).
type OfflineConfig struct {
	TriggerDelayMS       int `toml:"trigger_delay_ms"`
	MaxEventsPerBatch    int `toml:"max_events_per_batch"`
	BatchRetentionDays   int `toml:"batch_retention_days"`
	MaxSyncAttempts      int `toml:"max_sync_attempts"`
}

// SyncConfig controls the Cloud sync service (component I).
type SyncConfig struct {
	BatchSize            int `toml:"batch_size"`
	BacklogSyncDelayMS   int `toml:"backlog_sync_delay_ms"`
	RetryIntervalMS      int `toml:"retry_interval_ms"`
}

// APIConfig controls the local admin HTTP surface.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// TelemetryConfig controls observability.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// DefaultConfig returns spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		TCP: TCPConfig{
			Host:                "0.0.0.0",
			Port:                "8899",
			RegistrationGraceMS: 10_000,
		},
		Cloud: CloudConfig{
			APIURL:             "",
			ClientVersion:      "0.1.0",
			EventSendTimeoutMS: 10_000,
			MaxRetries:         3,
			RetryDelayMS:       1_000,
			BackoffMultiplier:  2,
			MaxRetryDelayMS:    30_000,
			MaxQueueSize:       1_000,
		},
		Activity: ActivityConfig{
			CheckIntervalMS:    5_000,
			HeartbeatTimeoutMS: 60_000,
			IdleMS:             5 * 60_000,
			StaleMS:            30 * 60_000,
		},
		Session: SessionConfig{
			PollIntervalMS:    5_000,
			CleanupIntervalMS: 60_000,
			ExpiryMS:          4 * 60 * 60_000,
		},
		Offline: OfflineConfig{
			TriggerDelayMS:     5_000,
			MaxEventsPerBatch:  1_000,
			BatchRetentionDays: 30,
			MaxSyncAttempts:    10,
		},
		Sync: SyncConfig{
			BatchSize:          50,
			BacklogSyncDelayMS: 3_000,
			RetryIntervalMS:    30_000,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8900,
		},
		Telemetry: TelemetryConfig{
			Prometheus: false,
		},
	}
}

// LoadConfig reads $EDGE_HOME/config.toml, falling back to defaults,
// then applies every spec.md §6 environment variable as an override —
// the teacher's "defaults, then file, then runtime adjustment"
// pipeline (internal/daemon/config.go in the reference implementation).
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(edgeHome(), "config.toml")

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("stat config: %w", err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	envString(&cfg.TCP.Port, "TCP_PORT")
	envString(&cfg.TCP.Host, "TCP_HOST")
	envString(&cfg.Cloud.APIURL, "CLOUD_API_URL")
	envInt(&cfg.Cloud.EventSendTimeoutMS, "EVENT_SEND_TIMEOUT_MS")
	envInt(&cfg.Cloud.MaxRetries, "REST_MAX_RETRIES")
	envInt(&cfg.Cloud.RetryDelayMS, "REST_RETRY_DELAY_MS")
	envFloat(&cfg.Cloud.BackoffMultiplier, "REST_BACKOFF_MULTIPLIER")
	envInt(&cfg.Cloud.MaxRetryDelayMS, "REST_MAX_RETRY_DELAY_MS")
	envInt(&cfg.Activity.HeartbeatTimeoutMS, "HEARTBEAT_TIMEOUT_MS")
	envInt(&cfg.Activity.IdleMS, "ACTIVITY_IDLE_MS")
	envInt(&cfg.Activity.StaleMS, "ACTIVITY_STALE_MS")
	envInt(&cfg.Session.PollIntervalMS, "SESSION_POLL_INTERVAL_MS")
	envInt(&cfg.Session.ExpiryMS, "SESSION_CACHE_EXPIRY_MS")
	envInt(&cfg.Offline.TriggerDelayMS, "OFFLINE_TRIGGER_DELAY_MS")
	envInt(&cfg.Offline.MaxEventsPerBatch, "OFFLINE_MAX_EVENTS_PER_BATCH")
	envInt(&cfg.Offline.BatchRetentionDays, "OFFLINE_BATCH_RETENTION_DAYS")
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// SaveConfig writes cfg to $EDGE_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(edgeHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// edgeHome returns the gateway's data directory.
func edgeHome() string {
	if env := os.Getenv("EDGE_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".edge")
}

// EdgeHome is exported for use by other packages.
func EdgeHome() string {
	return edgeHome()
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
