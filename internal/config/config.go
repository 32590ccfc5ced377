package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port          string
	LogLevel      string
	DatabaseURL   string
	AuthToken     string
	MigrationsDir string

	// Sync engine tuning.
	ChangeLogCap     int           // max retained entries per account
	MinRetained      int           // entries the sweeper must keep regardless of age
	PageLimit        int           // max entries per pull page
	ConflictWindow   int           // recent same-entity entries scanned per change
	ConflictPolicy   string        // "last-write-wins" or "manual"
	RetentionHorizon time.Duration // max age of log entries
	DeviceHorizon    time.Duration // inactivity before a device is retired
	SweepInterval    time.Duration // time between sweeper runs
	SessionBuffer    int           // buffered hints per live session
	StreamPing       time.Duration // keepalive interval on the realtime channel
}

func Load() Config {
	cfg := Config{
		Port:             envOrDefault("CHANGE_SYNC_PORT", "8091"),
		LogLevel:         envOrDefault("CHANGE_SYNC_LOG_LEVEL", "info"),
		DatabaseURL:      envOrDefault("CHANGE_SYNC_DATABASE_URL", "file:changesync.db"),
		AuthToken:        strings.TrimSpace(os.Getenv("CHANGE_SYNC_AUTH_TOKEN")),
		MigrationsDir:    envOrDefault("CHANGE_SYNC_MIGRATIONS_DIR", "migrations"),
		ChangeLogCap:     intEnv("CHANGE_SYNC_CHANGE_LOG_CAP", 10000),
		MinRetained:      intEnv("CHANGE_SYNC_MIN_RETAINED", 100),
		PageLimit:        intEnv("CHANGE_SYNC_PAGE_LIMIT", 200),
		ConflictWindow:   intEnv("CHANGE_SYNC_CONFLICT_WINDOW", 10),
		ConflictPolicy:   envOrDefault("CHANGE_SYNC_CONFLICT_POLICY", "last-write-wins"),
		RetentionHorizon: durationEnv("CHANGE_SYNC_RETENTION_HORIZON", 30*24*time.Hour),
		DeviceHorizon:    durationEnv("CHANGE_SYNC_DEVICE_HORIZON", 90*24*time.Hour),
		SweepInterval:    durationEnv("CHANGE_SYNC_SWEEP_INTERVAL", time.Hour),
		SessionBuffer:    intEnv("CHANGE_SYNC_SESSION_BUFFER", 64),
		StreamPing:       durationEnv("CHANGE_SYNC_STREAM_PING", 25*time.Second),
	}
	if path := strings.TrimSpace(os.Getenv("CHANGE_SYNC_CONFIG_FILE")); path != "" {
		_ = cfg.applyFile(path)
	}
	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
		cfg.Port = p
	}
	return cfg
}

// fileConfig mirrors Config for the YAML overlay; durations are strings in
// time.ParseDuration form ("72h", "5m").
type fileConfig struct {
	Port             string `yaml:"port"`
	LogLevel         string `yaml:"log_level"`
	DatabaseURL      string `yaml:"database_url"`
	AuthToken        string `yaml:"auth_token"`
	MigrationsDir    string `yaml:"migrations_dir"`
	ChangeLogCap     int    `yaml:"change_log_cap"`
	MinRetained      int    `yaml:"min_retained"`
	PageLimit        int    `yaml:"page_limit"`
	ConflictWindow   int    `yaml:"conflict_window"`
	ConflictPolicy   string `yaml:"conflict_policy"`
	RetentionHorizon string `yaml:"retention_horizon"`
	DeviceHorizon    string `yaml:"device_horizon"`
	SweepInterval    string `yaml:"sweep_interval"`
	SessionBuffer    int    `yaml:"session_buffer"`
	StreamPing       string `yaml:"stream_ping"`
}

// applyFile overlays values from a YAML file; zero values leave the
// env-derived value in place.
func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file fileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return err
	}
	merge(&c.Port, file.Port)
	merge(&c.LogLevel, file.LogLevel)
	merge(&c.DatabaseURL, file.DatabaseURL)
	merge(&c.AuthToken, file.AuthToken)
	merge(&c.MigrationsDir, file.MigrationsDir)
	merge(&c.ConflictPolicy, file.ConflictPolicy)
	mergeInt(&c.ChangeLogCap, file.ChangeLogCap)
	mergeInt(&c.MinRetained, file.MinRetained)
	mergeInt(&c.PageLimit, file.PageLimit)
	mergeInt(&c.ConflictWindow, file.ConflictWindow)
	mergeInt(&c.SessionBuffer, file.SessionBuffer)
	mergeDuration(&c.RetentionHorizon, file.RetentionHorizon)
	mergeDuration(&c.DeviceHorizon, file.DeviceHorizon)
	mergeDuration(&c.SweepInterval, file.SweepInterval)
	mergeDuration(&c.StreamPing, file.StreamPing)
	return nil
}

func merge(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func mergeInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func mergeDuration(dst *time.Duration, v string) {
	if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && d > 0 {
		*dst = d
	}
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func intEnv(key string, fallback int) int {
	if i, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil && i > 0 {
		return i
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key))); err == nil && d > 0 {
		return d
	}
	return fallback
}
