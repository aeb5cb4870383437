package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DiscordToken     string           `yaml:"discord_token"`
	DatabasePath     string           `yaml:"database_path"`
	LogLevel         string           `yaml:"log_level"`
	LogRetentionDays int              `yaml:"log_retention_days"`
	Health           HealthConfig     `yaml:"health"`
	Tracker          TrackerConfig    `yaml:"tracker"`
	Quarantine       QuarantineConfig `yaml:"quarantine"`
	Suspicion        SuspicionConfig  `yaml:"suspicion"`
	AntiRaid         AntiRaidConfig   `yaml:"antiraid"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TrackerConfig bounds how many destructive admin actions of one type a
// single actor may take inside the sliding window before quarantine.
type TrackerConfig struct {
	WindowSeconds      int `yaml:"window_seconds"`
	BanThreshold       int `yaml:"ban_threshold"`
	KickThreshold      int `yaml:"kick_threshold"`
	ChannelDeleteLimit int `yaml:"channel_delete_threshold"`
}

type QuarantineConfig struct {
	DurationHours     int `yaml:"duration_hours"`
	TempAdminHours    int `yaml:"temp_admin_hours"`
	SweepMinutes      int `yaml:"sweep_minutes"`
	RequarantineHours int `yaml:"requarantine_hours"`
}

// SuspicionConfig is the per-hour activity profile checked when a
// temporary admin grant expires.
type SuspicionConfig struct {
	LookbackMinutes int `yaml:"lookback_minutes"`
	Bans            int `yaml:"bans"`
	Kicks           int `yaml:"kicks"`
	ChannelDeletes  int `yaml:"channel_deletes"`
	RoleUpdates     int `yaml:"role_updates"`
}

type AntiRaidConfig struct {
	MessageThreshold     int `yaml:"message_threshold"`
	TimeWindowSeconds    int `yaml:"time_window_seconds"`
	LockDurationSeconds  int `yaml:"lock_duration_seconds"`
	HistoryRetentionSecs int `yaml:"history_retention_seconds"`
	CleanupSeconds       int `yaml:"cleanup_seconds"`
}

func DefaultConfig() Config {
	return Config{
		DatabasePath:     "/data/aegis.db",
		LogLevel:         "info",
		LogRetentionDays: 30,
		Health:           HealthConfig{Enabled: false, Addr: ":8080"},
		Tracker: TrackerConfig{
			WindowSeconds:      60,
			BanThreshold:       2,
			KickThreshold:      2,
			ChannelDeleteLimit: 2,
		},
		Quarantine: QuarantineConfig{
			DurationHours:     24,
			TempAdminHours:    24,
			SweepMinutes:      5,
			RequarantineHours: 24,
		},
		Suspicion: SuspicionConfig{
			LookbackMinutes: 60,
			Bans:            3,
			Kicks:           5,
			ChannelDeletes:  2,
			RoleUpdates:     5,
		},
		AntiRaid: AntiRaidConfig{
			MessageThreshold:     5,
			TimeWindowSeconds:    10,
			LockDurationSeconds:  300,
			HistoryRetentionSecs: 300,
			CleanupSeconds:       60,
		},
	}
}

func Load() (Config, error) {
	cfg := DefaultConfig()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	if cfg.DiscordToken == "" {
		return Config{}, errors.New("DISCORD_TOKEN is required")
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DiscordToken = envString("DISCORD_TOKEN", cfg.DiscordToken)
	cfg.DatabasePath = envString("DATABASE_PATH", cfg.DatabasePath)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogRetentionDays = envInt("LOG_RETENTION_DAYS", cfg.LogRetentionDays)
	cfg.Health.Enabled = envBool("HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Addr = envString("HEALTH_ADDR", cfg.Health.Addr)
	cfg.Tracker.WindowSeconds = envInt("TRACKER_WINDOW_SECONDS", cfg.Tracker.WindowSeconds)
	cfg.Tracker.BanThreshold = envInt("TRACKER_BAN_THRESHOLD", cfg.Tracker.BanThreshold)
	cfg.Tracker.KickThreshold = envInt("TRACKER_KICK_THRESHOLD", cfg.Tracker.KickThreshold)
	cfg.Tracker.ChannelDeleteLimit = envInt("TRACKER_CHANNEL_DELETE_THRESHOLD", cfg.Tracker.ChannelDeleteLimit)
	cfg.Quarantine.DurationHours = envInt("QUARANTINE_DURATION_HOURS", cfg.Quarantine.DurationHours)
	cfg.Quarantine.TempAdminHours = envInt("TEMP_ADMIN_HOURS", cfg.Quarantine.TempAdminHours)
	cfg.Quarantine.SweepMinutes = envInt("QUARANTINE_SWEEP_MINUTES", cfg.Quarantine.SweepMinutes)
	cfg.Quarantine.RequarantineHours = envInt("REQUARANTINE_HOURS", cfg.Quarantine.RequarantineHours)
	cfg.Suspicion.LookbackMinutes = envInt("SUSPICION_LOOKBACK_MINUTES", cfg.Suspicion.LookbackMinutes)
	cfg.Suspicion.Bans = envInt("SUSPICION_BANS", cfg.Suspicion.Bans)
	cfg.Suspicion.Kicks = envInt("SUSPICION_KICKS", cfg.Suspicion.Kicks)
	cfg.Suspicion.ChannelDeletes = envInt("SUSPICION_CHANNEL_DELETES", cfg.Suspicion.ChannelDeletes)
	cfg.Suspicion.RoleUpdates = envInt("SUSPICION_ROLE_UPDATES", cfg.Suspicion.RoleUpdates)
	cfg.AntiRaid.MessageThreshold = envInt("ANTIRAID_MESSAGE_THRESHOLD", cfg.AntiRaid.MessageThreshold)
	cfg.AntiRaid.TimeWindowSeconds = envInt("ANTIRAID_TIME_WINDOW_SECONDS", cfg.AntiRaid.TimeWindowSeconds)
	cfg.AntiRaid.LockDurationSeconds = envInt("ANTIRAID_LOCK_DURATION_SECONDS", cfg.AntiRaid.LockDurationSeconds)
	cfg.AntiRaid.HistoryRetentionSecs = envInt("ANTIRAID_HISTORY_RETENTION_SECONDS", cfg.AntiRaid.HistoryRetentionSecs)
	cfg.AntiRaid.CleanupSeconds = envInt("ANTIRAID_CLEANUP_SECONDS", cfg.AntiRaid.CleanupSeconds)
}

func BuildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl := strings.ToLower(level)
	switch lvl {
	case "debug", "info", "warn", "error":
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(lvl))
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "1" || lower == "true" || lower == "yes"
	}
	return fallback
}
