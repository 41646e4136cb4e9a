// Package config loads Kestrel configuration from defaults, an optional
// YAML file and KESTREL_ environment variables.
package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/flagging"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Config is the full service configuration.
type Config struct {
	Tier       domain.Tier             `json:"tier" koanf:"tier"`
	Server     domain.ServerConfig     `json:"server" koanf:"server"`
	Repository domain.RepositoryConfig `json:"repository" koanf:"repository"`
	Cache      domain.CacheConfig      `json:"cache" koanf:"cache"`
	EventBus   domain.EventBusConfig   `json:"eventBus" koanf:"event_bus"`
	Worker     domain.WorkerConfig     `json:"worker" koanf:"worker"`
	Logging    domain.LoggingConfig    `json:"logging" koanf:"logging"`
	Tracing    domain.TracingConfig    `json:"tracing" koanf:"tracing"`

	Engine    EngineConfig           `json:"engine" koanf:"engine"`
	Features  features.Config        `json:"features" koanf:"features"`
	Detectors engine.DetectorsConfig `json:"detectors" koanf:"detectors"`
	Outlier   engine.OutlierConfig   `json:"outlier" koanf:"outlier"`
	Rules     []domain.RuleConfig    `json:"rules" koanf:"rules"`
	Scoring   scoring.Config         `json:"scoring" koanf:"scoring"`
	Flagging  flagging.Config        `json:"flagging" koanf:"flagging"`
}

// EngineConfig holds the orchestrator's own settings.
type EngineConfig struct {
	HistoryCapacity int           `json:"historyCapacity" koanf:"history_capacity"`
	TravelWindow    int           `json:"travelWindow" koanf:"travel_window"`
	FlaggingEnabled bool          `json:"flaggingEnabled" koanf:"flagging_enabled"`
	SweepInterval   time.Duration `json:"sweepInterval" koanf:"sweep_interval"`
}

// Default returns the community tier configuration.
func Default() *Config {
	e := engine.DefaultConfig()
	return &Config{
		Tier: domain.TierCommunity,
		Server: domain.ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: domain.RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     30 * time.Second,
		},
		EventBus: domain.EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Worker: domain.WorkerConfig{
			Enabled:     true,
			WorkerCount: 4,
		},
		Logging: domain.LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: domain.TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
		Engine: EngineConfig{
			HistoryCapacity: e.HistoryCapacity,
			TravelWindow:    e.TravelWindow,
			FlaggingEnabled: e.FlaggingEnabled,
			SweepInterval:   e.SweepInterval,
		},
		Features:  e.Features,
		Detectors: e.Detectors,
		Outlier:   e.Outlier,
		Rules:     []domain.RuleConfig{},
		Scoring:   e.Scoring,
		Flagging:  e.Flagging,
	}
}

// Pro returns the pro tier configuration: PostgreSQL, Redis and NATS.
func Pro() *Config {
	cfg := Default()
	cfg.Tier = domain.TierPro
	cfg.Repository = domain.RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = domain.CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Second,
	}
	cfg.EventBus = domain.EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// EngineSettings assembles the fraud engine configuration.
func (c *Config) EngineSettings() engine.Config {
	return engine.Config{
		HistoryCapacity: c.Engine.HistoryCapacity,
		TravelWindow:    c.Engine.TravelWindow,
		FlaggingEnabled: c.Engine.FlaggingEnabled,
		SweepInterval:   c.Engine.SweepInterval,
		Features:        c.Features,
		Detectors:       c.Detectors,
		Outlier:         c.Outlier,
		Rules:           c.Rules,
		Scoring:         c.Scoring,
		Flagging:        c.Flagging,
	}
}

// LogLevel parses the configured log level, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
