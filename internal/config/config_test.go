package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/detectors"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

func TestDefaultsValidate(t *testing.T) {
	for name, cfg := range map[string]*Config{"community": Default(), "pro": Pro()} {
		t.Run(name, func(t *testing.T) {
			if err := cfg.Validate(); err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}
}

func TestDefaultThresholds(t *testing.T) {
	cfg := Default()
	if cfg.Scoring.Thresholds.Critical != 0.85 || cfg.Scoring.Thresholds.High != 0.6 || cfg.Scoring.Thresholds.Medium != 0.3 {
		t.Errorf("risk thresholds = %+v", cfg.Scoring.Thresholds)
	}
	if cfg.Flagging.Thresholds.Suspend != 0.9 || cfg.Flagging.Thresholds.Block != 0.75 || cfg.Flagging.Thresholds.Review != 0.4 {
		t.Errorf("action thresholds = %+v", cfg.Flagging.Thresholds)
	}
	if cfg.Engine.HistoryCapacity != 1000 || cfg.Engine.TravelWindow != 10 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if w := cfg.Detectors.Settings[detectors.NameTransaction].Weight; w != 1.5 {
		t.Errorf("transaction monitor weight = %v, want 1.5", w)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Tier != domain.TierCommunity || cfg.Repository.Driver != "sqlite" {
		t.Errorf("tier/driver = %s/%s", cfg.Tier, cfg.Repository.Driver)
	}
	if cfg.Engine.SweepInterval != 10*time.Minute {
		t.Errorf("sweep interval = %s", cfg.Engine.SweepInterval)
	}
	if len(cfg.Detectors.Bot.Signatures) != len(detectors.DefaultBotSignatures()) {
		t.Errorf("bot signatures = %d", len(cfg.Detectors.Bot.Signatures))
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	t.Setenv("KESTREL_SCORING_SIGMOID_STEEPNESS", "7.5")
	t.Setenv("KESTREL_ENGINE_SWEEP_INTERVAL", "30s")
	t.Setenv("KESTREL_DETECTORS_SETTINGS_BOT_DETECTOR_WEIGHT", "2")
	t.Setenv("KESTREL_SERVER_PORT", "9090")
	t.Setenv("KESTREL_NOT_A_SETTING", "ignored")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scoring.SigmoidSteepness != 7.5 {
		t.Errorf("sigmoid steepness = %v, want 7.5", cfg.Scoring.SigmoidSteepness)
	}
	if cfg.Engine.SweepInterval != 30*time.Second {
		t.Errorf("sweep interval = %s, want 30s", cfg.Engine.SweepInterval)
	}
	if w := cfg.Detectors.Settings[detectors.NameBot].Weight; w != 2 {
		t.Errorf("bot weight = %v, want 2", w)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	yaml := `
flagging:
  thresholds:
    suspend: 0.95
    block: 0.8
    review: 0.5
rules:
  - id: big-spender
    name: Big spender
    expression: f["transaction_amount_24h"] > 1000.0
    score: 0.7
    reason: Spent over 1000 in a day
    enabled: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("KESTREL_FLAGGING_THRESHOLDS_REVIEW", "0.45")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Flagging.Thresholds.Suspend != 0.95 || cfg.Flagging.Thresholds.Block != 0.8 {
		t.Errorf("thresholds = %+v", cfg.Flagging.Thresholds)
	}
	if cfg.Flagging.Thresholds.Review != 0.45 {
		t.Errorf("env did not override file: review = %v", cfg.Flagging.Thresholds.Review)
	}
	if cfg.Flagging.Expiry.Suspend != 168 {
		t.Errorf("unset expiry lost its default: %+v", cfg.Flagging.Expiry)
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].ID != "big-spender" || cfg.Rules[0].Score != 0.7 {
		t.Errorf("rules = %+v", cfg.Rules)
	}

	ec := cfg.EngineSettings()
	if len(ec.Rules) != 1 || ec.Flagging.Thresholds.Suspend != 0.95 {
		t.Errorf("engine settings = %+v", ec)
	}
}

func TestLoadProTier(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	t.Setenv("KESTREL_TIER", "pro")
	t.Setenv("KESTREL_REPOSITORY_POSTGRES_HOST", "db.internal")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Repository.Driver != "postgres" || cfg.Cache.Type != "redis" || cfg.EventBus.Type != "nats" {
		t.Errorf("pro backends = %s/%s/%s", cfg.Repository.Driver, cfg.Cache.Type, cfg.EventBus.Type)
	}
	if cfg.Repository.PostgresHost != "db.internal" {
		t.Errorf("postgres host = %s", cfg.Repository.PostgresHost)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	t.Setenv("KESTREL_SCORING_THRESHOLDS_HIGH", "0.95")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "scoring.thresholds") {
		t.Errorf("Load() error = %v, want scoring threshold error", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"tier", func(c *Config) { c.Tier = "enterprise" }, "tier"},
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"driver", func(c *Config) { c.Repository.Driver = "mysql" }, "repository.driver"},
		{"alpha", func(c *Config) { c.Features.BaselineAlpha = 1.5 }, "baseline_alpha"},
		{"capacity", func(c *Config) { c.Engine.HistoryCapacity = 0 }, "history_capacity"},
		{"flag order", func(c *Config) { c.Flagging.Thresholds.Block = 0.3 }, "flagging.thresholds"},
		{"escalation", func(c *Config) {
			rule := c.Flagging.Escalations["bot_detector"]
			rule.EscalateTo = "BAN"
			c.Flagging.Escalations["bot_detector"] = rule
		}, "escalations"},
		{"weight", func(c *Config) {
			c.Detectors.Settings[detectors.NameBot] = engine.DetectorSettings{Weight: -1}
		}, "weight"},
		{"duplicate rule", func(c *Config) {
			r := domain.RuleConfig{ID: "r1", Expression: "true"}
			c.Rules = []domain.RuleConfig{r, r}
		}, "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLogLevel(t *testing.T) {
	cfg := Default()
	for level, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	} {
		cfg.Logging.Level = level
		if got := cfg.LogLevel(); got != want {
			t.Errorf("LogLevel(%q) = %v, want %v", level, got, want)
		}
	}
}

func TestEnvKeyMapper(t *testing.T) {
	m := envKeyMapper([]string{"scoring.sigmoid_steepness", "detectors.transaction.regions.US-East.latitude"})

	if got := m("KESTREL_SCORING_SIGMOID_STEEPNESS"); got != "scoring.sigmoid_steepness" {
		t.Errorf("mapped to %q", got)
	}
	if got := m("KESTREL_DETECTORS_TRANSACTION_REGIONS_US_EAST_LATITUDE"); got != "detectors.transaction.regions.US-East.latitude" {
		t.Errorf("mapped to %q", got)
	}
	if got := m("KESTREL_UNKNOWN"); got != "" {
		t.Errorf("unknown variable mapped to %q", got)
	}
}
