package engine

import (
	"time"

	"github.com/opensource-finance/kestrel/internal/detectors"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/flagging"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/outlier"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// DetectorSettings is a detector's ensemble weight and on/off switch.
type DetectorSettings struct {
	Weight  float64 `json:"weight" koanf:"weight"`
	Enabled bool    `json:"enabled" koanf:"enabled"`
}

// DetectorsConfig configures every built-in detector.
type DetectorsConfig struct {
	Settings    map[string]DetectorSettings  `json:"settings" koanf:"settings"`
	Anomaly     detectors.AnomalyConfig     `json:"anomaly" koanf:"anomaly"`
	Behavior    detectors.BehaviorConfig    `json:"behavior" koanf:"behavior"`
	Transaction detectors.TransactionConfig `json:"transaction" koanf:"transaction"`
	Bot         detectors.BotConfig         `json:"bot" koanf:"bot"`
}

// OutlierConfig switches the optional isolation forest on for the anomaly
// and bot detectors.
type OutlierConfig struct {
	Enabled bool           `json:"enabled" koanf:"enabled"`
	Forest  outlier.Config `json:"forest" koanf:"forest"`
}

// Config holds the fraud engine settings.
type Config struct {
	HistoryCapacity int           `json:"historyCapacity" koanf:"history_capacity"`
	TravelWindow    int           `json:"travelWindow" koanf:"travel_window"`
	FlaggingEnabled bool          `json:"flaggingEnabled" koanf:"flagging_enabled"`
	SweepInterval   time.Duration `json:"sweepInterval" koanf:"sweep_interval"`

	Features  features.Config     `json:"features" koanf:"features"`
	Detectors DetectorsConfig     `json:"detectors" koanf:"detectors"`
	Outlier   OutlierConfig       `json:"outlier" koanf:"outlier"`
	Rules     []domain.RuleConfig `json:"rules" koanf:"rules"`
	Scoring   scoring.Config      `json:"scoring" koanf:"scoring"`
	Flagging  flagging.Config     `json:"flagging" koanf:"flagging"`
}

// DefaultDetectorSettings returns the stock ensemble weights.
func DefaultDetectorSettings() map[string]DetectorSettings {
	return map[string]DetectorSettings{
		detectors.NameAnomaly:     {Weight: 1.0, Enabled: true},
		detectors.NameBehavior:    {Weight: 1.2, Enabled: true},
		detectors.NameTransaction: {Weight: 1.5, Enabled: true},
		detectors.NameBot:         {Weight: 1.3, Enabled: true},
		rules.DetectorName:        {Weight: 1.0, Enabled: true},
	}
}

// DefaultConfig returns the stock engine configuration.
func DefaultConfig() Config {
	return Config{
		HistoryCapacity: history.DefaultCapacity,
		TravelWindow:    10,
		FlaggingEnabled: true,
		SweepInterval:   10 * time.Minute,
		Features:        features.DefaultConfig(),
		Detectors: DetectorsConfig{
			Settings:    DefaultDetectorSettings(),
			Anomaly:     detectors.DefaultAnomalyConfig(),
			Behavior:    detectors.DefaultBehaviorConfig(),
			Transaction: detectors.DefaultTransactionConfig(),
			Bot:         detectors.DefaultBotConfig(),
		},
		Outlier: OutlierConfig{
			Enabled: true,
			Forest:  outlier.DefaultConfig(),
		},
		Scoring:  scoring.DefaultConfig(),
		Flagging: flagging.DefaultConfig(),
	}
}
