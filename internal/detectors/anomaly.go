// Package detectors implements the statistical and heuristic detectors
// that turn a feature map into a risk sub-score.
package detectors

import (
	"fmt"
	"math"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Detector names as registered with the scoring engine.
const (
	NameAnomaly     = "anomaly_detector"
	NameBehavior    = "behavior_pattern_detector"
	NameTransaction = "transaction_monitor"
	NameBot         = "bot_detector"
	NameTravel      = "impossible_travel"
)

// AnomalyConfig configures the AnomalyDetector.
type AnomalyConfig struct {
	// Features lists the tracked features; coverage is measured against it.
	Features []string `json:"features" koanf:"features"`

	WindowSize   int     `json:"windowSize" koanf:"window_size"`
	MinSamples   int     `json:"minSamples" koanf:"min_samples"`
	ZThreshold   float64 `json:"zThreshold" koanf:"z_threshold"`
	MADThreshold float64 `json:"madThreshold" koanf:"mad_threshold"`

	// FullConfidenceSamples is the history size at which sample confidence saturates.
	FullConfidenceSamples int `json:"fullConfidenceSamples" koanf:"full_confidence_samples"`

	Model ModelConfig `json:"model" koanf:"model"`
}

// DefaultAnomalyConfig returns z 3.0 / MAD 3.5 over a 1000-sample window.
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		Features: []string{
			domain.FeatEventCount1h,
			domain.FeatEventCount24h,
			domain.FeatTxCount1h,
			domain.FeatTxCount24h,
			domain.FeatTxAmount24h,
			domain.FeatAvgTxAmount,
			domain.FeatMaxTxAmount,
			domain.FeatVelocityRatio,
			domain.FeatBehaviorCount1h,
			domain.FeatActionsPerSecond,
			domain.FeatTotalUniqueDevices,
			domain.FeatTotalUniqueIPs,
			domain.FeatAvgEventsPerSession,
		},
		WindowSize:            1000,
		MinSamples:            10,
		ZThreshold:            3.0,
		MADThreshold:          3.5,
		FullConfidenceSamples: 100,
		Model:                 DefaultModelConfig(),
	}
}

// AnomalyDetector flags feature values that deviate from the population's
// recent history by z-score or MAD-score, optionally backed by an outlier model.
type AnomalyDetector struct {
	mu           sync.Mutex
	cfg          AnomalyConfig
	windows      map[string]*rollingWindow
	observations int
	model        *modelTrainer
}

// NewAnomalyDetector creates the detector. scorer may be nil, in which case
// only the statistical path runs.
func NewAnomalyDetector(cfg AnomalyConfig, scorer domain.OutlierScorer) *AnomalyDetector {
	def := DefaultAnomalyConfig()
	if len(cfg.Features) == 0 {
		cfg.Features = def.Features
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.ZThreshold <= 0 {
		cfg.ZThreshold = def.ZThreshold
	}
	if cfg.MADThreshold <= 0 {
		cfg.MADThreshold = def.MADThreshold
	}
	if cfg.FullConfidenceSamples <= 0 {
		cfg.FullConfidenceSamples = def.FullConfidenceSamples
	}

	windows := make(map[string]*rollingWindow, len(cfg.Features))
	for _, name := range cfg.Features {
		windows[name] = newRollingWindow(cfg.WindowSize)
	}

	return &AnomalyDetector{
		cfg:     cfg,
		windows: windows,
		model:   newModelTrainer(cfg.Model, scorer),
	}
}

// Name returns the registry name.
func (d *AnomalyDetector) Name() string {
	return NameAnomaly
}

// Detect scores f against the history, then folds f into it.
func (d *AnomalyDetector) Detect(f domain.Features) domain.DetectorResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	result := domain.DetectorResult{
		DetectorName: NameAnomaly,
		Reasons:      []string{},
	}

	present := 0
	statScore := 0.0
	vec := make([]float64, len(d.cfg.Features))

	for i, name := range d.cfg.Features {
		v, ok := f[name]
		vec[i] = v
		if !ok {
			continue
		}
		present++

		w := d.windows[name]
		if w.Len() >= d.cfg.MinSamples {
			if sub, reason := d.scoreFeature(name, v, w); sub > 0 {
				result.Reasons = append(result.Reasons, reason)
				statScore = math.Max(statScore, sub)
			}
		}
		w.Add(v)
	}

	modelScore, hasModel := d.model.score(vec)
	score := statScore
	if hasModel {
		if modelScore >= 0.5 {
			result.Reasons = append(result.Reasons, fmt.Sprintf("Outlier model score %.2f", modelScore))
		}
		score = math.Max(score, modelScore)
	}
	if present > 0 {
		d.model.observe(NameAnomaly, vec)
	}

	coverage := float64(present) / float64(len(d.cfg.Features))
	sampleConfidence := math.Min(1, float64(d.observations)/float64(d.cfg.FullConfidenceSamples))
	if present > 0 {
		d.observations++
	}

	result.Score = score
	result.Confidence = (coverage + sampleConfidence) / 2
	result.Metadata = map[string]any{
		"statistical_score":  roundTo2(statScore),
		"model_score":        roundTo2(modelScore),
		"model_trained":      hasModel,
		"features_evaluated": present,
		"samples":            d.observations,
	}
	result.Clamp()
	return result
}

// scoreFeature returns the larger of the z and MAD sub-scores for one value,
// or 0 when neither threshold is exceeded.
func (d *AnomalyDetector) scoreFeature(name string, v float64, w *rollingWindow) (float64, string) {
	mean := w.Mean()
	std := w.StdDev()
	if std < degenerateSpread {
		std = fallbackSpread(mean)
	}
	z := (v - mean) / std

	med, mad := w.MedianMAD()
	spread := madScale * mad
	if spread < degenerateSpread {
		spread = fallbackSpread(med)
	}
	madScore := (v - med) / spread

	best := 0.0
	reason := ""
	if math.Abs(z) > d.cfg.ZThreshold {
		best = math.Min(1, math.Abs(z)/(d.cfg.ZThreshold*2))
		reason = fmt.Sprintf("Anomalous %s: %.2f (z-score %.2f, mean %.2f)", name, v, z, mean)
	}
	if math.Abs(madScore) > d.cfg.MADThreshold {
		sub := math.Min(1, math.Abs(madScore)/(d.cfg.MADThreshold*2))
		if sub > best {
			best = sub
			reason = fmt.Sprintf("Anomalous %s: %.2f (MAD-score %.2f, median %.2f)", name, v, madScore, med)
		}
	}
	return best, reason
}

// Samples returns how many feature maps the detector has observed.
func (d *AnomalyDetector) Samples() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.observations
}
