// Package scoring runs the detector ensemble and fuses its results into
// one calibrated risk score.
package scoring

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// RiskThresholds are the lower bounds of each risk level above LOW.
type RiskThresholds struct {
	Critical float64 `json:"critical" koanf:"critical"`
	High     float64 `json:"high" koanf:"high"`
	Medium   float64 `json:"medium" koanf:"medium"`
}

// Classify returns the highest level whose threshold score meets.
func (t RiskThresholds) Classify(score float64) domain.RiskLevel {
	switch {
	case score >= t.Critical:
		return domain.RiskCritical
	case score >= t.High:
		return domain.RiskHigh
	case score >= t.Medium:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// Config holds ensemble settings.
type Config struct {
	SigmoidEnabled   bool           `json:"sigmoidEnabled" koanf:"sigmoid_enabled"`
	SigmoidSteepness float64        `json:"sigmoidSteepness" koanf:"sigmoid_steepness"`
	Thresholds       RiskThresholds `json:"thresholds" koanf:"thresholds"`
}

// DefaultConfig returns sigmoid k=5 and thresholds 0.85/0.6/0.3.
func DefaultConfig() Config {
	return Config{
		SigmoidEnabled:   true,
		SigmoidSteepness: 5.0,
		Thresholds: RiskThresholds{
			Critical: 0.85,
			High:     0.6,
			Medium:   0.3,
		},
	}
}

// Engine runs registered detectors and combines their results.
type Engine struct {
	cfg      Config
	registry *Registry
	now      func() time.Time
}

// NewEngine creates a scoring engine over registry.
func NewEngine(cfg Config, registry *Registry) *Engine {
	if cfg.SigmoidSteepness <= 0 {
		cfg.SigmoidSteepness = DefaultConfig().SigmoidSteepness
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Engine{cfg: cfg, registry: registry, now: time.Now}
}

// Registry returns the detector registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Thresholds returns the risk level thresholds.
func (e *Engine) Thresholds() RiskThresholds {
	return e.cfg.Thresholds
}

// RunDetectors runs every enabled detector in registration order. A
// panicking detector yields a zero-score result carrying the error text.
func (e *Engine) RunDetectors(f domain.Features) []domain.DetectorResult {
	entries := e.registry.Enabled()
	results := make([]domain.DetectorResult, 0, len(entries))
	for _, entry := range entries {
		r := runDetector(entry.Detector, f)
		metrics.DetectorScore.WithLabelValues(r.DetectorName).Observe(r.Score)
		results = append(results, r)
	}
	return results
}

func runDetector(d domain.Detector, f domain.Features) (result domain.DetectorResult) {
	name := d.Name()
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("detector failed",
				"detector", name,
				"error", fmt.Sprint(rec),
			)
			metrics.DetectorFailures.WithLabelValues(name).Inc()
			result = domain.DetectorResult{
				DetectorName: name,
				Reasons:      []string{fmt.Sprintf("Detector error: %v", rec)},
				Metadata:     map[string]any{"error": true},
			}
		}
	}()

	result = d.Detect(f)
	if result.DetectorName == "" {
		result.DetectorName = name
	}
	result.Clamp()
	return result
}

// CalculateRiskScore fuses results by confidence-weighted mean, then
// applies the sigmoid. No usable weight yields score 0 and LOW.
func (e *Engine) CalculateRiskScore(results []domain.DetectorResult, entityID string, entityType domain.EntityType) domain.FraudScore {
	var weighted, totalWeight float64
	for _, r := range results {
		w := e.registry.Weight(r.DetectorName) * r.Confidence
		if w <= 0 {
			continue
		}
		weighted += w * r.Score
		totalWeight += w
	}

	raw := 0.0
	if totalWeight > 0 {
		raw = weighted / totalWeight
	}

	overall := 0.0
	if totalWeight > 0 {
		overall = e.normalize(raw)
	}

	return domain.FraudScore{
		EntityID:        entityID,
		EntityType:      entityType,
		OverallScore:    overall,
		RiskLevel:       e.cfg.Thresholds.Classify(overall),
		DetectorResults: results,
		Timestamp:       e.now().UTC(),
		Metadata: map[string]any{
			"raw_score":      raw,
			"total_weight":   totalWeight,
			"detectors_used": len(results),
		},
	}
}

// ClassifyRisk maps a score onto a risk level.
func (e *Engine) ClassifyRisk(score float64) domain.RiskLevel {
	return e.cfg.Thresholds.Classify(score)
}

func (e *Engine) normalize(raw float64) float64 {
	if !e.cfg.SigmoidEnabled {
		return domain.Clamp01(raw)
	}
	return 1 / (1 + math.Exp(-(raw-0.5)*e.cfg.SigmoidSteepness))
}
