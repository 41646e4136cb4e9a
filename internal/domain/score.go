package domain

import (
	"time"
)

// RiskLevel is the coarse classification of an overall risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Rank orders risk levels from LOW (0) to CRITICAL (3).
func (l RiskLevel) Rank() int {
	switch l {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// DetectorResult is the output of a single detector run.
type DetectorResult struct {
	DetectorName string         `json:"detectorName"`
	Score        float64        `json:"score"`
	Confidence   float64        `json:"confidence"`
	Reasons      []string       `json:"reasons"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Clamp forces score and confidence into [0,1].
func (r *DetectorResult) Clamp() {
	r.Score = Clamp01(r.Score)
	r.Confidence = Clamp01(r.Confidence)
	if r.Reasons == nil {
		r.Reasons = []string{}
	}
}

// FraudScore is the combined ensemble output for one analysis call.
type FraudScore struct {
	EntityID        string           `json:"entityId"`
	EntityType      EntityType       `json:"entityType"`
	OverallScore    float64          `json:"overallScore"`
	RiskLevel       RiskLevel        `json:"riskLevel"`
	DetectorResults []DetectorResult `json:"detectorResults"`
	Timestamp       time.Time        `json:"timestamp"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
}

// Clamp01 limits v to [0,1]; NaN maps to 0.
func Clamp01(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
