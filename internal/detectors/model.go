package detectors

import (
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// ModelConfig controls online retraining of an optional outlier model.
type ModelConfig struct {
	BufferSize      int `json:"bufferSize" koanf:"buffer_size"`
	RetrainInterval int `json:"retrainInterval" koanf:"retrain_interval"`
	MinSamples      int `json:"minSamples" koanf:"min_samples"`
}

// DefaultModelConfig keeps 5000 vectors and retrains every 100 once 100 exist.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		BufferSize:      5000,
		RetrainInterval: 100,
		MinSamples:      100,
	}
}

// modelTrainer buffers feature vectors and periodically refits a scorer.
// Callers hold the owning detector's lock.
type modelTrainer struct {
	cfg        ModelConfig
	scorer     domain.OutlierScorer
	buffer     [][]float64
	next       int
	sinceTrain int
	trained    bool
	fits       int
}

func newModelTrainer(cfg ModelConfig, scorer domain.OutlierScorer) *modelTrainer {
	def := DefaultModelConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.RetrainInterval <= 0 {
		cfg.RetrainInterval = def.RetrainInterval
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	return &modelTrainer{cfg: cfg, scorer: scorer}
}

// score returns the model score, or false when no model is available.
func (m *modelTrainer) score(vec []float64) (float64, bool) {
	if m.scorer == nil || !m.trained {
		return 0, false
	}
	return domain.Clamp01(m.scorer.Score(vec)), true
}

// observe buffers vec and refits when enough new samples have arrived.
func (m *modelTrainer) observe(detector string, vec []float64) {
	if m.scorer == nil {
		return
	}
	if len(m.buffer) < m.cfg.BufferSize {
		m.buffer = append(m.buffer, vec)
	} else {
		m.buffer[m.next] = vec
		m.next = (m.next + 1) % m.cfg.BufferSize
	}
	m.sinceTrain++

	if len(m.buffer) < m.cfg.MinSamples {
		return
	}
	if m.trained && m.sinceTrain < m.cfg.RetrainInterval {
		return
	}

	training := make([][]float64, len(m.buffer))
	copy(training, m.buffer)
	if err := m.scorer.Fit(training); err != nil {
		slog.Warn("outlier model fit failed",
			"detector", detector,
			"samples", len(training),
			"error", err,
		)
		return
	}
	m.trained = true
	m.sinceTrain = 0
	m.fits++
	metrics.OutlierRetrains.WithLabelValues(detector).Inc()
	slog.Debug("outlier model retrained", "detector", detector, "samples", len(training))
}
