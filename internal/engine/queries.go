package engine

import (
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

const recentFlagLimit = 5

// RiskHistory summarizes what the engine holds for one entity.
type RiskHistory struct {
	EntityID string `json:"entityId"`
	history.Counts
	FlagCount   int                    `json:"flagCount"`
	IsBlocked   bool                   `json:"isBlocked"`
	Baseline    map[string]float64     `json:"baseline"`
	RecentFlags []*domain.FlagDecision `json:"recentFlags"`
}

// RiskHistory returns an entity's history counts, baseline and newest flags.
func (e *Engine) RiskHistory(entityID string) RiskHistory {
	unlock := e.locks.lock(entityID)
	defer unlock()

	store := e.flagger.Store()

	out := RiskHistory{
		EntityID:    entityID,
		Counts:      e.history.Counts(entityID),
		FlagCount:   store.EntityFlagCount(entityID),
		IsBlocked:   store.IsBlocked(entityID),
		Baseline:    map[string]float64{},
		RecentFlags: []*domain.FlagDecision{},
	}
	if b, ok := e.extractor.Baselines().Get(entityID); ok {
		out.Baseline = b.Values
	}

	flags := store.EntityFlags(entityID, true)
	for i := len(flags) - 1; i >= 0 && len(out.RecentFlags) < recentFlagLimit; i-- {
		out.RecentFlags = append(out.RecentFlags, flags[i])
	}
	return out
}

// StorageStats summarizes retained history.
type StorageStats struct {
	TrackedEntities int `json:"trackedEntities"`
	Baselines       int `json:"baselines"`
	history.Counts
}

// Statistics is the engine-wide summary.
type Statistics struct {
	Detectors   []scoring.DetectorInfo `json:"detectors"`
	Rules       int                    `json:"rules"`
	Escalations []string               `json:"escalations"`
	Storage     StorageStats           `json:"storage"`
	Flagging    domain.FlagStatistics  `json:"flagging"`
}

// Statistics returns detector registrations, escalating detectors, storage
// totals and flag counts.
func (e *Engine) Statistics() Statistics {
	return Statistics{
		Detectors:   e.registry.All(),
		Rules:       e.rules.RulesCount(),
		Escalations: e.flagger.EscalationDetectors(),
		Storage: StorageStats{
			TrackedEntities: e.history.Len(),
			Baselines:       e.extractor.Baselines().Len(),
			Counts:          e.history.Totals(),
		},
		Flagging: e.flagger.Store().Statistics(),
	}
}
