// Package engine orchestrates history, feature extraction, detection,
// scoring and flagging for each analysis call.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/detectors"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/flagging"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/outlier"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("kestrel-engine")

// BlockRemovedHook observes a lifted active block.
type BlockRemovedHook func(ctx context.Context, entityID string)

// Engine is the fraud engine. Create one per process and share it.
type Engine struct {
	cfg Config
	now func() time.Time

	history   *history.Store
	extractor *features.Extractor
	registry  *scoring.Registry
	scorer    *scoring.Engine
	flagger   *flagging.Flagger

	behavior    *detectors.BehaviorPatternDetector
	transaction *detectors.TransactionMonitor
	rules       *rules.Engine

	locks        *entityLocks
	blockRemoved []BlockRemovedHook
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// OnBlockRemoved registers a hook run after RemoveBlock lifts a block.
func OnBlockRemoved(h BlockRemovedHook) Option {
	return func(e *Engine) {
		e.blockRemoved = append(e.blockRemoved, h)
	}
}

// New builds the engine and registers the built-in detectors. Flags are
// kept in store.
func New(cfg Config, store *flagging.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		store = flagging.NewStore()
	}
	if cfg.TravelWindow <= 0 {
		cfg.TravelWindow = DefaultConfig().TravelWindow
	}

	e := &Engine{
		cfg:       cfg,
		now:       time.Now,
		history:   history.NewStore(cfg.HistoryCapacity),
		extractor: features.NewExtractor(cfg.Features),
		registry:  scoring.NewRegistry(),
		flagger:   flagging.NewFlagger(cfg.Flagging, store),
		locks:     newEntityLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.scorer = scoring.NewEngine(cfg.Scoring, e.registry)

	var anomalyScorer, botScorer domain.OutlierScorer
	if cfg.Outlier.Enabled {
		anomalyScorer = outlier.New(cfg.Outlier.Forest)
		botCfg := cfg.Outlier.Forest
		botCfg.Seed++
		botScorer = outlier.New(botCfg)
	}

	ruleEngine, err := rules.NewEngine(0)
	if err != nil {
		return nil, err
	}
	if err := ruleEngine.LoadRules(cfg.Rules); err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	e.behavior = detectors.NewBehaviorPatternDetector(cfg.Detectors.Behavior)
	e.transaction = detectors.NewTransactionMonitor(cfg.Detectors.Transaction)
	e.rules = ruleEngine

	builtins := []domain.Detector{
		detectors.NewAnomalyDetector(cfg.Detectors.Anomaly, anomalyScorer),
		e.behavior,
		e.transaction,
		detectors.NewBotDetector(cfg.Detectors.Bot, botScorer),
		ruleEngine,
	}
	for _, d := range builtins {
		settings, ok := cfg.Detectors.Settings[d.Name()]
		if !ok {
			settings = DetectorSettings{Weight: 1.0, Enabled: true}
		}
		if err := e.registry.Register(d, settings.Weight, settings.Enabled); err != nil {
			return nil, fmt.Errorf("failed to register detector %s: %w", d.Name(), err)
		}
	}

	slog.Info("fraud engine initialized",
		"detectors", e.registry.Len(),
		"rules", ruleEngine.RulesCount(),
		"outlier_model", cfg.Outlier.Enabled,
		"history_capacity", cfg.HistoryCapacity,
	)
	return e, nil
}

// Flagger returns the engine's flagger.
func (e *Engine) Flagger() *flagging.Flagger {
	return e.flagger
}

// Flags returns the flag store.
func (e *Engine) Flags() *flagging.Store {
	return e.flagger.Store()
}

// Rules returns the custom rule detector.
func (e *Engine) Rules() *rules.Engine {
	return e.rules
}

// OnDecision registers a callback for stored flag decisions.
func (e *Engine) OnDecision(cb flagging.Callback) {
	e.flagger.OnDecision(cb)
}

// ConfigureDetector updates a detector's weight and/or enabled state. It
// returns false when the detector is unknown or the weight is negative.
func (e *Engine) ConfigureDetector(name string, weight *float64, enabled *bool) bool {
	ok := e.registry.Configure(name, weight, enabled)
	if ok {
		info, _ := e.registry.Get(name)
		slog.Info("detector configured",
			"detector", name,
			"weight", info.Weight,
			"enabled", info.Enabled,
		)
	}
	return ok
}

// Detector returns a registered detector's settings.
func (e *Engine) Detector(name string) (scoring.DetectorInfo, bool) {
	return e.registry.Get(name)
}

// ClearUserData drops an entity's signal history. Flags, blocks and the
// EMA baseline are kept. It reports whether any history existed.
func (e *Engine) ClearUserData(entityID string) bool {
	unlock := e.locks.lock(entityID)
	defer unlock()

	ok := e.history.Delete(entityID)
	metrics.TrackedEntities.Set(float64(e.history.Len()))
	return ok
}

// RemoveBlock lifts an entity's active block.
func (e *Engine) RemoveBlock(ctx context.Context, entityID string) bool {
	if !e.flagger.Store().RemoveBlock(ctx, entityID) {
		return false
	}
	slog.Info("active block removed", "entity_id", entityID)
	for _, h := range e.blockRemoved {
		h(ctx, entityID)
	}
	return true
}

// CreateManualFlag stores an operator decision for an entity.
func (e *Engine) CreateManualFlag(ctx context.Context, entityID string, action domain.FlagAction, reason string, entityType domain.EntityType, expiresHours *float64) (*domain.FlagDecision, error) {
	return e.flagger.CreateManualFlag(ctx, entityID, action, reason, entityType, expiresHours)
}

// EntityFlags returns an entity's flags.
func (e *Engine) EntityFlags(entityID string, includeExpired bool) []*domain.FlagDecision {
	return e.flagger.Store().EntityFlags(entityID, includeExpired)
}

// IsBlocked reports whether an entity has an active block.
func (e *Engine) IsBlocked(entityID string) bool {
	return e.flagger.Store().IsBlocked(entityID)
}

// RecentFlags returns flags from the last hours, newest first.
func (e *Engine) RecentFlags(hours float64, limit int) []*domain.FlagDecision {
	return e.flagger.Store().RecentFlags(hours, limit)
}

// ActiveBlocks returns every unexpired active block.
func (e *Engine) ActiveBlocks() map[string]*domain.FlagDecision {
	return e.flagger.Store().ActiveBlocks()
}

// SweepExpired purges expired flags.
func (e *Engine) SweepExpired(ctx context.Context) int {
	n := e.flagger.Store().ClearExpired(ctx)
	if n > 0 {
		slog.Info("expired flags cleared", "count", n)
	}
	return n
}

// Run sweeps expired flags every SweepInterval until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultConfig().SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SweepExpired(ctx)
		}
	}
}
