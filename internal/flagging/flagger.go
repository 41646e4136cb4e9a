package flagging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// ActionThresholds are the minimum overall scores for each action above ALLOW.
type ActionThresholds struct {
	Suspend float64 `json:"suspend" koanf:"suspend"`
	Block   float64 `json:"block" koanf:"block"`
	Review  float64 `json:"review" koanf:"review"`
}

// Action returns the most severe action whose threshold score meets.
func (t ActionThresholds) Action(score float64) domain.FlagAction {
	switch {
	case score >= t.Suspend:
		return domain.ActionSuspend
	case score >= t.Block:
		return domain.ActionBlock
	case score >= t.Review:
		return domain.ActionReview
	default:
		return domain.ActionAllow
	}
}

// For returns the threshold of an action; ALLOW is 0.
func (t ActionThresholds) For(a domain.FlagAction) float64 {
	switch a {
	case domain.ActionSuspend:
		return t.Suspend
	case domain.ActionBlock:
		return t.Block
	case domain.ActionReview:
		return t.Review
	default:
		return 0
	}
}

// ExpiryHours is how long each action stays in force. Zero never expires.
type ExpiryHours struct {
	Review  float64 `json:"review" koanf:"review"`
	Block   float64 `json:"block" koanf:"block"`
	Suspend float64 `json:"suspend" koanf:"suspend"`
}

// For returns the expiry of an action; ALLOW never expires.
func (e ExpiryHours) For(a domain.FlagAction) float64 {
	switch a {
	case domain.ActionSuspend:
		return e.Suspend
	case domain.ActionBlock:
		return e.Block
	case domain.ActionReview:
		return e.Review
	default:
		return 0
	}
}

// EscalationRule raises the action when one detector's own score is high.
type EscalationRule struct {
	Threshold  float64           `json:"threshold" koanf:"threshold"`
	EscalateTo domain.FlagAction `json:"escalateTo" koanf:"escalate_to"`
}

// Config holds flagger settings.
type Config struct {
	Thresholds  ActionThresholds          `json:"thresholds" koanf:"thresholds"`
	Expiry      ExpiryHours               `json:"expiry" koanf:"expiry"`
	Escalations map[string]EscalationRule `json:"escalations" koanf:"escalations"`

	// ReasonScoreFloor is the detector score above which it counts as triggered.
	ReasonScoreFloor float64 `json:"reasonScoreFloor" koanf:"reason_score_floor"`
	MaxReasons       int     `json:"maxReasons" koanf:"max_reasons"`
}

// DefaultConfig returns thresholds 0.9/0.75/0.4 and expiries 168/72/24h.
func DefaultConfig() Config {
	return Config{
		Thresholds: ActionThresholds{
			Suspend: 0.9,
			Block:   0.75,
			Review:  0.4,
		},
		Expiry: ExpiryHours{
			Review:  24,
			Block:   72,
			Suspend: 168,
		},
		Escalations: map[string]EscalationRule{
			"bot_detector":        {Threshold: 0.9, EscalateTo: domain.ActionBlock},
			"transaction_monitor": {Threshold: 0.9, EscalateTo: domain.ActionBlock},
			"impossible_travel":   {Threshold: 0.95, EscalateTo: domain.ActionBlock},
		},
		ReasonScoreFloor: 0.3,
		MaxReasons:       10,
	}
}

// Callback observes stored decisions. Errors and panics are logged and
// never reach the caller.
type Callback func(ctx context.Context, d *domain.FlagDecision) error

// Flagger converts fraud scores into flag decisions.
type Flagger struct {
	cfg   Config
	store *Store
	now   func() time.Time

	mu        sync.RWMutex
	callbacks []Callback
}

// NewFlagger creates a flagger writing to store.
func NewFlagger(cfg Config, store *Store) *Flagger {
	if cfg.MaxReasons <= 0 {
		cfg.MaxReasons = DefaultConfig().MaxReasons
	}
	return &Flagger{
		cfg:   cfg,
		store: store,
		now:   store.now,
	}
}

// Store returns the underlying flag store.
func (f *Flagger) Store() *Store {
	return f.store
}

// OnDecision registers a callback for stored decisions.
func (f *Flagger) OnDecision(cb Callback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, cb)
}

// Evaluate builds a decision for score. When autoFlag is set, the decision
// is stored and callbacks run.
func (f *Flagger) Evaluate(ctx context.Context, score domain.FraudScore, autoFlag bool) *domain.FlagDecision {
	action := f.cfg.Thresholds.Action(score.OverallScore)

	reasons := make([]string, 0)
	triggered := make([]string, 0)
	escalatedBy := ""
	for _, r := range score.DetectorResults {
		if r.Score <= f.cfg.ReasonScoreFloor {
			continue
		}
		triggered = append(triggered, r.DetectorName)
		for _, reason := range r.Reasons {
			if len(reasons) < f.cfg.MaxReasons {
				reasons = append(reasons, reason)
			}
		}

		rule, ok := f.cfg.Escalations[r.DetectorName]
		if ok && r.Score >= rule.Threshold && rule.EscalateTo.Severity() > action.Severity() {
			action = rule.EscalateTo
			escalatedBy = r.DetectorName
		}
	}

	now := f.now().UTC()
	d := &domain.FlagDecision{
		FlagID:             uuid.New().String(),
		EntityID:           score.EntityID,
		EntityType:         score.EntityType,
		Action:             action,
		RiskScore:          score.OverallScore,
		RiskLevel:          score.RiskLevel,
		TriggeredDetectors: triggered,
		Reasons:            reasons,
		Timestamp:          now,
		ExpiresAt:          expiry(now, f.cfg.Expiry.For(action)),
		Metadata:           map[string]any{},
	}
	if escalatedBy != "" {
		d.Metadata["escalated_by"] = escalatedBy
	}

	metrics.FlagDecisions.WithLabelValues(string(action)).Inc()

	if autoFlag {
		f.record(ctx, d)
	}
	return d
}

// CreateManualFlag stores an operator decision. expiresHours nil uses the
// action's default expiry; zero never expires.
func (f *Flagger) CreateManualFlag(ctx context.Context, entityID string, action domain.FlagAction, reason string, entityType domain.EntityType, expiresHours *float64) (*domain.FlagDecision, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity id is required", domain.ErrInvalidSignal)
	}
	if _, err := domain.ParseFlagAction(string(action)); err != nil {
		return nil, err
	}
	if entityType == "" {
		entityType = domain.EntityPlayer
	}

	hours := f.cfg.Expiry.For(action)
	if expiresHours != nil {
		if *expiresHours < 0 {
			return nil, fmt.Errorf("expiry hours must be non-negative, got %v", *expiresHours)
		}
		hours = *expiresHours
	}

	now := f.now().UTC()
	reasons := []string{}
	if reason != "" {
		reasons = append(reasons, reason)
	}
	d := &domain.FlagDecision{
		FlagID:             uuid.New().String(),
		EntityID:           entityID,
		EntityType:         entityType,
		Action:             action,
		RiskScore:          f.cfg.Thresholds.For(action),
		RiskLevel:          manualRiskLevel(action),
		TriggeredDetectors: []string{},
		Reasons:            reasons,
		Timestamp:          now,
		ExpiresAt:          expiry(now, hours),
		Metadata:           map[string]any{"manual": true},
	}

	metrics.FlagDecisions.WithLabelValues(string(action)).Inc()
	f.record(ctx, d)
	return d, nil
}

func (f *Flagger) record(ctx context.Context, d *domain.FlagDecision) {
	f.store.Add(ctx, d)

	if d.Action != domain.ActionAllow {
		slog.Info("flag decision",
			"flag_id", d.FlagID,
			"entity_id", d.EntityID,
			"action", d.Action,
			"risk_score", d.RiskScore,
			"triggered_detectors", d.TriggeredDetectors,
		)
	}

	f.mu.RLock()
	callbacks := append([]Callback(nil), f.callbacks...)
	f.mu.RUnlock()

	for _, cb := range callbacks {
		runCallback(ctx, cb, d)
	}
}

func runCallback(ctx context.Context, cb Callback, d *domain.FlagDecision) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.FlagCallbackFailures.Inc()
			slog.Warn("flag callback panicked",
				"flag_id", d.FlagID,
				"error", fmt.Sprint(rec),
			)
		}
	}()
	if err := cb(ctx, clone(d)); err != nil {
		metrics.FlagCallbackFailures.Inc()
		slog.Warn("flag callback failed",
			"flag_id", d.FlagID,
			"error", err,
		)
	}
}

func expiry(now time.Time, hours float64) *time.Time {
	if hours <= 0 {
		return nil
	}
	t := now.Add(time.Duration(hours * float64(time.Hour)))
	return &t
}

func manualRiskLevel(a domain.FlagAction) domain.RiskLevel {
	switch a {
	case domain.ActionSuspend:
		return domain.RiskCritical
	case domain.ActionBlock:
		return domain.RiskHigh
	case domain.ActionReview:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// EscalationDetectors returns the detectors with escalation rules, sorted.
func (f *Flagger) EscalationDetectors() []string {
	out := make([]string, 0, len(f.cfg.Escalations))
	for name := range f.cfg.Escalations {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
