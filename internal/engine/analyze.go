package engine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/detectors"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"go.opentelemetry.io/otel/attribute"
)

// Result is the outcome of one analysis call. Decision is nil when
// auto-flagging is disabled.
type Result struct {
	Score    domain.FraudScore    `json:"score"`
	Decision *domain.FlagDecision `json:"decision,omitempty"`
}

// batch holds the signals submitted with one analysis call.
type batch struct {
	events   []domain.UserEvent
	txs      []domain.Transaction
	behavior []domain.BehaviorEvent
}

func (b batch) empty() bool {
	return len(b.events) == 0 && len(b.txs) == 0 && len(b.behavior) == 0
}

func resolveEntity(path, signal string) (string, error) {
	if path != "" {
		return path, nil
	}
	if signal != "" {
		return signal, nil
	}
	return "", fmt.Errorf("%w: entity id is required", domain.ErrInvalidSignal)
}

// SubmitEvent records a platform event and re-scores the player.
func (e *Engine) SubmitEvent(ctx context.Context, entityID string, ev domain.UserEvent) (*Result, error) {
	id, err := resolveEntity(entityID, ev.EntityID)
	if err != nil {
		return nil, err
	}
	ev.EntityID = id
	return e.AnalyzeUser(ctx, id, ev)
}

// SubmitTransaction records a transaction and scores it.
func (e *Engine) SubmitTransaction(ctx context.Context, entityID string, tx domain.Transaction) (*Result, error) {
	id, err := resolveEntity(entityID, tx.EntityID)
	if err != nil {
		return nil, err
	}
	tx.EntityID = id
	return e.AnalyzeTransaction(ctx, tx)
}

// SubmitBehavior records a batch of in-game actions and scores them.
func (e *Engine) SubmitBehavior(ctx context.Context, entityID string, events ...domain.BehaviorEvent) (*Result, error) {
	if entityID == "" && len(events) > 0 {
		entityID = events[0].EntityID
	}
	id, err := resolveEntity(entityID, "")
	if err != nil {
		return nil, err
	}
	return e.AnalyzeBehavior(ctx, id, events)
}

// AnalyzeUser appends any events and scores the player's whole history.
func (e *Engine) AnalyzeUser(ctx context.Context, entityID string, events ...domain.UserEvent) (*Result, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity id is required", domain.ErrInvalidSignal)
	}
	events = slices.Clone(events)
	now := e.now()
	for i := range events {
		events[i].EntityID = entityID
		if events[i].ID == "" {
			events[i].ID = uuid.New().String()
		}
		if events[i].Timestamp.IsZero() {
			events[i].Timestamp = now
		}
	}
	return e.analyze(ctx, entityID, domain.EntityPlayer, batch{events: events}), nil
}

// AnalyzeTransaction appends tx to its entity's history and scores it,
// including the impossible-travel check over recent transactions.
func (e *Engine) AnalyzeTransaction(ctx context.Context, tx domain.Transaction) (*Result, error) {
	if tx.EntityID == "" {
		return nil, fmt.Errorf("%w: entity id is required", domain.ErrInvalidSignal)
	}
	if tx.Amount < 0 {
		return nil, fmt.Errorf("%w: amount must be non-negative", domain.ErrInvalidSignal)
	}
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = e.now()
	}
	return e.analyze(ctx, tx.EntityID, domain.EntityTransaction, batch{txs: []domain.Transaction{tx}}), nil
}

// AnalyzeBehavior appends behavior events and scores the entity's
// behavior stream.
func (e *Engine) AnalyzeBehavior(ctx context.Context, entityID string, events []domain.BehaviorEvent) (*Result, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity id is required", domain.ErrInvalidSignal)
	}
	events = slices.Clone(events)
	now := e.now()
	for i := range events {
		events[i].EntityID = entityID
		if events[i].ID == "" {
			events[i].ID = uuid.New().String()
		}
		if events[i].Timestamp.IsZero() {
			events[i].Timestamp = now
		}
	}
	return e.analyze(ctx, entityID, domain.EntityBehavior, batch{behavior: events}), nil
}

func (e *Engine) analyze(ctx context.Context, entityID string, entityType domain.EntityType, b batch) *Result {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "engine.analyze")
	defer span.End()
	span.SetAttributes(
		attribute.String("entity.id", entityID),
		attribute.String("entity.type", string(entityType)),
	)

	unlock := e.locks.lock(entityID)
	defer unlock()

	ref := e.now()
	ent, _ := e.history.Entity(entityID, !b.empty())
	if ent != nil {
		for _, ev := range b.events {
			ent.Events.Push(ev)
			ref = later(ref, ev.Timestamp)
		}
		for _, tx := range b.txs {
			ent.Transactions.Push(tx)
			ref = later(ref, tx.Timestamp)
		}
		for _, be := range b.behavior {
			ent.Behavior.Push(be)
			ref = later(ref, be.Timestamp)
		}
	}

	var events []domain.UserEvent
	var txs []domain.Transaction
	var behavior []domain.BehaviorEvent
	if ent != nil {
		events = ent.Events.Items()
		txs = ent.Transactions.Items()
		behavior = ent.Behavior.Items()
	}

	f := e.extractor.Extract(entityID, events, txs, behavior, ref)
	results := e.scorer.RunDetectors(f)
	score := e.scorer.CalculateRiskScore(results, entityID, entityType)
	score.Timestamp = e.now().UTC()

	if entityType == domain.EntityTransaction && ent != nil {
		e.applyTravel(&score, ent)
		e.transaction.ObserveAmount(f.Get(domain.FeatAvgTxAmount))
	}
	if entityType == domain.EntityBehavior && len(b.behavior) > 1 {
		e.scoreSequence(&score, b.behavior)
	}

	res := &Result{Score: score}
	if e.cfg.FlaggingEnabled {
		res.Decision = e.flagger.Evaluate(ctx, score, true)
	}

	e.extractor.UpdateBaseline(entityID, f)

	metrics.ObserveAnalysis(string(entityType), score.OverallScore, time.Since(start))
	metrics.TrackedEntities.Set(float64(e.history.Len()))

	span.SetAttributes(
		attribute.Float64("risk.score", score.OverallScore),
		attribute.String("risk.level", string(score.RiskLevel)),
	)
	if res.Decision != nil {
		span.SetAttributes(attribute.String("flag.action", string(res.Decision.Action)))
	}
	return res
}

// applyTravel runs the impossible-travel check over the newest transactions
// and raises the overall score when it fires.
func (e *Engine) applyTravel(score *domain.FraudScore, ent *history.Entity) {
	travel := e.transaction.CheckImpossibleTravel(ent.Transactions.Last(e.cfg.TravelWindow))
	if travel.Score <= 0 {
		return
	}
	metrics.DetectorScore.WithLabelValues(detectors.NameTravel).Observe(travel.Score)

	score.DetectorResults = append(score.DetectorResults, travel)
	if travel.Score > score.OverallScore {
		score.OverallScore = travel.Score
		score.RiskLevel = e.scorer.ClassifyRisk(travel.Score)
	}
	if score.Metadata == nil {
		score.Metadata = map[string]any{}
	}
	score.Metadata["impossible_travel"] = true
}

// scoreSequence records how likely the submitted action sequence is under
// the learned transition table, then trains the table on it.
func (e *Engine) scoreSequence(score *domain.FraudScore, events []domain.BehaviorEvent) {
	ordered := slices.Clone(events)
	slices.SortStableFunc(ordered, func(a, b domain.BehaviorEvent) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	actions := make([]string, len(ordered))
	for i, ev := range ordered {
		actions[i] = ev.Action
	}

	table := e.behavior.Transitions()
	if table.States() > 0 {
		logp := table.SequenceLogProbability(actions)
		if score.Metadata == nil {
			score.Metadata = map[string]any{}
		}
		score.Metadata["sequence_log_probability"] = logp
		score.Metadata["sequence_avg_log_probability"] = logp / float64(len(actions)-1)
	}
	e.behavior.ObserveSequence(actions)
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
