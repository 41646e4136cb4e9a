// Package worker consumes signal envelopes from the event bus and feeds
// them to the fraud engine.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// DefaultGroup is the queue group shared by ingestion workers.
const DefaultGroup = "kestrel-workers"

// Submitter is the part of the fraud engine the worker drives.
type Submitter interface {
	SubmitEvent(ctx context.Context, entityID string, ev domain.UserEvent) (*engine.Result, error)
	SubmitTransaction(ctx context.Context, entityID string, tx domain.Transaction) (*engine.Result, error)
	SubmitBehavior(ctx context.Context, entityID string, events ...domain.BehaviorEvent) (*engine.Result, error)
}

// Worker processes signals asynchronously from the EventBus.
type Worker struct {
	bus    domain.EventBus
	engine Submitter

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Group is the queue group; workers in one group split the signals.
	Group string

	// WorkerCount is the number of concurrent subscribers.
	WorkerCount int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, engine Submitter) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		engine: engine,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes WorkerCount handlers to the ingestion topic.
func (w *Worker) Start(cfg Config) error {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for i := 0; i < cfg.WorkerCount; i++ {
		sub, err := w.bus.Subscribe(w.ctx, domain.TopicSignalIngested, cfg.Group, w.handleMessage)
		if err != nil {
			return fmt.Errorf("failed to subscribe worker %d: %w", i, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	slog.Info("workers started",
		"topic", domain.TopicSignalIngested,
		"group", cfg.Group,
		"worker_count", cfg.WorkerCount,
	)
	return nil
}

// Enqueue validates env and publishes it for asynchronous analysis.
func Enqueue(ctx context.Context, bus domain.EventBus, env *domain.SignalEnvelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode signal: %w", err)
	}
	return bus.Publish(ctx, domain.TopicSignalIngested, payload)
}

// handleMessage decodes one envelope and submits it to the engine.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var env domain.SignalEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		metrics.IngestedSignals.WithLabelValues("unknown", "invalid").Inc()
		return fmt.Errorf("failed to parse signal %s: %w", msg.ID, err)
	}
	if err := env.Validate(); err != nil {
		metrics.IngestedSignals.WithLabelValues(env.Kind, "invalid").Inc()
		return fmt.Errorf("signal %s: %w", msg.ID, err)
	}

	res, err := w.submit(ctx, &env)
	if err != nil {
		metrics.IngestedSignals.WithLabelValues(env.Kind, "error").Inc()
		return fmt.Errorf("failed to analyze signal %s: %w", msg.ID, err)
	}
	metrics.IngestedSignals.WithLabelValues(env.Kind, "ok").Inc()

	attrs := []any{
		"message_id", msg.ID,
		"kind", env.Kind,
		"entity_id", env.EntityID,
		"score", res.Score.OverallScore,
		"risk_level", res.Score.RiskLevel,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if res.Decision != nil {
		attrs = append(attrs, "action", res.Decision.Action)
	}
	slog.Debug("signal processed", attrs...)
	return nil
}

func (w *Worker) submit(ctx context.Context, env *domain.SignalEnvelope) (*engine.Result, error) {
	switch env.Kind {
	case domain.SignalEvent:
		return w.engine.SubmitEvent(ctx, env.EntityID, *env.Event)
	case domain.SignalTransaction:
		return w.engine.SubmitTransaction(ctx, env.EntityID, *env.Transaction)
	default:
		return w.engine.SubmitBehavior(ctx, env.EntityID, *env.Behavior)
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
