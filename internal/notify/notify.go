// Package notify fans flag decisions out to the event bus and mirrors
// active blocks into the shared cache.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// BusPublisher publishes every stored flag decision.
type BusPublisher struct {
	bus domain.EventBus
}

// NewBusPublisher creates a publisher on bus.
func NewBusPublisher(bus domain.EventBus) *BusPublisher {
	return &BusPublisher{bus: bus}
}

// Publish sends d to the decision topic, and to the block topic when it
// is blocking.
func (p *BusPublisher) Publish(ctx context.Context, d *domain.FlagDecision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode flag decision: %w", err)
	}

	if err := p.bus.Publish(ctx, domain.TopicFlagDecision, payload); err != nil {
		return fmt.Errorf("failed to publish flag decision: %w", err)
	}
	if d.Action.IsBlocking() {
		if err := p.bus.Publish(ctx, domain.TopicBlockIssued, payload); err != nil {
			return fmt.Errorf("failed to publish block: %w", err)
		}
	}
	return nil
}

// BlockKey is the cache key of an entity's mirrored block.
func BlockKey(entityID string) string {
	return "block:" + entityID
}

// BlockMirror keeps blocking decisions in a cache so edge services can
// check blocks without calling the engine.
type BlockMirror struct {
	cache domain.Cache
	now   func() time.Time
}

// NewBlockMirror creates a mirror writing to cache.
func NewBlockMirror(cache domain.Cache) *BlockMirror {
	return &BlockMirror{cache: cache, now: time.Now}
}

// Mirror stores d under its entity's block key until it expires. Non-blocking
// and already-expired decisions are ignored.
func (m *BlockMirror) Mirror(ctx context.Context, d *domain.FlagDecision) error {
	if !d.Action.IsBlocking() {
		return nil
	}

	var ttl time.Duration
	if d.ExpiresAt != nil {
		ttl = d.ExpiresAt.Sub(m.now())
		if ttl <= 0 {
			return nil
		}
	}

	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode block: %w", err)
	}
	if err := m.cache.Set(ctx, BlockKey(d.EntityID), payload, ttl); err != nil {
		return fmt.Errorf("failed to mirror block for %s: %w", d.EntityID, err)
	}
	return nil
}

// Remove deletes an entity's mirrored block.
func (m *BlockMirror) Remove(ctx context.Context, entityID string) {
	if err := m.cache.Delete(ctx, BlockKey(entityID)); err != nil {
		slog.Warn("failed to remove mirrored block",
			"entity_id", entityID,
			"error", err,
		)
	}
}

// Lookup returns the mirrored block for an entity, or nil when none is cached.
func (m *BlockMirror) Lookup(ctx context.Context, entityID string) (*domain.FlagDecision, error) {
	data, err := m.cache.Get(ctx, BlockKey(entityID))
	if err != nil || data == nil {
		return nil, err
	}

	var d domain.FlagDecision
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode mirrored block: %w", err)
	}
	return &d, nil
}
