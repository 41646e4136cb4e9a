// Package flagging turns risk scores into time-bounded flag decisions and
// keeps the flag store and active-block registry.
package flagging

import (
	"context"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Store holds flag decisions in memory with an optional durable
// write-through. Returned decisions are copies.
type Store struct {
	mu       sync.RWMutex
	flags    map[string]*domain.FlagDecision
	byEntity map[string][]string
	blocks   map[string]string // entity -> flag id
	repo     domain.FlagRepository
	now      func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRepository enables write-through to repo.
func WithRepository(repo domain.FlagRepository) StoreOption {
	return func(s *Store) {
		s.repo = repo
	}
}

// WithClock overrides the store's clock.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		flags:    make(map[string]*domain.FlagDecision),
		byEntity: make(map[string][]string),
		blocks:   make(map[string]string),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func clone(d *domain.FlagDecision) *domain.FlagDecision {
	c := *d
	c.TriggeredDetectors = append([]string(nil), d.TriggeredDetectors...)
	c.Reasons = append([]string(nil), d.Reasons...)
	if d.ExpiresAt != nil {
		exp := *d.ExpiresAt
		c.ExpiresAt = &exp
	}
	if d.Metadata != nil {
		c.Metadata = maps.Clone(d.Metadata)
	}
	return &c
}

// Add stores a decision. BLOCK and SUSPEND replace the entity's active block.
func (s *Store) Add(ctx context.Context, d *domain.FlagDecision) {
	stored := clone(d)

	s.mu.Lock()
	s.insert(stored)
	blocking := stored.Action.IsBlocking()
	if blocking {
		s.blocks[stored.EntityID] = stored.FlagID
	}
	metrics.ActiveBlocks.Set(float64(len(s.blocks)))
	s.mu.Unlock()

	if s.repo == nil {
		return
	}
	if err := s.repo.SaveFlag(ctx, stored); err != nil {
		slog.Warn("flag write-through failed",
			"flag_id", stored.FlagID,
			"entity_id", stored.EntityID,
			"error", err,
		)
	}
	if blocking {
		if err := s.repo.SetActiveBlock(ctx, stored.EntityID, stored.FlagID); err != nil {
			slog.Warn("active block write-through failed",
				"flag_id", stored.FlagID,
				"entity_id", stored.EntityID,
				"error", err,
			)
		}
	}
}

// insert requires s.mu held for writing.
func (s *Store) insert(d *domain.FlagDecision) {
	if _, exists := s.flags[d.FlagID]; !exists {
		s.byEntity[d.EntityID] = append(s.byEntity[d.EntityID], d.FlagID)
	}
	s.flags[d.FlagID] = d
}

// Get returns a flag by id.
func (s *Store) Get(flagID string) (*domain.FlagDecision, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.flags[flagID]
	if !ok {
		return nil, false
	}
	return clone(d), true
}

// EntityFlags returns an entity's flags oldest first. Expired flags are
// omitted unless includeExpired is set.
func (s *Store) EntityFlags(entityID string, includeExpired bool) []*domain.FlagDecision {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byEntity[entityID]
	out := make([]*domain.FlagDecision, 0, len(ids))
	for _, id := range ids {
		d := s.flags[id]
		if !includeExpired && d.IsExpired(now) {
			continue
		}
		out = append(out, clone(d))
	}
	return out
}

// EntityFlagCount returns how many flags are stored for an entity.
func (s *Store) EntityFlagCount(entityID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byEntity[entityID])
}

// IsBlocked reports whether the entity has an unexpired active block. An
// expired block is evicted.
func (s *Store) IsBlocked(entityID string) bool {
	_, ok := s.ActiveBlock(entityID)
	return ok
}

// ActiveBlock returns the decision behind the entity's active block.
func (s *Store) ActiveBlock(entityID string) (*domain.FlagDecision, bool) {
	now := s.now()

	s.mu.RLock()
	id, ok := s.blocks[entityID]
	var d *domain.FlagDecision
	if ok {
		d = s.flags[id]
	}
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if d == nil || d.IsExpired(now) {
		s.evictBlock(entityID, id)
		return nil, false
	}
	return clone(d), true
}

// evictBlock drops entityID's block if it still points at flagID.
func (s *Store) evictBlock(entityID, flagID string) {
	s.mu.Lock()
	if s.blocks[entityID] == flagID {
		delete(s.blocks, entityID)
	}
	metrics.ActiveBlocks.Set(float64(len(s.blocks)))
	s.mu.Unlock()
}

// RemoveBlock lifts an entity's active block. The flag itself is kept. It
// returns false when no block existed.
func (s *Store) RemoveBlock(ctx context.Context, entityID string) bool {
	s.mu.Lock()
	_, ok := s.blocks[entityID]
	delete(s.blocks, entityID)
	metrics.ActiveBlocks.Set(float64(len(s.blocks)))
	s.mu.Unlock()

	if !ok {
		return false
	}
	if s.repo != nil {
		if err := s.repo.DeleteActiveBlock(ctx, entityID); err != nil {
			slog.Warn("active block removal write-through failed",
				"entity_id", entityID,
				"error", err,
			)
		}
	}
	return true
}

// ActiveBlocks returns every unexpired active block keyed by entity.
// Expired blocks are purged.
func (s *Store) ActiveBlocks() map[string]*domain.FlagDecision {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*domain.FlagDecision, len(s.blocks))
	for entityID, id := range s.blocks {
		d, ok := s.flags[id]
		if !ok || d.IsExpired(now) {
			delete(s.blocks, entityID)
			continue
		}
		out[entityID] = clone(d)
	}
	metrics.ActiveBlocks.Set(float64(len(s.blocks)))
	return out
}

// FlagsByAction returns stored flags with the given action, newest first.
func (s *Store) FlagsByAction(action domain.FlagAction) []*domain.FlagDecision {
	s.mu.RLock()
	out := make([]*domain.FlagDecision, 0)
	for _, d := range s.flags {
		if d.Action == action {
			out = append(out, clone(d))
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	return out
}

// RecentFlags returns flags issued within the last hours, newest first,
// capped at limit when limit > 0.
func (s *Store) RecentFlags(hours float64, limit int) []*domain.FlagDecision {
	cutoff := s.now().Add(-time.Duration(hours * float64(time.Hour)))

	s.mu.RLock()
	out := make([]*domain.FlagDecision, 0)
	for _, d := range s.flags {
		if !d.Timestamp.Before(cutoff) {
			out = append(out, clone(d))
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortNewestFirst(flags []*domain.FlagDecision) {
	sort.Slice(flags, func(i, j int) bool {
		if flags[i].Timestamp.Equal(flags[j].Timestamp) {
			return flags[i].FlagID > flags[j].FlagID
		}
		return flags[i].Timestamp.After(flags[j].Timestamp)
	})
}

// ClearExpired removes every expired flag and any block pointing at one.
// It returns the number of flags removed.
func (s *Store) ClearExpired(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	removed := 0
	for id, d := range s.flags {
		if !d.IsExpired(now) {
			continue
		}
		delete(s.flags, id)
		removed++
		if s.blocks[d.EntityID] == id {
			delete(s.blocks, d.EntityID)
		}
	}
	if removed > 0 {
		for entityID, ids := range s.byEntity {
			kept := ids[:0]
			for _, id := range ids {
				if _, ok := s.flags[id]; ok {
					kept = append(kept, id)
				}
			}
			if len(kept) == 0 {
				delete(s.byEntity, entityID)
			} else {
				s.byEntity[entityID] = kept
			}
		}
	}
	metrics.ActiveBlocks.Set(float64(len(s.blocks)))
	s.mu.Unlock()

	if s.repo != nil {
		if _, err := s.repo.DeleteExpiredFlags(ctx, now); err != nil {
			slog.Warn("expired flag purge write-through failed", "error", err)
		}
	}
	return removed
}

// Statistics summarizes stored flags by action and risk level.
func (s *Store) Statistics() domain.FlagStatistics {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.FlagStatistics{
		TotalFlags:      len(s.flags),
		ByAction:        make(map[domain.FlagAction]int),
		ByRiskLevel:     make(map[domain.RiskLevel]int),
		FlaggedEntities: len(s.byEntity),
	}
	for _, d := range s.flags {
		stats.ByAction[d.Action]++
		stats.ByRiskLevel[d.RiskLevel]++
	}
	for _, id := range s.blocks {
		if d, ok := s.flags[id]; ok && !d.IsExpired(now) {
			stats.ActiveBlocks++
		}
	}
	return stats
}

// Restore loads unexpired flags and active blocks from the repository.
func (s *Store) Restore(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	now := s.now()

	flags, err := s.repo.ListActiveFlags(ctx, now)
	if err != nil {
		return 0, err
	}
	blocks, err := s.repo.ListActiveBlocks(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range flags {
		s.insert(clone(d))
	}
	for entityID, flagID := range blocks {
		if d, ok := s.flags[flagID]; ok && !d.IsExpired(now) {
			s.blocks[entityID] = flagID
		}
	}
	metrics.ActiveBlocks.Set(float64(len(s.blocks)))
	return len(flags), nil
}
