package history

import (
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultCapacity is the per-stream history cap.
const DefaultCapacity = 1000

// Entity is one entity's signal history.
type Entity struct {
	Events       *Ring[domain.UserEvent]
	Transactions *Ring[domain.Transaction]
	Behavior     *Ring[domain.BehaviorEvent]
}

// Counts summarizes an entity's stored history.
type Counts struct {
	Events       int `json:"eventCount"`
	Transactions int `json:"transactionCount"`
	Behavior     int `json:"behaviorEventCount"`
}

// Store maps entity ids to their history. Rings lock themselves; callers
// that need a consistent view across one entity's rings serialize on it.
type Store struct {
	mu       sync.RWMutex
	capacity int
	entities map[string]*Entity
}

// NewStore creates a store whose rings hold capacity records each.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{capacity: capacity, entities: make(map[string]*Entity)}
}

// Entity returns the entity's history, creating it when create is set.
func (s *Store) Entity(entityID string, create bool) (*Entity, bool) {
	s.mu.RLock()
	e, ok := s.entities[entityID]
	s.mu.RUnlock()
	if ok || !create {
		return e, ok
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entities[entityID]; ok {
		return e, true
	}
	e = &Entity{
		Events:       NewRing[domain.UserEvent](s.capacity),
		Transactions: NewRing[domain.Transaction](s.capacity),
		Behavior:     NewRing[domain.BehaviorEvent](s.capacity),
	}
	s.entities[entityID] = e
	return e, true
}

// Counts returns the stored record counts for an entity.
func (s *Store) Counts(entityID string) Counts {
	e, ok := s.Entity(entityID, false)
	if !ok {
		return Counts{}
	}
	return Counts{
		Events:       e.Events.Len(),
		Transactions: e.Transactions.Len(),
		Behavior:     e.Behavior.Len(),
	}
}

// Delete drops an entity's history and reports whether it existed.
func (s *Store) Delete(entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entities[entityID]
	delete(s.entities, entityID)
	return ok
}

// Len returns the number of tracked entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// Totals sums record counts across every entity.
func (s *Store) Totals() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c Counts
	for _, e := range s.entities {
		c.Events += e.Events.Len()
		c.Transactions += e.Transactions.Len()
		c.Behavior += e.Behavior.Len()
	}
	return c
}
