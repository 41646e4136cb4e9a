package features

import (
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Baseline is one entity's exponential moving average over its features.
type Baseline struct {
	Values  map[string]float64 `json:"values"`
	Updates int                `json:"updates"`
}

// BaselineStore keeps per-entity EMA baselines.
type BaselineStore struct {
	mu        sync.RWMutex
	alpha     float64
	baselines map[string]*Baseline
}

// NewBaselineStore creates a store with smoothing factor alpha in (0,1].
func NewBaselineStore(alpha float64) *BaselineStore {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.1
	}
	return &BaselineStore{
		alpha:     alpha,
		baselines: make(map[string]*Baseline),
	}
}

// Update folds a feature map into the entity's baseline. The first
// observation of a feature seeds the baseline with its value.
func (s *BaselineStore) Update(entityID string, f domain.Features) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.baselines[entityID]
	if !ok {
		b = &Baseline{Values: make(map[string]float64, len(f))}
		s.baselines[entityID] = b
	}
	for k, v := range f {
		if domain.IsBaselineKey(k) {
			continue
		}
		prev, seen := b.Values[k]
		if !seen {
			b.Values[k] = v
			continue
		}
		b.Values[k] = s.alpha*v + (1-s.alpha)*prev
	}
	b.Updates++
}

// Get returns a copy of the entity's baseline.
func (s *BaselineStore) Get(entityID string) (Baseline, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.baselines[entityID]
	if !ok {
		return Baseline{}, false
	}
	values := make(map[string]float64, len(b.Values))
	for k, v := range b.Values {
		values[k] = v
	}
	return Baseline{Values: values, Updates: b.Updates}, true
}

// Delete drops the entity's baseline.
func (s *BaselineStore) Delete(entityID string) {
	s.mu.Lock()
	delete(s.baselines, entityID)
	s.mu.Unlock()
}

// Len returns the number of entities with a baseline.
func (s *BaselineStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.baselines)
}

// attach copies baseline values for features present in f under the
// baseline prefix.
func (s *BaselineStore) attach(entityID string, f domain.Features) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.baselines[entityID]
	if !ok {
		return
	}
	for k, v := range b.Values {
		if _, present := f[k]; present {
			f[domain.BaselinePrefix+k] = v
		}
	}
}
