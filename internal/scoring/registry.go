package scoring

import (
	"fmt"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DetectorInfo is a snapshot of a registered detector's settings.
type DetectorInfo struct {
	Name    string  `json:"name"`
	Weight  float64 `json:"weight"`
	Enabled bool    `json:"enabled"`
}

// Entry pairs a detector with its ensemble weight.
type Entry struct {
	Detector domain.Detector
	Weight   float64
}

type registration struct {
	detector domain.Detector
	weight   float64
	enabled  bool
}

// Registry holds detectors in registration order.
type Registry struct {
	mu      sync.RWMutex
	entries []*registration
	index   map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// Register adds a detector. Names must be unique and weights non-negative.
func (r *Registry) Register(d domain.Detector, weight float64, enabled bool) error {
	if d == nil {
		return fmt.Errorf("detector is required")
	}
	if weight < 0 {
		return fmt.Errorf("detector %s: weight must be non-negative, got %v", d.Name(), weight)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := d.Name()
	if _, ok := r.index[name]; ok {
		return fmt.Errorf("detector %s already registered", name)
	}
	r.index[name] = len(r.entries)
	r.entries = append(r.entries, &registration{detector: d, weight: weight, enabled: enabled})
	return nil
}

// Configure updates a detector's weight and/or enabled flag. It returns
// false when the name is unknown or the weight is negative.
func (r *Registry) Configure(name string, weight *float64, enabled *bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[name]
	if !ok {
		return false
	}
	if weight != nil && *weight < 0 {
		return false
	}
	if weight != nil {
		r.entries[i].weight = *weight
	}
	if enabled != nil {
		r.entries[i].enabled = *enabled
	}
	return true
}

// Get returns the settings of one detector.
func (r *Registry) Get(name string) (DetectorInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[name]
	if !ok {
		return DetectorInfo{}, false
	}
	e := r.entries[i]
	return DetectorInfo{Name: name, Weight: e.weight, Enabled: e.enabled}, true
}

// Weight returns the detector's weight, or 1.0 for unregistered names.
func (r *Registry) Weight(name string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i, ok := r.index[name]; ok {
		return r.entries[i].weight
	}
	return 1.0
}

// Enabled returns the enabled detectors in registration order.
func (r *Registry) Enabled() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.enabled {
			out = append(out, Entry{Detector: e.detector, Weight: e.weight})
		}
	}
	return out
}

// All returns every detector's settings in registration order.
func (r *Registry) All() []DetectorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]DetectorInfo, len(r.entries))
	for i, e := range r.entries {
		out[i] = DetectorInfo{Name: e.detector.Name(), Weight: e.weight, Enabled: e.enabled}
	}
	return out
}

// Len returns the number of registered detectors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
