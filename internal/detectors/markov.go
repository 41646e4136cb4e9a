package detectors

import (
	"math"
	"sync"
)

// DefaultTransitionFloor is the probability assigned to unseen transitions.
const DefaultTransitionFloor = 1e-10

// TransitionTable is a first-order Markov model over action sequences.
type TransitionTable struct {
	mu     sync.RWMutex
	counts map[string]map[string]int
	totals map[string]int
	floor  float64
}

// NewTransitionTable creates an empty table. floor <= 0 uses DefaultTransitionFloor.
func NewTransitionTable(floor float64) *TransitionTable {
	if floor <= 0 {
		floor = DefaultTransitionFloor
	}
	return &TransitionTable{
		counts: make(map[string]map[string]int),
		totals: make(map[string]int),
		floor:  floor,
	}
}

// Observe counts every consecutive pair in actions.
func (t *TransitionTable) Observe(actions []string) {
	if len(actions) < 2 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := 1; i < len(actions); i++ {
		from, to := actions[i-1], actions[i]
		row, ok := t.counts[from]
		if !ok {
			row = make(map[string]int)
			t.counts[from] = row
		}
		row[to]++
		t.totals[from]++
	}
}

// Probability returns P(to | from), or 0 if from was never observed.
func (t *TransitionTable) Probability(from, to string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.probability(from, to)
}

func (t *TransitionTable) probability(from, to string) float64 {
	total := t.totals[from]
	if total == 0 {
		return 0
	}
	return float64(t.counts[from][to]) / float64(total)
}

// SequenceLogProbability sums log P over consecutive pairs, flooring unseen
// transitions. Sequences shorter than two actions return 0.
func (t *TransitionTable) SequenceLogProbability(actions []string) float64 {
	if len(actions) < 2 {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	logp := 0.0
	for i := 1; i < len(actions); i++ {
		p := t.probability(actions[i-1], actions[i])
		logp += math.Log(math.Max(p, t.floor))
	}
	return logp
}

// States returns the number of distinct source actions.
func (t *TransitionTable) States() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.totals)
}
