// Package outlier provides an isolation forest for unsupervised outlier
// scoring of fixed-length feature vectors.
package outlier

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
)

// ErrNoSamples is returned when Fit receives no vectors.
var ErrNoSamples = errors.New("outlier: no training samples")

// Config controls forest construction.
type Config struct {
	Trees      int    `json:"trees" koanf:"trees"`
	SampleSize int    `json:"sampleSize" koanf:"sample_size"`
	Seed       uint64 `json:"seed" koanf:"seed"`
}

// DefaultConfig returns 100 trees over sub-samples of 256.
func DefaultConfig() Config {
	return Config{Trees: 100, SampleSize: 256, Seed: 1}
}

type node struct {
	feature     int
	split       float64
	left, right *node
	size        int
}

func (n *node) leaf() bool {
	return n.left == nil
}

// Forest is an isolation forest. A fitted forest may be scored concurrently
// with a refit.
type Forest struct {
	mu         sync.RWMutex
	cfg        Config
	rng        *rand.Rand
	trees      []*node
	dims       int
	sampleSize int
}

// New creates an unfitted forest.
func New(cfg Config) *Forest {
	def := DefaultConfig()
	if cfg.Trees <= 0 {
		cfg.Trees = def.Trees
	}
	if cfg.SampleSize <= 1 {
		cfg.SampleSize = def.SampleSize
	}
	return &Forest{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

// Fit replaces the forest with one grown on vectors. All vectors must share
// a length.
func (f *Forest) Fit(vectors [][]float64) error {
	if len(vectors) == 0 {
		return ErrNoSamples
	}
	dims := len(vectors[0])
	if dims == 0 {
		return fmt.Errorf("outlier: zero-length vectors")
	}
	for i, v := range vectors {
		if len(v) != dims {
			return fmt.Errorf("outlier: vector %d has %d dimensions, want %d", i, len(v), dims)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	sampleSize := min(f.cfg.SampleSize, len(vectors))
	heightLimit := int(math.Ceil(math.Log2(float64(max(sampleSize, 2)))))

	trees := make([]*node, f.cfg.Trees)
	for t := range trees {
		sample := make([][]float64, sampleSize)
		for i, j := range f.rng.Perm(len(vectors))[:sampleSize] {
			sample[i] = vectors[j]
		}
		trees[t] = f.grow(sample, 0, heightLimit)
	}

	f.trees = trees
	f.dims = dims
	f.sampleSize = sampleSize
	return nil
}

func (f *Forest) grow(sample [][]float64, depth, limit int) *node {
	if depth >= limit || len(sample) <= 1 {
		return &node{size: len(sample)}
	}

	// pick a feature with spread; give up after a few tries
	dims := len(sample[0])
	for attempt := 0; attempt < dims; attempt++ {
		feature := f.rng.IntN(dims)
		lo, hi := sample[0][feature], sample[0][feature]
		for _, v := range sample[1:] {
			lo = math.Min(lo, v[feature])
			hi = math.Max(hi, v[feature])
		}
		if hi <= lo {
			continue
		}
		split := lo + f.rng.Float64()*(hi-lo)
		var left, right [][]float64
		for _, v := range sample {
			if v[feature] < split {
				left = append(left, v)
			} else {
				right = append(right, v)
			}
		}
		return &node{
			feature: feature,
			split:   split,
			left:    f.grow(left, depth+1, limit),
			right:   f.grow(right, depth+1, limit),
		}
	}
	return &node{size: len(sample)}
}

// Score returns an outlier score in [0,1]. Points at or below the typical
// isolation depth score 0; an unfitted forest or mismatched vector scores 0.
func (f *Forest) Score(vector []float64) float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.trees) == 0 || len(vector) != f.dims {
		return 0
	}

	total := 0.0
	for _, t := range f.trees {
		total += pathLength(t, vector, 0)
	}
	mean := total / float64(len(f.trees))
	s := math.Pow(2, -mean/averagePath(f.sampleSize))

	// the raw isolation score sits near 0.5 for ordinary points
	return math.Max(0, math.Min(1, 2*(s-0.5)))
}

// Fitted reports whether Fit has succeeded at least once.
func (f *Forest) Fitted() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.trees) > 0
}

func pathLength(n *node, v []float64, depth int) float64 {
	for !n.leaf() {
		if v[n.feature] < n.split {
			n = n.left
		} else {
			n = n.right
		}
		depth++
	}
	return float64(depth) + averagePath(n.size)
}

// averagePath is the expected path length of an unsuccessful search in a
// binary search tree of n points.
func averagePath(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	h := math.Log(float64(n-1)) + 0.5772156649
	return 2*h - 2*float64(n-1)/float64(n)
}
