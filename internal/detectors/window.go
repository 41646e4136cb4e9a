package detectors

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// madScale makes the median absolute deviation a consistent estimator of
// the standard deviation for normally distributed data.
const madScale = 1.4826

// degenerateSpread is the spread below which a window counts as constant.
const degenerateSpread = 1e-9

// rollingWindow is a fixed-capacity sample window; the oldest sample is
// overwritten once full.
type rollingWindow struct {
	values []float64
	next   int
	full   bool
	sum    float64
}

func newRollingWindow(capacity int) *rollingWindow {
	if capacity <= 0 {
		capacity = 1000
	}
	return &rollingWindow{values: make([]float64, 0, capacity)}
}

func (w *rollingWindow) Add(v float64) {
	if !w.full {
		w.values = append(w.values, v)
		w.sum += v
		if len(w.values) == cap(w.values) {
			w.full = true
		}
		return
	}
	w.sum += v - w.values[w.next]
	w.values[w.next] = v
	w.next = (w.next + 1) % len(w.values)
}

func (w *rollingWindow) Len() int {
	return len(w.values)
}

func (w *rollingWindow) Mean() float64 {
	if len(w.values) == 0 {
		return 0
	}
	return w.sum / float64(len(w.values))
}

// StdDev returns the population standard deviation.
func (w *rollingWindow) StdDev() float64 {
	if len(w.values) < 2 {
		return 0
	}
	return stat.PopStdDev(w.values, nil)
}

// MedianMAD returns the median and the median absolute deviation.
func (w *rollingWindow) MedianMAD() (float64, float64) {
	n := len(w.values)
	if n == 0 {
		return 0, 0
	}
	sorted := make([]float64, n)
	copy(sorted, w.values)
	slices.Sort(sorted)
	med := median(sorted)

	floats.AddConst(-med, sorted)
	for i, v := range sorted {
		sorted[i] = math.Abs(v)
	}
	slices.Sort(sorted)
	return med, median(sorted)
}

// median of an ascending slice; even lengths average the middle pair.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// fallbackSpread stands in for a zero spread so a constant history still
// yields a finite, scale-aware deviation.
func fallbackSpread(center float64) float64 {
	return math.Max(0.1*math.Abs(center), 1.0)
}

// exceedScore maps a value past its threshold to [0.5, 1]: 0.5 at the
// threshold, 1.0 at twice the threshold.
func exceedScore(value, threshold float64) float64 {
	if threshold <= 0 {
		return 1
	}
	return math.Min(1, 0.5+(value-threshold)/(2*threshold))
}

// roundTo2 rounds for human-readable reasons and metadata.
func roundTo2(v float64) float64 {
	return math.Round(v*100) / 100
}
