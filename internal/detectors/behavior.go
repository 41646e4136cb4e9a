package detectors

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// BehaviorConfig configures the BehaviorPatternDetector.
type BehaviorConfig struct {
	// Entropy check
	LowEntropyThreshold float64 `json:"lowEntropyThreshold" koanf:"low_entropy_threshold"`
	LowEntropyMinEvents int     `json:"lowEntropyMinEvents" koanf:"low_entropy_min_events"`
	CollapseMinEvents   int     `json:"collapseMinEvents" koanf:"collapse_min_events"`
	CollapseMaxUnique   int     `json:"collapseMaxUnique" koanf:"collapse_max_unique"`

	// Timing check; gaps in seconds
	TimingMinEvents   int     `json:"timingMinEvents" koanf:"timing_min_events"`
	MinTimingVariance float64 `json:"minTimingVariance" koanf:"min_timing_variance"`
	MaxBurstiness     float64 `json:"maxBurstiness" koanf:"max_burstiness"`
	MinMeanGapSeconds float64 `json:"minMeanGapSeconds" koanf:"min_mean_gap_seconds"`

	// Session volume check
	MaxEventsPerSession int `json:"maxEventsPerSession" koanf:"max_events_per_session"`
	MaxEventsPerHour    int `json:"maxEventsPerHour" koanf:"max_events_per_hour"`

	// Baseline deviation check
	BaselineDeviation float64  `json:"baselineDeviation" koanf:"baseline_deviation"`
	BaselineFeatures  []string `json:"baselineFeatures" koanf:"baseline_features"`

	TransitionFloor float64 `json:"transitionFloor" koanf:"transition_floor"`
}

// DefaultBehaviorConfig returns the stock behavior thresholds.
func DefaultBehaviorConfig() BehaviorConfig {
	return BehaviorConfig{
		LowEntropyThreshold: 0.5,
		LowEntropyMinEvents: 10,
		CollapseMinEvents:   20,
		CollapseMaxUnique:   3,
		TimingMinEvents:     5,
		MinTimingVariance:   0.01,
		MaxBurstiness:       2.0,
		MinMeanGapSeconds:   0.1,
		MaxEventsPerSession: 500,
		MaxEventsPerHour:    1000,
		BaselineDeviation:   3.0,
		BaselineFeatures: []string{
			domain.FeatEventCount1h,
			domain.FeatTxCount1h,
			domain.FeatBehaviorCount1h,
			domain.FeatAvgTxAmount,
			domain.FeatTotalUniqueDevices,
			domain.FeatTotalUniqueIPs,
		},
		TransitionFloor: DefaultTransitionFloor,
	}
}

// Sub-scores for triggered behavior checks.
const (
	scoreLowEntropy     = 0.7
	scoreActionCollapse = 0.6
	scoreLowVariance    = 0.8
	scoreSuperhuman     = 0.9
	scoreSessionVolume  = 0.7
	scoreHourlyVolume   = 0.8
)

// BehaviorPatternDetector looks for repetitive, machine-like or
// self-inconsistent activity.
type BehaviorPatternDetector struct {
	cfg         BehaviorConfig
	transitions *TransitionTable
}

// NewBehaviorPatternDetector creates the detector with an empty transition table.
func NewBehaviorPatternDetector(cfg BehaviorConfig) *BehaviorPatternDetector {
	def := DefaultBehaviorConfig()
	if len(cfg.BaselineFeatures) == 0 {
		cfg.BaselineFeatures = def.BaselineFeatures
	}
	if cfg.BaselineDeviation <= 0 {
		cfg.BaselineDeviation = def.BaselineDeviation
	}
	return &BehaviorPatternDetector{
		cfg:         cfg,
		transitions: NewTransitionTable(cfg.TransitionFloor),
	}
}

// Name returns the registry name.
func (d *BehaviorPatternDetector) Name() string {
	return NameBehavior
}

// Transitions exposes the action transition table.
func (d *BehaviorPatternDetector) Transitions() *TransitionTable {
	return d.transitions
}

// ObserveSequence records an entity's ordered actions in the transition table.
func (d *BehaviorPatternDetector) ObserveSequence(actions []string) {
	d.transitions.Observe(actions)
}

type subScore struct {
	check  string
	score  float64
	reason string
}

// Detect runs the entropy, timing, volume and baseline checks. The score is
// the mean of triggered sub-scores.
func (d *BehaviorPatternDetector) Detect(f domain.Features) domain.DetectorResult {
	var subs []subScore
	subs = append(subs, d.entropyCheck(f)...)
	subs = append(subs, d.timingCheck(f)...)
	subs = append(subs, d.volumeCheck(f)...)
	subs = append(subs, d.baselineCheck(f)...)

	result := domain.DetectorResult{
		DetectorName: NameBehavior,
		Reasons:      make([]string, 0, len(subs)),
	}

	checks := make([]string, 0, len(subs))
	total := 0.0
	for _, s := range subs {
		total += s.score
		result.Reasons = append(result.Reasons, s.reason)
		checks = append(checks, s.check)
	}
	if len(subs) > 0 {
		result.Score = total / float64(len(subs))
	}

	n := f.Get(domain.FeatBehaviorCount24h) + f.Get(domain.FeatEventCount24h)
	result.Confidence = math.Min(1, 0.2+n/50)
	result.Metadata = map[string]any{
		"triggered_checks": checks,
		"action_entropy":   roundTo2(f.Get(domain.FeatActionEntropy)),
		"burstiness":       roundTo2(f.Get(domain.FeatBurstiness)),
	}
	result.Clamp()
	return result
}

func (d *BehaviorPatternDetector) entropyCheck(f domain.Features) []subScore {
	var out []subScore
	count := f.Get(domain.FeatBehaviorCount24h)
	entropy := f.Get(domain.FeatActionEntropy)
	unique := f.Get(domain.FeatUniqueActions)

	if entropy < d.cfg.LowEntropyThreshold && count > float64(d.cfg.LowEntropyMinEvents) {
		out = append(out, subScore{"low_entropy", scoreLowEntropy,
			fmt.Sprintf("Low action diversity: entropy %.2f over %d actions", entropy, int(count))})
	}
	if count > float64(d.cfg.CollapseMinEvents) && unique < float64(d.cfg.CollapseMaxUnique) {
		out = append(out, subScore{"action_collapse", scoreActionCollapse,
			fmt.Sprintf("Repetitive behavior: %d actions using only %d distinct types", int(count), int(unique))})
	}
	return out
}

func (d *BehaviorPatternDetector) timingCheck(f domain.Features) []subScore {
	if f.Get(domain.FeatBehaviorCount24h) < float64(d.cfg.TimingMinEvents) {
		return nil
	}
	var out []subScore
	mean := f.Get(domain.FeatAvgInterActionTime)
	variance := f.Get(domain.FeatInterActionTimeVar)
	burst := f.Get(domain.FeatBurstiness)

	if mean > 0 && variance < d.cfg.MinTimingVariance {
		out = append(out, subScore{"low_timing_variance", scoreLowVariance,
			fmt.Sprintf("Suspiciously regular timing: inter-action variance %.4fs²", variance)})
	}
	if burst > d.cfg.MaxBurstiness {
		out = append(out, subScore{"high_burstiness", math.Min(1, burst/(2*d.cfg.MaxBurstiness)),
			fmt.Sprintf("Bursty activity: burstiness %.2f", burst)})
	}
	if mean > 0 && mean < d.cfg.MinMeanGapSeconds {
		out = append(out, subScore{"superhuman_speed", scoreSuperhuman,
			fmt.Sprintf("Superhuman speed: mean gap %.0fms", mean*1000)})
	}
	return out
}

func (d *BehaviorPatternDetector) volumeCheck(f domain.Features) []subScore {
	var out []subScore
	perSession := f.Get(domain.FeatMaxEventsPerSession)
	hourly := f.Get(domain.FeatEventCount1h) + f.Get(domain.FeatBehaviorCount1h)

	if perSession > float64(d.cfg.MaxEventsPerSession) {
		out = append(out, subScore{"session_volume", scoreSessionVolume,
			fmt.Sprintf("Excessive session activity: %d events in one session", int(perSession))})
	}
	if hourly > float64(d.cfg.MaxEventsPerHour) {
		out = append(out, subScore{"hourly_volume", scoreHourlyVolume,
			fmt.Sprintf("Excessive hourly activity: %d events in the last hour", int(hourly))})
	}
	return out
}

func (d *BehaviorPatternDetector) baselineCheck(f domain.Features) []subScore {
	var out []subScore
	for _, name := range d.cfg.BaselineFeatures {
		base, ok := f.Baseline(name)
		if !ok {
			continue
		}
		dev := relativeDeviation(f.Get(name), base)
		if dev > d.cfg.BaselineDeviation {
			out = append(out, subScore{"baseline_deviation", math.Min(1, dev/(2*d.cfg.BaselineDeviation)),
				fmt.Sprintf("Deviation from personal baseline: %s %.2f vs baseline %.2f (%.1fx)", name, f.Get(name), base, dev)})
		}
	}
	return out
}

// relativeDeviation is |current-baseline|/|baseline|, or 1 when the
// baseline is zero and current is not.
func relativeDeviation(current, baseline float64) float64 {
	if baseline == 0 {
		if current == 0 {
			return 0
		}
		return 1
	}
	return math.Abs(current-baseline) / math.Abs(baseline)
}
