package detectors

import (
	"fmt"
	"math"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Range is an inclusive feature range used by bot signatures.
type Range struct {
	Min float64 `json:"min" koanf:"min"`
	Max float64 `json:"max" koanf:"max"`
}

// Contains reports whether v lies in [Min, Max].
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// BotSignature is a known automation pattern. It matches when every listed
// feature is present and inside its range.
type BotSignature struct {
	Name   string           `json:"name" koanf:"name"`
	Score  float64          `json:"score" koanf:"score"`
	Ranges map[string]Range `json:"ranges" koanf:"ranges"`
}

// Matches reports whether f satisfies every range of the signature.
func (s BotSignature) Matches(f domain.Features) bool {
	if len(s.Ranges) == 0 {
		return false
	}
	for name, r := range s.Ranges {
		v, ok := f[name]
		if !ok || !r.Contains(v) {
			return false
		}
	}
	return true
}

// BotConfig configures the BotDetector. Variance floors are in ms².
type BotConfig struct {
	MinEvents int `json:"minEvents" koanf:"min_events"`

	MinHumanTimingVarianceMs2   float64 `json:"minHumanTimingVarianceMs2" koanf:"min_human_timing_variance_ms2"`
	MaxHumanActionsPerSecond    float64 `json:"maxHumanActionsPerSecond" koanf:"max_human_actions_per_second"`
	MinHumanDurationVarianceMs2 float64 `json:"minHumanDurationVarianceMs2" koanf:"min_human_duration_variance_ms2"`

	LowEntropyThreshold   float64 `json:"lowEntropyThreshold" koanf:"low_entropy_threshold"`
	LowEntropyMinEvents   int     `json:"lowEntropyMinEvents" koanf:"low_entropy_min_events"`
	MaxSingleActionRepeat int     `json:"maxSingleActionRepeat" koanf:"max_single_action_repeat"`

	MinClicks           int     `json:"minClicks" koanf:"min_clicks"`
	MinUniqueClickRatio float64 `json:"minUniqueClickRatio" koanf:"min_unique_click_ratio"`

	ConsistencyTolerance      float64 `json:"consistencyTolerance" koanf:"consistency_tolerance"`
	ConsistencyMinDailyEvents int     `json:"consistencyMinDailyEvents" koanf:"consistency_min_daily_events"`

	LikelyBotThreshold float64        `json:"likelyBotThreshold" koanf:"likely_bot_threshold"`
	Signatures         []BotSignature `json:"signatures" koanf:"signatures"`
	Model              ModelConfig    `json:"model" koanf:"model"`
}

// DefaultBotConfig returns the stock bot thresholds and signatures.
func DefaultBotConfig() BotConfig {
	return BotConfig{
		MinEvents:                   5,
		MinHumanTimingVarianceMs2:   50,
		MaxHumanActionsPerSecond:    10,
		MinHumanDurationVarianceMs2: 10,
		LowEntropyThreshold:         0.3,
		LowEntropyMinEvents:         20,
		MaxSingleActionRepeat:       50,
		MinClicks:                   10,
		MinUniqueClickRatio:         0.1,
		ConsistencyTolerance:        0.2,
		ConsistencyMinDailyEvents:   100,
		LikelyBotThreshold:          0.7,
		Signatures:                  DefaultBotSignatures(),
		Model:                       DefaultModelConfig(),
	}
}

// DefaultBotSignatures returns patterns seen from common automation tools.
func DefaultBotSignatures() []BotSignature {
	return []BotSignature{
		{
			Name:  "autoclicker",
			Score: 0.95,
			Ranges: map[string]Range{
				domain.FeatActionsPerSecond: {Min: 15, Max: 1e9},
				domain.FeatClickCount:       {Min: 20, Max: 1e9},
				domain.FeatUniqueClickRatio: {Min: 0, Max: 0.05},
			},
		},
		{
			Name:  "resource_farmer",
			Score: 0.9,
			Ranges: map[string]Range{
				domain.FeatMaxActionRepeat:    {Min: 200, Max: 1e9},
				domain.FeatActionEntropy:      {Min: 0, Max: 1.0},
				domain.FeatInterActionTimeVar: {Min: 0, Max: 0.0001},
				domain.FeatBehaviorCount24h:   {Min: 200, Max: 1e9},
			},
		},
	}
}

// Bot sub-scores.
const (
	scoreBotTiming      = 0.85
	scoreBotRate        = 0.9
	scoreBotDuration    = 0.7
	scoreBotEntropy     = 0.85
	scoreBotClicks      = 0.75
	scoreBotConsistency = 0.4
)

// botModelFeatures is the vector fed to the optional outlier model.
var botModelFeatures = []string{
	domain.FeatInterActionTimeVar,
	domain.FeatAvgInterActionTime,
	domain.FeatActionsPerSecond,
	domain.FeatActionDurationVar,
	domain.FeatActionEntropy,
	domain.FeatMaxActionRepeat,
	domain.FeatUniqueClickRatio,
	domain.FeatBurstiness,
}

// BotDetector scores how machine-like an entity's behavior events are.
type BotDetector struct {
	mu    sync.Mutex
	cfg   BotConfig
	model *modelTrainer
}

// NewBotDetector creates the detector. scorer may be nil.
func NewBotDetector(cfg BotConfig, scorer domain.OutlierScorer) *BotDetector {
	def := DefaultBotConfig()
	if cfg.MinEvents <= 0 {
		cfg.MinEvents = def.MinEvents
	}
	if cfg.LikelyBotThreshold <= 0 {
		cfg.LikelyBotThreshold = def.LikelyBotThreshold
	}
	return &BotDetector{
		cfg:   cfg,
		model: newModelTrainer(cfg.Model, scorer),
	}
}

// Name returns the registry name.
func (d *BotDetector) Name() string {
	return NameBot
}

// SetSignatures replaces the signature list.
func (d *BotDetector) SetSignatures(sigs []BotSignature) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.Signatures = append([]BotSignature(nil), sigs...)
}

// Detect takes the max over the heuristic checks, the outlier model and
// the first matching signature.
func (d *BotDetector) Detect(f domain.Features) domain.DetectorResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	result := domain.DetectorResult{
		DetectorName: NameBot,
		Reasons:      []string{},
	}

	count := f.Get(domain.FeatBehaviorCount24h)
	if count < float64(d.cfg.MinEvents) {
		result.Confidence = math.Min(1, count/50)
		result.Metadata = map[string]any{"is_likely_bot": false, "events": int(count)}
		return result
	}

	var subs []subScore
	subs = append(subs, d.timingCheck(f)...)
	subs = append(subs, d.entropyCheck(f)...)
	subs = append(subs, d.inputCheck(f)...)
	subs = append(subs, d.consistencyCheck(f)...)

	score := 0.0
	checks := make([]string, 0, len(subs))
	for _, s := range subs {
		score = math.Max(score, s.score)
		result.Reasons = append(result.Reasons, s.reason)
		checks = append(checks, s.check)
	}

	vec := make([]float64, len(botModelFeatures))
	for i, name := range botModelFeatures {
		vec[i] = f.Get(name)
	}
	modelScore, hasModel := d.model.score(vec)
	if hasModel {
		if modelScore >= 0.5 {
			result.Reasons = append(result.Reasons, fmt.Sprintf("Behavior outlier score %.2f", modelScore))
		}
		score = math.Max(score, modelScore)
	}
	d.model.observe(NameBot, vec)

	signature := ""
	for _, sig := range d.cfg.Signatures {
		if sig.Matches(f) {
			signature = sig.Name
			score = math.Max(score, sig.Score)
			result.Reasons = append(result.Reasons, fmt.Sprintf("Matches known bot signature: %s", sig.Name))
			break
		}
	}

	result.Score = score
	result.Confidence = math.Min(1, count/50)
	result.Clamp()
	result.Metadata = map[string]any{
		"is_likely_bot":    result.Score >= d.cfg.LikelyBotThreshold,
		"triggered_checks": checks,
		"model_trained":    hasModel,
		"events":           int(count),
	}
	if signature != "" {
		result.Metadata["signature"] = signature
	}
	return result
}

func (d *BotDetector) timingCheck(f domain.Features) []subScore {
	var out []subScore
	timingVarMs2 := f.Get(domain.FeatInterActionTimeVar) * 1e6
	rate := f.Get(domain.FeatActionsPerSecond)

	if f.Get(domain.FeatAvgInterActionTime) > 0 && timingVarMs2 < d.cfg.MinHumanTimingVarianceMs2 {
		out = append(out, subScore{"timing_regularity", scoreBotTiming,
			fmt.Sprintf("Machine-regular timing: variance %.1fms² (human floor %.0fms²)", timingVarMs2, d.cfg.MinHumanTimingVarianceMs2)})
	}
	if rate > d.cfg.MaxHumanActionsPerSecond {
		out = append(out, subScore{"superhuman_rate", scoreBotRate,
			fmt.Sprintf("Superhuman action rate: %.1f actions/sec", rate)})
	}
	if f.Get(domain.FeatAvgActionDuration) > 0 {
		durVar := f.Get(domain.FeatActionDurationVar)
		if durVar < d.cfg.MinHumanDurationVarianceMs2 {
			out = append(out, subScore{"consistent_duration", scoreBotDuration,
				fmt.Sprintf("Consistent action duration: variance %.1fms²", durVar)})
		}
	}
	return out
}

func (d *BotDetector) entropyCheck(f domain.Features) []subScore {
	count := f.Get(domain.FeatBehaviorCount24h)
	entropy := f.Get(domain.FeatActionEntropy)
	repeat := f.Get(domain.FeatMaxActionRepeat)

	switch {
	case entropy < d.cfg.LowEntropyThreshold && count > float64(d.cfg.LowEntropyMinEvents):
		return []subScore{{"low_entropy", scoreBotEntropy,
			fmt.Sprintf("Low action entropy: %.2f over %d actions", entropy, int(count))}}
	case repeat > float64(d.cfg.MaxSingleActionRepeat):
		return []subScore{{"action_repeat", scoreBotEntropy,
			fmt.Sprintf("Single action repeated %d times", int(repeat))}}
	}
	return nil
}

func (d *BotDetector) inputCheck(f domain.Features) []subScore {
	clicks := f.Get(domain.FeatClickCount)
	if clicks <= float64(d.cfg.MinClicks) {
		return nil
	}
	ratio := f.Get(domain.FeatUniqueClickRatio)
	if ratio < d.cfg.MinUniqueClickRatio {
		return []subScore{{"click_pattern", scoreBotClicks,
			fmt.Sprintf("Repeated click coordinates: %.0f%% unique over %d clicks", ratio*100, int(clicks))}}
	}
	return nil
}

// consistencyCheck flags an hourly rate that matches the daily average,
// which suggests round-the-clock activity.
func (d *BotDetector) consistencyCheck(f domain.Features) []subScore {
	daily := f.Get(domain.FeatBehaviorCount24h)
	if daily <= float64(d.cfg.ConsistencyMinDailyEvents) {
		return nil
	}
	hourly := f.Get(domain.FeatBehaviorCount1h)
	avgHourly := daily / 24
	if math.Abs(hourly-avgHourly) <= d.cfg.ConsistencyTolerance*avgHourly {
		return []subScore{{"round_the_clock", scoreBotConsistency,
			fmt.Sprintf("Round-the-clock activity: %d actions last hour vs %.1f hourly average", int(hourly), avgHourly)}}
	}
	return nil
}
