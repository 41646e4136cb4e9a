package domain

import "strings"

// Detector produces a risk sub-score from a feature map.
// Implementations keep their own online statistics and must be safe for
// concurrent use.
type Detector interface {
	Name() string
	Detect(features Features) DetectorResult
}

// OutlierScorer is an unsupervised model over fixed-length numeric vectors.
// Score returns an anomaly score in [0,1] where normal points sit near 0.
type OutlierScorer interface {
	Fit(vectors [][]float64) error
	Score(vector []float64) float64
}

// BaselinePrefix marks feature keys that carry an entity's EMA baseline value.
const BaselinePrefix = "baseline."

// Features is a flat map of named numeric features.
type Features map[string]float64

// Get returns the feature value, or 0 when absent.
func (f Features) Get(name string) float64 {
	return f[name]
}

// Has reports whether the feature is present.
func (f Features) Has(name string) bool {
	_, ok := f[name]
	return ok
}

// Baseline returns the entity's EMA baseline for the feature, if attached.
func (f Features) Baseline(name string) (float64, bool) {
	v, ok := f[BaselinePrefix+name]
	return v, ok
}

// IsBaselineKey reports whether key is an attached baseline entry.
func IsBaselineKey(key string) bool {
	return strings.HasPrefix(key, BaselinePrefix)
}

// Feature names produced by the extractor.
const (
	// Events
	FeatEventCount1h        = "event_count_1h"
	FeatEventCount24h       = "event_count_24h"
	FeatEventTypeCount      = "event_type_count"
	FeatEventTypeEntropy    = "event_type_entropy"
	FeatUniqueDevices24h    = "unique_devices_24h"
	FeatUniqueIPs24h        = "unique_ips_24h"
	FeatUniqueLocations24h  = "unique_locations_24h"
	FeatAvgEventsPerSession = "avg_events_per_session"
	FeatMaxEventsPerSession = "max_events_per_session"

	// Transactions
	FeatTxCount1h            = "transaction_count_1h"
	FeatTxCount24h           = "transaction_count_24h"
	FeatTxAmount1h           = "transaction_amount_1h"
	FeatTxAmount24h          = "transaction_amount_24h"
	FeatAvgTxAmount          = "avg_transaction_amount"
	FeatMaxTxAmount          = "max_transaction_amount"
	FeatStdTxAmount          = "std_transaction_amount"
	FeatUniquePaymentMethods = "unique_payment_methods_24h"
	FeatUniqueRecipients     = "unique_recipients_24h"
	FeatTxDevices24h         = "transaction_devices_24h"
	FeatTxIPs24h             = "transaction_ips_24h"
	FeatTxLocations24h       = "transaction_locations_24h"
	FeatVelocityRatio        = "velocity_ratio"

	// Behavior
	FeatBehaviorCount1h    = "behavior_count_1h"
	FeatBehaviorCount24h   = "behavior_count_24h"
	FeatUniqueActions      = "unique_actions"
	FeatActionEntropy      = "action_entropy"
	FeatMaxActionRepeat    = "max_action_repeat"
	FeatAvgActionDuration  = "avg_action_duration_ms"
	FeatActionDurationVar  = "action_duration_variance_ms2"
	FeatAvgInterActionTime = "avg_inter_action_time_s"
	FeatInterActionTimeVar = "inter_action_time_variance_s2"
	FeatBurstiness         = "burstiness"
	FeatActionsPerSecond   = "actions_per_second"
	FeatClickCount         = "click_count"
	FeatUniqueClickRatio   = "unique_click_ratio"

	// Cross-signal
	FeatEventTxRatio       = "event_transaction_ratio"
	FeatBehaviorEventRatio = "behavior_event_ratio"
	FeatTotalUniqueDevices = "total_unique_devices"
	FeatTotalUniqueIPs     = "total_unique_ips"
)
