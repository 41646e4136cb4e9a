// Package features turns raw per-entity signal history into a flat,
// windowed feature map and keeps each entity's EMA baseline.
package features

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Config holds feature extraction settings.
type Config struct {
	ShortWindow   time.Duration `json:"shortWindow" koanf:"short_window"`
	LongWindow    time.Duration `json:"longWindow" koanf:"long_window"`
	BaselineAlpha float64       `json:"baselineAlpha" koanf:"baseline_alpha"`

	// MinExpectedRate floors the long-window hourly rate in the velocity ratio.
	MinExpectedRate float64 `json:"minExpectedRate" koanf:"min_expected_rate"`
}

// DefaultConfig returns 1h/24h windows with α=0.1.
func DefaultConfig() Config {
	return Config{
		ShortWindow:     time.Hour,
		LongWindow:      24 * time.Hour,
		BaselineAlpha:   0.1,
		MinExpectedRate: 0.1,
	}
}

// Extractor computes feature maps. It is safe for concurrent use.
type Extractor struct {
	cfg       Config
	baselines *BaselineStore
}

// NewExtractor creates an extractor with its own baseline store.
func NewExtractor(cfg Config) *Extractor {
	def := DefaultConfig()
	if cfg.ShortWindow <= 0 {
		cfg.ShortWindow = def.ShortWindow
	}
	if cfg.LongWindow < cfg.ShortWindow {
		cfg.LongWindow = def.LongWindow
	}
	if cfg.MinExpectedRate <= 0 {
		cfg.MinExpectedRate = def.MinExpectedRate
	}
	return &Extractor{
		cfg:       cfg,
		baselines: NewBaselineStore(cfg.BaselineAlpha),
	}
}

// Baselines exposes the extractor's baseline store.
func (x *Extractor) Baselines() *BaselineStore {
	return x.baselines
}

// UpdateBaseline folds the features of a finished analysis into the
// entity's baseline.
func (x *Extractor) UpdateBaseline(entityID string, f domain.Features) {
	x.baselines.Update(entityID, f)
}

// Names returns every feature key Extract always populates.
func Names() []string {
	return []string{
		domain.FeatEventCount1h, domain.FeatEventCount24h, domain.FeatEventTypeCount,
		domain.FeatEventTypeEntropy, domain.FeatUniqueDevices24h, domain.FeatUniqueIPs24h,
		domain.FeatUniqueLocations24h, domain.FeatAvgEventsPerSession, domain.FeatMaxEventsPerSession,

		domain.FeatTxCount1h, domain.FeatTxCount24h, domain.FeatTxAmount1h, domain.FeatTxAmount24h,
		domain.FeatAvgTxAmount, domain.FeatMaxTxAmount, domain.FeatStdTxAmount,
		domain.FeatUniquePaymentMethods, domain.FeatUniqueRecipients, domain.FeatTxDevices24h,
		domain.FeatTxIPs24h, domain.FeatTxLocations24h, domain.FeatVelocityRatio,

		domain.FeatBehaviorCount1h, domain.FeatBehaviorCount24h, domain.FeatUniqueActions,
		domain.FeatActionEntropy, domain.FeatMaxActionRepeat, domain.FeatAvgActionDuration,
		domain.FeatActionDurationVar, domain.FeatAvgInterActionTime, domain.FeatInterActionTimeVar,
		domain.FeatBurstiness, domain.FeatActionsPerSecond, domain.FeatClickCount,
		domain.FeatUniqueClickRatio,

		domain.FeatEventTxRatio, domain.FeatBehaviorEventRatio,
		domain.FeatTotalUniqueDevices, domain.FeatTotalUniqueIPs,
	}
}

// Defaults returns a feature map with every known feature set to zero.
func Defaults() domain.Features {
	names := Names()
	f := make(domain.Features, len(names))
	for _, n := range names {
		f[n] = 0
	}
	return f
}

// Extract builds the feature map for one entity relative to ref. It never
// fails: empty input, or an internal fault, yields zeroed defaults.
func (x *Extractor) Extract(entityID string, events []domain.UserEvent, txs []domain.Transaction, behavior []domain.BehaviorEvent, ref time.Time) (f domain.Features) {
	f = Defaults()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("feature extraction failed",
				"entity_id", entityID,
				"error", fmt.Sprint(r),
			)
			f = Defaults()
		}
	}()

	if ref.IsZero() {
		ref = time.Now()
	}

	devices := make(map[string]struct{})
	ips := make(map[string]struct{})
	sessions := make(map[string]int)

	x.eventFeatures(f, events, ref, devices, ips, sessions)
	x.transactionFeatures(f, txs, ref, devices, ips)
	x.behaviorFeatures(f, behavior, ref, devices, ips, sessions)

	if len(sessions) > 0 {
		total, most := 0, 0
		for _, n := range sessions {
			total += n
			if n > most {
				most = n
			}
		}
		f[domain.FeatAvgEventsPerSession] = float64(total) / float64(len(sessions))
		f[domain.FeatMaxEventsPerSession] = float64(most)
	}

	f[domain.FeatEventTxRatio] = f[domain.FeatEventCount24h] / math.Max(f[domain.FeatTxCount24h], 1)
	f[domain.FeatBehaviorEventRatio] = f[domain.FeatBehaviorCount24h] / math.Max(f[domain.FeatEventCount24h], 1)
	f[domain.FeatTotalUniqueDevices] = float64(len(devices))
	f[domain.FeatTotalUniqueIPs] = float64(len(ips))

	x.baselines.attach(entityID, f)
	return f
}

// inWindow reports whether ts falls in (ref-window, ref].
func inWindow(ts, ref time.Time, window time.Duration) bool {
	return !ts.After(ref) && ts.After(ref.Add(-window))
}

func addKey(set map[string]struct{}, key string) {
	if key != "" {
		set[key] = struct{}{}
	}
}

func (x *Extractor) eventFeatures(f domain.Features, events []domain.UserEvent, ref time.Time, devices, ips map[string]struct{}, sessions map[string]int) {
	var short, long int
	types := make(map[string]int)
	evDevices := make(map[string]struct{})
	evIPs := make(map[string]struct{})
	locations := make(map[string]struct{})

	for i := range events {
		e := &events[i]
		if !inWindow(e.Timestamp, ref, x.cfg.LongWindow) {
			continue
		}
		long++
		if inWindow(e.Timestamp, ref, x.cfg.ShortWindow) {
			short++
		}
		types[e.EventType]++
		addKey(evDevices, e.DeviceID)
		addKey(evIPs, e.IPAddress)
		addKey(locations, e.Location)
		addKey(devices, e.DeviceID)
		addKey(ips, e.IPAddress)
		if e.SessionID != "" {
			sessions[e.SessionID]++
		}
	}

	f[domain.FeatEventCount1h] = float64(short)
	f[domain.FeatEventCount24h] = float64(long)
	f[domain.FeatEventTypeCount] = float64(len(types))
	f[domain.FeatEventTypeEntropy] = Entropy(types)
	f[domain.FeatUniqueDevices24h] = float64(len(evDevices))
	f[domain.FeatUniqueIPs24h] = float64(len(evIPs))
	f[domain.FeatUniqueLocations24h] = float64(len(locations))
}

func (x *Extractor) transactionFeatures(f domain.Features, txs []domain.Transaction, ref time.Time, devices, ips map[string]struct{}) {
	var short, long int
	var shortAmount, longAmount float64
	amounts := make([]float64, 0, len(txs))
	methods := make(map[string]struct{})
	recipients := make(map[string]struct{})
	txDevices := make(map[string]struct{})
	txIPs := make(map[string]struct{})
	locations := make(map[string]struct{})

	for i := range txs {
		tx := &txs[i]
		if !inWindow(tx.Timestamp, ref, x.cfg.LongWindow) {
			continue
		}
		long++
		longAmount += tx.Amount
		amounts = append(amounts, tx.Amount)
		if inWindow(tx.Timestamp, ref, x.cfg.ShortWindow) {
			short++
			shortAmount += tx.Amount
		}
		addKey(methods, tx.PaymentMethod)
		addKey(recipients, tx.RecipientID)
		addKey(txDevices, tx.DeviceID)
		addKey(txIPs, tx.IPAddress)
		addKey(locations, tx.Location)
		addKey(devices, tx.DeviceID)
		addKey(ips, tx.IPAddress)
	}

	periods := float64(x.cfg.LongWindow) / float64(x.cfg.ShortWindow)
	expected := math.Max(float64(long)/periods, x.cfg.MinExpectedRate)

	f[domain.FeatTxCount1h] = float64(short)
	f[domain.FeatTxCount24h] = float64(long)
	f[domain.FeatTxAmount1h] = shortAmount
	f[domain.FeatTxAmount24h] = longAmount
	f[domain.FeatAvgTxAmount] = Mean(amounts)
	f[domain.FeatMaxTxAmount] = Max(amounts)
	f[domain.FeatStdTxAmount] = StdDev(amounts)
	f[domain.FeatUniquePaymentMethods] = float64(len(methods))
	f[domain.FeatUniqueRecipients] = float64(len(recipients))
	f[domain.FeatTxDevices24h] = float64(len(txDevices))
	f[domain.FeatTxIPs24h] = float64(len(txIPs))
	f[domain.FeatTxLocations24h] = float64(len(locations))
	f[domain.FeatVelocityRatio] = float64(short) / expected
}

func (x *Extractor) behaviorFeatures(f domain.Features, behavior []domain.BehaviorEvent, ref time.Time, devices, ips map[string]struct{}, sessions map[string]int) {
	window := make([]*domain.BehaviorEvent, 0, len(behavior))
	short := 0
	for i := range behavior {
		b := &behavior[i]
		if !inWindow(b.Timestamp, ref, x.cfg.LongWindow) {
			continue
		}
		window = append(window, b)
		if inWindow(b.Timestamp, ref, x.cfg.ShortWindow) {
			short++
		}
	}
	f[domain.FeatBehaviorCount1h] = float64(short)
	f[domain.FeatBehaviorCount24h] = float64(len(window))
	if len(window) == 0 {
		return
	}

	sort.SliceStable(window, func(i, j int) bool {
		return window[i].Timestamp.Before(window[j].Timestamp)
	})

	actions := make(map[string]int)
	durations := make([]float64, 0, len(window))
	clicks := make(map[[2]float64]struct{})
	clickCount := 0

	for _, b := range window {
		actions[b.Action]++
		if b.DurationMs > 0 {
			durations = append(durations, b.DurationMs)
		}
		addKey(devices, b.DeviceID)
		addKey(ips, b.IPAddress)
		if b.SessionID != "" {
			sessions[b.SessionID]++
		}
		if cx, cy, ok := clickCoordinates(b.Metadata); ok {
			clickCount++
			clicks[[2]float64{cx, cy}] = struct{}{}
		}
	}

	gaps := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		gaps = append(gaps, window[i].Timestamp.Sub(window[i-1].Timestamp).Seconds())
	}

	maxRepeat := 0
	for _, n := range actions {
		if n > maxRepeat {
			maxRepeat = n
		}
	}

	f[domain.FeatUniqueActions] = float64(len(actions))
	f[domain.FeatActionEntropy] = Entropy(actions)
	f[domain.FeatMaxActionRepeat] = float64(maxRepeat)
	f[domain.FeatAvgActionDuration] = Mean(durations)
	f[domain.FeatActionDurationVar] = Variance(durations)

	// A batch stamped with a single instant carries no timing signal; the
	// gap features stay at zero.
	span := window[len(window)-1].Timestamp.Sub(window[0].Timestamp).Seconds()
	if len(gaps) > 0 && span > 0 {
		mean := Mean(gaps)
		f[domain.FeatAvgInterActionTime] = mean
		f[domain.FeatInterActionTimeVar] = Variance(gaps)
		f[domain.FeatBurstiness] = StdDev(gaps) / mean
		f[domain.FeatActionsPerSecond] = float64(len(gaps)) / span
	}

	f[domain.FeatClickCount] = float64(clickCount)
	if clickCount > 0 {
		f[domain.FeatUniqueClickRatio] = float64(len(clicks)) / float64(clickCount)
	}
}

// clickCoordinates reads numeric "x"/"y" entries from behavior metadata.
func clickCoordinates(meta map[string]any) (float64, float64, bool) {
	if meta == nil {
		return 0, 0, false
	}
	x, okX := toFloat(meta["x"])
	y, okY := toFloat(meta["y"])
	return x, y, okX && okY
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
