package detectors

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
	"gonum.org/v1/gonum/floats"
)

// TransactionConfig configures the TransactionMonitor.
type TransactionConfig struct {
	// Velocity
	MaxPerHour             int     `json:"maxPerHour" koanf:"max_per_hour"`
	MaxPerDay              int     `json:"maxPerDay" koanf:"max_per_day"`
	VelocityRatioThreshold float64 `json:"velocityRatioThreshold" koanf:"velocity_ratio_threshold"`
	MinVelocityCount       int     `json:"minVelocityCount" koanf:"min_velocity_count"`

	// Amounts, relative to the global EMA of average transaction amount
	LargeAmountMultiple    float64 `json:"largeAmountMultiple" koanf:"large_amount_multiple"`
	AmountVarianceMultiple float64 `json:"amountVarianceMultiple" koanf:"amount_variance_multiple"`
	AmountEMAAlpha         float64 `json:"amountEmaAlpha" koanf:"amount_ema_alpha"`

	// Diversity over 24h
	MaxPaymentMethods   int     `json:"maxPaymentMethods" koanf:"max_payment_methods"`
	MaxDevices          int     `json:"maxDevices" koanf:"max_devices"`
	MaxIPs              int     `json:"maxIps" koanf:"max_ips"`
	MaxDevicePerTxRatio float64 `json:"maxDevicePerTxRatio" koanf:"max_device_per_tx_ratio"`
	MinTxForDeviceRatio int     `json:"minTxForDeviceRatio" koanf:"min_tx_for_device_ratio"`
	MaxLocations        int     `json:"maxLocations" koanf:"max_locations"`

	// Impossible travel
	ImpossibleSpeedKmh    float64                `json:"impossibleSpeedKmh" koanf:"impossible_speed_kmh"`
	SuspiciousSpeedKmh    float64                `json:"suspiciousSpeedKmh" koanf:"suspicious_speed_kmh"`
	ImpossibleTravelScore float64                `json:"impossibleTravelScore" koanf:"impossible_travel_score"`
	Regions               map[string]Coordinates `json:"regions,omitempty" koanf:"regions"`
}

// DefaultTransactionConfig returns the stock transaction thresholds.
func DefaultTransactionConfig() TransactionConfig {
	return TransactionConfig{
		MaxPerHour:             10,
		MaxPerDay:              50,
		VelocityRatioThreshold: 3.0,
		MinVelocityCount:       3,
		LargeAmountMultiple:    5.0,
		AmountVarianceMultiple: 2.0,
		AmountEMAAlpha:         0.1,
		MaxPaymentMethods:      3,
		MaxDevices:             5,
		MaxIPs:                 10,
		MaxDevicePerTxRatio:    0.5,
		MinTxForDeviceRatio:    5,
		MaxLocations:           3,
		ImpossibleSpeedKmh:     1200,
		SuspiciousSpeedKmh:     900,
		ImpossibleTravelScore:  0.95,
	}
}

// TransactionMonitor checks payment velocity, amounts and diversity, and
// separately checks transaction sequences for impossible travel.
type TransactionMonitor struct {
	mu        sync.Mutex
	cfg       TransactionConfig
	resolver  *RegionResolver
	globalAvg float64
	seeded    bool
}

// NewTransactionMonitor creates the monitor.
func NewTransactionMonitor(cfg TransactionConfig) *TransactionMonitor {
	def := DefaultTransactionConfig()
	if cfg.AmountEMAAlpha <= 0 || cfg.AmountEMAAlpha > 1 {
		cfg.AmountEMAAlpha = def.AmountEMAAlpha
	}
	if cfg.ImpossibleSpeedKmh <= 0 {
		cfg.ImpossibleSpeedKmh = def.ImpossibleSpeedKmh
	}
	if cfg.SuspiciousSpeedKmh <= 0 {
		cfg.SuspiciousSpeedKmh = def.SuspiciousSpeedKmh
	}
	if cfg.ImpossibleTravelScore <= 0 {
		cfg.ImpossibleTravelScore = def.ImpossibleTravelScore
	}
	return &TransactionMonitor{
		cfg:      cfg,
		resolver: NewRegionResolver(cfg.Regions),
	}
}

// Name returns the registry name.
func (m *TransactionMonitor) Name() string {
	return NameTransaction
}

// GlobalAverage returns the current EMA of average transaction amount.
func (m *TransactionMonitor) GlobalAverage() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.globalAvg, m.seeded
}

// Detect scores velocity, amount and diversity. The score is the root mean
// square of triggered sub-scores.
func (m *TransactionMonitor) Detect(f domain.Features) domain.DetectorResult {
	result := domain.DetectorResult{
		DetectorName: NameTransaction,
		Reasons:      []string{},
	}

	count24 := f.Get(domain.FeatTxCount24h)
	if count24 == 0 {
		result.Confidence = 0.1
		return result
	}

	var subs []subScore
	subs = append(subs, m.velocityCheck(f)...)
	subs = append(subs, m.amountCheck(f)...)
	subs = append(subs, m.diversityCheck(f)...)

	scores := make([]float64, 0, len(subs))
	checks := make([]string, 0, len(subs))
	for _, s := range subs {
		scores = append(scores, s.score)
		result.Reasons = append(result.Reasons, s.reason)
		checks = append(checks, s.check)
	}
	if len(scores) > 0 {
		result.Score = floats.Norm(scores, 2) / math.Sqrt(float64(len(scores)))
	}

	avg, _ := m.GlobalAverage()
	result.Confidence = math.Min(1, 0.3+count24/20)
	result.Metadata = map[string]any{
		"triggered_checks":  checks,
		"global_avg_amount": roundTo2(avg),
		"transaction_count": int(count24),
	}
	result.Clamp()
	return result
}

func (m *TransactionMonitor) velocityCheck(f domain.Features) []subScore {
	var out []subScore
	hourly := f.Get(domain.FeatTxCount1h)
	daily := f.Get(domain.FeatTxCount24h)
	ratio := f.Get(domain.FeatVelocityRatio)

	if m.cfg.MaxPerHour > 0 && hourly > float64(m.cfg.MaxPerHour) {
		out = append(out, subScore{"hourly_velocity", exceedScore(hourly, float64(m.cfg.MaxPerHour)),
			fmt.Sprintf("High transaction velocity: %d in the last hour (limit %d)", int(hourly), m.cfg.MaxPerHour)})
	}
	if m.cfg.MaxPerDay > 0 && daily > float64(m.cfg.MaxPerDay) {
		out = append(out, subScore{"daily_velocity", exceedScore(daily, float64(m.cfg.MaxPerDay)),
			fmt.Sprintf("High transaction velocity: %d in the last 24h (limit %d)", int(daily), m.cfg.MaxPerDay)})
	}
	if hourly >= float64(m.cfg.MinVelocityCount) && ratio > m.cfg.VelocityRatioThreshold {
		out = append(out, subScore{"velocity_spike", exceedScore(ratio, m.cfg.VelocityRatioThreshold),
			fmt.Sprintf("Transaction burst: hourly rate %.1fx the daily average", ratio)})
	}
	return out
}

// amountCheck compares the entity's amounts against the platform average.
func (m *TransactionMonitor) amountCheck(f domain.Features) []subScore {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []subScore
	maxAmount := f.Get(domain.FeatMaxTxAmount)
	std := f.Get(domain.FeatStdTxAmount)

	if m.seeded && m.globalAvg > 0 {
		large := m.cfg.LargeAmountMultiple * m.globalAvg
		if maxAmount > large {
			out = append(out, subScore{"large_amount", exceedScore(maxAmount, large),
				fmt.Sprintf("Unusually large transaction: %.2f vs platform average %.2f", maxAmount, m.globalAvg)})
		}
		spread := m.cfg.AmountVarianceMultiple * m.globalAvg
		if std > spread {
			out = append(out, subScore{"amount_variance", exceedScore(std, spread),
				fmt.Sprintf("Erratic transaction amounts: std dev %.2f vs platform average %.2f", std, m.globalAvg)})
		}
	}
	return out
}

// ObserveAmount folds an entity's average transaction amount into the
// platform average. Callers invoke it once per analyzed transaction.
func (m *TransactionMonitor) ObserveAmount(avg float64) {
	if avg <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.seeded {
		m.globalAvg = avg
		m.seeded = true
		return
	}
	m.globalAvg = m.cfg.AmountEMAAlpha*avg + (1-m.cfg.AmountEMAAlpha)*m.globalAvg
}

func (m *TransactionMonitor) diversityCheck(f domain.Features) []subScore {
	var out []subScore
	methods := f.Get(domain.FeatUniquePaymentMethods)
	devices := f.Get(domain.FeatTxDevices24h)
	ips := f.Get(domain.FeatTxIPs24h)
	locations := f.Get(domain.FeatTxLocations24h)
	count := f.Get(domain.FeatTxCount24h)

	if m.cfg.MaxPaymentMethods > 0 && methods > float64(m.cfg.MaxPaymentMethods) {
		out = append(out, subScore{"payment_methods", exceedScore(methods, float64(m.cfg.MaxPaymentMethods)),
			fmt.Sprintf("Many payment methods: %d in 24h", int(methods))})
	}
	if m.cfg.MaxDevices > 0 && devices > float64(m.cfg.MaxDevices) {
		out = append(out, subScore{"devices", exceedScore(devices, float64(m.cfg.MaxDevices)),
			fmt.Sprintf("Many devices: %d in 24h", int(devices))})
	}
	if m.cfg.MaxIPs > 0 && ips > float64(m.cfg.MaxIPs) {
		out = append(out, subScore{"ips", exceedScore(ips, float64(m.cfg.MaxIPs)),
			fmt.Sprintf("Many IP addresses: %d in 24h", int(ips))})
	}
	if count >= float64(m.cfg.MinTxForDeviceRatio) && count > 0 {
		ratio := devices / count
		if ratio > m.cfg.MaxDevicePerTxRatio {
			out = append(out, subScore{"device_ratio", exceedScore(ratio, m.cfg.MaxDevicePerTxRatio),
				fmt.Sprintf("Device hopping: %.2f devices per transaction", ratio)})
		}
	}
	if m.cfg.MaxLocations > 0 && locations > float64(m.cfg.MaxLocations) {
		out = append(out, subScore{"locations", exceedScore(locations, float64(m.cfg.MaxLocations)),
			fmt.Sprintf("Many locations: %d in 24h", int(locations))})
	}
	return out
}

type geoPoint struct {
	tx     *domain.Transaction
	coords Coordinates
}

// CheckImpossibleTravel orders geo-tagged transactions by time and flags
// consecutive pairs whose implied speed exceeds the impossible threshold.
// Speeds above the suspicious threshold are reported without scoring.
func (m *TransactionMonitor) CheckImpossibleTravel(txs []domain.Transaction) domain.DetectorResult {
	result := domain.DetectorResult{
		DetectorName: NameTravel,
		Reasons:      []string{},
	}

	points := make([]geoPoint, 0, len(txs))
	for i := range txs {
		if c, ok := m.resolver.Resolve(&txs[i]); ok {
			points = append(points, geoPoint{tx: &txs[i], coords: c})
		}
	}
	if len(points) < 2 {
		return result
	}
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].tx.Timestamp.Before(points[j].tx.Timestamp)
	})

	maxSpeed := 0.0
	impossible, suspicious := 0, 0
	for i := 1; i < len(points); i++ {
		prev, cur := points[i-1], points[i]
		dist := haversineDistance(prev.coords, cur.coords)
		if dist < 1 {
			continue
		}
		hours := cur.tx.Timestamp.Sub(prev.tx.Timestamp).Hours()
		speed := math.Inf(1)
		if hours > 0 {
			speed = dist / hours
		}
		maxSpeed = math.Max(maxSpeed, speed)

		switch {
		case speed > m.cfg.ImpossibleSpeedKmh:
			impossible++
			result.Reasons = append(result.Reasons, fmt.Sprintf(
				"Impossible travel: %s to %s, %.0f km in %.0f minutes (%s)",
				placeName(prev), placeName(cur), dist, hours*60, formatSpeed(speed)))
		case speed > m.cfg.SuspiciousSpeedKmh:
			suspicious++
			result.Reasons = append(result.Reasons, fmt.Sprintf(
				"Suspicious travel: %s to %s, %.0f km in %.0f minutes (%s)",
				placeName(prev), placeName(cur), dist, hours*60, formatSpeed(speed)))
		}
	}

	if impossible > 0 {
		result.Score = m.cfg.ImpossibleTravelScore
	}
	result.Confidence = 1
	result.Metadata = map[string]any{
		"geo_points":          len(points),
		"impossible_segments": impossible,
		"suspicious_segments": suspicious,
	}
	if !math.IsInf(maxSpeed, 1) {
		result.Metadata["max_speed_kmh"] = roundTo2(maxSpeed)
	}
	result.Clamp()
	return result
}

func placeName(p geoPoint) string {
	if p.tx.Location != "" {
		return p.tx.Location
	}
	return fmt.Sprintf("(%.2f, %.2f)", p.coords.Latitude, p.coords.Longitude)
}

func formatSpeed(kmh float64) string {
	if math.IsInf(kmh, 1) {
		return "simultaneous"
	}
	return fmt.Sprintf("%.0f km/h", kmh)
}
