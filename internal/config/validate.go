package config

import (
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	return errors.Join(
		c.validateInfra(),
		c.validateEngine(),
		c.validateScoring(),
		c.validateFlagging(),
		c.validateDetectors(),
	)
}

func (c *Config) validateInfra() error {
	var errs []error
	if c.Tier != domain.TierCommunity && c.Tier != domain.TierPro {
		errs = append(errs, fmt.Errorf("tier must be community or pro, got %q", c.Tier))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	switch c.Repository.Driver {
	case "sqlite", "postgres", "none":
	default:
		errs = append(errs, fmt.Errorf("repository.driver must be sqlite, postgres or none, got %q", c.Repository.Driver))
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache.type must be memory or redis, got %q", c.Cache.Type))
	}
	switch c.EventBus.Type {
	case "channel", "nats":
	default:
		errs = append(errs, fmt.Errorf("event_bus.type must be channel or nats, got %q", c.EventBus.Type))
	}
	if c.Worker.Enabled && c.Worker.WorkerCount <= 0 {
		errs = append(errs, fmt.Errorf("worker.worker_count must be positive, got %d", c.Worker.WorkerCount))
	}
	return errors.Join(errs...)
}

func (c *Config) validateEngine() error {
	var errs []error
	if c.Engine.HistoryCapacity <= 0 {
		errs = append(errs, fmt.Errorf("engine.history_capacity must be positive, got %d", c.Engine.HistoryCapacity))
	}
	if c.Engine.TravelWindow < 2 {
		errs = append(errs, fmt.Errorf("engine.travel_window must be at least 2, got %d", c.Engine.TravelWindow))
	}
	if c.Engine.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("engine.sweep_interval must be positive, got %s", c.Engine.SweepInterval))
	}
	if a := c.Features.BaselineAlpha; a <= 0 || a > 1 {
		errs = append(errs, fmt.Errorf("features.baseline_alpha must be in (0,1], got %v", a))
	}
	if c.Features.ShortWindow <= 0 || c.Features.LongWindow < c.Features.ShortWindow {
		errs = append(errs, fmt.Errorf("features windows must satisfy 0 < short_window <= long_window"))
	}
	if c.Outlier.Enabled && (c.Outlier.Forest.Trees <= 0 || c.Outlier.Forest.SampleSize < 2) {
		errs = append(errs, fmt.Errorf("outlier.forest needs trees > 0 and sample_size >= 2"))
	}
	return errors.Join(errs...)
}

func (c *Config) validateScoring() error {
	t := c.Scoring.Thresholds
	if !(t.Critical <= 1 && t.Critical > t.High && t.High > t.Medium && t.Medium > 0) {
		return fmt.Errorf("scoring.thresholds must descend within (0,1]: critical %v, high %v, medium %v", t.Critical, t.High, t.Medium)
	}
	if c.Scoring.SigmoidEnabled && c.Scoring.SigmoidSteepness <= 0 {
		return fmt.Errorf("scoring.sigmoid_steepness must be positive, got %v", c.Scoring.SigmoidSteepness)
	}
	return nil
}

func (c *Config) validateFlagging() error {
	var errs []error
	t := c.Flagging.Thresholds
	if !(t.Suspend <= 1 && t.Suspend > t.Block && t.Block > t.Review && t.Review > 0) {
		errs = append(errs, fmt.Errorf("flagging.thresholds must descend within (0,1]: suspend %v, block %v, review %v", t.Suspend, t.Block, t.Review))
	}
	e := c.Flagging.Expiry
	if e.Review < 0 || e.Block < 0 || e.Suspend < 0 {
		errs = append(errs, fmt.Errorf("flagging.expiry hours must be non-negative"))
	}
	if c.Flagging.MaxReasons <= 0 {
		errs = append(errs, fmt.Errorf("flagging.max_reasons must be positive, got %d", c.Flagging.MaxReasons))
	}
	for name, rule := range c.Flagging.Escalations {
		if _, err := domain.ParseFlagAction(string(rule.EscalateTo)); err != nil {
			errs = append(errs, fmt.Errorf("flagging.escalations.%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) validateDetectors() error {
	var errs []error
	for name, s := range c.Detectors.Settings {
		if s.Weight < 0 {
			errs = append(errs, fmt.Errorf("detectors.settings.%s.weight must be non-negative, got %v", name, s.Weight))
		}
	}
	a := c.Detectors.Anomaly
	if a.ZThreshold <= 0 || a.MADThreshold <= 0 {
		errs = append(errs, fmt.Errorf("detectors.anomaly thresholds must be positive"))
	}
	if a.WindowSize <= 0 || a.MinSamples <= 0 {
		errs = append(errs, fmt.Errorf("detectors.anomaly window_size and min_samples must be positive"))
	}
	tx := c.Detectors.Transaction
	if tx.SuspiciousSpeedKmh <= 0 || tx.ImpossibleSpeedKmh <= tx.SuspiciousSpeedKmh {
		errs = append(errs, fmt.Errorf("detectors.transaction speeds must satisfy 0 < suspicious < impossible"))
	}
	seen := make(map[string]bool, len(c.Rules))
	for _, r := range c.Rules {
		if r.ID == "" || r.Expression == "" {
			errs = append(errs, fmt.Errorf("rules need an id and an expression"))
			continue
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("duplicate rule id %q", r.ID))
		}
		seen[r.ID] = true
	}
	return errors.Join(errs...)
}
