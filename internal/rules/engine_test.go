package rules

import (
	"context"
	"fmt"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(5)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
	if engine.Name() != DetectorName {
		t.Errorf("expected name %s, got %s", DetectorName, engine.Name())
	}
}

func TestLoadRule(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	rule := &domain.RuleConfig{
		ID:         "big-spender",
		Name:       "Big Spender",
		Expression: `f["transaction_amount_24h"] > 1000.0`,
		Score:      0.8,
		Enabled:    true,
	}

	if err := engine.LoadRule(rule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}
	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule, got %d", engine.RulesCount())
	}

	// later edits to the caller's struct do not leak in
	rule.Score = 0.1
	if got := engine.GetLoadedRules()[0].Score; got != 0.8 {
		t.Errorf("expected loaded score 0.8, got %.2f", got)
	}
}

func TestLoadInvalidRule(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	tests := []struct {
		name string
		rule domain.RuleConfig
	}{
		{"syntax", domain.RuleConfig{ID: "bad", Expression: "this is not valid CEL !!!"}},
		{"string output", domain.RuleConfig{ID: "str", Expression: `"hello"`}},
		{"unknown variable", domain.RuleConfig{ID: "var", Expression: "amount > 1.0"}},
		{"missing id", domain.RuleConfig{Expression: "true"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := engine.ValidateRule(&tt.rule); err == nil {
				t.Error("expected validation error")
			}
		})
	}
	if engine.RulesCount() != 0 {
		t.Errorf("validation must not load rules, got %d", engine.RulesCount())
	}
}

func TestEvaluateBooleanRule(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	engine.LoadRule(&domain.RuleConfig{
		ID:         "device-farm",
		Name:       "Device Farm",
		Expression: `f["total_unique_devices"] > 8.0`,
		Score:      0.7,
		Reason:     "Too many devices",
		Enabled:    true,
	})

	ctx := context.Background()

	results := engine.EvaluateAll(ctx, domain.Features{"total_unique_devices": 2})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Fired || results[0].Score != 0 {
		t.Errorf("expected no fire for 2 devices, got %+v", results[0])
	}

	results = engine.EvaluateAll(ctx, domain.Features{"total_unique_devices": 12})
	if !results[0].Fired || results[0].Score != 0.7 {
		t.Errorf("expected fire with score 0.7, got %+v", results[0])
	}
	if results[0].Reason != "Too many devices" {
		t.Errorf("expected reason, got %q", results[0].Reason)
	}
}

func TestEvaluateDoubleRuleClamped(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	engine.LoadRule(&domain.RuleConfig{
		ID:         "ratio",
		Name:       "Velocity Ratio",
		Expression: `f["velocity_ratio"] / 4.0`,
		Enabled:    true,
	})

	tests := []struct {
		ratio float64
		want  float64
	}{
		{0, 0},
		{2, 0.5},
		{40, 1},
	}
	for _, tt := range tests {
		results := engine.EvaluateAll(context.Background(), domain.Features{"velocity_ratio": tt.ratio})
		if results[0].Score != tt.want {
			t.Errorf("ratio %.1f: expected score %.2f, got %.2f", tt.ratio, tt.want, results[0].Score)
		}
	}
}

func TestEvaluateMissingFeature(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	engine.LoadRule(&domain.RuleConfig{ID: "missing", Expression: `f["nope"] > 1.0`, Score: 1, Enabled: true})
	engine.LoadRule(&domain.RuleConfig{ID: "guarded", Expression: `"nope" in f && f["nope"] > 1.0`, Score: 1, Enabled: true})

	results := engine.EvaluateAll(context.Background(), domain.Features{})
	if results[0].RuleID != "guarded" || results[0].Err != "" {
		t.Errorf("expected guarded rule to evaluate cleanly, got %+v", results[0])
	}
	if results[1].RuleID != "missing" || results[1].Err == "" {
		t.Errorf("expected missing key error, got %+v", results[1])
	}
}

func TestDetect(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	err := engine.LoadRules([]domain.RuleConfig{
		{ID: "a", Name: "A", Expression: `f["x"] > 1.0`, Score: 0.4, Reason: "x high", Enabled: true},
		{ID: "b", Name: "B", Expression: `f["y"] > 1.0`, Score: 0.9, Reason: "y high", Enabled: true},
		{ID: "c", Name: "C", Expression: `f["z"] > 1.0`, Score: 1.0, Enabled: true},
		{ID: "d", Name: "D", Expression: "true", Score: 1.0, Enabled: false},
	})
	if err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}
	if engine.RulesCount() != 3 {
		t.Fatalf("expected 3 enabled rules, got %d", engine.RulesCount())
	}

	r := engine.Detect(domain.Features{"x": 5, "y": 5})
	if r.DetectorName != DetectorName {
		t.Errorf("expected detector %s, got %s", DetectorName, r.DetectorName)
	}
	if r.Score != 0.9 {
		t.Errorf("expected max fired score 0.9, got %.2f", r.Score)
	}
	if len(r.Reasons) != 2 {
		t.Errorf("expected 2 reasons, got %v", r.Reasons)
	}
	// rule c errors on the missing key
	if r.Confidence < 0.66 || r.Confidence > 0.67 {
		t.Errorf("expected confidence 2/3, got %.3f", r.Confidence)
	}
}

func TestDetectNoRules(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	r := engine.Detect(domain.Features{"x": 1})
	if r.Score != 0 || r.Confidence != 0 {
		t.Errorf("expected empty result, got %+v", r)
	}
}

func TestReloadRules(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	engine.LoadRule(&domain.RuleConfig{ID: "old", Expression: "true", Score: 1, Enabled: true})

	err := engine.ReloadRules([]domain.RuleConfig{
		{ID: "new", Expression: "false", Enabled: true},
		{ID: "broken", Expression: "(((", Enabled: true},
	})
	if err == nil {
		t.Fatal("expected reload error")
	}
	if got := engine.GetLoadedRules(); len(got) != 1 || got[0].ID != "old" {
		t.Errorf("failed reload must keep previous rules, got %v", got)
	}

	if err := engine.ReloadRules([]domain.RuleConfig{{ID: "new", Expression: "false", Enabled: true}}); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := engine.GetLoadedRules(); len(got) != 1 || got[0].ID != "new" {
		t.Errorf("expected only new rule, got %v", got)
	}
}

func TestParallelExecution(t *testing.T) {
	engine, _ := NewEngine(3)
	defer engine.Close()

	for i := 0; i < 10; i++ {
		engine.LoadRule(&domain.RuleConfig{
			ID:         fmt.Sprintf("rule-%02d", i),
			Name:       fmt.Sprintf("Rule %d", i),
			Expression: `f["event_count_1h"] > 0.0`,
			Score:      1.0,
			Enabled:    true,
		})
	}

	results := engine.EvaluateAll(context.Background(), domain.Features{"event_count_1h": 3})
	if len(results) != 10 {
		t.Fatalf("expected 10 results, got %d", len(results))
	}
	for i, r := range results {
		if want := fmt.Sprintf("rule-%02d", i); r.RuleID != want {
			t.Errorf("result %d: expected %s, got %s", i, want, r.RuleID)
		}
		if r.Score != 1.0 {
			t.Errorf("rule %d: expected score 1.0, got %.2f", i, r.Score)
		}
	}
}

func TestEvaluateCancelled(t *testing.T) {
	engine, _ := NewEngine(2)
	defer engine.Close()

	engine.LoadRule(&domain.RuleConfig{ID: "a", Expression: "true", Score: 1, Enabled: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := engine.EvaluateAll(ctx, domain.Features{})
	if results[0].Err == "" || results[0].Fired {
		t.Errorf("expected cancelled evaluation, got %+v", results[0])
	}
}
