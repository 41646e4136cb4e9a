// Package rules provides the CEL-Go based custom rule detector.
package rules

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// DetectorName is the registry name of the rule engine.
const DetectorName = "custom_rules"

// Engine is the CEL-based rule evaluation engine. It is registered with the
// scoring engine as one more detector.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// Features are exposed as a single map variable
	env, err := cel.NewEnv(
		cel.Variable("f", cel.MapType(cel.StringType, cel.DoubleType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// Name returns the registry name.
func (e *Engine) Name() string {
	return DetectorName
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiledRules[cfg.ID] = compiled
	return nil
}

// LoadRules compiles and loads every enabled rule.
func (e *Engine) LoadRules(configs []domain.RuleConfig) error {
	for i := range configs {
		if configs[i].Enabled {
			if err := e.LoadRule(&configs[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules atomically replaces the loaded rules. On error the previous
// rules stay active.
func (e *Engine) ReloadRules(configs []domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)
	for i := range configs {
		if !configs[i].Enabled {
			continue
		}
		compiled, err := e.compileRule(&configs[i])
		if err != nil {
			return err
		}
		newRules[configs[i].ID] = compiled
	}

	e.compiledRules = newRules
	return nil
}

// EvaluateAll evaluates all loaded rules in parallel. Results are ordered by rule ID.
func (e *Engine) EvaluateAll(ctx context.Context, f domain.Features) []domain.RuleResult {
	rules := e.sortedRules()
	if len(rules) == 0 {
		return nil
	}

	activation := map[string]any{"f": map[string]float64(f)}

	results := make([]domain.RuleResult, len(rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = e.evaluateRule(ctx, r, activation)
		}(i, rule)
	}

	wg.Wait()
	return results
}

// Detect evaluates every rule against f. The score is the highest score of
// any fired rule.
func (e *Engine) Detect(f domain.Features) domain.DetectorResult {
	results := e.EvaluateAll(context.Background(), f)

	out := domain.DetectorResult{
		DetectorName: DetectorName,
		Reasons:      []string{},
	}
	if len(results) == 0 {
		return out
	}

	fired := make([]string, 0, len(results))
	errored := 0
	for _, r := range results {
		if r.Err != "" {
			errored++
			continue
		}
		if !r.Fired {
			continue
		}
		fired = append(fired, r.RuleID)
		out.Score = math.Max(out.Score, r.Score)
		out.Reasons = append(out.Reasons, r.Reason)
	}

	out.Confidence = float64(len(results)-errored) / float64(len(results))
	out.Metadata = map[string]any{
		"rules_evaluated": len(results),
		"rules_fired":     fired,
		"rules_errored":   errored,
	}
	out.Clamp()
	return out
}

// evaluateRule evaluates a single rule and returns the result.
func (e *Engine) evaluateRule(ctx context.Context, rule *CompiledRule, activation map[string]any) domain.RuleResult {
	start := time.Now()

	result := domain.RuleResult{RuleID: rule.Config.ID}

	if err := ctx.Err(); err != nil {
		result.Err = err.Error()
		return result
	}

	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		result.Err = fmt.Sprintf("evaluation error: %v", err)
		result.ProcessMs = time.Since(start).Milliseconds()
		return result
	}

	score, isBool := toScore(out)
	if isBool && score > 0 {
		score = rule.Config.Score
	}
	result.Score = domain.Clamp01(score)
	result.Fired = result.Score > 0
	if result.Fired {
		result.Reason = rule.Config.Reason
		if result.Reason == "" {
			result.Reason = fmt.Sprintf("Rule %s matched", rule.Config.Name)
		}
	}
	result.ProcessMs = time.Since(start).Milliseconds()
	return result
}

// toScore converts a CEL value to a numeric score and reports whether it
// was boolean.
func toScore(val ref.Val) (float64, bool) {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0, true
		}
		return 0.0, true
	case types.Double:
		return float64(v), false
	case types.Int:
		return float64(v), false
	default:
		return 0.0, false
	}
}

func (e *Engine) sortedRules() []*CompiledRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Config.ID < rules[j].Config.ID
	})
	return rules
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the currently loaded rule configurations.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	rules := e.sortedRules()
	out := make([]*domain.RuleConfig, len(rules))
	for i, r := range rules {
		out[i] = r.Config
	}
	return out
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	copied := *cfg
	return &CompiledRule{
		Config:  &copied,
		Program: program,
	}, nil
}
