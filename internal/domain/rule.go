package domain

// RuleConfig defines an operator-supplied CEL rule evaluated against the
// feature map. The expression sees features as `f` (map<string, double>).
type RuleConfig struct {
	ID          string `json:"id" koanf:"id"`
	Name        string `json:"name" koanf:"name"`
	Description string `json:"description,omitempty" koanf:"description"`

	// Expression returns bool (true scores Score) or double (clamped to [0,1]).
	Expression string `json:"expression" koanf:"expression"`

	// Score is applied when a boolean expression evaluates to true.
	Score float64 `json:"score" koanf:"score"`

	// Reason is reported when the rule fires.
	Reason string `json:"reason" koanf:"reason"`

	Enabled bool `json:"enabled" koanf:"enabled"`
}

// RuleResult is the output of a single rule evaluation.
type RuleResult struct {
	RuleID    string  `json:"ruleId"`
	Score     float64 `json:"score"`
	Fired     bool    `json:"fired"`
	Reason    string  `json:"reason"`
	Err       string  `json:"error,omitempty"`
	ProcessMs int64   `json:"processMs"`
}
