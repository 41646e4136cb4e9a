package domain

import (
	"fmt"
	"strings"
	"time"
)

// FlagAction is the automated response to a risk score.
type FlagAction string

const (
	ActionAllow   FlagAction = "ALLOW"
	ActionReview  FlagAction = "REVIEW"
	ActionBlock   FlagAction = "BLOCK"
	ActionSuspend FlagAction = "SUSPEND"
)

// Severity orders actions: ALLOW < REVIEW < BLOCK < SUSPEND.
func (a FlagAction) Severity() int {
	switch a {
	case ActionReview:
		return 1
	case ActionBlock:
		return 2
	case ActionSuspend:
		return 3
	default:
		return 0
	}
}

// IsBlocking reports whether the action installs an active block.
func (a FlagAction) IsBlocking() bool {
	return a == ActionBlock || a == ActionSuspend
}

// ParseFlagAction parses a case-insensitive action name.
func ParseFlagAction(s string) (FlagAction, error) {
	switch a := FlagAction(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionAllow, ActionReview, ActionBlock, ActionSuspend:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

// FlagDecision is a stored, time-bounded action against an entity.
type FlagDecision struct {
	FlagID             string         `json:"flagId"`
	EntityID           string         `json:"entityId"`
	EntityType         EntityType     `json:"entityType"`
	Action             FlagAction     `json:"action"`
	RiskScore          float64        `json:"riskScore"`
	RiskLevel          RiskLevel      `json:"riskLevel"`
	TriggeredDetectors []string       `json:"triggeredDetectors"`
	Reasons            []string       `json:"reasons"`
	Timestamp          time.Time      `json:"timestamp"`
	ExpiresAt          *time.Time     `json:"expiresAt,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// IsExpired reports whether the decision has an expiry at or before now.
func (d *FlagDecision) IsExpired(now time.Time) bool {
	return d.ExpiresAt != nil && !d.ExpiresAt.After(now)
}

// FlagStatistics summarizes the flag store contents.
type FlagStatistics struct {
	TotalFlags      int                `json:"totalFlags"`
	ActiveBlocks    int                `json:"activeBlocks"`
	ByAction        map[FlagAction]int `json:"byAction"`
	ByRiskLevel     map[RiskLevel]int  `json:"byRiskLevel"`
	FlaggedEntities int                `json:"flaggedEntities"`
}
