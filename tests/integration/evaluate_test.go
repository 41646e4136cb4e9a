//go:build integration
// +build integration

// Package integration provides end-to-end tests against a running Kestrel.
//
// These tests verify the complete scoring pipeline:
//
//	Signal → History → Features → Detectors → Ensemble Score → Flag Decision
//
// Run with:
//
//	go run ./cmd/kestrel &
//	go test -tags=integration -v ./tests/integration/...
//
// KESTREL_TEST_URL overrides the default http://localhost:8080. Every test
// uses fresh entity ids so runs against a long-lived instance do not collide.
package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{BaseURL: baseURL}
}

func entityID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func call(t *testing.T, config TestConfig, method, path string, payload any, wantStatus int, out any) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, config.BaseURL+path, body)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d: %s", method, path, wantStatus, resp.StatusCode, respBody)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, respBody)
		}
	}
}

// ============================================================================
// SCENARIO 1: Ordinary purchase
// ============================================================================

func TestNormalPurchase_Allowed(t *testing.T) {
	config := getTestConfig()
	id := entityID("normal")
	now := time.Now().UTC()

	call(t, config, http.MethodPost, "/entities/"+id+"/events", api.EventRequest{
		EventType: "login", Timestamp: now.Add(-5 * time.Minute), DeviceID: "dev-1", Location: "EU-West",
	}, http.StatusOK, nil)

	var resp api.AnalysisResponse
	call(t, config, http.MethodPost, "/entities/"+id+"/transactions", api.TransactionRequest{
		Amount: 4.99, Currency: "EUR", PaymentMethod: "card", Timestamp: now, DeviceID: "dev-1", Location: "EU-West",
	}, http.StatusOK, &resp)

	if resp.Score.OverallScore >= 0.4 {
		t.Errorf("Expected low score (< 0.4), got %.2f", resp.Score.OverallScore)
	}
	if resp.Decision != nil && resp.Decision.Action != domain.ActionAllow {
		t.Errorf("Expected ALLOW, got %s", resp.Decision.Action)
	}
	t.Logf("✓ Normal purchase: score=%.3f level=%s", resp.Score.OverallScore, resp.Score.RiskLevel)
}

// ============================================================================
// SCENARIO 2: Impossible travel blocks the player
// ============================================================================

func TestImpossibleTravel_Blocked(t *testing.T) {
	config := getTestConfig()
	id := entityID("traveler")
	now := time.Now().UTC()

	call(t, config, http.MethodPost, "/entities/"+id+"/transactions", api.TransactionRequest{
		Amount: 20, Location: "US-East", Timestamp: now.Add(-30 * time.Minute),
	}, http.StatusOK, nil)

	var resp api.AnalysisResponse
	call(t, config, http.MethodPost, "/entities/"+id+"/transactions", api.TransactionRequest{
		Amount: 20, Location: "Asia-East", Timestamp: now,
	}, http.StatusOK, &resp)

	if resp.Score.OverallScore < 0.95 {
		t.Errorf("Expected score >= 0.95, got %.3f", resp.Score.OverallScore)
	}
	if resp.Score.RiskLevel != domain.RiskCritical {
		t.Errorf("Expected CRITICAL, got %s", resp.Score.RiskLevel)
	}
	if resp.Decision == nil || !resp.Decision.Action.IsBlocking() {
		t.Fatalf("Expected blocking decision, got %+v", resp.Decision)
	}

	var blocked struct {
		Blocked bool `json:"blocked"`
	}
	call(t, config, http.MethodGet, "/entities/"+id+"/blocked", nil, http.StatusOK, &blocked)
	if !blocked.Blocked {
		t.Error("Expected player to be blocked")
	}

	var flag domain.FlagDecision
	call(t, config, http.MethodGet, "/flags/"+resp.Decision.FlagID, nil, http.StatusOK, &flag)
	if flag.EntityID != id {
		t.Errorf("Expected flag for %s, got %s", id, flag.EntityID)
	}

	call(t, config, http.MethodDelete, "/entities/"+id+"/block", nil, http.StatusOK, nil)
	call(t, config, http.MethodGet, "/entities/"+id+"/blocked", nil, http.StatusOK, &blocked)
	if blocked.Blocked {
		t.Error("Expected block to be lifted")
	}
	t.Logf("✓ Impossible travel: score=%.3f action=%s", resp.Score.OverallScore, resp.Decision.Action)
}

// ============================================================================
// SCENARIO 3: Scripted farming bot
// ============================================================================

func TestFarmingBot_Detected(t *testing.T) {
	config := getTestConfig()
	id := entityID("bot")
	t0 := time.Now().UTC().Add(-10 * time.Minute)

	batch := api.BehaviorRequest{}
	for i := range 100 {
		batch.Events = append(batch.Events, api.BehaviorEventRequest{
			Action:     "collect",
			Timestamp:  t0.Add(time.Duration(i) * 50 * time.Millisecond),
			DurationMs: 20,
			Metadata:   map[string]any{"x": 640, "y": 360},
		})
	}

	var resp api.AnalysisResponse
	call(t, config, http.MethodPost, "/entities/"+id+"/behavior", batch, http.StatusOK, &resp)

	var bot *domain.DetectorResult
	for i := range resp.Score.DetectorResults {
		if resp.Score.DetectorResults[i].DetectorName == "bot_detector" {
			bot = &resp.Score.DetectorResults[i]
		}
	}
	if bot == nil {
		t.Fatalf("Expected bot_detector result, got %+v", resp.Score.DetectorResults)
	}
	if bot.Score <= 0.7 {
		t.Errorf("Expected bot score > 0.7, got %.3f", bot.Score)
	}
	t.Logf("✓ Bot detected: bot_score=%.3f overall=%.3f", bot.Score, resp.Score.OverallScore)
}

// ============================================================================
// SCENARIO 4: Manual moderation
// ============================================================================

func TestManualFlag_Lifecycle(t *testing.T) {
	config := getTestConfig()
	id := entityID("manual")
	hours := 1.0

	var flag domain.FlagDecision
	call(t, config, http.MethodPost, "/entities/"+id+"/flags", api.ManualFlagRequest{
		Action: "SUSPEND", Reason: "chargeback fraud confirmed", ExpiresHours: &hours,
	}, http.StatusCreated, &flag)

	if flag.Metadata["manual"] != true {
		t.Errorf("Expected manual metadata, got %v", flag.Metadata)
	}

	var risk engine.RiskHistory
	call(t, config, http.MethodGet, "/entities/"+id+"/risk", nil, http.StatusOK, &risk)
	if risk.FlagCount != 1 || !risk.IsBlocked {
		t.Errorf("Expected 1 flag and a block, got flags=%d blocked=%v", risk.FlagCount, risk.IsBlocked)
	}

	call(t, config, http.MethodPost, "/entities/"+id+"/flags", map[string]string{"action": "BAN"},
		http.StatusUnprocessableEntity, nil)
}

// ============================================================================
// SCENARIO 5: Asynchronous ingestion
// ============================================================================

func TestIngest_ProcessedByWorkers(t *testing.T) {
	config := getTestConfig()
	id := entityID("ingest")

	for range 3 {
		call(t, config, http.MethodPost, "/ingest", domain.SignalEnvelope{
			Kind:     domain.SignalEvent,
			EntityID: id,
			Event:    &domain.UserEvent{EventType: "match_start"},
		}, http.StatusAccepted, nil)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		var risk engine.RiskHistory
		call(t, config, http.MethodGet, "/entities/"+id+"/risk", nil, http.StatusOK, &risk)
		if risk.Events == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected 3 ingested events, got %d", risk.Events)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// ============================================================================
// Operational endpoints
// ============================================================================

func TestOperationalEndpoints(t *testing.T) {
	config := getTestConfig()

	call(t, config, http.MethodGet, "/health", nil, http.StatusOK, nil)
	call(t, config, http.MethodGet, "/ready", nil, http.StatusOK, nil)

	var stats engine.Statistics
	call(t, config, http.MethodGet, "/stats", nil, http.StatusOK, &stats)
	if len(stats.Detectors) == 0 {
		t.Error("Expected registered detectors in /stats")
	}

	resp, err := http.Get(config.BaseURL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "kestrel_analyses_total") {
		t.Error("Expected kestrel_analyses_total in /metrics")
	}
}
