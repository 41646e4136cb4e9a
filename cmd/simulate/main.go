// Simulate drives synthetic player traffic against a running Kestrel.
//
// Usage:
//
//	go run ./cmd/simulate -url http://localhost:8080 -players 50 -bots 5
//
// Each scenario (normal, bot, traveler, high_velocity) is replayed through
// the submit endpoints and the final decision per player is tallied.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Outcome is the last analysis returned for one player.
type Outcome struct {
	Player Player
	Score  float64
	Level  domain.RiskLevel
	Action domain.FlagAction
	Err    error
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	players := flag.Int("players", 50, "Number of normal players")
	bots := flag.Int("bots", 5, "Number of bot players")
	travelers := flag.Int("travelers", 5, "Number of impossible-travel players")
	spenders := flag.Int("spenders", 5, "Number of high-velocity spenders")
	workers := flag.Int("workers", 8, "Number of concurrent players in flight")
	seed := flag.Uint64("seed", 42, "Random seed")
	verbose := flag.Bool("verbose", false, "Print each player result")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║              KESTREL SIMULATOR - Synthetic Players            ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Players:     %d normal, %d bots, %d travelers, %d spenders\n", *players, *bots, *travelers, *spenders)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Seed:        %d\n", *seed)
	fmt.Println()

	client := &http.Client{Timeout: 10 * time.Second}
	if err := checkHealth(client, *baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	gen := NewGenerator(*seed, time.Now().UTC())
	mix := gen.Mix(*players, *bots, *travelers, *spenders)

	start := time.Now()
	outcomes := run(client, *baseURL, mix, *workers)
	duration := time.Since(start)

	if *verbose {
		for _, o := range outcomes {
			if o.Err != nil {
				fmt.Printf("  %-14s %-40s ERROR %v\n", o.Player.Scenario, o.Player.ID, o.Err)
				continue
			}
			fmt.Printf("  %-14s %-40s %.3f %-8s %s\n", o.Player.Scenario, o.Player.ID, o.Score, o.Level, o.Action)
		}
		fmt.Println()
	}
	printResults(outcomes, duration)
}

func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func run(client *http.Client, baseURL string, players []Player, numWorkers int) []Outcome {
	if numWorkers <= 0 {
		numWorkers = 1
	}

	outcomes := make([]Outcome, len(players))
	work := make(chan int)
	var wg sync.WaitGroup

	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				outcomes[i] = replay(client, baseURL, players[i])
			}
		}()
	}

	for i := range players {
		work <- i
	}
	close(work)
	wg.Wait()
	return outcomes
}

// replay sends a player's steps in order. The most severe decision seen wins.
func replay(client *http.Client, baseURL string, p Player) Outcome {
	out := Outcome{Player: p, Action: domain.ActionAllow, Level: domain.RiskLow}
	for _, step := range p.Steps {
		path, body := route(p.ID, step)
		resp, err := post(client, baseURL+path, body)
		if err != nil {
			out.Err = err
			return out
		}
		if resp.Result == nil {
			continue
		}
		if resp.Score.OverallScore > out.Score {
			out.Score = resp.Score.OverallScore
			out.Level = resp.Score.RiskLevel
		}
		if d := resp.Decision; d != nil && d.Action.Severity() > out.Action.Severity() {
			out.Action = d.Action
		}
	}
	return out
}

func route(entityID string, s Step) (string, any) {
	base := "/entities/" + entityID
	switch {
	case s.Transaction != nil:
		return base + "/transactions", s.Transaction
	case s.Behavior != nil:
		return base + "/behavior", s.Behavior
	default:
		return base + "/events", s.Event
	}
}

func post(client *http.Client, url string, payload any) (*api.AnalysisResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, raw)
	}

	var out api.AnalysisResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

// scenarioSummary aggregates outcomes for one scenario.
type scenarioSummary struct {
	players  int
	errors   int
	scoreSum float64
	actions  map[domain.FlagAction]int
}

func summarize(outcomes []Outcome) map[string]*scenarioSummary {
	out := make(map[string]*scenarioSummary)
	for _, o := range outcomes {
		s, ok := out[o.Player.Scenario]
		if !ok {
			s = &scenarioSummary{actions: make(map[domain.FlagAction]int)}
			out[o.Player.Scenario] = s
		}
		s.players++
		if o.Err != nil {
			s.errors++
			continue
		}
		s.scoreSum += o.Score
		s.actions[o.Action]++
	}
	return out
}

func printResults(outcomes []Outcome, duration time.Duration) {
	summaries := summarize(outcomes)
	names := make([]string, 0, len(summaries))
	for name := range summaries {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println("                           RESULTS")
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Printf("Players:   %d in %s\n\n", len(outcomes), duration.Round(time.Millisecond))
	fmt.Printf("  %-14s %7s %7s %9s %7s %7s %7s %7s\n",
		"SCENARIO", "PLAYERS", "ERRORS", "AVG SCORE", "ALLOW", "REVIEW", "BLOCK", "SUSPEND")
	for _, name := range names {
		s := summaries[name]
		avg := 0.0
		if ok := s.players - s.errors; ok > 0 {
			avg = s.scoreSum / float64(ok)
		}
		fmt.Printf("  %-14s %7d %7d %9.3f %7d %7d %7d %7d\n",
			name, s.players, s.errors, avg,
			s.actions[domain.ActionAllow],
			s.actions[domain.ActionReview],
			s.actions[domain.ActionBlock],
			s.actions[domain.ActionSuspend],
		)
	}
	fmt.Println()
}
