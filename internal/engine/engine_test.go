package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/detectors"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/flagging"
	"github.com/opensource-finance/kestrel/internal/rules"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T, mutate func(*Config)) (*Engine, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	cfg := DefaultConfig()
	cfg.Outlier.Enabled = false
	if mutate != nil {
		mutate(&cfg)
	}

	e, err := New(cfg, flagging.NewStore(flagging.WithClock(clock.Now)), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e, clock
}

func findResult(results []domain.DetectorResult, name string) (domain.DetectorResult, bool) {
	for _, r := range results {
		if r.DetectorName == name {
			return r, true
		}
	}
	return domain.DetectorResult{}, false
}

func TestConfigureDetector(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	t.Run("unknown detector", func(t *testing.T) {
		w := 1.0
		if e.ConfigureDetector("nonexistent", &w, nil) {
			t.Error("ConfigureDetector(nonexistent) = true, want false")
		}
	})

	t.Run("known detector", func(t *testing.T) {
		w, off := 2.5, false
		if !e.ConfigureDetector(detectors.NameBot, &w, &off) {
			t.Fatal("ConfigureDetector(bot_detector) = false")
		}
		for _, d := range e.Statistics().Detectors {
			if d.Name == detectors.NameBot && (d.Weight != 2.5 || d.Enabled) {
				t.Errorf("bot detector = %+v, want weight 2.5 disabled", d)
			}
		}
	})

	t.Run("negative weight", func(t *testing.T) {
		w := -1.0
		if e.ConfigureDetector(detectors.NameAnomaly, &w, nil) {
			t.Error("negative weight accepted")
		}
	})
}

func TestDefaultDetectorRegistration(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	want := map[string]float64{
		detectors.NameAnomaly:     1.0,
		detectors.NameBehavior:    1.2,
		detectors.NameTransaction: 1.5,
		detectors.NameBot:         1.3,
		rules.DetectorName:        1.0,
	}
	got := e.Statistics().Detectors
	if len(got) != len(want) {
		t.Fatalf("registered %d detectors, want %d", len(got), len(want))
	}
	for _, d := range got {
		if w, ok := want[d.Name]; !ok || w != d.Weight || !d.Enabled {
			t.Errorf("detector %+v unexpected", d)
		}
	}
}

func TestSubmitRequiresEntity(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := e.SubmitEvent(ctx, "", domain.UserEvent{EventType: "login"}); !errors.Is(err, domain.ErrInvalidSignal) {
		t.Errorf("SubmitEvent error = %v, want ErrInvalidSignal", err)
	}
	if _, err := e.SubmitTransaction(ctx, "", domain.Transaction{Amount: 5}); !errors.Is(err, domain.ErrInvalidSignal) {
		t.Errorf("SubmitTransaction error = %v, want ErrInvalidSignal", err)
	}
	if _, err := e.SubmitBehavior(ctx, ""); !errors.Is(err, domain.ErrInvalidSignal) {
		t.Errorf("SubmitBehavior error = %v, want ErrInvalidSignal", err)
	}
	if _, err := e.SubmitTransaction(ctx, "p1", domain.Transaction{Amount: -1}); !errors.Is(err, domain.ErrInvalidSignal) {
		t.Errorf("negative amount error = %v, want ErrInvalidSignal", err)
	}
}

func TestSubmitEventDefaults(t *testing.T) {
	e, clock := newTestEngine(t, nil)

	res, err := e.SubmitEvent(context.Background(), "p1", domain.UserEvent{EventType: "login"})
	if err != nil {
		t.Fatalf("SubmitEvent() error = %v", err)
	}
	if res.Score.EntityID != "p1" || res.Score.EntityType != domain.EntityPlayer {
		t.Errorf("score entity = %s/%s", res.Score.EntityID, res.Score.EntityType)
	}
	if !res.Score.Timestamp.Equal(clock.Now()) {
		t.Errorf("score timestamp = %v, want %v", res.Score.Timestamp, clock.Now())
	}
	if res.Score.OverallScore < 0 || res.Score.OverallScore > 1 {
		t.Errorf("overall score = %v out of range", res.Score.OverallScore)
	}
	if res.Decision == nil || res.Decision.Action != domain.ActionAllow {
		t.Errorf("decision = %+v, want ALLOW", res.Decision)
	}

	h := e.RiskHistory("p1")
	if h.Events != 1 {
		t.Errorf("event count = %d, want 1", h.Events)
	}
	if len(h.Baseline) == 0 {
		t.Error("baseline not updated after analysis")
	}
	if h.FlagCount != 1 || h.RecentFlags[0].Action != domain.ActionAllow {
		t.Errorf("flag count = %d, want 1 stored ALLOW", h.FlagCount)
	}
}

func TestImpossibleTravelRaisesScore(t *testing.T) {
	e, clock := newTestEngine(t, nil)
	ctx := context.Background()
	now := clock.Now()

	if _, err := e.SubmitTransaction(ctx, "p1", domain.Transaction{
		Amount: 20, Location: "US-East", Timestamp: now.Add(-30 * time.Minute),
	}); err != nil {
		t.Fatalf("first transaction: %v", err)
	}
	res, err := e.SubmitTransaction(ctx, "p1", domain.Transaction{
		Amount: 20, Location: "Asia-East", Timestamp: now,
	})
	if err != nil {
		t.Fatalf("second transaction: %v", err)
	}

	travel, ok := findResult(res.Score.DetectorResults, detectors.NameTravel)
	if !ok {
		t.Fatalf("no %s result in %+v", detectors.NameTravel, res.Score.DetectorResults)
	}
	if !strings.Contains(strings.Join(travel.Reasons, " "), "Impossible travel") {
		t.Errorf("travel reasons = %v", travel.Reasons)
	}
	if res.Score.OverallScore < 0.95 {
		t.Errorf("overall score = %v, want >= 0.95", res.Score.OverallScore)
	}
	if res.Score.RiskLevel != domain.RiskCritical {
		t.Errorf("risk level = %s, want CRITICAL", res.Score.RiskLevel)
	}
	if res.Decision == nil || !res.Decision.Action.IsBlocking() {
		t.Fatalf("decision = %+v, want blocking action", res.Decision)
	}
	if !e.IsBlocked("p1") {
		t.Error("IsBlocked(p1) = false after impossible travel")
	}

	t.Run("clear keeps flags", func(t *testing.T) {
		if !e.ClearUserData("p1") {
			t.Fatal("ClearUserData() = false")
		}
		h := e.RiskHistory("p1")
		if h.Transactions != 0 {
			t.Errorf("transaction count = %d after clear", h.Transactions)
		}
		if h.FlagCount == 0 || !h.IsBlocked {
			t.Errorf("flags lost after clear: %+v", h)
		}
		if e.ClearUserData("p1") {
			t.Error("second ClearUserData() = true")
		}
	})
}

func TestBotBehaviorEndToEnd(t *testing.T) {
	e, clock := newTestEngine(t, nil)
	now := clock.Now()

	events := make([]domain.BehaviorEvent, 100)
	for i := range events {
		events[i] = domain.BehaviorEvent{
			Action:    "collect",
			Timestamp: now.Add(-time.Duration(100-i) * 50 * time.Millisecond),
		}
	}
	res, err := e.SubmitBehavior(context.Background(), "bot-1", events...)
	if err != nil {
		t.Fatalf("SubmitBehavior() error = %v", err)
	}
	if res.Score.EntityType != domain.EntityBehavior {
		t.Errorf("entity type = %s", res.Score.EntityType)
	}

	bot, ok := findResult(res.Score.DetectorResults, detectors.NameBot)
	if !ok {
		t.Fatal("no bot detector result")
	}
	if bot.Score <= 0.7 {
		t.Errorf("bot score = %v, want > 0.7", bot.Score)
	}
	if likely, _ := bot.Metadata["is_likely_bot"].(bool); !likely {
		t.Errorf("is_likely_bot = %v", bot.Metadata["is_likely_bot"])
	}
	if got := e.RiskHistory("bot-1").Behavior; got != 100 {
		t.Errorf("behavior count = %d, want 100", got)
	}
}

func TestBehaviorSequenceProbability(t *testing.T) {
	e, clock := newTestEngine(t, nil)
	ctx := context.Background()

	seq := func(actions ...string) []domain.BehaviorEvent {
		out := make([]domain.BehaviorEvent, len(actions))
		for i, a := range actions {
			out[i] = domain.BehaviorEvent{Action: a, Timestamp: clock.Now().Add(time.Duration(i) * time.Second)}
		}
		return out
	}

	first, err := e.SubmitBehavior(ctx, "p1", seq("move", "attack", "loot")...)
	if err != nil {
		t.Fatalf("SubmitBehavior() error = %v", err)
	}
	if _, ok := first.Score.Metadata["sequence_log_probability"]; ok {
		t.Error("sequence probability reported before any training")
	}

	clock.Advance(time.Minute)
	seen, _ := e.SubmitBehavior(ctx, "p1", seq("move", "attack", "loot")...)
	clock.Advance(time.Minute)
	unseen, _ := e.SubmitBehavior(ctx, "p1", seq("loot", "trade", "logout")...)

	seenP, ok := seen.Score.Metadata["sequence_log_probability"].(float64)
	if !ok {
		t.Fatalf("metadata = %v", seen.Score.Metadata)
	}
	unseenP, _ := unseen.Score.Metadata["sequence_log_probability"].(float64)
	if seenP <= unseenP {
		t.Errorf("known sequence logp %v not above unseen %v", seenP, unseenP)
	}
}

func TestFlaggingDisabled(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) { c.FlaggingEnabled = false })

	res, err := e.AnalyzeUser(context.Background(), "p1")
	if err != nil {
		t.Fatalf("AnalyzeUser() error = %v", err)
	}
	if res.Decision != nil {
		t.Errorf("decision = %+v, want nil", res.Decision)
	}
	if e.Flags().Statistics().TotalFlags != 0 {
		t.Error("flags stored with flagging disabled")
	}
}

func TestAnalyzeUnknownUserKeepsNoHistory(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	if _, err := e.AnalyzeUser(context.Background(), "ghost"); err != nil {
		t.Fatalf("AnalyzeUser() error = %v", err)
	}
	if n := e.Statistics().Storage.TrackedEntities; n != 0 {
		t.Errorf("tracked entities = %d, want 0", n)
	}
}

func TestCustomRules(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) {
		c.Rules = []domain.RuleConfig{{
			ID:         "any-purchase",
			Name:       "Any purchase",
			Expression: `f["transaction_count_1h"] >= 1.0`,
			Score:      0.8,
			Reason:     "Purchase in the last hour",
			Enabled:    true,
		}}
	})

	res, err := e.SubmitTransaction(context.Background(), "p1", domain.Transaction{Amount: 10})
	if err != nil {
		t.Fatalf("SubmitTransaction() error = %v", err)
	}
	r, ok := findResult(res.Score.DetectorResults, rules.DetectorName)
	if !ok {
		t.Fatal("no custom rule result")
	}
	if r.Score != 0.8 {
		t.Errorf("rule score = %v, want 0.8", r.Score)
	}
	if e.Statistics().Rules != 1 {
		t.Errorf("rules = %d, want 1", e.Statistics().Rules)
	}
}

func TestInvalidRuleFailsConstruction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rules = []domain.RuleConfig{{ID: "bad", Expression: "f[", Enabled: true}}
	if _, err := New(cfg, nil); err == nil {
		t.Error("New() with invalid rule succeeded")
	}
}

func TestRiskHistoryRecentFlags(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	var last *domain.FlagDecision
	for i := 0; i < 7; i++ {
		d, err := e.CreateManualFlag(ctx, "p1", domain.ActionReview, fmt.Sprintf("note %d", i), "", nil)
		if err != nil {
			t.Fatalf("CreateManualFlag() error = %v", err)
		}
		last = d
	}

	h := e.RiskHistory("p1")
	if h.FlagCount != 7 {
		t.Errorf("flag count = %d, want 7", h.FlagCount)
	}
	if len(h.RecentFlags) != 5 {
		t.Fatalf("recent flags = %d, want 5", len(h.RecentFlags))
	}
	if h.RecentFlags[0].FlagID != last.FlagID {
		t.Errorf("newest flag = %s, want %s", h.RecentFlags[0].FlagID, last.FlagID)
	}
	if h.IsBlocked {
		t.Error("REVIEW flags reported as blocked")
	}
}

func TestRemoveBlockHook(t *testing.T) {
	clock := &testClock{now: time.Now()}
	var removed []string
	e, err := New(DefaultConfig(), flagging.NewStore(flagging.WithClock(clock.Now)),
		WithClock(clock.Now),
		OnBlockRemoved(func(_ context.Context, id string) { removed = append(removed, id) }),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	if e.RemoveBlock(ctx, "p1") {
		t.Error("RemoveBlock() without block = true")
	}
	if _, err := e.CreateManualFlag(ctx, "p1", domain.ActionBlock, "chargeback", domain.EntityPlayer, nil); err != nil {
		t.Fatalf("CreateManualFlag() error = %v", err)
	}
	if len(e.ActiveBlocks()) != 1 {
		t.Fatalf("active blocks = %d, want 1", len(e.ActiveBlocks()))
	}
	if !e.RemoveBlock(ctx, "p1") {
		t.Fatal("RemoveBlock() = false")
	}
	if e.IsBlocked("p1") {
		t.Error("still blocked after RemoveBlock")
	}
	if len(removed) != 1 || removed[0] != "p1" {
		t.Errorf("hook calls = %v", removed)
	}
	if len(e.EntityFlags("p1", false)) != 1 {
		t.Error("flag dropped by RemoveBlock")
	}
}

func TestSweepExpired(t *testing.T) {
	e, clock := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := e.CreateManualFlag(ctx, "p1", domain.ActionReview, "", "", nil); err != nil {
		t.Fatalf("CreateManualFlag() error = %v", err)
	}
	if n := e.SweepExpired(ctx); n != 0 {
		t.Errorf("SweepExpired() = %d before expiry", n)
	}
	if len(e.RecentFlags(1, 0)) != 1 {
		t.Error("RecentFlags() missing fresh flag")
	}

	clock.Advance(25 * time.Hour)
	if n := e.SweepExpired(ctx); n != 1 {
		t.Errorf("SweepExpired() = %d, want 1", n)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) { c.SweepInterval = time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestConcurrentSubmitsSameEntity(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "shared"
			if i%2 == 0 {
				id = fmt.Sprintf("p%d", i)
			}
			if _, err := e.SubmitEvent(ctx, id, domain.UserEvent{EventType: "login"}); err != nil {
				t.Errorf("SubmitEvent() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := e.RiskHistory("shared").Events; got != 25 {
		t.Errorf("shared events = %d, want 25", got)
	}
	if got := e.Statistics().Storage.TrackedEntities; got != 26 {
		t.Errorf("tracked entities = %d, want 26", got)
	}
}

func TestUntimedBehaviorBatchCarriesNoTimingSignal(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	var batch []domain.BehaviorEvent
	for _, a := range []string{"move", "jump", "shoot", "move", "reload"} {
		batch = append(batch, domain.BehaviorEvent{Action: a})
	}

	res, err := e.SubmitBehavior(context.Background(), "p1", batch...)
	if err != nil {
		t.Fatalf("SubmitBehavior() error = %v", err)
	}
	if res.Decision == nil || res.Decision.Action.Severity() > domain.ActionReview.Severity() {
		t.Fatalf("decision = %+v, want ALLOW or REVIEW", res.Decision)
	}
	for _, name := range []string{detectors.NameBot, detectors.NameBehavior} {
		r, ok := findResult(res.Score.DetectorResults, name)
		if !ok {
			t.Fatalf("missing %s result", name)
		}
		for _, reason := range r.Reasons {
			if strings.Contains(strings.ToLower(reason), "superhuman") {
				t.Errorf("%s reasons = %v, want no speed finding", name, r.Reasons)
			}
		}
	}

	// stamping defaults must not leak into the caller's slice
	for i, ev := range batch {
		if ev.ID != "" || !ev.Timestamp.IsZero() || ev.EntityID != "" {
			t.Errorf("batch[%d] mutated: %+v", i, ev)
		}
	}
}

func TestSequenceScoredInTimestampOrder(t *testing.T) {
	sequenceLogP := func(reverse bool) float64 {
		t.Helper()
		e, clock := newTestEngine(t, nil)
		ctx := context.Background()

		batch := func() []domain.BehaviorEvent {
			out := []domain.BehaviorEvent{}
			for i, a := range []string{"move", "attack", "loot", "trade"} {
				out = append(out, domain.BehaviorEvent{Action: a, Timestamp: clock.Now().Add(time.Duration(i) * time.Second)})
			}
			return out
		}

		if _, err := e.SubmitBehavior(ctx, "p1", batch()...); err != nil {
			t.Fatalf("SubmitBehavior() error = %v", err)
		}
		clock.Advance(time.Minute)

		second := batch()
		if reverse {
			slices.Reverse(second)
		}
		res, err := e.SubmitBehavior(ctx, "p1", second...)
		if err != nil {
			t.Fatalf("SubmitBehavior() error = %v", err)
		}
		logp, ok := res.Score.Metadata["sequence_log_probability"].(float64)
		if !ok {
			t.Fatalf("metadata = %v", res.Score.Metadata)
		}
		return logp
	}

	if ordered, shuffled := sequenceLogP(false), sequenceLogP(true); ordered != shuffled {
		t.Errorf("logp ordered = %v, submitted out of order = %v", ordered, shuffled)
	}
}

func TestQueriesDuringConcurrentSubmits(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.SubmitBehavior(ctx, "shared", domain.BehaviorEvent{Action: "move"}, domain.BehaviorEvent{Action: "jump"})
			if err != nil {
				t.Errorf("SubmitBehavior() error = %v", err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 40; i++ {
			_ = e.Statistics()
			_ = e.RiskHistory("shared")
		}
	}()
	wg.Wait()

	if got := e.RiskHistory("shared").Behavior; got != 80 {
		t.Errorf("shared behavior events = %d, want 80", got)
	}
}

func TestStatisticsListsEscalations(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	want := []string{detectors.NameBot, detectors.NameTravel, detectors.NameTransaction}
	slices.Sort(want)
	if got := e.Statistics().Escalations; !slices.Equal(got, want) {
		t.Errorf("escalations = %v, want %v", got, want)
	}
}

func TestPlatformAverageMovesOnlyOnTransactions(t *testing.T) {
	e, clock := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := e.SubmitTransaction(ctx, "whale", domain.Transaction{Amount: 500, Timestamp: clock.Now()}); err != nil {
		t.Fatalf("SubmitTransaction() error = %v", err)
	}
	seeded, ok := e.transaction.GlobalAverage()
	if !ok || seeded != 500 {
		t.Fatalf("GlobalAverage() = %v, %v; want 500, true", seeded, ok)
	}

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		if _, err := e.SubmitEvent(ctx, "whale", domain.UserEvent{EventType: "login"}); err != nil {
			t.Fatalf("SubmitEvent() error = %v", err)
		}
		if _, err := e.AnalyzeUser(ctx, "whale"); err != nil {
			t.Fatalf("AnalyzeUser() error = %v", err)
		}
	}
	if avg, _ := e.transaction.GlobalAverage(); avg != seeded {
		t.Errorf("GlobalAverage() = %v after non-transaction analyses, want %v", avg, seeded)
	}

	clock.Advance(time.Second)
	if _, err := e.SubmitTransaction(ctx, "minnow", domain.Transaction{Amount: 10, Timestamp: clock.Now()}); err != nil {
		t.Fatalf("SubmitTransaction() error = %v", err)
	}
	if avg, _ := e.transaction.GlobalAverage(); avg >= seeded {
		t.Errorf("GlobalAverage() = %v, want below %v after a small purchase", avg, seeded)
	}
}
