package main

import (
	"sort"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/detectors"
)

// Scenario names.
const (
	ScenarioNormal    = "normal"
	ScenarioBot       = "bot"
	ScenarioTraveler  = "traveler"
	ScenarioHighSpend = "high_velocity"
)

// Step is one request against the entity's endpoints. Exactly one payload
// is set.
type Step struct {
	Event       *api.EventRequest
	Transaction *api.TransactionRequest
	Behavior    *api.BehaviorRequest
}

// Player is a synthetic player with its scripted traffic.
type Player struct {
	ID       string
	Scenario string
	Steps    []Step
}

// Generator builds reproducible players from a seed.
type Generator struct {
	faker   *gofakeit.Faker
	regions []string
	start   time.Time
}

// NewGenerator creates a generator whose timelines end before start.
func NewGenerator(seed uint64, start time.Time) *Generator {
	regions := make([]string, 0)
	for name := range detectors.DefaultRegions() {
		regions = append(regions, name)
	}
	sort.Strings(regions)

	return &Generator{
		faker:   gofakeit.New(seed),
		regions: regions,
		start:   start,
	}
}

type identity struct {
	id      string
	device  string
	ip      string
	session string
	region  string
}

func (g *Generator) identity(prefix string) identity {
	return identity{
		id:      prefix + "-" + g.faker.Username(),
		device:  g.faker.UUID(),
		ip:      g.faker.IPv4Address(),
		session: g.faker.UUID(),
		region:  g.faker.RandomString(g.regions),
	}
}

// Normal logs in, plays with human timing and makes one small purchase.
func (g *Generator) Normal() Player {
	who := g.identity("player")
	t := g.start.Add(-30 * time.Minute)

	steps := []Step{{Event: &api.EventRequest{
		EventType: "login",
		Timestamp: t,
		SessionID: who.session,
		DeviceID:  who.device,
		IPAddress: who.ip,
		Location:  who.region,
	}}}

	actions := []string{"move", "attack", "loot", "chat", "craft", "trade"}
	batch := &api.BehaviorRequest{}
	for range g.faker.Number(8, 20) {
		t = t.Add(time.Duration(g.faker.Number(800, 6000)) * time.Millisecond)
		batch.Events = append(batch.Events, api.BehaviorEventRequest{
			Action:     g.faker.RandomString(actions),
			Timestamp:  t,
			DurationMs: g.faker.Float64Range(150, 900),
			SessionID:  who.session,
			DeviceID:   who.device,
			Metadata: map[string]any{
				"x": g.faker.Number(0, 1920),
				"y": g.faker.Number(0, 1080),
			},
		})
	}
	steps = append(steps, Step{Behavior: batch})

	t = t.Add(time.Duration(g.faker.Number(1, 5)) * time.Minute)
	steps = append(steps, Step{Transaction: &api.TransactionRequest{
		Amount:        g.faker.Price(0.99, 19.99),
		Currency:      "USD",
		PaymentMethod: g.faker.CreditCardType(),
		Timestamp:     t,
		SessionID:     who.session,
		DeviceID:      who.device,
		IPAddress:     who.ip,
		Location:      who.region,
	}})

	return Player{ID: who.id, Scenario: ScenarioNormal, Steps: steps}
}

// Bot repeats one action at a fixed 50 ms cadence from the same spot.
func (g *Generator) Bot() Player {
	who := g.identity("bot")
	t := g.start.Add(-10 * time.Minute)

	batch := &api.BehaviorRequest{}
	for range 100 {
		t = t.Add(50 * time.Millisecond)
		batch.Events = append(batch.Events, api.BehaviorEventRequest{
			Action:     "collect",
			Timestamp:  t,
			DurationMs: 20,
			SessionID:  who.session,
			DeviceID:   who.device,
			Metadata:   map[string]any{"x": 640, "y": 360},
		})
	}
	return Player{ID: who.id, Scenario: ScenarioBot, Steps: []Step{{Behavior: batch}}}
}

// Traveler pays from two far-apart regions minutes apart.
func (g *Generator) Traveler() Player {
	who := g.identity("traveler")
	t := g.start.Add(-20 * time.Minute)

	tx := func(region string, at time.Time) Step {
		return Step{Transaction: &api.TransactionRequest{
			Amount:        g.faker.Price(5, 50),
			Currency:      "USD",
			PaymentMethod: "card",
			Timestamp:     at,
			DeviceID:      who.device,
			IPAddress:     g.faker.IPv4Address(),
			Location:      region,
		}}
	}
	return Player{
		ID:       who.id,
		Scenario: ScenarioTraveler,
		Steps:    []Step{tx("US-East", t), tx("Asia-East", t.Add(10*time.Minute))},
	}
}

// HighVelocity bursts escalating purchases across fresh devices and payment
// methods.
func (g *Generator) HighVelocity() Player {
	who := g.identity("spender")
	t := g.start.Add(-15 * time.Minute)

	steps := make([]Step, 0, 15)
	amount := 20.0
	for range 15 {
		t = t.Add(time.Duration(g.faker.Number(10, 40)) * time.Second)
		amount *= 1.4
		steps = append(steps, Step{Transaction: &api.TransactionRequest{
			Amount:        amount,
			Currency:      "USD",
			PaymentMethod: g.faker.CreditCardType(),
			RecipientID:   g.faker.UUID(),
			Timestamp:     t,
			DeviceID:      g.faker.UUID(),
			IPAddress:     g.faker.IPv4Address(),
			Location:      who.region,
		}})
	}
	return Player{ID: who.id, Scenario: ScenarioHighSpend, Steps: steps}
}

// Mix builds the requested number of players per scenario.
func (g *Generator) Mix(normal, bots, travelers, spenders int) []Player {
	out := make([]Player, 0, normal+bots+travelers+spenders)
	for range normal {
		out = append(out, g.Normal())
	}
	for range bots {
		out = append(out, g.Bot())
	}
	for range travelers {
		out = append(out, g.Traveler())
	}
	for range spenders {
		out = append(out, g.HighVelocity())
	}
	return out
}
