package domain

import (
	"math"
	"testing"
	"time"
)

func TestBasesFromConfidenceSplitsByWeight(t *testing.T) {
	bases := BasesFromConfidence(80)
	want := CategoryBases{Team: 20, Market: 20, Product: 16, Traction: 16, Deal: 8}
	if bases != want {
		t.Fatalf("expected %+v, got %+v", want, bases)
	}
	if bases.Sum() != 80 {
		t.Fatalf("expected sum 80, got %v", bases.Sum())
	}
}

func TestCategoryBasesBreakdownClampsToMax(t *testing.T) {
	breakdown := CategoryBases{Team: 40, Market: -3, Product: 10}.Breakdown()
	if breakdown.Team.Base != 25 || breakdown.Team.Max != 25 {
		t.Fatalf("unexpected team slot: %+v", breakdown.Team)
	}
	if breakdown.Market.Base != 0 {
		t.Fatalf("expected negative base clamped to 0, got %v", breakdown.Market.Base)
	}
	if breakdown.Deal.Max != 10 {
		t.Fatalf("expected deal max 10, got %v", breakdown.Deal.Max)
	}
}

func TestWeightedCoversEveryCategory(t *testing.T) {
	var b ScoreBreakdown
	weighted := 0
	for _, c := range AllCategories() {
		if !c.Valid() {
			t.Fatalf("category %q reported invalid", c)
		}
		if slot := b.Weighted(c); slot != nil {
			weighted++
			if c.MaxWeight() == 0 {
				t.Fatalf("weighted category %s has no max weight", c)
			}
		}
	}
	if weighted != len(WeightedCategories()) {
		t.Fatalf("expected %d weighted slots, got %d", len(WeightedCategories()), weighted)
	}
}

func TestScoreEventNormalize(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	event := ScoreEvent{DealID: " d1 ", Source: SourceEmail, Category: CategoryMomentum, Signal: "Fast reply"}
	if err := event.Normalize(now); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if event.Confidence != 1 || event.AnalyzedBy != AnalyzedByAI || !event.CreatedAt.Equal(now) || event.DealID != "d1" {
		t.Fatalf("unexpected defaults: %+v", event)
	}

	bad := []ScoreEvent{
		{Source: SourceEmail, Category: CategoryTeam, Signal: "x"},
		{DealID: "d", Source: "fax", Category: CategoryTeam, Signal: "x"},
		{DealID: "d", Source: SourceEmail, Category: "vibes", Signal: "x"},
		{DealID: "d", Source: SourceEmail, Category: CategoryTeam, Signal: "x", Confidence: 1.5},
		{DealID: "d", Source: SourceEmail, Category: CategoryTeam},
		{DealID: "d", Source: SourceEmail, Category: CategoryTeam, Signal: "x", Impact: math.NaN()},
		{DealID: "d", Source: SourceEmail, Category: CategoryTeam, Signal: "x", Impact: math.Inf(1)},
		{DealID: "d", Source: SourceEmail, Category: CategoryTeam, Signal: "x", Confidence: math.NaN()},
	}
	for i, e := range bad {
		if err := e.Normalize(now); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestScoringPolicyValidate(t *testing.T) {
	if err := DefaultScoringPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	policy := DefaultScoringPolicy()
	policy.Decay[1].Weight = 1.2
	if err := policy.Validate(); err == nil {
		t.Fatal("expected increasing decay weight to be rejected")
	}
	policy = DefaultScoringPolicy()
	policy.Milestones = []int{50, 90}
	if err := policy.Validate(); err == nil {
		t.Fatal("expected ascending milestones to be rejected")
	}
}

func TestSignalKeyAndRedFlags(t *testing.T) {
	if got := SignalKey("Metric inconsistency!"); got != "metric_inconsistency" {
		t.Fatalf("unexpected key %q", got)
	}
	policy := DefaultScoringPolicy()
	if !policy.IsRedFlagSignal("Runway concern") {
		t.Fatal("expected runway concern to be a red flag")
	}
	if policy.IsRedFlagSignal("Strong hire") {
		t.Fatal("unexpected red flag")
	}
}
