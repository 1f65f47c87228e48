package risk

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"
)

// Monday 2026-10-19 14:30 UTC
var now = time.Date(2026, 10, 19, 14, 30, 0, 0, time.UTC)

func warmBaseline() *Baseline {
	b := &Baseline{
		Ref:              "bl_test",
		UserID:           "alice",
		WindowDays:       30,
		SampleDays:       10,
		DailyRequestMean: 20,
		RequestsToday:    5,
		MeanCost:         "0.010000",
		KnownAgents:      []string{"agent-1"},
		KnownTargets:     map[string]int{"openai/gpt-4": 50, "anthropic/claude-3-haiku": 1},
	}
	for h := 8; h < 20; h++ {
		b.HourHistogram[h] = 10
	}
	return b
}

func routine() Input {
	return Input{UserID: "alice", AgentID: "agent-1", Provider: "openai", Model: "gpt-4", Amount: "0.01", At: now}
}

func TestRoutineRequestScoresLow(t *testing.T) {
	a := NewEngine(Weights{}).Score(routine(), warmBaseline())
	if a.Score != 1 {
		t.Errorf("expected score 1, got %d (factors: %v)", a.Score, a.Factors)
	}
	if a.Band != BandLow {
		t.Errorf("expected low band, got %s", a.Band)
	}
	if a.BaselineRef != "bl_test" {
		t.Errorf("baseline ref not carried: %q", a.BaselineRef)
	}
	if len(a.FraudIndicators) != 0 {
		t.Errorf("unexpected fraud indicators: %v", a.FraudIndicators)
	}
}

func TestColdStartIgnoresHistoryFactors(t *testing.T) {
	in := routine()
	in.AgentID = "agent-new"
	in.Provider, in.Model = "cohere", "command"
	in.Amount = "500.00"

	for _, b := range []*Baseline{nil, {UserID: "alice"}} {
		a := NewEngine(Weights{}).Score(in, b)
		if a.Score != 1 {
			t.Errorf("cold start score = %d, want 1 (factors: %v)", a.Score, a.Factors)
		}
	}
}

func TestCostFactor(t *testing.T) {
	tests := []struct {
		amount string
		want   float64
	}{
		{"0.01", 0},
		{"0.03", 0},
		{"0.065", 0.5},
		{"0.10", 1},
		{"5.00", 1},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			in := routine()
			in.Amount = tt.amount
			got := NewEngine(Weights{}).Score(in, warmBaseline()).Factors[FactorCost]
			if got != tt.want {
				t.Errorf("cost factor for %s = %v, want %v", tt.amount, got, tt.want)
			}
		})
	}
}

func TestScoreMapping(t *testing.T) {
	costOnly := NewEngine(Weights{Cost: 1})
	tests := []struct {
		amount string
		score  int
		band   Band
	}{
		{"0.01", 1, BandLow},
		{"0.0475", 3, BandReview}, // factor 0.25 -> 1 + round(2.25)
		{"0.065", 6, BandReview},  // factor 0.5 -> 1 + round(4.5)
		{"0.10", 10, BandBlock},
	}
	for _, tt := range tests {
		in := routine()
		in.Amount = tt.amount
		a := costOnly.Score(in, warmBaseline())
		if a.Score != tt.score || a.Band != tt.band {
			t.Errorf("amount %s: got score %d band %s, want %d %s (factor %v)",
				tt.amount, a.Score, a.Band, tt.score, tt.band, a.Factors[FactorCost])
		}
	}
}

func TestBandFor(t *testing.T) {
	want := map[int]Band{1: BandLow, 2: BandLow, 3: BandReview, 5: BandReview, 7: BandReview, 8: BandBlock, 10: BandBlock}
	for score, band := range want {
		if got := BandFor(score); got != band {
			t.Errorf("BandFor(%d) = %s, want %s", score, got, band)
		}
	}
}

func TestUnfamiliarAgent(t *testing.T) {
	in := routine()
	in.AgentID = "agent-2"
	a := NewEngine(Weights{}).Score(in, warmBaseline())
	if a.Factors[FactorAgentUnfamiliar] != 1 {
		t.Errorf("expected unfamiliar agent factor 1, got %v", a.Factors[FactorAgentUnfamiliar])
	}

	in.AgentID = ""
	a = NewEngine(Weights{}).Score(in, warmBaseline())
	if a.Factors[FactorAgentUnfamiliar] != 0 {
		t.Errorf("requests without an agent should not count as unfamiliar")
	}
}

func TestTargetNovelty(t *testing.T) {
	tests := []struct {
		provider, model string
		want            float64
	}{
		{"openai", "gpt-4", 0},
		{"OpenAI", "gpt-4", 0},
		{"anthropic", "claude-3-haiku", 0.3},
		{"openai", "dall-e-3", 0.6},
	}
	for _, tt := range tests {
		in := routine()
		in.Provider, in.Model = tt.provider, tt.model
		if got := NewEngine(Weights{}).Score(in, warmBaseline()).Factors[FactorTargetNovelty]; got != tt.want {
			t.Errorf("%s/%s novelty = %v, want %v", tt.provider, tt.model, got, tt.want)
		}
	}
}

func TestUnusualHour(t *testing.T) {
	in := routine()
	in.At = time.Date(2026, 10, 19, 3, 0, 0, 0, time.UTC)
	a := NewEngine(Weights{}).Score(in, warmBaseline())
	if a.Factors[FactorTimeOfDay] != 0.8 {
		t.Errorf("expected time_of_day 0.8 at 03:00, got %v", a.Factors[FactorTimeOfDay])
	}
	if got := NewEngine(Weights{}).Score(routine(), warmBaseline()).Factors[FactorTimeOfDay]; got != 0 {
		t.Errorf("expected time_of_day 0 at 14:30, got %v", got)
	}
}

func TestVolumeSpike(t *testing.T) {
	b := warmBaseline()
	b.DailyRequestMean = 2
	b.RequestsToday = 199
	a := NewEngine(Weights{}).Score(routine(), b)
	if a.Factors[FactorVolume] != 1 {
		t.Errorf("100x volume should saturate, got %v", a.Factors[FactorVolume])
	}

	b.RequestsToday = 19
	a = NewEngine(Weights{}).Score(routine(), b)
	if a.Factors[FactorVolume] != 0.5 {
		t.Errorf("10x volume should score 0.5, got %v", a.Factors[FactorVolume])
	}
}

func TestRepeatedRejectionsAreFraud(t *testing.T) {
	b := warmBaseline()
	b.RecentRejections = 2
	a := NewEngine(Weights{}).Score(routine(), b)
	if len(a.FraudIndicators) != 0 {
		t.Errorf("2 rejections should not be fraud, got %v", a.FraudIndicators)
	}

	b.RecentRejections = 3
	a = NewEngine(Weights{}).Score(routine(), b)
	if a.Factors[FactorRepeatedRejections] != 1 {
		t.Errorf("expected saturated factor, got %v", a.Factors[FactorRepeatedRejections])
	}
	if !reflect.DeepEqual(a.FraudIndicators, []string{IndicatorRepeatedRejections}) {
		t.Errorf("unexpected indicators: %v", a.FraudIndicators)
	}
}

func TestAccountFraudFlagsPassThrough(t *testing.T) {
	b := warmBaseline()
	b.RecentRejections = 5
	in := routine()
	in.FraudFlags = []string{"chargeback", IndicatorRepeatedRejections}

	a := NewEngine(Weights{}).Score(in, b)
	want := []string{IndicatorRepeatedRejections, "chargeback"}
	if !reflect.DeepEqual(a.FraudIndicators, want) {
		t.Errorf("indicators = %v, want %v", a.FraudIndicators, want)
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	in := routine()
	in.Amount = "0.07"
	in.AgentID = "agent-9"
	e := NewEngine(Weights{})
	first := e.Score(in, warmBaseline())
	for i := 0; i < 50; i++ {
		if again := e.Score(in, warmBaseline()); !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs: %+v vs %+v", i, first, again)
		}
	}
}

func TestScoreBounds(t *testing.T) {
	b := warmBaseline()
	b.RecentRejections = 10
	b.DailyRequestMean = 1
	b.RequestsToday = 1000
	in := Input{UserID: "alice", AgentID: "x", Provider: "p", Model: "m", Amount: "1000", At: now.Add(-12 * time.Hour)}

	// weighted sum 0.92 -> 1 + round(8.28)
	a := NewEngine(Weights{}).Score(in, b)
	if a.Score != 9 || a.Band != BandBlock {
		t.Errorf("expected score 9 in block band, got %d %s (factors %v)", a.Score, a.Band, a.Factors)
	}

	heavy := NewEngine(Weights{Cost: 5})
	if s := heavy.Score(in, b).Score; s != MaxScore {
		t.Errorf("score must clamp to %d, got %d", MaxScore, s)
	}
}

// ============================================================================
// Baselines
// ============================================================================

func act(id string, at time.Time, approved bool, agent, amount string) Activity {
	return Activity{RequestID: id, UserID: "alice", AgentID: agent, Provider: "openai", Model: "gpt-4",
		Amount: amount, Approved: approved, Rejected: !approved, At: at}
}

func TestBuildBaseline(t *testing.T) {
	var acts []Activity
	// 3 prior days with 4 approved requests each
	for d := 1; d <= 3; d++ {
		for i := 0; i < 4; i++ {
			at := now.AddDate(0, 0, -d).Add(time.Duration(i) * time.Minute)
			acts = append(acts, act(fmt.Sprintf("h%d-%d", d, i), at, true, "agent-1", "0.02"))
		}
	}
	acts = append(acts,
		act("t1", now.Add(-2*time.Hour), true, "agent-2", "0.04"),
		act("t2", now.Add(-30*time.Second), true, "", "0.04"),
		act("r1", now.Add(-time.Hour), false, "agent-3", "9.00"),
		act("future", now.Add(time.Minute), true, "agent-4", "1.00"),
	)

	b := Build("alice", now, 30, acts)
	if b.SampleDays != 3 {
		t.Errorf("SampleDays = %d, want 3", b.SampleDays)
	}
	if b.DailyRequestMean != 4 {
		t.Errorf("DailyRequestMean = %v, want 4", b.DailyRequestMean)
	}
	if b.RequestsToday != 2 || b.RequestsLastHour != 1 || b.RequestsLastMinute != 1 {
		t.Errorf("counts today/hour/minute = %d/%d/%d, want 2/1/1", b.RequestsToday, b.RequestsLastHour, b.RequestsLastMinute)
	}
	if b.RecentRejections != 1 {
		t.Errorf("RecentRejections = %d, want 1", b.RecentRejections)
	}
	// (12*0.02 + 2*0.04) / 14
	if b.MeanCost != "0.022857" {
		t.Errorf("MeanCost = %s", b.MeanCost)
	}
	if !reflect.DeepEqual(b.KnownAgents, []string{"agent-1", "agent-2"}) {
		t.Errorf("KnownAgents = %v", b.KnownAgents)
	}
	if b.KnownTargets["openai/gpt-4"] != 14 {
		t.Errorf("KnownTargets = %v", b.KnownTargets)
	}
	if b.Ref == "" || b.Ref != Build("alice", now, 30, acts).Ref {
		t.Errorf("Ref must be stable, got %q", b.Ref)
	}
	if b.Ref == Build("alice", now, 30, acts[:5]).Ref {
		t.Errorf("Ref must change with content")
	}
}

func TestBaselinerUsesStoreWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	bl := NewBaseliner(store, 7)

	_ = bl.Record(ctx, act("old", now.AddDate(0, 0, -10), true, "agent-old", "1.00"))
	_ = bl.Record(ctx, act("b", now.AddDate(0, 0, -1), true, "agent-1", "0.01"))
	_ = bl.Record(ctx, act("a", now.AddDate(0, 0, -2), true, "agent-1", "0.01"))

	b, err := bl.Baseline(ctx, "alice", now)
	if err != nil {
		t.Fatalf("Baseline: %v", err)
	}
	if b.SampleDays != 2 {
		t.Errorf("SampleDays = %d, want 2 (activity outside the window must be ignored)", b.SampleDays)
	}
	if b.WindowDays != 7 {
		t.Errorf("WindowDays = %d", b.WindowDays)
	}

	other, _ := bl.Baseline(ctx, "bob", now)
	if !other.ColdStart() {
		t.Errorf("unknown user should be cold start")
	}
}

func TestMemoryStoreOrderAndPrune(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.RecordOutcome(ctx, act("2", now.Add(-time.Hour), true, "", "0"))
	_ = s.RecordOutcome(ctx, act("1", now.Add(-2*time.Hour), true, "", "0"))
	_ = s.RecordOutcome(ctx, act("3", now, true, "", "0"))

	got, _ := s.Window(ctx, "alice", now.Add(-3*time.Hour), now)
	if len(got) != 2 || got[0].RequestID != "1" || got[1].RequestID != "2" {
		t.Fatalf("unexpected window: %+v", got)
	}

	if n := s.Prune(now.Add(-90 * time.Minute)); n != 1 {
		t.Errorf("Prune removed %d, want 1", n)
	}
	got, _ = s.Window(ctx, "alice", time.Time{}, now.Add(time.Second))
	if len(got) != 2 {
		t.Errorf("expected 2 remaining, got %d", len(got))
	}
}
