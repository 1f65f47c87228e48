package adjudicator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouter_Route(t *testing.T) {
	r := NewRouter()
	tests := []struct {
		name   string
		amount string
		risk   int
		want   Tier
	}{
		{"cheap low risk", "0.002", 1, TierFast},
		{"just under ceiling", "0.999999", 4, TierFast},
		{"at ceiling", "1.00", 1, TierComprehensive},
		{"risk at limit", "0.01", 5, TierComprehensive},
		{"expensive", "120.00", 2, TierComprehensive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Route(Input{Amount: tt.amount, RiskScore: tt.risk}))
		})
	}
}

func TestRouter_ZeroValueUsesDefaults(t *testing.T) {
	var r Router
	assert.Equal(t, TierFast, r.Route(Input{Amount: "0.50", RiskScore: 4}))
	assert.Equal(t, TierComprehensive, r.Route(Input{Amount: "2.00", RiskScore: 1}))
}

func TestFast_Decide(t *testing.T) {
	f := NewFast()
	ctx := context.Background()

	v := f.Decide(ctx, Input{Amount: "0.002", RiskScore: 1})
	assert.Equal(t, ActionApprove, v.Action)

	v = f.Decide(ctx, Input{Amount: "0.002", RiskScore: 1, FraudIndicators: []string{"stolen_card"}})
	assert.Equal(t, ActionReject, v.Action)
	assert.Equal(t, RuleFraud, v.Rule)
	assert.Contains(t, v.Reason, "stolen_card")

	v = f.Decide(ctx, Input{Amount: "0.06", RiskScore: 1})
	assert.Equal(t, ActionDefer, v.Action)
	assert.Equal(t, RuleFastBounds, v.Rule)

	v = f.Decide(ctx, Input{Amount: "0.01", RiskScore: 4})
	assert.Equal(t, ActionDefer, v.Action)

	// cost bound is inclusive
	v = f.Decide(ctx, Input{Amount: "0.05", RiskScore: 2})
	assert.Equal(t, ActionApprove, v.Action)

	// risk 3 is in the review band
	v = f.Decide(ctx, Input{Amount: "0.01", RiskScore: 3})
	assert.Equal(t, ActionDefer, v.Action)
	assert.Equal(t, RuleFastBounds, v.Rule)

	// a loose MaxRisk cannot pull review-band scores into fast approval
	loose := &Fast{MaxCost: DefaultFastMaxCost, MaxRisk: 9}
	v = loose.Decide(ctx, Input{Amount: "0.01", RiskScore: 4})
	assert.Equal(t, ActionDefer, v.Action)
}

func TestComprehensive_RuleOrder(t *testing.T) {
	c := NewComprehensive()
	ctx := context.Background()
	tests := []struct {
		name string
		in   Input
		want Action
		rule string
	}{
		{"violations beat everything", Input{Amount: "500.00", Violations: []string{"a", "b"}, FraudIndicators: []string{"x"}, AgentUnfamiliar: true}, ActionReject, RuleViolations},
		{"single violation is advisory", Input{Amount: "10.00", Violations: []string{"a"}}, ActionApprove, RuleDefault},
		{"fraud", Input{Amount: "10.00", FraudIndicators: []string{"chargeback"}}, ActionReject, RuleFraud},
		{"unfamiliar agent above threshold", Input{Amount: "75.00", AgentUnfamiliar: true}, ActionQuarantine, RuleUnfamiliarAgent},
		{"unfamiliar agent over both", Input{Amount: "150.00", AgentUnfamiliar: true}, ActionQuarantine, RuleUnfamiliarAgent},
		{"unfamiliar agent at threshold", Input{Amount: "50.00", AgentUnfamiliar: true}, ActionApprove, RuleDefault},
		{"hard ceiling", Input{Amount: "120.00"}, ActionEscalate, RuleHardCeiling},
		{"at hard ceiling", Input{Amount: "100.00"}, ActionApprove, RuleDefault},
		{"familiar mid-size", Input{Amount: "75.00", RiskScore: 6}, ActionApprove, RuleDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := c.Decide(ctx, tt.in)
			assert.Equal(t, tt.want, v.Action)
			assert.Equal(t, tt.rule, v.Rule)
		})
	}
}

func TestPanel_Adjudicate(t *testing.T) {
	p := NewPanel()
	ctx := context.Background()

	res := p.Adjudicate(ctx, Input{Amount: "0.002", RiskScore: 1})
	assert.Equal(t, ActionApprove, res.Verdict.Action)
	assert.Equal(t, TierFast, res.Tier)
	assert.Equal(t, []Tier{TierFast}, res.Path)

	// fast defers, comprehensive approves
	res = p.Adjudicate(ctx, Input{Amount: "0.40", RiskScore: 2})
	assert.Equal(t, ActionApprove, res.Verdict.Action)
	assert.Equal(t, TierComprehensive, res.Tier)
	assert.Equal(t, []Tier{TierFast, TierComprehensive}, res.Path)

	res = p.Adjudicate(ctx, Input{Amount: "120.00", RiskScore: 3})
	assert.Equal(t, ActionEscalate, res.Verdict.Action)
	assert.Equal(t, []Tier{TierComprehensive}, res.Path)
}

type deferring struct{ tier Tier }

func (d deferring) Tier() Tier { return d.tier }

func (d deferring) Decide(context.Context, Input) Verdict { return Verdict{Action: ActionDefer} }

func TestPanel_ReviewBandRiskEndsOnComprehensive(t *testing.T) {
	res := NewPanel().Adjudicate(context.Background(), Input{Amount: "0.01", RiskScore: 3})
	assert.Equal(t, ActionApprove, res.Verdict.Action)
	assert.Equal(t, TierComprehensive, res.Tier)
	assert.Equal(t, []Tier{TierFast, TierComprehensive}, res.Path)
}

func TestPanel_ComprehensiveDeferralEscalates(t *testing.T) {
	p := &Panel{Router: NewRouter(), Fast: deferring{TierFast}, Comprehensive: deferring{TierComprehensive}}
	res := p.Adjudicate(context.Background(), Input{Amount: "0.01", RiskScore: 1})
	assert.Equal(t, ActionEscalate, res.Verdict.Action)
	assert.Len(t, res.Path, 2)
}

func TestPanel_Deterministic(t *testing.T) {
	p := NewPanel()
	in := Input{Amount: "75.00", RiskScore: 6, AgentUnfamiliar: true, Violations: []string{"warn"}}
	first := p.Adjudicate(context.Background(), in)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, p.Adjudicate(context.Background(), in))
	}
}
