// Package adjudicator routes a scored request to one of two deterministic
// heuristic adjudicators and returns their verdict.
//
// Cheap, low-risk requests go to the Fast adjudicator. Everything else, and
// anything Fast declines to decide, goes to the Comprehensive adjudicator.
// Neither adjudicator consults a clock or external state, so the same input
// always yields the same verdict.
package adjudicator

import (
	"context"
	"fmt"
	"strings"

	"github.com/mbd888/agentspend/internal/risk"
	"github.com/mbd888/agentspend/internal/usdc"
)

// Tier names an adjudicator.
type Tier string

const (
	TierFast          Tier = "fast"
	TierComprehensive Tier = "comprehensive"
)

// Action is what an adjudicator decided.
type Action string

const (
	ActionApprove    Action = "APPROVE"
	ActionReject     Action = "REJECT"
	ActionEscalate   Action = "ESCALATE"   // hand off to human review
	ActionQuarantine Action = "QUARANTINE" // hold for human review, agent flagged
	ActionDefer      Action = "DEFER"      // Fast only: pass to Comprehensive
)

// Rule identifiers reported in verdicts.
const (
	RuleFraud           = "fraud_indicator"
	RuleFastBounds      = "fast_bounds_exceeded"
	RuleViolations      = "multiple_violations"
	RuleUnfamiliarAgent = "unfamiliar_agent_high_cost"
	RuleHardCeiling     = "hard_ceiling"
	RuleDefault         = "default_approve"
)

// Defaults
const (
	DefaultMicroCeiling       = "1.00"
	DefaultFastRiskLimit      = 5
	DefaultFastMaxCost        = "0.05"
	DefaultFastMaxRisk        = 2
	DefaultSecondaryThreshold = "50.00"
	DefaultHardCeiling        = "100.00"
	DefaultMaxViolations      = 2
)

// Input is everything an adjudicator may look at.
type Input struct {
	Amount          string   // estimated cost
	RiskScore       int      // 1-10
	FraudIndicators []string // from the risk assessment and the account
	Violations      []string // advisory policy violations that did not block
	AgentUnfamiliar bool
}

// Verdict is one adjudicator's decision.
type Verdict struct {
	Action Action `json:"action"`
	Rule   string `json:"rule"`
	Reason string `json:"reason"`
}

// Adjudicator decides a single input.
type Adjudicator interface {
	Tier() Tier
	Decide(ctx context.Context, in Input) Verdict
}

// Router picks the first tier for an input.
type Router struct {
	MicroCeiling  string
	FastRiskLimit int
}

// NewRouter returns a router with the default thresholds.
func NewRouter() Router {
	return Router{MicroCeiling: DefaultMicroCeiling, FastRiskLimit: DefaultFastRiskLimit}
}

// Route returns TierFast only when the cost is strictly below the micro
// ceiling and the risk score is strictly below the fast risk limit.
func (r Router) Route(in Input) Tier {
	ceiling := r.MicroCeiling
	if ceiling == "" {
		ceiling = DefaultMicroCeiling
	}
	limit := r.FastRiskLimit
	if limit <= 0 {
		limit = DefaultFastRiskLimit
	}
	if usdc.Cmp(in.Amount, ceiling) < 0 && in.RiskScore < limit {
		return TierFast
	}
	return TierComprehensive
}

// Fast approves small, low-risk requests and defers anything else.
type Fast struct {
	MaxCost string
	MaxRisk int
}

// NewFast returns a Fast adjudicator with the default bounds.
func NewFast() *Fast {
	return &Fast{MaxCost: DefaultFastMaxCost, MaxRisk: DefaultFastMaxRisk}
}

func (f *Fast) Tier() Tier { return TierFast }

func (f *Fast) Decide(_ context.Context, in Input) Verdict {
	if len(in.FraudIndicators) > 0 {
		return Verdict{ActionReject, RuleFraud, "fraud indicator present: " + strings.Join(in.FraudIndicators, ", ")}
	}
	// a review-band score always needs comprehensive adjudication, whatever MaxRisk says
	if usdc.Cmp(in.Amount, f.MaxCost) > 0 || in.RiskScore > f.MaxRisk || risk.BandFor(in.RiskScore) != risk.BandLow {
		return Verdict{ActionDefer, RuleFastBounds,
			fmt.Sprintf("cost %s / risk %d outside fast bounds (max %s / %d)", usdc.Normalize(in.Amount), in.RiskScore, f.MaxCost, f.MaxRisk)}
	}
	return Verdict{ActionApprove, RuleDefault, "within fast-tier bounds"}
}

// Comprehensive applies the full rule set. It never defers.
type Comprehensive struct {
	SecondaryThreshold string
	HardCeiling        string
	MaxViolations      int
}

// NewComprehensive returns a Comprehensive adjudicator with the default thresholds.
func NewComprehensive() *Comprehensive {
	return &Comprehensive{
		SecondaryThreshold: DefaultSecondaryThreshold,
		HardCeiling:        DefaultHardCeiling,
		MaxViolations:      DefaultMaxViolations,
	}
}

func (c *Comprehensive) Tier() Tier { return TierComprehensive }

func (c *Comprehensive) Decide(_ context.Context, in Input) Verdict {
	maxViolations := c.MaxViolations
	if maxViolations <= 0 {
		maxViolations = DefaultMaxViolations
	}
	switch {
	case len(in.Violations) >= maxViolations:
		return Verdict{ActionReject, RuleViolations,
			fmt.Sprintf("%d accumulated policy violations: %s", len(in.Violations), strings.Join(in.Violations, "; "))}
	case len(in.FraudIndicators) > 0:
		return Verdict{ActionReject, RuleFraud, "fraud indicator present: " + strings.Join(in.FraudIndicators, ", ")}
	case in.AgentUnfamiliar && usdc.Cmp(in.Amount, c.SecondaryThreshold) > 0:
		return Verdict{ActionQuarantine, RuleUnfamiliarAgent,
			fmt.Sprintf("unfamiliar agent requesting %s (threshold %s)", usdc.Normalize(in.Amount), c.SecondaryThreshold)}
	case usdc.Cmp(in.Amount, c.HardCeiling) > 0:
		return Verdict{ActionEscalate, RuleHardCeiling,
			fmt.Sprintf("cost %s above hard ceiling %s", usdc.Normalize(in.Amount), c.HardCeiling)}
	}
	return Verdict{ActionApprove, RuleDefault, "passed comprehensive review"}
}

// Result is the final verdict and the tiers that produced it.
type Result struct {
	Verdict Verdict `json:"verdict"`
	Tier    Tier    `json:"tier"` // tier that issued the final verdict
	Path    []Tier  `json:"path"`
}

// Panel routes inputs and follows at most one Fast to Comprehensive deferral.
type Panel struct {
	Router        Router
	Fast          Adjudicator
	Comprehensive Adjudicator
}

// NewPanel returns a panel with default router and adjudicators.
func NewPanel() *Panel {
	return &Panel{Router: NewRouter(), Fast: NewFast(), Comprehensive: NewComprehensive()}
}

// Route reports the tier an input lands on first.
func (p *Panel) Route(in Input) Tier { return p.Router.Route(in) }

// Adjudicate runs the routed tier. A Fast deferral is followed exactly once;
// a deferral from Comprehensive is treated as escalation.
func (p *Panel) Adjudicate(ctx context.Context, in Input) Result {
	tier := p.Router.Route(in)
	res := Result{Tier: tier, Path: []Tier{tier}}
	if tier == TierFast {
		res.Verdict = p.Fast.Decide(ctx, in)
		if res.Verdict.Action != ActionDefer {
			return res
		}
		res.Tier = TierComprehensive
		res.Path = append(res.Path, TierComprehensive)
	}
	res.Verdict = p.Comprehensive.Decide(ctx, in)
	if res.Verdict.Action == ActionDefer {
		res.Verdict.Action = ActionEscalate
	}
	return res
}
