package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/agentspend/internal/accounts"
	"github.com/mbd888/agentspend/internal/adjudicator"
	"github.com/mbd888/agentspend/internal/audit"
	"github.com/mbd888/agentspend/internal/budget"
	"github.com/mbd888/agentspend/internal/metrics"
	"github.com/mbd888/agentspend/internal/policy"
	"github.com/mbd888/agentspend/internal/pricing"
	"github.com/mbd888/agentspend/internal/provider"
	"github.com/mbd888/agentspend/internal/retry"
	"github.com/mbd888/agentspend/internal/review"
	"github.com/mbd888/agentspend/internal/risk"
	"github.com/mbd888/agentspend/internal/settlement"
	"github.com/mbd888/agentspend/internal/usdc"
	"github.com/mbd888/agentspend/internal/validation"
)

func (p *pipeline) validate(ctx context.Context) error {
	if err := p.record(ctx, audit.EventRequestReceived, p.req); err != nil {
		return err
	}
	if err := validation.Struct(p.req); err != nil {
		return reject(KindStructuralValidation, err.Error())
	}
	if len(p.req.Params) > 0 {
		data, err := json.Marshal(p.req.Params)
		if err != nil {
			return reject(KindStructuralValidation, "params: "+err.Error())
		}
		if len(data) > MaxParamsBytes {
			return reject(KindStructuralValidation,
				fmt.Sprintf("params: %d bytes exceeds the %d byte limit", len(data), MaxParamsBytes))
		}
	}
	return p.record(ctx, audit.EventRequestValidated, nil)
}

// loadContext fetches the policy snapshot and the account context
// concurrently, each under its own timeout.
func (p *pipeline) loadContext(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sctx, cancel := bound(gctx, p.e.cfg.Timeouts.Policy)
		defer cancel()
		snap, err := p.e.deps.Policies.Snapshot(sctx, p.req.UserID, p.req.ProjectID)
		if err != nil {
			return fmt.Errorf("policy snapshot: %w", err)
		}
		p.snap = snap
		return nil
	})
	g.Go(func() error {
		cctx, cancel := bound(gctx, p.e.cfg.Timeouts.Context)
		defer cancel()
		acct, err := p.e.deps.Accounts.Context(cctx, p.req.UserID, p.req.SubmittedAt)
		if err != nil {
			return fmt.Errorf("account context: %w", err)
		}
		p.acct = acct
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	p.d.PolicyVersion = p.snap.Version()
	if p.acct.Baseline != nil {
		p.d.BaselineRef = p.acct.Baseline.Ref
	}
	if err := p.record(ctx, audit.EventContextLoaded, map[string]any{
		"policyVersion": p.d.PolicyVersion,
		"status":        p.acct.Account.Status,
		"verified":      p.acct.Account.Verified,
		"spending":      p.acct.Spending,
		"baselineRef":   p.d.BaselineRef,
	}); err != nil {
		return err
	}

	if p.acct.Account.Status == accounts.StatusSuspended {
		return reject(KindAccountSuspended, fmt.Sprintf("account %s is suspended", p.req.UserID))
	}
	if !p.acct.Account.Verified {
		p.advisory = append(p.advisory, "account is not verified")
	}
	return nil
}

// authorize runs the whitelist checks before anything prices or holds
// funds for the target.
func (p *pipeline) authorize(ctx context.Context) error {
	res := p.e.deps.Gate.ValidateProviderModel(policy.Input{
		Provider: p.req.Provider,
		Model:    p.req.Model,
		At:       p.req.SubmittedAt,
	}, p.snap)
	p.d.PoliciesChecked = res.PoliciesChecked
	if err := p.record(ctx, audit.EventTargetAuthorized, res); err != nil {
		return err
	}
	if !res.Compliant {
		p.d.Violations = res.Violations
		return reject(KindUnauthorizedTarget, res.Reason())
	}
	return nil
}

func (p *pipeline) estimate(ctx context.Context) error {
	ectx, cancel := bound(ctx, p.e.cfg.Timeouts.Pricing)
	defer cancel()
	est, err := p.e.deps.Pricing.EstimateCost(ectx, pricing.Request{
		Provider:  p.req.Provider,
		Model:     p.req.Model,
		Operation: p.req.Operation,
		Params:    p.req.Params,
	})
	if err != nil {
		return fmt.Errorf("estimate cost: %w", err)
	}
	p.est = est
	p.d.EstimatedCost = est.Amount
	return p.record(ctx, audit.EventCostEstimated, est)
}

func (p *pipeline) key() budget.Key {
	return budget.Key{UserID: p.req.UserID, ProjectID: p.req.ProjectID}
}

func (p *pipeline) limits() budget.Limits {
	c := p.snap.Limits()
	return budget.Limits{PerRequest: c.PerRequest, Daily: c.Daily, Monthly: c.Monthly}
}

func (p *pipeline) checkBudget(ctx context.Context) error {
	lctx, cancel := bound(ctx, p.e.cfg.Timeouts.Ledger)
	defer cancel()
	bal, err := p.e.deps.Budget.Check(lctx, p.key(), p.est.Amount, p.limits())

	var limitErr *budget.LimitError
	switch {
	case errors.As(err, &limitErr):
		p.balance = bal
		if err := p.record(ctx, audit.EventBudgetChecked, map[string]any{
			"sufficient": false,
			"requested":  p.est.Amount,
			"balance":    bal,
			"level":      limitErr.Level,
		}); err != nil {
			return err
		}
		return reject(KindInsufficientBudget, limitErr.Error())
	case err != nil:
		return fmt.Errorf("budget check: %w", err)
	}
	p.balance = bal
	return p.record(ctx, audit.EventBudgetChecked, map[string]any{
		"sufficient": true,
		"requested":  p.est.Amount,
		"balance":    bal,
	})
}

// usage combines the ledger's consumption (spent plus held) with the
// baseline's request counts.
func (p *pipeline) usage() policy.Usage {
	u := policy.Usage{
		DailySpent:   sum(p.balance.Daily.Spent, p.balance.Daily.Held),
		MonthlySpent: sum(p.balance.Monthly.Spent, p.balance.Monthly.Held),
	}
	if b := p.acct.Baseline; b != nil {
		u.RequestsLastMinute = b.RequestsLastMinute
		u.RequestsLastHour = b.RequestsLastHour
		u.RequestsToday = b.RequestsToday
	}
	return u
}

func (p *pipeline) checkPolicy(ctx context.Context) error {
	res := p.e.deps.Gate.CheckCompliance(policy.Input{
		Provider: p.req.Provider,
		Model:    p.req.Model,
		Amount:   p.est.Amount,
		At:       p.req.SubmittedAt,
		Usage:    p.usage(),
	}, p.snap)
	p.d.PoliciesChecked = res.PoliciesChecked
	p.d.Violations = res.Violations
	if err := p.record(ctx, audit.EventPolicyChecked, res); err != nil {
		return err
	}
	if !res.Compliant {
		return reject(KindPolicyViolation, res.Reason())
	}
	for _, w := range res.Warnings() {
		p.advisory = append(p.advisory, w.Reason)
	}
	return nil
}

func (p *pipeline) assessRisk(ctx context.Context) error {
	a := p.e.deps.Risk.Score(risk.Input{
		UserID:     p.req.UserID,
		AgentID:    p.req.AgentID,
		Provider:   p.req.Provider,
		Model:      p.req.Model,
		Amount:     p.est.Amount,
		At:         p.req.SubmittedAt,
		FraudFlags: p.acct.Account.FraudFlags,
	}, p.acct.Baseline)
	p.assessment = a
	p.d.RiskScore = a.Score
	p.d.FraudIndicators = a.FraudIndicators
	if a.BaselineRef != "" {
		p.d.BaselineRef = a.BaselineRef
	}
	metrics.RiskScores.Observe(float64(a.Score))
	if err := p.record(ctx, audit.EventRiskAssessed, a); err != nil {
		return err
	}
	if risk.BandFor(a.Score) == risk.BandBlock {
		return reject(KindHighRisk, fmt.Sprintf("risk score %d is in the block band (above 7)", a.Score))
	}
	return nil
}

// agentUnfamiliar reports whether a named agent has never had an approved
// request for this user.
func (p *pipeline) agentUnfamiliar() bool {
	if p.req.AgentID == "" {
		return false
	}
	b := p.acct.Baseline
	return b == nil || !slices.Contains(b.KnownAgents, p.req.AgentID)
}

func (p *pipeline) route(ctx context.Context) error {
	p.adjIn = adjudicator.Input{
		Amount:          p.est.Amount,
		RiskScore:       p.assessment.Score,
		FraudIndicators: p.assessment.FraudIndicators,
		Violations:      p.advisory,
		AgentUnfamiliar: p.agentUnfamiliar(),
	}
	tier := p.e.deps.Adjudicator.Route(p.adjIn)
	p.d.Tier = tier
	return p.record(ctx, audit.EventTierRouted, map[string]any{
		"tier":            tier,
		"amount":          p.adjIn.Amount,
		"riskScore":       p.adjIn.RiskScore,
		"advisory":        p.adjIn.Violations,
		"agentUnfamiliar": p.adjIn.AgentUnfamiliar,
	})
}

func (p *pipeline) adjudicate(ctx context.Context) error {
	res := p.e.deps.Adjudicator.Adjudicate(ctx, p.adjIn)
	p.verdict = res.Verdict
	p.d.Tier = res.Tier
	p.d.Path = res.Path
	p.d.Rule = res.Verdict.Rule
	if err := p.record(ctx, audit.EventAdjudicated, res); err != nil {
		return err
	}

	switch res.Verdict.Action {
	case adjudicator.ActionApprove:
		return nil
	case adjudicator.ActionReject:
		if res.Verdict.Rule == adjudicator.RuleViolations {
			return reject(KindPolicyViolation, res.Verdict.Reason)
		}
		return reject(KindAdjudicationRejected, res.Verdict.Reason)
	case adjudicator.ActionEscalate:
		return p.handoff(ctx, OutcomeEscalate, res.Verdict.Reason)
	case adjudicator.ActionQuarantine:
		return p.handoff(ctx, OutcomeQuarantine, res.Verdict.Reason)
	}
	return fmt.Errorf("adjudicator returned unknown action %q", res.Verdict.Action)
}

// handoff passes the request to human review. It is terminal for the
// pipeline; a failed handoff rejects the request.
func (p *pipeline) handoff(ctx context.Context, outcome Outcome, reason string) error {
	fp, err := p.fingerprint()
	if err != nil {
		return fmt.Errorf("fingerprint: %w", err)
	}
	h := &review.Handoff{
		ID:            review.HandoffID(p.req.RequestID),
		RequestID:     p.req.RequestID,
		UserID:        p.req.UserID,
		ProjectID:     p.req.ProjectID,
		AgentID:       p.req.AgentID,
		Provider:      p.req.Provider,
		Model:         p.req.Model,
		Outcome:       string(outcome),
		Reason:        reason,
		EstimatedCost: p.est.Amount,
		RiskScore:     p.assessment.Score,
		Fingerprint:   fp,
	}
	rctx, cancel := bound(ctx, p.e.cfg.Timeouts.Review)
	defer cancel()
	if err := p.e.deps.Review.Submit(rctx, h); err != nil && !errors.Is(err, review.ErrDuplicate) {
		return fmt.Errorf("review handoff: %w", err)
	}
	p.d.HandoffID = h.ID
	if err := p.record(ctx, audit.EventReviewHandoff, h); err != nil {
		return err
	}
	return &halt{outcome: outcome, kind: KindEscalationRequired, reason: reason}
}

func (p *pipeline) reserve(ctx context.Context) error {
	lctx, cancel := bound(ctx, p.e.cfg.Timeouts.Ledger)
	defer cancel()
	rsv, err := p.e.deps.Budget.Reserve(lctx, p.key(), p.est.Amount, p.limits(), p.req.RequestID)

	var limitErr *budget.LimitError
	switch {
	case errors.As(err, &limitErr):
		// capacity was taken by a concurrent request since the check
		return reject(KindInsufficientBudget, limitErr.Error())
	case err != nil:
		return fmt.Errorf("reserve: %w", err)
	}
	p.rsv = rsv
	p.d.ReservationID = rsv.ID
	if err := p.record(ctx, audit.EventReservationCreated, rsv); err != nil {
		p.release(ctx)
		return &halt{outcome: OutcomeFailed, kind: KindStageFailure, reason: err.Error()}
	}
	return nil
}

// settle moves the reserved amount exactly once. A settlement that does
// not succeed releases the hold.
func (p *pipeline) settle(ctx context.Context) error {
	if amt, ok := usdc.Parse(p.rsv.Amount); ok && amt.Sign() == 0 {
		p.d.FundsStatus = FundsSettled
		return p.record(ctx, audit.EventSettlementExecuted, map[string]any{
			"status": settlement.StatusSucceeded,
			"amount": p.rsv.Amount,
			"detail": "nothing to settle",
		})
	}

	sctx, cancel := bound(ctx, p.e.cfg.Timeouts.Settlement)
	defer cancel()
	res, err := settlement.Execute(sctx, p.e.deps.Settlement, settlement.Request{
		RequestID:      p.req.RequestID,
		UserID:         p.req.UserID,
		ProjectID:      p.req.ProjectID,
		Amount:         p.rsv.Amount,
		IdempotencyKey: p.req.RequestID,
		Customer:       p.acct.Account.StripeCustomer,
		PaymentMethod:  p.acct.Account.PaymentMethod,
		Metadata: map[string]string{
			"provider":    p.req.Provider,
			"model":       p.req.Model,
			"reservation": p.rsv.ID,
		},
	}, p.e.cfg.SettlementPoll)
	if res != nil {
		p.d.SettlementRef = res.Reference
	}

	if err == nil && res.Status == settlement.StatusSucceeded {
		p.d.FundsStatus = FundsSettled
		if err := p.record(ctx, audit.EventSettlementExecuted, res); err != nil {
			// money moved but the trail cannot show it: stop before the
			// provider is called
			p.commitReserved(ctx)
			return &halt{outcome: OutcomeFailed, kind: KindStageFailure, reason: err.Error()}
		}
		return nil
	}

	var reason string
	switch {
	case errors.Is(err, settlement.ErrStillPending):
		reason = "settlement unresolved: " + res.Reference
		p.log.Error("CRITICAL: settlement still pending after polling, releasing hold; reconcile reference",
			"reference", res.Reference, "amount", p.rsv.Amount)
	case err != nil:
		reason = "settlement failed: " + err.Error()
	default:
		reason = fmt.Sprintf("settlement %s", res.Status)
		if res.Detail != "" {
			reason += ": " + res.Detail
		}
	}
	entry := map[string]any{"status": settlement.StatusFailed, "amount": p.rsv.Amount, "reason": reason}
	if res != nil {
		entry["reference"] = res.Reference
		entry["status"] = res.Status
	}
	p.note(ctx, audit.EventSettlementExecuted, entry)
	p.release(ctx)
	return &halt{outcome: OutcomeFailed, kind: KindSettlementFailure, reason: reason}
}

// invoke calls the provider. Funds have moved, so a failed call commits
// the hold rather than releasing it.
func (p *pipeline) invoke(ctx context.Context) error {
	pctx, cancel := bound(ctx, p.e.cfg.Timeouts.Provider)
	defer cancel()
	resp, err := p.e.deps.Provider.Invoke(pctx, provider.Call{
		RequestID:     p.req.RequestID,
		Provider:      p.req.Provider,
		Model:         p.req.Model,
		Operation:     p.req.Operation,
		Params:        p.req.Params,
		Amount:        p.rsv.Amount,
		SettlementRef: p.d.SettlementRef,
	})
	if err != nil {
		p.note(ctx, audit.EventProviderInvoked, map[string]any{"error": err.Error()})
		p.commitReserved(ctx)
		p.d.FundsStatus = FundsSpentNotDelivered
		return &halt{
			outcome: OutcomeFailed,
			kind:    KindProviderFailure,
			reason:  "provider call failed after settlement: " + err.Error(),
		}
	}
	p.resp = resp
	p.note(ctx, audit.EventProviderInvoked, map[string]any{
		"statusCode": resp.StatusCode,
		"actualCost": resp.ActualCost,
		"latencyMs":  resp.LatencyMs,
	})
	return nil
}

// commit finalizes the hold with the provider-reported cost and records
// the variance against the estimate.
func (p *pipeline) commit(ctx context.Context) error {
	actual := usdc.Normalize(p.resp.ActualCost)
	if actual == "" {
		actual = p.rsv.Amount
	}
	variance, err := p.commitHold(ctx, actual)
	if err != nil {
		p.log.Error("CRITICAL: hold not committed after provider delivered",
			"reservation", p.rsv.ID, "actual", actual, "error", err)
	}
	p.d.ActualCost = actual
	p.d.Variance = variance
	p.d.Anomaly = p.e.deps.Pricing.DetectAnomaly(actual, p.est.Amount)

	if v, ok := usdc.ParseSigned(variance); ok {
		metrics.CostVariance.Observe(usdc.Float(v))
	}
	if p.d.Anomaly {
		metrics.CostAnomaliesTotal.Inc()
		p.log.Warn("actual cost anomaly", "estimated", p.est.Amount, "actual", actual)
	}
	p.note(ctx, audit.EventReservationCommitted, map[string]any{
		"reservationId": p.rsv.ID,
		"reserved":      p.rsv.Amount,
		"actual":        actual,
		"variance":      variance,
		"anomaly":       p.d.Anomaly,
	})
	return nil
}

// release returns the hold, retrying through transient errors. It runs
// detached from the request context so a timed-out stage still unwinds.
func (p *pipeline) release(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	err := retry.Do(ctx, p.e.cfg.Compensation, func(ctx context.Context) error {
		err := p.e.deps.Budget.Release(ctx, p.rsv.ID)
		if errors.Is(err, budget.ErrReservationResolved) || errors.Is(err, budget.ErrReservationNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		p.log.Error("CRITICAL: hold not released",
			"reservation", p.rsv.ID, "amount", p.rsv.Amount, "error", err)
		return
	}
	p.d.FundsStatus = FundsHeldReleased
	p.note(ctx, audit.EventReservationReleased, map[string]string{
		"reservationId": p.rsv.ID,
		"amount":        p.rsv.Amount,
	})
}

// commitReserved commits the hold at the reserved amount after money moved
// without the call being delivered.
func (p *pipeline) commitReserved(ctx context.Context) {
	if _, err := p.commitHold(ctx, p.rsv.Amount); err != nil {
		p.log.Error("CRITICAL: hold not committed after settlement",
			"reservation", p.rsv.ID, "amount", p.rsv.Amount, "error", err)
		return
	}
	p.d.ActualCost = p.rsv.Amount
	p.d.Variance = usdc.Format(new(big.Int))
	p.note(ctx, audit.EventReservationCommitted, map[string]any{
		"reservationId": p.rsv.ID,
		"reserved":      p.rsv.Amount,
		"actual":        p.rsv.Amount,
		"delivered":     false,
	})
}

func (p *pipeline) commitHold(ctx context.Context, actual string) (string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	var variance string
	err := retry.Do(ctx, p.e.cfg.Compensation, func(ctx context.Context) error {
		v, err := p.e.deps.Budget.Commit(ctx, p.rsv.ID, actual)
		switch {
		case errors.Is(err, budget.ErrReservationResolved), errors.Is(err, budget.ErrReservationNotFound),
			errors.Is(err, budget.ErrInvalidAmount):
			return retry.Permanent(err)
		case err != nil:
			return err
		}
		variance = v
		return nil
	})
	return variance, err
}

// sum adds two decimal amounts. Unparseable values count as zero.
func sum(a, b string) string {
	x, ok := usdc.Parse(a)
	if !ok {
		x = new(big.Int)
	}
	y, ok := usdc.Parse(b)
	if !ok {
		y = new(big.Int)
	}
	return usdc.Format(new(big.Int).Add(x, y))
}
