package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/agentspend/internal/accounts"
	"github.com/mbd888/agentspend/internal/adjudicator"
	"github.com/mbd888/agentspend/internal/audit"
	"github.com/mbd888/agentspend/internal/budget"
	"github.com/mbd888/agentspend/internal/logging"
	"github.com/mbd888/agentspend/internal/metrics"
	"github.com/mbd888/agentspend/internal/policy"
	"github.com/mbd888/agentspend/internal/pricing"
	"github.com/mbd888/agentspend/internal/provider"
	"github.com/mbd888/agentspend/internal/receipts"
	"github.com/mbd888/agentspend/internal/retry"
	"github.com/mbd888/agentspend/internal/review"
	"github.com/mbd888/agentspend/internal/risk"
	"github.com/mbd888/agentspend/internal/settlement"
	"github.com/mbd888/agentspend/internal/traces"
	"github.com/mbd888/agentspend/internal/validation"
)

// Estimator prices calls and judges their actual cost.
type Estimator interface {
	EstimateCost(ctx context.Context, req pricing.Request) (*pricing.Estimate, error)
	DetectAnomaly(actual, estimated string) bool
}

// Ledger is the budget ledger as the pipeline uses it.
type Ledger interface {
	Check(ctx context.Context, key budget.Key, amount string, limits budget.Limits) (*budget.Snapshot, error)
	Reserve(ctx context.Context, key budget.Key, amount string, limits budget.Limits, reference string) (*budget.Reservation, error)
	Commit(ctx context.Context, reservationID, actual string) (string, error)
	Release(ctx context.Context, reservationID string) error
}

// Scorer assigns a risk score.
type Scorer interface {
	Score(in risk.Input, b *risk.Baseline) *risk.Assessment
}

// Adjudicator routes and decides scored requests.
type Adjudicator interface {
	Route(in adjudicator.Input) adjudicator.Tier
	Adjudicate(ctx context.Context, in adjudicator.Input) adjudicator.Result
}

// AuditChain records each stage of a request.
type AuditChain interface {
	Append(ctx context.Context, requestID string, eventType audit.EventType, payload any) (*audit.Entry, error)
	Head(requestID string) (string, bool)
	Close(requestID string)
}

// ReceiptIssuer issues the one receipt each request gets.
type ReceiptIssuer interface {
	Issue(ctx context.Context, req receipts.IssueRequest) (*receipts.Receipt, error)
	GetByRequest(ctx context.Context, requestID string) (*receipts.Receipt, error)
}

// Recorder observes finished requests. It feeds the risk baselines.
type Recorder interface {
	Record(ctx context.Context, a risk.Activity) error
}

// Timeouts bound each call to a collaborator. Zero means no bound beyond
// the caller's context.
type Timeouts struct {
	Policy     time.Duration
	Context    time.Duration
	Pricing    time.Duration
	Ledger     time.Duration
	Review     time.Duration
	Settlement time.Duration
	Provider   time.Duration
}

// DefaultTimeouts are used by DefaultConfig.
var DefaultTimeouts = Timeouts{
	Policy:     2 * time.Second,
	Context:    2 * time.Second,
	Pricing:    3 * time.Second,
	Ledger:     2 * time.Second,
	Review:     2 * time.Second,
	Settlement: 30 * time.Second,
	Provider:   60 * time.Second,
}

// finalizeTimeout bounds audit, receipt and compensation work done after
// the caller's context may already be gone.
const finalizeTimeout = 10 * time.Second

// Config tunes the engine.
type Config struct {
	Timeouts Timeouts

	// SettlementPoll bounds status polling for pending settlements.
	SettlementPoll retry.Policy

	// Compensation retries releases and commits of an existing hold.
	Compensation retry.Policy

	GuardTTL time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Timeouts:       DefaultTimeouts,
		SettlementPoll: settlement.DefaultPollPolicy,
		Compensation:   retry.Policy{Attempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second},
		GuardTTL:       DefaultGuardTTL,
	}
}

// Deps are the engine's collaborators. Gate, Adjudicator, Scorer and
// Logger have defaults; Recorder is optional; the rest are required.
type Deps struct {
	Policies    policy.SnapshotSource
	Accounts    accounts.Provider
	Pricing     Estimator
	Budget      Ledger
	Gate        *policy.Gate
	Risk        Scorer
	Adjudicator Adjudicator
	Audit       AuditChain
	Settlement  settlement.Gateway
	Provider    provider.Gateway
	Review      review.Queue
	Receipts    ReceiptIssuer
	Recorder    Recorder
	Logger      *slog.Logger
}

// Engine runs the decision pipeline. It is safe for concurrent use; each
// call to Process is an independent pipeline.
type Engine struct {
	deps   Deps
	cfg    Config
	guard  *guard
	logger *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(deps Deps, cfg Config) *Engine {
	if deps.Gate == nil {
		deps.Gate = policy.NewGate()
	}
	if deps.Adjudicator == nil {
		deps.Adjudicator = adjudicator.NewPanel()
	}
	if deps.Risk == nil {
		deps.Risk = risk.NewEngine(risk.Weights{})
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{
		deps:   deps,
		cfg:    cfg,
		guard:  newGuard(cfg.GuardTTL),
		logger: deps.Logger,
	}
}

// SweepGuard forgets request IDs older than the guard TTL.
func (e *Engine) SweepGuard() int {
	return e.guard.sweep()
}

// Process decides req and returns a terminal result. It never returns an
// unresolved request: every path ends in a Decision, and every request with
// a usable ID gets an audit trail and a receipt.
func (e *Engine) Process(ctx context.Context, req *Request) *Result {
	if req == nil {
		req = &Request{}
	}
	log := e.logger.With("request_id", req.RequestID, "user", req.UserID, "project", req.ProjectID)
	ctx = logging.WithLogger(logging.WithRequestID(ctx, req.RequestID), log)
	ctx, span := traces.StartSpan(ctx, "decision.Process",
		traces.RequestID(req.RequestID), traces.Provider(req.Provider), traces.Model(req.Model))

	p := &pipeline{
		e:   e,
		req: req,
		d:   &Decision{RequestID: req.RequestID, FundsStatus: FundsNoChange},
		log: log,
	}

	var res *Result
	switch {
	case !validation.IsIdentifier(req.RequestID):
		// Without a usable ID there is nothing to key a trail or receipt on.
		p.d.Stage = StageValidate
		p.terminate(OutcomeReject, KindStructuralValidation, "requestId: must be a valid identifier")
		p.observe()
		res = &Result{Decision: p.d}
	default:
		if dup := p.duplicate(ctx); dup != nil {
			res = dup
			break
		}
		p.run(ctx)
		res = p.finish(ctx)
	}

	span.SetAttributes(traces.Outcome(string(res.Decision.Outcome)))
	traces.End(span, nil)
	return res
}

// halt ends the pipeline with a terminal outcome. Stages return it as an
// error; any other error is a stage failure.
type halt struct {
	outcome Outcome
	kind    Kind
	reason  string
}

func (h *halt) Error() string { return string(h.outcome) + ": " + h.reason }

func reject(kind Kind, reason string) error {
	return &halt{outcome: OutcomeReject, kind: kind, reason: reason}
}

// pipeline is the state of one request as it moves through the stages.
type pipeline struct {
	e   *Engine
	req *Request
	d   *Decision
	log *slog.Logger

	snap       *policy.Snapshot
	acct       *accounts.Context
	est        *pricing.Estimate
	balance    *budget.Snapshot
	assessment *risk.Assessment
	advisory   []string
	adjIn      adjudicator.Input
	verdict    adjudicator.Verdict
	rsv        *budget.Reservation
	resp       *provider.Response
}

type stage struct {
	name string
	run  func(ctx context.Context) error
}

func (p *pipeline) run(ctx context.Context) {
	stages := []stage{
		{StageValidate, p.validate},
		{StageLoadContext, p.loadContext},
		{StageAuthorize, p.authorize},
		{StageEstimate, p.estimate},
		{StageCheckBudget, p.checkBudget},
		{StageCheckPolicy, p.checkPolicy},
		{StageAssessRisk, p.assessRisk},
		{StageRoute, p.route},
		{StageAdjudicate, p.adjudicate},
		{StageReserve, p.reserve},
		{StageSettle, p.settle},
		{StageInvokeProvider, p.invoke},
		{StageCommit, p.commit},
	}
	for _, s := range stages {
		p.d.Stage = s.name
		start := time.Now()
		sctx, span := traces.StartSpan(ctx, "decision."+s.name, traces.Stage(s.name))
		err := s.run(sctx)
		metrics.ObserveStage(s.name, start)

		var h *halt
		if err == nil || errors.As(err, &h) {
			traces.End(span, nil)
		} else {
			traces.End(span, err)
		}
		switch {
		case h != nil:
			p.terminate(h.outcome, h.kind, h.reason)
			return
		case err != nil:
			p.stageFailed(ctx, s.name, err)
			return
		}
	}
}

// stageFailed resolves an unexpected stage error. Before a hold exists the
// request is rejected; after, the hold is released and the request fails.
func (p *pipeline) stageFailed(ctx context.Context, name string, err error) {
	p.log.Warn("decision stage failed", "stage", name, "error", err)
	reason := fmt.Sprintf("%s failed: %v", name, err)
	if p.rsv == nil {
		p.terminate(OutcomeReject, KindStageFailure, reason)
		return
	}
	p.release(ctx)
	p.terminate(OutcomeFailed, KindStageFailure, reason)
}

func (p *pipeline) terminate(outcome Outcome, kind Kind, reason string) {
	p.d.Outcome = outcome
	p.d.Kind = kind
	p.d.Reason = reason
}

// record appends a stage event. A failure stops the pipeline.
func (p *pipeline) record(ctx context.Context, ev audit.EventType, payload any) error {
	if _, err := p.e.deps.Audit.Append(ctx, p.req.RequestID, ev, payload); err != nil {
		return fmt.Errorf("audit %s: %w", ev, err)
	}
	return nil
}

// note appends an event for work that has already happened and cannot be
// undone. A failure is logged, not propagated.
func (p *pipeline) note(ctx context.Context, ev audit.EventType, payload any) {
	if err := p.record(ctx, ev, payload); err != nil {
		p.log.Error("CRITICAL: audit append failed after funds moved", "event", ev, "error", err)
	}
}

func bound(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// duplicate rejects a request ID that is in flight or already has a receipt.
// Nothing is appended to the existing trail.
func (p *pipeline) duplicate(ctx context.Context) *Result {
	claimed := p.e.guard.claim(p.req.RequestID)

	lctx, cancel := bound(ctx, p.e.cfg.Timeouts.Ledger)
	prior, err := p.e.deps.Receipts.GetByRequest(lctx, p.req.RequestID)
	cancel()
	switch {
	case err == nil:
		p.d.Stage = StageValidate
		p.terminate(OutcomeReject, KindDuplicateRequest, "request id already decided")
		p.observe()
		return &Result{Decision: p.d, Receipt: prior}
	case !errors.Is(err, receipts.ErrReceiptNotFound):
		// nothing ran under this claim, so a retry must not read as in flight
		if claimed {
			p.e.guard.release(p.req.RequestID)
		}
		p.d.Stage = StageValidate
		p.terminate(OutcomeReject, KindStageFailure, fmt.Sprintf("receipt lookup failed: %v", err))
		p.observe()
		return &Result{Decision: p.d}
	case !claimed:
		p.d.Stage = StageValidate
		p.terminate(OutcomeReject, KindDuplicateRequest, "request id already in flight")
		p.observe()
		return &Result{Decision: p.d}
	}
	return nil
}

// finish stamps the fingerprint, closes the trail and issues the receipt.
// It runs detached from the caller's cancellation so a decided request is
// always recorded.
func (p *pipeline) finish(ctx context.Context) *Result {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	d := p.d

	if d.Outcome == "" {
		p.terminate(OutcomeApprove, "", fmt.Sprintf("approved by %s adjudicator: %s", d.Tier, p.verdict.Reason))
	}

	fp, err := p.fingerprint()
	if err != nil {
		p.log.Error("fingerprint failed", "error", err)
	}
	d.Fingerprint = fp

	if err := p.record(ctx, audit.EventDecisionFinalized, map[string]any{
		"decision":    d,
		"fingerprint": fp,
	}); err != nil {
		p.log.Error("CRITICAL: decision not recorded in audit trail", "outcome", d.Outcome, "error", err)
	}
	p.observe()
	p.feedBaseline(ctx)

	head, _ := p.e.deps.Audit.Head(p.req.RequestID)
	rc, err := p.e.deps.Receipts.Issue(ctx, receipts.IssueRequest{
		RequestID:     p.req.RequestID,
		UserID:        p.req.UserID,
		ProjectID:     p.req.ProjectID,
		Outcome:       string(d.Outcome),
		Kind:          string(d.Kind),
		Amount:        d.EstimatedCost,
		ActualAmount:  d.ActualCost,
		SettlementRef: d.SettlementRef,
		FundsStatus:   string(d.FundsStatus),
		Fingerprint:   fp,
		AuditHead:     head,
	})
	if err != nil {
		p.log.Error("CRITICAL: receipt not issued", "outcome", d.Outcome, "error", err)
	} else if err := p.record(ctx, audit.EventReceiptIssued, map[string]string{
		"receiptId":   rc.ID,
		"payloadHash": rc.PayloadHash,
	}); err != nil {
		p.log.Warn("receipt issued but not recorded in audit trail", "receipt", rc.ID, "error", err)
	}
	p.e.deps.Audit.Close(p.req.RequestID)

	return &Result{Decision: d, Receipt: rc, ProviderResponse: p.resp}
}

func (p *pipeline) fingerprint() (string, error) {
	return Fingerprint(p.req, p.snap, p.est, p.balance, p.d.BaselineRef)
}

// feedBaseline records the outcome for future risk baselines. Only
// requests whose user context was loaded count.
func (p *pipeline) feedBaseline(ctx context.Context) {
	if p.e.deps.Recorder == nil || p.acct == nil {
		return
	}
	err := p.e.deps.Recorder.Record(ctx, risk.Activity{
		RequestID: p.req.RequestID,
		UserID:    p.req.UserID,
		AgentID:   p.req.AgentID,
		Provider:  p.req.Provider,
		Model:     p.req.Model,
		Amount:    p.d.EstimatedCost,
		Approved:  p.d.Outcome == OutcomeApprove,
		Rejected:  p.d.Outcome == OutcomeReject,
		At:        p.req.SubmittedAt,
	})
	if err != nil {
		p.log.Warn("failed to record activity", "error", err)
	}
}

func (p *pipeline) observe() {
	d := p.d
	metrics.DecisionsTotal.WithLabelValues(string(d.Outcome), string(d.Kind), string(d.Tier)).Inc()
	attrs := []any{
		"outcome", d.Outcome,
		"kind", d.Kind,
		"stage", d.Stage,
		"tier", d.Tier,
		"amount", d.EstimatedCost,
		"reason", d.Reason,
	}
	switch d.Outcome {
	case OutcomeApprove:
		p.log.Info("request approved", attrs...)
	case OutcomeFailed:
		p.log.Error("request failed", attrs...)
	default:
		p.log.Warn("request not approved", attrs...)
	}
}
