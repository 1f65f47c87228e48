// Package decision runs the spend-decision pipeline for one agent-issued
// paid call: validate, load context, authorize the target, price it, check
// budget and policy, score risk, adjudicate, and for approvals reserve,
// settle, invoke the provider and commit.
//
// Every request ends in exactly one terminal Decision. Failures before the
// reservation resolve to REJECT with no side effects beyond the audit trail;
// failures after it unwind or commit the hold and resolve to FAILED.
package decision

import (
	"time"

	"github.com/mbd888/agentspend/internal/adjudicator"
	"github.com/mbd888/agentspend/internal/policy"
	"github.com/mbd888/agentspend/internal/provider"
	"github.com/mbd888/agentspend/internal/receipts"
)

// Outcome is the terminal state of a request.
type Outcome string

const (
	OutcomeApprove    Outcome = "APPROVE"
	OutcomeReject     Outcome = "REJECT"
	OutcomeEscalate   Outcome = "ESCALATE"
	OutcomeQuarantine Outcome = "QUARANTINE"
	OutcomeFailed     Outcome = "FAILED" // authorized, but execution did not complete
)

// Kind classifies why a request did not end in a plain approval.
type Kind string

const (
	KindStructuralValidation Kind = "structural_validation"
	KindDuplicateRequest     Kind = "duplicate_request"
	KindAccountSuspended     Kind = "account_suspended"
	KindUnauthorizedTarget   Kind = "unauthorized_target"
	KindInsufficientBudget   Kind = "insufficient_budget"
	KindPolicyViolation      Kind = "policy_violation"
	KindHighRisk             Kind = "high_risk"
	KindAdjudicationRejected Kind = "adjudication_rejected"
	KindEscalationRequired   Kind = "escalation_required"
	KindStageFailure         Kind = "stage_failure"
	KindSettlementFailure    Kind = "settlement_failure"
	KindProviderFailure      Kind = "provider_failure"
)

// FundsStatus says what happened to the caller's money.
type FundsStatus string

const (
	FundsNoChange          FundsStatus = "no_change"
	FundsHeldReleased      FundsStatus = "held_released"
	FundsSettled           FundsStatus = "settled"
	FundsSpentNotDelivered FundsStatus = "spent_not_delivered"
)

// Stage names, in pipeline order.
const (
	StageValidate       = "validate"
	StageLoadContext    = "load_context"
	StageAuthorize      = "authorize_provider_model"
	StageEstimate       = "estimate"
	StageCheckBudget    = "check_budget"
	StageCheckPolicy    = "check_policy"
	StageAssessRisk     = "assess_risk"
	StageRoute          = "route"
	StageAdjudicate     = "adjudicate"
	StageReserve        = "reserve"
	StageSettle         = "settle"
	StageInvokeProvider = "invoke_provider"
	StageCommit         = "commit"
	StageReceipt        = "receipt"
)

// MaxParamsBytes bounds the encoded size of Request.Params.
const MaxParamsBytes = 64 << 10

// Request is one agent-issued paid call awaiting a decision. SubmittedAt
// is the only clock the pipeline consults. The HTTP handler stamps it on
// arrival and overwrites any value the caller sent.
type Request struct {
	RequestID   string         `json:"requestId" validate:"required,identifier"`
	UserID      string         `json:"userId" validate:"required,identifier"`
	ProjectID   string         `json:"projectId" validate:"required,identifier"`
	AgentID     string         `json:"agentId,omitempty" validate:"omitempty,identifier"`
	Provider    string         `json:"provider" validate:"required,identifier"`
	Model       string         `json:"model" validate:"required,identifier"`
	Operation   string         `json:"operation" validate:"required,oneof=chat completion embedding image"`
	Params      map[string]any `json:"params,omitempty"`
	SubmittedAt time.Time      `json:"submittedAt" validate:"required"`
}

// Decision is the terminal verdict for a request. It holds no wall-clock
// values, so identical inputs produce identical decisions.
type Decision struct {
	RequestID       string             `json:"requestId"`
	Outcome         Outcome            `json:"outcome"`
	Kind            Kind               `json:"kind,omitempty"`
	Reason          string             `json:"reason"`
	Stage           string             `json:"stage"` // last stage entered
	PoliciesChecked []string           `json:"policiesChecked,omitempty"`
	Violations      []policy.Violation `json:"violations,omitempty"`
	RiskScore       int                `json:"riskScore,omitempty"`
	FraudIndicators []string           `json:"fraudIndicators,omitempty"`
	Tier            adjudicator.Tier   `json:"tier,omitempty"`
	Path            []adjudicator.Tier `json:"path,omitempty"`
	Rule            string             `json:"rule,omitempty"`
	EstimatedCost   string             `json:"estimatedCost,omitempty"`
	ActualCost      string             `json:"actualCost,omitempty"`
	Variance        string             `json:"variance,omitempty"`
	Anomaly         bool               `json:"anomaly,omitempty"`
	ReservationID   string             `json:"reservationId,omitempty"`
	SettlementRef   string             `json:"settlementRef,omitempty"`
	FundsStatus     FundsStatus        `json:"fundsStatus"`
	HandoffID       string             `json:"handoffId,omitempty"`
	PolicyVersion   string             `json:"policyVersion,omitempty"`
	BaselineRef     string             `json:"baselineRef,omitempty"`
	Fingerprint     string             `json:"fingerprint,omitempty"`
}

// Approved reports whether the call was made on the caller's behalf.
func (d *Decision) Approved() bool { return d.Outcome == OutcomeApprove }

// Result is what the caller gets back.
type Result struct {
	Decision         *Decision          `json:"decision"`
	Receipt          *receipts.Receipt  `json:"receipt,omitempty"`
	ProviderResponse *provider.Response `json:"providerResponse,omitempty"`
}
