// Package receipts issues one signed receipt per decided request.
//
// A receipt binds the terminal outcome, the amount, the settlement
// reference and the request fingerprint to the head of the request's audit
// chain, so a holder can check both the signature and the trail it points at.
package receipts

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/agentspend/internal/pagination"
)

var (
	ErrReceiptNotFound = errors.New("receipts: not found")
	ErrDuplicate       = errors.New("receipts: request already has a receipt")
	ErrSigningDisabled = errors.New("receipts: signing disabled (no HMAC secret configured)")
)

// Receipt is the caller-facing proof of how a request was decided.
type Receipt struct {
	ID            string    `json:"id"`
	RequestID     string    `json:"requestId"`
	UserID        string    `json:"userId"`
	ProjectID     string    `json:"projectId"`
	Outcome       string    `json:"outcome"`
	Kind          string    `json:"kind,omitempty"`          // error kind for non-approvals
	Amount        string    `json:"amount"`                  // estimated cost
	ActualAmount  string    `json:"actualAmount,omitempty"`  // provider-reported cost
	SettlementRef string    `json:"settlementRef,omitempty"` // gateway reference
	FundsStatus   string    `json:"fundsStatus,omitempty"`
	Fingerprint   string    `json:"fingerprint"`
	AuditHead     string    `json:"auditHead"`   // hash of the last audit entry before issuance
	PayloadHash   string    `json:"payloadHash"` // SHA-256 of canonical payload
	Signature     string    `json:"signature,omitempty"`
	IssuedAt      time.Time `json:"issuedAt"`
	ExpiresAt     time.Time `json:"expiresAt,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Signed reports whether the receipt carries a signature.
func (r *Receipt) Signed() bool { return r.Signature != "" }

// IssueRequest is the input for creating a receipt.
type IssueRequest struct {
	RequestID     string
	UserID        string
	ProjectID     string
	Outcome       string
	Kind          string
	Amount        string
	ActualAmount  string
	SettlementRef string
	FundsStatus   string
	Fingerprint   string
	AuditHead     string
}

// VerifyResponse is the result of receipt verification.
type VerifyResponse struct {
	Valid     bool   `json:"valid"`
	ReceiptID string `json:"receiptId"`
	Expired   bool   `json:"expired,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Store persists receipts. Create must reject a second receipt for the
// same request with ErrDuplicate.
type Store interface {
	Create(ctx context.Context, receipt *Receipt) error
	Get(ctx context.Context, id string) (*Receipt, error)
	GetByRequest(ctx context.Context, requestID string) (*Receipt, error)
	ListByUser(ctx context.Context, userID string, limit int, opts ...ListOption) ([]*Receipt, error)
}

// ListOption configures a list query.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor resumes a listing after the receipt the cursor points at.
// Newest first, so the page holds strictly older receipts.
func WithCursor(c *pagination.Cursor) ListOption {
	return func(o *listOpts) {
		o.cursor = c
	}
}

// receiptPayload is the struct that gets hashed and signed.
// Field order is fixed; encoding/json emits struct fields in order.
type receiptPayload struct {
	ActualAmount  string `json:"actualAmount"`
	Amount        string `json:"amount"`
	AuditHead     string `json:"auditHead"`
	Fingerprint   string `json:"fingerprint"`
	FundsStatus   string `json:"fundsStatus"`
	Kind          string `json:"kind"`
	Outcome       string `json:"outcome"`
	ProjectID     string `json:"projectId"`
	RequestID     string `json:"requestId"`
	SettlementRef string `json:"settlementRef"`
	UserID        string `json:"userId"`
}

func payloadOf(r *Receipt) receiptPayload {
	return receiptPayload{
		ActualAmount:  r.ActualAmount,
		Amount:        r.Amount,
		AuditHead:     r.AuditHead,
		Fingerprint:   r.Fingerprint,
		FundsStatus:   r.FundsStatus,
		Kind:          r.Kind,
		Outcome:       r.Outcome,
		ProjectID:     r.ProjectID,
		RequestID:     r.RequestID,
		SettlementRef: r.SettlementRef,
		UserID:        r.UserID,
	}
}
