package receipts

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/agentspend/internal/idgen"
	"github.com/mbd888/agentspend/internal/pagination"
)

// SignatureValidity is how long a receipt signature is honored.
const SignatureValidity = 30 * 24 * time.Hour

// Service issues and verifies receipts.
type Service struct {
	store  Store
	signer *Signer
	now    func() time.Time
}

// NewService creates a receipt service. A nil signer issues unsigned receipts.
func NewService(store Store, signer *Signer) *Service {
	return &Service{
		store:  store,
		signer: signer,
		now:    time.Now,
	}
}

// WithClock replaces the service clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ReceiptID is the deterministic receipt ID for a request.
func ReceiptID(requestID string) string {
	return idgen.Derive("rcpt_", requestID)
}

// Issue builds, signs and persists the receipt for a request. Every
// request gets exactly one receipt; a second call returns ErrDuplicate.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Receipt, error) {
	if req.RequestID == "" {
		return nil, fmt.Errorf("receipts: request id is required")
	}
	now := s.now().UTC().Truncate(time.Second)
	r := &Receipt{
		ID:            ReceiptID(req.RequestID),
		RequestID:     req.RequestID,
		UserID:        req.UserID,
		ProjectID:     req.ProjectID,
		Outcome:       req.Outcome,
		Kind:          req.Kind,
		Amount:        req.Amount,
		ActualAmount:  req.ActualAmount,
		SettlementRef: req.SettlementRef,
		FundsStatus:   req.FundsStatus,
		Fingerprint:   req.Fingerprint,
		AuditHead:     req.AuditHead,
		IssuedAt:      now,
		CreatedAt:     now,
	}

	payload := payloadOf(r)
	hash, err := hashPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("receipts: failed to marshal payload: %w", err)
	}
	r.PayloadHash = hash

	if s.signer != nil {
		sig, err := s.signer.Sign(payload)
		if err != nil {
			return nil, fmt.Errorf("receipts: failed to sign: %w", err)
		}
		r.Signature = sig
		r.ExpiresAt = now.Add(SignatureValidity)
	}

	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns a receipt by ID.
func (s *Service) Get(ctx context.Context, id string) (*Receipt, error) {
	return s.store.Get(ctx, id)
}

// GetByRequest returns the receipt issued for a request.
func (s *Service) GetByRequest(ctx context.Context, requestID string) (*Receipt, error) {
	return s.store.GetByRequest(ctx, requestID)
}

// ListByUser returns a user's most recent receipts.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int, opts ...ListOption) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit, opts...)
}

// Page is one page of a user's receipts.
type Page struct {
	Receipts   []*Receipt `json:"receipts"`
	Count      int        `json:"count"`
	NextCursor string     `json:"nextCursor,omitempty"`
	HasMore    bool       `json:"hasMore"`
}

// ListPage returns up to limit receipts after the opaque cursor, plus the
// cursor for the following page.
func (s *Service) ListPage(ctx context.Context, userID string, limit int, cursor string) (*Page, error) {
	if limit <= 0 {
		limit = 50
	}
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	list, err := s.store.ListByUser(ctx, userID, limit+1, WithCursor(c))
	if err != nil {
		return nil, err
	}
	list, next, more := pagination.ComputePage(list, limit, func(r *Receipt) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	return &Page{Receipts: list, Count: len(list), NextCursor: next, HasMore: more}, nil
}

// Verify checks a stored receipt's payload hash and signature.
func (s *Service) Verify(ctx context.Context, receiptID string) (*VerifyResponse, error) {
	resp := &VerifyResponse{ReceiptID: receiptID}

	receipt, err := s.store.Get(ctx, receiptID)
	if err != nil {
		resp.Error = ErrReceiptNotFound.Error()
		return resp, nil
	}

	payload := payloadOf(receipt)
	hash, err := hashPayload(payload)
	if err != nil {
		return nil, err
	}
	if hash != receipt.PayloadHash {
		resp.Error = "payload hash mismatch"
		return resp, nil
	}

	if s.signer == nil {
		resp.Error = ErrSigningDisabled.Error()
		return resp, nil
	}
	if !receipt.Signed() {
		resp.Error = "receipt is unsigned"
		return resp, nil
	}
	if !s.signer.Verify(payload, receipt.Signature) {
		resp.Error = "signature verification failed"
		return resp, nil
	}

	resp.Valid = true
	if s.now().After(receipt.ExpiresAt) {
		resp.Expired = true
	}
	return resp, nil
}
