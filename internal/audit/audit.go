// Package audit records every decision pipeline stage in a per-request,
// hash-chained, append-only log.
//
// Each entry's hash covers the previous entry's hash and the canonical JSON
// of the entry body, so altering or removing any entry breaks every later
// link. Entries are written to a Sink synchronously; the pipeline does not
// advance until the sink confirms.
package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound         = errors.New("audit: no entries for request")
	ErrSequenceConflict = errors.New("audit: sequence number already written")
	ErrBrokenChain      = errors.New("audit: chain verification failed")
)

// GenesisHash is the previous-hash value of every request's first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// EventType names a pipeline event.
type EventType string

const (
	EventRequestReceived      EventType = "request.received"
	EventRequestValidated     EventType = "request.validated"
	EventContextLoaded        EventType = "context.loaded"
	EventTargetAuthorized     EventType = "target.authorized"
	EventCostEstimated        EventType = "cost.estimated"
	EventBudgetChecked        EventType = "budget.checked"
	EventPolicyChecked        EventType = "policy.checked"
	EventRiskAssessed         EventType = "risk.assessed"
	EventTierRouted           EventType = "tier.routed"
	EventAdjudicated          EventType = "adjudicated"
	EventReviewHandoff        EventType = "review.handoff"
	EventReservationCreated   EventType = "reservation.created"
	EventSettlementExecuted   EventType = "settlement.executed"
	EventProviderInvoked      EventType = "provider.invoked"
	EventReservationCommitted EventType = "reservation.committed"
	EventReservationReleased  EventType = "reservation.released"
	EventDecisionFinalized    EventType = "decision.finalized"
	EventReceiptIssued        EventType = "receipt.issued"
)

// Entry is one link in a request's chain.
type Entry struct {
	RequestID  string          `json:"requestId"`
	Seq        uint64          `json:"seq"`
	EventType  EventType       `json:"eventType"`
	Payload    json.RawMessage `json:"payload"`
	PrevHash   string          `json:"prevHash"`
	Hash       string          `json:"hash"`
	RecordedAt time.Time       `json:"recordedAt"`
}

// Sink persists entries. Write must be durable when it returns nil and must
// reject a (requestID, seq) pair that already exists with
// ErrSequenceConflict.
type Sink interface {
	Write(ctx context.Context, e *Entry) error
	List(ctx context.Context, requestID string) ([]*Entry, error)
	Last(ctx context.Context, requestID string) (*Entry, error)
}

// body is the hashed portion of an entry. Field order is fixed.
type body struct {
	EventType  EventType       `json:"eventType"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt string          `json:"recordedAt"`
	RequestID  string          `json:"requestId"`
	Seq        uint64          `json:"seq"`
}

// ComputeHash returns the hex SHA-256 linking e to its predecessor.
func ComputeHash(prevHash string, e *Entry) (string, error) {
	data, err := json.Marshal(body{
		EventType:  e.EventType,
		Payload:    e.Payload,
		RecordedAt: e.RecordedAt.UTC().Format(time.RFC3339Nano),
		RequestID:  e.RequestID,
		Seq:        e.Seq,
	})
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte{'\n'})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Canonical serializes v as JSON with object keys sorted at every depth and
// numbers preserved verbatim. Equal values always produce equal bytes.
func Canonical(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	// maps marshal with sorted keys
	return json.Marshal(generic)
}

// VerifyError pinpoints the first entry that fails verification.
type VerifyError struct {
	Index  int
	Reason string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("audit: entry %d: %s", e.Index, e.Reason)
}

func (e *VerifyError) Unwrap() error { return ErrBrokenChain }

// Verify recomputes a request's chain from its first entry. It returns nil
// when every link holds, or a *VerifyError for the first broken entry.
func Verify(entries []*Entry) error {
	if len(entries) == 0 {
		return ErrNotFound
	}
	prev := GenesisHash
	requestID := entries[0].RequestID
	for i, e := range entries {
		if e.RequestID != requestID {
			return &VerifyError{Index: i, Reason: "request id mismatch"}
		}
		if e.Seq != uint64(i) {
			return &VerifyError{Index: i, Reason: fmt.Sprintf("sequence gap: got %d", e.Seq)}
		}
		if e.PrevHash != prev {
			return &VerifyError{Index: i, Reason: "previous hash mismatch"}
		}
		want, err := ComputeHash(prev, e)
		if err != nil {
			return &VerifyError{Index: i, Reason: err.Error()}
		}
		if want != e.Hash {
			return &VerifyError{Index: i, Reason: "hash mismatch"}
		}
		prev = e.Hash
	}
	return nil
}
