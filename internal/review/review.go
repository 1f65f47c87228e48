// Package review records escalated and quarantined requests for human
// review. A handoff is terminal for the request it describes: resolving it
// records the reviewer's verdict but never re-runs the pipeline.
package review

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/agentspend/internal/idgen"
)

var (
	ErrNotFound        = errors.New("review: handoff not found")
	ErrDuplicate       = errors.New("review: request already handed off")
	ErrAlreadyResolved = errors.New("review: handoff already resolved")
)

// Status of a handoff.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// Handoff is the record passed to human reviewers.
type Handoff struct {
	ID            string    `json:"id"`
	RequestID     string    `json:"requestId"`
	UserID        string    `json:"userId"`
	ProjectID     string    `json:"projectId"`
	AgentID       string    `json:"agentId,omitempty"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	Outcome       string    `json:"outcome"` // ESCALATE or QUARANTINE
	Reason        string    `json:"reason"`
	EstimatedCost string    `json:"estimatedCost"`
	RiskScore     int       `json:"riskScore"`
	Fingerprint   string    `json:"fingerprint"`
	Status        Status    `json:"status"`
	Reviewer      string    `json:"reviewer,omitempty"`
	Note          string    `json:"note,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	ResolvedAt    time.Time `json:"resolvedAt,omitempty"`
}

// HandoffID is the deterministic handoff ID for a request.
func HandoffID(requestID string) string {
	return idgen.Derive("hnd_", requestID)
}

// Queue accepts handoffs and records their resolution.
type Queue interface {
	Submit(ctx context.Context, h *Handoff) error
	Get(ctx context.Context, id string) (*Handoff, error)
	Pending(ctx context.Context, limit int) ([]*Handoff, error)
	Resolve(ctx context.Context, id string, approve bool, reviewer, note string) (*Handoff, error)
}
