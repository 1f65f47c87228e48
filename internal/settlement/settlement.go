// Package settlement moves funds for approved requests.
//
// A Gateway executes one settlement per request and can be asked for the
// status of a settlement it started. Callers must never re-submit a
// settlement whose outcome is unknown; they poll Status instead.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/agentspend/internal/metrics"
	"github.com/mbd888/agentspend/internal/retry"
)

var (
	ErrInvalidAmount    = errors.New("settlement: invalid amount")
	ErrUnknownReference = errors.New("settlement: unknown reference")
	ErrNoPaymentMethod  = errors.New("settlement: no payment method on file")
	ErrStillPending     = errors.New("settlement: still pending")
)

// Status of a settlement.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusPending   Status = "pending"
)

// Request asks a gateway to move Amount on behalf of UserID.
type Request struct {
	RequestID      string
	UserID         string
	ProjectID      string
	Amount         string // decimal dollars
	IdempotencyKey string
	// Payer details for card backends.
	Customer      string
	PaymentMethod string
	Metadata      map[string]string
}

// Result describes a settlement attempt.
type Result struct {
	Reference string `json:"reference"`
	Status    Status `json:"status"`
	Amount    string `json:"amount"`
	Backend   string `json:"backend"`
	Detail    string `json:"detail,omitempty"`
}

// Gateway executes settlements.
type Gateway interface {
	Name() string
	Settle(ctx context.Context, req Request) (*Result, error)
	Status(ctx context.Context, reference string) (*Result, error)
}

func (r Request) idempotencyKey() string {
	if r.IdempotencyKey != "" {
		return r.IdempotencyKey
	}
	return r.RequestID
}

// Execute settles once and polls Status while the result is pending.
// Settle itself is never repeated. The returned result is terminal unless
// the error is ErrStillPending.
func Execute(ctx context.Context, gw Gateway, req Request, poll retry.Policy) (*Result, error) {
	res, err := gw.Settle(ctx, req)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues(gw.Name(), "error").Inc()
		return nil, err
	}
	var pollErr error
	if res.Status == StatusPending && res.Reference != "" {
		pollErr = retry.Do(ctx, poll, func(ctx context.Context) error {
			st, err := gw.Status(ctx, res.Reference)
			if err != nil {
				return err
			}
			res = st
			if st.Status == StatusPending {
				return ErrStillPending
			}
			return nil
		})
	}
	metrics.SettlementsTotal.WithLabelValues(gw.Name(), string(res.Status)).Inc()
	if res.Status == StatusPending {
		if pollErr != nil && !errors.Is(pollErr, ErrStillPending) {
			return res, fmt.Errorf("%w: %s: %v", ErrStillPending, res.Reference, pollErr)
		}
		return res, fmt.Errorf("%w: %s", ErrStillPending, res.Reference)
	}
	return res, nil
}

// DefaultPollPolicy bounds status polling for pending settlements.
var DefaultPollPolicy = retry.Policy{Attempts: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
