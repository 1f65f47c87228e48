// Package provider invokes the paid API once a request has been settled.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/mbd888/agentspend/internal/usdc"
)

var (
	ErrUnknownProvider = errors.New("provider: no endpoint configured")
	ErrCallFailed      = errors.New("provider: call failed")
)

// Call is a settled request ready to be forwarded.
type Call struct {
	RequestID     string
	Provider      string
	Model         string
	Operation     string
	Params        map[string]any
	Amount        string // reserved amount
	SettlementRef string
}

// Response is what the provider returned.
type Response struct {
	StatusCode int            `json:"statusCode"`
	Body       map[string]any `json:"body,omitempty"`
	// ActualCost is the provider-reported cost, empty when not reported.
	ActualCost string `json:"actualCost,omitempty"`
	LatencyMs  int64  `json:"latencyMs"`
}

// Gateway forwards calls to providers.
type Gateway interface {
	Invoke(ctx context.Context, call Call) (*Response, error)
}

// CostFromBody reads a "cost" field as a decimal string or JSON number.
func CostFromBody(body map[string]any) string {
	switch v := body["cost"].(type) {
	case string:
		return usdc.Normalize(v)
	case float64:
		return usdc.Normalize(strconv.FormatFloat(v, 'f', -1, 64))
	}
	return ""
}

// Stub answers every call locally. Used in development mode and tests.
type Stub struct {
	mu    sync.Mutex
	calls []Call
	// CostFunc returns the reported cost for a call; nil reports the reserved amount.
	CostFunc func(Call) string
	// Err, when set, fails every call.
	Err error
}

// NewStub creates a stub gateway.
func NewStub() *Stub { return &Stub{} }

func (s *Stub) Invoke(ctx context.Context, call Call) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls = append(s.calls, call)
	costFn, failErr := s.CostFunc, s.Err
	s.mu.Unlock()

	if failErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrCallFailed, failErr)
	}
	cost := usdc.Normalize(call.Amount)
	if costFn != nil {
		cost = costFn(call)
	}
	return &Response{
		StatusCode: 200,
		Body: map[string]any{
			"provider": strings.ToLower(call.Provider),
			"model":    call.Model,
			"result":   "ok",
		},
		ActualCost: cost,
	}, nil
}

// Calls returns the calls received so far.
func (s *Stub) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

var _ Gateway = (*Stub)(nil)
