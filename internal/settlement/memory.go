package settlement

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/agentspend/internal/idgen"
	"github.com/mbd888/agentspend/internal/usdc"
)

// ErrInjected is returned by MemoryGateway when a failure was scheduled.
var ErrInjected = errors.New("settlement: injected failure")

// MemoryGateway settles against an in-process ledger. It is idempotent per
// key and lets tests schedule failures, declines, pending results and latency.
type MemoryGateway struct {
	mu        sync.Mutex
	byKey     map[string]*Result
	byRef     map[string]*memorySettlement
	totals    map[string]*big.Int // user -> settled
	calls     int
	failNext  int
	declineN  int
	pendingN  int
	pendPolls int
	latency   time.Duration
}

type memorySettlement struct {
	result    Result
	userID    string
	pollsLeft int
}

// NewMemoryGateway creates an in-memory settlement gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		byKey:  make(map[string]*Result),
		byRef:  make(map[string]*memorySettlement),
		totals: make(map[string]*big.Int),
	}
}

func (m *MemoryGateway) Name() string { return "memory" }

// FailNext makes the next n Settle calls return an error.
func (m *MemoryGateway) FailNext(n int) { m.mu.Lock(); m.failNext = n; m.mu.Unlock() }

// DeclineNext makes the next n settlements end in StatusFailed.
func (m *MemoryGateway) DeclineNext(n int) { m.mu.Lock(); m.declineN = n; m.mu.Unlock() }

// PendNext makes the next n settlements start pending and succeed after
// polls Status calls.
func (m *MemoryGateway) PendNext(n, polls int) {
	m.mu.Lock()
	m.pendingN, m.pendPolls = n, polls
	m.mu.Unlock()
}

// SetLatency delays every Settle call.
func (m *MemoryGateway) SetLatency(d time.Duration) { m.mu.Lock(); m.latency = d; m.mu.Unlock() }

func (m *MemoryGateway) Settle(ctx context.Context, req Request) (*Result, error) {
	amount, ok := usdc.Parse(req.Amount)
	if !ok || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	m.mu.Lock()
	latency := m.latency
	m.mu.Unlock()
	if latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(latency):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	key := req.idempotencyKey()
	if prev, ok := m.byKey[key]; ok {
		cp := *prev
		return &cp, nil
	}
	if m.failNext > 0 {
		m.failNext--
		return nil, ErrInjected
	}

	s := &memorySettlement{
		result: Result{
			Reference: idgen.Derive("mset_", key),
			Status:    StatusSucceeded,
			Amount:    usdc.Format(amount),
			Backend:   m.Name(),
		},
		userID: req.UserID,
	}
	switch {
	case m.declineN > 0:
		m.declineN--
		s.result.Status = StatusFailed
		s.result.Detail = "declined"
	case m.pendingN > 0:
		m.pendingN--
		s.result.Status = StatusPending
		s.pollsLeft = m.pendPolls
	default:
		m.credit(req.UserID, amount)
	}

	m.byKey[key] = &s.result
	m.byRef[s.result.Reference] = s
	cp := s.result
	return &cp, nil
}

func (m *MemoryGateway) Status(_ context.Context, reference string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byRef[reference]
	if !ok {
		return nil, ErrUnknownReference
	}
	if s.result.Status == StatusPending {
		if s.pollsLeft > 0 {
			s.pollsLeft--
		}
		if s.pollsLeft == 0 {
			s.result.Status = StatusSucceeded
			amount, _ := usdc.Parse(s.result.Amount)
			m.credit(s.userID, amount)
		}
	}
	cp := s.result
	return &cp, nil
}

func (m *MemoryGateway) credit(userID string, amount *big.Int) {
	t, ok := m.totals[userID]
	if !ok {
		t = new(big.Int)
		m.totals[userID] = t
	}
	t.Add(t, amount)
}

// Settled returns the total amount settled for a user.
func (m *MemoryGateway) Settled(userID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return usdc.Format(m.totals[userID])
}

// Calls returns the number of Settle invocations.
func (m *MemoryGateway) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

var _ Gateway = (*MemoryGateway)(nil)
