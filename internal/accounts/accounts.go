// Package accounts supplies the per-user context a decision needs: account
// status, verification, fraud flags, and the behavioral baseline built from
// the user's past requests.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/mbd888/agentspend/internal/risk"
	"github.com/mbd888/agentspend/internal/validation"
)

var (
	ErrNotFound      = errors.New("accounts: not found")
	ErrInvalidStatus = errors.New("accounts: invalid status")
)

// Status of an account.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Account is a paying user.
type Account struct {
	UserID     string   `json:"userId" yaml:"userId"`
	Status     Status   `json:"status" yaml:"status"`
	Verified   bool     `json:"verified" yaml:"verified"`
	FraudFlags []string `json:"fraudFlags,omitempty" yaml:"fraudFlags,omitempty"`
	// Card settlement details.
	StripeCustomer string    `json:"stripeCustomer,omitempty" yaml:"stripeCustomer,omitempty"`
	PaymentMethod  string    `json:"paymentMethod,omitempty" yaml:"paymentMethod,omitempty"`
	CreatedAt      time.Time `json:"createdAt" yaml:"-"`
}

// Spending summarizes recent approved activity.
type Spending struct {
	MeanCost         string  `json:"meanCost"`
	DailyRequestMean float64 `json:"dailyRequestMean"`
	RequestsToday    int     `json:"requestsToday"`
	SampleDays       int     `json:"sampleDays"`
}

// Context is what the decision pipeline loads for a user.
type Context struct {
	Account  Account        `json:"account"`
	Spending Spending       `json:"spending"`
	Baseline *risk.Baseline `json:"baseline"`
}

// Provider loads user context.
type Provider interface {
	Context(ctx context.Context, userID string, at time.Time) (*Context, error)
}

// MemoryProvider keeps accounts in memory and builds baselines from a risk
// activity store.
type MemoryProvider struct {
	mu            sync.RWMutex
	accounts      map[string]*Account
	baseliner     *risk.Baseliner
	autoProvision bool
	now           func() time.Time
}

// Option configures a MemoryProvider.
type Option func(*MemoryProvider)

// WithAutoProvision creates an active, unverified account on first sight
// of an unknown user instead of failing.
func WithAutoProvision() Option {
	return func(p *MemoryProvider) { p.autoProvision = true }
}

// NewMemoryProvider creates a provider backed by baseliner.
func NewMemoryProvider(baseliner *risk.Baseliner, opts ...Option) *MemoryProvider {
	p := &MemoryProvider{
		accounts:  make(map[string]*Account),
		baseliner: baseliner,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Put creates or replaces an account.
func (p *MemoryProvider) Put(a Account) error {
	if !validation.IsIdentifier(a.UserID) {
		return fmt.Errorf("accounts: invalid user id %q", a.UserID)
	}
	switch a.Status {
	case "":
		a.Status = StatusActive
	case StatusActive, StatusSuspended:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, a.Status)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.accounts[a.UserID]; ok {
		a.CreatedAt = prev.CreatedAt
	} else if a.CreatedAt.IsZero() {
		a.CreatedAt = p.now().UTC()
	}
	a.FraudFlags = slices.Clone(a.FraudFlags)
	p.accounts[a.UserID] = &a
	return nil
}

// Get returns a copy of an account.
func (p *MemoryProvider) Get(userID string) (*Account, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.accounts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	cp.FraudFlags = slices.Clone(a.FraudFlags)
	return &cp, nil
}

// SetStatus suspends or reactivates an account.
func (p *MemoryProvider) SetStatus(userID string, s Status) error {
	if s != StatusActive && s != StatusSuspended {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[userID]
	if !ok {
		return ErrNotFound
	}
	a.Status = s
	return nil
}

// Flag adds fraud flags to an account.
func (p *MemoryProvider) Flag(userID string, flags ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[userID]
	if !ok {
		return ErrNotFound
	}
	for _, f := range flags {
		if !slices.Contains(a.FraudFlags, f) {
			a.FraudFlags = append(a.FraudFlags, f)
		}
	}
	return nil
}

// Context loads the account and its baseline as of at.
func (p *MemoryProvider) Context(ctx context.Context, userID string, at time.Time) (*Context, error) {
	acct, err := p.Get(userID)
	if errors.Is(err, ErrNotFound) && p.autoProvision {
		if err := p.Put(Account{UserID: userID, Status: StatusActive}); err != nil {
			return nil, err
		}
		acct, err = p.Get(userID)
	}
	if err != nil {
		return nil, err
	}

	bl, err := p.baseliner.Baseline(ctx, userID, at)
	if err != nil {
		return nil, fmt.Errorf("accounts: baseline: %w", err)
	}
	return &Context{
		Account: *acct,
		Spending: Spending{
			MeanCost:         bl.MeanCost,
			DailyRequestMean: bl.DailyRequestMean,
			RequestsToday:    bl.RequestsToday,
			SampleDays:       bl.SampleDays,
		},
		Baseline: bl,
	}, nil
}

// Record feeds a finished request into the activity store.
func (p *MemoryProvider) Record(ctx context.Context, a risk.Activity) error {
	return p.baseliner.Record(ctx, a)
}

var _ Provider = (*MemoryProvider)(nil)
