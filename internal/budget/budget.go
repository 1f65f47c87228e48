// Package budget tracks spend against per-request, daily and monthly
// ceilings for each (user, project), with two-phase reservations.
//
// Flow:
//  1. Reserve holds the estimated amount against every level at once
//  2. Commit moves the held amount to spent and records variance
//  3. Release returns the held amount to available capacity
//
// Daily windows roll over at UTC midnight, monthly windows on the first of
// the month.
package budget

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/mbd888/agentspend/internal/usdc"
)

var (
	ErrInsufficientBudget   = errors.New("insufficient budget")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrReservationResolved  = errors.New("reservation already resolved")
	ErrDuplicateReservation = errors.New("reservation already exists for reference")
	ErrConcurrentUpdate     = errors.New("budget account modified concurrently")
)

// Level names a ceiling.
type Level string

const (
	LevelPerRequest Level = "per_request"
	LevelDaily      Level = "daily"
	LevelMonthly    Level = "monthly"
)

// Reservation statuses
const (
	StatusHeld      = "held"
	StatusCommitted = "committed"
	StatusReleased  = "released"
)

// Key scopes a budget.
type Key struct {
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId"`
}

func (k Key) String() string { return k.UserID + "/" + k.ProjectID }

// Limits are the ceilings in force, as decimal strings. Empty = unlimited.
type Limits struct {
	PerRequest string `json:"perRequest,omitempty"`
	Daily      string `json:"daily,omitempty"`
	Monthly    string `json:"monthly,omitempty"`
}

// Account is the persisted consumption for one key.
type Account struct {
	Key           Key       `json:"key"`
	DailyWindow   string    `json:"dailyWindow"` // 2026-10-19
	DailySpent    string    `json:"dailySpent"`
	DailyHeld     string    `json:"dailyHeld"`
	MonthlyWindow string    `json:"monthlyWindow"` // 2026-10
	MonthlySpent  string    `json:"monthlySpent"`
	MonthlyHeld   string    `json:"monthlyHeld"`
	Version       int64     `json:"version"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Reservation is a hold against an account.
type Reservation struct {
	ID            string    `json:"id"`
	Key           Key       `json:"key"`
	Reference     string    `json:"reference"` // request id
	Amount        string    `json:"amount"`
	Status        string    `json:"status"`
	Actual        string    `json:"actual,omitempty"`
	Variance      string    `json:"variance,omitempty"`
	DailyWindow   string    `json:"dailyWindow"`
	MonthlyWindow string    `json:"monthlyWindow"`
	CreatedAt     time.Time `json:"createdAt"`
	ResolvedAt    time.Time `json:"resolvedAt,omitempty"`
}

// LevelBalance is the state of one windowed level.
type LevelBalance struct {
	Window    string `json:"window"`
	Limit     string `json:"limit,omitempty"`
	Spent     string `json:"spent"`
	Held      string `json:"held"`
	Available string `json:"available,omitempty"` // empty when unlimited
}

// Snapshot is a point-in-time view of a key's capacity.
type Snapshot struct {
	Key        Key          `json:"key"`
	PerRequest string       `json:"perRequest,omitempty"`
	Daily      LevelBalance `json:"daily"`
	Monthly    LevelBalance `json:"monthly"`
}

// LimitError reports the first level that cannot absorb an amount.
type LimitError struct {
	Level     Level
	Limit     string
	Requested string
	Available string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("insufficient budget: %s ceiling %s, available %s, requested %s",
		e.Level, e.Limit, e.Available, e.Requested)
}

func (e *LimitError) Unwrap() error { return ErrInsufficientBudget }

// Store persists accounts and reservations.
type Store interface {
	// GetAccount returns a zero account (Version 0) when the key is unknown.
	GetAccount(ctx context.Context, key Key) (*Account, error)
	GetReservation(ctx context.Context, id string) (*Reservation, error)
	// Apply atomically saves acct and rsv. It fails with ErrConcurrentUpdate
	// unless the stored account version equals acct.Version-1.
	Apply(ctx context.Context, acct *Account, rsv *Reservation) error
}

func dayWindow(t time.Time) string   { return t.UTC().Format("2006-01-02") }
func monthWindow(t time.Time) string { return t.UTC().Format("2006-01") }

// roll zeroes any level whose window has passed.
func roll(a *Account, now time.Time) {
	if d := dayWindow(now); a.DailyWindow != d {
		a.DailyWindow, a.DailySpent, a.DailyHeld = d, "0", "0"
	}
	if m := monthWindow(now); a.MonthlyWindow != m {
		a.MonthlyWindow, a.MonthlySpent, a.MonthlyHeld = m, "0", "0"
	}
}

func parse(s string) *big.Int {
	v, ok := usdc.Parse(s)
	if !ok {
		return new(big.Int)
	}
	return v
}

func add(a, b string) string { return usdc.Format(new(big.Int).Add(parse(a), parse(b))) }

// sub never goes below zero.
func sub(a, b string) string {
	v := new(big.Int).Sub(parse(a), parse(b))
	if v.Sign() < 0 {
		v.SetInt64(0)
	}
	return usdc.Format(v)
}

func level(window, limit, spent, held string) LevelBalance {
	lb := LevelBalance{Window: window, Limit: limit, Spent: usdc.Normalize(spent), Held: usdc.Normalize(held)}
	if lb.Spent == "" {
		lb.Spent = usdc.Format(nil)
	}
	if lb.Held == "" {
		lb.Held = usdc.Format(nil)
	}
	if limit != "" {
		lb.Limit = usdc.Normalize(limit)
		lb.Available = sub(sub(limit, spent), held)
	}
	return lb
}

func snapshotOf(a *Account, limits Limits) *Snapshot {
	return &Snapshot{
		Key:        a.Key,
		PerRequest: usdc.Normalize(limits.PerRequest),
		Daily:      level(a.DailyWindow, limits.Daily, a.DailySpent, a.DailyHeld),
		Monthly:    level(a.MonthlyWindow, limits.Monthly, a.MonthlySpent, a.MonthlyHeld),
	}
}

// fits reports the first level in snap that cannot absorb amount.
func fits(snap *Snapshot, amount *big.Int) error {
	req := usdc.Format(amount)
	if snap.PerRequest != "" && amount.Cmp(parse(snap.PerRequest)) > 0 {
		return &LimitError{Level: LevelPerRequest, Limit: snap.PerRequest, Requested: req, Available: snap.PerRequest}
	}
	for _, lv := range []struct {
		name Level
		lb   LevelBalance
	}{{LevelDaily, snap.Daily}, {LevelMonthly, snap.Monthly}} {
		if lv.lb.Limit == "" {
			continue
		}
		if amount.Cmp(parse(lv.lb.Available)) > 0 {
			return &LimitError{Level: lv.name, Limit: lv.lb.Limit, Requested: req, Available: lv.lb.Available}
		}
	}
	return nil
}
