// Package policy implements the two-layer spending policy model and the
// gate that checks requests against it.
//
// The system layer is set by the platform; the user layer is set per user
// (optionally per project) and may only narrow what the system layer
// allows. The gate runs a fixed sequence of checks:
//
//  1. system provider whitelist
//  2. system model whitelist
//  3. user provider whitelist
//  4. user model whitelist
//  5. per-request ceiling
//  6. daily ceiling
//  7. monthly ceiling
//  8. rate limit
//  9. time window
//
// A whitelist failure is critical and stops evaluation. Failures of checks
// 5-9 accumulate so the caller sees every reason at once.
package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/agentspend/internal/usdc"
)

// Errors
var (
	ErrPolicyNotFound = errors.New("policy: not found")
	ErrNoSystemPolicy = errors.New("policy: no system policy configured")
	ErrInvalidRules   = errors.New("policy: invalid rules")
)

// Scope identifies a policy layer.
type Scope string

const (
	ScopeSystem Scope = "system"
	ScopeUser   Scope = "user"
)

// Enforcement modes
const (
	EnforceMode = "enforce"
	ShadowMode  = "shadow" // violations reported as warnings, never blocking
)

// Policy is one layer of spending rules.
type Policy struct {
	ID          string    `json:"id" yaml:"id"`
	Scope       Scope     `json:"scope" yaml:"scope"`
	UserID      string    `json:"userId,omitempty" yaml:"userId,omitempty"`
	ProjectID   string    `json:"projectId,omitempty" yaml:"projectId,omitempty"` // empty = all projects
	Name        string    `json:"name" yaml:"name"`
	Rules       Rules     `json:"rules" yaml:"rules"`
	Enforcement string    `json:"enforcement" yaml:"enforcement"`
	Version     int64     `json:"version" yaml:"-"`
	UpdatedAt   time.Time `json:"updatedAt" yaml:"-"`
}

// Rules is the declarative content of a layer.
type Rules struct {
	// AllowedProviders is the provider whitelist. For the system layer an
	// empty list allows nothing. A user layer with neither list set inherits
	// the system whitelist; with AllowedModels set but no providers, the
	// providers keyed in AllowedModels are the whitelist.
	AllowedProviders []string `json:"allowedProviders,omitempty" yaml:"allowedProviders,omitempty"`
	// AllowedModels maps provider -> model whitelist. A provider absent here
	// allows no models, at either layer, once the layer declares a whitelist.
	AllowedModels map[string][]string `json:"allowedModels,omitempty" yaml:"allowedModels,omitempty"`
	Ceilings      Ceilings            `json:"ceilings" yaml:"ceilings"`
	RateLimits    RateLimits          `json:"rateLimits" yaml:"rateLimits"`
	TimeWindows   []TimeWindow        `json:"timeWindows,omitempty" yaml:"timeWindows,omitempty"`
	// WarnAtPercent raises an advisory violation once projected daily
	// spend reaches this share of the daily ceiling. 0 disables.
	WarnAtPercent int `json:"warnAtPercent,omitempty" yaml:"warnAtPercent,omitempty"`
}

func (r Rules) declaresWhitelist() bool {
	return len(r.AllowedProviders) > 0 || len(r.AllowedModels) > 0
}

// Ceilings are spend limits as decimal dollar strings. Empty = unlimited.
type Ceilings struct {
	PerRequest string `json:"perRequest,omitempty" yaml:"perRequest,omitempty"`
	Daily      string `json:"daily,omitempty" yaml:"daily,omitempty"`
	Monthly    string `json:"monthly,omitempty" yaml:"monthly,omitempty"`
}

// RateLimits cap request counts. Zero = unlimited.
type RateLimits struct {
	PerMinute int `json:"perMinute,omitempty" yaml:"perMinute,omitempty"`
	PerHour   int `json:"perHour,omitempty" yaml:"perHour,omitempty"`
	PerDay    int `json:"perDay,omitempty" yaml:"perDay,omitempty"`
}

// TimeWindow admits requests on the listed days between StartHour
// (inclusive) and EndHour (exclusive). StartHour > EndHour wraps midnight.
type TimeWindow struct {
	StartHour int      `json:"startHour" yaml:"startHour"`
	EndHour   int      `json:"endHour" yaml:"endHour"`
	Days      []string `json:"days,omitempty" yaml:"days,omitempty"`
	Timezone  string   `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Snapshot is the pair of layers in force for one (user, project) at the
// moment a request is evaluated.
type Snapshot struct {
	UserID    string  `json:"userId"`
	ProjectID string  `json:"projectId"`
	System    *Policy `json:"system"`
	User      *Policy `json:"user,omitempty"`
}

// Version identifies the snapshot's layer versions, e.g. "system@3/user@7".
func (s *Snapshot) Version() string {
	v := fmt.Sprintf("system@%d", s.System.Version)
	if s.User != nil {
		v += fmt.Sprintf("/user@%d", s.User.Version)
	}
	return v
}

// Limits returns the effective ceilings: the tighter value of each level
// across both enforced layers.
func (s *Snapshot) Limits() Ceilings {
	eff := s.System.Rules.Ceilings
	if s.User == nil || s.User.Enforcement == ShadowMode {
		return eff
	}
	u := s.User.Rules.Ceilings
	return Ceilings{
		PerRequest: tighter(eff.PerRequest, u.PerRequest),
		Daily:      tighter(eff.Daily, u.Daily),
		Monthly:    tighter(eff.Monthly, u.Monthly),
	}
}

func tighter(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	case usdc.Cmp(b, a) < 0:
		return b
	default:
		return a
	}
}

// ValidatePolicy checks a policy's scope, enforcement mode and rules.
func ValidatePolicy(p *Policy) error {
	switch p.Scope {
	case ScopeSystem:
		if p.UserID != "" || p.ProjectID != "" {
			return fmt.Errorf("%w: system policy must not name a user or project", ErrInvalidRules)
		}
	case ScopeUser:
		if p.UserID == "" {
			return fmt.Errorf("%w: user policy requires userId", ErrInvalidRules)
		}
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidRules, p.Scope)
	}
	switch p.Enforcement {
	case "", EnforceMode, ShadowMode:
	default:
		return fmt.Errorf("%w: enforcement must be %q or %q", ErrInvalidRules, EnforceMode, ShadowMode)
	}
	if p.Scope == ScopeSystem && p.Enforcement == ShadowMode {
		return fmt.Errorf("%w: system policy cannot run in shadow mode", ErrInvalidRules)
	}
	return ValidateRules(p.Rules)
}

// ValidateRules checks that every rule is well-formed.
func ValidateRules(r Rules) error {
	for _, p := range r.AllowedProviders {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("%w: empty provider name", ErrInvalidRules)
		}
	}
	for provider, models := range r.AllowedModels {
		if strings.TrimSpace(provider) == "" {
			return fmt.Errorf("%w: empty provider in allowedModels", ErrInvalidRules)
		}
		for _, m := range models {
			if strings.TrimSpace(m) == "" {
				return fmt.Errorf("%w: empty model for provider %q", ErrInvalidRules, provider)
			}
		}
	}
	for name, v := range map[string]string{
		"perRequest": r.Ceilings.PerRequest,
		"daily":      r.Ceilings.Daily,
		"monthly":    r.Ceilings.Monthly,
	} {
		if v == "" {
			continue
		}
		if _, ok := usdc.Parse(v); !ok {
			return fmt.Errorf("%w: ceiling %s must be a non-negative decimal, got %q", ErrInvalidRules, name, v)
		}
	}
	if r.RateLimits.PerMinute < 0 || r.RateLimits.PerHour < 0 || r.RateLimits.PerDay < 0 {
		return fmt.Errorf("%w: rate limits must not be negative", ErrInvalidRules)
	}
	if r.WarnAtPercent < 0 || r.WarnAtPercent > 100 {
		return fmt.Errorf("%w: warnAtPercent must be 0-100", ErrInvalidRules)
	}
	for i, w := range r.TimeWindows {
		if w.StartHour < 0 || w.StartHour > 23 {
			return fmt.Errorf("%w: timeWindows[%d]: startHour must be 0-23", ErrInvalidRules, i)
		}
		if w.EndHour < 0 || w.EndHour > 23 {
			return fmt.Errorf("%w: timeWindows[%d]: endHour must be 0-23", ErrInvalidRules, i)
		}
		for _, d := range w.Days {
			if !isValidDay(d) {
				return fmt.Errorf("%w: timeWindows[%d]: invalid day %q", ErrInvalidRules, i, d)
			}
		}
		if w.Timezone != "" {
			if _, err := time.LoadLocation(w.Timezone); err != nil {
				return fmt.Errorf("%w: timeWindows[%d]: invalid timezone %q", ErrInvalidRules, i, w.Timezone)
			}
		}
	}
	return nil
}

func isValidDay(d string) bool {
	switch strings.ToLower(d) {
	case "monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday":
		return true
	}
	return false
}
