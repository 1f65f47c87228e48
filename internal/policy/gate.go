package policy

import (
	"fmt"
	"maps"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/mbd888/agentspend/internal/usdc"
)

// Check names, in evaluation order.
const (
	CheckSystemProvider = "system_provider_whitelist"
	CheckSystemModel    = "system_model_whitelist"
	CheckUserProvider   = "user_provider_whitelist"
	CheckUserModel      = "user_model_whitelist"
	CheckPerRequest     = "per_request_ceiling"
	CheckDaily          = "daily_ceiling"
	CheckMonthly        = "monthly_ceiling"
	CheckRateLimit      = "rate_limit"
	CheckTimeWindow     = "time_window"
)

// Severity grades a violation.
type Severity string

const (
	SeverityCritical Severity = "critical" // whitelist; stops evaluation
	SeverityError    Severity = "error"    // blocking
	SeverityWarning  Severity = "warning"  // advisory; passed on to adjudication
)

// Violation is one failed check.
type Violation struct {
	Check    string   `json:"check"`
	Layer    Scope    `json:"layer"`
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason"`
}

// Usage is the caller's recent consumption, used by checks 6-8.
type Usage struct {
	DailySpent         string `json:"dailySpent"`
	MonthlySpent       string `json:"monthlySpent"`
	RequestsLastMinute int    `json:"requestsLastMinute"`
	RequestsLastHour   int    `json:"requestsLastHour"`
	RequestsToday      int    `json:"requestsToday"`
}

// Input is what the gate needs to know about a request.
type Input struct {
	Provider string
	Model    string
	Amount   string    // estimated cost; ignored by ValidateProviderModel
	At       time.Time // submission time; time windows are judged against it
	Usage    Usage
}

// Result is the gate's verdict.
type Result struct {
	Compliant       bool        `json:"compliant"`
	Violations      []Violation `json:"violations,omitempty"`
	PoliciesChecked []string    `json:"policiesChecked"`
}

// Blocking returns the violations that prevent approval.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity != SeverityWarning {
			out = append(out, v)
		}
	}
	return out
}

// Warnings returns the advisory violations.
func (r *Result) Warnings() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityWarning {
			out = append(out, v)
		}
	}
	return out
}

// Reason joins the blocking violation reasons.
func (r *Result) Reason() string {
	var parts []string
	for _, v := range r.Blocking() {
		parts = append(parts, v.Reason)
	}
	return strings.Join(parts, "; ")
}

// Gate evaluates requests against a Snapshot. It holds no state and never
// mutates its inputs, so one Gate serves all requests concurrently.
type Gate struct{}

// NewGate returns a Gate.
func NewGate() *Gate { return &Gate{} }

// ValidateProviderModel runs checks 1-4. The first failure is returned as a
// single critical violation.
func (g *Gate) ValidateProviderModel(in Input, snap *Snapshot) *Result {
	res := &Result{}
	if v := g.whitelist(in, snap, res); v != nil {
		res.Violations = []Violation{*v}
		return res
	}
	res.Compliant = true
	return res
}

// CheckCompliance runs the whitelist gate and then checks 5-9 against the
// estimated amount, accumulating every failure.
func (g *Gate) CheckCompliance(in Input, snap *Snapshot) *Result {
	res := g.ValidateProviderModel(in, snap)
	if !res.Compliant {
		return res
	}

	amount, ok := usdc.Parse(in.Amount)
	if !ok {
		res.Compliant = false
		res.Violations = append(res.Violations, Violation{
			Check: CheckPerRequest, Layer: ScopeSystem, Severity: SeverityError,
			Reason: fmt.Sprintf("estimated amount %q is not a valid decimal", in.Amount),
		})
		return res
	}

	layers := []*Policy{snap.System}
	if snap.User != nil {
		layers = append(layers, snap.User)
	}

	type check struct {
		name string
		eval func(p *Policy) *Violation
	}
	checks := []check{
		{CheckPerRequest, func(p *Policy) *Violation { return perRequest(p, amount) }},
		{CheckDaily, func(p *Policy) *Violation { return daily(p, amount, in.Usage) }},
		{CheckMonthly, func(p *Policy) *Violation { return monthly(p, amount, in.Usage) }},
		{CheckRateLimit, func(p *Policy) *Violation { return rateLimit(p, in.Usage) }},
		{CheckTimeWindow, func(p *Policy) *Violation { return timeWindow(p, in.At) }},
	}

	for _, c := range checks {
		res.PoliciesChecked = append(res.PoliciesChecked, c.name)
		// one violation per check: the first layer that fails it
		for _, layer := range layers {
			v := c.eval(layer)
			if v == nil {
				continue
			}
			v.Check = c.name
			v.Layer = layer.Scope
			if v.Severity == "" {
				v.Severity = SeverityError
			}
			if layer.Enforcement == ShadowMode {
				v.Severity = SeverityWarning
				v.Reason = "shadow: " + v.Reason
			}
			res.Violations = append(res.Violations, *v)
			if v.Severity == SeverityError {
				break
			}
		}
	}

	res.Compliant = len(res.Blocking()) == 0
	return res
}

// whitelist runs checks 1-4 in order, recording each one attempted.
func (g *Gate) whitelist(in Input, snap *Snapshot, res *Result) *Violation {
	provider := strings.ToLower(in.Provider)
	sys := snap.System.Rules

	res.PoliciesChecked = append(res.PoliciesChecked, CheckSystemProvider)
	if !containsFold(sys.AllowedProviders, provider) {
		return &Violation{
			Check: CheckSystemProvider, Layer: ScopeSystem, Severity: SeverityCritical,
			Reason: fmt.Sprintf("system policy: provider %q not in whitelist (allowed: %s)", in.Provider, list(sys.AllowedProviders)),
		}
	}

	res.PoliciesChecked = append(res.PoliciesChecked, CheckSystemModel)
	sysModels := modelsFor(sys.AllowedModels, provider)
	if !slices.Contains(sysModels, in.Model) {
		return &Violation{
			Check: CheckSystemModel, Layer: ScopeSystem, Severity: SeverityCritical,
			Reason: fmt.Sprintf("system policy: model %q not in whitelist for provider %q (allowed: %s)", in.Model, in.Provider, list(sysModels)),
		}
	}

	if snap.User == nil {
		return nil
	}
	usr := snap.User.Rules

	// a user layer that declares no whitelist adds no restriction; once it
	// declares one, anything it does not list is refused
	if !usr.declaresWhitelist() {
		return nil
	}

	res.PoliciesChecked = append(res.PoliciesChecked, CheckUserProvider)
	userModels, keyed := lookupModels(usr.AllowedModels, provider)
	listed := containsFold(usr.AllowedProviders, provider) || (len(usr.AllowedProviders) == 0 && keyed)
	if !listed {
		allowed := usr.AllowedProviders
		if len(allowed) == 0 {
			allowed = slices.Sorted(maps.Keys(usr.AllowedModels))
		}
		return &Violation{
			Check: CheckUserProvider, Layer: ScopeUser, Severity: SeverityCritical,
			Reason: fmt.Sprintf("user policy: provider %q not in whitelist (allowed: %s)", in.Provider, list(intersectFold(allowed, sys.AllowedProviders))),
		}
	}

	res.PoliciesChecked = append(res.PoliciesChecked, CheckUserModel)
	if !keyed {
		return &Violation{
			Check: CheckUserModel, Layer: ScopeUser, Severity: SeverityCritical,
			Reason: fmt.Sprintf("user policy: no models whitelisted for provider %q (allowed: none)", in.Provider),
		}
	}
	if !slices.Contains(userModels, in.Model) {
		return &Violation{
			Check: CheckUserModel, Layer: ScopeUser, Severity: SeverityCritical,
			Reason: fmt.Sprintf("user policy: model %q not in whitelist for provider %q (allowed: %s)", in.Model, in.Provider, list(intersect(userModels, sysModels))),
		}
	}
	return nil
}

func perRequest(p *Policy, amount *big.Int) *Violation {
	limit, ok := ceiling(p.Rules.Ceilings.PerRequest)
	if !ok || amount.Cmp(limit) <= 0 {
		return nil
	}
	return &Violation{Reason: fmt.Sprintf("estimated cost %s exceeds %s per-request ceiling %s",
		usdc.Format(amount), p.Scope, usdc.Format(limit))}
}

func daily(p *Policy, amount *big.Int, u Usage) *Violation {
	limit, ok := ceiling(p.Rules.Ceilings.Daily)
	if !ok {
		return nil
	}
	spent := parseOrZero(u.DailySpent)
	projected := new(big.Int).Add(spent, amount)
	if projected.Cmp(limit) > 0 {
		return &Violation{Reason: fmt.Sprintf("daily spend would reach %s, over %s daily ceiling %s",
			usdc.Format(projected), p.Scope, usdc.Format(limit))}
	}
	if pct := p.Rules.WarnAtPercent; pct > 0 && limit.Sign() > 0 {
		threshold := usdc.MulDivCeil(limit, int64(pct), 100)
		if projected.Cmp(threshold) >= 0 {
			return &Violation{Severity: SeverityWarning, Reason: fmt.Sprintf("daily spend would reach %s, at or above %d%% of %s daily ceiling %s",
				usdc.Format(projected), pct, p.Scope, usdc.Format(limit))}
		}
	}
	return nil
}

func monthly(p *Policy, amount *big.Int, u Usage) *Violation {
	limit, ok := ceiling(p.Rules.Ceilings.Monthly)
	if !ok {
		return nil
	}
	projected := new(big.Int).Add(parseOrZero(u.MonthlySpent), amount)
	if projected.Cmp(limit) <= 0 {
		return nil
	}
	return &Violation{Reason: fmt.Sprintf("monthly spend would reach %s, over %s monthly ceiling %s",
		usdc.Format(projected), p.Scope, usdc.Format(limit))}
}

func rateLimit(p *Policy, u Usage) *Violation {
	rl := p.Rules.RateLimits
	switch {
	case rl.PerMinute > 0 && u.RequestsLastMinute >= rl.PerMinute:
		return &Violation{Reason: fmt.Sprintf("rate limit exceeded: %d requests in the last minute (max %d)", u.RequestsLastMinute, rl.PerMinute)}
	case rl.PerHour > 0 && u.RequestsLastHour >= rl.PerHour:
		return &Violation{Reason: fmt.Sprintf("rate limit exceeded: %d requests in the last hour (max %d)", u.RequestsLastHour, rl.PerHour)}
	case rl.PerDay > 0 && u.RequestsToday >= rl.PerDay:
		return &Violation{Reason: fmt.Sprintf("rate limit exceeded: %d requests today (max %d)", u.RequestsToday, rl.PerDay)}
	}
	return nil
}

// timeWindow passes when any of the layer's windows admits at.
func timeWindow(p *Policy, at time.Time) *Violation {
	windows := p.Rules.TimeWindows
	if len(windows) == 0 {
		return nil
	}
	var reasons []string
	for _, w := range windows {
		reason := evalWindow(w, at)
		if reason == "" {
			return nil
		}
		reasons = append(reasons, reason)
	}
	return &Violation{Reason: "outside allowed time window: " + strings.Join(reasons, ", ")}
}

func evalWindow(w TimeWindow, at time.Time) string {
	tz := "UTC"
	if w.Timezone != "" {
		tz = w.Timezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Sprintf("invalid timezone %q", tz)
	}
	local := at.In(loc)

	if len(w.Days) > 0 {
		day := strings.ToLower(local.Weekday().String())
		if !containsFold(w.Days, day) {
			return fmt.Sprintf("%s not an allowed day", day)
		}
	}

	hour := local.Hour()
	switch {
	case w.StartHour == w.EndHour:
		// all day
	case w.StartHour < w.EndHour:
		if hour < w.StartHour || hour >= w.EndHour {
			return fmt.Sprintf("hour %d outside %02d:00-%02d:00 %s", hour, w.StartHour, w.EndHour, tz)
		}
	default:
		if hour < w.StartHour && hour >= w.EndHour {
			return fmt.Sprintf("hour %d outside %02d:00-%02d:00 %s", hour, w.StartHour, w.EndHour, tz)
		}
	}
	return ""
}

func ceiling(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	v, ok := usdc.Parse(s)
	return v, ok
}

func parseOrZero(s string) *big.Int {
	v, ok := usdc.Parse(s)
	if !ok {
		return new(big.Int)
	}
	return v
}

func modelsFor(m map[string][]string, provider string) []string {
	models, _ := lookupModels(m, provider)
	return models
}

func lookupModels(m map[string][]string, provider string) ([]string, bool) {
	for k, v := range m {
		if strings.EqualFold(k, provider) {
			return v, true
		}
	}
	return nil, false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func intersect(a, b []string) []string {
	var out []string
	for _, v := range a {
		if slices.Contains(b, v) {
			out = append(out, v)
		}
	}
	return out
}

func intersectFold(a, b []string) []string {
	var out []string
	for _, v := range a {
		if containsFold(b, v) {
			out = append(out, v)
		}
	}
	return out
}

func list(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return "[" + strings.Join(items, ", ") + "]"
}
