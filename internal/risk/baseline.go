package risk

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/mbd888/agentspend/internal/usdc"
)

// DefaultWindowDays is the baseline lookback.
const DefaultWindowDays = 30

// Baseliner builds baselines from a Store.
type Baseliner struct {
	store      Store
	windowDays int
}

// NewBaseliner creates a baseliner with the given lookback in days.
func NewBaseliner(store Store, windowDays int) *Baseliner {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	return &Baseliner{store: store, windowDays: windowDays}
}

// Baseline loads userID's activity up to at and summarizes it.
func (b *Baseliner) Baseline(ctx context.Context, userID string, at time.Time) (*Baseline, error) {
	at = at.UTC()
	today := at.Truncate(24 * time.Hour)
	from := today.AddDate(0, 0, -b.windowDays)
	acts, err := b.store.Window(ctx, userID, from, at)
	if err != nil {
		return nil, err
	}
	return Build(userID, at, b.windowDays, acts), nil
}

// Record stores a completed request.
func (b *Baseliner) Record(ctx context.Context, a Activity) error {
	return b.store.RecordOutcome(ctx, a)
}

// Build summarizes acts (all before at) into a baseline.
func Build(userID string, at time.Time, windowDays int, acts []Activity) *Baseline {
	at = at.UTC()
	today := at.Truncate(24 * time.Hour)
	bl := &Baseline{UserID: userID, WindowDays: windowDays, KnownTargets: map[string]int{}}

	days := map[string]bool{}
	historical := 0
	costSum := new(big.Int)
	costN := 0
	agents := map[string]bool{}

	for _, a := range acts {
		ts := a.At.UTC()
		if !ts.Before(at) {
			continue
		}
		if a.Rejected {
			if at.Sub(ts) < 24*time.Hour {
				bl.RecentRejections++
			}
			continue
		}
		bl.HourHistogram[ts.Hour()]++
		if !a.Approved {
			continue
		}
		if ts.Before(today) {
			days[ts.Format("2006-01-02")] = true
			historical++
		} else {
			bl.RequestsToday++
		}
		if at.Sub(ts) < time.Hour {
			bl.RequestsLastHour++
			if at.Sub(ts) < time.Minute {
				bl.RequestsLastMinute++
			}
		}
		bl.KnownTargets[TargetKey(a.Provider, a.Model)]++
		if a.AgentID != "" {
			agents[a.AgentID] = true
		}
		if v, ok := usdc.Parse(a.Amount); ok {
			costSum.Add(costSum, v)
			costN++
		}
	}

	bl.SampleDays = len(days)
	if bl.SampleDays > 0 {
		bl.DailyRequestMean = float64(historical) / float64(bl.SampleDays)
	}
	if costN > 0 {
		costSum.Div(costSum, big.NewInt(int64(costN)))
	}
	bl.MeanCost = usdc.Format(costSum)
	for a := range agents {
		bl.KnownAgents = append(bl.KnownAgents, a)
	}
	sort.Strings(bl.KnownAgents)
	if len(bl.KnownTargets) == 0 {
		bl.KnownTargets = nil
	}
	bl.computeRef()
	return bl
}
