package risk

import (
	"math"
	"slices"
	"strings"

	"github.com/mbd888/agentspend/internal/usdc"
)

const (
	// fraud indicator raised when rejections saturate
	IndicatorRepeatedRejections = "repeated_rejections"

	rejectionSaturation = 3
	costMultipleFloor   = 3.0
	minHourSamples      = 10
	rareHourFraction    = 0.02
)

// Engine scores requests. It is a pure function of its inputs.
type Engine struct {
	weights Weights
}

// NewEngine creates a scorer with the given weights. A zero Weights uses
// DefaultWeights.
func NewEngine(w Weights) *Engine {
	if w == (Weights{}) {
		w = DefaultWeights
	}
	return &Engine{weights: w}
}

// Score evaluates a request against a baseline.
func (e *Engine) Score(in Input, b *Baseline) *Assessment {
	if b == nil {
		b = &Baseline{}
	}
	amount := 0.0
	if v, ok := usdc.Parse(in.Amount); ok {
		amount = usdc.Float(v)
	}

	factors := map[string]float64{
		FactorVolume:             volumeFactor(b),
		FactorCost:               costFactor(b, amount),
		FactorAgentUnfamiliar:    agentFactor(b, in.AgentID),
		FactorTargetNovelty:      noveltyFactor(b, in.Provider, in.Model),
		FactorTimeOfDay:          timeOfDayFactor(b, in.At.UTC().Hour()),
		FactorRepeatedRejections: rejectionFactor(b),
	}

	w := e.weights
	sum := factors[FactorVolume]*w.Volume +
		factors[FactorCost]*w.Cost +
		factors[FactorAgentUnfamiliar]*w.AgentUnfamiliar +
		factors[FactorTargetNovelty]*w.TargetNovelty +
		factors[FactorTimeOfDay]*w.TimeOfDay +
		factors[FactorRepeatedRejections]*w.RepeatedRejections

	score := MinScore + int(math.Round(9*sum))
	score = max(MinScore, min(MaxScore, score))

	var indicators []string
	if b.RecentRejections >= rejectionSaturation {
		indicators = append(indicators, IndicatorRepeatedRejections)
	}
	for _, f := range in.FraudFlags {
		if !slices.Contains(indicators, f) {
			indicators = append(indicators, f)
		}
	}

	return &Assessment{
		Score:           score,
		Band:            BandFor(score),
		Factors:         factors,
		FraudIndicators: indicators,
		BaselineRef:     b.Ref,
	}
}

// volumeFactor: today's count (including this request) vs the daily mean.
// log10 scaling: 10x -> 0.5, 100x -> 1.0.
func volumeFactor(b *Baseline) float64 {
	if b.ColdStart() || b.DailyRequestMean <= 0 {
		return 0
	}
	ratio := float64(b.RequestsToday+1) / b.DailyRequestMean
	if ratio <= 1 {
		return 0
	}
	return round3(math.Min(1, math.Log10(ratio)/2))
}

// costFactor: zero up to 3x the mean cost, rising linearly to 1 at 10x.
func costFactor(b *Baseline, amount float64) float64 {
	if b.ColdStart() {
		return 0
	}
	mean := 0.0
	if v, ok := usdc.Parse(b.MeanCost); ok {
		mean = usdc.Float(v)
	}
	if mean <= 0 {
		return 0
	}
	ratio := amount / mean
	if ratio <= costMultipleFloor {
		return 0
	}
	return round3(math.Min(1, (ratio-costMultipleFloor)/(10-costMultipleFloor)))
}

// agentFactor: 1 for an agent never seen approved for this user.
func agentFactor(b *Baseline, agentID string) float64 {
	if b.ColdStart() || agentID == "" {
		return 0
	}
	if slices.Contains(b.KnownAgents, agentID) {
		return 0
	}
	return 1
}

// noveltyFactor: never used = 0.6, used 1-2x = 0.3, 3+ = 0.
func noveltyFactor(b *Baseline, provider, model string) float64 {
	if b.ColdStart() {
		return 0
	}
	switch n := b.KnownTargets[TargetKey(provider, model)]; {
	case n >= 3:
		return 0
	case n >= 1:
		return 0.3
	default:
		return 0.6
	}
}

// timeOfDayFactor: 0.8 when fewer than 2% of past requests fell in this hour.
func timeOfDayFactor(b *Baseline, hour int) float64 {
	total := 0
	for _, n := range b.HourHistogram {
		total += n
	}
	if total < minHourSamples {
		return 0
	}
	if float64(b.HourHistogram[hour])/float64(total) < rareHourFraction {
		return 0.8
	}
	return 0
}

func rejectionFactor(b *Baseline) float64 {
	return round3(math.Min(1, float64(b.RecentRejections)/rejectionSaturation))
}

// TargetKey identifies a provider/model pair.
func TargetKey(provider, model string) string {
	return strings.ToLower(provider) + "/" + model
}

func round3(f float64) float64 { return math.Round(f*1000) / 1000 }
