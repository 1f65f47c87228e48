// Package risk scores how unusual a paid call is for the user making it.
//
// Every request is evaluated against six weighted factors in [0,1]:
// request volume, cost, agent familiarity, target novelty, time of day and
// repeated rejections. The weighted sum maps onto an integer score from 1
// (routine) to 10 (almost certainly abuse). Scores above 7 are blocked
// outright.
package risk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Band classifies a score.
type Band string

const (
	BandLow    Band = "low"    // < 3
	BandReview Band = "review" // 3-7
	BandBlock  Band = "block"  // > 7
)

// Score bounds
const (
	MinScore = 1
	MaxScore = 10
)

// BandFor returns the band for a score.
func BandFor(score int) Band {
	switch {
	case score < 3:
		return BandLow
	case score > 7:
		return BandBlock
	default:
		return BandReview
	}
}

// Factor names
const (
	FactorVolume             = "volume"
	FactorCost               = "cost"
	FactorAgentUnfamiliar    = "agent_unfamiliar"
	FactorTargetNovelty      = "target_novelty"
	FactorTimeOfDay          = "time_of_day"
	FactorRepeatedRejections = "repeated_rejections"
)

// Weights sets each factor's share of the score. They should sum to 1.
type Weights struct {
	Volume             float64 `json:"volume" yaml:"volume"`
	Cost               float64 `json:"cost" yaml:"cost"`
	AgentUnfamiliar    float64 `json:"agentUnfamiliar" yaml:"agentUnfamiliar"`
	TargetNovelty      float64 `json:"targetNovelty" yaml:"targetNovelty"`
	TimeOfDay          float64 `json:"timeOfDay" yaml:"timeOfDay"`
	RepeatedRejections float64 `json:"repeatedRejections" yaml:"repeatedRejections"`
}

// DefaultWeights are used when none are configured.
var DefaultWeights = Weights{
	Volume:             0.20,
	Cost:               0.25,
	AgentUnfamiliar:    0.15,
	TargetNovelty:      0.15,
	TimeOfDay:          0.10,
	RepeatedRejections: 0.15,
}

// Baseline is a user's recent behaviour, computed over a rolling window
// that ends at the request's submission time.
type Baseline struct {
	Ref                string         `json:"ref"`
	UserID             string         `json:"userId"`
	WindowDays         int            `json:"windowDays"`
	SampleDays         int            `json:"sampleDays"` // days with activity before today
	DailyRequestMean   float64        `json:"dailyRequestMean"`
	RequestsToday      int            `json:"requestsToday"`
	RequestsLastMinute int            `json:"requestsLastMinute"`
	RequestsLastHour   int            `json:"requestsLastHour"`
	MeanCost           string         `json:"meanCost"`
	KnownAgents        []string       `json:"knownAgents,omitempty"`
	KnownTargets       map[string]int `json:"knownTargets,omitempty"` // provider/model -> approved count
	HourHistogram      [24]int        `json:"hourHistogram"`
	RecentRejections   int            `json:"recentRejections"` // last 24h
}

// ColdStart reports whether there is no history to compare against.
func (b *Baseline) ColdStart() bool { return b == nil || b.SampleDays == 0 }

// computeRef derives Ref from the baseline's content.
func (b *Baseline) computeRef() {
	b.Ref = ""
	raw, _ := json.Marshal(b)
	sum := sha256.Sum256(raw)
	b.Ref = "bl_" + hex.EncodeToString(sum[:12])
}

// Input is what the scorer knows about a request.
type Input struct {
	UserID     string
	AgentID    string
	Provider   string
	Model      string
	Amount     string // estimated cost
	At         time.Time
	FraudFlags []string // set by the account provider
}

// Assessment is the scorer's verdict.
type Assessment struct {
	Score           int                `json:"score"`
	Band            Band               `json:"band"`
	Factors         map[string]float64 `json:"factors"`
	FraudIndicators []string           `json:"fraudIndicators,omitempty"`
	BaselineRef     string             `json:"baselineRef"`
}

// Activity is one completed request, recorded after its decision.
type Activity struct {
	RequestID string    `json:"requestId"`
	UserID    string    `json:"userId"`
	AgentID   string    `json:"agentId,omitempty"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Amount    string    `json:"amount"`
	Approved  bool      `json:"approved"`
	Rejected  bool      `json:"rejected"`
	At        time.Time `json:"at"`
}

// Store persists activity for baselines.
type Store interface {
	RecordOutcome(ctx context.Context, a Activity) error
	// Window returns userID's activity with from <= At < to, oldest first.
	Window(ctx context.Context, userID string, from, to time.Time) ([]Activity, error)
}
