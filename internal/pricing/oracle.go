package pricing

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/agentspend/internal/usdc"
)

// DefaultAnomalyMultiple flags actual costs above 3x the estimate.
const DefaultAnomalyMultiple = 3

// Request is what the oracle needs to price a call.
type Request struct {
	Provider  string
	Model     string
	Operation string
	Params    map[string]any
}

// Estimate is a priced call.
type Estimate struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Operation string `json:"operation"`
	Units     Units  `json:"units"`
	Rate      Rate   `json:"rate"`
	Amount    string `json:"amount"`
}

// Oracle prices calls and checks variance.
type Oracle struct {
	source   RateSource
	timeout  time.Duration
	multiple int64
}

// NewOracle creates an oracle. timeout bounds each rate lookup; multiple
// is the anomaly threshold (values < 1 use the default).
func NewOracle(source RateSource, timeout time.Duration, multiple int64) *Oracle {
	if multiple < 1 {
		multiple = DefaultAnomalyMultiple
	}
	return &Oracle{source: source, timeout: timeout, multiple: multiple}
}

// EstimateCost prices req. Unknown targets and lookup timeouts fail.
func (o *Oracle) EstimateCost(ctx context.Context, req Request) (*Estimate, error) {
	units, err := EstimateUnits(req.Operation, req.Params)
	if err != nil {
		return nil, err
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	rate, err := o.source.Rate(ctx, req.Provider, req.Model)
	if err != nil {
		return nil, fmt.Errorf("rate lookup: %w", err)
	}
	amount, err := Cost(rate, units)
	if err != nil {
		return nil, err
	}
	return &Estimate{
		Provider:  strings.ToLower(req.Provider),
		Model:     req.Model,
		Operation: req.Operation,
		Units:     units,
		Rate:      rate,
		Amount:    usdc.Format(amount),
	}, nil
}

// DetectAnomaly reports whether actual exceeds multiple x estimated. Any
// positive actual against a zero estimate is anomalous.
func (o *Oracle) DetectAnomaly(actual, estimated string) bool {
	act, ok := usdc.Parse(actual)
	if !ok {
		return false
	}
	est, ok := usdc.Parse(estimated)
	if !ok {
		return false
	}
	if est.Sign() == 0 {
		return act.Sign() > 0
	}
	return act.Cmp(new(big.Int).Mul(est, big.NewInt(o.multiple))) > 0
}
