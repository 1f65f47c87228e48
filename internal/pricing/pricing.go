// Package pricing estimates the cost of a provider call before it runs and
// flags actual costs that diverge too far from the estimate.
package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/agentspend/internal/usdc"
)

var (
	ErrRateNotFound     = errors.New("pricing: no rate for provider/model")
	ErrInvalidRate      = errors.New("pricing: invalid rate")
	ErrUnknownOperation = errors.New("pricing: unknown operation")
)

// Operation kinds
const (
	OpChat       = "chat"
	OpCompletion = "completion"
	OpEmbedding  = "embedding"
	OpImage      = "image"
)

// DefaultMaxTokens is assumed when a generative call sets no max_tokens.
const DefaultMaxTokens = 256

// charsPerToken approximates tokenization for input estimation.
const charsPerToken = 4

// Rate is a provider/model price list in dollars.
type Rate struct {
	InputPer1K  string `json:"inputPer1K" yaml:"inputPer1K"`
	OutputPer1K string `json:"outputPer1K" yaml:"outputPer1K"`
	PerCall     string `json:"perCall" yaml:"perCall"`
}

func (r Rate) validate() error {
	for name, v := range map[string]string{"inputPer1K": r.InputPer1K, "outputPer1K": r.OutputPer1K, "perCall": r.PerCall} {
		if _, ok := usdc.Parse(v); !ok {
			return fmt.Errorf("%w: %s %q", ErrInvalidRate, name, v)
		}
	}
	return nil
}

// RateTable maps provider -> model -> rate. Provider names are lower case.
type RateTable struct {
	Providers map[string]map[string]Rate `json:"providers" yaml:"providers"`
}

// Lookup returns the rate for provider/model.
func (t *RateTable) Lookup(provider, model string) (Rate, bool) {
	models, ok := t.Providers[strings.ToLower(provider)]
	if !ok {
		return Rate{}, false
	}
	r, ok := models[model]
	return r, ok
}

// LoadRateTable reads a YAML rate table.
func LoadRateTable(path string) (*RateTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate table: %w", err)
	}
	return ParseRateTable(raw)
}

// ParseRateTable decodes and validates a YAML rate table.
func ParseRateTable(data []byte) (*RateTable, error) {
	var t RateTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse rate table: %w", err)
	}
	normalized := make(map[string]map[string]Rate, len(t.Providers))
	for provider, models := range t.Providers {
		for model, r := range models {
			if err := r.validate(); err != nil {
				return nil, fmt.Errorf("%s/%s: %w", provider, model, err)
			}
		}
		normalized[strings.ToLower(provider)] = models
	}
	t.Providers = normalized
	return &t, nil
}

// Units is the billable quantity of a call.
type Units struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Calls  int64 `json:"calls"`
}

// EstimateUnits derives billable units from request parameters.
func EstimateUnits(operation string, params map[string]any) (Units, error) {
	u := Units{Calls: 1}
	switch operation {
	case OpChat, OpCompletion, "":
		u.Input = tokens(inputChars(params))
		u.Output = intParam(params, "max_tokens", DefaultMaxTokens)
	case OpEmbedding:
		u.Input = tokens(inputChars(params))
	case OpImage:
		u.Input = tokens(inputChars(params))
		u.Calls = intParam(params, "n", 1)
	default:
		return Units{}, fmt.Errorf("%w: %q", ErrUnknownOperation, operation)
	}
	return u, nil
}

// Cost prices units at r, rounding up to the micro-dollar.
func Cost(r Rate, u Units) (*big.Int, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	in, _ := usdc.Parse(r.InputPer1K)
	out, _ := usdc.Parse(r.OutputPer1K)
	call, _ := usdc.Parse(r.PerCall)

	tokenCost := new(big.Int).Mul(in, big.NewInt(u.Input))
	tokenCost.Add(tokenCost, new(big.Int).Mul(out, big.NewInt(u.Output)))
	total := usdc.MulDivCeil(tokenCost, 1, 1000)
	total.Add(total, new(big.Int).Mul(call, big.NewInt(u.Calls)))
	return total, nil
}

func tokens(chars int) int64 {
	return int64((chars + charsPerToken - 1) / charsPerToken)
}

func inputChars(params map[string]any) int {
	n := 0
	if s, ok := params["prompt"].(string); ok {
		n += len(s)
	}
	switch v := params["input"].(type) {
	case string:
		n += len(v)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				n += len(s)
			}
		}
	}
	if msgs, ok := params["messages"].([]any); ok {
		for _, m := range msgs {
			if mm, ok := m.(map[string]any); ok {
				if s, ok := mm["content"].(string); ok {
					n += len(s)
				}
			}
		}
	}
	return n
}

func intParam(params map[string]any, key string, def int64) int64 {
	var f float64
	switch v := params[key].(type) {
	case float64:
		f = v
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return def
		}
		f = parsed
	default:
		return def
	}
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return def
	}
	return int64(math.Ceil(f))
}
