// Package usdc parses, formats and does arithmetic on dollar amounts held
// as micro-units (1 USD = 1,000,000 units), the precision settlement rails
// (USDC, card processors) agree on.
package usdc

import (
	"math/big"
	"strings"
)

const Decimals = 6

var unit = big.NewInt(1_000_000)

// Parse converts a non-negative decimal string (e.g. "1.50") into micro-units
// (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Fractional digits beyond 6 are truncated
func Parse(s string) (*big.Int, bool) {
	if strings.HasPrefix(s, "-") {
		return nil, false
	}
	return parse(s)
}

// ParseSigned is Parse that also accepts a leading minus sign. Used for
// variances, which may be negative.
func ParseSigned(s string) (*big.Int, bool) {
	if rest, ok := strings.CutPrefix(s, "-"); ok {
		v, ok := parse(rest)
		if !ok {
			return nil, false
		}
		return v.Neg(v), true
	}
	return parse(s)
}

func parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	whole, frac, _ := strings.Cut(s, ".")
	if strings.Contains(frac, ".") || strings.ContainsAny(whole, "+-") || strings.ContainsAny(frac, "+-") {
		return nil, false
	}
	if whole == "" {
		whole = "0"
	}
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, false
	}
	return result, true
}

// Format converts micro-units to a decimal string with exactly 6 places
// (e.g. "1.500000"). Negative values keep their sign.
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// Normalize re-formats a decimal string to 6 places. Invalid input yields "".
func Normalize(s string) string {
	v, ok := ParseSigned(s)
	if !ok {
		return ""
	}
	return Format(v)
}

// Cmp compares two decimal strings. Unparseable values compare as zero.
func Cmp(a, b string) int {
	x, ok := ParseSigned(a)
	if !ok {
		x = new(big.Int)
	}
	y, ok := ParseSigned(b)
	if !ok {
		y = new(big.Int)
	}
	return x.Cmp(y)
}

// MulDivCeil returns ceil(amount * num / den) in micro-units. Used to price
// unit counts against per-thousand rates without losing fractions of a cent
// in the platform's disfavour.
func MulDivCeil(amount *big.Int, num, den int64) *big.Int {
	if den == 0 {
		return new(big.Int)
	}
	n := new(big.Int).Mul(amount, big.NewInt(num))
	q, r := new(big.Int).QuoRem(n, big.NewInt(den), new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// Float converts micro-units to a float64 for metrics and heuristics.
// Never use the result for accounting.
func Float(amount *big.Int) float64 {
	if amount == nil {
		return 0
	}
	f, _ := new(big.Rat).SetFrac(amount, unit).Float64()
	return f
}

// FromFloat converts a float64 dollar value to micro-units, rounding down.
func FromFloat(v float64) *big.Int {
	r := new(big.Rat).SetFloat64(v)
	if r == nil {
		return new(big.Int)
	}
	r.Mul(r, new(big.Rat).SetInt(unit))
	return new(big.Int).Quo(r.Num(), r.Denom())
}
