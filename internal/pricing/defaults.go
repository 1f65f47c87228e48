package pricing

import _ "embed"

//go:embed default_rates.yaml
var defaultRates []byte

// DefaultRateTable returns the built-in development rate table.
func DefaultRateTable() *RateTable {
	t, err := ParseRateTable(defaultRates)
	if err != nil {
		panic("pricing: built-in rate table: " + err.Error())
	}
	return t
}
