// Package tier defines the ordered escalation ladder and per-tier pricing.
//
// The ladder is closed and fixed for the lifetime of a run: free -> mid ->
// premium. The last rung is a ceiling; advancing past it returns the ceiling
// unchanged. Pricing is consumed only by the usage ledger — the escalation
// policy sees tier order, never price.
package tier

import (
	"fmt"
	"strings"
)

// Tier names one rung of the escalation ladder.
type Tier string

const (
	Free    Tier = "free"
	Mid     Tier = "mid"
	Premium Tier = "premium"
)

// Order is the fixed ladder, cheapest first.
var Order = []Tier{Free, Mid, Premium}

// DefaultPricePerMillion is the default USD price per million tokens for each
// tier. Overridable via run config.
var DefaultPricePerMillion = map[Tier]float64{
	Free:    0.0,
	Mid:     3.0,
	Premium: 15.0,
}

// Parse normalizes a tier name. Unknown or empty names map to Free, a reset
// rather than an error, matching the permissive next-tier contract.
func Parse(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case Free:
		return Free
	case Mid:
		return Mid
	case Premium:
		return Premium
	default:
		return Free
	}
}

// Valid reports whether t is a known rung.
func (t Tier) Valid() bool {
	switch t {
	case Free, Mid, Premium:
		return true
	default:
		return false
	}
}

// Index returns t's position in the ladder, or -1 for unknown tiers.
func (t Tier) Index() int {
	for i, r := range Order {
		if r == t {
			return i
		}
	}
	return -1
}

// Next advances one rung. Unknown or empty tiers reset to Free; the ceiling
// maps to itself.
func Next(t Tier) Tier {
	idx := t.Index()
	if idx < 0 {
		return Free
	}
	if idx+1 >= len(Order) {
		return Order[len(Order)-1]
	}
	return Order[idx+1]
}

// Ceiling returns the most expensive rung.
func Ceiling() Tier { return Order[len(Order)-1] }

func (t Tier) String() string { return string(t) }

// PriceTable maps tiers to a USD price per million tokens. A nil or partial
// table falls back to defaults for missing rungs.
type PriceTable map[Tier]float64

// NewPriceTable builds a complete table from overrides, validating that every
// override names a known tier.
func NewPriceTable(overrides map[string]float64) (PriceTable, error) {
	table := make(PriceTable, len(Order))
	for t, p := range DefaultPricePerMillion {
		table[t] = p
	}
	for name, price := range overrides {
		t := Tier(strings.ToLower(strings.TrimSpace(name)))
		if !t.Valid() {
			return nil, fmt.Errorf("unknown tier in price table: %q", name)
		}
		if price < 0 {
			return nil, fmt.Errorf("negative price for tier %q: %v", name, price)
		}
		table[t] = price
	}
	return table, nil
}
