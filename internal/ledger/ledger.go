// Package ledger is the bookkeeping component for tiered execution: tokens,
// cost, call counts and a running success rate per tier, plus global totals.
//
// The ledger is the sole owner of its per-tier aggregates. All mutation goes
// through an exclusive critical section; snapshots are copy-on-read and never
// block writers beyond the copy itself.
package ledger

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/danshapiro/cascade/internal/tier"
)

// TierUsage is the per-tier aggregate. SuccessRate is maintained as an online
// weighted average: the previous rate is expanded to an approximate success
// count, the new outcome added, and the rate recomputed. Rounding error is
// bounded by one call and accepted.
type TierUsage struct {
	Tokens      int     `json:"tokens"`
	Cost        float64 `json:"cost"`
	Calls       int     `json:"calls"`
	SuccessRate float64 `json:"success_rate"`
}

// Summary is an immutable snapshot of the ledger, the only ledger artifact
// meant for external consumption.
type Summary struct {
	Tiers       map[tier.Tier]TierUsage `json:"tiers"`
	TotalCost   float64                 `json:"total_cost"`
	TotalTokens int                     `json:"total_tokens"`
	TotalCalls  int                     `json:"total_calls"`
	Timestamp   time.Time               `json:"timestamp"`
}

// Savings reports what the recorded traffic would have cost on a single
// baseline tier versus what it actually cost.
type Savings struct {
	BaselineTier tier.Tier `json:"baseline_tier"`
	BaselineCost float64   `json:"baseline_cost"`
	ActualCost   float64   `json:"actual_cost"`
	Saved        float64   `json:"saved"`
	SavedPercent float64   `json:"saved_percent"`
}

// UnknownTierError is returned by Track for a tier absent from the price table.
type UnknownTierError struct {
	Tier tier.Tier
}

func (e *UnknownTierError) Error() string {
	return fmt.Sprintf("unknown tier: %q", e.Tier)
}

// Ledger accumulates usage. Safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	prices  tier.PriceTable
	usage   map[tier.Tier]*TierUsage
	total   TierUsage
	running bool
}

// New builds a ledger over the given price table. A nil table uses defaults.
func New(prices tier.PriceTable) *Ledger {
	if prices == nil {
		prices, _ = tier.NewPriceTable(nil)
	}
	usage := make(map[tier.Tier]*TierUsage, len(prices))
	for t := range prices {
		usage[t] = &TierUsage{}
	}
	return &Ledger{prices: prices, usage: usage}
}

// Start marks the ledger running. Lifecycle is owned by the coordinator.
func (l *Ledger) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = true
	return nil
}

// Stop marks the ledger stopped. Accumulated usage is retained.
func (l *Ledger) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = false
	return nil
}

// Track records one call against a tier: tokens consumed, derived cost, call
// count, success rate, and global totals. Unknown tiers are rejected.
func (l *Ledger) Track(t tier.Tier, tokens int, success bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.usage[t]
	if !ok {
		return &UnknownTierError{Tier: t}
	}
	if tokens < 0 {
		return fmt.Errorf("negative token count: %d", tokens)
	}

	cost := float64(tokens) / 1000 * (l.prices[t] / 1000)

	u.SuccessRate = nextSuccessRate(u.SuccessRate, u.Calls, success)
	u.Tokens += tokens
	u.Cost += cost
	u.Calls++

	l.total.Tokens += tokens
	l.total.Cost += cost
	l.total.Calls++
	return nil
}

// nextSuccessRate folds one outcome into the running rate. prevCalls is the
// call count before this outcome.
func nextSuccessRate(prevRate float64, prevCalls int, success bool) float64 {
	calls := prevCalls + 1
	successes := math.Round(prevRate * float64(prevCalls))
	if success {
		successes++
	}
	return successes / float64(calls)
}

// Summary returns a copy of all tier aggregates plus totals. The snapshot is
// independent of subsequent mutation.
func (l *Ledger) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	tiers := make(map[tier.Tier]TierUsage, len(l.usage))
	for t, u := range l.usage {
		tiers[t] = *u
	}
	return Summary{
		Tiers:       tiers,
		TotalCost:   l.total.Cost,
		TotalTokens: l.total.Tokens,
		TotalCalls:  l.total.Calls,
		Timestamp:   time.Now().UTC(),
	}
}

// SavingsVsDirect computes what the accumulated tokens would have cost had
// every call gone straight to baseline, and the absolute and percentage
// savings versus the actual tiered cost. Percentage is zero when the
// hypothetical baseline cost is zero.
func (l *Ledger) SavingsVsDirect(baseline tier.Tier) (Savings, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	price, ok := l.prices[baseline]
	if !ok {
		return Savings{}, &UnknownTierError{Tier: baseline}
	}

	baselineCost := float64(l.total.Tokens) / 1000 * (price / 1000)
	saved := baselineCost - l.total.Cost
	pct := 0.0
	if baselineCost > 0 {
		pct = saved / baselineCost * 100
	}
	return Savings{
		BaselineTier: baseline,
		BaselineCost: baselineCost,
		ActualCost:   l.total.Cost,
		Saved:        saved,
		SavedPercent: pct,
	}, nil
}

// Reset zeroes all counters in place without reallocating the tier set.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, u := range l.usage {
		*u = TierUsage{}
	}
	l.total = TierUsage{}
}
