// Package policy implements the escalation decision function.
//
// The policy is pure: a decision is a function of the latest result signal,
// the current tier index, and the policy's fixed thresholds. It keeps no
// per-task memory — escalation state lives on the task. The policy knows tier
// order, never price.
package policy

import (
	"math"

	"github.com/danshapiro/cascade/internal/tier"
)

// Signal carries the escalation-relevant fields of a task attempt result.
// Severity is 0-10, Confidence 0.0-1.0. Attempts and Quality feed the
// per-tier failure predicates.
type Signal struct {
	Severity   int     `json:"severity"`
	Confidence float64 `json:"confidence"`
	Attempts   int     `json:"attempts"`
	Quality    float64 `json:"quality"`
}

// FailureGate is the per-tier failure predicate: the tier has failed a task
// when attempts reach MaxAttempts or quality falls below QualityFloor.
//
// The stock values (3 attempts / floor 6 for free, 2 attempts / floor 8 for
// mid) are inherited verbatim from the source system with no documented
// derivation; they are kept configurable rather than re-derived.
type FailureGate struct {
	MaxAttempts  int     `json:"max_attempts" yaml:"max_attempts"`
	QualityFloor float64 `json:"quality_floor" yaml:"quality_floor"`
}

// Thresholds are the fixed decision constants. Zero values are replaced by
// Defaults in New.
type Thresholds struct {
	// MinSeverity gates all escalation: below it the answer is always no.
	MinSeverity int `json:"min_severity" yaml:"min_severity"`
	// CeilingIndex is the tier index at or above which escalation stops.
	CeilingIndex int `json:"ceiling_index" yaml:"ceiling_index"`

	// High-stakes rule: severity >= HighSeverity and confidence >= HighConfidence.
	HighSeverity   int     `json:"high_severity" yaml:"high_severity"`
	HighConfidence float64 `json:"high_confidence" yaml:"high_confidence"`

	// Uncertain rule: confidence < LowConfidence, severity >= UncertainSeverity,
	// tier index < UncertainTierLimit.
	LowConfidence      float64 `json:"low_confidence" yaml:"low_confidence"`
	UncertainSeverity  int     `json:"uncertain_severity" yaml:"uncertain_severity"`
	UncertainTierLimit int     `json:"uncertain_tier_limit" yaml:"uncertain_tier_limit"`

	// Moderate rule: tier index < ModerateTierLimit and severity >= ModerateSeverity.
	ModerateSeverity  int `json:"moderate_severity" yaml:"moderate_severity"`
	ModerateTierLimit int `json:"moderate_tier_limit" yaml:"moderate_tier_limit"`

	// TierFailure holds per-tier failure gates. Tiers without a gate never
	// report failure through TierFailed.
	TierFailure map[tier.Tier]FailureGate `json:"tier_failure" yaml:"tier_failure"`
}

// Defaults returns the stock thresholds.
func Defaults() Thresholds {
	return Thresholds{
		MinSeverity:        3,
		CeilingIndex:       5,
		HighSeverity:       8,
		HighConfidence:     0.8,
		LowConfidence:      0.5,
		UncertainSeverity:  5,
		UncertainTierLimit: 2,
		ModerateSeverity:   6,
		ModerateTierLimit:  3,
		TierFailure: map[tier.Tier]FailureGate{
			tier.Free: {MaxAttempts: 3, QualityFloor: 6},
			tier.Mid:  {MaxAttempts: 2, QualityFloor: 8},
		},
	}
}

// Policy is a stateless decision engine. Safe for concurrent use.
type Policy struct {
	th Thresholds
}

// New builds a policy. Missing threshold fields fall back to the defaults.
func New(th Thresholds) *Policy {
	def := Defaults()
	if th.MinSeverity == 0 {
		th.MinSeverity = def.MinSeverity
	}
	if th.CeilingIndex == 0 {
		th.CeilingIndex = def.CeilingIndex
	}
	if th.HighSeverity == 0 {
		th.HighSeverity = def.HighSeverity
	}
	if th.HighConfidence == 0 {
		th.HighConfidence = def.HighConfidence
	}
	if th.LowConfidence == 0 {
		th.LowConfidence = def.LowConfidence
	}
	if th.UncertainSeverity == 0 {
		th.UncertainSeverity = def.UncertainSeverity
	}
	if th.UncertainTierLimit == 0 {
		th.UncertainTierLimit = def.UncertainTierLimit
	}
	if th.ModerateSeverity == 0 {
		th.ModerateSeverity = def.ModerateSeverity
	}
	if th.ModerateTierLimit == 0 {
		th.ModerateTierLimit = def.ModerateTierLimit
	}
	if th.TierFailure == nil {
		th.TierFailure = def.TierFailure
	}
	return &Policy{th: th}
}

// Start satisfies the coordinator's startable contract; the policy is pure.
func (p *Policy) Start() error { return nil }

// Stop satisfies the coordinator's startable contract.
func (p *Policy) Stop() error { return nil }

// ShouldEscalate decides escalate (true) or hold (false) for the given result
// signal at the given tier index. Out-of-range inputs yield false rather than
// an error; holding is the fail-closed default.
func (p *Policy) ShouldEscalate(sig Signal, tierIndex int) bool {
	if sig.Severity < 0 || sig.Severity > 10 {
		return false
	}
	if math.IsNaN(sig.Confidence) || sig.Confidence < 0 || sig.Confidence > 1 {
		return false
	}
	if tierIndex < 0 {
		tierIndex = 0
	}

	if sig.Severity < p.th.MinSeverity {
		return false
	}
	if tierIndex >= p.th.CeilingIndex {
		return false
	}
	if sig.Severity >= p.th.HighSeverity && sig.Confidence >= p.th.HighConfidence {
		return true
	}
	if sig.Confidence < p.th.LowConfidence && sig.Severity >= p.th.UncertainSeverity && tierIndex < p.th.UncertainTierLimit {
		return true
	}
	if tierIndex < p.th.ModerateTierLimit && sig.Severity >= p.th.ModerateSeverity {
		return true
	}
	return false
}

// NextTier maps a tier name to the next rung. Empty or unrecognized names
// reset to the cheapest tier; the ceiling maps to itself.
func (p *Policy) NextTier(name string) tier.Tier {
	if name == "" {
		return tier.Free
	}
	t := tier.Tier(name)
	if !t.Valid() {
		return tier.Free
	}
	return tier.Next(t)
}

// TierIndex exposes tier-order lookup. Unknown names report -1.
func (p *Policy) TierIndex(name string) int {
	return tier.Tier(name).Index()
}

// HasFailureGate reports whether a failure gate is configured for t. Tiers
// without a gate (the ceiling, typically) get a single attempt: there is no
// attempt budget to burn down before the escalate/deny decision.
func (p *Policy) HasFailureGate(t tier.Tier) bool {
	_, ok := p.th.TierFailure[t]
	return ok
}

// TierFailed reports whether the given tier has failed the task described by
// sig. A nil signal counts as failure. Malformed fields fall back to
// permissive defaults (zero attempts, maximal quality) so a single bad field
// never forces an unwarranted escalation. Tiers without a configured gate
// never fail.
func (p *Policy) TierFailed(t tier.Tier, sig *Signal) bool {
	if sig == nil {
		return true
	}
	gate, ok := p.th.TierFailure[t]
	if !ok {
		return false
	}

	attempts := sig.Attempts
	if attempts < 0 {
		attempts = 0
	}
	quality := sig.Quality
	if math.IsNaN(quality) || quality < 0 || quality > 10 {
		quality = 10
	}
	return attempts >= gate.MaxAttempts || quality < gate.QualityFloor
}
