package supervisor

import (
	"time"
)

// Supervisor bundles the retry policy, circuit breaker registry, and
// dead-letter queue that every collection component shares by
// reference. It holds no per-item state of its own.
type Supervisor struct {
	Retry    RetryPolicy
	Breakers *BreakerRegistry
	DLQ      *DLQ
}

// New builds a Supervisor with the given retry policy and breaker
// config, and dlq as the durable store for exhausted items. dlq may be
// nil if dead-lettering is not needed (e.g. in tests).
func New(retry RetryPolicy, breakerConfig BreakerConfig, dlq *DLQ) *Supervisor {
	return &Supervisor{
		Retry:    retry,
		Breakers: NewBreakerRegistry(breakerConfig),
		DLQ:      dlq,
	}
}

// FallbackResult is a best-effort partial extraction synthesized when
// an item fails with extraction or parsing and raw source data is
// still available. Confidence is capped at 0.5 per the fallback
// contract: a result assembled by regex heuristics is never reported
// as more trustworthy than an LLM- or schema-verified one.
type FallbackResult struct {
	Fields     map[string]any
	Confidence float64
}

// CapFallbackConfidence clamps confidence to the fallback ceiling.
func CapFallbackConfidence(confidence float64) float64 {
	const ceiling = 0.5
	if confidence > ceiling {
		return ceiling
	}
	return confidence
}

// ShouldAttemptFallback reports whether kind is eligible for
// synthesizing a fallback result from raw source data.
func ShouldAttemptFallback(kind Kind) bool {
	return kind == KindExtraction || kind == KindParsing
}

// NextCooldown computes an exponentially increasing re-open cooldown
// for a breaker that re-opened after a failed half-open probe,
// doubling base up to a ceiling of 10 minutes.
func NextCooldown(base time.Duration, consecutiveReopens int) time.Duration {
	const ceiling = 10 * time.Minute
	d := base
	for i := 0; i < consecutiveReopens && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}
