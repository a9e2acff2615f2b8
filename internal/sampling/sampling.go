// Package sampling decides which ingested events win the 1-in-N draw for
// the anonymized-event side table.
package sampling

import "math/rand"

// DefaultRate is the divisor used for event types with no configured rate.
const DefaultRate = 10000

// Sampler holds the per-event-type 1-in-N divisors (SAMPLING_RATES).
type Sampler struct {
	rates map[string]int
}

// NewSampler constructs a Sampler. A nil or empty rates map means every
// event type samples at DefaultRate.
func NewSampler(rates map[string]int) *Sampler {
	return &Sampler{rates: rates}
}

// ShouldSample reports whether an event of the given type wins the draw.
// A rate of 1 samples everything; a rate below 1 samples nothing.
func (s *Sampler) ShouldSample(eventType string) bool {
	rate := DefaultRate
	if s.rates != nil {
		if r, ok := s.rates[eventType]; ok {
			rate = r
		}
	}
	if rate < 1 {
		return false
	}
	return rand.Intn(rate) == 0
}
