package scoring

import "math"

// DependencyGroup buckets partial-key signals that tend to co-vary, so
// that correlated evidence isn't double-counted when it's fused into a
// single posterior confidence. hashedIP and carrierName both derive from
// the same network path; deviceType and userAgent both derive from the
// same client fingerprint; wifiSSID and zipCode both derive from the same
// physical location.
type DependencyGroup int

const (
	GroupNetwork DependencyGroup = iota
	GroupDeviceFingerprint
	GroupLocation
	GroupNone
)

// MatchSignal is one partial-key agreement signal feeding fusion, carrying
// a log-likelihood-ratio-scale strength and the dependency group it
// belongs to.
type MatchSignal struct {
	LLR             float64
	DependencyGroup DependencyGroup
}

// SimilarityToLLR converts a [0,1] similarity into an LLR-scale signal so
// that correlated-group fusion can take a max per dependency group. A
// perfect match (1.0) maps to a strong LLR of 3.0; no match (0) maps to 0.
func SimilarityToLLR(similarity float64) float64 {
	if similarity <= 0 {
		return 0
	}
	return 3.0 * similarity
}

// FusionResult is the outcome of combining a set of match signals into a
// single posterior confidence classification.
type FusionResult struct {
	PosteriorLLR     float64
	ConfidenceLevel  string
	DiscountedEdges  int
	TotalEdges       int
	EffectiveFactors int
}

// FuseSignals groups signals by dependency group, takes the strongest
// signal within each group (discounting the rest so correlated evidence
// doesn't inflate the posterior), and sums the group representatives.
//
// posterior_LLR = sum of max(LLR per group), not sum of all LLRs, which
// would double-count correlated network/device/location signals.
func FuseSignals(signals []MatchSignal) FusionResult {
	if len(signals) == 0 {
		return FusionResult{ConfidenceLevel: "rejected"}
	}

	groups := make(map[DependencyGroup][]MatchSignal)
	for _, sig := range signals {
		groups[sig.DependencyGroup] = append(groups[sig.DependencyGroup], sig)
	}

	var posterior float64
	discounted := 0
	for _, group := range groups {
		maxLLR := group[0].LLR
		for _, sig := range group[1:] {
			if math.Abs(sig.LLR) > math.Abs(maxLLR) {
				maxLLR = sig.LLR
			}
		}
		discounted += len(group) - 1
		posterior += maxLLR
	}

	return FusionResult{
		PosteriorLLR:     posterior,
		ConfidenceLevel:  classifyConfidence(posterior),
		DiscountedEdges:  discounted,
		TotalEdges:       len(signals),
		EffectiveFactors: len(groups),
	}
}

// classifyConfidence maps a posterior LLR to a human-readable band on
// Jeffreys-scale breakpoints.
func classifyConfidence(llr float64) string {
	abs := math.Abs(llr)
	switch {
	case abs > 2.0:
		return "high"
	case abs > 1.0:
		return "medium"
	case abs > 0.5:
		return "low"
	default:
		return "rejected"
	}
}

// ShouldBridge reports whether a fused confidence is strong enough to
// commit a fuzzy-path bridging decision — "medium" or higher.
func ShouldBridge(result FusionResult) bool {
	return result.ConfidenceLevel == "high" || result.ConfidenceLevel == "medium"
}
