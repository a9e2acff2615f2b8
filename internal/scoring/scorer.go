// Package scoring implements the weighted, time-decayed partial-key
// similarity scorer (component F) and the evidence-fusion machinery used
// to classify and propagate confidence across the identity graph.
package scoring

import (
	"math"
	"strings"
	"time"

	"github.com/rawblock/householdiq-aggregator/internal/fuzzy"
	"github.com/rawblock/householdiq-aggregator/pkg/models"
)

// Weights assigns relative importance to each recognized partial key when
// scoring a candidate pair.
type Weights struct {
	HashedEmail float64
	HashedIP    float64
	WifiSSID    float64
	DeviceType  float64
	ProfileID   float64
}

// DefaultWeights is used whenever bridging_config carries no weights of
// its own.
var DefaultWeights = Weights{
	HashedEmail: 1.0,
	HashedIP:    0.9,
	WifiSSID:    0.3,
	DeviceType:  0.2,
	ProfileID:   0.2,
}

// DefaultDecay is the recency half-life-style decay base used when
// BridgingConfig carries none.
const DefaultDecay = 0.5

// DefaultThreshold is the bridging confidence threshold used when neither
// an ML-published threshold nor a BridgingConfig threshold is available.
const DefaultThreshold = 0.7

// Scorer computes the weighted partial-key similarity between two
// events, time-decayed by how far apart they were observed.
type Scorer struct {
	weights Weights
	decay   float64
}

// NewScorer constructs a Scorer with the given partial-key weights and
// recency decay base.
func NewScorer(weights Weights, decay float64) *Scorer {
	if decay <= 0 {
		decay = DefaultDecay
	}
	return &Scorer{weights: weights, decay: decay}
}

// Score returns the similarity between a and b, each carrying a
// PartialKeySet and an observation timestamp:
//
//   - deterministic short-circuit: equal, non-empty, case-insensitive
//     hashedEmail on both sides scores exactly 1.0.
//   - otherwise, for each recognized key with a non-empty value on both
//     sides, add weight·similarity·recency (similarity is 1 for an exact
//     case-insensitive hashedEmail match, edit-distance-based otherwise);
//     recency = decay^(|Δhours|/24).
//
// The pre-clamp sum can exceed 1 when several strong keys agree; callers
// report ClampUnit(Score(...)) rather than the raw value.
func (s *Scorer) Score(a, b models.PartialKeySet, aTime, bTime time.Time) float64 {
	emailA, emailB := strings.ToLower(a.HashedEmail), strings.ToLower(b.HashedEmail)
	if emailA != "" && emailB != "" && emailA == emailB {
		return 1.0
	}

	rec := recency(aTime, bTime, s.decay)
	var total float64
	total += s.weightedKey(s.weights.HashedEmail, emailA, emailB, rec, true)
	total += s.weightedKey(s.weights.HashedIP, strings.ToLower(a.HashedIP), strings.ToLower(b.HashedIP), rec, false)
	total += s.weightedKey(s.weights.WifiSSID, strings.ToLower(a.WifiSSID), strings.ToLower(b.WifiSSID), rec, false)
	total += s.weightedKey(s.weights.DeviceType, strings.ToLower(a.DeviceType), strings.ToLower(b.DeviceType), rec, false)
	total += s.weightedKey(s.weights.ProfileID, strings.ToLower(a.ProfileID), strings.ToLower(b.ProfileID), rec, false)
	return total
}

// weightedKey implements one term of the per-key summation: skip if
// either side is empty; an exact match on the hashedEmail key (isEmail)
// contributes its full weight undecayed, everything else contributes
// weight·similarity·recency.
func (s *Scorer) weightedKey(weight float64, va, vb string, recency float64, isEmail bool) float64 {
	if va == "" || vb == "" {
		return 0
	}
	if isEmail && va == vb {
		return weight
	}
	return weight * fuzzy.Similarity(va, vb) * recency
}

// MatchSignals returns one MatchSignal per recognized partial key present
// on both sides, for callers that classify confidence via
// FuseSignals/ShouldBridge in addition to reading the raw weighted Score —
// the network-ish key (hashedIP) and location-ish key (wifiSSID) are
// tagged with their correlated DependencyGroup so FuseSignals won't
// double-count them against an identity-level match.
func (s *Scorer) MatchSignals(a, b models.PartialKeySet) []MatchSignal {
	var signals []MatchSignal
	add := func(va, vb string, group DependencyGroup) {
		va, vb = strings.ToLower(va), strings.ToLower(vb)
		if va == "" || vb == "" {
			return
		}
		if sim := fuzzy.Similarity(va, vb); sim > 0 {
			signals = append(signals, MatchSignal{LLR: SimilarityToLLR(sim), DependencyGroup: group})
		}
	}
	add(a.HashedEmail, b.HashedEmail, GroupNone)
	add(a.HashedIP, b.HashedIP, GroupNetwork)
	add(a.WifiSSID, b.WifiSSID, GroupLocation)
	add(a.DeviceType, b.DeviceType, GroupDeviceFingerprint)
	add(a.ProfileID, b.ProfileID, GroupNone)
	return signals
}

// ClampUnit clamps a raw score into [0, 1] for external reporting.
func ClampUnit(score float64) float64 {
	if score > 1 {
		return 1
	}
	if score < 0 {
		return 0
	}
	return score
}

// recency computes decay^(deltaHours/24), where deltaHours is the
// absolute number of hours between the two observation timestamps.
func recency(a, b time.Time, decay float64) float64 {
	delta := a.Sub(b)
	if delta < 0 {
		delta = -delta
	}
	return math.Pow(decay, delta.Hours()/24.0)
}
