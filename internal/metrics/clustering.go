// Package metrics provides partition-comparison math used by the shadow
// evaluator to judge how disruptive a candidate bridging threshold would
// be to existing household groupings before it's published.
package metrics

import "math"

// contingency is the overlap matrix between a candidate-threshold
// household partition and the active-threshold partition: cell[i][j]
// counts the devices that land in candidate household i and active
// household j, with the marginal household sizes alongside.
type contingency struct {
	cells          [][]int
	candidateSizes []int
	activeSizes    []int
	n              int
}

// buildContingency cross-tabulates the two label slices. Labels are
// arbitrary cluster ids (union-find roots, in the shadow evaluator's
// case); only co-membership matters, not the values themselves.
func buildContingency(candidate, active []int) contingency {
	candidateIdx := labelIndex(candidate)
	activeIdx := labelIndex(active)

	cells := make([][]int, len(candidateIdx))
	for i := range cells {
		cells[i] = make([]int, len(activeIdx))
	}
	for k := range candidate {
		cells[candidateIdx[candidate[k]]][activeIdx[active[k]]]++
	}

	candidateSizes := make([]int, len(candidateIdx))
	activeSizes := make([]int, len(activeIdx))
	for i := range cells {
		for j, c := range cells[i] {
			candidateSizes[i] += c
			activeSizes[j] += c
		}
	}
	return contingency{cells: cells, candidateSizes: candidateSizes, activeSizes: activeSizes, n: len(candidate)}
}

// AdjustedRandIndex compares the candidate-threshold household partition
// against the active-threshold one, chance-corrected:
//
//	ARI = (RI - E[RI]) / (max RI - E[RI])
//
// where RI counts device pairs the two partitions agree on (same
// household under both, or different under both). 1 means the candidate
// threshold reproduces today's households exactly; 0 is chance-level
// agreement; negative values are worse than chance.
func AdjustedRandIndex(candidate, active []int) float64 {
	if len(candidate) != len(active) || len(candidate) < 2 {
		return 0.0
	}
	ct := buildContingency(candidate, active)

	var cellPairs, candidatePairs, activePairs float64
	for i := range ct.cells {
		for _, c := range ct.cells[i] {
			cellPairs += pairCount(c)
		}
	}
	for _, size := range ct.candidateSizes {
		candidatePairs += pairCount(size)
	}
	for _, size := range ct.activeSizes {
		activePairs += pairCount(size)
	}

	totalPairs := pairCount(ct.n)
	if totalPairs == 0 {
		return 0.0
	}
	expected := candidatePairs * activePairs / totalPairs
	maxIndex := 0.5 * (candidatePairs + activePairs)

	denom := maxIndex - expected
	if math.Abs(denom) < 1e-12 {
		// Both partitions are all-singletons (or one giant household);
		// there is nothing to disagree about.
		return 1.0
	}
	return (cellPairs - expected) / denom
}

// VariationOfInformation is the information-theoretic distance between
// the candidate and active household partitions:
//
//	VI = H(candidate|active) + H(active|candidate)
//
// It measures, in bits, how much household membership would have to be
// relearned when switching thresholds. 0 means identical partitions;
// larger values mean more membership churn.
func VariationOfInformation(candidate, active []int) float64 {
	if len(candidate) != len(active) || len(candidate) < 2 {
		return 0.0
	}
	ct := buildContingency(candidate, active)
	nf := float64(ct.n)

	var vi float64
	for i := range ct.cells {
		for j, c := range ct.cells[i] {
			if c == 0 {
				continue
			}
			pij := float64(c) / nf
			vi -= pij * math.Log2(float64(c)/float64(ct.activeSizes[j]))
			vi -= pij * math.Log2(float64(c)/float64(ct.candidateSizes[i]))
		}
	}
	return vi
}

// pairCount computes C(n, 2), the number of unordered device pairs in a
// household of size n.
func pairCount(n int) float64 {
	if n < 2 {
		return 0
	}
	return float64(n) * float64(n-1) / 2.0
}

// labelIndex maps each distinct cluster label to a dense index, in first
// -seen order.
func labelIndex(labels []int) map[int]int {
	idx := make(map[int]int)
	for _, l := range labels {
		if _, ok := idx[l]; !ok {
			idx[l] = len(idx)
		}
	}
	return idx
}
