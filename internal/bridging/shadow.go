package bridging

import (
	"github.com/rawblock/householdiq-aggregator/internal/metrics"
	"github.com/rawblock/householdiq-aggregator/pkg/models"
)

// ShadowEvaluator runs a candidate bridging threshold against a batch of
// already-scored pairs without publishing anything, reporting how much
// household partitioning would change versus the currently active
// threshold — a freshly retrained ML threshold never reshapes production
// households sight unseen.
type ShadowEvaluator struct{}

// NewShadowEvaluator constructs a ShadowEvaluator.
func NewShadowEvaluator() *ShadowEvaluator {
	return &ShadowEvaluator{}
}

// Impact is the result of comparing two thresholds' partitioning of the
// same batch of scored pairs.
type Impact struct {
	ActiveThreshold    float64
	CandidateThreshold float64
	PairCount          int
	AdjustedRandIndex  float64
	VariationOfInfo    float64
}

// Evaluate partitions the given pairs under both thresholds (connected
// components over edges at-or-above the threshold) and compares the two
// partitions. An ARI near 1 / VI near 0 means the candidate threshold
// would barely change existing households; large deviation means
// switching thresholds is disruptive enough to warrant manual review
// before publishing it.
func (s *ShadowEvaluator) Evaluate(pairs []models.ScoredPair, activeThreshold, candidateThreshold float64) Impact {
	nodes := uniqueNodes(pairs)
	activeLabels := partitionLabels(nodes, pairs, activeThreshold)
	candidateLabels := partitionLabels(nodes, pairs, candidateThreshold)

	return Impact{
		ActiveThreshold:    activeThreshold,
		CandidateThreshold: candidateThreshold,
		PairCount:          len(pairs),
		AdjustedRandIndex:  metrics.AdjustedRandIndex(candidateLabels, activeLabels),
		VariationOfInfo:    metrics.VariationOfInformation(candidateLabels, activeLabels),
	}
}

func uniqueNodes(pairs []models.ScoredPair) []string {
	seen := make(map[string]struct{})
	var nodes []string
	for _, p := range pairs {
		for _, id := range []string{p.LeftID, p.RightID} {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				nodes = append(nodes, id)
			}
		}
	}
	return nodes
}

// partitionLabels assigns each node a cluster-id label via union-find
// over every pair whose score clears threshold, in the same order as
// nodes, so the resulting label slices are directly comparable by the
// ARI/VI metrics functions.
func partitionLabels(nodes []string, pairs []models.ScoredPair, threshold float64) []int {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n] = i
	}
	uf := newUnionFind(len(nodes))
	for _, p := range pairs {
		if p.Score < threshold {
			continue
		}
		li, ok1 := index[p.LeftID]
		ri, ok2 := index[p.RightID]
		if ok1 && ok2 {
			uf.union(li, ri)
		}
	}
	labels := make([]int, len(nodes))
	for i := range nodes {
		labels[i] = uf.find(i)
	}
	return labels
}

// unionFind is a minimal disjoint-set structure used only to materialize
// cluster labels for the ARI/VI comparison above.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[ra] = rb
	}
}
