package metrics

import (
	"math"
	"testing"
)

func TestAdjustedRandIndexIdenticalPartitions(t *testing.T) {
	candidate := []int{0, 0, 1, 1, 2, 2}
	active := []int{0, 0, 1, 1, 2, 2}

	ari := AdjustedRandIndex(candidate, active)
	if math.Abs(ari-1.0) > 0.01 {
		t.Errorf("expected ARI 1.0 when the candidate threshold reproduces the active households, got %f", ari)
	}
}

func TestAdjustedRandIndexDisagreeingPartitions(t *testing.T) {
	candidate := []int{0, 0, 0, 1, 1, 1}
	active := []int{0, 1, 0, 1, 0, 1}

	ari := AdjustedRandIndex(candidate, active)
	if ari > 0.5 {
		t.Errorf("expected ARI near 0 for heavily reshuffled households, got %f", ari)
	}
}

func TestAdjustedRandIndexLabelValuesIrrelevant(t *testing.T) {
	// Union-find roots are arbitrary ids; only co-membership matters.
	candidate := []int{7, 7, 42, 42}
	active := []int{3, 3, 9, 9}

	ari := AdjustedRandIndex(candidate, active)
	if math.Abs(ari-1.0) > 0.01 {
		t.Errorf("expected relabeled-but-identical partitions to score ARI 1.0, got %f", ari)
	}
}

func TestVariationOfInformationIdenticalPartitions(t *testing.T) {
	candidate := []int{0, 0, 1, 1, 2, 2}
	active := []int{0, 0, 1, 1, 2, 2}

	vi := VariationOfInformation(candidate, active)
	if vi > 0.01 {
		t.Errorf("expected VI 0.0 for identical household partitions, got %f", vi)
	}
}

func TestVariationOfInformationDisagreeingPartitions(t *testing.T) {
	candidate := []int{0, 0, 0, 1, 1, 1}
	active := []int{0, 1, 0, 1, 0, 1}

	vi := VariationOfInformation(candidate, active)
	if vi < 0.1 {
		t.Errorf("expected positive VI for reshuffled households, got %f", vi)
	}
}
