package scoring

import "testing"

func TestFuseSignalsDiscountsCorrelatedGroup(t *testing.T) {
	signals := []MatchSignal{
		{LLR: 1.0, DependencyGroup: GroupNetwork},
		{LLR: 2.5, DependencyGroup: GroupNetwork},
	}
	result := FuseSignals(signals)
	if result.PosteriorLLR != 2.5 {
		t.Fatalf("expected correlated group to fuse to its max (2.5), got %v", result.PosteriorLLR)
	}
	if result.DiscountedEdges != 1 {
		t.Fatalf("expected 1 discounted edge, got %d", result.DiscountedEdges)
	}
}

func TestFuseSignalsSumsIndependentGroups(t *testing.T) {
	signals := []MatchSignal{
		{LLR: 1.2, DependencyGroup: GroupNetwork},
		{LLR: 1.2, DependencyGroup: GroupLocation},
	}
	result := FuseSignals(signals)
	if result.PosteriorLLR != 2.4 {
		t.Fatalf("expected independent groups to sum, got %v", result.PosteriorLLR)
	}
	if !ShouldBridge(result) {
		t.Fatalf("expected posterior of 2.4 to classify as bridgeable")
	}
}

func TestFuseSignalsEmpty(t *testing.T) {
	result := FuseSignals(nil)
	if result.ConfidenceLevel != "rejected" {
		t.Fatalf("expected rejected for no signals, got %q", result.ConfidenceLevel)
	}
}
