package scoring

import "testing"

func TestPropagateChainDecaysBelowRawProduct(t *testing.T) {
	chain := []ChainLink{
		{FromID: "device1", ToID: "user1", Confidence: 0.9},
		{FromID: "user1", ToID: "household1", Confidence: 0.8},
	}
	prop := PropagateChain(chain, DefaultHopDecay)
	if prop == nil {
		t.Fatalf("expected a propagated chain, got nil")
	}
	if prop.Confidence >= prop.RawProduct {
		t.Fatalf("expected hop decay to reduce confidence below the raw product: raw=%v decayed=%v", prop.RawProduct, prop.Confidence)
	}
}

func TestPropagateChainTooShort(t *testing.T) {
	if PropagateChain([]ChainLink{{FromID: "a", ToID: "b", Confidence: 1}}, DefaultHopDecay) != nil {
		t.Fatalf("expected nil for a single-link chain")
	}
}

func TestPropagateChainDropsWeakResult(t *testing.T) {
	chain := []ChainLink{
		{FromID: "a", ToID: "b", Confidence: 0.1},
		{FromID: "b", ToID: "c", Confidence: 0.1},
	}
	if PropagateChain(chain, DefaultHopDecay) != nil {
		t.Fatalf("expected weak chain to be dropped below MinChainConfidence")
	}
}
