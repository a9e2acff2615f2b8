package sampling

import "testing"

func TestShouldSampleRateOneAlwaysWins(t *testing.T) {
	s := NewSampler(map[string]int{"impression": 1})
	for i := 0; i < 100; i++ {
		if !s.ShouldSample("impression") {
			t.Fatal("expected rate 1 to sample every event")
		}
	}
}

func TestShouldSampleRateBelowOneNeverWins(t *testing.T) {
	s := NewSampler(map[string]int{"impression": 0})
	for i := 0; i < 100; i++ {
		if s.ShouldSample("impression") {
			t.Fatal("expected rate 0 to sample nothing")
		}
	}
}

func TestShouldSampleUnknownTypeUsesDefaultRate(t *testing.T) {
	s := NewSampler(nil)
	wins := 0
	for i := 0; i < 1000; i++ {
		if s.ShouldSample("conversion") {
			wins++
		}
	}
	// 1000 draws at 1-in-10000 should win only rarely.
	if wins > 10 {
		t.Fatalf("expected the default 1-in-%d rate to win rarely, got %d wins in 1000 draws", DefaultRate, wins)
	}
}
