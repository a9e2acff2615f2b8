package scoring

import (
	"testing"
	"time"

	"github.com/rawblock/householdiq-aggregator/pkg/models"
)

func TestScoreExactEmailMatchIsMaximal(t *testing.T) {
	s := NewScorer(DefaultWeights, DefaultDecay)
	a := models.PartialKeySet{HashedEmail: "H1", HashedIP: "ip1", DeviceType: "mobile"}
	b := models.PartialKeySet{HashedEmail: "h1", HashedIP: "ip9", DeviceType: "desktop"}
	now := time.Now()
	later := now.Add(200 * time.Hour)
	got := s.Score(a, b, now, later)
	if got != 1.0 {
		t.Fatalf("expected equal non-empty hashedEmail to score exactly 1.0, got %v", got)
	}
}

func TestScoreIsSymmetric(t *testing.T) {
	s := NewScorer(DefaultWeights, DefaultDecay)
	a := models.PartialKeySet{HashedIP: "ip1", WifiSSID: "ssidA"}
	b := models.PartialKeySet{HashedIP: "ip2", WifiSSID: "ssidB"}
	now := time.Now()
	later := now.Add(3 * time.Hour)
	if s.Score(a, b, now, later) != s.Score(b, a, later, now) {
		t.Fatalf("score must be symmetric in argument order")
	}
}

func TestScoreDecaysWithTime(t *testing.T) {
	s := NewScorer(DefaultWeights, DefaultDecay)
	keys := models.PartialKeySet{HashedIP: "ip1", WifiSSID: "ssid1"}
	now := time.Now()
	near := s.Score(keys, keys, now, now.Add(time.Hour))
	far := s.Score(keys, keys, now, now.Add(72*time.Hour))
	if far >= near {
		t.Fatalf("expected score to decay as events grow further apart in time: near=%v far=%v", near, far)
	}
}

func TestScoreSkipsEmptyKeys(t *testing.T) {
	s := NewScorer(DefaultWeights, DefaultDecay)
	a := models.PartialKeySet{HashedIP: "ip1"}
	b := models.PartialKeySet{}
	now := time.Now()
	if got := s.Score(a, b, now, now); got != 0 {
		t.Fatalf("expected no-overlap pair to score 0, got %v", got)
	}
}

func TestClampUnit(t *testing.T) {
	if ClampUnit(1.5) != 1 {
		t.Fatalf("expected clamp above 1 to saturate at 1")
	}
	if ClampUnit(-0.5) != 0 {
		t.Fatalf("expected clamp below 0 to saturate at 0")
	}
}

func TestScoreClampsAboveOneAfterSumming(t *testing.T) {
	s := NewScorer(Weights{HashedIP: 0.9, WifiSSID: 0.9}, DefaultDecay)
	keys := models.PartialKeySet{HashedIP: "ip1", WifiSSID: "ssid1"}
	now := time.Now()
	raw := s.Score(keys, keys, now, now)
	if raw <= 1.0 {
		t.Fatalf("expected pre-clamp sum to exceed 1.0 with two strong agreeing keys, got %v", raw)
	}
	if ClampUnit(raw) != 1.0 {
		t.Fatalf("expected clamped score to saturate at 1.0")
	}
}
