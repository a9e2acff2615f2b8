package capping

import (
	"context"
	"testing"
	"time"

	"github.com/rawblock/householdiq-aggregator/internal/kvcache"
)

func TestCapIncrementThatReachesLimitStillServes(t *testing.T) {
	counter := NewCounter(kvcache.NewMemoryCache())
	ctx := context.Background()
	now := time.Now()

	var last struct {
		canServe bool
		count    int64
	}
	for i := 0; i < 3; i++ {
		res, err := counter.CheckAndIncrement(ctx, "device-1", 3, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		last.canServe = res.CanServe
		last.count = res.DailyImpressions
	}
	if last.count != 3 || !last.canServe {
		t.Fatalf("expected the 3rd impression (== cap) to still serve, got count=%d canServe=%v", last.count, last.canServe)
	}

	res, err := counter.CheckAndIncrement(ctx, "device-1", 3, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.CanServe {
		t.Fatalf("expected the 4th impression (over cap) to be denied")
	}
}
