package kvcache

import (
	"context"
	"testing"

	"github.com/rawblock/householdiq-aggregator/pkg/models"
)

func TestFuzzyQueueEnqueuePopRoundTrip(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if err := c.EnqueueFuzzy(ctx, "ev-1"); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := c.EnqueueFuzzy(ctx, "ev-2"); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	drained, err := c.PopFuzzy(ctx, 0)
	if err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	if len(drained) != 2 || drained[0] != "ev-1" || drained[1] != "ev-2" {
		t.Fatalf("expected [ev-1 ev-2], got %v", drained)
	}

	again, err := c.PopFuzzy(ctx, 0)
	if err != nil {
		t.Fatalf("second pop failed: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected the queue to be empty after a pop, got %v", again)
	}
}

func TestPopFuzzyRespectsMax(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := c.EnqueueFuzzy(ctx, id); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	first, _ := c.PopFuzzy(ctx, 2)
	if len(first) != 2 {
		t.Fatalf("expected 2 drained, got %d", len(first))
	}
	rest, _ := c.PopFuzzy(ctx, 2)
	if len(rest) != 1 || rest[0] != "c" {
		t.Fatalf("expected the remaining [c], got %v", rest)
	}
}

func TestAddEdgeMaintainsSumAndCount(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	book, err := c.AddEdge(ctx, "h1", "a", "b", 0.8)
	if err != nil {
		t.Fatalf("add edge failed: %v", err)
	}
	if book.SumScore != 0.8 || book.CountScore != 1 {
		t.Fatalf("after first insert: sum=%v count=%v", book.SumScore, book.CountScore)
	}

	book, err = c.AddEdge(ctx, "h1", "b", "c", 0.6)
	if err != nil {
		t.Fatalf("add edge failed: %v", err)
	}
	if book.SumScore != 1.4 || book.CountScore != 2 {
		t.Fatalf("after second insert: sum=%v count=%v", book.SumScore, book.CountScore)
	}
}

func TestAddEdgeReinsertingSamePairIsNoOp(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if _, err := c.AddEdge(ctx, "h1", "a", "b", 0.8); err != nil {
		t.Fatalf("add edge failed: %v", err)
	}
	// Re-insert the same pair, reversed, with a different score.
	book, err := c.AddEdge(ctx, "h1", "b", "a", 0.3)
	if err != nil {
		t.Fatalf("re-add edge failed: %v", err)
	}
	if book.SumScore != 0.8 || book.CountScore != 1 {
		t.Fatalf("expected re-insert to leave the book unchanged, got sum=%v count=%v", book.SumScore, book.CountScore)
	}
	if book.Average() != 0.8 {
		t.Fatalf("expected average 0.8, got %v", book.Average())
	}
}

func TestAvgScoreEmptyHouseholdIsZero(t *testing.T) {
	c := NewMemoryCache()
	book, ok, err := c.AvgScore(context.Background(), "nothing")
	if err != nil {
		t.Fatalf("avg score failed: %v", err)
	}
	if ok || book.Average() != 0 {
		t.Fatalf("expected zero average for an unknown household, got ok=%v avg=%v", ok, book.Average())
	}
}

func TestHouseholdRefOverwrite(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if err := c.PutHouseholdRef(ctx, models.HouseholdRef{EphemID: "e1", HouseholdID: "h1", Confidence: 0.7}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := c.PutHouseholdRef(ctx, models.HouseholdRef{EphemID: "e1", HouseholdID: "h2", Confidence: 0.9}); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	ref, ok, err := c.GetHouseholdRef(ctx, "e1")
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if ref.HouseholdID != "h2" {
		t.Fatalf("expected the later write to win, got %q", ref.HouseholdID)
	}
}

func TestMembersDeduplicate(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := c.AppendMember(ctx, "h1", "e1"); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	members, err := c.Members(ctx, "h1")
	if err != nil {
		t.Fatalf("members failed: %v", err)
	}
	if len(members) != 1 || members[0] != "e1" {
		t.Fatalf("expected deduplicated [e1], got %v", members)
	}
}

func TestEmailIndexPreservesOrder(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	for _, id := range []string{"ev-1", "ev-2", "ev-3"} {
		if err := c.IndexEmail(ctx, "hash-x", id); err != nil {
			t.Fatalf("index failed: %v", err)
		}
	}
	ids, err := c.EmailEvents(ctx, "hash-x")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(ids) != 3 || ids[0] != "ev-1" || ids[2] != "ev-3" {
		t.Fatalf("expected oldest-first [ev-1 ev-2 ev-3], got %v", ids)
	}
}
