package bridging

import (
	"context"
	"testing"
	"time"

	"github.com/rawblock/householdiq-aggregator/internal/graph"
	"github.com/rawblock/householdiq-aggregator/internal/kvcache"
	"github.com/rawblock/householdiq-aggregator/internal/privacy"
	"github.com/rawblock/householdiq-aggregator/internal/scoring"
	"github.com/rawblock/householdiq-aggregator/pkg/models"
)

// fakeStore is an in-memory EventStore, just enough for the deterministic
// bridging path (which loads prior events by id) and the fuzzy drain
// (which loads a partner's recent window).
type fakeStore struct {
	events map[string]models.IdentityEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{events: make(map[string]models.IdentityEvent)}
}

func (f *fakeStore) put(ev models.IdentityEvent) {
	f.events[ev.EventID] = ev
}

func (f *fakeStore) GetEvent(_ context.Context, eventID string) (models.IdentityEvent, bool, error) {
	ev, ok := f.events[eventID]
	return ev, ok, nil
}

func (f *fakeStore) RecentEventsForPartner(_ context.Context, partnerID string, since time.Time, limit int) ([]models.IdentityEvent, error) {
	var out []models.IdentityEvent
	for _, ev := range f.events {
		if ev.PartnerID == partnerID && !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

type fakeObserver struct {
	decisions []models.BridgingDecision
}

func (f *fakeObserver) OnBridgingUpdate(d models.BridgingDecision) {
	f.decisions = append(f.decisions, d)
}

func newTestEngine(store EventStore) *Engine {
	e, _, _ := newTestEngineWithBackends(store)
	return e
}

func newTestEngineWithBackends(store EventStore) (*Engine, *kvcache.MemoryCache, *graph.MemoryClient) {
	gate := privacy.NewGate()
	scorer := scoring.NewScorer(scoring.DefaultWeights, scoring.DefaultDecay)
	cache := kvcache.NewMemoryCache()
	g := graph.NewMemoryClient()
	e := NewEngine("test-salt", gate, scorer, cache, g, store, func() float64 { return scoring.DefaultThreshold })
	return e, cache, g
}

func consentedEvent(id, partnerID, email string, at time.Time) models.IdentityEvent {
	return models.IdentityEvent{
		EventID:   id,
		EphemID:   "ephem-" + id,
		PartnerID: partnerID,
		EventType: "impression",
		Timestamp: at,
		Keys: models.PartialKeySet{
			HashedEmail: email,
			HashedIP:    "1.2.3.4",
			DeviceType:  "mobile",
		},
		Consent: models.ConsentContext{CrossDeviceBridging: true},
	}
}

func TestBridgeSkipsWithoutConsent(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)

	ev := consentedEvent("e1", "p1", "hash-a", time.Now())
	ev.Consent.CrossDeviceBridging = false

	decision, err := engine.Bridge(context.Background(), ev, privacy.TCFConsent{})
	if err != nil {
		t.Fatalf("Bridge returned error: %v", err)
	}
	if decision.Status != StatusSkipped {
		t.Errorf("Status = %s, want %s", decision.Status, StatusSkipped)
	}
	if decision.SkipReason != SkipNoConsent {
		t.Errorf("SkipReason = %s, want %s", decision.SkipReason, SkipNoConsent)
	}
}

func TestBridgeSkipsChildFlag(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)

	ev := consentedEvent("e1", "p1", "hash-a", time.Now())
	ev.Consent.IsChild = true

	decision, err := engine.Bridge(context.Background(), ev, privacy.TCFConsent{})
	if err != nil {
		t.Fatalf("Bridge returned error: %v", err)
	}
	if decision.SkipReason != SkipChildFlag {
		t.Errorf("SkipReason = %s, want %s", decision.SkipReason, SkipChildFlag)
	}
}

func TestBridgeQueuesEventWithoutHashedEmail(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)

	ev := consentedEvent("e1", "p1", "", time.Now())

	decision, err := engine.Bridge(context.Background(), ev, privacy.TCFConsent{})
	if err != nil {
		t.Fatalf("Bridge returned error: %v", err)
	}
	if decision.Status != StatusQueued {
		t.Errorf("Status = %s, want %s", decision.Status, StatusQueued)
	}
}

func TestBridgeDeterministicMatchSharedEmail(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)
	obs := &fakeObserver{}
	engine.SetObserver(obs)

	now := time.Now()
	first := consentedEvent("e1", "p1", "shared-hash", now.Add(-time.Minute))
	store.put(first)
	if _, err := engine.Bridge(context.Background(), first, privacy.TCFConsent{}); err != nil {
		t.Fatalf("first Bridge returned error: %v", err)
	}

	second := consentedEvent("e2", "p1", "shared-hash", now)
	store.put(second)
	decision, err := engine.Bridge(context.Background(), second, privacy.TCFConsent{})
	if err != nil {
		t.Fatalf("second Bridge returned error: %v", err)
	}
	if decision.Status != StatusDone {
		t.Errorf("Status = %s, want %s", decision.Status, StatusDone)
	}
	if decision.HouseholdID == "" {
		t.Error("expected a resolved household id for two events sharing a hashed email")
	}
	if len(obs.decisions) == 0 {
		t.Error("expected the observer to be notified of the bridging update")
	}
}

func TestBridgeDeterministicMatchSetsConfidenceBandAndChainStrength(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)

	now := time.Now()
	first := consentedEvent("e1", "p1", "shared-hash", now.Add(-time.Minute))
	store.put(first)
	if _, err := engine.Bridge(context.Background(), first, privacy.TCFConsent{}); err != nil {
		t.Fatalf("first Bridge returned error: %v", err)
	}

	second := consentedEvent("e2", "p1", "shared-hash", now)
	store.put(second)
	decision, err := engine.Bridge(context.Background(), second, privacy.TCFConsent{})
	if err != nil {
		t.Fatalf("second Bridge returned error: %v", err)
	}
	if decision.ConfidenceBand == "" {
		t.Error("expected a non-empty ConfidenceBand for a resolved bridging decision")
	}
	if decision.ChainStrength == "" {
		t.Error("expected a non-empty ChainStrength for a resolved bridging decision")
	}
}

func TestFuzzyBridgeSharedWifiMergesHousehold(t *testing.T) {
	store := newFakeStore()
	engine, cache, _ := newTestEngineWithBackends(store)

	now := time.Now()
	a := consentedEvent("e1", "p1", "", now.Add(-30*time.Minute))
	a.Keys.WifiSSID = "ssidZ"
	a.Keys.HashedIP = "ipX"
	b := consentedEvent("e2", "p1", "", now)
	b.Keys.WifiSSID = "SSIDZ" // case-insensitive match
	b.Keys.HashedIP = "ipX"
	store.put(a)
	store.put(b)

	decision, err := engine.FuzzyBridge(context.Background(), b, a)
	if err != nil {
		t.Fatalf("FuzzyBridge returned error: %v", err)
	}
	if decision.HouseholdID == "" {
		t.Fatal("expected a shared wifi SSID to merge the pair into one household")
	}

	ctx := context.Background()
	refA, okA, _ := cache.GetHouseholdRef(ctx, a.EphemID)
	refB, okB, _ := cache.GetHouseholdRef(ctx, b.EphemID)
	if !okA || !okB {
		t.Fatalf("expected household refs published for both ephem ids, got okA=%v okB=%v", okA, okB)
	}
	if refA.HouseholdID != refB.HouseholdID {
		t.Fatalf("expected both ephem ids to resolve to the same household, got %q vs %q", refA.HouseholdID, refB.HouseholdID)
	}
	book, _, err := cache.AvgScore(ctx, decision.HouseholdID)
	if err != nil {
		t.Fatalf("avg score failed: %v", err)
	}
	if book.Average() <= 0 {
		t.Fatalf("expected a positive household average score, got %v", book.Average())
	}
}

func TestFuzzyBridgeDifferentWifiGivesSoloHouseholds(t *testing.T) {
	store := newFakeStore()
	engine, cache, _ := newTestEngineWithBackends(store)

	now := time.Now()
	a := consentedEvent("e1", "p1", "", now.Add(-10*time.Minute))
	a.Keys.WifiSSID = "home-a"
	a.Keys.HashedIP = "ipX"
	b := consentedEvent("e2", "p1", "", now)
	b.Keys.WifiSSID = "home-b"
	b.Keys.HashedIP = "ipX"
	b.Keys.DeviceType = "desktop" // distinct derived device, so distinct solo users
	store.put(a)
	store.put(b)

	decision, err := engine.FuzzyBridge(context.Background(), b, a)
	if err != nil {
		t.Fatalf("FuzzyBridge returned error: %v", err)
	}
	if decision.HouseholdID == "" {
		t.Fatal("expected a committed decision above threshold")
	}

	ctx := context.Background()
	refA, _, _ := cache.GetHouseholdRef(ctx, a.EphemID)
	refB, _, _ := cache.GetHouseholdRef(ctx, b.EphemID)
	if refA.HouseholdID == refB.HouseholdID {
		t.Fatal("expected distinct solo households when the wifi SSIDs differ")
	}
	if _, ok, _ := cache.AvgScore(ctx, refA.HouseholdID); ok {
		t.Fatal("expected no edge book entries for a solo household")
	}
}

func TestBridgeIsIdempotent(t *testing.T) {
	store := newFakeStore()
	engine, cache, _ := newTestEngineWithBackends(store)

	now := time.Now()
	first := consentedEvent("e1", "p1", "shared-hash", now.Add(-time.Minute))
	first.Keys.WifiSSID = "ssid1"
	second := consentedEvent("e2", "p1", "shared-hash", now)
	second.Keys.WifiSSID = "ssid1"
	store.put(first)
	store.put(second)

	ctx := context.Background()
	if _, err := engine.Bridge(ctx, first, privacy.TCFConsent{}); err != nil {
		t.Fatalf("first Bridge returned error: %v", err)
	}
	d1, err := engine.Bridge(ctx, second, privacy.TCFConsent{})
	if err != nil {
		t.Fatalf("second Bridge returned error: %v", err)
	}
	book1, _, _ := cache.AvgScore(ctx, d1.HouseholdID)
	members1, _ := cache.Members(ctx, d1.HouseholdID)

	d2, err := engine.FuzzyBridge(ctx, second, first)
	if err != nil {
		t.Fatalf("replayed FuzzyBridge returned error: %v", err)
	}
	if d2.HouseholdID != d1.HouseholdID {
		t.Fatalf("expected the replay to resolve the same household, got %q vs %q", d2.HouseholdID, d1.HouseholdID)
	}
	book2, _, _ := cache.AvgScore(ctx, d1.HouseholdID)
	members2, _ := cache.Members(ctx, d1.HouseholdID)
	if book2 != book1 {
		t.Fatalf("expected the edge book unchanged by a replay, got %+v vs %+v", book2, book1)
	}
	if len(members2) != len(members1) {
		t.Fatalf("expected membership unchanged by a replay, got %d vs %d members", len(members2), len(members1))
	}
}

func TestBridgeChildEventLeavesNoEdges(t *testing.T) {
	store := newFakeStore()
	engine, cache, g := newTestEngineWithBackends(store)

	ev := consentedEvent("e1", "p1", "hash-a", time.Now())
	ev.Consent.DeviceChildFlag = true
	store.put(ev)

	decision, err := engine.Bridge(context.Background(), ev, privacy.TCFConsent{})
	if err != nil {
		t.Fatalf("Bridge returned error: %v", err)
	}
	if decision.SkipReason != SkipChildFlag {
		t.Fatalf("SkipReason = %s, want %s", decision.SkipReason, SkipChildFlag)
	}
	if !g.HasNode(graph.NodeEvent, ev.EphemID) {
		t.Fatal("expected the suppressed event to still leave its Event node")
	}
	if n := g.EdgesTouching(graph.NodeEvent, ev.EphemID); n != 0 {
		t.Fatalf("expected no edges touching a child-flagged event, got %d", n)
	}
	if _, ok, _ := cache.GetHouseholdRef(context.Background(), ev.EphemID); ok {
		t.Fatal("expected no household ref published for a child-flagged event")
	}
}

func TestFuzzyBridgeRejectsSameEvent(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)

	ev := consentedEvent("e1", "p1", "hash-a", time.Now())
	decision, err := engine.FuzzyBridge(context.Background(), ev, ev)
	if err != nil {
		t.Fatalf("FuzzyBridge returned error: %v", err)
	}
	if decision.HouseholdID != "" || decision.Status != "" {
		t.Errorf("expected an empty decision for an event paired with itself, got %+v", decision)
	}
}
