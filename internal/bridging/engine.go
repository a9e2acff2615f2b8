// Package bridging implements the bridging engine (component G): the
// deterministic short-circuit path keyed on hashed email, and the
// batched fuzzy path that defers scoring and graph commit to the queue's
// drain cycle. Both paths bottom out in the same FuzzyBridge pairwise
// comparison.
package bridging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rawblock/householdiq-aggregator/internal/graph"
	"github.com/rawblock/householdiq-aggregator/internal/hashing"
	"github.com/rawblock/householdiq-aggregator/internal/kvcache"
	"github.com/rawblock/householdiq-aggregator/internal/privacy"
	"github.com/rawblock/householdiq-aggregator/internal/scoring"
	"github.com/rawblock/householdiq-aggregator/internal/tokens"
	"github.com/rawblock/householdiq-aggregator/pkg/models"
)

// Reason codes carried on a suppressed BridgingDecision.SkipReason.
const (
	SkipNoConsent = "NO_CONSENT_OR_FLAGS"
	SkipChildFlag = "CHILD_FLAG"
)

// Status values carried on BridgingDecision.Status, matching the ingest
// API's bridging_skip_reason / implicit-status contract.
const (
	StatusDone    = "BRIDGING_DONE"
	StatusQueued  = "BRIDGING_QUEUED"
	StatusSkipped = "BRIDGING_SKIPPED"
)

// EventStore is the subset of the relational store the bridging engine
// needs: loading a single prior event by id (deterministic path) and a
// partner's recent window (fuzzy drain).
type EventStore interface {
	GetEvent(ctx context.Context, eventID string) (models.IdentityEvent, bool, error)
	RecentEventsForPartner(ctx context.Context, partnerID string, since time.Time, limit int) ([]models.IdentityEvent, error)
}

// Observer is notified whenever a bridging decision changes a published
// household reference.
type Observer interface {
	OnBridgingUpdate(models.BridgingDecision)
}

// MultiObserver fans a single bridging update out to every wrapped
// Observer, letting the process register both the websocket Hub and an
// external event publisher against the one Engine.observer slot.
type MultiObserver []Observer

// OnBridgingUpdate notifies every wrapped observer in order.
func (m MultiObserver) OnBridgingUpdate(d models.BridgingDecision) {
	for _, o := range m {
		o.OnBridgingUpdate(d)
	}
}

// recentPairsCap bounds the ring buffer of scored pairs the engine keeps
// for ShadowEvaluator's threshold-change impact analysis — large enough
// to be representative of recent fuzzy-drain activity without holding
// every pair ever scored.
const recentPairsCap = 2000

// Engine orchestrates both bridging paths.
type Engine struct {
	salt     string
	gate     *privacy.Gate
	scorer   *scoring.Scorer
	cache    kvcache.KVCache
	graph    graph.Client
	store    EventStore
	observer Observer

	// Tokens, if set, mints a signed bridging token whenever a household
	// association is resolved, so partners can skip the lookup API.
	Tokens *tokens.Issuer

	// Threshold returns the currently active fuzzy-match bridging
	// threshold: the ML-published value if any, else the configured
	// default, else scoring.DefaultThreshold — resolved by the caller
	// (see cmd/engine).
	Threshold func() float64

	pairsMu     sync.Mutex
	recentPairs []models.ScoredPair
}

// NewEngine constructs a bridging Engine.
func NewEngine(salt string, gate *privacy.Gate, scorer *scoring.Scorer, cache kvcache.KVCache, g graph.Client, store EventStore, threshold func() float64) *Engine {
	return &Engine{salt: salt, gate: gate, scorer: scorer, cache: cache, graph: g, store: store, Threshold: threshold}
}

// recordPair appends a scored pair to the bounded recent-pairs buffer that
// feeds ShadowEvaluator, evicting the oldest entry once full.
func (e *Engine) recordPair(left, right string, score float64) {
	e.pairsMu.Lock()
	defer e.pairsMu.Unlock()
	if len(e.recentPairs) >= recentPairsCap {
		e.recentPairs = e.recentPairs[1:]
	}
	e.recentPairs = append(e.recentPairs, models.ScoredPair{LeftID: left, RightID: right, Score: score})
}

// RecentScoredPairs returns a snapshot of the most recently scored
// candidate pairs, for ShadowEvaluator to compare partitions across
// threshold changes.
func (e *Engine) RecentScoredPairs() []models.ScoredPair {
	e.pairsMu.Lock()
	defer e.pairsMu.Unlock()
	return append([]models.ScoredPair(nil), e.recentPairs...)
}

// SetObserver registers a hook invoked on every committed bridging update.
func (e *Engine) SetObserver(o Observer) {
	e.observer = o
}

func (e *Engine) notify(d models.BridgingDecision) {
	if e.observer != nil {
		e.observer.OnBridgingUpdate(d)
	}
}

func (e *Engine) issueToken(subject, householdID string, at time.Time) string {
	if e.Tokens == nil || householdID == "" {
		return ""
	}
	signed, err := e.Tokens.Issue(subject, householdID, at)
	if err != nil {
		return ""
	}
	return signed
}

// Bridge always materializes an Event node — even a suppressed event
// leaves a record that it was seen and why it was skipped — then
// evaluates consent and routes: the deterministic path compares the new
// event against every prior event sharing its hashed email; the fuzzy
// path only enqueues the event id for the scheduler's batched drain.
func (e *Engine) Bridge(ctx context.Context, event models.IdentityEvent, tcf privacy.TCFConsent) (models.BridgingDecision, error) {
	decision := models.BridgingDecision{EventID: event.EventID, EphemID: event.EphemID, Status: StatusSkipped, DecidedAt: event.Timestamp}

	if err := e.mergeEventNode(ctx, event); err != nil {
		return decision, fmt.Errorf("merge event node: %w", err)
	}

	allowed, _ := e.gate.Evaluate(event.Consent, tcf)
	if !allowed {
		decision.SkipReason = SkipNoConsent
		return decision, nil
	}
	if event.Consent.IsChild || event.Consent.DeviceChildFlag {
		decision.SkipReason = SkipChildFlag
		return decision, nil
	}

	if event.Keys.HashedEmail != "" {
		return e.bridgeDeterministic(ctx, event)
	}
	if err := e.cache.EnqueueFuzzy(ctx, event.EventID); err != nil {
		return decision, fmt.Errorf("enqueue fuzzy candidate: %w", err)
	}
	decision.Status = StatusQueued
	return decision, nil
}

// bridgeDeterministic loads every prior event that shares this event's
// hashed email, runs FuzzyBridge against each (which short-circuits to a
// score of 1.0 on the matching email), and only then indexes the current
// event, so an event never bridges against itself through the index.
func (e *Engine) bridgeDeterministic(ctx context.Context, event models.IdentityEvent) (models.BridgingDecision, error) {
	decision := models.BridgingDecision{EventID: event.EventID, EphemID: event.EphemID, Status: StatusDone, DecidedAt: event.Timestamp}

	priorIDs, err := e.cache.EmailEvents(ctx, hashing.EmailIndexKey(e.salt, event.Keys.HashedEmail))
	if err != nil {
		return decision, fmt.Errorf("read email index: %w", err)
	}

	for _, priorID := range priorIDs {
		prior, ok, err := e.store.GetEvent(ctx, priorID)
		if err != nil {
			return decision, fmt.Errorf("load prior event %s: %w", priorID, err)
		}
		if !ok {
			continue
		}
		merge, err := e.FuzzyBridge(ctx, event, prior)
		if err != nil {
			return decision, err
		}
		if merge.HouseholdID != "" {
			decision.UserID = merge.UserID
			decision.HouseholdID = merge.HouseholdID
			decision.Confidence = merge.Confidence
			decision.DeviceID = merge.DeviceID
			decision.ConfidenceBand = merge.ConfidenceBand
			decision.ChainStrength = merge.ChainStrength
		}
	}

	if decision.HouseholdID != "" {
		decision.BridgingToken = e.issueToken(event.EphemID, decision.HouseholdID, event.Timestamp)
	}

	if err := e.cache.IndexEmail(ctx, hashing.EmailIndexKey(e.salt, event.Keys.HashedEmail), event.EventID); err != nil {
		return decision, fmt.Errorf("update email index: %w", err)
	}
	return decision, nil
}

// FuzzyBridge compares two events and, if they clear the active
// threshold, applies the GraphLinker derivation rules (device/user/
// household id resolution) and publishes the resulting household
// reference(s). It is used by both the deterministic path (against every
// prior event sharing an email) and the scheduler's fuzzy drain (against
// a partner's recent window).
func (e *Engine) FuzzyBridge(ctx context.Context, newEv, other models.IdentityEvent) (models.BridgingDecision, error) {
	empty := models.BridgingDecision{}
	if other.EventID == newEv.EventID {
		return empty, nil
	}
	if !other.Consent.CrossDeviceBridging || other.Consent.IsChild || other.Consent.DeviceChildFlag {
		return empty, nil
	}
	if !newEv.Consent.CrossDeviceBridging || newEv.Consent.IsChild || newEv.Consent.DeviceChildFlag {
		return empty, nil
	}

	score := scoring.ClampUnit(e.scorer.Score(newEv.Keys, other.Keys, newEv.Timestamp, other.Timestamp))
	e.recordPair(newEv.EphemID, other.EphemID, score)
	if score < e.Threshold() {
		return empty, nil
	}
	fusion := scoring.FuseSignals(e.scorer.MatchSignals(newEv.Keys, other.Keys))

	deviceA := hashing.DeviceID(e.salt, newEv.Keys.HashedIP, newEv.Keys.DeviceType)
	deviceB := hashing.DeviceID(e.salt, other.Keys.HashedIP, other.Keys.DeviceType)
	sharedWifi := newEv.Keys.WifiSSID != "" && strings.EqualFold(newEv.Keys.WifiSSID, other.Keys.WifiSSID)
	if sharedWifi {
		merged := hashing.MergedDeviceID(e.salt, strings.ToLower(newEv.Keys.WifiSSID))
		deviceA, deviceB = merged, merged
	}

	var userA, userB string
	sharedEmail := newEv.Keys.HashedEmail != "" && strings.EqualFold(newEv.Keys.HashedEmail, other.Keys.HashedEmail)
	sharedProfile := !sharedEmail && newEv.Keys.ProfileID != "" && strings.EqualFold(newEv.Keys.ProfileID, other.Keys.ProfileID)
	switch {
	case sharedEmail:
		shared := hashing.SameUserFromEmail(e.salt, strings.ToLower(newEv.Keys.HashedEmail))
		userA, userB = shared, shared
	case sharedProfile:
		shared := hashing.SameUserFromProfile(e.salt, strings.ToLower(newEv.Keys.ProfileID))
		userA, userB = shared, shared
	default:
		userA = hashing.SoloUserID(e.salt, deviceA, newEv.Keys.ProfileID, newEv.Keys.HashedEmail)
		userB = hashing.SoloUserID(e.salt, deviceB, other.Keys.ProfileID, other.Keys.HashedEmail)
	}

	decision := models.BridgingDecision{EventID: newEv.EventID, EphemID: newEv.EphemID, DeviceID: deviceA, UserID: userA, Status: StatusDone, Confidence: score, ConfidenceBand: fusion.ConfidenceLevel, DecidedAt: newEv.Timestamp}

	if err := e.linkEventDeviceUser(ctx, newEv, deviceA, userA, score); err != nil {
		return decision, err
	}
	if err := e.linkEventDeviceUser(ctx, other, deviceB, userB, score); err != nil {
		return decision, err
	}

	if sharedWifi {
		householdID := hashing.SharedHouseholdID(e.salt, strings.ToLower(newEv.Keys.WifiSSID))
		if err := e.graph.UpsertNode(ctx, graph.NodeHousehold, householdID, newEv.Timestamp); err != nil {
			return decision, fmt.Errorf("upsert household node: %w", err)
		}
		for _, pair := range []struct {
			user, ephem string
			at          time.Time
		}{{userA, newEv.EphemID, newEv.Timestamp}, {userB, other.EphemID, other.Timestamp}} {
			if err := e.graph.LinkEvidence(ctx, graph.NodeUser, graph.NodeHousehold, pair.user, householdID, score); err != nil {
				return decision, fmt.Errorf("link user to household: %w", err)
			}
			if err := e.publishHouseholdRef(ctx, pair.ephem, pair.user, householdID, score, pair.at); err != nil {
				return decision, err
			}
		}
		if _, err := e.cache.AddEdge(ctx, householdID, newEv.EphemID, other.EphemID, score); err != nil {
			return decision, fmt.Errorf("add edge: %w", err)
		}
		decision.HouseholdID = householdID
		decision.ChainStrength = chainStrength(deviceA, userA, householdID, score)
		e.notify(decision)
		return decision, nil
	}

	for _, x := range []struct {
		ephem, user string
		at          time.Time
	}{{newEv.EphemID, userA, newEv.Timestamp}, {other.EphemID, userB, other.Timestamp}} {
		householdID := hashing.SoloHouseholdID(e.salt, x.user)
		if err := e.graph.UpsertNode(ctx, graph.NodeHousehold, householdID, x.at); err != nil {
			return decision, fmt.Errorf("upsert solo household node: %w", err)
		}
		if err := e.graph.LinkEvidence(ctx, graph.NodeUser, graph.NodeHousehold, x.user, householdID, score); err != nil {
			return decision, fmt.Errorf("link user to solo household: %w", err)
		}
		if err := e.publishHouseholdRef(ctx, x.ephem, x.user, householdID, score, x.at); err != nil {
			return decision, err
		}
		if x.ephem == newEv.EphemID {
			decision.HouseholdID = householdID
			decision.ChainStrength = chainStrength(deviceA, x.user, householdID, score)
		}
	}
	e.notify(decision)
	return decision, nil
}

// chainStrength propagates confidence across the Device->User->Household
// evidence chain and labels the result, surfacing how diluted a
// multi-hop bridging inference is versus a direct edge.
func chainStrength(deviceID, userID, householdID string, score float64) string {
	chain := scoring.PropagateChain([]scoring.ChainLink{
		{FromID: deviceID, ToID: userID, Confidence: score},
		{FromID: userID, ToID: householdID, Confidence: score},
	}, scoring.DefaultHopDecay)
	if chain == nil {
		return ""
	}
	return scoring.ChainStrength(chain.Hops, chain.Confidence)
}

// mergeEventNode upserts the Event node keyed by the ephemeral id, with
// the event's partial keys serialized as a JSON string property.
func (e *Engine) mergeEventNode(ctx context.Context, ev models.IdentityEvent) error {
	keysJSON, err := json.Marshal(ev.Keys)
	if err != nil {
		return fmt.Errorf("marshal partial keys: %w", err)
	}
	return e.graph.MergeEvent(ctx, ev.EphemID, string(keysJSON), ev.Timestamp)
}

func (e *Engine) linkEventDeviceUser(ctx context.Context, ev models.IdentityEvent, deviceID, userID string, score float64) error {
	if err := e.mergeEventNode(ctx, ev); err != nil {
		return fmt.Errorf("merge event node: %w", err)
	}
	if err := e.graph.UpsertNode(ctx, graph.NodeDevice, deviceID, ev.Timestamp); err != nil {
		return fmt.Errorf("upsert device node: %w", err)
	}
	if err := e.graph.LinkEvidence(ctx, graph.NodeEvent, graph.NodeDevice, ev.EphemID, deviceID, score); err != nil {
		return fmt.Errorf("link event to device: %w", err)
	}
	if err := e.graph.UpsertNode(ctx, graph.NodeUser, userID, ev.Timestamp); err != nil {
		return fmt.Errorf("upsert user node: %w", err)
	}
	if err := e.graph.LinkEvidence(ctx, graph.NodeDevice, graph.NodeUser, deviceID, userID, score); err != nil {
		return fmt.Errorf("link device to user: %w", err)
	}
	return nil
}

// publishHouseholdRef writes the lookup ref before the membership list, so
// a reader that finds an ephem id in a household's membership always
// resolves that same household from the ref.
func (e *Engine) publishHouseholdRef(ctx context.Context, ephemID, userID, householdID string, score float64, at time.Time) error {
	ref := models.HouseholdRef{EphemID: ephemID, UserID: userID, HouseholdID: householdID, Confidence: score, UpdatedAt: at}
	if err := e.cache.PutHouseholdRef(ctx, ref); err != nil {
		return fmt.Errorf("publish household ref: %w", err)
	}
	if err := e.cache.AppendMember(ctx, householdID, ephemID); err != nil {
		return fmt.Errorf("append household member: %w", err)
	}
	return nil
}
