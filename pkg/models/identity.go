// Package models holds the shared domain types passed between the
// bridging engine, the graph linker, the caches, and the HTTP surface.
package models

import "time"

// PartialKeySet is the set of partial identifiers carried on an ingested
// event that the fuzzy path compares pairwise. These are exactly the
// recognized keys the Scorer and GraphLinker derivation rules consult;
// any other partner-supplied field is ignored for bridging purposes.
type PartialKeySet struct {
	HashedEmail     string `json:"hashedEmail,omitempty"`
	HashedIP        string `json:"hashedIp,omitempty"`
	WifiSSID        string `json:"wifiSsid,omitempty"`
	DeviceType      string `json:"deviceType,omitempty"`
	ProfileID       string `json:"profileId,omitempty"`
	IsChild         string `json:"isChild,omitempty"`
	DeviceChildFlag string `json:"deviceChildFlag,omitempty"`
}

// ConsentContext carries the consent signals attached to an ingested
// event, consumed by the PrivacyGate. IsChild and DeviceChildFlag are
// derived from PartialKeySet.IsChild/DeviceChildFlag at ingest time — the
// partial-keys form is authoritative, this boolean form is carried
// alongside it because the schema that produced this data has flip-flopped
// between the two representations across migrations.
type ConsentContext struct {
	TCFString           string `json:"tcfString,omitempty"`
	USPrivacyString     string `json:"usPrivacyString,omitempty"`
	CrossDeviceBridging bool   `json:"crossDeviceBridging"`
	TargetingSegments   bool   `json:"targetingSegments"`
	IsChild             bool   `json:"isChild"`
	DeviceChildFlag     bool   `json:"deviceChildFlag"`
}

// IdentityEvent is a single ingested impression/click/conversion event.
// EphemID is the partner-supplied opaque device token ("device_data" on
// ingest); EventID is the UUID the ingest handler mints before the event
// is inserted.
type IdentityEvent struct {
	EventID    string         `json:"eventId"`
	EphemID    string         `json:"ephemId"`
	PartnerID  string         `json:"partnerId"`
	EventType  string         `json:"eventType"` // impression | click | conversion
	CampaignID string         `json:"campaignId,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Keys       PartialKeySet  `json:"keys"`
	Consent    ConsentContext `json:"consent"`
}

// DeviceRecord is the Device node materialized from one or more events
// sharing the same derived device id.
type DeviceRecord struct {
	DeviceID   string    `json:"deviceId"`
	DeviceType string    `json:"deviceType"`
	HashedIP   string    `json:"hashedIp"`
	FirstSeen  time.Time `json:"firstSeen"`
	LastSeen   time.Time `json:"lastSeen"`
}

// UserRecord is the User node a device is linked to once a bridging
// decision (deterministic or fuzzy) succeeds.
type UserRecord struct {
	UserID      string `json:"userId"`
	HashedEmail string `json:"hashedEmail,omitempty"`
}

// HouseholdRecord is the Household node formed by users sharing a wifiSSID.
type HouseholdRecord struct {
	HouseholdID string `json:"householdId"`
	WifiSSID    string `json:"wifiSsid"`
}

// HouseholdRef is the lightweight, low-latency lookup record published to
// the KV cache for the lookup API, keyed by ephemeral/device id.
type HouseholdRef struct {
	EphemID     string    `json:"ephemId"`
	UserID      string    `json:"userId,omitempty"`
	HouseholdID string    `json:"householdId"`
	Confidence  float64   `json:"confidence"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// EdgeBook is the sum/count accumulator backing a household's edge-score
// average. Per spec, AddEdge is an idempotent insert-once-per-pair
// operation: sum_score and count_score only change the first time a given
// (a,b) pair is recorded for a household; re-recording the same pair
// leaves them untouched.
type EdgeBook struct {
	SumScore   float64 `json:"sumScore"`
	CountScore int64   `json:"countScore"`
}

// Average returns the mean observed score, or 0 if no observations exist.
func (e EdgeBook) Average() float64 {
	if e.CountScore == 0 {
		return 0
	}
	return e.SumScore / float64(e.CountScore)
}

// SortedPair orders an unordered pair of ids so (a,b) and (b,a) always
// produce the same key, matching the HouseholdEdgeBook's sorted_pair key.
func SortedPair(a, b string) (string, string) {
	if a <= b {
		return a, b
	}
	return b, a
}

// ScoredPair is an ephemeral-id pair the bridging engine has scored,
// kept in its recent-pairs buffer for shadow evaluation of a candidate
// threshold.
type ScoredPair struct {
	LeftID  string  `json:"leftId"`
	RightID string  `json:"rightId"`
	Score   float64 `json:"score"`
}

// BridgingDecision is the outcome of one bridging attempt, returned by the
// engine and published to observers.
type BridgingDecision struct {
	EventID        string    `json:"eventId"`
	EphemID        string    `json:"ephemId"`
	DeviceID       string    `json:"deviceId,omitempty"`
	UserID         string    `json:"userId,omitempty"`
	HouseholdID    string    `json:"householdId,omitempty"`
	Status         string    `json:"status"` // BRIDGING_DONE | BRIDGING_QUEUED | BRIDGING_SKIPPED
	Confidence     float64   `json:"confidence"`
	ConfidenceBand string    `json:"confidenceBand,omitempty"` // high | medium | low | rejected, from scoring.FuseSignals
	ChainStrength  string    `json:"chainStrength,omitempty"`  // direct | strong | moderate | weak | trace, from scoring.PropagateChain
	SkipReason     string    `json:"skipReason,omitempty"`     // NO_CONSENT_OR_FLAGS | CHILD_FLAG
	BridgingToken  string    `json:"bridgingToken,omitempty"`
	DecidedAt      time.Time `json:"decidedAt"`
}

// DailyAggregateKey identifies one bucket of the daily aggregate buffer.
// Dimension is the pipe-joined "partner|device|event" composite key.
type DailyAggregateKey struct {
	Date      string `json:"date"` // YYYY-MM-DD
	Dimension string `json:"dimension"`
}

// DailyAggDimension formats the partner|device|event composite dimension
// key used as the second half of a DailyAggregateKey.
func DailyAggDimension(partnerID, deviceType, eventType string) string {
	return partnerID + "|" + deviceType + "|" + eventType
}

// CapCheckResult is returned by the frequency-capping counter.
type CapCheckResult struct {
	CanServe         bool  `json:"canServe"`
	DailyImpressions int64 `json:"dailyImpressions"`
	CapLimit         int64 `json:"capLimit"`
}

// AnonymizedEvent is the identifier-stripped sample row written for a
// 1-in-N draw of ingested events, for offline analysis surfaces that must
// never see raw partial keys.
type AnonymizedEvent struct {
	EventID         string `json:"eventId"`
	HashedDeviceSig string `json:"hashedDeviceSig,omitempty"`
	HashedUserSig   string `json:"hashedUserSig,omitempty"`
	EventDay        string `json:"eventDay"` // YYYY-MM-DD
	EventType       string `json:"eventType"`
	PartnerID       string `json:"partnerId"`
}

// ConsentRevocation records an out-of-band consent withdrawal for a given
// ephemeral identifier; append-only, never read back by the bridging core.
type ConsentRevocation struct {
	EphemeralID string    `json:"ephemeralId"`
	RevokedAt   time.Time `json:"revokedAt"`
	Reason      string    `json:"reason,omitempty"`
}
