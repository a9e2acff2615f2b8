package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rawblock/householdiq-aggregator/internal/apierrors"
	"github.com/rawblock/householdiq-aggregator/internal/bridging"
	"github.com/rawblock/householdiq-aggregator/internal/capping"
	"github.com/rawblock/householdiq-aggregator/internal/dailyagg"
	"github.com/rawblock/householdiq-aggregator/internal/kvcache"
	"github.com/rawblock/householdiq-aggregator/internal/privacy"
	"github.com/rawblock/householdiq-aggregator/internal/sampling"
	"github.com/rawblock/householdiq-aggregator/internal/store"
	"github.com/rawblock/householdiq-aggregator/pkg/models"
)

// writeInputError maps an apierrors.Error carrying CategoryInputInvalid
// to its HTTP status: field-level violations are 422, everything else (an
// unknown partner, a malformed body) is 400.
func writeInputError(c *gin.Context, err *apierrors.Error) {
	status := http.StatusBadRequest
	if apierrors.IsFieldInvalid(err) {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// Server holds every dependency the HTTP surface needs, constructed once
// at process start and passed down — no global mutable singletons inside
// the handlers.
type Server struct {
	Store      *store.PostgresStore
	Cache      kvcache.KVCache
	Engine     *bridging.Engine
	CapCounter *capping.Counter
	DailyAgg   *dailyagg.Buffer
	Hub        *Hub

	// Sampler gates the anonymized-event side table; nil disables it.
	Sampler *sampling.Sampler

	// DPEnabled/DPEpsilon perturb reporting query results consistently
	// with the buffered flush path.
	DPEnabled bool
	DPEpsilon float64

	// MinCount is the k-anonymity floor (PRIVACY_MIN_THRESHOLD): reporting
	// buckets below it are suppressed rather than published.
	MinCount int64
}

// NewServer constructs a Server.
func NewServer(db *store.PostgresStore, cache kvcache.KVCache, engine *bridging.Engine, capCounter *capping.Counter, dailyAgg *dailyagg.Buffer, hub *Hub) *Server {
	return &Server{Store: db, Cache: cache, Engine: engine, CapCounter: capCounter, DailyAgg: dailyAgg, Hub: hub}
}

func (s *Server) nextEventID() string {
	return uuid.NewString()
}

// SetupRouter wires the ingest/lookup/capping/reporting endpoints behind
// the per-IP rate limit middleware, with bearer auth on the capping and
// reporting endpoints only. /healthz and the /v1/stream websocket
// bridging-update stream sit outside both.
func SetupRouter(s *Server) *gin.Engine {
	r := gin.Default()

	limiter := NewRateLimiter(120, 30)
	auth := AuthMiddleware()

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/v1/stream", s.Hub.Subscribe)

	v1 := r.Group("/v1")
	v1.Use(limiter.Middleware())
	{
		v1.POST("/ingest", s.handleIngest)
		v1.GET("/lookup", s.handleLookup)

		capGroup := v1.Group("/capping")
		capGroup.Use(auth)
		capGroup.POST("/check", s.handleCapCheck)
		capGroup.POST("/increment", s.handleCapIncrement)

		v1.POST("/reporting/daily", auth, s.handleReportingDaily)
	}

	return r
}

// ingestPartialKeys is the partial_keys request object; isChild and
// deviceChildFlag arrive as JSON booleans but are folded into the
// string-keyed PartialKeySet the scorer/graph linker consume, since the
// partial-keys form is the one this schema treats as authoritative.
type ingestPartialKeys struct {
	HashedEmail     string `json:"hashedEmail"`
	HashedIP        string `json:"hashedIP"`
	WifiSSID        string `json:"wifiSSID"`
	DeviceType      string `json:"deviceType"`
	ProfileID       string `json:"profileID"`
	IsChild         *bool  `json:"isChild"`
	DeviceChildFlag *bool  `json:"deviceChildFlag"`
}

type ingestConsentFlags struct {
	CrossDeviceBridging bool `json:"cross_device_bridging"`
	TargetingSegments   bool `json:"targeting_segments"`
}

type ingestPrivacySignals struct {
	TCFString       string `json:"tcf_string"`
	USPrivacyString string `json:"us_privacy_string"`
}

type ingestRequest struct {
	PartnerID     int                   `json:"partner_id"`
	DeviceData    string                `json:"device_data"`
	PartialKeys   ingestPartialKeys     `json:"partial_keys"`
	EventType     string                `json:"event_type"`
	CampaignID    string                `json:"campaign_id"`
	ConsentFlags  ingestConsentFlags    `json:"consent_flags"`
	PrivacySignal *ingestPrivacySignals `json:"privacy_signals"`
}

type ingestResponse struct {
	ID                 string    `json:"id"`
	EphemID            string    `json:"ephem_id"`
	Timestamp          time.Time `json:"timestamp"`
	EventType          string    `json:"event_type"`
	CampaignID         string    `json:"campaign_id,omitempty"`
	HouseholdID        string    `json:"household_id,omitempty"`
	BridgingSkipReason string    `json:"bridging_skip_reason,omitempty"`
	BridgingToken      string    `json:"bridging_token,omitempty"`
}

var validEventTypes = map[string]bool{"impression": true, "click": true, "conversion": true}

func boolString(b *bool) string {
	if b == nil {
		return ""
	}
	if *b {
		return "true"
	}
	return "false"
}

func parseBoolString(s string) bool {
	return strings.EqualFold(s, "true")
}

// handleIngest persists the event row unconditionally, then routes it
// through the bridging engine. Only a shape violation (400), a failed
// partner lookup (500), an unknown partner (400), a field-level violation
// (422), or a failed relational insert (500) ever reach the client as an
// error; bridging/daily-agg
// failures are logged and absorbed.
func (s *Server) handleIngest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeInputError(c, apierrors.InputInvalid(fmt.Errorf("malformed request body: %w", err)))
		return
	}

	ctx := c.Request.Context()
	partnerID := strconv.Itoa(req.PartnerID)
	exists, err := s.Store.PartnerExists(ctx, partnerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to validate partner"})
		return
	}
	if !exists {
		writeInputError(c, apierrors.InputInvalid(fmt.Errorf("unknown partner_id %d", req.PartnerID)))
		return
	}

	if !validEventTypes[req.EventType] {
		writeInputError(c, apierrors.FieldInvalid("event_type", fmt.Errorf("must be one of impression, click, conversion")))
		return
	}
	if strings.TrimSpace(req.DeviceData) == "" {
		writeInputError(c, apierrors.FieldInvalid("device_data", fmt.Errorf("is required")))
		return
	}

	now := time.Now().UTC()
	keys := models.PartialKeySet{
		HashedEmail:     req.PartialKeys.HashedEmail,
		HashedIP:        req.PartialKeys.HashedIP,
		WifiSSID:        req.PartialKeys.WifiSSID,
		DeviceType:      req.PartialKeys.DeviceType,
		ProfileID:       req.PartialKeys.ProfileID,
		IsChild:         boolString(req.PartialKeys.IsChild),
		DeviceChildFlag: boolString(req.PartialKeys.DeviceChildFlag),
	}
	consent := models.ConsentContext{
		CrossDeviceBridging: req.ConsentFlags.CrossDeviceBridging,
		TargetingSegments:   req.ConsentFlags.TargetingSegments,
		IsChild:             parseBoolString(keys.IsChild),
		DeviceChildFlag:     parseBoolString(keys.DeviceChildFlag),
	}
	var tcf privacy.TCFConsent
	if req.PrivacySignal != nil {
		consent.TCFString = req.PrivacySignal.TCFString
		consent.USPrivacyString = req.PrivacySignal.USPrivacyString
		if consent.TCFString != "" {
			tcf = privacy.DecodeTCF(consent.TCFString)
		}
	}

	event := models.IdentityEvent{
		EventID:    s.nextEventID(),
		EphemID:    req.DeviceData,
		PartnerID:  partnerID,
		EventType:  req.EventType,
		CampaignID: req.CampaignID,
		Timestamp:  now,
		Keys:       keys,
		Consent:    consent,
	}

	if err := s.Store.InsertEvent(ctx, event); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist event"})
		return
	}

	resp := ingestResponse{
		ID:         event.EventID,
		EphemID:    event.EphemID,
		Timestamp:  event.Timestamp,
		EventType:  event.EventType,
		CampaignID: event.CampaignID,
	}

	decision, bridgeErr := s.Engine.Bridge(ctx, event, tcf)
	if bridgeErr != nil {
		// Log and continue — the event row already persisted, so the
		// ingest itself still succeeds.
		log.Printf("[Ingest] bridging failed for event %s: %v", event.EventID, bridgeErr)
	} else {
		resp.HouseholdID = decision.HouseholdID
		resp.BridgingSkipReason = decision.SkipReason
		resp.BridgingToken = decision.BridgingToken
		if err := s.Store.RecordBridgingDecision(ctx, decision); err != nil {
			log.Printf("[Ingest] failed to record bridging decision for event %s: %v", event.EventID, err)
		}
	}

	if s.Sampler != nil && s.Sampler.ShouldSample(event.EventType) {
		anon := models.AnonymizedEvent{
			EventID:         event.EventID,
			HashedDeviceSig: event.Keys.HashedIP + event.Keys.DeviceType,
			HashedUserSig:   event.Keys.HashedEmail,
			EventDay:        now.Format("2006-01-02"),
			EventType:       event.EventType,
			PartnerID:       partnerID,
		}
		if err := s.Store.InsertAnonymizedEvent(ctx, anon); err != nil {
			log.Printf("[Ingest] failed to record anonymized event %s: %v", event.EventID, err)
		}
	}

	// Daily aggregate increments regardless of bridging outcome. When
	// bridging was suppressed (no consent or child flag), the dimension
	// records deviceType as "unknown" rather than the real value — the
	// same suppression that blocks linking also blocks using the device
	// type as a profiling dimension.
	deviceType := event.Keys.DeviceType
	if resp.BridgingSkipReason != "" {
		deviceType = "unknown"
	}
	dimension := models.DailyAggDimension(partnerID, deviceType, event.EventType)
	if _, err := s.DailyAgg.Increment(ctx, now.Format("2006-01-02"), dimension, 1); err != nil {
		log.Printf("[Ingest] daily aggregate increment failed: %v", err)
	}

	c.JSON(http.StatusOK, resp)
}

// handleLookup serves the low-latency household lookup, reading only the
// KVCache — it never touches the relational store or graph.
func (s *Server) handleLookup(c *gin.Context) {
	ephemID := c.Query("ephem_id")
	if ephemID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ephem_id is required"})
		return
	}
	ref, ok, err := s.Cache.GetHouseholdRef(c.Request.Context(), ephemID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{
			"household_id":     "",
			"confidence_score": 0,
			"status":           "not_found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"household_id":     ref.HouseholdID,
		"confidence_score": ref.Confidence,
		"status":           "matched",
	})
}

type cappingRequest struct {
	HouseholdID string `json:"household_id"`
	CapLimit    *int64 `json:"cap_limit"`
}

func (r cappingRequest) capLimit() int64 {
	if r.CapLimit != nil && *r.CapLimit > 0 {
		return *r.CapLimit
	}
	return capping.DefaultCapLimit
}

func (s *Server) handleCapCheck(c *gin.Context) {
	var req cappingRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.HouseholdID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "household_id is required"})
		return
	}
	res, err := s.CapCounter.Check(c.Request.Context(), req.HouseholdID, req.capLimit(), time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cap check failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"household_id":      req.HouseholdID,
		"can_serve":         res.CanServe,
		"daily_impressions": res.DailyImpressions,
		"cap_limit":         res.CapLimit,
	})
}

func (s *Server) handleCapIncrement(c *gin.Context) {
	var req cappingRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.HouseholdID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "household_id is required"})
		return
	}
	res, err := s.CapCounter.CheckAndIncrement(c.Request.Context(), req.HouseholdID, req.capLimit(), time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cap increment failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"household_id":      req.HouseholdID,
		"can_serve":         res.CanServe,
		"daily_impressions": res.DailyImpressions,
		"cap_limit":         res.CapLimit,
	})
}

type reportingRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// handleReportingDaily answers a date-range daily-aggregate query
// straight from the relational store (already-flushed rows), optionally
// perturbing each count the same way the buffered flush does when
// DP_MODE_ENABLED is set.
func (s *Server) handleReportingDaily(c *gin.Context) {
	var req reportingRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.StartDate == "" || req.EndDate == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start_date and end_date are required"})
		return
	}
	rows, err := s.Store.QueryDailyAggregates(c.Request.Context(), req.StartDate, req.EndDate)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reporting query failed"})
		return
	}
	out := make(map[string]int64, len(rows))
	for key, count := range rows {
		if count < s.MinCount {
			continue
		}
		if s.DPEnabled {
			count = dailyagg.PerturbForReporting(count, s.DPEpsilon)
		}
		out[key] = count
	}
	c.JSON(http.StatusOK, out)
}

// RecordConsentRevocation is invoked by an outer host whenever a partner
// reports an out-of-band consent withdrawal; kept here as the one write
// path this service exposes for it.
func (s *Server) RecordConsentRevocation(ctx context.Context, ephemeralID, reason string) error {
	return s.Store.RecordConsentRevocation(ctx, models.ConsentRevocation{
		EphemeralID: ephemeralID,
		RevokedAt:   time.Now().UTC(),
		Reason:      reason,
	})
}
