// Package queue implements the background scheduler: a ~10s fuzzy-queue
// drain, an hourly daily-aggregate flush, a daily 03:00 UTC graph prune,
// and a Sunday 01:00 UTC ML-threshold retrain, all driven from one select
// loop.
package queue

import (
	"context"
	"log"
	"time"

	"github.com/rawblock/householdiq-aggregator/internal/bridging"
	"github.com/rawblock/householdiq-aggregator/internal/dailyagg"
	"github.com/rawblock/householdiq-aggregator/internal/graph"
	"github.com/rawblock/householdiq-aggregator/internal/kvcache"
	"github.com/rawblock/householdiq-aggregator/pkg/models"
)

// RecentWindowSize bounds how many of a partner's recent events the fuzzy
// drain job loads once per batch to compare a dequeued event against.
const RecentWindowSize = 500

// MLThresholdRetrainer retrains (or, in this system, recomputes a stub
// value for) the published ML bridging threshold.
type MLThresholdRetrainer interface {
	Retrain(ctx context.Context) (float64, error)
}

// Scheduler drives the four periodic jobs every bridging deployment runs.
type Scheduler struct {
	cache       kvcache.KVCache
	engine      *bridging.Engine
	store       bridging.EventStore
	dailyAgg    *dailyagg.Buffer
	graphClient graph.Client
	retrainer   MLThresholdRetrainer
	shadow      *bridging.ShadowEvaluator

	FuzzyDrainInterval  time.Duration
	FuzzyDrainBatchSize int

	// Retention is the event age bound: the fuzzy drain only compares
	// events younger than this, and the daily prune deletes Event nodes
	// older than it.
	Retention time.Duration

	// GraphPruneEnabled gates the daily prune job, matching
	// PRUNE_NEO4J_ENABLED — an operator running without a durable graph
	// backend (or who wants to retain history indefinitely) can disable it.
	GraphPruneEnabled bool
}

// NewScheduler constructs a Scheduler with the default cadence: fuzzy
// drain every 10s, daily-aggregate flush hourly, graph prune keeping the
// last 30 days.
func NewScheduler(cache kvcache.KVCache, engine *bridging.Engine, store bridging.EventStore, dailyAgg *dailyagg.Buffer, graphClient graph.Client, retrainer MLThresholdRetrainer) *Scheduler {
	return &Scheduler{
		cache:               cache,
		engine:              engine,
		store:               store,
		dailyAgg:            dailyAgg,
		graphClient:         graphClient,
		retrainer:           retrainer,
		shadow:              bridging.NewShadowEvaluator(),
		FuzzyDrainInterval:  10 * time.Second,
		FuzzyDrainBatchSize: 500,
		Retention:           30 * 24 * time.Hour,
		GraphPruneEnabled:   true,
	}
}

// pruneHourUTC is when the daily graph prune fires.
const pruneHourUTC = 3

// untilNextPrune returns the delay until the next 03:00 UTC.
func untilNextPrune(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), pruneHourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}

// retrainHourUTC is when the weekly ML-threshold retrain fires, on
// Sundays.
const retrainHourUTC = 1

// untilNextRetrain returns the delay until the next Sunday 01:00 UTC.
func untilNextRetrain(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), retrainHourUTC, 0, 0, 0, time.UTC)
	next = next.AddDate(0, 0, int((time.Sunday-next.Weekday()+7)%7))
	if !next.After(now) {
		next = next.AddDate(0, 0, 7)
	}
	return next.Sub(now)
}

// Run starts all four job loops and blocks until ctx is canceled. The
// flush, prune, and retrain jobs align to wall-clock boundaries (top of
// the hour, daily 03:00 UTC, Sunday 01:00 UTC); only the fuzzy drain runs
// on a plain ticker.
func (s *Scheduler) Run(ctx context.Context) {
	log.Println("[Scheduler] starting bridging background jobs")

	fuzzyTicker := time.NewTicker(s.FuzzyDrainInterval)
	defer fuzzyTicker.Stop()

	flushTimer := time.NewTimer(dailyagg.Timer(time.Now()))
	defer flushTimer.Stop()

	pruneTimer := time.NewTimer(untilNextPrune(time.Now()))
	defer pruneTimer.Stop()

	retrainTimer := time.NewTimer(untilNextRetrain(time.Now()))
	defer retrainTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Scheduler] stopping bridging background jobs")
			return
		case <-fuzzyTicker.C:
			s.drainFuzzyQueue(ctx)
		case <-flushTimer.C:
			s.flushDailyAggregates(ctx)
			flushTimer.Reset(dailyagg.Timer(time.Now()))
		case <-pruneTimer.C:
			s.pruneGraph(ctx)
			pruneTimer.Reset(untilNextPrune(time.Now()))
		case <-retrainTimer.C:
			s.retrainThreshold(ctx)
			retrainTimer.Reset(untilNextRetrain(time.Now()))
		}
	}
}

// drainFuzzyQueue atomically reads and removes queued event ids, loads
// each event plus its partner's recent comparison window from the
// relational store once per batch, and runs FuzzyBridge pairwise.
// Per-event failures are logged and isolated; the batch continues.
func (s *Scheduler) drainFuzzyQueue(ctx context.Context) {
	ids, err := s.cache.PopFuzzy(ctx, s.FuzzyDrainBatchSize)
	if err != nil {
		log.Printf("[Scheduler] fuzzy queue drain failed: %v", err)
		return
	}
	now := time.Now()
	cutoff := now.Add(-s.Retention)
	committed := 0
	windows := make(map[string][]models.IdentityEvent)
	for _, id := range ids {
		ev, ok, err := s.store.GetEvent(ctx, id)
		if err != nil {
			log.Printf("[Scheduler] failed to load fuzzy event %s: %v", id, err)
			continue
		}
		if !ok || ev.Timestamp.Before(cutoff) {
			continue
		}
		window, ok := windows[ev.PartnerID]
		if !ok {
			window, err = s.store.RecentEventsForPartner(ctx, ev.PartnerID, cutoff, RecentWindowSize)
			if err != nil {
				log.Printf("[Scheduler] failed to load comparison window for partner %s: %v", ev.PartnerID, err)
				continue
			}
			windows[ev.PartnerID] = window
		}
		for _, other := range window {
			decision, err := s.engine.FuzzyBridge(ctx, ev, other)
			if err != nil {
				log.Printf("[Scheduler] fuzzy bridge %s/%s failed: %v", ev.EventID, other.EventID, err)
				continue
			}
			if decision.HouseholdID != "" {
				committed++
			}
		}
	}
	if len(ids) > 0 {
		log.Printf("[Scheduler] drained %d fuzzy candidates, committed %d bridging decisions", len(ids), committed)
	}
}

func (s *Scheduler) flushDailyAggregates(ctx context.Context) {
	flushed, err := s.dailyAgg.Flush(ctx)
	if err != nil {
		log.Printf("[Scheduler] daily aggregate flush failed: %v", err)
		return
	}
	if flushed > 0 {
		log.Printf("[Scheduler] flushed %d daily aggregate buckets", flushed)
	}
}

func (s *Scheduler) pruneGraph(ctx context.Context) {
	if !s.GraphPruneEnabled {
		return
	}
	cutoff := time.Now().Add(-s.Retention)
	removed, err := s.graphClient.PruneStale(ctx, cutoff)
	if err != nil {
		log.Printf("[Scheduler] graph prune failed: %v", err)
		return
	}
	if removed > 0 {
		log.Printf("[Scheduler] pruned %d stale graph nodes", removed)
	}
}

// retrainThreshold publishes a freshly retrained threshold, then — before
// it takes effect on the next Engine.Threshold() call — runs it through
// ShadowEvaluator against the recent batch of scored pairs still sitting
// behind the currently active threshold, so a disruptive change shows up
// in the logs the same week it is published rather than silently
// reshaping households in production.
func (s *Scheduler) retrainThreshold(ctx context.Context) {
	if s.retrainer == nil {
		return
	}
	active := s.engine.Threshold()
	candidate, err := s.retrainer.Retrain(ctx)
	if err != nil {
		log.Printf("[Scheduler] ML threshold retrain failed: %v", err)
		return
	}
	log.Printf("[Scheduler] ML bridging threshold retrained to %.3f", candidate)

	pairs := s.engine.RecentScoredPairs()
	if len(pairs) == 0 {
		return
	}
	impact := s.shadow.Evaluate(pairs, active, candidate)
	log.Printf("[Scheduler] shadow impact of threshold %.3f -> %.3f over %d pairs: ARI=%.3f VI=%.3f",
		impact.ActiveThreshold, impact.CandidateThreshold, impact.PairCount, impact.AdjustedRandIndex, impact.VariationOfInfo)
}
