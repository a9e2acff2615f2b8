// Package dailyagg implements the daily aggregate buffer (component I):
// counters are incremented cheaply in the KVCache and flushed hourly to
// the relational store, with an optional differential-privacy noise pass.
package dailyagg

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/rawblock/householdiq-aggregator/internal/kvcache"
	"github.com/rawblock/householdiq-aggregator/pkg/models"
)

// AggregateSink is where flushed buckets land — in production, the
// relational daily_aggregates table.
type AggregateSink interface {
	UpsertDailyAggregate(ctx context.Context, key models.DailyAggregateKey, count int64) error
}

// Buffer increments per-(date,dimension) counters in the KVCache and
// flushes them to the AggregateSink on demand.
type Buffer struct {
	cache kvcache.KVCache
	sink  AggregateSink

	// DPEnabled toggles Laplace-noise differential privacy on flush
	// (DP_MODE_ENABLED).
	DPEnabled bool
	// Epsilon is the privacy budget; smaller values add more noise.
	Epsilon float64
}

// NewBuffer constructs a daily aggregate buffer.
func NewBuffer(cache kvcache.KVCache, sink AggregateSink) *Buffer {
	return &Buffer{cache: cache, sink: sink, Epsilon: 1.0}
}

// Increment adds delta to the bucket for the given date and dimension.
func (b *Buffer) Increment(ctx context.Context, date, dimension string, delta int64) (int64, error) {
	return b.cache.IncrementDailyAggregate(ctx, models.DailyAggregateKey{Date: date, Dimension: dimension}, delta)
}

// Flush drains every buffered bucket from the KVCache, optionally applies
// Laplace noise, and overwrites the corresponding row in the relational
// store. The KVCache buckets are removed by the drain itself, so a bucket
// transferred here is exactly what accumulated since the prior flush. A
// failed upsert on one bucket is logged and does not abort the rest of
// the scan.
func (b *Buffer) Flush(ctx context.Context) (flushed int, err error) {
	buckets, err := b.cache.FlushDailyAggregates(ctx)
	if err != nil {
		return 0, fmt.Errorf("drain daily aggregates: %w", err)
	}
	for key, count := range buckets {
		out := count
		if b.DPEnabled {
			out = applyLaplaceNoise(count, sensitivity, b.Epsilon)
		}
		if err := b.sink.UpsertDailyAggregate(ctx, key, out); err != nil {
			log.Printf("[DailyAgg] upsert %s/%s failed: %v", key.Date, key.Dimension, err)
			continue
		}
		flushed++
	}
	return flushed, nil
}

// sensitivity is the L1 sensitivity of a single-event counter: one event
// changes the count by at most 1.
const sensitivity = 1.0

// applyLaplaceNoise adds Laplace(0, sensitivity/epsilon)-distributed noise
// to count and rounds to the nearest non-negative integer, sampling via
// inverse-CDF over math/rand.
func applyLaplaceNoise(count int64, sensitivity, epsilon float64) int64 {
	if epsilon <= 0 {
		epsilon = 1.0
	}
	scale := sensitivity / epsilon
	noise := sampleLaplace(scale)
	noisy := math.Round(float64(count) + noise)
	if noisy < 0 {
		noisy = 0
	}
	return int64(noisy)
}

// sampleLaplace draws one sample from a zero-centered Laplace distribution
// with the given scale, via inverse-CDF: -scale * sign(u) * ln(1 - 2|u|)
// for u uniform on (-0.5, 0.5).
func sampleLaplace(scale float64) float64 {
	u := rand.Float64() - 0.5
	sign := 1.0
	if u < 0 {
		sign = -1.0
	}
	return -scale * sign * math.Log(1-2*math.Abs(u))
}

// PerturbForReporting applies the same Laplace mechanism Flush uses,
// exposed for the reporting API so a live query over already-flushed
// relational rows can honor DP_MODE_ENABLED consistently with the
// buffered-flush path.
func PerturbForReporting(count int64, epsilon float64) int64 {
	return applyLaplaceNoise(count, sensitivity, epsilon)
}

// Timer returns when the next hourly flush should occur, aligned to the
// top of the hour.
func Timer(now time.Time) time.Duration {
	next := now.Truncate(time.Hour).Add(time.Hour)
	return next.Sub(now)
}
