// Package capping implements the real-time frequency-capping counter
// (component J): post-increment semantics, so the increment that reaches
// the configured cap still serves, and the next one does not.
package capping

import (
	"context"
	"time"

	"github.com/rawblock/householdiq-aggregator/internal/kvcache"
	"github.com/rawblock/householdiq-aggregator/pkg/models"
)

// DefaultCapLimit is the cap applied when a household has no configured
// override.
const DefaultCapLimit = 5

// Counter enforces a daily per-key impression cap.
type Counter struct {
	cache kvcache.KVCache
}

// NewCounter constructs a Counter over the given cache.
func NewCounter(cache kvcache.KVCache) *Counter {
	return &Counter{cache: cache}
}

// Check reports whether key may still be served today without consuming
// an impression: can_serve = impressions < cap_limit, read-only. A key
// with no impressions recorded yet behaves as if created with
// impressions=0.
func (c *Counter) Check(ctx context.Context, key string, capLimit int64, at time.Time) (models.CapCheckResult, error) {
	date := at.Format("2006-01-02")
	count, err := c.cache.PeekImpressionCount(ctx, key, date)
	if err != nil {
		return models.CapCheckResult{}, err
	}
	return models.CapCheckResult{
		CanServe:         count < capLimit,
		DailyImpressions: count,
		CapLimit:         capLimit,
	}, nil
}

// CheckAndIncrement increments today's impression count for key and
// reports whether the request that triggered this increment may still be
// served. The increment that brings the count exactly to capLimit still
// serves (can_serve = dailyImpressions <= capLimit evaluated AFTER the
// increment); only the one after that is denied.
func (c *Counter) CheckAndIncrement(ctx context.Context, key string, capLimit int64, at time.Time) (models.CapCheckResult, error) {
	date := at.Format("2006-01-02")
	count, err := c.cache.IncrementImpressionCount(ctx, key, date)
	if err != nil {
		return models.CapCheckResult{}, err
	}
	return models.CapCheckResult{
		CanServe:         count <= capLimit,
		DailyImpressions: count,
		CapLimit:         capLimit,
	}, nil
}
