// Package kvcache defines the low-latency derived-state store backing
// household lookups, the edge-score accumulator, the hashed-email index,
// the fuzzy-match queue, and daily-aggregate counters. The production
// binding is Aerospike (see aerospike.go); tests use the in-memory
// implementation in memory.go.
package kvcache

import (
	"context"
	"time"

	"github.com/rawblock/householdiq-aggregator/pkg/models"
)

// Set names within the cache namespace, one per record family.
const (
	SetHouseholdRef  = "household_ref"
	SetMembership    = "household_members"
	SetEdgeBook      = "edge_book"
	SetEmailIndex    = "email_index"
	SetFuzzyQueue    = "fuzzy_queue"
	SetDailyAggCount = "daily_agg"
)

// FuzzyQueueTTL is the record TTL the Aerospike binding writes each queued
// event id with, so an entry not drained within it expires server-side;
// the drain itself does not check age, and the in-memory binding never
// expires entries.
const FuzzyQueueTTL = time.Hour

// KVCache is the contract every bridging component programs against.
type KVCache interface {
	// GetHouseholdRef returns the currently published lookup record for a
	// device, or ok=false if none exists.
	GetHouseholdRef(ctx context.Context, deviceID string) (ref models.HouseholdRef, ok bool, err error)
	// PutHouseholdRef publishes (overwrites) the lookup record for a device.
	PutHouseholdRef(ctx context.Context, ref models.HouseholdRef) error

	// AppendMember adds deviceID to the membership list of householdID,
	// idempotently (no duplicate entries).
	AppendMember(ctx context.Context, householdID, deviceID string) error
	// Members returns every device id known to belong to householdID.
	Members(ctx context.Context, householdID string) ([]string, error)

	// AddEdge records an observed score for the sorted (a,b) pair within
	// householdID's edge book. Idempotent: the first recording of a given
	// pair updates sum_score/count_score; re-recording the same pair is a
	// no-op that returns the book unchanged.
	AddEdge(ctx context.Context, householdID, a, b string, score float64) (models.EdgeBook, error)
	// AvgScore returns householdID's edge book, or the zero book if none.
	AvgScore(ctx context.Context, householdID string) (models.EdgeBook, bool, error)

	// IndexEmail appends eventID to the sequence of event ids ever seen
	// with this hashed email.
	IndexEmail(ctx context.Context, hashedEmail, eventID string) error
	// EmailEvents returns every event id indexed under hashedEmail, oldest
	// first.
	EmailEvents(ctx context.Context, hashedEmail string) ([]string, error)

	// EnqueueFuzzy appends eventID to the single shared fuzzy-match queue.
	EnqueueFuzzy(ctx context.Context, eventID string) error
	// PopFuzzy reads and removes up to max queued event ids. The in-memory
	// binding does this under one lock; the Aerospike binding scans the set
	// and deletes each record after reading it, so two concurrent drains
	// are not guaranteed disjoint results.
	PopFuzzy(ctx context.Context, max int) ([]string, error)

	// IncrementDailyAggregate folds a count into the named bucket for the
	// given date/dimension, returning the running total since last flush.
	IncrementDailyAggregate(ctx context.Context, key models.DailyAggregateKey, delta int64) (int64, error)
	// FlushDailyAggregates returns every buffered bucket and deletes it
	// from the cache, atomically enough that no increment is lost or
	// double-counted across a concurrent flush.
	FlushDailyAggregates(ctx context.Context) (map[models.DailyAggregateKey]int64, error)

	// IncrementImpressionCount increments and returns the post-increment
	// daily impression count for the given cap-counter key.
	IncrementImpressionCount(ctx context.Context, key string, date string) (int64, error)
	// PeekImpressionCount returns today's impression count for the given
	// cap-counter key without incrementing it, for the read-only Check
	// operation.
	PeekImpressionCount(ctx context.Context, key string, date string) (int64, error)
}
