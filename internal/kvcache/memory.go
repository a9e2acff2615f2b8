package kvcache

import (
	"context"
	"sync"

	"github.com/rawblock/householdiq-aggregator/pkg/models"
)

// edgeKey orders an unordered pair so (a,b) and (b,a) hit the same bucket.
func edgeKey(a, b string) string {
	lo, hi := models.SortedPair(a, b)
	return lo + "\x00" + hi
}

// MemoryCache is an in-memory KVCache guarded by a single mutex — fine
// for tests and for a single-process deployment, not for the distributed
// production path that the Aerospike binding serves.
type MemoryCache struct {
	mu           sync.Mutex
	householdRef map[string]models.HouseholdRef
	members      map[string]map[string]struct{}
	edgeBooks    map[string]models.EdgeBook
	edgePairs    map[string]map[string]struct{}
	emailIndex   map[string][]string
	fuzzyQueue   []string
	dailyAgg     map[models.DailyAggregateKey]int64
	impressions  map[string]int64
}

// NewMemoryCache constructs an empty in-memory KVCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		householdRef: make(map[string]models.HouseholdRef),
		members:      make(map[string]map[string]struct{}),
		edgeBooks:    make(map[string]models.EdgeBook),
		edgePairs:    make(map[string]map[string]struct{}),
		emailIndex:   make(map[string][]string),
		dailyAgg:     make(map[models.DailyAggregateKey]int64),
		impressions:  make(map[string]int64),
	}
}

func (m *MemoryCache) GetHouseholdRef(_ context.Context, ephemID string) (models.HouseholdRef, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.householdRef[ephemID]
	return ref, ok, nil
}

func (m *MemoryCache) PutHouseholdRef(_ context.Context, ref models.HouseholdRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.householdRef[ref.EphemID] = ref
	return nil
}

func (m *MemoryCache) AppendMember(_ context.Context, householdID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.members[householdID]
	if !ok {
		set = make(map[string]struct{})
		m.members[householdID] = set
	}
	set[deviceID] = struct{}{}
	return nil
}

func (m *MemoryCache) Members(_ context.Context, householdID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.members[householdID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}

func (m *MemoryCache) AddEdge(_ context.Context, householdID, a, b string, score float64) (models.EdgeBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pairs, ok := m.edgePairs[householdID]
	if !ok {
		pairs = make(map[string]struct{})
		m.edgePairs[householdID] = pairs
	}
	pk := edgeKey(a, b)
	book := m.edgeBooks[householdID]
	if _, seen := pairs[pk]; !seen {
		pairs[pk] = struct{}{}
		book.SumScore += score
		book.CountScore++
		m.edgeBooks[householdID] = book
	}
	return book, nil
}

func (m *MemoryCache) AvgScore(_ context.Context, householdID string) (models.EdgeBook, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.edgeBooks[householdID]
	return book, ok, nil
}

func (m *MemoryCache) IndexEmail(_ context.Context, hashedEmail, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emailIndex[hashedEmail] = append(m.emailIndex[hashedEmail], eventID)
	return nil
}

func (m *MemoryCache) EmailEvents(_ context.Context, hashedEmail string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.emailIndex[hashedEmail]...), nil
}

func (m *MemoryCache) EnqueueFuzzy(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fuzzyQueue = append(m.fuzzyQueue, eventID)
	return nil
}

func (m *MemoryCache) PopFuzzy(_ context.Context, max int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if max <= 0 || max > len(m.fuzzyQueue) {
		max = len(m.fuzzyQueue)
	}
	drained := append([]string(nil), m.fuzzyQueue[:max]...)
	m.fuzzyQueue = m.fuzzyQueue[max:]
	return drained, nil
}

func (m *MemoryCache) IncrementDailyAggregate(_ context.Context, key models.DailyAggregateKey, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyAgg[key] += delta
	return m.dailyAgg[key], nil
}

func (m *MemoryCache) FlushDailyAggregates(_ context.Context) (map[models.DailyAggregateKey]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.dailyAgg
	m.dailyAgg = make(map[models.DailyAggregateKey]int64)
	return out, nil
}

func (m *MemoryCache) IncrementImpressionCount(_ context.Context, key string, date string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	compound := key + "\x00" + date
	m.impressions[compound]++
	return m.impressions[compound], nil
}

func (m *MemoryCache) PeekImpressionCount(_ context.Context, key string, date string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.impressions[key+"\x00"+date], nil
}
