package kvcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	as "github.com/aerospike/aerospike-client-go/v6"
	"github.com/aerospike/aerospike-client-go/v6/types"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rawblock/householdiq-aggregator/pkg/models"
)

// binValue is the single bin every record is stored under — the cache
// only ever needs to round-trip one JSON blob per key.
const binValue = "value"

// AerospikeCache is the production KVCache binding.
type AerospikeCache struct {
	client    *as.Client
	namespace string

	// retentionTTL (retention_days) is applied to every set except
	// SetFuzzyQueue, which uses FuzzyQueueTTL, and the impression_cap
	// counters, which use a fixed 48-hour TTL.
	retentionTTL uint32

	// refCache is a bounded read-through memoization layer in front of
	// the hottest lookup path, refreshed on every write.
	refCache *lru.Cache[string, models.HouseholdRef]
}

// NewAerospikeCache connects to an Aerospike cluster and wraps it with a
// bounded read-through cache for the hottest lookup path. retentionDays
// becomes the TTL for every record except the fuzzy queue and the
// impression-cap counters.
func NewAerospikeCache(hosts []*as.Host, namespace string, retentionDays int) (*AerospikeCache, error) {
	client, err := as.NewClientWithPolicyAndHost(as.NewClientPolicy(), hosts...)
	if err != nil {
		return nil, fmt.Errorf("aerospike connect: %w", err)
	}
	cache, lruErr := lru.New[string, models.HouseholdRef](1000)
	if lruErr != nil {
		return nil, fmt.Errorf("lru cache init: %w", lruErr)
	}
	if retentionDays <= 0 {
		retentionDays = 30
	}
	ttl := uint32(time.Duration(retentionDays) * 24 * time.Hour / time.Second)
	return &AerospikeCache{client: client, namespace: namespace, retentionTTL: ttl, refCache: cache}, nil
}

// Close releases the underlying Aerospike connection pool.
func (a *AerospikeCache) Close() {
	a.client.Close()
}

func (a *AerospikeCache) key(set, name string) (*as.Key, error) {
	return as.NewKey(a.namespace, set, name)
}

func (a *AerospikeCache) putJSON(set, name string, v any, ttlSeconds uint32) error {
	k, err := a.key(set, name)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	policy := as.NewWritePolicy(0, ttlSeconds)
	return a.client.Put(policy, k, as.BinMap{binValue: string(raw)})
}

func (a *AerospikeCache) getJSON(set, name string, out any) (bool, error) {
	k, err := a.key(set, name)
	if err != nil {
		return false, err
	}
	rec, asErr := a.client.Get(as.NewPolicy(), k)
	if asErr != nil {
		if asErr.Matches(types.KEY_NOT_FOUND_ERROR) {
			return false, nil
		}
		return false, asErr
	}
	raw, ok := rec.Bins[binValue].(string)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, err
	}
	return true, nil
}

func (a *AerospikeCache) GetHouseholdRef(_ context.Context, ephemID string) (models.HouseholdRef, bool, error) {
	if ref, ok := a.refCache.Get(ephemID); ok {
		return ref, true, nil
	}
	var ref models.HouseholdRef
	ok, err := a.getJSON(SetHouseholdRef, ephemID, &ref)
	if err != nil || !ok {
		return models.HouseholdRef{}, ok, err
	}
	a.refCache.Add(ephemID, ref)
	return ref, true, nil
}

func (a *AerospikeCache) PutHouseholdRef(_ context.Context, ref models.HouseholdRef) error {
	if err := a.putJSON(SetHouseholdRef, ref.EphemID, ref, a.retentionTTL); err != nil {
		return err
	}
	a.refCache.Add(ref.EphemID, ref)
	return nil
}

func (a *AerospikeCache) AppendMember(_ context.Context, householdID, deviceID string) error {
	var members []string
	if _, err := a.getJSON(SetMembership, householdID, &members); err != nil {
		return err
	}
	for _, m := range members {
		if m == deviceID {
			return nil
		}
	}
	members = append(members, deviceID)
	return a.putJSON(SetMembership, householdID, members, a.retentionTTL)
}

func (a *AerospikeCache) Members(_ context.Context, householdID string) ([]string, error) {
	var members []string
	if _, err := a.getJSON(SetMembership, householdID, &members); err != nil {
		return nil, err
	}
	return members, nil
}

// edgeBookRecord is the per-household record stored under SetEdgeBook: the
// running sum/count plus every pair already recorded, so a re-observed
// pair is a documented no-op rather than double-counted.
type edgeBookRecord struct {
	Book  models.EdgeBook     `json:"book"`
	Pairs map[string]struct{} `json:"pairs"`
}

func (a *AerospikeCache) AddEdge(_ context.Context, householdID, left, right string, score float64) (models.EdgeBook, error) {
	var rec edgeBookRecord
	if _, err := a.getJSON(SetEdgeBook, householdID, &rec); err != nil {
		return models.EdgeBook{}, err
	}
	if rec.Pairs == nil {
		rec.Pairs = make(map[string]struct{})
	}
	pk := edgeKey(left, right)
	if _, seen := rec.Pairs[pk]; !seen {
		rec.Pairs[pk] = struct{}{}
		rec.Book.SumScore += score
		rec.Book.CountScore++
		if err := a.putJSON(SetEdgeBook, householdID, rec, a.retentionTTL); err != nil {
			return models.EdgeBook{}, err
		}
	}
	return rec.Book, nil
}

func (a *AerospikeCache) AvgScore(_ context.Context, householdID string) (models.EdgeBook, bool, error) {
	var rec edgeBookRecord
	ok, err := a.getJSON(SetEdgeBook, householdID, &rec)
	return rec.Book, ok, err
}

func (a *AerospikeCache) IndexEmail(_ context.Context, hashedEmail, eventID string) error {
	var ids []string
	if _, err := a.getJSON(SetEmailIndex, hashedEmail, &ids); err != nil {
		return err
	}
	ids = append(ids, eventID)
	return a.putJSON(SetEmailIndex, hashedEmail, ids, a.retentionTTL)
}

func (a *AerospikeCache) EmailEvents(_ context.Context, hashedEmail string) ([]string, error) {
	var ids []string
	_, err := a.getJSON(SetEmailIndex, hashedEmail, &ids)
	return ids, err
}

func (a *AerospikeCache) EnqueueFuzzy(_ context.Context, eventID string) error {
	name := fmt.Sprintf("%s:%d", eventID, time.Now().UnixNano())
	return a.putJSON(SetFuzzyQueue, name, eventID, uint32(FuzzyQueueTTL.Seconds()))
}

func (a *AerospikeCache) PopFuzzy(_ context.Context, max int) ([]string, error) {
	var drained []string
	stmt := as.NewStatement(a.namespace, SetFuzzyQueue)
	recordset, err := a.client.Query(nil, stmt)
	if err != nil {
		return nil, err
	}
	defer recordset.Close()

	for res := range recordset.Results() {
		if res.Err != nil {
			continue
		}
		raw, ok := res.Record.Bins[binValue].(string)
		if !ok {
			continue
		}
		var eventID string
		if err := json.Unmarshal([]byte(raw), &eventID); err != nil {
			continue
		}
		drained = append(drained, eventID)
		_, _ = a.client.Delete(nil, res.Record.Key)
		if max > 0 && len(drained) >= max {
			break
		}
	}
	return drained, nil
}

func (a *AerospikeCache) IncrementDailyAggregate(_ context.Context, key models.DailyAggregateKey, delta int64) (int64, error) {
	name := key.Date + ":" + key.Dimension
	k, err := a.key(SetDailyAggCount, name)
	if err != nil {
		return 0, err
	}
	policy := as.NewWritePolicy(0, a.retentionTTL)
	// The flush scan reconstructs (date, dimension) from the stored user
	// key, which is only available server-side when SendKey is set.
	policy.SendKey = true
	op := as.AddOp(as.NewBin("count", delta))
	rec, err := a.client.Operate(policy, k, op, as.GetBinOp("count"))
	if err != nil {
		return 0, err
	}
	total, _ := rec.Bins["count"].(int)
	return int64(total), nil
}

func (a *AerospikeCache) FlushDailyAggregates(_ context.Context) (map[models.DailyAggregateKey]int64, error) {
	out := make(map[models.DailyAggregateKey]int64)
	stmt := as.NewStatement(a.namespace, SetDailyAggCount)
	recordset, err := a.client.Query(nil, stmt)
	if err != nil {
		return nil, err
	}
	defer recordset.Close()

	for res := range recordset.Results() {
		if res.Err != nil {
			continue
		}
		name, _ := res.Record.Key.Value().GetObject().(string)
		count, _ := res.Record.Bins["count"].(int)
		if date, dim, ok := splitDailyAggName(name); ok {
			out[models.DailyAggregateKey{Date: date, Dimension: dim}] = int64(count)
		}
		_, _ = a.client.Delete(nil, res.Record.Key)
	}
	return out, nil
}

func splitDailyAggName(name string) (date, dimension string, ok bool) {
	for i := 0; i < len(name); i++ {
		if name[i] == ':' {
			return name[:i], name[i+1:], true
		}
	}
	return "", "", false
}

func (a *AerospikeCache) IncrementImpressionCount(_ context.Context, key string, date string) (int64, error) {
	name := key + ":" + date
	k, err := a.key("impression_cap", name)
	if err != nil {
		return 0, err
	}
	policy := as.NewWritePolicy(0, uint32(48*time.Hour/time.Second))
	op := as.AddOp(as.NewBin("count", int64(1)))
	rec, err := a.client.Operate(policy, k, op, as.GetBinOp("count"))
	if err != nil {
		return 0, err
	}
	total, _ := rec.Bins["count"].(int)
	return int64(total), nil
}

func (a *AerospikeCache) PeekImpressionCount(_ context.Context, key string, date string) (int64, error) {
	name := key + ":" + date
	k, err := a.key("impression_cap", name)
	if err != nil {
		return 0, err
	}
	rec, asErr := a.client.Get(as.NewPolicy(), k)
	if asErr != nil {
		if asErr.Matches(types.KEY_NOT_FOUND_ERROR) {
			return 0, nil
		}
		return 0, asErr
	}
	count, _ := rec.Bins["count"].(int)
	return int64(count), nil
}
