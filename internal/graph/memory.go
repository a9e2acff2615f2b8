package graph

import (
	"context"
	"sync"
	"time"
)

type nodeID struct {
	kind NodeKind
	id   string
}

type edgeID struct {
	from, to nodeID
}

// MemoryClient is an in-memory Client for tests, enforcing the same
// set-max confidence semantics as the Neo4j binding.
type MemoryClient struct {
	mu        sync.Mutex
	createdAt map[nodeID]time.Time
	eventKeys map[string]string
	edges     map[edgeID]float64
	outEdges  map[nodeID][]nodeID
}

// NewMemoryClient constructs an empty in-memory graph client.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		createdAt: make(map[nodeID]time.Time),
		eventKeys: make(map[string]string),
		edges:     make(map[edgeID]float64),
		outEdges:  make(map[nodeID][]nodeID),
	}
}

// MergeEvent records the Event node and its partial-keys snapshot; the
// JSON string is kept verbatim, as the Neo4j binding stores it.
func (m *MemoryClient) MergeEvent(_ context.Context, ephemID, partialKeysJSON string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := nodeID{NodeEvent, ephemID}
	if _, ok := m.createdAt[key]; !ok {
		m.createdAt[key] = seenAt
	}
	m.eventKeys[ephemID] = partialKeysJSON
	return nil
}

// UpsertNode records a node's creation time on first sight. Retention
// pruning runs off that creation time, not last-touched time, so a node
// keeps aging toward eviction even while it keeps being referenced.
func (m *MemoryClient) UpsertNode(_ context.Context, kind NodeKind, id string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := nodeID{kind, id}
	if _, ok := m.createdAt[key]; !ok {
		m.createdAt[key] = seenAt
	}
	return nil
}

// HasNode reports whether a node of the given kind and id exists; test
// helper with no Neo4j counterpart.
func (m *MemoryClient) HasNode(kind NodeKind, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.createdAt[nodeID{kind, id}]
	return ok
}

// EdgeConfidence returns the recorded confidence for a from→to edge, or
// ok=false if no such edge exists; test helper.
func (m *MemoryClient) EdgeConfidence(from, to NodeKind, fromID, toID string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conf, ok := m.edges[edgeID{nodeID{from, fromID}, nodeID{to, toID}}]
	return conf, ok
}

// EdgesTouching counts edges whose endpoint set includes the given node;
// test helper for suppression checks.
func (m *MemoryClient) EdgesTouching(kind NodeKind, id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	target := nodeID{kind, id}
	n := 0
	for edge := range m.edges {
		if edge.from == target || edge.to == target {
			n++
		}
	}
	return n
}

func (m *MemoryClient) LinkEvidence(_ context.Context, from, to NodeKind, fromID, toID string, conf float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := nodeID{from, fromID}
	t := nodeID{to, toID}
	key := edgeID{f, t}
	if cur, ok := m.edges[key]; !ok || conf > cur {
		m.edges[key] = conf
	}
	for _, existing := range m.outEdges[f] {
		if existing == t {
			return nil
		}
	}
	m.outEdges[f] = append(m.outEdges[f], t)
	return nil
}

func (m *MemoryClient) HouseholdMembers(_ context.Context, householdID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := nodeID{NodeHousehold, householdID}
	var devices []string
	for from, tos := range m.outEdges {
		if from.kind != NodeDevice {
			continue
		}
		for _, userNode := range tos {
			if userNode.kind != NodeUser {
				continue
			}
			for _, householdNode := range m.outEdges[userNode] {
				if householdNode == target {
					devices = append(devices, from.id)
				}
			}
		}
	}
	return devices, nil
}

// PruneStale deletes only Event nodes older than olderThan —
// Device/User/Household nodes persist across the retention window since
// newer events may still reference them.
func (m *MemoryClient) PruneStale(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, ts := range m.createdAt {
		if key.kind != NodeEvent {
			continue
		}
		if ts.Before(olderThan) {
			delete(m.createdAt, key)
			delete(m.eventKeys, key.id)
			delete(m.outEdges, key)
			for from, tos := range m.outEdges {
				filtered := tos[:0]
				for _, to := range tos {
					if to != key {
						filtered = append(filtered, to)
					}
				}
				m.outEdges[from] = filtered
			}
			for edge := range m.edges {
				if edge.from == key || edge.to == key {
					delete(m.edges, edge)
				}
			}
			removed++
		}
	}
	return removed, nil
}
