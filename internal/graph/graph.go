// Package graph defines the property-graph contract the bridging engine
// writes Device→User→Household edges to, with monotonically
// non-decreasing confidence. The production binding is Neo4j (neo4j.go);
// tests use the in-memory implementation in memory.go.
package graph

import (
	"context"
	"time"
)

// NodeKind distinguishes the four node labels this system writes.
type NodeKind string

const (
	NodeEvent     NodeKind = "Event"
	NodeDevice    NodeKind = "Device"
	NodeUser      NodeKind = "User"
	NodeHousehold NodeKind = "Household"
)

// Relationship types per adjacent node pair. Any other pairing falls back
// to LINKED_TO, but the bridging engine only ever writes these three.
const (
	RelFromDevice = "FROM_DEVICE" // Event -> Device
	RelUsedBy     = "USED_BY"     // Device -> User
	RelMemberOf   = "MEMBER_OF"   // User -> Household
)

// RelType returns the relationship type for a from→to node pairing.
func RelType(from, to NodeKind) string {
	switch {
	case from == NodeEvent && to == NodeDevice:
		return RelFromDevice
	case from == NodeDevice && to == NodeUser:
		return RelUsedBy
	case from == NodeUser && to == NodeHousehold:
		return RelMemberOf
	}
	return "LINKED_TO"
}

// Client is the contract every bridging component programs against.
type Client interface {
	// MergeEvent creates or touches the Event node for an ephemeral id,
	// storing the event's partial keys as a JSON string and refreshing
	// lastSeen. createdAt is set only on first sight, and is the property
	// retention pruning keys on.
	MergeEvent(ctx context.Context, ephemID, partialKeysJSON string, seenAt time.Time) error

	// UpsertNode creates or touches a Device/User/Household node,
	// updating its lastSeen property.
	UpsertNode(ctx context.Context, kind NodeKind, id string, seenAt time.Time) error

	// LinkEvidence idempotently creates (or strengthens) a directed edge
	// from→to with the given confidence, using set-max semantics: the
	// stored confidence is the maximum of its previous value and conf,
	// never decreased by a later, weaker observation. The relationship
	// type is determined by the node pairing (see RelType).
	LinkEvidence(ctx context.Context, from, to NodeKind, fromID, toID string, conf float64) error

	// HouseholdMembers returns every device id with a path to
	// householdID via USED_BY and MEMBER_OF edges.
	HouseholdMembers(ctx context.Context, householdID string) ([]string, error)

	// PruneStale detach-deletes Event nodes (and their edges) whose
	// createdAt predates olderThan; Device/User/Household nodes are left
	// standing since newer events may still reference them.
	PruneStale(ctx context.Context, olderThan time.Time) (removed int, err error)
}
