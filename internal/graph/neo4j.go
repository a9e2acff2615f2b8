package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jClient is the production Client binding: set-max confidence via a
// CASE expression, MERGE for idempotent node/edge creation.
type Neo4jClient struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewNeo4jClient opens a driver against uri using basic auth.
func NewNeo4jClient(ctx context.Context, uri, username, password, database string) (*Neo4jClient, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return &Neo4jClient{driver: driver, database: database}, nil
}

// Close releases the underlying driver's connection pool.
func (c *Neo4jClient) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Neo4jClient) session(ctx context.Context) neo4j.SessionWithContext {
	return c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
}

// MergeEvent upserts the Event node; partial keys ride along as a JSON
// string since the property graph only stores primitive property values.
func (c *Neo4jClient) MergeEvent(ctx context.Context, ephemID, partialKeysJSON string, seenAt time.Time) error {
	session := c.session(ctx)
	defer session.Close(ctx)

	cypher := `MERGE (e:Event {id: $id})
		   ON CREATE SET e.createdAt = $seenAt, e.partialKeys = $partialKeys, e.timestamp = $seenAt
		   SET e.lastSeen = $seenAt`
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, cypher, map[string]any{"id": ephemID, "partialKeys": partialKeysJSON, "seenAt": seenAt.Unix()})
	})
	return err
}

func (c *Neo4jClient) UpsertNode(ctx context.Context, kind NodeKind, id string, seenAt time.Time) error {
	session := c.session(ctx)
	defer session.Close(ctx)

	cypher := fmt.Sprintf(
		`MERGE (n:%s {id: $id}) ON CREATE SET n.createdAt = $seenAt SET n.lastSeen = $seenAt`,
		string(kind),
	)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, cypher, map[string]any{"id": id, "seenAt": seenAt.Unix()})
	})
	return err
}

// LinkEvidence runs the monotonic set-max confidence MERGE: new
// observations can only raise an edge's recorded confidence, never lower
// it.
func (c *Neo4jClient) LinkEvidence(ctx context.Context, from, to NodeKind, fromID, toID string, conf float64) error {
	session := c.session(ctx)
	defer session.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH (a:%s {id: $fromID}), (b:%s {id: $toID})
		 MERGE (a)-[r:%s]->(b)
		 ON CREATE SET r.createdAt = timestamp(), r.confidence = $conf
		 ON MATCH SET r.confidence = CASE WHEN r.confidence IS NULL OR r.confidence < $conf THEN $conf ELSE r.confidence END`,
		string(from), string(to), RelType(from, to),
	)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, cypher, map[string]any{"fromID": fromID, "toID": toID, "conf": conf})
	})
	return err
}

func (c *Neo4jClient) HouseholdMembers(ctx context.Context, householdID string) ([]string, error) {
	session := c.session(ctx)
	defer session.Close(ctx)

	cypher := `MATCH (d:Device)-[:USED_BY]->(:User)-[:MEMBER_OF]->(h:Household {id: $householdID})
		       RETURN DISTINCT d.id AS deviceID`

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx, cypher, map[string]any{"householdID": householdID})
		if err != nil {
			return nil, err
		}
		var ids []string
		for records.Next(ctx) {
			if v, ok := records.Record().Get("deviceID"); ok {
				if s, ok := v.(string); ok {
					ids = append(ids, s)
				}
			}
		}
		return ids, records.Err()
	})
	if err != nil {
		return nil, err
	}
	ids, _ := result.([]string)
	return ids, nil
}

// PruneStale deletes only Event nodes older than the retention cutoff —
// Device/User/Household nodes persist across the window
// since newer events may still reference them; DETACH DELETE removes the
// pruned Event's dangling edges along with it.
func (c *Neo4jClient) PruneStale(ctx context.Context, olderThan time.Time) (int, error) {
	session := c.session(ctx)
	defer session.Close(ctx)

	cypher := `MATCH (n:Event) WHERE n.createdAt IS NOT NULL AND n.createdAt < $cutoff
		       DETACH DELETE n RETURN count(n) AS removed`

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx, cypher, map[string]any{"cutoff": olderThan.Unix()})
		if err != nil {
			return nil, err
		}
		if records.Next(ctx) {
			if v, ok := records.Record().Get("removed"); ok {
				if n, ok := v.(int64); ok {
					return int(n), nil
				}
			}
		}
		return 0, records.Err()
	})
	if err != nil {
		return 0, err
	}
	removed, _ := result.(int)
	return removed, nil
}
