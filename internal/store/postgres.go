// Package store implements RelationalStore, the system-of-record for
// partner configuration, bridging-token issuance history, consent
// revocations, and the overwrite-style daily aggregate table that the
// KVCache buffer eventually flushes into.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/householdiq-aggregator/pkg/models"
)

// PostgresStore is the production RelationalStore binding.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}
	log.Println("Successfully connected to PostgreSQL for householdiq aggregator")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema loads and executes the schema.sql file, which owns every
// table named in this system's persisted-state list, including
// attribution_journeys and lookalike_segments (schema-only — no read/write
// operation in this package touches either, an explicit scope boundary
// recorded in DESIGN.md).
func (s *PostgresStore) InitSchema() error {
	schemaBytes, err := os.ReadFile("internal/store/schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %v", err)
	}
	if _, err := s.pool.Exec(context.Background(), string(schemaBytes)); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}
	log.Println("householdiq aggregator schema initialized")
	return nil
}

// UpsertDailyAggregate overwrites the stored count for (date, dimension)
// with the value flushed from the KVCache buffer — the flush transfers
// exactly what was buffered since the last flush, so this is an overwrite,
// not an additive update.
func (s *PostgresStore) UpsertDailyAggregate(ctx context.Context, key models.DailyAggregateKey, count int64) error {
	sql := `
		INSERT INTO daily_aggregates (agg_date, dimension, count)
		VALUES ($1, $2, $3)
		ON CONFLICT (agg_date, dimension) DO UPDATE SET count = EXCLUDED.count;
	`
	_, err := s.pool.Exec(ctx, sql, key.Date, key.Dimension, count)
	return err
}

// RecordConsentRevocation appends a consent-revocation row. Append-only:
// the bridging core never reads this table back; it exists for audit.
func (s *PostgresStore) RecordConsentRevocation(ctx context.Context, rev models.ConsentRevocation) error {
	sql := `
		INSERT INTO consent_revocations (ephemeral_id, revoked_at, reason)
		VALUES ($1, $2, $3);
	`
	_, err := s.pool.Exec(ctx, sql, rev.EphemeralID, rev.RevokedAt, rev.Reason)
	return err
}

// RecordBridgingDecision persists a bridging decision for
// audit/reporting.
func (s *PostgresStore) RecordBridgingDecision(ctx context.Context, d models.BridgingDecision) error {
	sql := `
		INSERT INTO bridging_decisions (event_id, ephem_id, device_id, user_id, household_id, status, confidence, skip_reason, bridging_token, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (event_id) DO UPDATE SET
			device_id = EXCLUDED.device_id,
			user_id = EXCLUDED.user_id,
			household_id = EXCLUDED.household_id,
			status = EXCLUDED.status,
			confidence = EXCLUDED.confidence,
			skip_reason = EXCLUDED.skip_reason,
			bridging_token = EXCLUDED.bridging_token,
			decided_at = EXCLUDED.decided_at;
	`
	_, err := s.pool.Exec(ctx, sql, d.EventID, d.EphemID, nullableString(d.DeviceID), nullableString(d.UserID),
		nullableString(d.HouseholdID), d.Status, d.Confidence, nullableString(d.SkipReason), nullableString(d.BridgingToken), d.DecidedAt)
	return err
}

// InsertAnonymizedEvent appends an identifier-stripped sample row; the
// ingest path only writes one for events that win the sampling draw.
func (s *PostgresStore) InsertAnonymizedEvent(ctx context.Context, ev models.AnonymizedEvent) error {
	sql := `
		INSERT INTO anonymized_events (event_id, hashed_device_sig, hashed_user_sig, event_day, event_type, partner_id)
		VALUES ($1, $2, $3, $4, $5, $6);
	`
	_, err := s.pool.Exec(ctx, sql, ev.EventID, nullableString(ev.HashedDeviceSig), nullableString(ev.HashedUserSig),
		ev.EventDay, ev.EventType, ev.PartnerID)
	return err
}

// InsertEvent persists an ingested event so the fuzzy drain job can later
// load a partner's comparison window without replaying traffic.
func (s *PostgresStore) InsertEvent(ctx context.Context, event models.IdentityEvent) error {
	keysJSON, err := json.Marshal(event.Keys)
	if err != nil {
		return fmt.Errorf("marshal keys: %w", err)
	}
	consentJSON, err := json.Marshal(event.Consent)
	if err != nil {
		return fmt.Errorf("marshal consent: %w", err)
	}
	sql := `
		INSERT INTO ephemeral_events (event_id, ephem_id, partner_id, event_type, campaign_id, keys, consent, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING;
	`
	_, err = s.pool.Exec(ctx, sql, event.EventID, event.EphemID, event.PartnerID, event.EventType,
		nullableString(event.CampaignID), keysJSON, consentJSON, event.Timestamp)
	return err
}

// GetEvent loads a single event by its event id, as consumed by both
// the deterministic email path and the fuzzy drain job.
func (s *PostgresStore) GetEvent(ctx context.Context, eventID string) (models.IdentityEvent, bool, error) {
	sql := `
		SELECT event_id, ephem_id, partner_id, event_type, COALESCE(campaign_id, ''), keys, consent, occurred_at
		FROM ephemeral_events WHERE event_id = $1;
	`
	var e models.IdentityEvent
	var keysJSON, consentJSON []byte
	err := s.pool.QueryRow(ctx, sql, eventID).Scan(&e.EventID, &e.EphemID, &e.PartnerID, &e.EventType, &e.CampaignID, &keysJSON, &consentJSON, &e.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.IdentityEvent{}, false, nil
		}
		return models.IdentityEvent{}, false, err
	}
	if err := json.Unmarshal(keysJSON, &e.Keys); err != nil {
		return models.IdentityEvent{}, false, fmt.Errorf("unmarshal keys: %w", err)
	}
	if err := json.Unmarshal(consentJSON, &e.Consent); err != nil {
		return models.IdentityEvent{}, false, fmt.Errorf("unmarshal consent: %w", err)
	}
	return e, true, nil
}

// RecentEventsForPartner returns up to limit events for partnerID that
// occurred at or after since, newest first — the comparison window the
// fuzzy drain job scores a newly dequeued event against.
func (s *PostgresStore) RecentEventsForPartner(ctx context.Context, partnerID string, since time.Time, limit int) ([]models.IdentityEvent, error) {
	sql := `
		SELECT event_id, ephem_id, partner_id, event_type, COALESCE(campaign_id, ''), keys, consent, occurred_at
		FROM ephemeral_events
		WHERE partner_id = $1 AND occurred_at >= $2
		ORDER BY occurred_at DESC
		LIMIT $3;
	`
	rows, err := s.pool.Query(ctx, sql, partnerID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.IdentityEvent
	for rows.Next() {
		var e models.IdentityEvent
		var keysJSON, consentJSON []byte
		if err := rows.Scan(&e.EventID, &e.EphemID, &e.PartnerID, &e.EventType, &e.CampaignID, &keysJSON, &consentJSON, &e.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(keysJSON, &e.Keys); err != nil {
			return nil, fmt.Errorf("unmarshal keys: %w", err)
		}
		if err := json.Unmarshal(consentJSON, &e.Consent); err != nil {
			return nil, fmt.Errorf("unmarshal consent: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// QueryDailyAggregates returns every flushed daily_aggregates row whose
// date falls within [startDate, endDate], keyed "date|dimension" (the
// dimension already carries "partner|device|event"), for the reporting
// API.
func (s *PostgresStore) QueryDailyAggregates(ctx context.Context, startDate, endDate string) (map[string]int64, error) {
	sql := `SELECT agg_date, dimension, count FROM daily_aggregates WHERE agg_date BETWEEN $1 AND $2`
	rows, err := s.pool.Query(ctx, sql, startDate, endDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var date time.Time
		var dimension string
		var count int64
		if err := rows.Scan(&date, &dimension, &count); err != nil {
			return nil, err
		}
		out[date.Format("2006-01-02")+"|"+dimension] = count
	}
	return out, rows.Err()
}

// PartnerExists reports whether partnerID is an active onboarded
// partner, consulted by the ingest handler to reject unknown partners
// before any other processing.
func (s *PostgresStore) PartnerExists(ctx context.Context, partnerID string) (bool, error) {
	var active bool
	sql := `SELECT active FROM partners WHERE partner_id = $1`
	err := s.pool.QueryRow(ctx, sql, partnerID).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return active, nil
}

// BridgingConfigRow is the latest operator-tunable scorer configuration.
type BridgingConfigRow struct {
	Threshold         float64
	PartialKeyWeights map[string]float64
	TimeDecayFactor   float64
}

// GetBridgingConfig returns the most recently updated bridging_config
// row, or ok=false if none has ever been configured — callers fall back
// to scoring.DefaultWeights/DefaultDecay/DefaultThreshold in that case.
func (s *PostgresStore) GetBridgingConfig(ctx context.Context) (BridgingConfigRow, bool, error) {
	var row BridgingConfigRow
	var weightsJSON []byte
	sql := `SELECT threshold, partial_key_weights, time_decay_factor FROM bridging_config ORDER BY last_updated DESC LIMIT 1`
	err := s.pool.QueryRow(ctx, sql).Scan(&row.Threshold, &weightsJSON, &row.TimeDecayFactor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BridgingConfigRow{}, false, nil
		}
		return BridgingConfigRow{}, false, err
	}
	if err := json.Unmarshal(weightsJSON, &row.PartialKeyWeights); err != nil {
		return BridgingConfigRow{}, false, fmt.Errorf("unmarshal partial_key_weights: %w", err)
	}
	return row, true, nil
}

// GetMLThreshold returns the most recently published ML bridging
// threshold, if one has ever been retrained.
func (s *PostgresStore) GetMLThreshold(ctx context.Context) (float64, bool, error) {
	var threshold float64
	sql := `SELECT threshold FROM ml_bridging_thresholds ORDER BY published_at DESC LIMIT 1`
	err := s.pool.QueryRow(ctx, sql).Scan(&threshold)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return threshold, true, nil
}

// PublishMLThreshold records a freshly retrained ML bridging threshold.
func (s *PostgresStore) PublishMLThreshold(ctx context.Context, threshold float64, publishedAt time.Time) error {
	sql := `INSERT INTO ml_bridging_thresholds (threshold, published_at) VALUES ($1, $2)`
	_, err := s.pool.Exec(ctx, sql, threshold, publishedAt)
	return err
}

// Pool exposes the connection pool for callers that need raw query
// access.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
