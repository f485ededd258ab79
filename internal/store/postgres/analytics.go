package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"

	"github.com/DukeRupert/riskquota/internal/domain"
)

const countUsersByIP = `
SELECT COUNT(DISTINCT user_id) FROM (
    SELECT user_id FROM user_registrations WHERE ip_address = $1 AND created_at >= $2
    UNION
    SELECT user_id FROM usage_events WHERE ip_address = $1 AND created_at >= $2
) AS users`

const countEventsByIP = `
SELECT COUNT(*) FROM usage_events WHERE ip_address = $1 AND created_at >= $2`

const countUsersByEmailDomain = `
SELECT COUNT(DISTINCT user_id) FROM user_registrations WHERE email_domain = $1 AND created_at >= $2`

const listRegistrationsByIP = `
SELECT user_id, email, email_domain, ip_address, created_at
FROM user_registrations
WHERE ip_address = $1 AND created_at >= $2
ORDER BY created_at`

const listRegistrationsByDomain = `
SELECT user_id, email, email_domain, ip_address, created_at
FROM user_registrations
WHERE email_domain = $1 AND created_at >= $2
ORDER BY created_at`

const listUsageEvents = `
SELECT id, user_id, endpoint, COALESCE(trial_status_at_time, ''), counters_before,
       ip_address, COALESCE(resource_id, ''), metadata, created_at
FROM usage_events
WHERE created_at >= $1 AND created_at < $2
ORDER BY created_at, id`

const purgeUsageEvents = `DELETE FROM usage_events WHERE created_at < $1`

const insertFunnelEvent = `
INSERT INTO funnel_events (id, user_id, event_type, properties, created_at)
VALUES ($1, $2, $3, $4, $5)`

const upsertTier = `
INSERT INTO subscription_tiers (
    tier_id, rank, display_name, monthly_price_cents, contact_sales,
    features, data_sources, monthly_quota, max_batch_size, synced_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
ON CONFLICT (tier_id) DO UPDATE
SET rank = EXCLUDED.rank,
    display_name = EXCLUDED.display_name,
    monthly_price_cents = EXCLUDED.monthly_price_cents,
    contact_sales = EXCLUDED.contact_sales,
    features = EXCLUDED.features,
    data_sources = EXCLUDED.data_sources,
    monthly_quota = EXCLUDED.monthly_quota,
    max_batch_size = EXCLUDED.max_batch_size,
    synced_at = EXCLUDED.synced_at`

// CountUsersByIP counts distinct users seen at ip since the given time.
func (s *Store) CountUsersByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	return s.count(ctx, countUsersByIP, inet(ip), since)
}

// CountEventsByIP counts usage events recorded from ip since the given time.
func (s *Store) CountEventsByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	return s.count(ctx, countEventsByIP, inet(ip), since)
}

// CountUsersByEmailDomain counts registrations from a domain since the given time.
func (s *Store) CountUsersByEmailDomain(ctx context.Context, emailDomain string, since time.Time) (int, error) {
	return s.count(ctx, countUsersByEmailDomain, emailDomain, since)
}

func (s *Store) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, translateError(err)
	}
	return n, nil
}

// ListRegistrations returns registrations sharing an identifier, oldest first.
func (s *Store) ListRegistrations(ctx context.Context, kind domain.IdentifierType, value string, since time.Time) ([]domain.Registration, error) {
	var (
		query string
		arg   any
	)
	switch kind {
	case domain.IdentifierIPAddress:
		query, arg = listRegistrationsByIP, inet(value)
	case domain.IdentifierEmailDomain:
		query, arg = listRegistrationsByDomain, value
	default:
		return nil, fmt.Errorf("unsupported identifier type %q", kind)
	}

	rows, err := s.db.QueryContext(ctx, query, arg, since)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	var regs []domain.Registration
	for rows.Next() {
		var (
			r  domain.Registration
			ip pqtype.Inet
		)
		if err := rows.Scan(&r.UserID, &r.Email, &r.EmailDomain, &ip, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.IPAddress = inetString(ip)
		regs = append(regs, r)
	}
	return regs, rows.Err()
}

// ListUsageEvents returns events created in [from, to).
func (s *Store) ListUsageEvents(ctx context.Context, from, to time.Time) ([]domain.UsageEvent, error) {
	rows, err := s.db.QueryContext(ctx, listUsageEvents, from, to)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	var events []domain.UsageEvent
	for rows.Next() {
		var (
			e        domain.UsageEvent
			endpoint string
			status   string
			ip       pqtype.Inet
			meta     pqtype.NullRawMessage
		)
		if err := rows.Scan(&e.ID, &e.UserID, &endpoint, &status, &e.CountersBefore,
			&ip, &e.ResourceID, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Endpoint = domain.EndpointID(endpoint)
		e.TrialStatusAtTime = domain.TrialStatus(status)
		e.IPAddress = inetString(ip)
		if meta.Valid {
			e.Metadata = meta.RawMessage
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// PurgeUsageEvents deletes events created before the given time.
func (s *Store) PurgeUsageEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, purgeUsageEvents, before)
	if err != nil {
		return 0, translateError(err)
	}
	return res.RowsAffected()
}

// InsertFunnelEvent persists a funnel event.
func (s *Store) InsertFunnelEvent(ctx context.Context, e *domain.FunnelEvent) error {
	props, err := encodeMetadata(e.Properties)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertFunnelEvent, e.ID, e.UserID, string(e.Type), props, e.CreatedAt); err != nil {
		return translateError(err)
	}
	return nil
}

// SyncTiers mirrors the catalog into subscription_tiers.
func (s *Store) SyncTiers(ctx context.Context, tiers []*domain.Tier) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tiers {
			features := make([]string, len(t.Features))
			for i, f := range t.Features {
				features[i] = string(f)
			}
			sources := make([]string, len(t.DataSources))
			for i, src := range t.DataSources {
				sources[i] = string(src)
			}
			quota, err := json.Marshal(t.MonthlyQuota)
			if err != nil {
				return fmt.Errorf("encode quota for %s: %w", t.ID, err)
			}

			if _, err := tx.ExecContext(ctx, upsertTier,
				string(t.ID), t.Rank, t.DisplayName, t.MonthlyPriceCents, t.ContactSales,
				pq.Array(features), pq.Array(sources), string(quota), t.MaxBatchSize,
			); err != nil {
				return fmt.Errorf("upsert tier %s: %w", t.ID, err)
			}
		}
		return nil
	})
}
