package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/DukeRupert/riskquota/internal/domain"
	"github.com/DukeRupert/riskquota/internal/store"
)

const getCounters = `
SELECT used, usage_limit, period_start
FROM usage_counters
WHERE user_id = $1 AND endpoint = $2`

const listCounters = `
SELECT endpoint, used, usage_limit, period_start
FROM usage_counters
WHERE user_id = $1`

const ensureCounter = `
INSERT INTO usage_counters (user_id, endpoint, used, usage_limit, period_start, updated_at)
VALUES ($1, $2, 0, $3, $4, $5)
ON CONFLICT (user_id, endpoint) DO NOTHING`

const lockCounter = `
SELECT used, usage_limit, period_start
FROM usage_counters
WHERE user_id = $1 AND endpoint = $2
FOR UPDATE`

const insertUsageEvent = `
INSERT INTO usage_events (
    id, user_id, endpoint, trial_status_at_time, counters_before,
    ip_address, resource_id, metadata, created_at
) VALUES (
    $1, $2, $3,
    COALESCE($4, (SELECT status FROM trial_states WHERE user_id = $2)),
    $5, $6, $7, $8, $9
)`

const updateCounter = `
UPDATE usage_counters
SET used = $3, usage_limit = $4, period_start = $5, updated_at = $6
WHERE user_id = $1 AND endpoint = $2`

const resetUserCounters = `
UPDATE usage_counters
SET used = 0, period_start = $2, updated_at = NOW()
WHERE user_id = $1`

const resetStaleCounters = `
UPDATE usage_counters
SET used = 0, period_start = $1, updated_at = NOW()
WHERE period_start < $1`

// GetCounters returns the counter for the period containing at.
func (s *Store) GetCounters(ctx context.Context, userID uuid.UUID, endpoint domain.EndpointID, at time.Time) (domain.Counters, error) {
	var c domain.Counters
	err := s.db.QueryRowContext(ctx, getCounters, userID, string(endpoint)).Scan(&c.Used, &c.Limit, &c.PeriodStart)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Counters{PeriodStart: domain.PeriodStart(at)}, nil
	}
	if err != nil {
		return domain.Counters{}, translateError(err)
	}
	return rollover(c, at), nil
}

// ListCounters returns every counter of a user for the period containing at.
func (s *Store) ListCounters(ctx context.Context, userID uuid.UUID, at time.Time) (map[domain.EndpointID]domain.Counters, error) {
	rows, err := s.db.QueryContext(ctx, listCounters, userID)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	out := make(map[domain.EndpointID]domain.Counters)
	for rows.Next() {
		var (
			endpoint string
			c        domain.Counters
		)
		if err := rows.Scan(&endpoint, &c.Used, &c.Limit, &c.PeriodStart); err != nil {
			return nil, err
		}
		out[domain.EndpointID(endpoint)] = rollover(c, at)
	}
	return out, rows.Err()
}

// RecordUsage appends a usage event and increments the counter in one
// transaction.
func (s *Store) RecordUsage(ctx context.Context, p store.RecordParams) (*domain.UsageResult, error) {
	var result *domain.UsageResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := lockCounterRow(ctx, tx, p)
		if err != nil {
			return err
		}
		if p.Enforce && p.Limit != domain.Unlimited && c.Used >= p.Limit {
			return store.ErrQuotaExhausted
		}

		eventID, err := appendEvent(ctx, tx, p, "", c.Used)
		if err != nil {
			return err
		}
		if err := writeCounter(ctx, tx, p, c.Used+1); err != nil {
			return err
		}

		result = &domain.UsageResult{
			EventID:   eventID,
			NewUsed:   c.Used + 1,
			Limit:     p.Limit,
			Remaining: store.RemainingAfter(c.Used+1, p.Limit),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ResetPeriod zeroes every counter of a user and stamps it with period.
func (s *Store) ResetPeriod(ctx context.Context, userID uuid.UUID, period time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, resetUserCounters, userID, period.UTC())
	if err != nil {
		return 0, translateError(err)
	}
	return res.RowsAffected()
}

// ResetAllPeriods zeroes counters from periods older than period.
func (s *Store) ResetAllPeriods(ctx context.Context, period time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, resetStaleCounters, period.UTC())
	if err != nil {
		return 0, translateError(err)
	}
	return res.RowsAffected()
}

// lockCounterRow creates the counter row if needed and locks it for the rest
// of the transaction. A row from an older period reads as zero.
func lockCounterRow(ctx context.Context, tx *sql.Tx, p store.RecordParams) (domain.Counters, error) {
	period := domain.PeriodStart(p.At)
	if _, err := tx.ExecContext(ctx, ensureCounter, p.UserID, string(p.Endpoint), p.Limit, period, p.At); err != nil {
		return domain.Counters{}, fmt.Errorf("ensure counter: %w", err)
	}

	var c domain.Counters
	if err := tx.QueryRowContext(ctx, lockCounter, p.UserID, string(p.Endpoint)).Scan(&c.Used, &c.Limit, &c.PeriodStart); err != nil {
		return domain.Counters{}, fmt.Errorf("lock counter: %w", err)
	}
	return rollover(c, p.At), nil
}

func appendEvent(ctx context.Context, tx *sql.Tx, p store.RecordParams, status domain.TrialStatus, before int) (uuid.UUID, error) {
	id := uuid.New()
	meta, err := encodeMetadata(p.Metadata.Extra)
	if err != nil {
		return uuid.Nil, err
	}
	_, err = tx.ExecContext(ctx, insertUsageEvent,
		id,
		p.UserID,
		string(p.Endpoint),
		nullString(string(status)),
		before,
		inet(p.Metadata.IPAddress),
		nullString(p.Metadata.ResourceID),
		meta,
		p.At,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert usage event: %w", err)
	}
	return id, nil
}

func writeCounter(ctx context.Context, tx *sql.Tx, p store.RecordParams, used int) error {
	_, err := tx.ExecContext(ctx, updateCounter, p.UserID, string(p.Endpoint), used, p.Limit, domain.PeriodStart(p.At), p.At)
	if err != nil {
		return fmt.Errorf("update counter: %w", err)
	}
	return nil
}

func encodeMetadata(extra map[string]any) (pqtype.NullRawMessage, error) {
	if len(extra) == 0 {
		return pqtype.NullRawMessage{}, nil
	}
	raw, err := json.Marshal(extra)
	if err != nil {
		return pqtype.NullRawMessage{}, fmt.Errorf("encode metadata: %w", err)
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}, nil
}

func rollover(c domain.Counters, at time.Time) domain.Counters {
	period := domain.PeriodStart(at)
	if c.PeriodStart.Before(period) {
		c.Used = 0
		c.PeriodStart = period
	}
	return c
}
