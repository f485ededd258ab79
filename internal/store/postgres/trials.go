package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/DukeRupert/riskquota/internal/domain"
	"github.com/DukeRupert/riskquota/internal/store"
)

const trialColumns = `user_id, status, reports_used, reports_limit, started_at, expires_at, converted_at`

const insertTrial = `
INSERT INTO trial_states (user_id, status, reports_used, reports_limit, started_at, expires_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $5)`

const insertRegistration = `
INSERT INTO user_registrations (user_id, email, email_domain, ip_address, created_at)
VALUES ($1, $2, $3, $4, $5)`

const getTrial = `SELECT ` + trialColumns + ` FROM trial_states WHERE user_id = $1`

const lockTrial = `SELECT ` + trialColumns + ` FROM trial_states WHERE user_id = $1 FOR UPDATE`

const transitionTrial = `
UPDATE trial_states
SET status = $3, updated_at = NOW()
WHERE user_id = $1 AND status = $2`

const updateTrialUsage = `
UPDATE trial_states
SET reports_used = $2, status = $3, updated_at = NOW()
WHERE user_id = $1`

const convertTrial = `
UPDATE trial_states
SET status = 'converted', converted_at = $2, updated_at = $2
WHERE user_id = $1`

const insertConversion = `
INSERT INTO trial_conversions (
    user_id, tier_id, subscription_id, reports_used, reports_limit,
    trial_started_at, trial_duration_seconds, converted_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

const getConversion = `
SELECT user_id, tier_id, COALESCE(subscription_id, ''), reports_used, reports_limit,
       trial_started_at, trial_duration_seconds, converted_at
FROM trial_conversions
WHERE user_id = $1`

const activateSubscription = `
INSERT INTO subscriptions (user_id, tier_id, status, subscription_id, updated_at)
VALUES ($1, $2, 'active', $3, $4)
ON CONFLICT (user_id) DO UPDATE
SET tier_id = EXCLUDED.tier_id,
    status = 'active',
    subscription_id = EXCLUDED.subscription_id,
    updated_at = EXCLUDED.updated_at`

const extendTrial = `
UPDATE trial_states
SET expires_at = $2, status = $3, updated_at = NOW()
WHERE user_id = $1`

const expireTrials = `
UPDATE trial_states
SET status = 'expired', updated_at = NOW()
WHERE status = 'active' AND expires_at < $1
RETURNING user_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrial(row rowScanner) (*domain.TrialState, error) {
	var (
		t           domain.TrialState
		status      string
		convertedAt sql.NullTime
	)
	if err := row.Scan(&t.UserID, &status, &t.ReportsUsed, &t.ReportsLimit, &t.StartedAt, &t.ExpiresAt, &convertedAt); err != nil {
		return nil, err
	}
	t.Status = domain.TrialStatus(status)
	if convertedAt.Valid {
		at := convertedAt.Time
		t.ConvertedAt = &at
	}
	return &t, nil
}

// CreateTrial inserts the trial and its registration in one transaction.
func (s *Store) CreateTrial(ctx context.Context, trial *domain.TrialState, reg *domain.Registration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insertTrial,
			trial.UserID, string(trial.Status), trial.ReportsUsed, trial.ReportsLimit, trial.StartedAt, trial.ExpiresAt,
		); err != nil {
			return fmt.Errorf("insert trial: %w", err)
		}
		if reg == nil {
			return nil
		}
		if _, err := tx.ExecContext(ctx, insertRegistration,
			reg.UserID, reg.Email, reg.EmailDomain, inet(reg.IPAddress), reg.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert registration: %w", err)
		}
		return nil
	})
}

// GetTrial returns a user's trial.
func (s *Store) GetTrial(ctx context.Context, userID uuid.UUID) (*domain.TrialState, error) {
	t, err := scanTrial(s.db.QueryRowContext(ctx, getTrial, userID))
	if err != nil {
		return nil, translateError(err)
	}
	return t, nil
}

// TransitionTrial performs a conditional status update.
func (s *Store) TransitionTrial(ctx context.Context, userID uuid.UUID, from, to domain.TrialStatus) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("%w: %s to %s", store.ErrInvalidTransition, from, to)
	}
	res, err := s.db.ExecContext(ctx, transitionTrial, userID, string(from), string(to))
	if err != nil {
		return false, translateError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordTrialUsage locks the trial row, then the endpoint counter, appends the
// usage event and advances both counters in one transaction.
func (s *Store) RecordTrialUsage(ctx context.Context, p store.RecordParams) (*domain.UsageResult, error) {
	var result *domain.UsageResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		trial, err := scanTrial(tx.QueryRowContext(ctx, lockTrial, p.UserID))
		if err != nil {
			return err
		}
		statusAtTime := trial.Status

		p.Limit = trial.ReportsLimit
		c, err := lockCounterRow(ctx, tx, p)
		if err != nil {
			return err
		}

		eventID, err := appendEvent(ctx, tx, p, statusAtTime, c.Used)
		if err != nil {
			return err
		}
		if err := writeCounter(ctx, tx, p, c.Used+1); err != nil {
			return err
		}

		usage := store.ApplyTrialUsage(trial)
		if usage.Gated || trial.Status != statusAtTime {
			if _, err := tx.ExecContext(ctx, updateTrialUsage, p.UserID, trial.ReportsUsed, string(trial.Status)); err != nil {
				return fmt.Errorf("update trial: %w", err)
			}
		}

		result = store.TrialUsageResult(trial, usage)
		result.EventID = eventID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ConvertTrial converts the trial, records the snapshot and activates the
// subscription in one transaction.
func (s *Store) ConvertTrial(ctx context.Context, userID uuid.UUID, data domain.SubscriptionData, at time.Time) (*domain.ConversionResult, error) {
	var result *domain.ConversionResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		trial, err := scanTrial(tx.QueryRowContext(ctx, lockTrial, userID))
		if err != nil {
			return err
		}

		if trial.Status == domain.TrialStatusConverted {
			conv, err := scanConversion(tx.QueryRowContext(ctx, getConversion, userID))
			if err != nil {
				return fmt.Errorf("load conversion: %w", err)
			}
			result = &domain.ConversionResult{Conversion: *conv, AlreadyConverted: true}
			return nil
		}

		conv := store.NewConversion(trial, data, at)
		if _, err := tx.ExecContext(ctx, insertConversion,
			conv.UserID, string(conv.TierID), nullString(conv.SubscriptionID), conv.ReportsUsed, conv.ReportsLimit,
			conv.TrialStartedAt, int64(conv.TrialDuration/time.Second), conv.ConvertedAt,
		); err != nil {
			return fmt.Errorf("insert conversion: %w", err)
		}
		if _, err := tx.ExecContext(ctx, convertTrial, userID, at); err != nil {
			return fmt.Errorf("convert trial: %w", err)
		}
		if _, err := tx.ExecContext(ctx, activateSubscription, userID, string(data.TierID), nullString(data.SubscriptionID), at); err != nil {
			return fmt.Errorf("activate subscription: %w", err)
		}

		result = &domain.ConversionResult{Conversion: conv}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func scanConversion(row rowScanner) (*domain.TrialConversion, error) {
	var (
		c               domain.TrialConversion
		tier            string
		durationSeconds int64
	)
	if err := row.Scan(&c.UserID, &tier, &c.SubscriptionID, &c.ReportsUsed, &c.ReportsLimit,
		&c.TrialStartedAt, &durationSeconds, &c.ConvertedAt); err != nil {
		return nil, err
	}
	c.TierID = domain.TierID(tier)
	c.TrialDuration = time.Duration(durationSeconds) * time.Second
	return &c, nil
}

// ExtendTrial moves expires_at forward. Used and converted trials cannot be
// extended; an expired trial becomes active again.
func (s *Store) ExtendTrial(ctx context.Context, userID uuid.UUID, expiresAt time.Time) (*domain.TrialState, error) {
	var trial *domain.TrialState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := scanTrial(tx.QueryRowContext(ctx, lockTrial, userID))
		if err != nil {
			return err
		}
		if err := store.CheckExtension(t, expiresAt); err != nil {
			return err
		}

		t.ExpiresAt = expiresAt
		t.Status = domain.TrialStatusActive
		if _, err := tx.ExecContext(ctx, extendTrial, userID, expiresAt, string(t.Status)); err != nil {
			return fmt.Errorf("extend trial: %w", err)
		}
		trial = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trial, nil
}

// ExpireTrials moves every overdue active trial to expired.
func (s *Store) ExpireTrials(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, expireTrials, now)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// GetSubscription returns a user's subscription row.
func (s *Store) GetSubscription(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	const q = `
SELECT user_id, tier_id, status, COALESCE(subscription_id, ''), updated_at
FROM subscriptions
WHERE user_id = $1`

	var (
		sub          domain.Subscription
		tier, status string
	)
	err := s.db.QueryRowContext(ctx, q, userID).Scan(&sub.UserID, &tier, &status, &sub.SubscriptionID, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, translateError(err)
	}
	sub.TierID = domain.TierID(tier)
	sub.Status = domain.SubscriptionStatus(status)
	return &sub, nil
}
