// Package service contains the business logic layer.
//
// This file implements the trial lifecycle manager. It owns the trial state
// machine: active -> used | expired, and any non-converted state -> converted.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/DukeRupert/riskquota/internal/catalog"
	"github.com/DukeRupert/riskquota/internal/domain"
	"github.com/DukeRupert/riskquota/internal/metrics"
	"github.com/DukeRupert/riskquota/internal/store"
	"github.com/google/uuid"
)

// =============================================================================
// Interface Definition
// =============================================================================

// TrialService manages the free trial of a user.
type TrialService interface {
	// StartTrial creates the trial and registration rows for a new user.
	// Returns domain.ECONFLICT if the user already has a trial.
	StartTrial(ctx context.Context, reg domain.Registration) (*domain.TrialState, error)

	// GetTrial returns the user's trial.
	// Returns domain.ENOTFOUND if the user never started one.
	GetTrial(ctx context.Context, userID uuid.UUID) (*domain.TrialState, error)

	// ValidateTrialRequest decides whether a trial-gated request may proceed.
	// Paid subscribers are always allowed with unlimited remaining. claim is
	// the token's tier, used when billing has no row for the user.
	ValidateTrialRequest(ctx context.Context, userID uuid.UUID, claim domain.TierID, endpoint domain.EndpointID) (domain.Decision, error)

	// RecordTrialUsage records a trial-gated usage and advances the trial.
	RecordTrialUsage(ctx context.Context, userID uuid.UUID, endpoint domain.EndpointID, meta domain.UsageMetadata) (*domain.UsageResult, error)

	// ConvertTrial records a purchase. Calling it again returns the first
	// conversion unchanged.
	// Returns domain.EINVALID if the tier is unknown or free.
	ConvertTrial(ctx context.Context, userID uuid.UUID, data domain.SubscriptionData) (*domain.ConversionResult, error)

	// ExtendTrial moves the expiry forward on behalf of an administrator.
	// Returns domain.ECONFLICT for used or converted trials.
	ExtendTrial(ctx context.Context, userID uuid.UUID, expiresAt time.Time, actor string) (*domain.TrialState, error)

	// ExpireTrials moves every overdue active trial to expired.
	ExpireTrials(ctx context.Context) ([]uuid.UUID, error)
}

// TrialConfig holds the defaults applied when a trial starts.
type TrialConfig struct {
	ReportsLimit int
	Duration     time.Duration
}

// =============================================================================
// Implementation
// =============================================================================

type trialService struct {
	trials        store.TrialStore
	subscriptions store.SubscriptionStore
	catalog       *catalog.Catalog
	funnel        FunnelRecorder
	cfg           TrialConfig
	logger        *slog.Logger
	now           func() time.Time
}

// NewTrialService creates a new TrialService.
func NewTrialService(
	trials store.TrialStore,
	subscriptions store.SubscriptionStore,
	cat *catalog.Catalog,
	funnel FunnelRecorder,
	cfg TrialConfig,
	logger *slog.Logger,
) TrialService {
	return &trialService{
		trials:        trials,
		subscriptions: subscriptions,
		catalog:       cat,
		funnel:        funnel,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}
}

// StartTrial creates the trial together with its registration record.
func (s *trialService) StartTrial(ctx context.Context, reg domain.Registration) (*domain.TrialState, error) {
	const op = "trial.start"

	if reg.UserID == uuid.Nil {
		return nil, domain.Invalid(op, "user_id is required")
	}
	if !strings.Contains(reg.Email, "@") {
		return nil, domain.Invalid(op, "a valid email is required")
	}

	now := s.now().UTC()
	reg.EmailDomain = domain.EmailDomain(reg.Email)
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = now
	}

	trial := &domain.TrialState{
		UserID:       reg.UserID,
		Status:       domain.TrialStatusActive,
		ReportsLimit: s.cfg.ReportsLimit,
		StartedAt:    now,
		ExpiresAt:    now.Add(s.cfg.Duration),
	}

	if err := s.trials.CreateTrial(ctx, trial, &reg); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, domain.Conflict(op, "a trial already exists for this user")
		}
		return nil, storeError(err, op, "failed to start trial")
	}

	metrics.TrialsStartedTotal.Inc()
	s.funnel.Record(ctx, reg.UserID, domain.FunnelTrialStarted, map[string]any{
		"reports_limit": trial.ReportsLimit,
		"expires_at":    trial.ExpiresAt,
		"email_domain":  reg.EmailDomain,
	})

	s.logger.Info("Trial started",
		"user_id", reg.UserID,
		"reports_limit", trial.ReportsLimit,
		"expires_at", trial.ExpiresAt,
	)
	return trial, nil
}

// GetTrial returns the user's trial.
func (s *trialService) GetTrial(ctx context.Context, userID uuid.UUID) (*domain.TrialState, error) {
	const op = "trial.get"

	t, err := s.trials.GetTrial(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NotFound(op, "trial", userID.String())
	}
	if err != nil {
		return nil, storeError(err, op, "failed to load trial")
	}
	return t, nil
}

// ValidateTrialRequest applies the trial rules in order: paid, converted,
// expired, remaining reports, used.
func (s *trialService) ValidateTrialRequest(ctx context.Context, userID uuid.UUID, claim domain.TierID, endpoint domain.EndpointID) (domain.Decision, error) {
	const op = "trial.validate"

	sub, err := resolveSubscription(ctx, s.subscriptions, s.catalog, s.logger, op, userID, claim)
	if err != nil {
		return domain.Decision{}, err
	}
	if sub.IsPaid() {
		d := domain.AllowUnlimited()
		d.TierID = sub.TierID
		return d, nil
	}

	t, err := s.trials.GetTrial(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return s.deny(userID, endpoint, domain.Deny(domain.DenialNoTrial)), nil
	}
	if err != nil {
		return domain.Decision{}, storeError(err, op, "failed to load trial")
	}

	// A transition lost to a concurrent writer leaves the row in a state this
	// call never saw. Re-read and decide again; the status only moves forward,
	// so a few rounds always settle.
	for attempt := 1; ; attempt++ {
		d, settled, err := s.decideTrial(ctx, sub, t, endpoint)
		if err != nil {
			return domain.Decision{}, storeError(err, op, "failed to advance trial")
		}
		if settled || attempt == maxTrialDecisionAttempts {
			return d, nil
		}
		t, err = s.trials.GetTrial(ctx, userID)
		if err != nil {
			return domain.Decision{}, storeError(err, op, "failed to reload trial")
		}
	}
}

// maxTrialDecisionAttempts bounds ValidateTrialRequest's re-reads. A trial
// changes status at most twice (active to used or expired, then converted).
const maxTrialDecisionAttempts = 3

// decideTrial evaluates one snapshot of the trial. settled is false when a
// required transition found the row already moved, in which case the
// decision must be taken again from a fresh read.
func (s *trialService) decideTrial(ctx context.Context, sub *domain.Subscription, t *domain.TrialState, endpoint domain.EndpointID) (domain.Decision, bool, error) {
	if t.Status == domain.TrialStatusConverted {
		d := domain.AllowUnlimited()
		d.Trial = t
		d.TierID = sub.EffectiveTier()
		return d, true, nil
	}

	now := s.now()
	if t.Status == domain.TrialStatusExpired || t.IsExpiredAt(now) {
		if t.Status == domain.TrialStatusActive {
			changed, err := s.transition(ctx, t, domain.TrialStatusExpired)
			if err != nil {
				return domain.Decision{}, false, err
			}
			if !changed {
				return domain.Decision{}, false, nil
			}
			s.funnel.Record(ctx, t.UserID, domain.FunnelTrialExpired, map[string]any{
				"reports_used": t.ReportsUsed,
			})
		}
		d := trialDecision(domain.Deny(domain.DenialTrialExpired), t)
		d.DaysSinceExpiry = t.DaysSinceExpiry(now)
		return s.deny(t.UserID, endpoint, d), true, nil
	}

	switch t.Status {
	case domain.TrialStatusActive:
		if t.Remaining() > 0 {
			return trialDecision(domain.Allow(t.ReportsUsed, t.ReportsLimit), t), true, nil
		}
		changed, err := s.transition(ctx, t, domain.TrialStatusUsed)
		if err != nil {
			return domain.Decision{}, false, err
		}
		if !changed {
			return domain.Decision{}, false, nil
		}
		return s.deny(t.UserID, endpoint, trialDecision(domain.Deny(domain.DenialTrialLimitReached), t)), true, nil
	default:
		return s.deny(t.UserID, endpoint, trialDecision(domain.Deny(domain.DenialTrialAlreadyUsed), t)), true, nil
	}
}

// RecordTrialUsage records the usage and emits the funnel events it caused.
func (s *trialService) RecordTrialUsage(ctx context.Context, userID uuid.UUID, endpoint domain.EndpointID, meta domain.UsageMetadata) (*domain.UsageResult, error) {
	const op = "trial.record_usage"

	result, err := s.trials.RecordTrialUsage(ctx, store.RecordParams{
		UserID:   userID,
		Endpoint: endpoint,
		Metadata: meta,
		At:       s.now(),
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NotFound(op, "trial", userID.String())
	}
	if err != nil {
		return nil, storeError(err, op, "failed to record trial usage")
	}

	if result.Gated {
		s.funnel.Record(ctx, userID, domain.FunnelTrialUsed, map[string]any{
			"endpoint":      endpoint,
			"reports_used":  result.NewUsed,
			"reports_limit": result.Limit,
		})
	}
	if result.LimitReached {
		s.funnel.Record(ctx, userID, domain.FunnelTrialLimitReached, map[string]any{
			"reports_used":  result.NewUsed,
			"reports_limit": result.Limit,
		})
	}
	if result.Overrun {
		metrics.TrialOverrunsTotal.Inc()
		s.logger.Warn("Trial usage recorded past the trial limit",
			"user_id", userID,
			"endpoint", endpoint,
			"trial_status", result.TrialStatus,
			"reports_used", result.NewUsed,
			"reports_limit", result.Limit,
		)
	}
	return result, nil
}

// ConvertTrial converts the trial to the purchased tier.
func (s *trialService) ConvertTrial(ctx context.Context, userID uuid.UUID, data domain.SubscriptionData) (*domain.ConversionResult, error) {
	const op = "trial.convert"

	tier, err := s.catalog.Tier(data.TierID)
	if err != nil {
		return nil, domain.Invalid(op, "unknown tier "+string(data.TierID))
	}
	if !tier.IsPaid() {
		return nil, domain.Invalid(op, "a trial can only convert to a paid tier")
	}

	result, err := s.trials.ConvertTrial(ctx, userID, data, s.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NotFound(op, "trial", userID.String())
	}
	if err != nil {
		return nil, storeError(err, op, "failed to convert trial")
	}

	if result.AlreadyConverted {
		s.logger.Info("Trial already converted", "user_id", userID, "tier", result.Conversion.TierID)
		return result, nil
	}

	conv := result.Conversion
	metrics.TrialConversionsTotal.WithLabelValues(string(conv.TierID)).Inc()
	s.funnel.Record(ctx, userID, domain.FunnelTrialConverted, map[string]any{
		"tier":                   conv.TierID,
		"reports_used":           conv.ReportsUsed,
		"reports_limit":          conv.ReportsLimit,
		"trial_duration_seconds": int64(conv.TrialDuration / time.Second),
	})

	s.logger.Info("Trial converted",
		"user_id", userID,
		"tier", conv.TierID,
		"reports_used", conv.ReportsUsed,
		"trial_duration", conv.TrialDuration,
	)
	return result, nil
}

// ExtendTrial moves expires_at forward. Only administrators call this.
func (s *trialService) ExtendTrial(ctx context.Context, userID uuid.UUID, expiresAt time.Time, actor string) (*domain.TrialState, error) {
	const op = "trial.extend"

	if actor == "" {
		return nil, domain.Invalid(op, "actor is required")
	}

	t, err := s.trials.ExtendTrial(ctx, userID, expiresAt.UTC())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, domain.NotFound(op, "trial", userID.String())
	case errors.Is(err, store.ErrInvalidTransition):
		return nil, domain.Wrap(err, domain.ECONFLICT, op, "trial cannot be extended")
	case err != nil:
		return nil, storeError(err, op, "failed to extend trial")
	}

	s.logger.Info("Trial extended",
		"user_id", userID,
		"expires_at", t.ExpiresAt,
		"actor", actor,
	)
	return t, nil
}

// ExpireTrials sweeps overdue active trials.
func (s *trialService) ExpireTrials(ctx context.Context) ([]uuid.UUID, error) {
	const op = "trial.expire"

	ids, err := s.trials.ExpireTrials(ctx, s.now())
	if err != nil {
		return nil, storeError(err, op, "failed to expire trials")
	}
	for _, id := range ids {
		s.funnel.Record(ctx, id, domain.FunnelTrialExpired, nil)
	}
	return ids, nil
}

// =============================================================================
// Helpers
// =============================================================================

// transition moves the trial conditionally and reports whether this call made
// the change. Losing the race to a concurrent request is not an error; t is
// left untouched so the caller can re-read the row.
func (s *trialService) transition(ctx context.Context, t *domain.TrialState, to domain.TrialStatus) (bool, error) {
	changed, err := s.trials.TransitionTrial(ctx, t.UserID, t.Status, to)
	if err != nil || !changed {
		return false, err
	}
	s.logger.Info("Trial transitioned", "user_id", t.UserID, "from", t.Status, "to", to)
	t.Status = to
	return true, nil
}

func (s *trialService) deny(userID uuid.UUID, endpoint domain.EndpointID, d domain.Decision) domain.Decision {
	metrics.TrialDenialsTotal.WithLabelValues(d.Code()).Inc()
	s.logger.Info("Trial request denied",
		"user_id", userID,
		"endpoint", endpoint,
		"error_code", d.Code(),
	)
	return d
}

func trialDecision(d domain.Decision, t *domain.TrialState) domain.Decision {
	d.Trial = t
	d.Used = t.ReportsUsed
	d.Limit = t.ReportsLimit
	d.TierID = domain.TierFree
	if d.Allowed {
		d.Remaining = t.Remaining()
	}
	return d
}
