// Package service contains the business logic layer.
//
// This file implements the quota evaluator: tier resolution, per-endpoint
// monthly quota checks and usage recording against the ledger.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/DukeRupert/riskquota/internal/catalog"
	"github.com/DukeRupert/riskquota/internal/domain"
	"github.com/DukeRupert/riskquota/internal/store"
	"github.com/google/uuid"
)

// =============================================================================
// Interface Definition
// =============================================================================

// QuotaService decides access to metered endpoints from a user's tier and
// ledger counters.
type QuotaService interface {
	// Subscription returns the user's subscription. When billing has no row
	// for the user the token's tier claim applies, if the catalog knows it.
	Subscription(ctx context.Context, userID uuid.UUID, claim domain.TierID) (*domain.Subscription, error)

	// TierFor returns the catalog tier that applies to a subscription.
	TierFor(sub *domain.Subscription) *domain.Tier

	// Evaluate resolves the user's tier from billing alone and checks the
	// endpoint quota.
	Evaluate(ctx context.Context, userID uuid.UUID, endpoint domain.EndpointID) (domain.Decision, error)

	// EvaluateTier checks the endpoint quota for an already resolved tier.
	// An endpoint missing from the tier is denied.
	EvaluateTier(ctx context.Context, userID uuid.UUID, tier *domain.Tier, endpoint domain.EndpointID) (domain.Decision, error)

	CheckFeature(tier *domain.Tier, feature domain.FeatureFlag) domain.Decision
	CheckDataSource(tier *domain.Tier, source domain.DataSourceID) domain.Decision
	CheckBatch(tier *domain.Tier, size int) domain.Decision

	// RecordUsage appends a usage event and increments the counter. It does
	// not refuse over-limit writes; the check happened before the handler ran.
	RecordUsage(ctx context.Context, userID uuid.UUID, tier *domain.Tier, endpoint domain.EndpointID, meta domain.UsageMetadata) (*domain.UsageResult, error)

	// Consume checks and records in one ledger transaction. It never lets a
	// counter pass its limit.
	Consume(ctx context.Context, userID uuid.UUID, tier *domain.Tier, endpoint domain.EndpointID, meta domain.UsageMetadata) (domain.Decision, *domain.UsageResult, error)

	// ResetPeriod zeroes a user's counters for the current period.
	ResetPeriod(ctx context.Context, userID uuid.UUID) (int64, error)

	// ResetAllPeriods zeroes every counter left over from a previous period.
	ResetAllPeriods(ctx context.Context) (int64, error)

	// Usage summarises the user's consumption for the current period.
	Usage(ctx context.Context, userID uuid.UUID, claim domain.TierID) (*UsageSummary, error)
}

// UsageSummary is the per-endpoint usage of one user in the current period.
type UsageSummary struct {
	UserID      uuid.UUID       `json:"user_id"`
	TierID      domain.TierID   `json:"tier"`
	PeriodStart time.Time       `json:"period_start"`
	ResetAt     time.Time       `json:"reset_at"`
	Endpoints   []EndpointUsage `json:"endpoints"`
}

// EndpointUsage is one line of a UsageSummary. Limit and Remaining are -1
// for unlimited endpoints.
type EndpointUsage struct {
	Endpoint  domain.EndpointID `json:"endpoint"`
	Used      int               `json:"used"`
	Limit     int               `json:"limit"`
	Remaining int               `json:"remaining"`
}

// =============================================================================
// Implementation
// =============================================================================

type quotaService struct {
	counters      store.CounterStore
	subscriptions store.SubscriptionStore
	catalog       *catalog.Catalog
	logger        *slog.Logger
	now           func() time.Time
}

// NewQuotaService creates a new QuotaService.
func NewQuotaService(counters store.CounterStore, subscriptions store.SubscriptionStore, cat *catalog.Catalog, logger *slog.Logger) QuotaService {
	return &quotaService{
		counters:      counters,
		subscriptions: subscriptions,
		catalog:       cat,
		logger:        logger,
		now:           time.Now,
	}
}

// Subscription returns the user's subscription row, or the claimed tier when
// there is none.
func (s *quotaService) Subscription(ctx context.Context, userID uuid.UUID, claim domain.TierID) (*domain.Subscription, error) {
	const op = "quota.subscription"
	return resolveSubscription(ctx, s.subscriptions, s.catalog, s.logger, op, userID, claim)
}

// TierFor returns the tier whose quotas apply to sub. A tier id missing from
// the catalog falls back to free.
func (s *quotaService) TierFor(sub *domain.Subscription) *domain.Tier {
	id := sub.EffectiveTier()
	tier, err := s.catalog.Tier(id)
	if err != nil {
		s.logger.Warn("Subscription references unknown tier, using free",
			"user_id", sub.UserID,
			"tier", id,
		)
		tier, _ = s.catalog.Tier(domain.TierFree)
	}
	return tier
}

// Evaluate resolves the user's tier and checks the endpoint quota.
func (s *quotaService) Evaluate(ctx context.Context, userID uuid.UUID, endpoint domain.EndpointID) (domain.Decision, error) {
	sub, err := s.Subscription(ctx, userID, "")
	if err != nil {
		return domain.Decision{}, err
	}
	return s.EvaluateTier(ctx, userID, s.TierFor(sub), endpoint)
}

// EvaluateTier checks used < limit for the endpoint in the current period.
func (s *quotaService) EvaluateTier(ctx context.Context, userID uuid.UUID, tier *domain.Tier, endpoint domain.EndpointID) (domain.Decision, error) {
	const op = "quota.evaluate"

	limit, ok := tier.Quota(endpoint)
	if !ok {
		s.logger.Warn("Endpoint has no quota in tier, denying",
			"user_id", userID,
			"tier", tier.ID,
			"endpoint", endpoint,
		)
		d := domain.Deny(domain.DenialUnknownEndpointQuota)
		d.TierID = tier.ID
		return d, nil
	}

	if limit == domain.Unlimited {
		d := domain.AllowUnlimited()
		d.TierID = tier.ID
		return d, nil
	}

	now := s.now()
	c, err := s.counters.GetCounters(ctx, userID, endpoint, now)
	if err != nil {
		return domain.Decision{}, storeError(err, op, "failed to read usage counters")
	}

	var d domain.Decision
	if c.Used < limit {
		d = domain.Allow(c.Used, limit)
	} else {
		d = quotaExceeded(c.Used, limit, now)
		s.logger.Info("Monthly quota exceeded",
			"user_id", userID,
			"tier", tier.ID,
			"endpoint", endpoint,
			"used", c.Used,
			"limit", limit,
		)
	}
	d.TierID = tier.ID
	return d, nil
}

// CheckFeature denies a feature the tier does not include.
func (s *quotaService) CheckFeature(tier *domain.Tier, feature domain.FeatureFlag) domain.Decision {
	if feature == "" || tier.HasFeature(feature) {
		return tierAllow(tier)
	}
	return tierDeny(tier, domain.DenialFeatureNotInTier)
}

// CheckDataSource denies a data source the tier cannot query.
func (s *quotaService) CheckDataSource(tier *domain.Tier, source domain.DataSourceID) domain.Decision {
	if source == "" || tier.AllowsDataSource(source) {
		return tierAllow(tier)
	}
	return tierDeny(tier, domain.DenialDataSourceNotInTier)
}

// CheckBatch denies a batch larger than the tier's maximum.
func (s *quotaService) CheckBatch(tier *domain.Tier, size int) domain.Decision {
	if size <= tier.MaxBatchSize {
		return tierAllow(tier)
	}
	d := tierDeny(tier, domain.DenialBatchTooLarge)
	d.Limit = tier.MaxBatchSize
	d.Used = size
	return d
}

// RecordUsage records one unit of consumption against the tier's quota.
func (s *quotaService) RecordUsage(ctx context.Context, userID uuid.UUID, tier *domain.Tier, endpoint domain.EndpointID, meta domain.UsageMetadata) (*domain.UsageResult, error) {
	const op = "quota.record_usage"

	limit, _ := tier.Quota(endpoint)
	result, err := s.counters.RecordUsage(ctx, store.RecordParams{
		UserID:   userID,
		Endpoint: endpoint,
		Limit:    limit,
		Metadata: meta,
		At:       s.now(),
	})
	if err != nil {
		return nil, storeError(err, op, "failed to record usage")
	}
	return result, nil
}

// Consume performs the quota check and the increment under the same row lock.
func (s *quotaService) Consume(ctx context.Context, userID uuid.UUID, tier *domain.Tier, endpoint domain.EndpointID, meta domain.UsageMetadata) (domain.Decision, *domain.UsageResult, error) {
	const op = "quota.consume"

	limit, ok := tier.Quota(endpoint)
	if !ok {
		d := domain.Deny(domain.DenialUnknownEndpointQuota)
		d.TierID = tier.ID
		return d, nil, nil
	}

	now := s.now()
	result, err := s.counters.RecordUsage(ctx, store.RecordParams{
		UserID:   userID,
		Endpoint: endpoint,
		Limit:    limit,
		Enforce:  true,
		Metadata: meta,
		At:       now,
	})
	if errors.Is(err, store.ErrQuotaExhausted) {
		d := quotaExceeded(limit, limit, now)
		d.TierID = tier.ID
		return d, nil, nil
	}
	if err != nil {
		return domain.Decision{}, nil, storeError(err, op, "failed to consume quota")
	}

	var d domain.Decision
	if limit == domain.Unlimited {
		d = domain.AllowUnlimited()
		d.Used = result.NewUsed
	} else {
		d = domain.Allow(result.NewUsed, limit)
	}
	d.TierID = tier.ID
	return d, result, nil
}

// ResetPeriod zeroes every counter of the user and stamps the current period.
func (s *quotaService) ResetPeriod(ctx context.Context, userID uuid.UUID) (int64, error) {
	const op = "quota.reset_period"

	n, err := s.counters.ResetPeriod(ctx, userID, domain.PeriodStart(s.now()))
	if err != nil {
		return 0, storeError(err, op, "failed to reset usage counters")
	}
	s.logger.Info("Usage counters reset", "user_id", userID, "counters", n)
	return n, nil
}

// ResetAllPeriods rolls every stale counter into the current period.
func (s *quotaService) ResetAllPeriods(ctx context.Context) (int64, error) {
	const op = "quota.reset_all_periods"

	n, err := s.counters.ResetAllPeriods(ctx, domain.PeriodStart(s.now()))
	if err != nil {
		return 0, storeError(err, op, "failed to reset usage counters")
	}
	return n, nil
}

// Usage summarises consumption for every endpoint the user's tier meters.
func (s *quotaService) Usage(ctx context.Context, userID uuid.UUID, claim domain.TierID) (*UsageSummary, error) {
	const op = "quota.usage"

	sub, err := s.Subscription(ctx, userID, claim)
	if err != nil {
		return nil, err
	}
	tier := s.TierFor(sub)

	now := s.now()
	counters, err := s.counters.ListCounters(ctx, userID, now)
	if err != nil {
		return nil, storeError(err, op, "failed to list usage counters")
	}

	summary := &UsageSummary{
		UserID:      userID,
		TierID:      tier.ID,
		PeriodStart: domain.PeriodStart(now),
		ResetAt:     domain.NextPeriodStart(now),
		Endpoints:   make([]EndpointUsage, 0, len(tier.MonthlyQuota)),
	}
	for _, endpoint := range s.catalog.Endpoints() {
		limit, ok := tier.Quota(endpoint)
		if !ok {
			continue
		}
		used := counters[endpoint].Used
		summary.Endpoints = append(summary.Endpoints, EndpointUsage{
			Endpoint:  endpoint,
			Used:      used,
			Limit:     limit,
			Remaining: store.RemainingAfter(used, limit),
		})
	}
	return summary, nil
}

// =============================================================================
// Helpers
// =============================================================================

func quotaExceeded(used, limit int, now time.Time) domain.Decision {
	d := domain.Deny(domain.DenialQuotaExceeded)
	d.Used = used
	d.Limit = limit
	d.ResetAt = domain.NextPeriodStart(now)
	return d
}

func tierAllow(tier *domain.Tier) domain.Decision {
	d := domain.AllowUnlimited()
	d.TierID = tier.ID
	return d
}

func tierDeny(tier *domain.Tier, reason domain.DenialReason) domain.Decision {
	d := domain.Deny(reason)
	d.TierID = tier.ID
	return d
}

// storeError maps ledger sentinels onto application errors.
// resolveSubscription loads the billing row. A user without one gets the
// token's claim when it names a catalog tier, and the free default otherwise.
func resolveSubscription(
	ctx context.Context,
	subs store.SubscriptionStore,
	cat *catalog.Catalog,
	logger *slog.Logger,
	op string,
	userID uuid.UUID,
	claim domain.TierID,
) (*domain.Subscription, error) {
	sub, err := subs.GetSubscription(ctx, userID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, storeError(err, op, "failed to load subscription")
	}
	if claim != "" {
		if _, err := cat.Tier(claim); err != nil {
			logger.Warn("Token claims unknown tier, using free",
				"user_id", userID,
				"tier", claim,
			)
			claim = domain.TierFree
		}
	}
	return domain.ClaimedSubscription(userID, claim), nil
}

func storeError(err error, op, message string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return domain.Wrap(err, domain.ENOTFOUND, op, message)
	case errors.Is(err, store.ErrAlreadyExists):
		return domain.Wrap(err, domain.ECONFLICT, op, message)
	case errors.Is(err, store.ErrInvalidTransition):
		return domain.Wrap(err, domain.ECONFLICT, op, message)
	case errors.Is(err, store.ErrLockTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.Unavailable(err, op, message)
	default:
		return domain.Internal(err, op, message)
	}
}
