// Package store defines the usage ledger contracts.
//
// Counter rows are the only mutable shared state in the engine. They change
// exclusively through RecordUsage and RecordTrialUsage, which append the usage
// event and bump the counter in one transaction.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/DukeRupert/riskquota/internal/domain"
)

var (
	ErrNotFound          = errors.New("store: not found")
	ErrAlreadyExists     = errors.New("store: already exists")
	ErrQuotaExhausted    = errors.New("store: quota exhausted")
	ErrLockTimeout       = errors.New("store: lock timeout")
	ErrInvalidTransition = errors.New("store: invalid trial transition")
)

// RecordParams describes one unit of consumption.
type RecordParams struct {
	UserID   uuid.UUID
	Endpoint domain.EndpointID
	// Limit in force at write time. Stored on the counter row.
	Limit int
	// Enforce refuses the write with ErrQuotaExhausted when used >= Limit
	// inside the locked transaction.
	Enforce  bool
	Metadata domain.UsageMetadata
	At       time.Time
}

// CounterStore owns the per-user, per-endpoint running counters.
type CounterStore interface {
	// GetCounters returns the counter for the period containing at. A missing
	// row or a row from an older period reads as zero used.
	GetCounters(ctx context.Context, userID uuid.UUID, endpoint domain.EndpointID, at time.Time) (domain.Counters, error)
	ListCounters(ctx context.Context, userID uuid.UUID, at time.Time) (map[domain.EndpointID]domain.Counters, error)

	// RecordUsage appends a usage event and increments the counter atomically.
	RecordUsage(ctx context.Context, p RecordParams) (*domain.UsageResult, error)

	// ResetPeriod zeroes every counter of a user and stamps it with period.
	ResetPeriod(ctx context.Context, userID uuid.UUID, period time.Time) (int64, error)
	// ResetAllPeriods zeroes counters whose period is older than period.
	ResetAllPeriods(ctx context.Context, period time.Time) (int64, error)
}

// TrialStore owns the trial rows and conversion records.
type TrialStore interface {
	CreateTrial(ctx context.Context, trial *domain.TrialState, reg *domain.Registration) error
	GetTrial(ctx context.Context, userID uuid.UUID) (*domain.TrialState, error)

	// TransitionTrial moves the trial from one status to another only if it is
	// still in from. It reports whether this call performed the transition.
	TransitionTrial(ctx context.Context, userID uuid.UUID, from, to domain.TrialStatus) (bool, error)

	// RecordTrialUsage records a trial-endpoint usage event and advances the
	// trial counter in the same transaction.
	RecordTrialUsage(ctx context.Context, p RecordParams) (*domain.UsageResult, error)

	// ConvertTrial marks the trial converted, snapshots it into a conversion
	// record and activates the subscription. A second call returns the stored
	// record with AlreadyConverted set.
	ConvertTrial(ctx context.Context, userID uuid.UUID, data domain.SubscriptionData, at time.Time) (*domain.ConversionResult, error)

	// ExtendTrial moves expires_at forward and reactivates an expired trial.
	ExtendTrial(ctx context.Context, userID uuid.UUID, expiresAt time.Time) (*domain.TrialState, error)

	// ExpireTrials moves every active trial past its expiry to expired.
	ExpireTrials(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// SubscriptionStore reads subscription rows owned by billing.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error)
}

// AnalyticsStore serves the aggregate reads behind abuse detection and
// archival.
type AnalyticsStore interface {
	// CountUsersByIP counts distinct users that registered from, or recorded
	// usage from, ip since the given time.
	CountUsersByIP(ctx context.Context, ip string, since time.Time) (int, error)
	CountEventsByIP(ctx context.Context, ip string, since time.Time) (int, error)
	CountUsersByEmailDomain(ctx context.Context, emailDomain string, since time.Time) (int, error)
	ListRegistrations(ctx context.Context, kind domain.IdentifierType, value string, since time.Time) ([]domain.Registration, error)

	// ListUsageEvents returns events created in [from, to), oldest first.
	ListUsageEvents(ctx context.Context, from, to time.Time) ([]domain.UsageEvent, error)
	// PurgeUsageEvents deletes events created before the given time.
	PurgeUsageEvents(ctx context.Context, before time.Time) (int64, error)
}

// FunnelStore persists funnel events.
type FunnelStore interface {
	InsertFunnelEvent(ctx context.Context, e *domain.FunnelEvent) error
}

// CatalogStore mirrors the tier catalog for SQL analytics.
type CatalogStore interface {
	SyncTiers(ctx context.Context, tiers []*domain.Tier) error
}

// Store is the full ledger.
type Store interface {
	CounterStore
	TrialStore
	SubscriptionStore
	AnalyticsStore
	FunnelStore
	CatalogStore
	Ping(ctx context.Context) error
}
