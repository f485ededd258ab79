package store

import (
	"fmt"
	"time"

	"github.com/DukeRupert/riskquota/internal/domain"
)

// TrialUsage is the effect of one recorded usage on a locked trial row.
type TrialUsage struct {
	// Gated is true when the usage consumed a trial report.
	Gated bool
	// LimitReached is true when this usage flipped the trial to used.
	LimitReached bool
	// Overrun is true when usage was recorded although the trial no longer
	// had reports left.
	Overrun bool
}

// ApplyTrialUsage advances a locked trial row for one usage event.
//
// reports_used only moves while the trial is active and never passes
// reports_limit once the trial leaves active. Both ledger implementations
// call this inside their write critical section.
func ApplyTrialUsage(t *domain.TrialState) TrialUsage {
	switch t.Status {
	case domain.TrialStatusActive:
		if t.ReportsUsed >= t.ReportsLimit {
			t.Status = domain.TrialStatusUsed
			return TrialUsage{Overrun: true, LimitReached: true}
		}
		t.ReportsUsed++
		u := TrialUsage{Gated: true}
		if t.ReportsUsed >= t.ReportsLimit {
			t.Status = domain.TrialStatusUsed
			u.LimitReached = true
		}
		return u
	case domain.TrialStatusUsed, domain.TrialStatusExpired:
		return TrialUsage{Overrun: true}
	default:
		return TrialUsage{}
	}
}

// TrialUsageResult builds the result of a trial usage write.
func TrialUsageResult(t *domain.TrialState, u TrialUsage) *domain.UsageResult {
	r := &domain.UsageResult{
		NewUsed:      t.ReportsUsed,
		Limit:        t.ReportsLimit,
		Remaining:    t.Remaining(),
		TrialStatus:  t.Status,
		Gated:        u.Gated,
		LimitReached: u.LimitReached,
		Overrun:      u.Overrun,
	}
	if t.Status == domain.TrialStatusConverted {
		r.Remaining = domain.Unlimited
	}
	return r
}

// NewConversion snapshots the trial as it stands at conversion time.
func NewConversion(t *domain.TrialState, data domain.SubscriptionData, at time.Time) domain.TrialConversion {
	return domain.TrialConversion{
		UserID:         t.UserID,
		TierID:         data.TierID,
		SubscriptionID: data.SubscriptionID,
		ReportsUsed:    t.ReportsUsed,
		ReportsLimit:   t.ReportsLimit,
		TrialStartedAt: t.StartedAt,
		TrialDuration:  at.Sub(t.StartedAt),
		ConvertedAt:    at,
	}
}

// RemainingAfter returns what is left of a counter limit after used.
func RemainingAfter(used, limit int) int {
	if limit == domain.Unlimited {
		return domain.Unlimited
	}
	if r := limit - used; r > 0 {
		return r
	}
	return 0
}

// CheckExtension reports whether a trial may have its expiry moved to
// expiresAt. Only active and expired trials can be extended, and only forward.
func CheckExtension(t *domain.TrialState, expiresAt time.Time) error {
	switch t.Status {
	case domain.TrialStatusActive, domain.TrialStatusExpired:
	default:
		return fmt.Errorf("%w: cannot extend %s trial", ErrInvalidTransition, t.Status)
	}
	if !expiresAt.After(t.ExpiresAt) {
		return fmt.Errorf("%w: new expiry must be after %s", ErrInvalidTransition, t.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
