package domain

import (
	"time"

	"github.com/google/uuid"
)

// TrialStatus is the lifecycle state of a user's trial.
type TrialStatus string

const (
	TrialStatusActive    TrialStatus = "active"
	TrialStatusUsed      TrialStatus = "used"
	TrialStatusExpired   TrialStatus = "expired"
	TrialStatusConverted TrialStatus = "converted"
)

// IsValid returns true if the status is a known trial status.
func (s TrialStatus) IsValid() bool {
	switch s {
	case TrialStatusActive, TrialStatusUsed, TrialStatusExpired, TrialStatusConverted:
		return true
	}
	return false
}

// trialTransitions lists every legal edge of the trial state machine.
// converted has no outgoing edges.
var trialTransitions = map[TrialStatus][]TrialStatus{
	TrialStatusActive:    {TrialStatusUsed, TrialStatusExpired, TrialStatusConverted},
	TrialStatusUsed:      {TrialStatusConverted},
	TrialStatusExpired:   {TrialStatusConverted},
	TrialStatusConverted: {},
}

// CanTransitionTo returns true if the trial may move from s to next.
func (s TrialStatus) CanTransitionTo(next TrialStatus) bool {
	for _, allowed := range trialTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TrialState is the per-user trial row.
type TrialState struct {
	UserID       uuid.UUID
	Status       TrialStatus
	ReportsUsed  int
	ReportsLimit int
	StartedAt    time.Time
	ExpiresAt    time.Time
	ConvertedAt  *time.Time
}

// TransitionTo moves the trial to next, or returns a conflict error and leaves
// the status unchanged.
func (t *TrialState) TransitionTo(next TrialStatus) error {
	if !t.Status.CanTransitionTo(next) {
		return Errorf(ECONFLICT, "trial.transition", "cannot transition trial from %s to %s", t.Status, next)
	}
	t.Status = next
	return nil
}

// Remaining returns the number of trial reports left, never negative.
func (t *TrialState) Remaining() int {
	if r := t.ReportsLimit - t.ReportsUsed; r > 0 {
		return r
	}
	return 0
}

// IsExpiredAt reports whether the trial window has passed at now.
func (t *TrialState) IsExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// DaysSinceExpiry returns whole days elapsed since ExpiresAt, or 0 if the
// trial has not expired yet.
func (t *TrialState) DaysSinceExpiry(now time.Time) int {
	if !now.After(t.ExpiresAt) {
		return 0
	}
	return int(now.Sub(t.ExpiresAt) / (24 * time.Hour))
}

// Registration is the sign-up record written together with a new trial.
type Registration struct {
	UserID      uuid.UUID
	Email       string
	EmailDomain string
	IPAddress   string
	CreatedAt   time.Time
}

// SubscriptionData describes the purchase that converts a trial.
type SubscriptionData struct {
	TierID         TierID
	SubscriptionID string
}

// TrialConversion is the trial-usage snapshot captured at conversion time.
type TrialConversion struct {
	UserID         uuid.UUID
	TierID         TierID
	SubscriptionID string
	ReportsUsed    int
	ReportsLimit   int
	TrialStartedAt time.Time
	TrialDuration  time.Duration
	ConvertedAt    time.Time
}

// ConversionResult is returned by a trial conversion.
type ConversionResult struct {
	Conversion       TrialConversion
	AlreadyConverted bool
}
