package domain

import (
	"time"

	"github.com/google/uuid"
)

// FunnelEventType is a step of the trial-to-paid conversion funnel.
type FunnelEventType string

const (
	FunnelTrialStarted      FunnelEventType = "trial_started"
	FunnelTrialUsed         FunnelEventType = "trial_used"
	FunnelTrialLimitReached FunnelEventType = "trial_limit_reached"
	FunnelTrialExpired      FunnelEventType = "trial_expired"
	FunnelTrialConverted    FunnelEventType = "trial_converted"
)

// FunnelEvent is an analytics record of a funnel step.
type FunnelEvent struct {
	ID         uuid.UUID       `json:"event_id"`
	UserID     uuid.UUID       `json:"user_id"`
	Type       FunnelEventType `json:"event_type"`
	Properties map[string]any  `json:"properties,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
