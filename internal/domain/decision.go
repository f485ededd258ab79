package domain

import "time"

// DenialReason enumerates why a request was refused. DenialNone is the only
// value allowed on a permitted Decision.
type DenialReason int

const (
	DenialNone DenialReason = iota
	DenialAuthRequired
	DenialTrialExpired
	DenialTrialLimitReached
	DenialTrialAlreadyUsed
	DenialNoTrial
	DenialQuotaExceeded
	DenialUnknownEndpointQuota
	DenialFeatureNotInTier
	DenialDataSourceNotInTier
	DenialBatchTooLarge
)

// Code returns the stable error_code string used in denial responses.
func (r DenialReason) Code() string {
	switch r {
	case DenialNone:
		return ""
	case DenialAuthRequired:
		return "AUTH_REQUIRED"
	case DenialTrialExpired:
		return "TRIAL_EXPIRED"
	case DenialTrialLimitReached:
		return "TRIAL_LIMIT_REACHED"
	case DenialTrialAlreadyUsed:
		return "TRIAL_ALREADY_USED"
	case DenialNoTrial:
		return "NO_TRIAL"
	case DenialQuotaExceeded:
		return "QUOTA_EXCEEDED"
	case DenialUnknownEndpointQuota:
		return "UNKNOWN_ENDPOINT_QUOTA"
	case DenialFeatureNotInTier:
		return "FEATURE_NOT_AVAILABLE"
	case DenialDataSourceNotInTier:
		return "DATA_SOURCE_NOT_AVAILABLE"
	case DenialBatchTooLarge:
		return "BATCH_TOO_LARGE"
	}
	return "UNKNOWN"
}

// Message returns the human-readable explanation shown to the user.
func (r DenialReason) Message() string {
	switch r {
	case DenialNone:
		return ""
	case DenialAuthRequired:
		return "Authentication is required to use this endpoint."
	case DenialTrialExpired:
		return "Your free trial has expired. Upgrade to keep running risk assessments."
	case DenialTrialLimitReached:
		return "You have used all of your free trial reports."
	case DenialTrialAlreadyUsed:
		return "Your free trial has already been used."
	case DenialNoTrial:
		return "No trial exists for this account."
	case DenialQuotaExceeded:
		return "You have reached your monthly quota for this endpoint."
	case DenialUnknownEndpointQuota:
		return "This endpoint is not available on your plan."
	case DenialFeatureNotInTier:
		return "This feature is not included in your plan."
	case DenialDataSourceNotInTier:
		return "This data source is not included in your plan."
	case DenialBatchTooLarge:
		return "The batch size exceeds the limit for your plan."
	}
	return "Request denied."
}

// IsTrial reports whether the reason comes from the trial lifecycle.
func (r DenialReason) IsTrial() bool {
	switch r {
	case DenialTrialExpired, DenialTrialLimitReached, DenialTrialAlreadyUsed, DenialNoTrial:
		return true
	}
	return false
}

// Decision is the outcome of an access check. It is either allowed, with a
// remaining count (Unlimited for no limit), or denied with a reason.
type Decision struct {
	Allowed   bool
	Remaining int
	Limit     int
	Used      int
	Reason    DenialReason
	TierID    TierID

	// Set for trial decisions.
	Trial           *TrialState
	DaysSinceExpiry int

	// ResetAt is the start of the next quota period for monthly quotas.
	ResetAt time.Time
}

// Allow builds a permitting decision.
func Allow(used, limit int) Decision {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Used: used, Limit: limit, Remaining: remaining}
}

// AllowUnlimited builds a permitting decision with no limit.
func AllowUnlimited() Decision {
	return Decision{Allowed: true, Limit: Unlimited, Remaining: Unlimited}
}

// Deny builds a refusing decision.
func Deny(reason DenialReason) Decision {
	return Decision{Reason: reason}
}

// Code returns the decision's error code, empty when allowed.
func (d Decision) Code() string {
	return d.Reason.Code()
}
