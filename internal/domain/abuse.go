package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// IdentifierType is the kind of shared identifier an abuse check groups by.
type IdentifierType string

const (
	IdentifierIPAddress   IdentifierType = "ip_address"
	IdentifierEmailDomain IdentifierType = "email_domain"
)

// IsValid returns true if the identifier type is supported.
func (t IdentifierType) IsValid() bool {
	return t == IdentifierIPAddress || t == IdentifierEmailDomain
}

// RiskLevel buckets an abuse score.
type RiskLevel string

const (
	RiskLevelNone    RiskLevel = "none"
	RiskLevelLow     RiskLevel = "low"
	RiskLevelMedium  RiskLevel = "medium"
	RiskLevelHigh    RiskLevel = "high"
	RiskLevelUnknown RiskLevel = "unknown"
)

// AbuseAction is the action recommended to a moderation policy.
type AbuseAction string

const (
	ActionAllow               AbuseAction = "allow"
	ActionMonitorClosely      AbuseAction = "monitor_closely"
	ActionAddRateLimiting     AbuseAction = "add_rate_limiting"
	ActionRequireManualReview AbuseAction = "require_manual_review"
	ActionBlockImmediately    AbuseAction = "block_immediately"
)

// Abuse flags.
const (
	FlagMultipleUsersSameIP          = "multiple_users_same_ip"
	FlagExcessiveUsageSameIP         = "excessive_usage_same_ip"
	FlagBulkRegistrationDomain       = "bulk_registration_domain"
	FlagRapidSequentialRegistrations = "rapid_sequential_registrations"
)

// Scoring thresholds and weights.
const (
	AbuseWindow           = 30 * 24 * time.Hour
	RapidRegistrationSpan = 60 * time.Second

	maxUsersPerIP       = 5
	maxEventsPerIP      = 20
	maxUsersPerDomain   = 10
	maxUsersInRapidSpan = 2

	weightMultipleUsersIP = 50
	weightExcessiveUsage  = 30
	weightBulkDomain      = 40
	weightRapidSequence   = 60
	maxAbuseScore         = 100
)

// AbuseSignals are the aggregates an abuse check is scored from.
type AbuseSignals struct {
	UniqueUsersSharingIP     int
	UsageEventsFromIP        int
	UniqueUsersSharingDomain int
	RapidSequential          bool
}

// AbuseScore is the advisory result of an abuse check.
type AbuseScore struct {
	Identifier        string         `json:"identifier"`
	IdentifierType    IdentifierType `json:"identifier_type"`
	Score             int            `json:"score"`
	RiskLevel         RiskLevel      `json:"risk_level"`
	Flags             []string       `json:"flags"`
	RecommendedAction AbuseAction    `json:"recommended_action"`
	CheckedAt         time.Time      `json:"checked_at"`
}

// HasFlag reports whether the score carries a flag.
func (s *AbuseScore) HasFlag(flag string) bool {
	for _, f := range s.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// ScoreAbuse applies the additive scoring rules. The score is capped at 100.
func ScoreAbuse(sig AbuseSignals) (score int, flags []string) {
	flags = []string{}
	if sig.UniqueUsersSharingIP > maxUsersPerIP {
		score += weightMultipleUsersIP
		flags = append(flags, FlagMultipleUsersSameIP)
	}
	if sig.UsageEventsFromIP > maxEventsPerIP {
		score += weightExcessiveUsage
		flags = append(flags, FlagExcessiveUsageSameIP)
	}
	if sig.UniqueUsersSharingDomain > maxUsersPerDomain {
		score += weightBulkDomain
		flags = append(flags, FlagBulkRegistrationDomain)
	}
	if sig.RapidSequential {
		score += weightRapidSequence
		flags = append(flags, FlagRapidSequentialRegistrations)
	}
	if score > maxAbuseScore {
		score = maxAbuseScore
	}
	return score, flags
}

// RiskLevelFor maps a score to its risk level.
func RiskLevelFor(score int) RiskLevel {
	switch {
	case score >= 80:
		return RiskLevelHigh
	case score >= 50:
		return RiskLevelMedium
	case score >= 20:
		return RiskLevelLow
	default:
		return RiskLevelNone
	}
}

// ActionFor maps a score and its flags to a recommended action.
func ActionFor(score int, flags []string) AbuseAction {
	switch {
	case score >= 80:
		return ActionBlockImmediately
	case score >= 50:
		return ActionRequireManualReview
	}
	for _, f := range flags {
		if f == FlagRapidSequentialRegistrations {
			return ActionAddRateLimiting
		}
	}
	if score >= 20 {
		return ActionMonitorClosely
	}
	return ActionAllow
}

// HasRapidSequence reports whether any 60-second window contains
// registrations from more than two distinct users.
func HasRapidSequence(regs []Registration) bool {
	if len(regs) <= maxUsersInRapidSpan {
		return false
	}
	sorted := make([]Registration, len(regs))
	copy(sorted, regs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	counts := make(map[uuid.UUID]int)
	left := 0
	for right := range sorted {
		counts[sorted[right].UserID]++
		for sorted[right].CreatedAt.Sub(sorted[left].CreatedAt) > RapidRegistrationSpan {
			id := sorted[left].UserID
			counts[id]--
			if counts[id] == 0 {
				delete(counts, id)
			}
			left++
		}
		if len(counts) > maxUsersInRapidSpan {
			return true
		}
	}
	return false
}
