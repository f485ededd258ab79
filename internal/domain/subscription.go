package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus represents the billing state of a user's subscription.
// The billing subsystem owns it; the engine only writes it on conversion.
type SubscriptionStatus string

const (
	SubscriptionStatusInactive SubscriptionStatus = "inactive"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
)

// Subscription is the per-user subscription record.
type Subscription struct {
	UserID         uuid.UUID
	TierID         TierID
	Status         SubscriptionStatus
	SubscriptionID string
	UpdatedAt      time.Time
}

// DefaultSubscription is what a user without a subscription row has.
func DefaultSubscription(userID uuid.UUID) *Subscription {
	return &Subscription{
		UserID: userID,
		TierID: TierFree,
		Status: SubscriptionStatusInactive,
	}
}

// ClaimedSubscription is the subscription asserted by the caller's token for a
// user billing has no row for. An empty or free claim is the default.
func ClaimedSubscription(userID uuid.UUID, claim TierID) *Subscription {
	if claim == "" || claim == TierFree {
		return DefaultSubscription(userID)
	}
	return &Subscription{
		UserID: userID,
		TierID: claim,
		Status: SubscriptionStatusActive,
	}
}

// IsPaid returns true for an active subscription on a tier other than free.
// Trial enforcement is bypassed for paid subscriptions.
func (s *Subscription) IsPaid() bool {
	return s.Status == SubscriptionStatusActive && s.TierID != TierFree
}

// EffectiveTier returns the tier whose quotas apply. Anything other than an
// active subscription is evaluated as free.
func (s *Subscription) EffectiveTier() TierID {
	if s.Status == SubscriptionStatusActive && s.TierID != "" {
		return s.TierID
	}
	return TierFree
}

// Identity is the authenticated caller, as asserted by the external authorizer.
type Identity struct {
	UserID           uuid.UUID
	Email            string
	SubscriptionTier TierID
}

// EmailDomain returns the lower-cased domain part of the identity's email.
func (i *Identity) EmailDomain() string {
	return EmailDomain(i.Email)
}

// EmailDomain extracts the lower-cased domain from an email address or returns
// the input lower-cased when it carries no "@".
func EmailDomain(email string) string {
	email = strings.TrimSpace(strings.ToLower(email))
	if at := strings.LastIndex(email, "@"); at >= 0 {
		return email[at+1:]
	}
	return email
}
