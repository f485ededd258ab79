// Package auth provides request identity helpers.
//
// This package is imported by both middleware and handler packages without
// causing import cycles.
package auth

import (
	"context"
	"net/http"

	"github.com/DukeRupert/riskquota/internal/domain"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// identityContextKey is the key used to store the caller identity in context.
	identityContextKey contextKey = "identity"
)

// GetIdentity retrieves the authenticated caller from the context.
//
// Returns nil if the request carried no valid identity.
//
// Usage:
//
//	id := auth.GetIdentity(r.Context())
//	if id == nil {
//	    // Handle unauthenticated request
//	}
func GetIdentity(ctx context.Context) *domain.Identity {
	id, ok := ctx.Value(identityContextKey).(*domain.Identity)
	if !ok {
		return nil
	}
	return id
}

// GetIdentityFromRequest retrieves the caller from the request context.
func GetIdentityFromRequest(r *http.Request) *domain.Identity {
	return GetIdentity(r.Context())
}

// SetIdentity stores the caller in the context. Called by the identity
// middleware after the bearer token validates.
func SetIdentity(ctx context.Context, id *domain.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}
