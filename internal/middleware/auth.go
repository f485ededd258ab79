// Package middleware contains HTTP middleware for the riskquota gateway.
//
// Middleware functions follow the standard Go pattern of wrapping http.Handler.
// They are designed to be composed using a middleware stack approach.
package middleware

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/DukeRupert/riskquota/internal/auth"
	"github.com/DukeRupert/riskquota/internal/domain"
	"github.com/DukeRupert/riskquota/internal/handler"
)

// =============================================================================
// Identity Claims
// =============================================================================

// IdentityClaims are the claims the external authorizer puts in the bearer
// token.
type IdentityClaims struct {
	Email            string `json:"email"`
	SubscriptionTier string `json:"subscription_tier"`
	jwt.RegisteredClaims
}

// =============================================================================
// Identity Middleware
// =============================================================================

// IdentityMiddleware resolves the caller from an HS256 bearer token.
type IdentityMiddleware struct {
	secret []byte
	logger *slog.Logger
}

// NewIdentityMiddleware creates a new IdentityMiddleware.
func NewIdentityMiddleware(secret string, logger *slog.Logger) *IdentityMiddleware {
	return &IdentityMiddleware{
		secret: []byte(secret),
		logger: logger,
	}
}

// WithIdentity stores the caller in the request context when the request
// carries a valid bearer token. It never rejects a request: routes that need
// an identity are refused later by the enforcement middleware.
//
// The identity can be retrieved in handlers using:
//
//	id := auth.GetIdentityFromRequest(r)
func (m *IdentityMiddleware) WithIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		id, err := m.Parse(token)
		if err != nil {
			m.logger.Info("bearer token rejected",
				"path", r.URL.Path,
				"error", err,
			)
			next.ServeHTTP(w, r)
			return
		}

		stampUser(r, id.UserID)
		next.ServeHTTP(w, r.WithContext(auth.SetIdentity(r.Context(), id)))
	})
}

// Parse verifies a token and converts its claims to an Identity.
func (m *IdentityMiddleware) Parse(token string) (*domain.Identity, error) {
	claims := &IdentityClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("subject is not a user id: %w", err)
	}

	tier := domain.TierID(claims.SubscriptionTier)
	if tier == "" {
		tier = domain.TierFree
	}
	return &domain.Identity{
		UserID:           userID,
		Email:            claims.Email,
		SubscriptionTier: tier,
	}, nil
}

// RequireIdentity answers 401 when WithIdentity found no caller.
func (m *IdentityMiddleware) RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.GetIdentityFromRequest(r) == nil {
			handler.UnauthorizedResponse(w, r, m.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken returns the token of an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// =============================================================================
// Internal Token Middleware
// =============================================================================

// InternalTokenHeader carries the shared secret of service-to-service calls.
const InternalTokenHeader = "X-Internal-Token"

// RequireInternalToken guards the internal routes with a shared secret. With
// an empty token every request is refused.
func RequireInternalToken(token string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				handler.ErrorResponse(w, r, logger, domain.Forbidden("middleware.internal_token", "Internal API is disabled"))
				return
			}
			got := r.Header.Get(InternalTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				handler.UnauthorizedResponse(w, r, logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// Middleware Stack Helpers
// =============================================================================

// Stack composes multiple middleware functions into a single middleware.
//
// Middleware is applied in the order provided, meaning the first middleware
// in the slice is the outermost (runs first on request, last on response).
//
// Example:
//
//	stack := Stack(loggingMw.Handler, identityMw.WithIdentity)
//	mux.Handle("GET /api/usage", stack(usageHandler))
func Stack(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// Ensure middleware functions have correct signature
var (
	_ func(http.Handler) http.Handler = (&IdentityMiddleware{}).WithIdentity
	_ func(http.Handler) http.Handler = (&IdentityMiddleware{}).RequireIdentity
)
