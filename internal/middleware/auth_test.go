package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/DukeRupert/riskquota/internal/auth"
	"github.com/DukeRupert/riskquota/internal/domain"
)

const testSecret = "test-signing-secret"

func signTestToken(t *testing.T, secret string, id domain.Identity, expiresIn time.Duration) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, IdentityClaims{
		Email:            id.Email,
		SubscriptionTier: string(id.SubscriptionTier),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		},
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

// captureIdentity records the identity the wrapped handler saw.
func captureIdentity(got **domain.Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = auth.GetIdentityFromRequest(r)
		w.WriteHeader(http.StatusOK)
	})
}

// =============================================================================
// WithIdentity Tests
// =============================================================================

func TestWithIdentity_ValidToken(t *testing.T) {
	mw := NewIdentityMiddleware(testSecret, discardLogger())
	want := domain.Identity{UserID: uuid.New(), Email: "ana@example.com", SubscriptionTier: domain.TierPremium}

	req := httptest.NewRequest("GET", "/api/usage", nil)
	req.Header.Set("Authorization", "Bearer "+signTestToken(t, testSecret, want, time.Hour))
	rec := httptest.NewRecorder()

	var got *domain.Identity
	mw.WithIdentity(captureIdentity(&got)).ServeHTTP(rec, req)

	if got == nil {
		t.Fatal("identity not set in context")
	}
	if *got != want {
		t.Errorf("identity = %+v, want %+v", *got, want)
	}
}

func TestWithIdentity_MissingTierDefaultsToFree(t *testing.T) {
	mw := NewIdentityMiddleware(testSecret, discardLogger())
	token := signTestToken(t, testSecret, domain.Identity{UserID: uuid.New()}, time.Hour)

	id, err := mw.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id.SubscriptionTier != domain.TierFree {
		t.Errorf("tier = %q, want %q", id.SubscriptionTier, domain.TierFree)
	}
}

func TestWithIdentity_RejectedTokensStayAnonymous(t *testing.T) {
	id := domain.Identity{UserID: uuid.New(), Email: "ana@example.com"}

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": id.UserID.String(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}

	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"not bearer", "Basic YWRtaW46c2VjcmV0"},
		{"garbage", "Bearer not-a-jwt"},
		{"wrong secret", "Bearer " + signTestToken(t, "other-secret", id, time.Hour)},
		{"expired", "Bearer " + signTestToken(t, testSecret, id, -time.Minute)},
		{"alg none", "Bearer " + noneToken},
		{"subject not a uuid", "Bearer " + badSubject},
	}

	mw := NewIdentityMiddleware(testSecret, discardLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/usage", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			var got *domain.Identity
			mw.WithIdentity(captureIdentity(&got)).ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if got != nil {
				t.Errorf("identity = %+v, want none", got)
			}
		})
	}
}

func TestBearerToken_CaseInsensitiveScheme(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "bearer abc.def.ghi")
	if got := bearerToken(req); got != "abc.def.ghi" {
		t.Errorf("bearerToken() = %q, want %q", got, "abc.def.ghi")
	}
}

// =============================================================================
// RequireIdentity Tests
// =============================================================================

func TestRequireIdentity(t *testing.T) {
	mw := NewIdentityMiddleware(testSecret, discardLogger())
	wrapped := mw.WithIdentity(mw.RequireIdentity(okHandler()))

	t.Run("anonymous", func(t *testing.T) {
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/api/trial", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})

	t.Run("authenticated", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/trial", nil)
		req.Header.Set("Authorization", "Bearer "+signTestToken(t, testSecret, domain.Identity{UserID: uuid.New()}, time.Hour))
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
		}
	})
}

// =============================================================================
// RequireInternalToken Tests
// =============================================================================

func TestRequireInternalToken(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		sent       string
		wantCode   int
	}{
		{"disabled", "", "anything", http.StatusForbidden},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"wrong token", "s3cret", "guess", http.StatusUnauthorized},
		{"valid token", "s3cret", "s3cret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := RequireInternalToken(tt.configured, discardLogger())(okHandler())
			req := httptest.NewRequest("POST", "/internal/trials", nil)
			if tt.sent != "" {
				req.Header.Set(InternalTokenHeader, tt.sent)
			}
			rec := httptest.NewRecorder()
			wrapped.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

// =============================================================================
// Stack Tests
// =============================================================================

func TestStack_Order(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Stack(mark("outer"), mark("inner"))(okHandler())
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Errorf("order = %v, want [outer inner]", order)
	}
}
