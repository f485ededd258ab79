package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

func TestBasicAuthMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		pass     string
		setAuth  bool
		wantCode int
	}{
		{"valid credentials", "admin", "secret123", true, http.StatusOK},
		{"no credentials", "", "", false, http.StatusUnauthorized},
		{"wrong username", "root", "secret123", true, http.StatusUnauthorized},
		{"wrong password", "admin", "guess", true, http.StatusUnauthorized},
	}

	mw := NewBasicAuthMiddleware("admin", "admin", "secret123")
	wrapped := mw.Handler(okHandler())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin/abuse", nil)
			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			wrapped.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, rec.Code)
			}
			if tt.wantCode == http.StatusUnauthorized {
				if got := rec.Header().Get("WWW-Authenticate"); got != `Basic realm="admin"` {
					t.Errorf("unexpected WWW-Authenticate header: %q", got)
				}
			}
		})
	}
}

func TestBasicAuthMiddleware_DisabledPassesThrough(t *testing.T) {
	mw := NewBasicAuthMiddleware("metrics", "", "")
	if mw.Enabled() {
		t.Fatal("expected middleware to be disabled")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	mw.Handler(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}
