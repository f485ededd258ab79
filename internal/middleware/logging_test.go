package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/DukeRupert/riskquota/internal/domain"
)

// =============================================================================
// Request Logging Middleware Tests
// =============================================================================

func serveLogged(t *testing.T, status int, req *http.Request) (string, *httptest.ResponseRecorder) {
	t.Helper()
	var buf bytes.Buffer
	mw := NewRequestLoggingMiddleware(slog.New(slog.NewTextHandler(&buf, nil)))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	rec := httptest.NewRecorder()
	mw.Handler(handler).ServeHTTP(rec, req)
	return buf.String(), rec
}

func TestRequestLoggingMiddleware_LogsBasicInfo(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/geocode", nil)
	req.RemoteAddr = "10.0.0.1:8080"
	req.Header.Set("X-Forwarded-For", "203.0.113.195")
	req.Header.Set("User-Agent", "riskquota-test/1.0")

	logOutput, _ := serveLogged(t, http.StatusOK, req)

	for _, want := range []string{"GET", "/api/geocode", "status=200", "duration_ms", "bytes=11", "203.0.113.195", "riskquota-test/1.0"} {
		if !strings.Contains(logOutput, want) {
			t.Errorf("log should contain %q, got: %s", want, logOutput)
		}
	}
}

func TestRequestLoggingMiddleware_LogsErrorStatusAtWarn(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/risk-assessment", nil)

	logOutput, _ := serveLogged(t, http.StatusBadGateway, req)

	if !strings.Contains(logOutput, "502") {
		t.Errorf("log should contain 502 status, got: %s", logOutput)
	}
	if !strings.Contains(logOutput, "level=WARN") {
		t.Errorf("5xx should log at WARN level, got: %s", logOutput)
	}
}

func TestRequestLoggingMiddleware_RedactsSensitiveQueryParams(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/geocode?address=1+Main+St&api_key=secretkey123", nil)

	logOutput, _ := serveLogged(t, http.StatusOK, req)

	if strings.Contains(logOutput, "secretkey123") {
		t.Errorf("log should NOT contain the api key, got: %s", logOutput)
	}
	if !strings.Contains(logOutput, "api_key=[REDACTED]") {
		t.Errorf("log should contain the redacted parameter, got: %s", logOutput)
	}
}

func TestRequestLoggingMiddleware_RequestID(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/usage", nil)
	req.Header.Set(RequestIDHeader, "req-123")

	logOutput, rec := serveLogged(t, http.StatusOK, req)
	if got := rec.Header().Get(RequestIDHeader); got != "req-123" {
		t.Errorf("expected request id to be echoed, got %q", got)
	}
	if !strings.Contains(logOutput, "request_id=req-123") {
		t.Errorf("log should contain request id, got: %s", logOutput)
	}

	_, rec = serveLogged(t, http.StatusOK, httptest.NewRequest("GET", "/api/usage", nil))
	if _, err := uuid.Parse(rec.Header().Get(RequestIDHeader)); err != nil {
		t.Errorf("expected a generated uuid request id, got %q", rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestLoggingMiddleware_LogsCaller(t *testing.T) {
	var buf bytes.Buffer
	logging := NewRequestLoggingMiddleware(slog.New(slog.NewTextHandler(&buf, nil)))
	identity := NewIdentityMiddleware(testSecret, discardLogger())

	var seen *domain.Identity
	mux := http.NewServeMux()
	mux.Handle("GET /api/trial", identity.WithIdentity(captureIdentity(&seen)))
	root := logging.Handler(mux)

	userID := uuid.New()
	req := httptest.NewRequest("GET", "/api/trial", nil)
	req.Header.Set("Authorization", "Bearer "+signTestToken(t, testSecret, domain.Identity{UserID: userID}, time.Hour))
	root.ServeHTTP(httptest.NewRecorder(), req)

	if seen == nil || seen.UserID != userID {
		t.Fatalf("expected the route to see the caller, got %+v", seen)
	}
	if !strings.Contains(buf.String(), "user_id="+userID.String()) {
		t.Errorf("log should contain the caller, got: %s", buf.String())
	}

	buf.Reset()
	root.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/trial", nil))
	if strings.Contains(buf.String(), "user_id=") {
		t.Errorf("anonymous request should not log a caller, got: %s", buf.String())
	}
}

func TestRequestLoggingMiddleware_SkipsNoisyPaths(t *testing.T) {
	for _, path := range []string{"/health", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			logOutput, rec := serveLogged(t, http.StatusOK, httptest.NewRequest("GET", path, nil))
			if logOutput != "" {
				t.Errorf("%s should not be logged, got: %s", path, logOutput)
			}
			if rec.Code != http.StatusOK {
				t.Errorf("expected status 200, got %d", rec.Code)
			}
		})
	}
}
