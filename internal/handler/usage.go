// Package handler contains the JSON API handlers of the riskquota gateway.
//
// This file implements the caller-facing status endpoints.
//
// Routes:
//   - GET /api/usage -> Usage
//   - GET /api/trial -> Trial
package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/DukeRupert/riskquota/internal/auth"
	"github.com/DukeRupert/riskquota/internal/domain"
	"github.com/DukeRupert/riskquota/internal/service"
)

// UsageHandler reports the caller's own quota and trial state.
type UsageHandler struct {
	quota  service.QuotaService
	trials service.TrialService
	logger *slog.Logger
}

// NewUsageHandler creates a new UsageHandler.
func NewUsageHandler(quota service.QuotaService, trials service.TrialService, logger *slog.Logger) *UsageHandler {
	return &UsageHandler{
		quota:  quota,
		trials: trials,
		logger: logger,
	}
}

// RegisterRoutes registers the status routes behind requireIdentity.
func (h *UsageHandler) RegisterRoutes(mux *http.ServeMux, requireIdentity func(http.Handler) http.Handler) {
	mux.Handle("GET /api/usage", requireIdentity(http.HandlerFunc(h.Usage)))
	mux.Handle("GET /api/trial", requireIdentity(http.HandlerFunc(h.Trial)))
}

// TrialResponse is the JSON view of a trial.
type TrialResponse struct {
	UserID       string     `json:"user_id"`
	Status       string     `json:"status"`
	ReportsUsed  int        `json:"reports_used"`
	ReportsLimit int        `json:"reports_limit"`
	Remaining    int        `json:"reports_remaining"`
	StartedAt    time.Time  `json:"trial_started"`
	ExpiresAt    time.Time  `json:"expires_at"`
	ConvertedAt  *time.Time `json:"converted_at,omitempty"`
}

func newTrialResponse(t *domain.TrialState) TrialResponse {
	return TrialResponse{
		UserID:       t.UserID.String(),
		Status:       string(t.Status),
		ReportsUsed:  t.ReportsUsed,
		ReportsLimit: t.ReportsLimit,
		Remaining:    t.Remaining(),
		StartedAt:    t.StartedAt,
		ExpiresAt:    t.ExpiresAt,
		ConvertedAt:  t.ConvertedAt,
	}
}

// =============================================================================
// GET /api/usage
// =============================================================================

// Usage returns the per-endpoint usage of the current period.
func (h *UsageHandler) Usage(w http.ResponseWriter, r *http.Request) {
	id := auth.GetIdentityFromRequest(r)
	if id == nil {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	summary, err := h.quota.Usage(r.Context(), id.UserID, id.SubscriptionTier)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, summary)
}

// =============================================================================
// GET /api/trial
// =============================================================================

// Trial returns the caller's trial. Users who never had one get 404.
func (h *UsageHandler) Trial(w http.ResponseWriter, r *http.Request) {
	id := auth.GetIdentityFromRequest(r)
	if id == nil {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	t, err := h.trials.GetTrial(r.Context(), id.UserID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, newTrialResponse(t))
}
