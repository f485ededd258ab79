package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/DukeRupert/riskquota/internal/domain"
	"github.com/DukeRupert/riskquota/internal/service"
)

// AdminHandler handles the operator endpoints.
type AdminHandler struct {
	abuse  service.AbuseService
	trials service.TrialService
	quota  service.QuotaService
	logger *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(
	abuse service.AbuseService,
	trials service.TrialService,
	quota service.QuotaService,
	logger *slog.Logger,
) *AdminHandler {
	return &AdminHandler{
		abuse:  abuse,
		trials: trials,
		quota:  quota,
		logger: logger,
	}
}

// RegisterRoutes registers admin routes with the provided middleware.
func (h *AdminHandler) RegisterRoutes(
	mux *http.ServeMux,
	requireAdmin func(http.Handler) http.Handler,
) {
	mux.Handle("GET /admin/abuse", requireAdmin(http.HandlerFunc(h.CheckAbuse)))
	mux.Handle("POST /admin/trials/{user_id}/extend", requireAdmin(http.HandlerFunc(h.ExtendTrial)))
	mux.Handle("POST /admin/users/{user_id}/reset", requireAdmin(http.HandlerFunc(h.ResetPeriod)))
}

// CheckAbuse scores an IP address or email domain.
//
//	GET /admin/abuse?type=ip_address&value=203.0.113.7
func (h *AdminHandler) CheckAbuse(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := domain.IdentifierType(q.Get("type"))
	if kind == "" {
		kind = domain.IdentifierIPAddress
	}

	score, err := h.abuse.CheckAbuse(r.Context(), q.Get("value"), kind)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, score)
}

// ExtendTrialRequest moves a trial's expiry.
type ExtendTrialRequest struct {
	ExpiresAt time.Time `json:"expires_at"`
	Actor     string    `json:"actor"`
}

// ExtendTrial sets a new expires_at on an active or expired trial.
func (h *AdminHandler) ExtendTrial(w http.ResponseWriter, r *http.Request) {
	const op = "handler.extend_trial"

	userID, err := uuid.Parse(r.PathValue("user_id"))
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "user_id must be a UUID"))
		return
	}

	var req ExtendTrialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if req.ExpiresAt.IsZero() {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "expires_at is required"))
		return
	}

	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		if user, _, ok := r.BasicAuth(); ok {
			actor = user
		}
	}

	t, err := h.trials.ExtendTrial(r.Context(), userID, req.ExpiresAt, actor)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, newTrialResponse(t))
}

// ResetResponse reports a period reset.
type ResetResponse struct {
	UserID          string `json:"user_id"`
	CountersCleared int64  `json:"counters_cleared"`
}

// ResetPeriod zeroes the user's counters for the current period.
func (h *AdminHandler) ResetPeriod(w http.ResponseWriter, r *http.Request) {
	const op = "handler.reset_period"

	userID, err := uuid.Parse(r.PathValue("user_id"))
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "user_id must be a UUID"))
		return
	}

	n, err := h.quota.ResetPeriod(r.Context(), userID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	h.logger.Info("Usage period reset by admin",
		"user_id", userID,
		"counters_cleared", n,
	)
	WriteJSON(w, http.StatusOK, ResetResponse{UserID: userID.String(), CountersCleared: n})
}
