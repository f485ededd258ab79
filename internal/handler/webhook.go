// Package handler contains the JSON API handlers of the riskquota gateway.
//
// This file implements the internal trial endpoints called by the
// registration and billing services.
//
// Routes:
//   - POST /internal/trials                    -> StartTrial
//   - POST /internal/trials/{user_id}/convert  -> ConvertTrial
//
// These routes are not reachable with a user token. Authentication is the
// shared X-Internal-Token secret.
package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/DukeRupert/riskquota/internal/domain"
	"github.com/DukeRupert/riskquota/internal/service"
)

// InternalHandler handles service-to-service trial events.
type InternalHandler struct {
	trials service.TrialService
	logger *slog.Logger
}

// NewInternalHandler creates a new InternalHandler.
func NewInternalHandler(trials service.TrialService, logger *slog.Logger) *InternalHandler {
	return &InternalHandler{
		trials: trials,
		logger: logger,
	}
}

// RegisterRoutes registers the internal routes behind requireToken.
func (h *InternalHandler) RegisterRoutes(mux *http.ServeMux, requireToken func(http.Handler) http.Handler) {
	mux.Handle("POST /internal/trials", requireToken(http.HandlerFunc(h.StartTrial)))
	mux.Handle("POST /internal/trials/{user_id}/convert", requireToken(http.HandlerFunc(h.ConvertTrial)))
}

// =============================================================================
// POST /internal/trials
// =============================================================================

// StartTrialRequest is sent by the registration service after sign-up.
type StartTrialRequest struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	IPAddress string `json:"ip_address"`
}

// StartTrial creates the trial and registration record of a new user.
func (h *InternalHandler) StartTrial(w http.ResponseWriter, r *http.Request) {
	const op = "handler.start_trial"

	var req StartTrialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	userID, err := uuid.Parse(strings.TrimSpace(req.UserID))
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "user_id must be a UUID"))
		return
	}

	t, err := h.trials.StartTrial(r.Context(), domain.Registration{
		UserID:    userID,
		Email:     strings.TrimSpace(req.Email),
		IPAddress: strings.TrimSpace(req.IPAddress),
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, newTrialResponse(t))
}

// =============================================================================
// POST /internal/trials/{user_id}/convert
// =============================================================================

// ConvertTrialRequest is sent by the billing service after checkout.
type ConvertTrialRequest struct {
	Tier           string `json:"tier"`
	SubscriptionID string `json:"subscription_id"`
}

// ConversionResponse is the JSON view of a conversion.
type ConversionResponse struct {
	UserID           string `json:"user_id"`
	Tier             string `json:"tier"`
	SubscriptionID   string `json:"subscription_id,omitempty"`
	ReportsUsed      int    `json:"reports_used"`
	ReportsLimit     int    `json:"reports_limit"`
	TrialDurationSec int64  `json:"trial_duration_seconds"`
	AlreadyConverted bool   `json:"already_converted"`
}

// ConvertTrial converts the user's trial to the purchased tier. Repeating the
// call returns the first conversion unchanged.
func (h *InternalHandler) ConvertTrial(w http.ResponseWriter, r *http.Request) {
	const op = "handler.convert_trial"

	userID, err := uuid.Parse(r.PathValue("user_id"))
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "user_id must be a UUID"))
		return
	}

	var req ConvertTrialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	res, err := h.trials.ConvertTrial(r.Context(), userID, domain.SubscriptionData{
		TierID:         domain.TierID(strings.TrimSpace(req.Tier)),
		SubscriptionID: req.SubscriptionID,
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	conv := res.Conversion
	status := http.StatusCreated
	if res.AlreadyConverted {
		status = http.StatusOK
	}
	WriteJSON(w, status, ConversionResponse{
		UserID:           userID.String(),
		Tier:             string(conv.TierID),
		SubscriptionID:   conv.SubscriptionID,
		ReportsUsed:      conv.ReportsUsed,
		ReportsLimit:     conv.ReportsLimit,
		TrialDurationSec: int64(conv.TrialDuration.Seconds()),
		AlreadyConverted: res.AlreadyConverted,
	})
}
