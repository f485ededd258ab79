// Package jobs contains the maintenance jobs run by the worker.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/DukeRupert/riskquota/internal/service"
	"github.com/DukeRupert/riskquota/internal/worker"
)

// ExpireTrialsHandler moves active trials past their expiry to expired.
// Requests already expire trials lazily; the sweep makes the state visible to
// reporting for users who never come back.
type ExpireTrialsHandler struct {
	trials   service.TrialService
	interval time.Duration
	logger   *slog.Logger
}

// NewExpireTrialsHandler creates a new handler for the trial expiry sweep.
func NewExpireTrialsHandler(trials service.TrialService, interval time.Duration, logger *slog.Logger) *ExpireTrialsHandler {
	return &ExpireTrialsHandler{
		trials:   trials,
		interval: interval,
		logger:   logger,
	}
}

// Type returns the job type identifier.
func (h *ExpireTrialsHandler) Type() string {
	return worker.JobTypeExpireTrials
}

// Interval returns how often the sweep runs.
func (h *ExpireTrialsHandler) Interval() time.Duration {
	return h.interval
}

// Handle runs one sweep.
func (h *ExpireTrialsHandler) Handle(ctx context.Context) (int64, error) {
	ids, err := h.trials.ExpireTrials(ctx)
	if err != nil {
		return 0, fmt.Errorf("expire trials: %w", err)
	}
	if len(ids) > 0 {
		h.logger.Info("Expired overdue trials", "count", len(ids))
	}
	return int64(len(ids)), nil
}
