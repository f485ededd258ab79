package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/DukeRupert/riskquota/internal/service"
	"github.com/DukeRupert/riskquota/internal/worker"
)

// ResetPeriodsHandler rolls counters left in a past month into the current
// one. Reads already treat a stale counter as zero; the job keeps the
// usage_counters table consistent for SQL reporting.
type ResetPeriodsHandler struct {
	quota    service.QuotaService
	interval time.Duration
	logger   *slog.Logger
}

// NewResetPeriodsHandler creates a new handler for the period rollover.
func NewResetPeriodsHandler(quota service.QuotaService, interval time.Duration, logger *slog.Logger) *ResetPeriodsHandler {
	return &ResetPeriodsHandler{
		quota:    quota,
		interval: interval,
		logger:   logger,
	}
}

// Type returns the job type identifier.
func (h *ResetPeriodsHandler) Type() string {
	return worker.JobTypeResetPeriods
}

// Interval returns how often the rollover runs.
func (h *ResetPeriodsHandler) Interval() time.Duration {
	return h.interval
}

// Handle runs one rollover.
func (h *ResetPeriodsHandler) Handle(ctx context.Context) (int64, error) {
	n, err := h.quota.ResetAllPeriods(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset periods: %w", err)
	}
	if n > 0 {
		h.logger.Info("Rolled usage counters into the current period", "counters", n)
	}
	return n, nil
}
