package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DukeRupert/riskquota/internal/service"
	"github.com/DukeRupert/riskquota/internal/storage"
	"github.com/DukeRupert/riskquota/internal/worker"
)

// ArchiveUsageHandler exports the oldest month past retention to object
// storage and purges it from the ledger.
type ArchiveUsageHandler struct {
	archiver service.Archiver
	interval time.Duration
	logger   *slog.Logger
}

// NewArchiveUsageHandler creates a new handler for usage archival.
func NewArchiveUsageHandler(archiver service.Archiver, interval time.Duration, logger *slog.Logger) *ArchiveUsageHandler {
	return &ArchiveUsageHandler{
		archiver: archiver,
		interval: interval,
		logger:   logger,
	}
}

// Type returns the job type identifier.
func (h *ArchiveUsageHandler) Type() string {
	return worker.JobTypeArchiveUsage
}

// Interval returns how often archival runs.
func (h *ArchiveUsageHandler) Interval() time.Duration {
	return h.interval
}

// Handle archives one month. A storage access error will not fix itself, so
// it stops the job.
func (h *ArchiveUsageHandler) Handle(ctx context.Context) (int64, error) {
	res, err := h.archiver.ArchiveExpired(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrAccessDenied) {
			return 0, worker.NewPermanentError(fmt.Errorf("archive usage: %w", err))
		}
		return 0, fmt.Errorf("archive usage: %w", err)
	}
	if res.Events > 0 {
		h.logger.Info("Usage month archived",
			"month", res.Month.Format("2006-01"),
			"key", res.Key,
			"events", res.Events,
			"purged", res.Purged,
		)
	}
	return res.Purged, nil
}
