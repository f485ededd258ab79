package service

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/DukeRupert/riskquota/internal/domain"
	"github.com/DukeRupert/riskquota/internal/storage"
	"github.com/DukeRupert/riskquota/internal/store"
)

// Archiver moves closed months of the usage log to object storage.
type Archiver interface {
	// ArchiveMonth exports every usage event up to the end of the month
	// containing month as JSON Lines, then purges the exported events from
	// the ledger. Months within the retention window are refused.
	ArchiveMonth(ctx context.Context, month time.Time) (*ArchiveResult, error)

	// ArchiveExpired archives the oldest month past the retention window.
	ArchiveExpired(ctx context.Context) (*ArchiveResult, error)
}

// ArchiveResult describes one archive run.
type ArchiveResult struct {
	Month  time.Time `json:"month"`
	Key    string    `json:"key,omitempty"`
	Events int       `json:"events"`
	Purged int64     `json:"purged"`
}

type archiver struct {
	store           store.AnalyticsStore
	storage         storage.Storage
	retentionMonths int
	logger          *slog.Logger
	now             func() time.Time
}

// NewArchiver creates an Archiver that keeps retentionMonths full months in
// the ledger besides the current one.
func NewArchiver(analytics store.AnalyticsStore, st storage.Storage, retentionMonths int, logger *slog.Logger) Archiver {
	return &archiver{
		store:           analytics,
		storage:         st,
		retentionMonths: retentionMonths,
		logger:          logger,
		now:             time.Now,
	}
}

func (a *archiver) ArchiveExpired(ctx context.Context) (*ArchiveResult, error) {
	cutoff := domain.PeriodStart(a.now()).AddDate(0, -a.retentionMonths, 0)
	return a.ArchiveMonth(ctx, cutoff.AddDate(0, -1, 0))
}

func (a *archiver) ArchiveMonth(ctx context.Context, month time.Time) (*ArchiveResult, error) {
	const op = "archive.month"

	from := domain.PeriodStart(month)
	to := from.AddDate(0, 1, 0)
	cutoff := domain.PeriodStart(a.now()).AddDate(0, -a.retentionMonths, 0)
	if to.After(cutoff) {
		return nil, domain.Invalid(op, "month is still within the retention window")
	}

	result := &ArchiveResult{Month: from}

	// Stragglers from older months that an earlier run missed are exported
	// with this month so the purge below never drops unarchived events.
	events, err := a.store.ListUsageEvents(ctx, time.Unix(0, 0).UTC(), to)
	if err != nil {
		return nil, storeError(err, op, "failed to list usage events")
	}
	result.Events = len(events)

	if len(events) > 0 {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for i := range events {
			if err := enc.Encode(&events[i]); err != nil {
				return nil, domain.Internal(err, op, "failed to encode usage event")
			}
		}

		result.Key = storage.ArchiveKey(from, a.now())
		if err := a.storage.Put(ctx, result.Key, &buf, storage.PutOptions{
			ContentType: storage.ContentTypeJSONLines,
		}); err != nil {
			return nil, domain.Internal(err, op, "failed to upload usage archive")
		}
	}

	purged, err := a.store.PurgeUsageEvents(ctx, to)
	if err != nil {
		return nil, storeError(err, op, "failed to purge archived usage events")
	}
	result.Purged = purged

	a.logger.Info("Usage month archived",
		"month", from.Format("2006-01"),
		"key", result.Key,
		"events", result.Events,
		"purged", result.Purged,
	)
	return result, nil
}
