package service

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/riskquota/internal/catalog"
	"github.com/DukeRupert/riskquota/internal/domain"
	"github.com/DukeRupert/riskquota/internal/store/memory"
)

// testNow is mid-month so period arithmetic never straddles a boundary.
var testNow = time.Date(2026, time.October, 15, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)
	return cat
}

func clock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestQuota(t *testing.T, st *memory.Store) *quotaService {
	t.Helper()
	svc := NewQuotaService(st, st, testCatalog(t), testLogger()).(*quotaService)
	svc.now = clock(testNow)
	return svc
}

func newTestTrials(t *testing.T, st *memory.Store) *trialService {
	t.Helper()
	svc := NewTrialService(st, st, testCatalog(t), NewFunnelRecorder(st, testLogger()), TrialConfig{
		ReportsLimit: 1,
		Duration:     14 * 24 * time.Hour,
	}, testLogger()).(*trialService)
	svc.now = clock(testNow)
	return svc
}

func putSubscription(st *memory.Store, tier domain.TierID, status domain.SubscriptionStatus) uuid.UUID {
	id := uuid.New()
	st.PutSubscription(&domain.Subscription{UserID: id, TierID: tier, Status: status, UpdatedAt: testNow})
	return id
}

func putTrial(st *memory.Store, userID uuid.UUID, status domain.TrialStatus, used, limit int, expiresAt time.Time) {
	st.PutTrial(&domain.TrialState{
		UserID:       userID,
		Status:       status,
		ReportsUsed:  used,
		ReportsLimit: limit,
		StartedAt:    expiresAt.Add(-14 * 24 * time.Hour),
		ExpiresAt:    expiresAt,
	})
}

func funnelTypes(st *memory.Store, userID uuid.UUID) []domain.FunnelEventType {
	var out []domain.FunnelEventType
	for _, e := range st.FunnelEvents() {
		if e.UserID == userID {
			out = append(out, e.Type)
		}
	}
	return out
}
