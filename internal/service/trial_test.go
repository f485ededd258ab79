package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/riskquota/internal/domain"
	"github.com/DukeRupert/riskquota/internal/store/memory"
)

// =============================================================================
// ValidateTrialRequest
// =============================================================================

func TestValidateTrialRequest_SingleReportTrial(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := newTestTrials(t, st)
	userID := uuid.New()
	putTrial(st, userID, domain.TrialStatusActive, 0, 1, testNow.Add(24*time.Hour))

	d, err := svc.ValidateTrialRequest(ctx, userID, "", domain.EndpointRiskAssessment)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	res, err := svc.RecordTrialUsage(ctx, userID, domain.EndpointRiskAssessment, domain.UsageMetadata{IPAddress: "203.0.113.7"})
	require.NoError(t, err)
	assert.Equal(t, domain.TrialStatusUsed, res.TrialStatus)
	assert.True(t, res.LimitReached)

	trial, err := svc.GetTrial(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialStatusUsed, trial.Status)

	d, err = svc.ValidateTrialRequest(ctx, userID, "", domain.EndpointRiskAssessment)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "TRIAL_ALREADY_USED", d.Code())
}

func TestValidateTrialRequest_ExpiredTrial(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := newTestTrials(t, st)
	userID := uuid.New()
	putTrial(st, userID, domain.TrialStatusActive, 0, 1, testNow.Add(-50*time.Hour))

	d, err := svc.ValidateTrialRequest(ctx, userID, "", domain.EndpointRiskAssessment)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "TRIAL_EXPIRED", d.Code())
	assert.GreaterOrEqual(t, d.DaysSinceExpiry, 0)
	assert.Equal(t, 2, d.DaysSinceExpiry)

	trial, err := svc.GetTrial(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialStatusExpired, trial.Status)
	assert.Equal(t, []domain.FunnelEventType{domain.FunnelTrialExpired}, funnelTypes(st, userID))

	// A second validation does not emit the expiry again.
	d, err = svc.ValidateTrialRequest(ctx, userID, "", domain.EndpointRiskAssessment)
	require.NoError(t, err)
	assert.Equal(t, "TRIAL_EXPIRED", d.Code())
	assert.Len(t, funnelTypes(st, userID), 1)
}

func TestValidateTrialRequest_PaidUserIgnoresTrialCounters(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := newTestTrials(t, st)

	userID := putSubscription(st, domain.TierProfessional, domain.SubscriptionStatusActive)
	putTrial(st, userID, domain.TrialStatusUsed, 1, 1, testNow.Add(-30*24*time.Hour))

	for i := 0; i < 3; i++ {
		d, err := svc.ValidateTrialRequest(ctx, userID, "", domain.EndpointRiskAssessment)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, domain.Unlimited, d.Remaining)
	}
}

func TestValidateTrialRequest_Outcomes(t *testing.T) {
	tests := []struct {
		name        string
		seed        func(st *memory.Store, userID uuid.UUID)
		wantAllowed bool
		wantCode    string
		wantStatus  domain.TrialStatus
	}{
		{
			name:     "no trial",
			seed:     func(*memory.Store, uuid.UUID) {},
			wantCode: "NO_TRIAL",
		},
		{
			name: "active with reports left",
			seed: func(st *memory.Store, id uuid.UUID) {
				putTrial(st, id, domain.TrialStatusActive, 1, 3, testNow.Add(time.Hour))
			},
			wantAllowed: true,
			wantStatus:  domain.TrialStatusActive,
		},
		{
			name: "active at limit flips to used",
			seed: func(st *memory.Store, id uuid.UUID) {
				putTrial(st, id, domain.TrialStatusActive, 3, 3, testNow.Add(time.Hour))
			},
			wantCode:   "TRIAL_LIMIT_REACHED",
			wantStatus: domain.TrialStatusUsed,
		},
		{
			name: "already expired by the sweep",
			seed: func(st *memory.Store, id uuid.UUID) {
				putTrial(st, id, domain.TrialStatusExpired, 0, 1, testNow.Add(-time.Hour))
			},
			wantCode:   "TRIAL_EXPIRED",
			wantStatus: domain.TrialStatusExpired,
		},
		{
			name: "used past expiry stays used",
			seed: func(st *memory.Store, id uuid.UUID) {
				putTrial(st, id, domain.TrialStatusUsed, 1, 1, testNow.Add(-time.Hour))
			},
			wantCode:   "TRIAL_EXPIRED",
			wantStatus: domain.TrialStatusUsed,
		},
		{
			name: "converted is allowed even past expiry",
			seed: func(st *memory.Store, id uuid.UUID) {
				putTrial(st, id, domain.TrialStatusConverted, 1, 1, testNow.Add(-time.Hour))
			},
			wantAllowed: true,
			wantStatus:  domain.TrialStatusConverted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := memory.New()
			svc := newTestTrials(t, st)
			userID := uuid.New()
			tt.seed(st, userID)

			d, err := svc.ValidateTrialRequest(ctx, userID, "", domain.EndpointRiskAssessment)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAllowed, d.Allowed)
			assert.Equal(t, tt.wantCode, d.Code())

			if tt.wantStatus != "" {
				trial, err := st.GetTrial(ctx, userID)
				require.NoError(t, err)
				assert.Equal(t, tt.wantStatus, trial.Status)
			}
		})
	}
}

func TestValidateTrialRequest_ConcurrentExpiryTransitionsOnce(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := newTestTrials(t, st)
	userID := uuid.New()
	putTrial(st, userID, domain.TrialStatusActive, 0, 1, testNow.Add(-time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := svc.ValidateTrialRequest(ctx, userID, "", domain.EndpointRiskAssessment)
			assert.NoError(t, err)
			assert.Equal(t, "TRIAL_EXPIRED", d.Code())
		}()
	}
	wg.Wait()

	trial, err := st.GetTrial(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialStatusExpired, trial.Status)
	assert.Equal(t, []domain.FunnelEventType{domain.FunnelTrialExpired}, funnelTypes(st, userID))
}

func TestValidateTrialRequest_TokenTierClaim(t *testing.T) {
	ctx := context.Background()

	t.Run("paid claim without a subscription row", func(t *testing.T) {
		st := memory.New()
		svc := newTestTrials(t, st)
		userID := uuid.New()

		d, err := svc.ValidateTrialRequest(ctx, userID, domain.TierProfessional, domain.EndpointRiskAssessment)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, domain.Unlimited, d.Remaining)
		assert.Equal(t, domain.TierProfessional, d.TierID)
	})

	t.Run("free claim still needs a trial", func(t *testing.T) {
		st := memory.New()
		svc := newTestTrials(t, st)

		d, err := svc.ValidateTrialRequest(ctx, uuid.New(), domain.TierFree, domain.EndpointRiskAssessment)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, "NO_TRIAL", d.Code())
	})

	t.Run("unknown claim is treated as free", func(t *testing.T) {
		st := memory.New()
		svc := newTestTrials(t, st)

		d, err := svc.ValidateTrialRequest(ctx, uuid.New(), domain.TierID("platinum"), domain.EndpointRiskAssessment)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, "NO_TRIAL", d.Code())
	})

	t.Run("billing row wins over the claim", func(t *testing.T) {
		st := memory.New()
		svc := newTestTrials(t, st)
		userID := putSubscription(st, domain.TierProfessional, domain.SubscriptionStatusInactive)

		d, err := svc.ValidateTrialRequest(ctx, userID, domain.TierProfessional, domain.EndpointRiskAssessment)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, "NO_TRIAL", d.Code())
	})
}

// convertingStore converts the trial just before every conditional
// transition, as a billing webhook landing mid-request would.
type convertingStore struct {
	*memory.Store
}

func (s convertingStore) TransitionTrial(ctx context.Context, userID uuid.UUID, from, to domain.TrialStatus) (bool, error) {
	if _, err := s.ConvertTrial(ctx, userID, domain.SubscriptionData{TierID: domain.TierBasic}, testNow); err != nil {
		return false, err
	}
	return s.Store.TransitionTrial(ctx, userID, from, to)
}

func TestValidateTrialRequest_ConversionDuringTransition(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		used      int
		expiresAt time.Time
	}{
		{"limit reached", 1, testNow.Add(24 * time.Hour)},
		{"past expiry", 0, testNow.Add(-time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := memory.New()
			racing := convertingStore{st}
			svc := NewTrialService(racing, st, testCatalog(t), NewFunnelRecorder(st, testLogger()), TrialConfig{
				ReportsLimit: 1,
				Duration:     14 * 24 * time.Hour,
			}, testLogger()).(*trialService)
			svc.now = clock(testNow)

			userID := uuid.New()
			putTrial(st, userID, domain.TrialStatusActive, tt.used, 1, tt.expiresAt)

			d, err := svc.ValidateTrialRequest(ctx, userID, "", domain.EndpointRiskAssessment)
			require.NoError(t, err)
			assert.True(t, d.Allowed, "got %s", d.Code())
			assert.Equal(t, domain.Unlimited, d.Remaining)

			trial, err := st.GetTrial(ctx, userID)
			require.NoError(t, err)
			assert.Equal(t, domain.TrialStatusConverted, trial.Status)
			assert.NotContains(t, funnelTypes(st, userID), domain.FunnelTrialExpired)
		})
	}
}

// =============================================================================
// Lifecycle operations
// =============================================================================

func TestStartTrial(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := newTestTrials(t, st)
	userID := uuid.New()

	trial, err := svc.StartTrial(ctx, domain.Registration{
		UserID:    userID,
		Email:     "Ana@Example.com",
		IPAddress: "198.51.100.4",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TrialStatusActive, trial.Status)
	assert.Equal(t, 1, trial.ReportsLimit)
	assert.Equal(t, testNow.Add(14*24*time.Hour), trial.ExpiresAt)
	assert.Equal(t, []domain.FunnelEventType{domain.FunnelTrialStarted}, funnelTypes(st, userID))

	n, err := st.CountUsersByEmailDomain(ctx, "example.com", testNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = svc.StartTrial(ctx, domain.Registration{UserID: userID, Email: "ana@example.com"})
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))

	_, err = svc.StartTrial(ctx, domain.Registration{UserID: uuid.New(), Email: "not-an-email"})
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestRecordTrialUsage_FunnelEvents(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := newTestTrials(t, st)
	userID := uuid.New()
	putTrial(st, userID, domain.TrialStatusActive, 0, 2, testNow.Add(time.Hour))

	res, err := svc.RecordTrialUsage(ctx, userID, domain.EndpointRiskAssessment, domain.UsageMetadata{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Remaining)
	assert.False(t, res.LimitReached)

	res, err = svc.RecordTrialUsage(ctx, userID, domain.EndpointRiskAssessment, domain.UsageMetadata{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Remaining)
	assert.True(t, res.LimitReached)

	// Overrun from a request that passed validation before the flip.
	res, err = svc.RecordTrialUsage(ctx, userID, domain.EndpointRiskAssessment, domain.UsageMetadata{})
	require.NoError(t, err)
	assert.True(t, res.Overrun)
	assert.Equal(t, 2, res.NewUsed, "reports_used never passes the limit once used")

	assert.Equal(t, []domain.FunnelEventType{
		domain.FunnelTrialUsed,
		domain.FunnelTrialUsed,
		domain.FunnelTrialLimitReached,
	}, funnelTypes(st, userID))
	assert.Len(t, st.UsageEvents(), 3, "every usage is logged")
}

func TestRecordTrialUsage_NoTrial(t *testing.T) {
	st := memory.New()
	svc := newTestTrials(t, st)

	_, err := svc.RecordTrialUsage(context.Background(), uuid.New(), domain.EndpointRiskAssessment, domain.UsageMetadata{})
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

func TestConvertTrial_Idempotent(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := newTestTrials(t, st)
	userID := uuid.New()
	putTrial(st, userID, domain.TrialStatusActive, 0, 1, testNow.Add(time.Hour))

	_, err := svc.RecordTrialUsage(ctx, userID, domain.EndpointRiskAssessment, domain.UsageMetadata{})
	require.NoError(t, err)

	data := domain.SubscriptionData{TierID: domain.TierPremium, SubscriptionID: "sub_123"}
	first, err := svc.ConvertTrial(ctx, userID, data)
	require.NoError(t, err)
	assert.False(t, first.AlreadyConverted)
	assert.Equal(t, 1, first.Conversion.ReportsUsed)

	// Usage after conversion is no longer trial-gated and must not leak into
	// the snapshot.
	_, err = svc.RecordTrialUsage(ctx, userID, domain.EndpointRiskAssessment, domain.UsageMetadata{})
	require.NoError(t, err)

	second, err := svc.ConvertTrial(ctx, userID, domain.SubscriptionData{TierID: domain.TierBasic})
	require.NoError(t, err)
	assert.True(t, second.AlreadyConverted)
	assert.Equal(t, first.Conversion, second.Conversion)

	sub, err := st.GetSubscription(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierPremium, sub.TierID)
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)

	converted := 0
	for _, typ := range funnelTypes(st, userID) {
		if typ == domain.FunnelTrialConverted {
			converted++
		}
	}
	assert.Equal(t, 1, converted)
}

func TestConvertTrial_Validation(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := newTestTrials(t, st)
	userID := uuid.New()
	putTrial(st, userID, domain.TrialStatusActive, 0, 1, testNow.Add(time.Hour))

	_, err := svc.ConvertTrial(ctx, userID, domain.SubscriptionData{TierID: domain.TierFree})
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	_, err = svc.ConvertTrial(ctx, userID, domain.SubscriptionData{TierID: "platinum"})
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	_, err = svc.ConvertTrial(ctx, uuid.New(), domain.SubscriptionData{TierID: domain.TierBasic})
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

func TestExtendTrial(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := newTestTrials(t, st)

	expired := uuid.New()
	putTrial(st, expired, domain.TrialStatusExpired, 0, 1, testNow.Add(-time.Hour))
	used := uuid.New()
	putTrial(st, used, domain.TrialStatusUsed, 1, 1, testNow.Add(time.Hour))

	newExpiry := testNow.Add(7 * 24 * time.Hour)
	trial, err := svc.ExtendTrial(ctx, expired, newExpiry, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.TrialStatusActive, trial.Status)
	assert.Equal(t, newExpiry, trial.ExpiresAt)

	_, err = svc.ExtendTrial(ctx, used, newExpiry, "ops@example.com")
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))

	_, err = svc.ExtendTrial(ctx, expired, newExpiry.Add(-time.Hour), "ops@example.com")
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err), "only forward")

	_, err = svc.ExtendTrial(ctx, expired, newExpiry.Add(time.Hour), "")
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	_, err = svc.ExtendTrial(ctx, uuid.New(), newExpiry, "ops@example.com")
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

func TestExpireTrials(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := newTestTrials(t, st)

	overdue := uuid.New()
	putTrial(st, overdue, domain.TrialStatusActive, 0, 1, testNow.Add(-time.Minute))
	current := uuid.New()
	putTrial(st, current, domain.TrialStatusActive, 0, 1, testNow.Add(time.Minute))

	ids, err := svc.ExpireTrials(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{overdue}, ids)
	assert.Equal(t, []domain.FunnelEventType{domain.FunnelTrialExpired}, funnelTypes(st, overdue))
	assert.Empty(t, funnelTypes(st, current))
}
