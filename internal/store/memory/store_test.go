package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/riskquota/internal/domain"
	"github.com/DukeRupert/riskquota/internal/store"
)

func TestRecordUsage_NoLostUpdates(t *testing.T) {
	const n = 50

	s := New()
	ctx := context.Background()
	userID := uuid.New()
	at := time.Now()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RecordUsage(ctx, store.RecordParams{
				UserID:   userID,
				Endpoint: domain.EndpointGeocode,
				Limit:    n,
				At:       at,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	c, err := s.GetCounters(ctx, userID, domain.EndpointGeocode, at)
	require.NoError(t, err)
	assert.Equal(t, n, c.Used)
	assert.Len(t, s.UsageEvents(), n)

	// Every event saw a distinct pre-increment counter.
	seen := make(map[int]bool)
	for _, e := range s.UsageEvents() {
		assert.False(t, seen[e.CountersBefore], "counter %d observed twice", e.CountersBefore)
		seen[e.CountersBefore] = true
	}
}

func TestRecordUsage_EnforceIsExact(t *testing.T) {
	const (
		limit   = 10
		callers = 40
	)

	s := New()
	ctx := context.Background()
	userID := uuid.New()
	at := time.Now()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		exhausted int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RecordUsage(ctx, store.RecordParams{
				UserID: userID, Endpoint: domain.EndpointGeocode, Limit: limit, Enforce: true, At: at,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, store.ErrQuotaExhausted):
				exhausted++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, succeeded)
	assert.Equal(t, callers-limit, exhausted)
	assert.Len(t, s.UsageEvents(), limit)
}

func TestCounters_PeriodRollover(t *testing.T) {
	s := New()
	ctx := context.Background()
	userID := uuid.New()
	april := time.Date(2026, 4, 20, 0, 0, 0, 0, time.UTC)
	may := time.Date(2026, 5, 3, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := s.RecordUsage(ctx, store.RecordParams{UserID: userID, Endpoint: domain.EndpointGeocode, Limit: 3, At: april})
		require.NoError(t, err)
	}

	c, err := s.GetCounters(ctx, userID, domain.EndpointGeocode, may)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Used)
	assert.Equal(t, domain.PeriodStart(may), c.PeriodStart)

	res, err := s.RecordUsage(ctx, store.RecordParams{UserID: userID, Endpoint: domain.EndpointGeocode, Limit: 3, Enforce: true, At: may})
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewUsed)
	assert.Equal(t, 2, res.Remaining)
}

func TestResetPeriod_Idempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	userID, other := uuid.New(), uuid.New()
	at := time.Date(2026, 4, 20, 0, 0, 0, 0, time.UTC)
	period := domain.PeriodStart(at)

	for _, id := range []uuid.UUID{userID, other} {
		_, err := s.RecordUsage(ctx, store.RecordParams{UserID: id, Endpoint: domain.EndpointGeocode, Limit: 10, At: at})
		require.NoError(t, err)
	}

	for i := 0; i < 2; i++ {
		_, err := s.ResetPeriod(ctx, userID, period)
		require.NoError(t, err)

		c, err := s.GetCounters(ctx, userID, domain.EndpointGeocode, at)
		require.NoError(t, err)
		assert.Equal(t, 0, c.Used)
		assert.Equal(t, 10, c.Limit)
	}

	c, err := s.GetCounters(ctx, other, domain.EndpointGeocode, at)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Used, "other users are untouched")
}

func TestResetAllPeriods_OnlyStale(t *testing.T) {
	s := New()
	ctx := context.Background()
	stale, current := uuid.New(), uuid.New()
	april := time.Date(2026, 4, 20, 0, 0, 0, 0, time.UTC)
	may := time.Date(2026, 5, 3, 0, 0, 0, 0, time.UTC)

	_, err := s.RecordUsage(ctx, store.RecordParams{UserID: stale, Endpoint: domain.EndpointGeocode, Limit: 10, At: april})
	require.NoError(t, err)
	_, err = s.RecordUsage(ctx, store.RecordParams{UserID: current, Endpoint: domain.EndpointGeocode, Limit: 10, At: may})
	require.NoError(t, err)

	n, err := s.ResetAllPeriods(ctx, domain.PeriodStart(may))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.ResetAllPeriods(ctx, domain.PeriodStart(may))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	c, _ := s.GetCounters(ctx, current, domain.EndpointGeocode, may)
	assert.Equal(t, 1, c.Used)
}

func TestRecordUsage_FailedWriteLeavesNoEvent(t *testing.T) {
	s := New()
	ctx := context.Background()
	userID := uuid.New()

	s.FailWrites(errors.New("store down"))
	_, err := s.RecordUsage(ctx, store.RecordParams{UserID: userID, Endpoint: domain.EndpointGeocode, Limit: 10, At: time.Now()})
	require.Error(t, err)

	assert.Empty(t, s.UsageEvents())
	c, _ := s.GetCounters(ctx, userID, domain.EndpointGeocode, time.Now())
	assert.Equal(t, 0, c.Used)
}

func newTrial(userID uuid.UUID, limit int, now time.Time) *domain.TrialState {
	return &domain.TrialState{
		UserID:       userID,
		Status:       domain.TrialStatusActive,
		ReportsLimit: limit,
		StartedAt:    now,
		ExpiresAt:    now.Add(14 * 24 * time.Hour),
	}
}

func TestRecordTrialUsage_ConcurrentNeverExceedsLimit(t *testing.T) {
	const n = 20

	s := New()
	ctx := context.Background()
	userID := uuid.New()
	now := time.Now()
	require.NoError(t, s.CreateTrial(ctx, newTrial(userID, 3, now), nil))

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RecordTrialUsage(ctx, store.RecordParams{UserID: userID, Endpoint: domain.EndpointRiskAssessment, At: now})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	trial, err := s.GetTrial(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialStatusUsed, trial.Status)
	assert.Equal(t, 3, trial.ReportsUsed)

	// Every event is still logged and counted.
	assert.Len(t, s.UsageEvents(), n)
	c, _ := s.GetCounters(ctx, userID, domain.EndpointRiskAssessment, now)
	assert.Equal(t, n, c.Used)
}

func TestTransitionTrial_OnlyOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	userID := uuid.New()
	require.NoError(t, s.CreateTrial(ctx, newTrial(userID, 1, time.Now()), nil))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TransitionTrial(ctx, userID, domain.TrialStatusActive, domain.TrialStatusExpired)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestConvertTrial_Idempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	userID := uuid.New()
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateTrial(ctx, newTrial(userID, 1, start), nil))

	_, err := s.RecordTrialUsage(ctx, store.RecordParams{UserID: userID, Endpoint: domain.EndpointRiskAssessment, At: start.Add(time.Hour)})
	require.NoError(t, err)

	first, err := s.ConvertTrial(ctx, userID, domain.SubscriptionData{TierID: domain.TierBasic, SubscriptionID: "sub_1"}, start.Add(48*time.Hour))
	require.NoError(t, err)
	assert.False(t, first.AlreadyConverted)
	assert.Equal(t, 1, first.Conversion.ReportsUsed)
	assert.Equal(t, 48*time.Hour, first.Conversion.TrialDuration)

	// Usage after conversion is no longer trial-gated and must not leak into
	// the stored snapshot.
	_, err = s.RecordTrialUsage(ctx, store.RecordParams{UserID: userID, Endpoint: domain.EndpointRiskAssessment, At: start.Add(49 * time.Hour)})
	require.NoError(t, err)

	second, err := s.ConvertTrial(ctx, userID, domain.SubscriptionData{TierID: domain.TierPremium}, start.Add(72*time.Hour))
	require.NoError(t, err)
	assert.True(t, second.AlreadyConverted)
	assert.Equal(t, first.Conversion, second.Conversion)

	sub, err := s.GetSubscription(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierBasic, sub.TierID)
	assert.True(t, sub.IsPaid())
}

func TestExtendTrial(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	expired := newTrial(uuid.New(), 1, now.Add(-30*24*time.Hour))
	expired.Status = domain.TrialStatusExpired
	s.PutTrial(expired)

	used := newTrial(uuid.New(), 1, now)
	used.Status = domain.TrialStatusUsed
	used.ReportsUsed = 1
	s.PutTrial(used)

	got, err := s.ExtendTrial(ctx, expired.UserID, now.Add(7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.TrialStatusActive, got.Status)

	_, err = s.ExtendTrial(ctx, expired.UserID, now)
	assert.ErrorIs(t, err, store.ErrInvalidTransition, "expiry only moves forward")

	_, err = s.ExtendTrial(ctx, used.UserID, now.Add(30*24*time.Hour))
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = s.ExtendTrial(ctx, uuid.New(), now)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExpireTrials(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	overdue := newTrial(uuid.New(), 1, now.Add(-15*24*time.Hour))
	fresh := newTrial(uuid.New(), 1, now)
	s.PutTrial(overdue)
	s.PutTrial(fresh)

	ids, err := s.ExpireTrials(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{overdue.UserID}, ids)

	ids, err = s.ExpireTrials(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAnalytics(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	since := now.Add(-domain.AbuseWindow)

	for i := 0; i < 4; i++ {
		s.PutRegistration(domain.Registration{UserID: uuid.New(), EmailDomain: "example.com", IPAddress: "198.51.100.1", CreatedAt: now})
	}
	s.PutRegistration(domain.Registration{UserID: uuid.New(), EmailDomain: "example.com", IPAddress: "198.51.100.1", CreatedAt: now.Add(-40 * 24 * time.Hour)})

	shared := uuid.New()
	for i := 0; i < 3; i++ {
		_, err := s.RecordUsage(ctx, store.RecordParams{
			UserID: shared, Endpoint: domain.EndpointGeocode, Limit: 10, At: now,
			Metadata: domain.UsageMetadata{IPAddress: "198.51.100.1"},
		})
		require.NoError(t, err)
	}

	users, err := s.CountUsersByIP(ctx, "198.51.100.1", since)
	require.NoError(t, err)
	assert.Equal(t, 5, users)

	events, err := s.CountEventsByIP(ctx, "198.51.100.1", since)
	require.NoError(t, err)
	assert.Equal(t, 3, events)

	domainUsers, err := s.CountUsersByEmailDomain(ctx, "example.com", since)
	require.NoError(t, err)
	assert.Equal(t, 4, domainUsers)

	regs, err := s.ListRegistrations(ctx, domain.IdentifierEmailDomain, "example.com", since)
	require.NoError(t, err)
	assert.Len(t, regs, 4)
}

func TestPurgeUsageEvents(t *testing.T) {
	s := New()
	ctx := context.Background()
	april := time.Date(2026, 4, 20, 0, 0, 0, 0, time.UTC)
	may := time.Date(2026, 5, 3, 0, 0, 0, 0, time.UTC)

	for _, at := range []time.Time{april, april, may} {
		_, err := s.RecordUsage(ctx, store.RecordParams{UserID: uuid.New(), Endpoint: domain.EndpointGeocode, Limit: 10, At: at})
		require.NoError(t, err)
	}

	events, err := s.ListUsageEvents(ctx, domain.PeriodStart(april), domain.NextPeriodStart(april))
	require.NoError(t, err)
	assert.Len(t, events, 2)

	n, err := s.PurgeUsageEvents(ctx, domain.NextPeriodStart(april))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Len(t, s.UsageEvents(), 1)
}
