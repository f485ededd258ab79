// Package memory implements the usage ledger in process memory.
//
// A single RWMutex guards every map, which gives the same serialization as
// the row locks of the PostgreSQL ledger at the cost of cross-user
// parallelism. It backs tests and STORE_PROVIDER=memory.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DukeRupert/riskquota/internal/domain"
	"github.com/DukeRupert/riskquota/internal/store"
)

type counterKey struct {
	userID   uuid.UUID
	endpoint domain.EndpointID
}

type Store struct {
	mu sync.RWMutex

	counters      map[counterKey]domain.Counters
	trials        map[uuid.UUID]*domain.TrialState
	subscriptions map[uuid.UUID]*domain.Subscription
	registrations map[uuid.UUID]domain.Registration
	conversions   map[uuid.UUID]domain.TrialConversion
	usageEvents   []domain.UsageEvent
	funnelEvents  []domain.FunnelEvent
	tiers         []*domain.Tier

	failWrites error
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		counters:      make(map[counterKey]domain.Counters),
		trials:        make(map[uuid.UUID]*domain.TrialState),
		subscriptions: make(map[uuid.UUID]*domain.Subscription),
		registrations: make(map[uuid.UUID]domain.Registration),
		conversions:   make(map[uuid.UUID]domain.TrialConversion),
	}
}

func (s *Store) Ping(_ context.Context) error {
	return nil
}

// Counter Store implementation

func (s *Store) GetCounters(_ context.Context, userID uuid.UUID, endpoint domain.EndpointID, at time.Time) (domain.Counters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.counter(counterKey{userID, endpoint}, at), nil
}

func (s *Store) ListCounters(_ context.Context, userID uuid.UUID, at time.Time) (map[domain.EndpointID]domain.Counters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[domain.EndpointID]domain.Counters)
	for k := range s.counters {
		if k.userID == userID {
			out[k.endpoint] = s.counter(k, at)
		}
	}
	return out, nil
}

func (s *Store) RecordUsage(ctx context.Context, p store.RecordParams) (*domain.UsageResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(ctx); err != nil {
		return nil, err
	}

	key := counterKey{p.UserID, p.Endpoint}
	c := s.counter(key, p.At)
	if p.Enforce && p.Limit != domain.Unlimited && c.Used >= p.Limit {
		return nil, store.ErrQuotaExhausted
	}

	var status domain.TrialStatus
	if t, ok := s.trials[p.UserID]; ok {
		status = t.Status
	}
	eventID := s.appendEvent(p, status, c.Used)
	s.counters[key] = domain.Counters{Used: c.Used + 1, Limit: p.Limit, PeriodStart: domain.PeriodStart(p.At)}

	return &domain.UsageResult{
		EventID:   eventID,
		NewUsed:   c.Used + 1,
		Limit:     p.Limit,
		Remaining: store.RemainingAfter(c.Used+1, p.Limit),
	}, nil
}

func (s *Store) ResetPeriod(ctx context.Context, userID uuid.UUID, period time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(ctx); err != nil {
		return 0, err
	}

	var n int64
	for k, c := range s.counters {
		if k.userID != userID {
			continue
		}
		s.counters[k] = domain.Counters{Limit: c.Limit, PeriodStart: period.UTC()}
		n++
	}
	return n, nil
}

func (s *Store) ResetAllPeriods(ctx context.Context, period time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(ctx); err != nil {
		return 0, err
	}

	var n int64
	for k, c := range s.counters {
		if c.PeriodStart.Before(period) {
			s.counters[k] = domain.Counters{Limit: c.Limit, PeriodStart: period.UTC()}
			n++
		}
	}
	return n, nil
}

// Trial Store implementation

func (s *Store) CreateTrial(ctx context.Context, trial *domain.TrialState, reg *domain.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(ctx); err != nil {
		return err
	}
	if _, exists := s.trials[trial.UserID]; exists {
		return store.ErrAlreadyExists
	}
	if reg != nil {
		if _, exists := s.registrations[reg.UserID]; exists {
			return store.ErrAlreadyExists
		}
		s.registrations[reg.UserID] = *reg
	}
	t := *trial
	s.trials[trial.UserID] = &t
	return nil
}

func (s *Store) GetTrial(_ context.Context, userID uuid.UUID) (*domain.TrialState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trials[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) TransitionTrial(ctx context.Context, userID uuid.UUID, from, to domain.TrialStatus) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("%w: %s to %s", store.ErrInvalidTransition, from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(ctx); err != nil {
		return false, err
	}
	t, ok := s.trials[userID]
	if !ok || t.Status != from {
		return false, nil
	}
	t.Status = to
	return true, nil
}

func (s *Store) RecordTrialUsage(ctx context.Context, p store.RecordParams) (*domain.UsageResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(ctx); err != nil {
		return nil, err
	}
	t, ok := s.trials[p.UserID]
	if !ok {
		return nil, store.ErrNotFound
	}

	key := counterKey{p.UserID, p.Endpoint}
	c := s.counter(key, p.At)
	eventID := s.appendEvent(p, t.Status, c.Used)
	s.counters[key] = domain.Counters{Used: c.Used + 1, Limit: t.ReportsLimit, PeriodStart: domain.PeriodStart(p.At)}

	usage := store.ApplyTrialUsage(t)
	result := store.TrialUsageResult(t, usage)
	result.EventID = eventID
	return result, nil
}

func (s *Store) ConvertTrial(ctx context.Context, userID uuid.UUID, data domain.SubscriptionData, at time.Time) (*domain.ConversionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(ctx); err != nil {
		return nil, err
	}
	t, ok := s.trials[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Status == domain.TrialStatusConverted {
		return &domain.ConversionResult{Conversion: s.conversions[userID], AlreadyConverted: true}, nil
	}

	conv := store.NewConversion(t, data, at)
	s.conversions[userID] = conv

	t.Status = domain.TrialStatusConverted
	convertedAt := at
	t.ConvertedAt = &convertedAt

	s.subscriptions[userID] = &domain.Subscription{
		UserID:         userID,
		TierID:         data.TierID,
		Status:         domain.SubscriptionStatusActive,
		SubscriptionID: data.SubscriptionID,
		UpdatedAt:      at,
	}
	return &domain.ConversionResult{Conversion: conv}, nil
}

func (s *Store) ExtendTrial(ctx context.Context, userID uuid.UUID, expiresAt time.Time) (*domain.TrialState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(ctx); err != nil {
		return nil, err
	}
	t, ok := s.trials[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := store.CheckExtension(t, expiresAt); err != nil {
		return nil, err
	}

	t.ExpiresAt = expiresAt
	t.Status = domain.TrialStatusActive
	cp := *t
	return &cp, nil
}

func (s *Store) ExpireTrials(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(ctx); err != nil {
		return nil, err
	}

	var ids []uuid.UUID
	for id, t := range s.trials {
		if t.Status == domain.TrialStatusActive && now.After(t.ExpiresAt) {
			t.Status = domain.TrialStatusExpired
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// Subscription Store implementation

func (s *Store) GetSubscription(_ context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

// PutSubscription stores a subscription as the billing system would.
func (s *Store) PutSubscription(sub *domain.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sub
	s.subscriptions[sub.UserID] = &cp
}

// PutTrial stores a trial row as-is, bypassing the lifecycle checks.
func (s *Store) PutTrial(trial *domain.TrialState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *trial
	s.trials[trial.UserID] = &cp
}

// PutRegistration stores a registration row.
func (s *Store) PutRegistration(reg domain.Registration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.registrations[reg.UserID] = reg
}

// Analytics Store implementation

func (s *Store) CountUsersByIP(_ context.Context, ip string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make(map[uuid.UUID]struct{})
	for _, r := range s.registrations {
		if r.IPAddress == ip && !r.CreatedAt.Before(since) {
			users[r.UserID] = struct{}{}
		}
	}
	for _, e := range s.usageEvents {
		if e.IPAddress == ip && !e.CreatedAt.Before(since) {
			users[e.UserID] = struct{}{}
		}
	}
	return len(users), nil
}

func (s *Store) CountEventsByIP(_ context.Context, ip string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.usageEvents {
		if e.IPAddress == ip && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountUsersByEmailDomain(_ context.Context, emailDomain string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.registrations {
		if r.EmailDomain == emailDomain && !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListRegistrations(_ context.Context, kind domain.IdentifierType, value string, since time.Time) ([]domain.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var regs []domain.Registration
	for _, r := range s.registrations {
		if r.CreatedAt.Before(since) {
			continue
		}
		switch kind {
		case domain.IdentifierIPAddress:
			if r.IPAddress != value {
				continue
			}
		case domain.IdentifierEmailDomain:
			if r.EmailDomain != value {
				continue
			}
		default:
			return nil, fmt.Errorf("unsupported identifier type %q", kind)
		}
		regs = append(regs, r)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].CreatedAt.Before(regs[j].CreatedAt) })
	return regs, nil
}

func (s *Store) ListUsageEvents(_ context.Context, from, to time.Time) ([]domain.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []domain.UsageEvent
	for _, e := range s.usageEvents {
		if !e.CreatedAt.Before(from) && e.CreatedAt.Before(to) {
			events = append(events, e)
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	return events, nil
}

func (s *Store) PurgeUsageEvents(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(ctx); err != nil {
		return 0, err
	}

	kept := s.usageEvents[:0]
	var n int64
	for _, e := range s.usageEvents {
		if e.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.usageEvents = kept
	return n, nil
}

// Funnel and Catalog Store implementation

func (s *Store) InsertFunnelEvent(ctx context.Context, e *domain.FunnelEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(ctx); err != nil {
		return err
	}
	s.funnelEvents = append(s.funnelEvents, *e)
	return nil
}

func (s *Store) SyncTiers(_ context.Context, tiers []*domain.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tiers = append([]*domain.Tier(nil), tiers...)
	return nil
}

// UsageEvents returns a copy of the usage log.
func (s *Store) UsageEvents() []domain.UsageEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]domain.UsageEvent(nil), s.usageEvents...)
}

// FunnelEvents returns a copy of the recorded funnel events.
func (s *Store) FunnelEvents() []domain.FunnelEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]domain.FunnelEvent(nil), s.funnelEvents...)
}

// Conversion returns the stored conversion record for a user.
func (s *Store) Conversion(userID uuid.UUID) (domain.TrialConversion, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversions[userID]
	return c, ok
}

// counter must be called with the lock held.
func (s *Store) counter(key counterKey, at time.Time) domain.Counters {
	period := domain.PeriodStart(at)
	c, ok := s.counters[key]
	if !ok {
		return domain.Counters{PeriodStart: period}
	}
	if c.PeriodStart.Before(period) {
		c.Used = 0
		c.PeriodStart = period
	}
	return c
}

// appendEvent must be called with the write lock held.
func (s *Store) appendEvent(p store.RecordParams, status domain.TrialStatus, before int) uuid.UUID {
	e := domain.UsageEvent{
		ID:                uuid.New(),
		UserID:            p.UserID,
		Endpoint:          p.Endpoint,
		TrialStatusAtTime: status,
		CountersBefore:    before,
		IPAddress:         p.Metadata.IPAddress,
		ResourceID:        p.Metadata.ResourceID,
		CreatedAt:         p.At,
	}
	if len(p.Metadata.Extra) > 0 {
		if raw, err := json.Marshal(p.Metadata.Extra); err == nil {
			e.Metadata = raw
		}
	}
	s.usageEvents = append(s.usageEvents, e)
	return e.ID
}

// writable must be called with the write lock held.
func (s *Store) writable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.failWrites
}

// FailWrites makes every subsequent write return err. A nil err restores
// normal operation.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failWrites = err
}
