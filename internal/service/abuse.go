package service

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DukeRupert/riskquota/internal/domain"
	"github.com/DukeRupert/riskquota/internal/metrics"
	"github.com/DukeRupert/riskquota/internal/store"
)

// AbuseService scores shared identifiers for coordinated trial abuse. It is
// advisory only and never blocks a request.
type AbuseService interface {
	// CheckAbuse scores an IP address or email domain. Invalid input returns
	// domain.EINVALID; a failing store yields an unknown risk level instead of
	// an error.
	CheckAbuse(ctx context.Context, identifier string, kind domain.IdentifierType) (*domain.AbuseScore, error)
}

type abuseService struct {
	store  store.AnalyticsStore
	logger *slog.Logger
	now    func() time.Time
}

// NewAbuseService creates a new AbuseService.
func NewAbuseService(analytics store.AnalyticsStore, logger *slog.Logger) AbuseService {
	return &abuseService{
		store:  analytics,
		logger: logger,
		now:    time.Now,
	}
}

func (s *abuseService) CheckAbuse(ctx context.Context, identifier string, kind domain.IdentifierType) (*domain.AbuseScore, error) {
	const op = "abuse.check"

	identifier, err := normalizeIdentifier(op, identifier, kind)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	score := &domain.AbuseScore{
		Identifier:     identifier,
		IdentifierType: kind,
		CheckedAt:      now,
	}

	sig, err := s.collect(ctx, identifier, kind, now.Add(-domain.AbuseWindow))
	if err != nil {
		s.logger.Error("Abuse detection failed, defaulting to allow",
			"identifier", identifier,
			"identifier_type", kind,
			"error", err,
		)
		score.RiskLevel = domain.RiskLevelUnknown
		score.RecommendedAction = domain.ActionAllow
		score.Flags = []string{}
		metrics.AbuseChecksTotal.WithLabelValues(string(score.RiskLevel)).Inc()
		return score, nil
	}

	score.Score, score.Flags = domain.ScoreAbuse(sig)
	score.RiskLevel = domain.RiskLevelFor(score.Score)
	score.RecommendedAction = domain.ActionFor(score.Score, score.Flags)
	metrics.AbuseChecksTotal.WithLabelValues(string(score.RiskLevel)).Inc()

	if score.RiskLevel != domain.RiskLevelNone {
		s.logger.Info("Abuse signal detected",
			"identifier", identifier,
			"identifier_type", kind,
			"score", score.Score,
			"flags", score.Flags,
			"recommended_action", score.RecommendedAction,
		)
	}
	return score, nil
}

// collect runs the aggregate queries concurrently.
func (s *abuseService) collect(ctx context.Context, identifier string, kind domain.IdentifierType, since time.Time) (domain.AbuseSignals, error) {
	var sig domain.AbuseSignals
	g, gctx := errgroup.WithContext(ctx)

	if kind == domain.IdentifierIPAddress {
		g.Go(func() error {
			n, err := s.store.CountUsersByIP(gctx, identifier, since)
			sig.UniqueUsersSharingIP = n
			return err
		})
		g.Go(func() error {
			n, err := s.store.CountEventsByIP(gctx, identifier, since)
			sig.UsageEventsFromIP = n
			return err
		})
	} else {
		g.Go(func() error {
			n, err := s.store.CountUsersByEmailDomain(gctx, identifier, since)
			sig.UniqueUsersSharingDomain = n
			return err
		})
	}
	g.Go(func() error {
		regs, err := s.store.ListRegistrations(gctx, kind, identifier, since)
		sig.RapidSequential = domain.HasRapidSequence(regs)
		return err
	})

	if err := g.Wait(); err != nil {
		return domain.AbuseSignals{}, err
	}
	return sig, nil
}

func normalizeIdentifier(op, identifier string, kind domain.IdentifierType) (string, error) {
	identifier = strings.TrimSpace(identifier)
	switch kind {
	case domain.IdentifierIPAddress:
		ip := net.ParseIP(identifier)
		if ip == nil {
			return "", domain.Invalid(op, "identifier is not a valid IP address")
		}
		return ip.String(), nil
	case domain.IdentifierEmailDomain:
		d := domain.EmailDomain(identifier)
		if d == "" || strings.ContainsAny(d, " /") {
			return "", domain.Invalid(op, "identifier is not a valid email domain")
		}
		return d, nil
	default:
		return "", domain.Invalid(op, "identifier type must be ip_address or email_domain")
	}
}
