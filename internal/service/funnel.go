package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/DukeRupert/riskquota/internal/domain"
	"github.com/DukeRupert/riskquota/internal/metrics"
	"github.com/DukeRupert/riskquota/internal/store"
)

// FunnelRecorder records conversion-funnel steps. Recording never fails the
// caller: errors are logged and counted.
type FunnelRecorder interface {
	Record(ctx context.Context, userID uuid.UUID, eventType domain.FunnelEventType, props map[string]any)
}

// FunnelSink receives every stored funnel event.
type FunnelSink interface {
	Publish(ctx context.Context, e *domain.FunnelEvent) error
}

type funnelRecorder struct {
	store  store.FunnelStore
	sinks  []FunnelSink
	logger *slog.Logger
	now    func() time.Time
}

// NewFunnelRecorder creates a FunnelRecorder that stores events and then
// publishes them to each sink.
func NewFunnelRecorder(fs store.FunnelStore, logger *slog.Logger, sinks ...FunnelSink) FunnelRecorder {
	return &funnelRecorder{
		store:  fs,
		sinks:  sinks,
		logger: logger,
		now:    time.Now,
	}
}

func (r *funnelRecorder) Record(ctx context.Context, userID uuid.UUID, eventType domain.FunnelEventType, props map[string]any) {
	e := &domain.FunnelEvent{
		ID:         uuid.New(),
		UserID:     userID,
		Type:       eventType,
		Properties: props,
		CreatedAt:  r.now().UTC(),
	}

	if err := r.store.InsertFunnelEvent(ctx, e); err != nil {
		metrics.FunnelEventsTotal.WithLabelValues(string(eventType), "failed").Inc()
		r.logger.Error("Failed to store funnel event",
			"user_id", userID,
			"event_type", eventType,
			"error", err,
		)
		return
	}
	metrics.FunnelEventsTotal.WithLabelValues(string(eventType), "stored").Inc()

	for _, sink := range r.sinks {
		if err := sink.Publish(ctx, e); err != nil {
			metrics.FunnelEventsTotal.WithLabelValues(string(eventType), "publish_failed").Inc()
			r.logger.Warn("Failed to publish funnel event",
				"user_id", userID,
				"event_type", eventType,
				"error", err,
			)
		}
	}
}

// RedisFunnelSink appends funnel events to a Redis stream for analytics
// consumers.
type RedisFunnelSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisFunnelSink connects to redisURL (redis://host:port/db) and verifies
// the connection.
func NewRedisFunnelSink(ctx context.Context, redisURL, stream string, maxLen int64) (*RedisFunnelSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisFunnelSink{client: client, stream: stream, maxLen: maxLen}, nil
}

// Publish appends the event with XADD, trimming the stream approximately to
// maxLen entries.
func (s *RedisFunnelSink) Publish(ctx context.Context, e *domain.FunnelEvent) error {
	props, err := json.Marshal(e.Properties)
	if err != nil {
		return fmt.Errorf("encode funnel properties: %w", err)
	}

	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event_id":   e.ID.String(),
			"user_id":    e.UserID.String(),
			"event_type": string(e.Type),
			"properties": string(props),
			"created_at": e.CreatedAt.Format(time.RFC3339Nano),
		},
	}).Err()
}

// Close releases the Redis connection pool.
func (s *RedisFunnelSink) Close() error {
	return s.client.Close()
}
