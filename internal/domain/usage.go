package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// UsageMetadata is the request context attached to a usage event.
type UsageMetadata struct {
	IPAddress  string
	ResourceID string
	Extra      map[string]any
}

// UsageEvent is one row of the append-only usage log.
type UsageEvent struct {
	ID                uuid.UUID       `json:"event_id"`
	UserID            uuid.UUID       `json:"user_id"`
	Endpoint          EndpointID      `json:"endpoint_id"`
	TrialStatusAtTime TrialStatus     `json:"trial_status_at_time,omitempty"`
	CountersBefore    int             `json:"counters_before"`
	IPAddress         string          `json:"ip_address,omitempty"`
	ResourceID        string          `json:"resource_id,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Counters is the denormalized running counter for a user and endpoint.
type Counters struct {
	Used        int
	Limit       int
	PeriodStart time.Time
}

// UsageResult is returned by a successful usage write.
type UsageResult struct {
	EventID   uuid.UUID
	NewUsed   int
	Limit     int
	Remaining int

	// Trial writes only.
	TrialStatus  TrialStatus
	LimitReached bool
	Gated        bool
	Overrun      bool
}

// RecordStatus describes how a best-effort usage write ended.
type RecordStatus string

const (
	RecordStatusRecorded RecordStatus = "recorded"
	RecordStatusFailed   RecordStatus = "failed"
	RecordStatusTimedOut RecordStatus = "timed_out"
	RecordStatusSkipped  RecordStatus = "skipped"
)

// RecordOutcome is reported after every post-handler usage write so callers
// can monitor accounting without it affecting the response.
type RecordOutcome struct {
	UserID   uuid.UUID
	Endpoint EndpointID
	Status   RecordStatus
	Result   *UsageResult
	Err      error
	Duration time.Duration
}

// PeriodStart returns the first instant of the UTC calendar month containing t.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NextPeriodStart returns the first instant of the month after t.
func NextPeriodStart(t time.Time) time.Time {
	return PeriodStart(t).AddDate(0, 1, 0)
}
