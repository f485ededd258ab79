package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/DukeRupert/riskquota/internal/auth"
	"github.com/DukeRupert/riskquota/internal/catalog"
	"github.com/DukeRupert/riskquota/internal/domain"
	"github.com/DukeRupert/riskquota/internal/handler"
	"github.com/DukeRupert/riskquota/internal/metrics"
	"github.com/DukeRupert/riskquota/internal/service"
)

// =============================================================================
// Configuration
// =============================================================================

// Response headers set on successful metered requests.
const (
	HeaderTrialReportsUsed      = "X-Trial-Reports-Used"
	HeaderTrialReportsRemaining = "X-Trial-Reports-Remaining"
	HeaderTrialStatus           = "X-Trial-Status"
	HeaderQuotaLimit            = "X-Quota-Limit"
	HeaderQuotaRemaining        = "X-Quota-Remaining"

	// HeaderBatchSize is read from bulk requests.
	HeaderBatchSize = "X-Batch-Size"
)

// Route describes the metered resource behind a handler.
type Route struct {
	Endpoint domain.EndpointID
	// Feature the tier must include. Empty means none.
	Feature domain.FeatureFlag
	// DataSource the tier must allow. When empty the data_source query
	// parameter is checked instead, if present.
	DataSource domain.DataSourceID
	// Batch reads the batch size from the X-Batch-Size header.
	Batch bool
}

// EnforcementConfig holds the enforcement settings.
type EnforcementConfig struct {
	// EnforcePaidQuotas applies tier quotas to paid subscribers. When false
	// paid users pass through without a ledger write.
	EnforcePaidQuotas bool
	// UsageWriteTimeout bounds the post-handler usage write.
	UsageWriteTimeout time.Duration
	UpgradeURL        string
	ContactSalesURL   string
	// OnRecord, if set, receives the outcome of every post-handler write.
	OnRecord func(domain.RecordOutcome)
}

// =============================================================================
// Response Types
// =============================================================================

// DenialResponse is the body of a 401 or 403 enforcement response.
type DenialResponse struct {
	Error           string                  `json:"error"`
	ErrorCode       string                  `json:"error_code"`
	Message         string                  `json:"message"`
	TrialInfo       *TrialInfo              `json:"trial_info,omitempty"`
	UpgradeOptions  []catalog.UpgradeOption `json:"upgrade_options,omitempty"`
	Actions         DenialActions           `json:"actions"`
	Limit           *int                    `json:"limit,omitempty"`
	Used            *int                    `json:"used,omitempty"`
	ResetAt         *time.Time              `json:"reset_at,omitempty"`
	DaysSinceExpiry *int                    `json:"days_since_expiry,omitempty"`
}

// TrialInfo summarises the caller's trial in a denial.
type TrialInfo struct {
	ReportsUsed  int       `json:"reports_used"`
	ReportsLimit int       `json:"reports_limit"`
	TrialStarted time.Time `json:"trial_started"`
	ExpiresAt    time.Time `json:"expires_at"`
	Status       string    `json:"status"`
}

// DenialActions are the links a client offers next to a denial.
type DenialActions struct {
	UpgradeURL   string `json:"upgrade_url"`
	ContactSales string `json:"contact_sales,omitempty"`
}

// UpgradePrompt is added to the body of the request that used the last
// trial report.
type UpgradePrompt struct {
	Message        string                  `json:"message"`
	UpgradeURL     string                  `json:"upgrade_url"`
	UpgradeOptions []catalog.UpgradeOption `json:"upgrade_options"`
}

// =============================================================================
// Enforcement Middleware
// =============================================================================

// EnforcementMiddleware gates metered routes on trial state and tier quotas
// and records usage after the wrapped handler succeeds.
type EnforcementMiddleware struct {
	quota   service.QuotaService
	trials  service.TrialService
	catalog *catalog.Catalog
	cfg     EnforcementConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewEnforcementMiddleware creates a new EnforcementMiddleware.
func NewEnforcementMiddleware(
	quota service.QuotaService,
	trials service.TrialService,
	cat *catalog.Catalog,
	cfg EnforcementConfig,
	logger *slog.Logger,
) *EnforcementMiddleware {
	if cfg.UsageWriteTimeout <= 0 {
		cfg.UsageWriteTimeout = 3 * time.Second
	}
	return &EnforcementMiddleware{
		quota:   quota,
		trials:  trials,
		catalog: cat,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// meterMode selects the ledger write that follows a successful request.
type meterMode int

const (
	meterTrial meterMode = iota
	meterQuota
)

// Enforce returns middleware that meters route.
//
// Flow:
//
//	identity -> subscription -> tier entitlements -> trial or quota check
//	         -> wrapped handler (buffered) -> usage write on 2xx -> flush
func (m *EnforcementMiddleware) Enforce(route Route) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			endpoint := string(route.Endpoint)

			id := auth.GetIdentityFromRequest(r)
			if id == nil {
				d := domain.Deny(domain.DenialAuthRequired)
				metrics.Decision(endpoint, d.Code())
				m.writeDenial(w, r, route, d)
				return
			}

			sub, err := m.quota.Subscription(ctx, id.UserID, id.SubscriptionTier)
			if err != nil {
				handler.ErrorResponse(w, r, m.logger, err)
				return
			}
			tier := m.quota.TierFor(sub)
			paid := sub.IsPaid()

			if d := m.checkEntitlements(r, route, tier); !d.Allowed {
				metrics.Decision(endpoint, d.Code())
				m.writeDenial(w, r, route, d)
				return
			}

			if paid && !m.cfg.EnforcePaidQuotas {
				metrics.Decision(endpoint, "")
				next.ServeHTTP(w, r)
				return
			}

			var (
				d    domain.Decision
				mode meterMode
			)
			if !paid && m.catalog.IsTrialEndpoint(route.Endpoint) {
				mode = meterTrial
				d, err = m.trials.ValidateTrialRequest(ctx, id.UserID, id.SubscriptionTier, route.Endpoint)
			} else {
				mode = meterQuota
				d, err = m.quota.EvaluateTier(ctx, id.UserID, tier, route.Endpoint)
			}
			if err != nil {
				handler.ErrorResponse(w, r, m.logger, err)
				return
			}
			metrics.Decision(endpoint, d.Code())
			if !d.Allowed {
				m.writeDenial(w, r, route, d)
				return
			}
			buf := newBufferedResponse()
			next.ServeHTTP(buf, r)

			if buf.status >= 200 && buf.status < 300 {
				m.record(r, id, tier, route, mode, buf)
			} else {
				m.report(domain.RecordOutcome{
					UserID:   id.UserID,
					Endpoint: route.Endpoint,
					Status:   domain.RecordStatusSkipped,
				})
			}
			buf.flush(w)
		})
	}
}

// checkEntitlements applies the tier's feature, data source and batch rules.
func (m *EnforcementMiddleware) checkEntitlements(r *http.Request, route Route, tier *domain.Tier) domain.Decision {
	if d := m.quota.CheckFeature(tier, route.Feature); !d.Allowed {
		return d
	}

	source := route.DataSource
	if source == "" {
		source = domain.DataSourceID(r.URL.Query().Get("data_source"))
	}
	if d := m.quota.CheckDataSource(tier, source); !d.Allowed {
		return d
	}

	if route.Batch {
		size, err := strconv.Atoi(r.Header.Get(HeaderBatchSize))
		if err != nil || size < 1 {
			size = 1
		}
		if d := m.quota.CheckBatch(tier, size); !d.Allowed {
			return d
		}
	}
	return domain.Allow(0, domain.Unlimited)
}

// =============================================================================
// Usage Recording
// =============================================================================

type recordResult struct {
	res *domain.UsageResult
	err error
}

// record writes usage after a successful handler. The write is detached from
// the client connection and bounded by UsageWriteTimeout; whatever happens the
// buffered response is still sent.
func (m *EnforcementMiddleware) record(r *http.Request, id *domain.Identity, tier *domain.Tier, route Route, mode meterMode, buf *bufferedResponse) {
	start := m.now()
	meta := usageMetadata(r)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), m.cfg.UsageWriteTimeout)
	defer cancel()

	done := make(chan recordResult, 1)
	go func() {
		var rr recordResult
		if mode == meterTrial {
			rr.res, rr.err = m.trials.RecordTrialUsage(ctx, id.UserID, route.Endpoint, meta)
		} else {
			rr.res, rr.err = m.quota.RecordUsage(ctx, id.UserID, tier, route.Endpoint, meta)
		}
		done <- rr
	}()

	outcome := domain.RecordOutcome{UserID: id.UserID, Endpoint: route.Endpoint}
	select {
	case rr := <-done:
		outcome.Result, outcome.Err = rr.res, rr.err
		switch {
		case rr.err == nil:
			outcome.Status = domain.RecordStatusRecorded
		case ctx.Err() != nil:
			outcome.Status = domain.RecordStatusTimedOut
		default:
			outcome.Status = domain.RecordStatusFailed
		}
	case <-ctx.Done():
		outcome.Status = domain.RecordStatusTimedOut
		outcome.Err = ctx.Err()
	}
	outcome.Duration = m.now().Sub(start)
	m.report(outcome)

	if outcome.Status != domain.RecordStatusRecorded {
		m.logger.Warn("Usage write failed, response delivered unrecorded",
			"user_id", id.UserID,
			"endpoint", route.Endpoint,
			"status", outcome.Status,
			"error", outcome.Err,
		)
		return
	}

	res := outcome.Result
	h := buf.Header()
	if mode == meterTrial {
		h.Set(HeaderTrialReportsUsed, strconv.Itoa(res.NewUsed))
		h.Set(HeaderTrialReportsRemaining, strconv.Itoa(res.Remaining))
		h.Set(HeaderTrialStatus, string(res.TrialStatus))
		if res.LimitReached {
			m.decorateLimitReached(buf, tier.ID)
		}
		return
	}
	if res.Limit != domain.Unlimited {
		h.Set(HeaderQuotaLimit, strconv.Itoa(res.Limit))
		h.Set(HeaderQuotaRemaining, strconv.Itoa(res.Remaining))
	}
}

func (m *EnforcementMiddleware) report(outcome domain.RecordOutcome) {
	metrics.UsageRecorded(string(outcome.Endpoint), string(outcome.Status), outcome.Duration)
	if m.cfg.OnRecord != nil {
		m.cfg.OnRecord(outcome)
	}
}

// decorateLimitReached adds trial_limit_reached and upgrade_prompt to a JSON
// object body. Other bodies are left alone.
func (m *EnforcementMiddleware) decorateLimitReached(buf *bufferedResponse, from domain.TierID) {
	if !strings.HasPrefix(buf.Header().Get("Content-Type"), "application/json") {
		return
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(buf.body.Bytes(), &body); err != nil || body == nil {
		return
	}

	prompt, err := json.Marshal(UpgradePrompt{
		Message:        "You have used your free trial. Upgrade to keep running risk assessments.",
		UpgradeURL:     m.cfg.UpgradeURL,
		UpgradeOptions: m.catalog.UpgradeOptions(from),
	})
	if err != nil {
		return
	}
	body["trial_limit_reached"] = json.RawMessage("true")
	body["upgrade_prompt"] = prompt

	decorated, err := json.Marshal(body)
	if err != nil {
		return
	}
	buf.body.Reset()
	buf.body.Write(decorated)
}

func usageMetadata(r *http.Request) domain.UsageMetadata {
	return domain.UsageMetadata{
		IPAddress:  getClientIP(r),
		ResourceID: r.PathValue("id"),
		Extra: map[string]any{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": r.Header.Get(RequestIDHeader),
		},
	}
}

// =============================================================================
// Denials
// =============================================================================

func (m *EnforcementMiddleware) writeDenial(w http.ResponseWriter, r *http.Request, route Route, d domain.Decision) {
	code := d.Code()
	body := DenialResponse{
		Error:     strings.ToLower(code),
		ErrorCode: code,
		Message:   d.Reason.Message(),
		Actions:   DenialActions{UpgradeURL: m.cfg.UpgradeURL},
	}

	status := http.StatusForbidden
	if d.Reason == domain.DenialAuthRequired {
		status = http.StatusUnauthorized
		body.Actions = DenialActions{}
	} else {
		from := d.TierID
		if from == "" {
			from = domain.TierFree
		}
		body.UpgradeOptions = m.catalog.UpgradeOptions(from)
		for _, opt := range body.UpgradeOptions {
			if opt.ContactSales {
				body.Actions.ContactSales = m.cfg.ContactSalesURL
				break
			}
		}
	}

	if t := d.Trial; t != nil && d.Reason.IsTrial() {
		body.TrialInfo = &TrialInfo{
			ReportsUsed:  t.ReportsUsed,
			ReportsLimit: t.ReportsLimit,
			TrialStarted: t.StartedAt,
			ExpiresAt:    t.ExpiresAt,
			Status:       string(t.Status),
		}
	}
	if d.Reason == domain.DenialTrialExpired {
		days := d.DaysSinceExpiry
		body.DaysSinceExpiry = &days
	}
	if d.Reason == domain.DenialQuotaExceeded || d.Reason == domain.DenialBatchTooLarge {
		limit, used := d.Limit, d.Used
		body.Limit, body.Used = &limit, &used
	}
	if !d.ResetAt.IsZero() {
		resetAt := d.ResetAt
		body.ResetAt = &resetAt
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(m.now(), resetAt)))
	}

	attrs := []any{
		"endpoint", route.Endpoint,
		"error_code", code,
		"path", r.URL.Path,
	}
	if id := auth.GetIdentityFromRequest(r); id != nil {
		attrs = append(attrs, "user_id", id.UserID)
	}
	m.logger.Info("Request denied", attrs...)

	handler.WriteJSON(w, status, body)
}

// retryAfterSeconds rounds up to whole seconds, never below one.
func retryAfterSeconds(now, at time.Time) int {
	secs := int(math.Ceil(at.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// =============================================================================
// Buffered Response
// =============================================================================

// bufferedResponse holds the wrapped handler's response until the usage
// write has finished, so quota headers can still be added.
type bufferedResponse struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header {
	return b.header
}

func (b *bufferedResponse) WriteHeader(code int) {
	if b.wroteHeader {
		return
	}
	b.status = code
	b.wroteHeader = true
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if !b.wroteHeader {
		b.WriteHeader(http.StatusOK)
	}
	return b.body.Write(p)
}

// flush copies the buffered response to w.
func (b *bufferedResponse) flush(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	// Decoration may have changed the body length.
	dst.Del("Content-Length")
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}
