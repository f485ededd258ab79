package metrics

import "time"

// Decision records an enforcement decision. An empty code means allowed.
func Decision(endpoint, code string) {
	if code == "" {
		QuotaDecisionsTotal.WithLabelValues(endpoint, "allowed").Inc()
		return
	}
	QuotaDecisionsTotal.WithLabelValues(endpoint, code).Inc()
}

// UsageRecorded records the outcome of a post-handler usage write.
func UsageRecorded(endpoint, status string, duration time.Duration) {
	UsageRecordsTotal.WithLabelValues(endpoint, status).Inc()
	UsageRecordDuration.Observe(duration.Seconds())
}
