package metrics

import "time"

// JobCompleted records a successful maintenance run and how many rows it touched.
func JobCompleted(jobType string, duration time.Duration, items int64) {
	JobsTotal.WithLabelValues(jobType, "completed").Inc()
	JobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
	if items > 0 {
		JobItemsTotal.WithLabelValues(jobType).Add(float64(items))
	}
}

// JobFailed records a failed maintenance run.
func JobFailed(jobType string) {
	JobsTotal.WithLabelValues(jobType, "failed").Inc()
}
