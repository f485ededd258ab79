package worker

import "fmt"

// Job type constants - these must match the JobHandler.Type() values
const (
	JobTypeExpireTrials = "expire_trials"
	JobTypeResetPeriods = "reset_periods"
	JobTypeArchiveUsage = "archive_usage"
)

// Enqueue asks a running job to run now instead of waiting for its next tick.
// A run that is already pending absorbs the request.
func (w *Worker) Enqueue(jobType string) error {
	trigger, ok := w.triggers[jobType]
	if !ok {
		return fmt.Errorf("no handler registered for job type: %s", jobType)
	}
	if !w.started {
		return fmt.Errorf("worker not started, cannot enqueue %s", jobType)
	}

	select {
	case trigger <- struct{}{}:
	default:
	}
	return nil
}
