package worker

import (
	"context"
	"errors"
	"time"
)

// JobHandler defines the interface that all maintenance jobs must implement.
// Each handler is responsible for one recurring task.
type JobHandler interface {
	// Type returns the job type identifier, used in logs and metrics.
	Type() string

	// Interval is how often the job runs. Zero uses the worker's PollInterval.
	Interval() time.Duration

	// Handle runs the job once and returns the number of rows it touched.
	// Return a PermanentError to stop scheduling the job.
	Handle(ctx context.Context) (int64, error)
}

// PermanentError wraps an error to indicate the job cannot succeed by
// running it again. The worker stops scheduling a job that returns one.
type PermanentError struct {
	Err error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	return e.Err.Error()
}

// Unwrap allows errors.Is and errors.As to work with PermanentError.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError creates a new PermanentError that wraps the given error.
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is a PermanentError.
// Returns true if the error (or any error it wraps) is a PermanentError.
func IsPermanent(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}
