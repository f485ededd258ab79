package worker

import (
	"fmt"
	"time"
)

// Config holds the configuration for the maintenance worker.
type Config struct {
	// PollInterval is the schedule of jobs that do not set their own interval.
	// Default: 1 minute
	PollInterval time.Duration

	// JobTimeout is the maximum time a single run is allowed to take.
	// If a run exceeds this timeout, its context is canceled and it's recorded as failed.
	// Default: 5 minutes
	JobTimeout time.Duration

	// ShutdownTimeout is how long to wait for running jobs to complete during graceful shutdown.
	// After this timeout, the worker stops even if jobs are still running.
	// Default: 30 seconds
	ShutdownTimeout time.Duration

	// RunOnStart runs every job once as soon as the worker starts.
	RunOnStart bool
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		PollInterval:    time.Minute,
		JobTimeout:      5 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
		RunOnStart:      true,
	}
}

// Validate checks if the configuration is valid.
// Returns an error if any values are invalid.
func (c Config) Validate() error {
	if c.PollInterval < 1*time.Second {
		return fmt.Errorf("poll interval must be at least 1 second, got %v", c.PollInterval)
	}
	if c.JobTimeout < 1*time.Second {
		return fmt.Errorf("job timeout must be at least 1 second, got %v", c.JobTimeout)
	}
	if c.ShutdownTimeout < 1*time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second, got %v", c.ShutdownTimeout)
	}
	if c.JobTimeout > 24*time.Hour {
		return fmt.Errorf("job timeout too long (max 24h), got %v", c.JobTimeout)
	}
	return nil
}
