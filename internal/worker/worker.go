package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/DukeRupert/riskquota/internal/metrics"
)

// Worker runs the registered maintenance jobs, each on its own ticker.
type Worker struct {
	handlers map[string]JobHandler
	triggers map[string]chan struct{}
	config   Config
	logger   *slog.Logger

	// Synchronization
	wg      sync.WaitGroup
	stopCh  chan struct{}
	started bool
}

// New creates a new Worker with the given configuration.
// The worker must be started with Start() and stopped with Stop().
func New(config Config, logger *slog.Logger) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Worker{
		handlers: make(map[string]JobHandler),
		triggers: make(map[string]chan struct{}),
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}, nil
}

// Register adds a job handler to the worker.
// The handler's Type() must be unique. Call this before Start().
func (w *Worker) Register(handler JobHandler) {
	jobType := handler.Type()
	if _, exists := w.handlers[jobType]; exists {
		w.logger.Warn("Overwriting existing handler", "job_type", jobType)
	}
	w.handlers[jobType] = handler
	w.triggers[jobType] = make(chan struct{}, 1)
	w.logger.Debug("Registered job handler", "job_type", jobType, "interval", w.interval(handler))
}

// Types returns the registered job types in name order.
func (w *Worker) Types() []string {
	types := make([]string, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Start launches one goroutine per registered job.
func (w *Worker) Start(ctx context.Context) {
	w.started = true
	for _, jobType := range w.Types() {
		w.wg.Add(1)
		go w.runJob(ctx, w.handlers[jobType], w.triggers[jobType])
	}

	w.logger.Info("Worker started", "jobs", len(w.handlers))
}

// Stop signals all jobs to stop and waits for them to finish.
// It respects the configured ShutdownTimeout.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopCh)

	// Wait for jobs with timeout
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker stopped gracefully")
	case <-time.After(w.config.ShutdownTimeout):
		w.logger.Warn("Worker shutdown timeout exceeded, some jobs may still be running")
	}
}

// RunOnce executes a job synchronously, outside its schedule.
func (w *Worker) RunOnce(ctx context.Context, jobType string) (int64, error) {
	handler, ok := w.handlers[jobType]
	if !ok {
		return 0, NewPermanentError(fmt.Errorf("no handler registered for job type: %s", jobType))
	}
	return w.execute(ctx, handler, w.logger.With("job_type", jobType))
}

// runJob is the main loop for one job. It runs on every tick and on every
// trigger until stopCh is closed.
func (w *Worker) runJob(ctx context.Context, handler JobHandler, trigger <-chan struct{}) {
	defer w.wg.Done()

	logger := w.logger.With("job_type", handler.Type())
	logger.Debug("Job scheduled")

	ticker := time.NewTicker(w.interval(handler))
	defer ticker.Stop()

	run := func() bool {
		if _, err := w.execute(ctx, handler, logger); IsPermanent(err) {
			logger.Error("Job failed permanently, unscheduling", "error", err)
			return false
		}
		return true
	}

	if w.config.RunOnStart && !run() {
		return
	}

	for {
		select {
		case <-w.stopCh:
			logger.Debug("Job stopping")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !run() {
				return
			}
		case <-trigger:
			if !run() {
				return
			}
		}
	}
}

// execute runs the handler with a timeout context and records the outcome.
func (w *Worker) execute(ctx context.Context, handler JobHandler, logger *slog.Logger) (int64, error) {
	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	start := time.Now()
	items, err := handler.Handle(jobCtx)
	if err != nil {
		metrics.JobFailed(handler.Type())
		logger.Error("Job failed", "error", err, "duration", time.Since(start))
		return items, err
	}

	metrics.JobCompleted(handler.Type(), time.Since(start), items)
	if items > 0 {
		logger.Info("Job completed", "items", items, "duration", time.Since(start))
	} else {
		logger.Debug("Job completed", "duration", time.Since(start))
	}
	return items, nil
}

func (w *Worker) interval(handler JobHandler) time.Duration {
	if d := handler.Interval(); d > 0 {
		return d
	}
	return w.config.PollInterval
}
