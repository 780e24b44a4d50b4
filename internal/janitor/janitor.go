// Package janitor runs periodic housekeeping jobs.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Job is one housekeeping step.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Janitor runs its jobs on a fixed interval.
type Janitor struct {
	interval time.Duration
	jobs     []Job
	logger   *slog.Logger
}

// New builds a Janitor. A non-positive interval defaults to one hour.
func New(interval time.Duration, logger *slog.Logger, jobs ...Job) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{interval: interval, jobs: jobs, logger: logger.With("component", "janitor")}
}

// RunOnce runs every job in order. A failing job does not stop the others;
// their errors are joined.
func (j *Janitor) RunOnce(ctx context.Context) error {
	var errs []error
	for _, job := range j.jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		if err := job.Run(ctx); err != nil {
			j.logger.Error("janitor job failed", "job", job.Name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", job.Name, err))
			continue
		}
		j.logger.Debug("janitor job finished", "job", job.Name, "duration", time.Since(start))
	}
	return errors.Join(errs...)
}

// Run loops until ctx is cancelled. Job errors are logged, not returned.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("janitor started", "interval", j.interval, "jobs", len(j.jobs))
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return nil
		case <-ticker.C:
			_ = j.RunOnce(ctx)
		}
	}
}
