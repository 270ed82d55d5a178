// Package scheduler runs a task immediately and then on a fixed interval
// until its context is cancelled.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"outreach/internal/observability"
)

var ErrRunInProgress = errors.New("a run is already in progress")

type Task func(ctx context.Context) error

type Runner struct {
	Interval time.Duration
	Task     Task
	Logger   *slog.Logger

	mu sync.Mutex
}

// Start blocks until ctx is done. The ticker is reset after every run, so the
// next run starts one full interval after the previous one ends even when a
// run takes longer than the interval.
func (r *Runner) Start(ctx context.Context) error {
	if r.Interval <= 0 {
		return fmt.Errorf("invalid interval %s", r.Interval)
	}
	log := r.logger()
	log.Info("scheduler started", "interval", r.Interval)

	r.tick(ctx)

	t := time.NewTicker(r.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return ctx.Err()
		case <-t.C:
			if ctx.Err() != nil {
				continue
			}
			r.tick(ctx)
			t.Reset(r.Interval)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if err := r.RunOnce(ctx); errors.Is(err, ErrRunInProgress) {
		r.logger().Warn("previous run still in progress, skipping tick")
	}
}

// RunOnce executes the task synchronously. It returns ErrRunInProgress when
// another run holds the runner, and otherwise the task's error. Errors and
// panics are logged here so the ticker loop keeps going.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.RunWith(ctx, r.Task)
}

// RunWith is RunOnce for a caller-supplied task, e.g. a manual trigger that
// wants the run's result. It shares the lock with the scheduled runs.
func (r *Runner) RunWith(ctx context.Context, task Task) (err error) {
	if !r.mu.TryLock() {
		return ErrRunInProgress
	}
	defer r.mu.Unlock()

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("run panicked: %v", p)
			r.logger().Error("critical dispatcher error", "err", err, "stack", string(debug.Stack()))
		}
		observability.RunDuration.Observe(time.Since(start).Seconds())
		switch {
		case err == nil:
			observability.Runs.WithLabelValues("ok").Inc()
		case errors.Is(err, context.Canceled):
			observability.Runs.WithLabelValues("cancelled").Inc()
		default:
			observability.Runs.WithLabelValues("error").Inc()
		}
	}()

	err = task(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger().Error("critical dispatcher error", "err", err)
	}
	return err
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
