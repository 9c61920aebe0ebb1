package cron

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/bher20/countryrates/internal/metrics"
	"github.com/bher20/countryrates/internal/service"
	"github.com/bher20/countryrates/internal/storage"
)

const (
	// JobName identifies the refresh job in metrics and scheduled_jobs.
	JobName = "refresh_countries"
	// LockKey is the advisory lock shared by every worker replica.
	LockKey int64 = 7_346_201

	defaultInterval = time.Hour
)

// Refresher runs one refresh of the country snapshot.
type Refresher interface {
	Refresh(ctx context.Context) (service.RefreshResult, error)
}

// ErrLockHeld is returned by RunOnce when another worker owns the lock.
var ErrLockHeld = errors.New("refresh lock held by another worker")

// ValidateSchedule accepts a positive integer number of seconds or a
// standard five-field cron expression.
func ValidateSchedule(setting string) error {
	setting = strings.TrimSpace(setting)
	if v, err := strconv.Atoi(setting); err == nil {
		if v <= 0 {
			return fmt.Errorf("schedule interval must be positive, got %d", v)
		}
		return nil
	}
	if _, err := cron.ParseStandard(setting); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", setting, err)
	}
	return nil
}

// NextRun returns the next run time after last for setting. Unparseable
// settings fall back to hourly.
func NextRun(setting string, last time.Time) time.Time {
	setting = strings.TrimSpace(setting)
	// Try integer seconds
	if v, err := strconv.Atoi(setting); err == nil && v > 0 {
		return last.Add(time.Duration(v) * time.Second)
	}
	// Try cron expression
	if sched, err := cron.ParseStandard(setting); err == nil {
		return sched.Next(last)
	}
	return last.Add(defaultInterval)
}

// Worker periodically triggers refreshes. When the store provides advisory
// locks only one replica refreshes per cycle.
type Worker struct {
	refresher Refresher
	locker    storage.Locker
	jobs      storage.JobRecorder
	schedule  string
	tick      time.Duration
	log       *zap.Logger
}

func NewWorker(r Refresher, st storage.Storage, schedule string, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Worker{
		refresher: r,
		schedule:  schedule,
		tick:      10 * time.Second,
		log:       log.Named("cron"),
	}
	if l, ok := st.(storage.Locker); ok {
		w.locker = l
	}
	if j, ok := st.(storage.JobRecorder); ok {
		w.jobs = j
	}
	return w
}

// Run refreshes immediately and then on every scheduled time until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	if err := ValidateSchedule(w.schedule); err != nil {
		return err
	}

	// Control loop ticker (check run time)
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	nextRun := time.Now()
	w.log.Info("cron worker starting", zap.String("schedule", w.schedule), zap.Bool("advisory_lock", w.locker != nil))

	for {
		if !time.Now().Before(nextRun) {
			if err := w.RunOnce(ctx); err != nil && !errors.Is(err, ErrLockHeld) {
				w.log.Warn("scheduled refresh failed", zap.Error(err))
			}
			nextRun = NextRun(w.schedule, time.Now())
			w.log.Debug("next refresh scheduled", zap.Time("at", nextRun))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single locked refresh and records its outcome.
func (w *Worker) RunOnce(ctx context.Context) error {
	started := time.Now()

	if w.locker != nil {
		ok, err := w.locker.AcquireAdvisoryLock(ctx, LockKey)
		if err != nil {
			metrics.UpdateJobMetrics(JobName, started, err)
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		if !ok {
			w.log.Info("advisory lock held by another worker, skipping run")
			return ErrLockHeld
		}
		// We hold the lock for the duration of the job.
		defer func() {
			if _, err := w.locker.ReleaseAdvisoryLock(context.WithoutCancel(ctx), LockKey); err != nil {
				w.log.Warn("release advisory lock failed", zap.Error(err))
			}
		}()
	}

	res, runErr := w.refresher.Refresh(ctx)

	// Record metrics & job row.
	metrics.UpdateJobMetrics(JobName, started, runErr)
	dur := time.Since(started)
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	if w.jobs != nil {
		if err := w.jobs.UpdateScheduledJob(context.WithoutCancel(ctx), JobName, started, dur, runErr == nil, errMsg); err != nil {
			w.log.Warn("update scheduled_jobs failed", zap.Error(err))
		}
	}

	if runErr != nil {
		return runErr
	}
	w.log.Info("job completed", zap.String("job", JobName), zap.Int("count", res.Count),
		zap.Bool("degraded", res.Degraded), zap.Duration("duration", dur))
	return nil
}
