// Package jobs runs the periodic background work: reflection sweep,
// forgetting cycle, insight cache regeneration, and the health probe. Every
// job is idempotent and holds a per-run redis lock so concurrent instances
// do not double-run.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/reugn/go-quartz/quartz"

	"memsci/internal/config"
	"memsci/internal/forgetting"
	"memsci/internal/health"
	"memsci/internal/insight"
	"memsci/internal/logging"
	"memsci/internal/relational"
	"memsci/internal/tasks"
)

// Scheduler wires the periodic jobs onto a quartz scheduler.
type Scheduler struct {
	sched      quartz.Scheduler
	rel        *relational.Store
	forgetting *forgetting.Engine
	insight    *insight.Engine
	probe      *health.Probe
	locker     *tasks.RedisLocker
	cfg        config.JobsConfig
}

// New creates the job Scheduler. Any collaborator may be nil; its jobs are
// then skipped.
func New(rel *relational.Store, fg *forgetting.Engine, ins *insight.Engine, probe *health.Probe, locker *tasks.RedisLocker, cfg config.JobsConfig) *Scheduler {
	return &Scheduler{
		sched:      quartz.NewStdScheduler(),
		rel:        rel,
		forgetting: fg,
		insight:    ins,
		probe:      probe,
		locker:     locker,
		cfg:        cfg,
	}
}

// Start schedules every configured job and starts the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.sched.Start(ctx)

	type entry struct {
		name     string
		interval time.Duration
		run      func(context.Context) error
	}
	entries := []entry{
		{"reflection", s.cfg.ReflectionInterval, s.runReflection},
		{"forgetting", s.cfg.ForgettingInterval, s.runForgetting},
		{"insight", s.cfg.InsightInterval, s.runInsight},
		{"health", s.cfg.HealthInterval, s.runHealth},
	}

	for _, e := range entries {
		if e.interval <= 0 {
			continue
		}
		detail := quartz.NewJobDetail(
			&lockedJob{name: e.name, locker: s.locker, ttl: e.interval, run: e.run},
			quartz.NewJobKey(e.name),
		)
		if err := s.sched.ScheduleJob(detail, quartz.NewSimpleTrigger(e.interval)); err != nil {
			return fmt.Errorf("failed to schedule %s job: %w", e.name, err)
		}
		logging.Jobs("Scheduled job: name=%s interval=%s", e.name, e.interval)
	}
	return nil
}

// RunOnce executes one named job immediately, bypassing the schedule but
// not the lock.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	runs := map[string]func(context.Context) error{
		"reflection": s.runReflection,
		"forgetting": s.runForgetting,
		"insight":    s.runInsight,
		"health":     s.runHealth,
	}
	run, ok := runs[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	job := &lockedJob{name: name, locker: s.locker, ttl: time.Minute, run: run}
	return job.Execute(ctx)
}

// Stop halts the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	s.sched.Stop()
	s.sched.Wait(context.Background())
}

// lockedJob wraps a job body with the per-run redis lock.
type lockedJob struct {
	name   string
	locker *tasks.RedisLocker
	ttl    time.Duration
	run    func(context.Context) error
}

func (j *lockedJob) Execute(ctx context.Context) error {
	release, ok := j.locker.Acquire(ctx, "memsci:job:lock:"+j.name, j.ttl)
	if !ok {
		logging.JobsDebug("Job %s skipped: lock held elsewhere", j.name)
		return nil
	}
	defer release()

	start := time.Now()
	err := j.run(ctx)
	if err != nil {
		logging.Get(logging.CategoryJobs).Error("Job %s failed after %s: %v", j.name, time.Since(start), err)
		return err
	}
	logging.Jobs("Job %s completed in %s", j.name, time.Since(start))
	return nil
}

func (j *lockedJob) Description() string {
	return "memsci periodic job: " + j.name
}

// runReflection refreshes the four-part user summary for every user.
func (s *Scheduler) runReflection(ctx context.Context) error {
	if s.insight == nil || s.rel == nil {
		return nil
	}
	return s.forEachUser(ctx, func(ctx context.Context, userID string) error {
		_, err := s.insight.RefreshUserSummary(ctx, userID)
		return err
	})
}

// runForgetting runs one fusion cycle per user.
func (s *Scheduler) runForgetting(ctx context.Context) error {
	if s.forgetting == nil || s.rel == nil {
		return nil
	}
	return s.forEachUser(ctx, func(ctx context.Context, userID string) error {
		report, err := s.forgetting.RunCycle(ctx, userID)
		if err != nil {
			return err
		}
		if report.Merged > 0 || report.Failed > 0 {
			logging.Jobs("Forgetting: user=%s scanned=%d merged=%d failed=%d",
				userID, report.Scanned, report.Merged, report.Failed)
		}
		return nil
	})
}

// runInsight regenerates the cached memory-insight paragraph per user.
func (s *Scheduler) runInsight(ctx context.Context) error {
	if s.insight == nil || s.rel == nil {
		return nil
	}
	return s.forEachUser(ctx, func(ctx context.Context, userID string) error {
		_, err := s.insight.RefreshInsight(ctx, userID)
		return err
	})
}

// runHealth refreshes the cached health verdict.
func (s *Scheduler) runHealth(ctx context.Context) error {
	if s.probe == nil {
		return nil
	}
	s.probe.Check(ctx)
	return nil
}

// forEachUser applies fn per user, continuing past per-user failures and
// reporting the first error at the end.
func (s *Scheduler) forEachUser(ctx context.Context, fn func(context.Context, string) error) error {
	users, err := s.rel.ListEndUsers(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, userID := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(ctx, userID); err != nil {
			logging.Get(logging.CategoryJobs).Error("Per-user job failed for %s: %v", userID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
