package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/makex/orchestrator/internal/lock"
)

// Cron job names
const (
	JobAutoPause    = "auto-pause-containers"
	JobAutoKill     = "auto-kill-containers"
	JobResetStuck   = "reset-stuck-apps"
	JobSandboxStats = "sandbox-stats"
)

// Job is a periodic reconciliation
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Jobs returns the manager's cron jobs at their configured intervals
func (m *Manager) Jobs() []Job {
	return []Job{
		{Name: JobAutoPause, Interval: m.config.AutoPauseInterval, Run: func(ctx context.Context) error {
			_, err := m.AutoPause(ctx)
			return err
		}},
		{Name: JobAutoKill, Interval: m.config.AutoKillInterval, Run: func(ctx context.Context) error {
			_, err := m.AutoKill(ctx)
			return err
		}},
		{Name: JobResetStuck, Interval: m.config.ResetStuckInterval, Run: func(ctx context.Context) error {
			_, err := m.ResetStuck(ctx)
			return err
		}},
		{Name: JobSandboxStats, Interval: m.config.StatsInterval, Run: func(ctx context.Context) error {
			_, err := m.SandboxStats(ctx)
			return err
		}},
	}
}

// CronRecorder records cron outcomes
type CronRecorder interface {
	RecordCronRun(job string, err error)
}

// Scheduler runs jobs on tickers. A job only runs on one replica at a time:
// each run takes the job's lock and is skipped when another replica holds it.
type Scheduler struct {
	jobs     map[string]Job
	locker   lock.Locker
	recorder CronRecorder
	logger   *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewScheduler creates a scheduler for jobs
func NewScheduler(locker lock.Locker, logger *zap.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		jobs:   make(map[string]Job, len(jobs)),
		locker: locker,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	for _, j := range jobs {
		s.jobs[j.Name] = j
	}
	return s
}

// SetRecorder attaches a metrics recorder
func (s *Scheduler) SetRecorder(r CronRecorder) {
	s.recorder = r
}

// Names lists the scheduled jobs
func (s *Scheduler) Names() []string {
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Start launches one ticker loop per job. Jobs with no interval are not scheduled.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			s.logger.Info("job disabled", zap.String("job", job.Name))
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
}

// Stop ends all loops and waits for running jobs to return
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	s.logger.Info("job scheduled", zap.String("job", job.Name), zap.Duration("interval", job.Interval))

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.run(ctx, job); err != nil {
				s.logger.Error("job failed", zap.String("job", job.Name), zap.Error(err))
			}
		}
	}
}

// RunOnce runs a job immediately, still honoring its lock
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.run(ctx, job)
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	lease, err := s.locker.TryAcquire(ctx, lock.JobKey(job.Name))
	if errors.Is(err, lock.ErrLocked) {
		s.logger.Debug("job running elsewhere, skipping", zap.String("job", job.Name))
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release job lock", zap.String("job", job.Name), zap.Error(err))
		}
	}()

	start := time.Now()
	err = job.Run(ctx)
	if s.recorder != nil {
		s.recorder.RecordCronRun(job.Name, err)
	}
	s.logger.Debug("job finished", zap.String("job", job.Name), zap.Duration("duration", time.Since(start)))
	return err
}
