package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"rival_scrooper/config"
)

// Triggerable allows workers to be triggered manually
type Triggerable interface {
	Trigger()
}

type Recoverer interface {
	Sweep(ctx context.Context) (int, error)
}

type JobCleaner interface {
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
}

type TaskCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Scheduler runs the periodic maintenance: stuck-job recovery and retention
// cleanup of finished jobs and tasks.
type Scheduler struct {
	cfg      config.SchedulerConfig
	recovery Recoverer
	jobs     JobCleaner
	tasks    TaskCleaner
	poller   Triggerable
	cron     *cron.Cron
	log      *zap.SugaredLogger
}

func New(cfg config.SchedulerConfig, recovery Recoverer, jobs JobCleaner, tasks TaskCleaner, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		recovery: recovery,
		jobs:     jobs,
		tasks:    tasks,
		cron:     cron.New(),
		log:      log.Named("scheduler"),
	}
}

// SetPoller registers the snapshot poller so it sweeps right after startup recovery.
func (s *Scheduler) SetPoller(p Triggerable) {
	s.poller = p
}

// Start recovers stuck jobs immediately, then installs the cron entries.
func (s *Scheduler) Start(ctx context.Context) error {
	s.RunRecovery(ctx)
	if s.poller != nil {
		s.poller.Trigger()
	}

	if s.cfg.RecoveryCron != "" {
		if _, err := s.cron.AddFunc(s.cfg.RecoveryCron, func() { s.RunRecovery(ctx) }); err != nil {
			return errors.Wrapf(err, "invalid recovery cron %q", s.cfg.RecoveryCron)
		}
	}
	if s.cfg.CleanupCron != "" {
		if _, err := s.cron.AddFunc(s.cfg.CleanupCron, func() { s.RunCleanup(ctx) }); err != nil {
			return errors.Wrapf(err, "invalid cleanup cron %q", s.cfg.CleanupCron)
		}
	}

	s.log.Infow("scheduler started", "recovery", s.cfg.RecoveryCron, "cleanup", s.cfg.CleanupCron)
	s.cron.Start()
	return nil
}

// Stop waits for a running cron job to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) RunRecovery(ctx context.Context) {
	n, err := s.recovery.Sweep(ctx)
	if err != nil {
		s.log.Errorw("stuck job recovery failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Warnw("failed stuck jobs", "count", n)
	}
}

func (s *Scheduler) RunCleanup(ctx context.Context) {
	if s.cfg.RetentionDays <= 0 {
		return
	}
	if _, err := s.jobs.CleanupOlderThan(ctx, s.cfg.RetentionDays); err != nil {
		s.log.Errorw("job cleanup failed", "error", err)
	}
	if _, err := s.tasks.Cleanup(ctx, time.Duration(s.cfg.RetentionDays)*24*time.Hour); err != nil {
		s.log.Errorw("task cleanup failed", "error", err)
	}
}
